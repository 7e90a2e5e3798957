package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() time.Time
	newID  func() string
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Within binds the engine to a transaction-scoped store so callers can combine ledger
// steps with their own writes in one unit of work.
func (service *Service) Within(txStore Store) *UnitOfWork {
	return &UnitOfWork{store: txStore, nowFn: service.nowFn, newID: service.newID}
}

// Balance returns the account row, or an empty account when the user never transacted.
func (service *Service) Balance(ctx context.Context, userID UserID) (Account, error) {
	if userID.IsZero() {
		return Account{}, ErrInvalidUserID
	}
	account, err := service.store.GetAccount(ctx, userID)
	if errors.Is(err, ErrUnknownAccount) {
		return Account{UserID: userID}, nil
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// ListEntries returns a user's entries newest first, strictly older than before when it is set.
func (service *Service) ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error) {
	if userID.IsZero() {
		return nil, ErrInvalidUserID
	}
	return service.store.ListEntries(ctx, userID, before, normalizeListLimit(limit))
}

// GetHold returns a hold by id.
func (service *Service) GetHold(ctx context.Context, holdID HoldID) (Hold, error) {
	if holdID.IsZero() {
		return Hold{}, ErrInvalidHoldID
	}
	return service.store.GetHold(ctx, holdID)
}

// ApplyTransfer moves coins between two users in one unit of work.
func (service *Service) ApplyTransfer(ctx context.Context, request TransferRequest) (TransferResult, error) {
	var result TransferResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		result, err = service.Within(transactionStore).ApplyTransfer(ctx, request)
		return err
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) && !request.IdempotencyKey.IsZero() {
		result, operationError = service.Within(service.store).replayTransferByKey(ctx, request)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationTransfer,
		UserID:         request.From,
		CounterpartyID: request.To,
		EntryType:      request.Type,
		Amount:         request.Amount.Coins(),
		IdempotencyKey: request.IdempotencyKey,
		Status:         replayStatus(result.Replayed),
		Error:          operationError,
	})
	return result, operationError
}

// ApplyCredit adds coins to a single account.
func (service *Service) ApplyCredit(ctx context.Context, request AdjustmentRequest) (AdjustmentResult, error) {
	return service.applyAdjustment(ctx, operationCredit, request, func(unit *UnitOfWork, ctx context.Context) (AdjustmentResult, error) {
		return unit.ApplyCredit(ctx, request)
	})
}

// ApplyDebit removes spendable coins from a single account.
func (service *Service) ApplyDebit(ctx context.Context, request AdjustmentRequest) (AdjustmentResult, error) {
	return service.applyAdjustment(ctx, operationDebit, request, func(unit *UnitOfWork, ctx context.Context) (AdjustmentResult, error) {
		return unit.ApplyDebit(ctx, request)
	})
}

func (service *Service) applyAdjustment(ctx context.Context, operation string, request AdjustmentRequest, apply func(unit *UnitOfWork, ctx context.Context) (AdjustmentResult, error)) (AdjustmentResult, error) {
	var result AdjustmentResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		result, err = apply(service.Within(transactionStore), ctx)
		return err
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) && !request.IdempotencyKey.IsZero() {
		amount := request.Amount.Signed()
		if operation == operationDebit {
			amount = amount.Negated()
		}
		result, operationError = service.Within(service.store).replayAdjustmentByKey(ctx, request, amount)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operation,
		UserID:         request.UserID,
		EntryType:      request.Type,
		Amount:         request.Amount.Coins(),
		IdempotencyKey: request.IdempotencyKey,
		Status:         replayStatus(result.Replayed),
		Error:          operationError,
	})
	return result, operationError
}

// CreateHold reserves spendable coins.
func (service *Service) CreateHold(ctx context.Context, request HoldRequest) (HoldResult, error) {
	var result HoldResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		result, err = service.Within(transactionStore).CreateHold(ctx, request)
		return err
	})
	if errors.Is(operationError, ErrHoldExists) && !request.IdempotencyKey.IsZero() {
		result, operationError = service.Within(service.store).replayHoldByKey(ctx, request)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationCreateHold,
		UserID:         request.UserID,
		HoldID:         result.Hold.ID,
		Amount:         request.Amount.Coins(),
		IdempotencyKey: request.IdempotencyKey,
		Status:         replayStatus(result.Replayed),
		Error:          operationError,
	})
	return result, operationError
}

// SettleHold converts a hold into an actual charge.
func (service *Service) SettleHold(ctx context.Context, holdID HoldID, actualAmount Coins, terms SettlementTerms) (SettlementResult, error) {
	var result SettlementResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		result, err = service.Within(transactionStore).SettleHold(ctx, holdID, actualAmount, terms)
		return err
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		result, operationError = service.Within(service.store).replaySettlement(ctx, holdID)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationSettleHold,
		UserID:         result.Hold.UserID,
		CounterpartyID: terms.Payee,
		HoldID:         holdID,
		EntryType:      terms.EntryType,
		Amount:         actualAmount,
		IdempotencyKey: terms.IdempotencyKey,
		Status:         replayStatus(result.Replayed),
		Error:          operationError,
	})
	return result, operationError
}

// ReleaseHold returns a hold's reservation to spendable balance without writing entries.
func (service *Service) ReleaseHold(ctx context.Context, holdID HoldID) (HoldResult, error) {
	var result HoldResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		result, err = service.Within(transactionStore).ReleaseHold(ctx, holdID)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReleaseHold,
		UserID:    result.Hold.UserID,
		HoldID:    holdID,
		Amount:    result.Hold.Amount.Coins(),
		Status:    replayStatus(result.Replayed),
		Error:     operationError,
	})
	return result, operationError
}

// Reconcile compares one account with the sum of its completed entries and active holds.
func (service *Service) Reconcile(ctx context.Context, userID UserID) (Reconciliation, error) {
	if userID.IsZero() {
		return Reconciliation{}, ErrInvalidUserID
	}
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return Reconciliation{}, err
	}
	return service.reconcileAccount(ctx, account)
}

// ReconcileAll walks every account in user id order and reports each reconciliation to visit.
func (service *Service) ReconcileAll(ctx context.Context, visit func(Reconciliation) error) error {
	if visit == nil {
		return fmt.Errorf("%w: visitor is nil", ErrInvalidServiceConfig)
	}
	var after UserID
	for {
		accounts, err := service.store.ListAccounts(ctx, after, reconcilePageLimit)
		if err != nil {
			return err
		}
		for _, account := range accounts {
			reconciliation, err := service.reconcileAccount(ctx, account)
			if err != nil {
				return err
			}
			if !reconciliation.Consistent() {
				service.logOperation(ctx, OperationLog{
					Operation: operationReconcile,
					UserID:    account.UserID,
					Error:     fmt.Errorf("%w: balance drift %d, held drift %d", ErrInvariantViolation, reconciliation.BalanceDrift, reconciliation.HeldDrift),
				})
			}
			if err := visit(reconciliation); err != nil {
				return err
			}
		}
		if len(accounts) < reconcilePageLimit {
			return nil
		}
		after = accounts[len(accounts)-1].UserID
	}
}

func (service *Service) reconcileAccount(ctx context.Context, account Account) (Reconciliation, error) {
	entryTotal, err := service.store.SumCompletedEntries(ctx, account.UserID)
	if err != nil {
		return Reconciliation{}, err
	}
	activeHolds, err := service.store.SumActiveHolds(ctx, account.UserID)
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{
		UserID:       account.UserID,
		Balance:      account.Balance,
		HeldBalance:  account.HeldBalance,
		EntryTotal:   entryTotal,
		ActiveHolds:  activeHolds,
		BalanceDrift: account.Balance.Signed() - entryTotal,
		HeldDrift:    account.HeldBalance.Signed() - activeHolds.Signed(),
	}, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Error != nil {
		entry.Status = operationStatusError
	} else if entry.Status == "" {
		entry.Status = operationStatusOK
	}
	service.logger.LogOperation(ctx, entry)
}

func replayStatus(replayed bool) string {
	if replayed {
		return operationStatusReplayed
	}
	return ""
}

func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maximumListLimit {
		return maximumListLimit
	}
	return limit
}
