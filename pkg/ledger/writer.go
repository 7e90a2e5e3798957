package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// TransferRequest describes a two-sided coin movement.
type TransferRequest struct {
	From           UserID
	To             UserID
	Amount         PositiveCoins
	Type           EntryType
	IdempotencyKey IdempotencyKey
	Metadata       Metadata
}

// TransferResult is the outcome of ApplyTransfer. TransactionID is the debit entry id.
type TransferResult struct {
	TransactionID EntryID
	Debit         Entry
	Credit        Entry
	From          Account
	To            Account
	Replayed      bool
}

// AdjustmentRequest describes a single-sided credit or debit.
type AdjustmentRequest struct {
	UserID         UserID
	Amount         PositiveCoins
	Type           EntryType
	IdempotencyKey IdempotencyKey
	Metadata       Metadata
}

// AdjustmentResult is the outcome of ApplyCredit or ApplyDebit.
type AdjustmentResult struct {
	Entry    Entry
	Account  Account
	Replayed bool
}

// UnitOfWork runs engine steps against a transaction-scoped Store.
// Every balance mutation goes through it.
type UnitOfWork struct {
	store Store
	nowFn func() time.Time
	newID func() string
}

// LockAccounts is the only locking path for accounts: it de-duplicates the ids, sorts them
// ascending, creates missing accounts and locks each row in that order.
func (unit *UnitOfWork) LockAccounts(ctx context.Context, userIDs ...UserID) (map[UserID]Account, error) {
	unique := make(map[UserID]struct{}, len(userIDs))
	ordered := make([]UserID, 0, len(userIDs))
	for _, userID := range userIDs {
		if userID.IsZero() {
			return nil, ErrInvalidUserID
		}
		if _, seen := unique[userID]; seen {
			continue
		}
		unique[userID] = struct{}{}
		ordered = append(ordered, userID)
	}
	sort.Slice(ordered, func(left, right int) bool {
		return ordered[left].String() < ordered[right].String()
	})
	accounts := make(map[UserID]Account, len(ordered))
	for _, userID := range ordered {
		if err := unit.store.EnsureAccount(ctx, userID); err != nil {
			return nil, err
		}
		account, err := unit.store.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return nil, err
		}
		accounts[userID] = account
	}
	return accounts, nil
}

// ApplyTransfer debits the sender and credits the receiver with two linked entries.
// A request whose idempotency key was already applied returns the original result.
func (unit *UnitOfWork) ApplyTransfer(ctx context.Context, request TransferRequest) (TransferResult, error) {
	if err := validateTransfer(request); err != nil {
		return TransferResult{}, err
	}
	if replayed, found, err := unit.findTransfer(ctx, request); err != nil || found {
		return replayed, err
	}
	accounts, err := unit.LockAccounts(ctx, request.From, request.To)
	if err != nil {
		return TransferResult{}, err
	}
	if replayed, found, err := unit.findTransfer(ctx, request); err != nil || found {
		return replayed, err
	}
	if spendable := accounts[request.From].Spendable(); spendable < request.Amount.Coins() {
		return TransferResult{}, newInsufficientFunds(request.Amount.Coins(), spendable)
	}
	return unit.writeTransfer(ctx, transferWrite{
		from:           request.From,
		to:             request.To,
		amount:         request.Amount,
		entryType:      request.Type,
		idempotencyKey: request.IdempotencyKey,
		metadata:       request.Metadata,
	})
}

// ApplyCredit adds coins to one account.
func (unit *UnitOfWork) ApplyCredit(ctx context.Context, request AdjustmentRequest) (AdjustmentResult, error) {
	if err := validateAdjustment(request); err != nil {
		return AdjustmentResult{}, err
	}
	if replayed, found, err := unit.findAdjustment(ctx, request, request.Amount.Signed()); err != nil || found {
		return replayed, err
	}
	if _, err := unit.LockAccounts(ctx, request.UserID); err != nil {
		return AdjustmentResult{}, err
	}
	if replayed, found, err := unit.findAdjustment(ctx, request, request.Amount.Signed()); err != nil || found {
		return replayed, err
	}
	return unit.writeSingle(ctx, request.UserID, request.Amount.Signed(), request.Type, request.IdempotencyKey, request.Metadata, HoldID{})
}

// ApplyDebit removes spendable coins from one account.
func (unit *UnitOfWork) ApplyDebit(ctx context.Context, request AdjustmentRequest) (AdjustmentResult, error) {
	if err := validateAdjustment(request); err != nil {
		return AdjustmentResult{}, err
	}
	if replayed, found, err := unit.findAdjustment(ctx, request, request.Amount.Signed().Negated()); err != nil || found {
		return replayed, err
	}
	accounts, err := unit.LockAccounts(ctx, request.UserID)
	if err != nil {
		return AdjustmentResult{}, err
	}
	if replayed, found, err := unit.findAdjustment(ctx, request, request.Amount.Signed().Negated()); err != nil || found {
		return replayed, err
	}
	if spendable := accounts[request.UserID].Spendable(); spendable < request.Amount.Coins() {
		return AdjustmentResult{}, newInsufficientFunds(request.Amount.Coins(), spendable)
	}
	return unit.writeSingle(ctx, request.UserID, request.Amount.Signed().Negated(), request.Type, request.IdempotencyKey, request.Metadata, HoldID{})
}

type transferWrite struct {
	from           UserID
	to             UserID
	amount         PositiveCoins
	entryType      EntryType
	idempotencyKey IdempotencyKey
	metadata       Metadata
	holdID         HoldID
}

// writeTransfer expects both accounts to be locked and the sender's funds to be checked.
func (unit *UnitOfWork) writeTransfer(ctx context.Context, write transferWrite) (TransferResult, error) {
	fromAccount, err := unit.store.AdjustBalance(ctx, write.from, write.amount.Signed().Negated())
	if err != nil {
		return TransferResult{}, err
	}
	toAccount, err := unit.store.AdjustBalance(ctx, write.to, write.amount.Signed())
	if err != nil {
		return TransferResult{}, err
	}
	creditKey, err := CreditKey(write.idempotencyKey)
	if err != nil {
		return TransferResult{}, err
	}
	debitID, err := NewEntryID(unit.newID())
	if err != nil {
		return TransferResult{}, err
	}
	creditID, err := NewEntryID(unit.newID())
	if err != nil {
		return TransferResult{}, err
	}
	createdAt := unit.nowFn().UTC()
	debit := Entry{
		ID:                   debitID,
		UserID:               write.from,
		Amount:               write.amount.Signed().Negated(),
		Type:                 write.entryType,
		Status:               EntryStatusCompleted,
		IdempotencyKey:       write.idempotencyKey,
		RelatedTransactionID: creditID,
		HoldID:               write.holdID,
		Metadata:             write.metadata,
		CreatedAt:            createdAt,
	}
	credit := Entry{
		ID:                   creditID,
		UserID:               write.to,
		Amount:               write.amount.Signed(),
		Type:                 write.entryType.Counterpart(),
		Status:               EntryStatusCompleted,
		IdempotencyKey:       creditKey,
		RelatedTransactionID: debitID,
		HoldID:               write.holdID,
		Metadata:             write.metadata,
		CreatedAt:            createdAt,
	}
	if err := unit.store.InsertEntry(ctx, debit); err != nil {
		return TransferResult{}, err
	}
	if err := unit.store.InsertEntry(ctx, credit); err != nil {
		return TransferResult{}, err
	}
	return TransferResult{
		TransactionID: debitID,
		Debit:         debit,
		Credit:        credit,
		From:          fromAccount,
		To:            toAccount,
	}, nil
}

// writeSingle expects the account to be locked and, for debits, its funds to be checked.
func (unit *UnitOfWork) writeSingle(ctx context.Context, userID UserID, amount SignedCoins, entryType EntryType, idempotencyKey IdempotencyKey, metadata Metadata, holdID HoldID) (AdjustmentResult, error) {
	account, err := unit.store.AdjustBalance(ctx, userID, amount)
	if err != nil {
		return AdjustmentResult{}, err
	}
	entryID, err := NewEntryID(unit.newID())
	if err != nil {
		return AdjustmentResult{}, err
	}
	entry := Entry{
		ID:             entryID,
		UserID:         userID,
		Amount:         amount,
		Type:           entryType,
		Status:         EntryStatusCompleted,
		IdempotencyKey: idempotencyKey,
		HoldID:         holdID,
		Metadata:       metadata,
		CreatedAt:      unit.nowFn().UTC(),
	}
	if err := unit.store.InsertEntry(ctx, entry); err != nil {
		return AdjustmentResult{}, err
	}
	return AdjustmentResult{Entry: entry, Account: account}, nil
}

func (unit *UnitOfWork) findTransfer(ctx context.Context, request TransferRequest) (TransferResult, bool, error) {
	key := request.IdempotencyKey
	if key.IsZero() {
		return TransferResult{}, false, nil
	}
	debit, err := unit.store.FindEntryByIdempotencyKey(ctx, key)
	if errors.Is(err, ErrUnknownEntry) {
		return TransferResult{}, false, nil
	}
	if err != nil {
		return TransferResult{}, false, err
	}
	result, err := unit.transferFromDebit(ctx, debit)
	if err != nil {
		return TransferResult{}, false, err
	}
	if !transferMatches(result, request) {
		return TransferResult{}, false, fmt.Errorf("%w: %s", ErrIdempotencyConflict, key)
	}
	return result, true, nil
}

// transferMatches reports whether a stored transfer is the one the request describes.
func transferMatches(result TransferResult, request TransferRequest) bool {
	return result.Debit.UserID == request.From &&
		result.Debit.Amount == request.Amount.Signed().Negated() &&
		result.Debit.Type == request.Type &&
		result.Credit.UserID == request.To
}

func (unit *UnitOfWork) replayTransferByKey(ctx context.Context, request TransferRequest) (TransferResult, error) {
	result, found, err := unit.findTransfer(ctx, request)
	if err != nil {
		return TransferResult{}, err
	}
	if !found {
		return TransferResult{}, fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, request.IdempotencyKey)
	}
	return result, nil
}

func (unit *UnitOfWork) transferFromDebit(ctx context.Context, debit Entry) (TransferResult, error) {
	result := TransferResult{TransactionID: debit.ID, Debit: debit, Replayed: true}
	fromAccount, err := unit.store.GetAccount(ctx, debit.UserID)
	if err != nil {
		return TransferResult{}, err
	}
	result.From = fromAccount
	if debit.RelatedTransactionID.IsZero() {
		return result, nil
	}
	credit, err := unit.store.GetEntry(ctx, debit.RelatedTransactionID)
	if err != nil {
		return TransferResult{}, err
	}
	toAccount, err := unit.store.GetAccount(ctx, credit.UserID)
	if err != nil {
		return TransferResult{}, err
	}
	result.Credit = credit
	result.To = toAccount
	return result, nil
}

func (unit *UnitOfWork) findAdjustment(ctx context.Context, request AdjustmentRequest, amount SignedCoins) (AdjustmentResult, bool, error) {
	key := request.IdempotencyKey
	if key.IsZero() {
		return AdjustmentResult{}, false, nil
	}
	entry, err := unit.store.FindEntryByIdempotencyKey(ctx, key)
	if errors.Is(err, ErrUnknownEntry) {
		return AdjustmentResult{}, false, nil
	}
	if err != nil {
		return AdjustmentResult{}, false, err
	}
	if entry.UserID != request.UserID || entry.Amount != amount || entry.Type != request.Type {
		return AdjustmentResult{}, false, fmt.Errorf("%w: %s", ErrIdempotencyConflict, key)
	}
	account, err := unit.store.GetAccount(ctx, entry.UserID)
	if err != nil {
		return AdjustmentResult{}, false, err
	}
	return AdjustmentResult{Entry: entry, Account: account, Replayed: true}, true, nil
}

func (unit *UnitOfWork) replayAdjustmentByKey(ctx context.Context, request AdjustmentRequest, amount SignedCoins) (AdjustmentResult, error) {
	result, found, err := unit.findAdjustment(ctx, request, amount)
	if err != nil {
		return AdjustmentResult{}, err
	}
	if !found {
		return AdjustmentResult{}, fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, request.IdempotencyKey)
	}
	return result, nil
}

func validateTransfer(request TransferRequest) error {
	if request.From.IsZero() || request.To.IsZero() {
		return ErrInvalidUserID
	}
	if request.From == request.To {
		return fmt.Errorf("%w: %s", ErrSelfTransfer, request.From)
	}
	if request.Amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if _, err := ParseEntryType(request.Type.String()); err != nil {
		return err
	}
	return ValidateMetadata(request.Type, request.Metadata)
}

func validateAdjustment(request AdjustmentRequest) error {
	if request.UserID.IsZero() {
		return ErrInvalidUserID
	}
	if request.Amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if _, err := ParseEntryType(request.Type.String()); err != nil {
		return err
	}
	return ValidateMetadata(request.Type, request.Metadata)
}
