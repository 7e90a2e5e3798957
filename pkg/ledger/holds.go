package ledger

import (
	"context"
	"errors"
	"fmt"
)

// HoldRequest describes a reservation of spendable coins.
type HoldRequest struct {
	UserID         UserID
	Amount         PositiveCoins
	Purpose        HoldPurpose
	RelatedID      string
	IdempotencyKey IdempotencyKey
}

// HoldResult is the outcome of CreateHold and ReleaseHold.
type HoldResult struct {
	Hold     Hold
	Account  Account
	Replayed bool
}

// SettlementTerms controls how a hold turns into a charge.
// A zero Payee debits the payer without a counterpart credit.
// A zero IdempotencyKey defaults to HoldSettleKey(holdID).
type SettlementTerms struct {
	Payee          UserID
	EntryType      EntryType
	Overage        OveragePolicy
	Metadata       Metadata
	IdempotencyKey IdempotencyKey
}

// SettlementResult is the outcome of SettleHold. Debit and Credit are nil when nothing was charged.
type SettlementResult struct {
	Hold          Hold
	Charged       Coins
	WrittenOff    Coins
	TransactionID EntryID
	Debit         *Entry
	Credit        *Entry
	Payer         Account
	Payee         Account
	Replayed      bool
}

// CreateHold reserves coins. A retried request with the same key returns the original hold.
func (unit *UnitOfWork) CreateHold(ctx context.Context, request HoldRequest) (HoldResult, error) {
	if request.UserID.IsZero() {
		return HoldResult{}, ErrInvalidUserID
	}
	if request.Amount <= 0 {
		return HoldResult{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if _, err := ParseHoldPurpose(request.Purpose.String()); err != nil {
		return HoldResult{}, err
	}
	if replayed, found, err := unit.findHold(ctx, request); err != nil || found {
		return replayed, err
	}
	accounts, err := unit.LockAccounts(ctx, request.UserID)
	if err != nil {
		return HoldResult{}, err
	}
	if replayed, found, err := unit.findHold(ctx, request); err != nil || found {
		return replayed, err
	}
	if spendable := accounts[request.UserID].Spendable(); spendable < request.Amount.Coins() {
		return HoldResult{}, newInsufficientFunds(request.Amount.Coins(), spendable)
	}
	account, err := unit.store.AdjustHeld(ctx, request.UserID, request.Amount.Signed())
	if err != nil {
		return HoldResult{}, err
	}
	holdID, err := NewHoldID(unit.newID())
	if err != nil {
		return HoldResult{}, err
	}
	hold := Hold{
		ID:             holdID,
		UserID:         request.UserID,
		Amount:         request.Amount,
		Purpose:        request.Purpose,
		RelatedID:      request.RelatedID,
		Status:         HoldStatusActive,
		IdempotencyKey: request.IdempotencyKey,
		CreatedAt:      unit.nowFn().UTC(),
	}
	if err := unit.store.CreateHold(ctx, hold); err != nil {
		return HoldResult{}, err
	}
	return HoldResult{Hold: hold, Account: account}, nil
}

// SettleHold locks the hold, then the accounts, returns the full reservation to spendable
// balance and charges actualAmount according to terms. Settling a hold that is no longer
// active changes nothing and reports Replayed.
func (unit *UnitOfWork) SettleHold(ctx context.Context, holdID HoldID, actualAmount Coins, terms SettlementTerms) (SettlementResult, error) {
	if holdID.IsZero() {
		return SettlementResult{}, ErrInvalidHoldID
	}
	if actualAmount < 0 {
		return SettlementResult{}, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	policy, err := ParseOveragePolicy(terms.Overage.String())
	if err != nil {
		return SettlementResult{}, err
	}
	hold, err := unit.store.GetHoldForUpdate(ctx, holdID)
	if err != nil {
		return SettlementResult{}, err
	}
	if !hold.IsActive() {
		return unit.settledHoldResult(ctx, hold)
	}
	entryType := terms.EntryType
	if entryType == "" {
		entryType = hold.Purpose.ChargeType()
	}
	if _, err := ParseEntryType(entryType.String()); err != nil {
		return SettlementResult{}, err
	}
	if err := ValidateMetadata(entryType, terms.Metadata); err != nil {
		return SettlementResult{}, err
	}
	if terms.Payee == hold.UserID {
		return SettlementResult{}, fmt.Errorf("%w: %s", ErrSelfTransfer, hold.UserID)
	}
	lockIDs := []UserID{hold.UserID}
	if !terms.Payee.IsZero() {
		lockIDs = append(lockIDs, terms.Payee)
	}
	accounts, err := unit.LockAccounts(ctx, lockIDs...)
	if err != nil {
		return SettlementResult{}, err
	}
	payer, err := unit.store.AdjustHeld(ctx, hold.UserID, hold.Amount.Signed().Negated())
	if err != nil {
		return SettlementResult{}, err
	}
	charged, writtenOff, err := resolveCharge(payer.Spendable(), hold.Amount, actualAmount, policy)
	if err != nil {
		return SettlementResult{}, err
	}
	settleKey := terms.IdempotencyKey
	if settleKey.IsZero() {
		settleKey, err = HoldSettleKey(hold.ID)
		if err != nil {
			return SettlementResult{}, err
		}
	}
	metadata := terms.Metadata
	if session, ok := metadata.(SessionMetadata); ok && writtenOff > 0 {
		session.WrittenOff = writtenOff.Int64()
		metadata = session
	}
	result := SettlementResult{Charged: charged, WrittenOff: writtenOff, Payer: payer}
	if !terms.Payee.IsZero() {
		result.Payee = accounts[terms.Payee]
	}
	if charged > 0 {
		if terms.Payee.IsZero() {
			debit, err := unit.writeSingle(ctx, hold.UserID, charged.Signed().Negated(), entryType, settleKey, metadata, hold.ID)
			if err != nil {
				return SettlementResult{}, err
			}
			result.TransactionID = debit.Entry.ID
			result.Debit = &debit.Entry
			result.Payer = debit.Account
		} else {
			transfer, err := unit.writeTransfer(ctx, transferWrite{
				from:           hold.UserID,
				to:             terms.Payee,
				amount:         PositiveCoins(charged),
				entryType:      entryType,
				idempotencyKey: settleKey,
				metadata:       metadata,
				holdID:         hold.ID,
			})
			if err != nil {
				return SettlementResult{}, err
			}
			result.TransactionID = transfer.TransactionID
			result.Debit = &transfer.Debit
			result.Credit = &transfer.Credit
			result.Payer = transfer.From
			result.Payee = transfer.To
		}
	}
	closed, err := unit.store.CloseHold(ctx, hold.ID, HoldStatusSettled, charged, unit.nowFn().UTC())
	if err != nil {
		return SettlementResult{}, err
	}
	result.Hold = closed
	return result, nil
}

// ReleaseHold returns the reservation to spendable balance. No entries are written.
// Releasing a hold that is no longer active changes nothing and reports Replayed.
func (unit *UnitOfWork) ReleaseHold(ctx context.Context, holdID HoldID) (HoldResult, error) {
	if holdID.IsZero() {
		return HoldResult{}, ErrInvalidHoldID
	}
	hold, err := unit.store.GetHoldForUpdate(ctx, holdID)
	if err != nil {
		return HoldResult{}, err
	}
	if !hold.IsActive() {
		account, err := unit.store.GetAccount(ctx, hold.UserID)
		if err != nil {
			return HoldResult{}, err
		}
		return HoldResult{Hold: hold, Account: account, Replayed: true}, nil
	}
	if _, err := unit.LockAccounts(ctx, hold.UserID); err != nil {
		return HoldResult{}, err
	}
	account, err := unit.store.AdjustHeld(ctx, hold.UserID, hold.Amount.Signed().Negated())
	if err != nil {
		return HoldResult{}, err
	}
	closed, err := unit.store.CloseHold(ctx, hold.ID, HoldStatusReleased, 0, unit.nowFn().UTC())
	if err != nil {
		return HoldResult{}, err
	}
	return HoldResult{Hold: closed, Account: account}, nil
}

func resolveCharge(spendable Coins, reserved PositiveCoins, actualAmount Coins, policy OveragePolicy) (Coins, Coins, error) {
	if actualAmount <= reserved.Coins() {
		return actualAmount, 0, nil
	}
	switch policy {
	case OverageStrict:
		if spendable < actualAmount {
			return 0, 0, fmt.Errorf("%w: %w", ErrPartialSettlement, newInsufficientFunds(actualAmount, spendable))
		}
		return actualAmount, 0, nil
	case OverageWriteOff:
		if spendable < actualAmount {
			return spendable, actualAmount - spendable, nil
		}
		return actualAmount, 0, nil
	default:
		return 0, 0, fmt.Errorf("%w: charge %d exceeds hold %d", ErrInvariantViolation, actualAmount, reserved)
	}
}

func (unit *UnitOfWork) settledHoldResult(ctx context.Context, hold Hold) (SettlementResult, error) {
	payer, err := unit.store.GetAccount(ctx, hold.UserID)
	if err != nil {
		return SettlementResult{}, err
	}
	return SettlementResult{Hold: hold, Charged: hold.SettledAmount, Payer: payer, Replayed: true}, nil
}

func (unit *UnitOfWork) replaySettlement(ctx context.Context, holdID HoldID) (SettlementResult, error) {
	hold, err := unit.store.GetHold(ctx, holdID)
	if err != nil {
		return SettlementResult{}, err
	}
	if hold.IsActive() {
		return SettlementResult{}, fmt.Errorf("%w: hold %s still active", ErrDuplicateIdempotencyKey, holdID)
	}
	return unit.settledHoldResult(ctx, hold)
}

func (unit *UnitOfWork) findHold(ctx context.Context, request HoldRequest) (HoldResult, bool, error) {
	key := request.IdempotencyKey
	if key.IsZero() {
		return HoldResult{}, false, nil
	}
	hold, err := unit.store.FindHoldByIdempotencyKey(ctx, key)
	if errors.Is(err, ErrUnknownHold) {
		return HoldResult{}, false, nil
	}
	if err != nil {
		return HoldResult{}, false, err
	}
	if hold.UserID != request.UserID || hold.Amount != request.Amount || hold.Purpose != request.Purpose {
		return HoldResult{}, false, fmt.Errorf("%w: %s", ErrIdempotencyConflict, key)
	}
	account, err := unit.store.GetAccount(ctx, hold.UserID)
	if err != nil {
		return HoldResult{}, false, err
	}
	return HoldResult{Hold: hold, Account: account, Replayed: true}, true, nil
}

func (unit *UnitOfWork) replayHoldByKey(ctx context.Context, request HoldRequest) (HoldResult, error) {
	result, found, err := unit.findHold(ctx, request)
	if err != nil {
		return HoldResult{}, err
	}
	if !found {
		return HoldResult{}, fmt.Errorf("%w: %s", ErrHoldExists, request.IdempotencyKey)
	}
	return result, nil
}
