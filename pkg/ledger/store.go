package ledger

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service.
//
// Methods ending in ForUpdate take an exclusive row lock held until the surrounding
// transaction ends. AdjustBalance and AdjustHeld are conditional updates: they fail with
// ErrInsufficientFunds and ErrInvariantViolation respectively instead of writing a row
// that would break the account invariants. Lookups of missing rows fail with the
// matching ErrUnknown sentinel; inserts that collide on an idempotency key fail with
// ErrDuplicateIdempotencyKey or ErrHoldExists.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	EnsureAccount(ctx context.Context, userID UserID) error
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error)
	AdjustBalance(ctx context.Context, userID UserID, delta SignedCoins) (Account, error)
	AdjustHeld(ctx context.Context, userID UserID, delta SignedCoins) (Account, error)
	ListAccounts(ctx context.Context, afterUserID UserID, limit int) ([]Account, error)

	InsertEntry(ctx context.Context, entry Entry) error
	GetEntry(ctx context.Context, entryID EntryID) (Entry, error)
	FindEntryByIdempotencyKey(ctx context.Context, key IdempotencyKey) (Entry, error)
	ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error)
	SumCompletedEntries(ctx context.Context, userID UserID) (SignedCoins, error)

	CreateHold(ctx context.Context, hold Hold) error
	GetHold(ctx context.Context, holdID HoldID) (Hold, error)
	GetHoldForUpdate(ctx context.Context, holdID HoldID) (Hold, error)
	FindHoldByIdempotencyKey(ctx context.Context, key IdempotencyKey) (Hold, error)
	CloseHold(ctx context.Context, holdID HoldID, status HoldStatus, settledAmount Coins, at time.Time) (Hold, error)
	SumActiveHolds(ctx context.Context, userID UserID) (Coins, error)
	ListActiveHolds(ctx context.Context, purposes []HoldPurpose, createdBefore time.Time, limit int) ([]Hold, error)
}
