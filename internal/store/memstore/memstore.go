// Package memstore keeps the ledger and product tables in process memory.
// Transactions are serialized by one mutex and work on a copy that replaces the shared
// state only when fn succeeds, so a failed unit of work leaves nothing behind.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectHold        = "hold"
	errorSubjectEntitlement = "entitlement"
	errorSubjectGoal        = "goal"
	errorSubjectSession     = "session"
	errorSubjectPayout      = "payout"
	errorCodeAdjust         = "adjust"
	errorCodeClose          = "close"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeUpdate         = "update"
)

var (
	_ ledger.Store            = (*Store)(nil)
	_ orchestrator.Repository = (*Store)(nil)
)

// Store implements ledger.Store and orchestrator.Repository in memory.
type Store struct {
	database *database
	tx       *state
}

type database struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

// Option configures a Store.
type Option func(*database)

// WithClock stamps account rows with now instead of the wall clock.
func WithClock(now func() time.Time) Option {
	return func(shared *database) {
		if now != nil {
			shared.now = now
		}
	}
}

// New returns an empty Store.
func New(options ...Option) *Store {
	shared := &database{state: newState(), now: time.Now}
	for _, option := range options {
		option(shared)
	}
	return &Store{database: shared}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.InTx(ctx, func(ctx context.Context, repository orchestrator.Repository) error {
		return fn(ctx, repository)
	})
}

// InTx executes fn within a transaction. Nested calls join the outer transaction.
func (store *Store) InTx(ctx context.Context, fn func(ctx context.Context, repository orchestrator.Repository) error) error {
	if store.tx != nil {
		return fn(ctx, store)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	store.database.mu.Lock()
	defer store.database.mu.Unlock()
	working := store.database.state.clone()
	if err := fn(ctx, &Store{database: store.database, tx: working}); err != nil {
		return err
	}
	store.database.state = working
	return nil
}

func (store *Store) read(fn func(current *state) error) error {
	if store.tx != nil {
		return fn(store.tx)
	}
	store.database.mu.Lock()
	defer store.database.mu.Unlock()
	return fn(store.database.state)
}

func (store *Store) EnsureAccount(_ context.Context, userID ledger.UserID) error {
	return store.read(func(current *state) error {
		if _, ok := current.accounts[userID]; ok {
			return nil
		}
		now := store.database.now().UTC()
		current.accounts[userID] = ledger.Account{UserID: userID, CreatedAt: now, UpdatedAt: now}
		return nil
	})
}

func (store *Store) GetAccount(_ context.Context, userID ledger.UserID) (ledger.Account, error) {
	var account ledger.Account
	err := store.read(func(current *state) error {
		found, ok := current.accounts[userID]
		if !ok {
			return wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		account = found
		return nil
	})
	return account, err
}

// GetAccountForUpdate needs no row lock: transactions already run one at a time.
func (store *Store) GetAccountForUpdate(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.GetAccount(ctx, userID)
}

func (store *Store) AdjustBalance(_ context.Context, userID ledger.UserID, delta ledger.SignedCoins) (ledger.Account, error) {
	return store.adjust(userID, func(account ledger.Account) (ledger.Account, error) {
		return account.WithBalanceDelta(delta)
	})
}

func (store *Store) AdjustHeld(_ context.Context, userID ledger.UserID, delta ledger.SignedCoins) (ledger.Account, error) {
	return store.adjust(userID, func(account ledger.Account) (ledger.Account, error) {
		return account.WithHeldDelta(delta)
	})
}

func (store *Store) adjust(userID ledger.UserID, apply func(ledger.Account) (ledger.Account, error)) (ledger.Account, error) {
	var updated ledger.Account
	err := store.read(func(current *state) error {
		account, ok := current.accounts[userID]
		if !ok {
			return wrapStoreError(errorSubjectAccount, errorCodeAdjust, ledger.ErrUnknownAccount)
		}
		next, err := apply(account)
		if err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeAdjust, err)
		}
		next.UpdatedAt = store.database.now().UTC()
		current.accounts[userID] = next
		updated = next
		return nil
	})
	return updated, err
}

func (store *Store) ListAccounts(_ context.Context, afterUserID ledger.UserID, limit int) ([]ledger.Account, error) {
	var accounts []ledger.Account
	err := store.read(func(current *state) error {
		for _, account := range current.accounts {
			if account.UserID.String() > afterUserID.String() {
				accounts = append(accounts, account)
			}
		}
		return nil
	})
	sort.Slice(accounts, func(left, right int) bool {
		return accounts[left].UserID.String() < accounts[right].UserID.String()
	})
	if limit > 0 && len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts, err
}

func (store *Store) InsertEntry(_ context.Context, entry ledger.Entry) error {
	return store.read(func(current *state) error {
		if _, exists := current.entries[entry.ID]; exists {
			return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
		if !entry.IdempotencyKey.IsZero() {
			if _, exists := current.entryKeys[entry.IdempotencyKey]; exists {
				return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
			}
			current.entryKeys[entry.IdempotencyKey] = entry.ID
		}
		current.entries[entry.ID] = entry
		current.entryOrder = append(current.entryOrder, entry.ID)
		return nil
	})
}

func (store *Store) GetEntry(_ context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	var entry ledger.Entry
	err := store.read(func(current *state) error {
		found, ok := current.entries[entryID]
		if !ok {
			return wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownEntry)
		}
		entry = found
		return nil
	})
	return entry, err
}

func (store *Store) FindEntryByIdempotencyKey(_ context.Context, key ledger.IdempotencyKey) (ledger.Entry, error) {
	var entry ledger.Entry
	err := store.read(func(current *state) error {
		entryID, ok := current.entryKeys[key]
		if !ok {
			return wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownEntry)
		}
		entry = current.entries[entryID]
		return nil
	})
	return entry, err
}

func (store *Store) ListEntries(_ context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	err := store.read(func(current *state) error {
		for index := len(current.entryOrder) - 1; index >= 0; index-- {
			entry := current.entries[current.entryOrder[index]]
			if entry.UserID != userID {
				continue
			}
			if !before.IsZero() && !entry.CreatedAt.Before(before) {
				continue
			}
			entries = append(entries, entry)
			if limit > 0 && len(entries) == limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

func (store *Store) SumCompletedEntries(_ context.Context, userID ledger.UserID) (ledger.SignedCoins, error) {
	var total ledger.SignedCoins
	err := store.read(func(current *state) error {
		for _, entry := range current.entries {
			if entry.UserID == userID && entry.Status == ledger.EntryStatusCompleted {
				total += entry.Amount
			}
		}
		return nil
	})
	return total, err
}

func (store *Store) CreateHold(_ context.Context, hold ledger.Hold) error {
	return store.read(func(current *state) error {
		if _, exists := current.holds[hold.ID]; exists {
			return wrapStoreError(errorSubjectHold, errorCodeDuplicate, ledger.ErrHoldExists)
		}
		if !hold.IdempotencyKey.IsZero() {
			if _, exists := current.holdKeys[hold.IdempotencyKey]; exists {
				return wrapStoreError(errorSubjectHold, errorCodeDuplicate, ledger.ErrHoldExists)
			}
			current.holdKeys[hold.IdempotencyKey] = hold.ID
		}
		current.holds[hold.ID] = hold
		return nil
	})
}

func (store *Store) GetHold(_ context.Context, holdID ledger.HoldID) (ledger.Hold, error) {
	var hold ledger.Hold
	err := store.read(func(current *state) error {
		found, ok := current.holds[holdID]
		if !ok {
			return wrapStoreError(errorSubjectHold, errorCodeGet, ledger.ErrUnknownHold)
		}
		hold = found
		return nil
	})
	return hold, err
}

func (store *Store) GetHoldForUpdate(ctx context.Context, holdID ledger.HoldID) (ledger.Hold, error) {
	return store.GetHold(ctx, holdID)
}

func (store *Store) FindHoldByIdempotencyKey(_ context.Context, key ledger.IdempotencyKey) (ledger.Hold, error) {
	var hold ledger.Hold
	err := store.read(func(current *state) error {
		holdID, ok := current.holdKeys[key]
		if !ok {
			return wrapStoreError(errorSubjectHold, errorCodeGet, ledger.ErrUnknownHold)
		}
		hold = current.holds[holdID]
		return nil
	})
	return hold, err
}

func (store *Store) CloseHold(_ context.Context, holdID ledger.HoldID, status ledger.HoldStatus, settledAmount ledger.Coins, at time.Time) (ledger.Hold, error) {
	var closed ledger.Hold
	err := store.read(func(current *state) error {
		hold, ok := current.holds[holdID]
		if !ok {
			return wrapStoreError(errorSubjectHold, errorCodeClose, ledger.ErrUnknownHold)
		}
		if !hold.IsActive() {
			return wrapStoreError(errorSubjectHold, errorCodeClose, ledger.ErrHoldNotActive)
		}
		closedAt := at
		hold.Status = status
		switch status {
		case ledger.HoldStatusSettled:
			hold.SettledAmount = settledAmount
			hold.SettledAt = &closedAt
		case ledger.HoldStatusReleased:
			hold.ReleasedAt = &closedAt
		default:
			return wrapStoreError(errorSubjectHold, errorCodeClose, ledger.ErrInvalidHoldStatus)
		}
		current.holds[holdID] = hold
		closed = hold
		return nil
	})
	return closed, err
}

func (store *Store) SumActiveHolds(_ context.Context, userID ledger.UserID) (ledger.Coins, error) {
	var total ledger.Coins
	err := store.read(func(current *state) error {
		for _, hold := range current.holds {
			if hold.UserID == userID && hold.IsActive() {
				total += hold.Amount.Coins()
			}
		}
		return nil
	})
	return total, err
}

func (store *Store) ListActiveHolds(_ context.Context, purposes []ledger.HoldPurpose, createdBefore time.Time, limit int) ([]ledger.Hold, error) {
	wanted := make(map[ledger.HoldPurpose]struct{}, len(purposes))
	for _, purpose := range purposes {
		wanted[purpose] = struct{}{}
	}
	var holds []ledger.Hold
	err := store.read(func(current *state) error {
		for _, hold := range current.holds {
			if !hold.IsActive() || !hold.CreatedAt.Before(createdBefore) {
				continue
			}
			if _, ok := wanted[hold.Purpose]; len(wanted) > 0 && !ok {
				continue
			}
			holds = append(holds, hold)
		}
		return nil
	})
	sort.Slice(holds, func(left, right int) bool {
		return holds[left].CreatedAt.Before(holds[right].CreatedAt)
	})
	if limit > 0 && len(holds) > limit {
		holds = holds[:limit]
	}
	return holds, err
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
