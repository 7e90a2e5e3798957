package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

func TestInTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := New()
	userID, err := ledger.NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	rollback := errors.New("rollback")
	err = store.InTx(context.Background(), func(ctx context.Context, repository orchestrator.Repository) error {
		if err := repository.EnsureAccount(ctx, userID); err != nil {
			return err
		}
		if _, err := repository.AdjustBalance(ctx, userID, 50); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		test.Fatalf("expected rollback error, got %v", err)
	}
	if _, err := store.GetAccount(context.Background(), userID); !errors.Is(err, ledger.ErrUnknownAccount) {
		test.Fatalf("expected account to be rolled back, got %v", err)
	}
}

func TestStoreStampsAccountsWithInjectedClock(test *testing.T) {
	test.Parallel()
	created := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	current := created
	store := New(WithClock(func() time.Time { return current }))
	ctx := context.Background()
	userID, err := ledger.NewUserID("user-clock")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	err = store.InTx(ctx, func(ctx context.Context, repository orchestrator.Repository) error {
		return repository.EnsureAccount(ctx, userID)
	})
	if err != nil {
		test.Fatalf("ensure account: %v", err)
	}
	current = created.Add(time.Hour)
	if _, err := store.AdjustBalance(ctx, userID, 10); err != nil {
		test.Fatalf("credit: %v", err)
	}
	account, err := store.GetAccount(ctx, userID)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if !account.CreatedAt.Equal(created) || !account.UpdatedAt.Equal(current) {
		test.Fatalf("expected created %s updated %s, got %+v", created, current, account)
	}
}

func TestAdjustBalanceIsConditional(test *testing.T) {
	test.Parallel()
	store := New()
	ctx := context.Background()
	userID, err := ledger.NewUserID("user-2")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if err := store.EnsureAccount(ctx, userID); err != nil {
		test.Fatalf("ensure account: %v", err)
	}
	if _, err := store.AdjustBalance(ctx, userID, 40); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if _, err := store.AdjustHeld(ctx, userID, 30); err != nil {
		test.Fatalf("hold: %v", err)
	}
	_, err = store.AdjustBalance(ctx, userID, -11)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	var operationError ledger.OperationError
	if !errors.As(err, &operationError) || operationError.Subject() != errorSubjectAccount {
		test.Fatalf("expected store.account error, got %v", err)
	}
	if _, err := store.AdjustHeld(ctx, userID, 11); !errors.Is(err, ledger.ErrInvariantViolation) {
		test.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
}

func TestInsertEntryRejectsDuplicateKey(test *testing.T) {
	test.Parallel()
	store := New()
	ctx := context.Background()
	key, err := ledger.NewIdempotencyKey("tip_a_b_1")
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	first, _ := ledger.NewEntryID("entry-1")
	second, _ := ledger.NewEntryID("entry-2")
	userID, _ := ledger.NewUserID("a")
	if err := store.InsertEntry(ctx, ledger.Entry{ID: first, UserID: userID, Amount: -5, Type: ledger.EntryTip, Status: ledger.EntryStatusCompleted, IdempotencyKey: key}); err != nil {
		test.Fatalf("insert: %v", err)
	}
	err = store.InsertEntry(ctx, ledger.Entry{ID: second, UserID: userID, Amount: -5, Type: ledger.EntryTip, Status: ledger.EntryStatusCompleted, IdempotencyKey: key})
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	found, err := store.FindEntryByIdempotencyKey(ctx, key)
	if err != nil || found.ID != first {
		test.Fatalf("expected first entry, got %+v (%v)", found, err)
	}
}
