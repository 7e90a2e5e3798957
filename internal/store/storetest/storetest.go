// Package storetest holds concurrency checks shared by every ledger.Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

// ConcurrentSpend funds a payer with transfers × amount coins and races transfers+1 spends of
// amount each. Exactly transfers succeed, the remaining one fails with ErrInsufficientFunds and
// the payer ends at zero. Prefix keeps user ids and keys unique on shared databases.
func ConcurrentSpend(test *testing.T, service *ledger.Service, prefix string, transfers int, amount int64) {
	test.Helper()
	ctx := context.Background()
	payer := mustUserID(test, prefix+"-payer")
	payee := mustUserID(test, prefix+"-payee")
	_, err := service.ApplyCredit(ctx, ledger.AdjustmentRequest{
		UserID:         payer,
		Amount:         ledger.PositiveCoins(int64(transfers) * amount),
		Type:           ledger.EntryPurchase,
		IdempotencyKey: mustKey(test, prefix+"-seed"),
		Metadata:       ledger.GrantMetadata{Reference: prefix + "-seed"},
	})
	if err != nil {
		test.Fatalf("seed payer: %v", err)
	}

	keys := make([]ledger.IdempotencyKey, transfers+1)
	for attempt := range keys {
		keys[attempt] = mustKey(test, fmt.Sprintf("%s-spend-%d", prefix, attempt))
	}
	var succeeded, refused atomic.Int64
	var waitGroup sync.WaitGroup
	for attempt := 0; attempt <= transfers; attempt++ {
		waitGroup.Add(1)
		go func(attempt int) {
			defer waitGroup.Done()
			_, err := service.ApplyTransfer(ctx, ledger.TransferRequest{
				From:           payer,
				To:             payee,
				Amount:         ledger.PositiveCoins(amount),
				Type:           ledger.EntryTip,
				IdempotencyKey: keys[attempt],
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ledger.ErrInsufficientFunds):
				refused.Add(1)
			default:
				test.Errorf("transfer %d: %v", attempt, err)
			}
		}(attempt)
	}
	waitGroup.Wait()

	if succeeded.Load() != int64(transfers) || refused.Load() != 1 {
		test.Fatalf("expected %d transfers and 1 refusal, got %d and %d", transfers, succeeded.Load(), refused.Load())
	}
	expectBalance(test, service, payer, 0)
	expectBalance(test, service, payee, int64(transfers)*amount)
}

// ConcurrentDuplicate races attempts copies of one keyed transfer. One applies, the rest replay
// it, and the payer is charged once.
func ConcurrentDuplicate(test *testing.T, service *ledger.Service, prefix string, attempts int) {
	test.Helper()
	ctx := context.Background()
	payer := mustUserID(test, prefix+"-payer")
	payee := mustUserID(test, prefix+"-payee")
	_, err := service.ApplyCredit(ctx, ledger.AdjustmentRequest{
		UserID:         payer,
		Amount:         100,
		Type:           ledger.EntryPurchase,
		IdempotencyKey: mustKey(test, prefix+"-seed"),
		Metadata:       ledger.GrantMetadata{Reference: prefix + "-seed"},
	})
	if err != nil {
		test.Fatalf("seed payer: %v", err)
	}
	key, err := ledger.TipKey(payer, payee, prefix+"-req")
	if err != nil {
		test.Fatalf("tip key: %v", err)
	}

	var fresh atomic.Int64
	transactionIDs := make([]ledger.EntryID, attempts)
	var waitGroup sync.WaitGroup
	for attempt := 0; attempt < attempts; attempt++ {
		waitGroup.Add(1)
		go func(attempt int) {
			defer waitGroup.Done()
			result, err := service.ApplyTransfer(ctx, ledger.TransferRequest{
				From:           payer,
				To:             payee,
				Amount:         40,
				Type:           ledger.EntryTip,
				IdempotencyKey: key,
			})
			if err != nil {
				test.Errorf("transfer %d: %v", attempt, err)
				return
			}
			if !result.Replayed {
				fresh.Add(1)
			}
			transactionIDs[attempt] = result.TransactionID
		}(attempt)
	}
	waitGroup.Wait()

	if fresh.Load() != 1 {
		test.Fatalf("expected exactly one fresh application, got %d", fresh.Load())
	}
	for _, transactionID := range transactionIDs {
		if transactionID != transactionIDs[0] {
			test.Fatalf("expected one transaction id, got %s and %s", transactionIDs[0], transactionID)
		}
	}
	expectBalance(test, service, payer, 60)
	expectBalance(test, service, payee, 40)
}

func expectBalance(test *testing.T, service *ledger.Service, userID ledger.UserID, want int64) {
	test.Helper()
	reconciliation, err := service.Reconcile(context.Background(), userID)
	if err != nil {
		test.Fatalf("reconcile %s: %v", userID, err)
	}
	if int64(reconciliation.Balance) != want || !reconciliation.Consistent() {
		test.Fatalf("expected %s to hold %d consistently, got %+v", userID, want, reconciliation)
	}
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustKey(test *testing.T, raw string) ledger.IdempotencyKey {
	test.Helper()
	key, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}
