package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/storetest"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	propertyUserCount    = 6
	propertyStartBalance = 1000
	propertyWorkers      = 8
	propertyOpsPerWorker = 60
)

func TestConcurrentOperationsConserveCoins(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := memstore.New()
	service := newMemoryService(test, store)
	users := seedUsers(test, service, propertyUserCount, propertyStartBalance)

	var waitGroup sync.WaitGroup
	for worker := 0; worker < propertyWorkers; worker++ {
		waitGroup.Add(1)
		go func(worker int) {
			defer waitGroup.Done()
			random := rand.New(rand.NewSource(int64(worker) + 1))
			for operation := 0; operation < propertyOpsPerWorker; operation++ {
				from := users[random.Intn(len(users))]
				to := users[random.Intn(len(users))]
				amount := ledger.PositiveCoins(random.Intn(200) + 1)
				switch random.Intn(3) {
				case 0:
					if from == to {
						continue
					}
					_, err := service.ApplyTransfer(ctx, ledger.TransferRequest{From: from, To: to, Amount: amount, Type: ledger.EntryTip})
					if err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) {
						test.Errorf("transfer: %v", err)
					}
				case 1:
					hold, err := service.CreateHold(ctx, ledger.HoldRequest{UserID: from, Amount: amount, Purpose: ledger.HoldPurposeVideoCall})
					if errors.Is(err, ledger.ErrInsufficientFunds) {
						continue
					}
					if err != nil {
						test.Errorf("hold: %v", err)
						continue
					}
					if from == to {
						if _, err := service.ReleaseHold(ctx, hold.Hold.ID); err != nil {
							test.Errorf("release: %v", err)
						}
						continue
					}
					actual := ledger.Coins(random.Intn(int(amount) * 2))
					_, err = service.SettleHold(ctx, hold.Hold.ID, actual, ledger.SettlementTerms{Payee: to, Overage: ledger.OverageWriteOff})
					if err != nil {
						test.Errorf("settle: %v", err)
					}
				default:
					_, err := service.ApplyDebit(ctx, ledger.AdjustmentRequest{UserID: from, Amount: amount, Type: ledger.EntryAdminRefund})
					if err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) {
						test.Errorf("debit: %v", err)
						continue
					}
					if err == nil {
						if _, err := service.ApplyCredit(ctx, ledger.AdjustmentRequest{UserID: to, Amount: amount, Type: ledger.EntryBonus}); err != nil {
							test.Errorf("credit: %v", err)
						}
					}
				}
			}
		}(worker)
	}
	waitGroup.Wait()

	var total ledger.Coins
	err := service.ReconcileAll(ctx, func(reconciliation ledger.Reconciliation) error {
		if !reconciliation.Consistent() {
			return fmt.Errorf("account %s drifted: %+v", reconciliation.UserID, reconciliation)
		}
		if reconciliation.HeldBalance > reconciliation.Balance {
			return fmt.Errorf("account %s holds more than it owns: %+v", reconciliation.UserID, reconciliation)
		}
		total += reconciliation.Balance
		return nil
	})
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	expected := ledger.Coins(propertyUserCount * propertyStartBalance)
	if total != expected {
		test.Fatalf("expected total %d, got %d", expected, total)
	}
}

func TestConcurrentTransfersConserveTotal(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	service := newMemoryService(test, memstore.New())
	users := seedUsers(test, service, propertyUserCount, propertyStartBalance)

	var waitGroup sync.WaitGroup
	for worker := 0; worker < propertyWorkers; worker++ {
		waitGroup.Add(1)
		go func(worker int) {
			defer waitGroup.Done()
			random := rand.New(rand.NewSource(int64(worker) * 31))
			for operation := 0; operation < propertyOpsPerWorker; operation++ {
				from := users[random.Intn(len(users))]
				to := users[(random.Intn(len(users)-1)+1+indexOf(users, from))%len(users)]
				_, err := service.ApplyTransfer(ctx, ledger.TransferRequest{
					From:   from,
					To:     to,
					Amount: ledger.PositiveCoins(random.Intn(300) + 1),
					Type:   ledger.EntryGift,
				})
				if err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) {
					test.Errorf("transfer: %v", err)
				}
			}
		}(worker)
	}
	waitGroup.Wait()

	var total ledger.Coins
	for _, user := range users {
		account, err := service.Balance(ctx, user)
		if err != nil {
			test.Fatalf("balance: %v", err)
		}
		total += account.Balance
	}
	if total != propertyUserCount*propertyStartBalance {
		test.Fatalf("expected total %d, got %d", propertyUserCount*propertyStartBalance, total)
	}
}

func TestConcurrentSpendDrainsExactly(test *testing.T) {
	test.Parallel()
	storetest.ConcurrentSpend(test, newMemoryService(test, memstore.New()), "mem", 12, 25)
}

func TestConcurrentDuplicateRequestsApplyOnce(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	service := newMemoryService(test, memstore.New())
	users := seedUsers(test, service, 2, 500)
	key, err := ledger.TipKey(users[0], users[1], "req-42")
	if err != nil {
		test.Fatalf("tip key: %v", err)
	}

	const attempts = 16
	results := make([]ledger.TransferResult, attempts)
	var waitGroup sync.WaitGroup
	for attempt := 0; attempt < attempts; attempt++ {
		waitGroup.Add(1)
		go func(attempt int) {
			defer waitGroup.Done()
			result, err := service.ApplyTransfer(ctx, ledger.TransferRequest{
				From:           users[0],
				To:             users[1],
				Amount:         75,
				Type:           ledger.EntryTip,
				IdempotencyKey: key,
			})
			if err != nil {
				test.Errorf("transfer: %v", err)
				return
			}
			results[attempt] = result
		}(attempt)
	}
	waitGroup.Wait()

	fresh := 0
	for _, result := range results {
		if !result.Replayed {
			fresh++
		}
		if result.TransactionID != results[0].TransactionID {
			test.Fatalf("expected one transaction id, got %s and %s", results[0].TransactionID, result.TransactionID)
		}
	}
	if fresh != 1 {
		test.Fatalf("expected exactly one fresh application, got %d", fresh)
	}
	account, err := service.Balance(ctx, users[0])
	if err != nil || account.Balance != 425 {
		test.Fatalf("expected sender balance 425, got %+v (%v)", account, err)
	}
}

func TestConcurrentSettleChargesOnce(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	service := newMemoryService(test, memstore.New())
	users := seedUsers(test, service, 2, 300)
	hold, err := service.CreateHold(ctx, ledger.HoldRequest{UserID: users[0], Amount: 100, Purpose: ledger.HoldPurposeVoiceCall})
	if err != nil {
		test.Fatalf("hold: %v", err)
	}

	var waitGroup sync.WaitGroup
	var mutex sync.Mutex
	fresh := 0
	for attempt := 0; attempt < 10; attempt++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			result, err := service.SettleHold(ctx, hold.Hold.ID, 60, ledger.SettlementTerms{Payee: users[1]})
			if err != nil {
				test.Errorf("settle: %v", err)
				return
			}
			if !result.Replayed {
				mutex.Lock()
				fresh++
				mutex.Unlock()
			}
		}()
	}
	waitGroup.Wait()

	if fresh != 1 {
		test.Fatalf("expected one settlement, got %d", fresh)
	}
	payer, err := service.Balance(ctx, users[0])
	if err != nil || payer.Balance != 240 || payer.HeldBalance != 0 {
		test.Fatalf("unexpected payer account %+v (%v)", payer, err)
	}
}

func newMemoryService(test *testing.T, store *memstore.Store) *ledger.Service {
	test.Helper()
	service, err := ledger.NewService(store, func() time.Time { return time.Now().UTC() })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func seedUsers(test *testing.T, service *ledger.Service, count int, balance int64) []ledger.UserID {
	test.Helper()
	users := make([]ledger.UserID, 0, count)
	for index := 0; index < count; index++ {
		userID, err := ledger.NewUserID(fmt.Sprintf("user-%02d", index))
		if err != nil {
			test.Fatalf("user id: %v", err)
		}
		reference := fmt.Sprintf("seed-%02d", index)
		key, err := ledger.GrantKey(ledger.EntryPurchase, reference)
		if err != nil {
			test.Fatalf("grant key: %v", err)
		}
		_, err = service.ApplyCredit(context.Background(), ledger.AdjustmentRequest{
			UserID:         userID,
			Amount:         ledger.PositiveCoins(balance),
			Type:           ledger.EntryPurchase,
			IdempotencyKey: key,
			Metadata:       ledger.GrantMetadata{Reference: reference},
		})
		if err != nil {
			test.Fatalf("seed credit: %v", err)
		}
		users = append(users, userID)
	}
	return users
}

func indexOf(users []ledger.UserID, target ledger.UserID) int {
	for index, user := range users {
		if user == target {
			return index
		}
	}
	return 0
}
