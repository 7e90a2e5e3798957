package ledger

import (
	"context"
	"sort"
	"strconv"
	"testing"
	"time"
)

type stubStore struct {
	accounts map[UserID]Account
	entries  []Entry
	holds    map[HoldID]Hold

	ensureAccountError  error
	getAccountError     error
	adjustBalanceError  error
	adjustHeldError     error
	insertEntryError    error
	getHoldError        error
	createHoldError     error
	closeHoldError      error
	listEntriesError    error
	sumEntriesError     error
	sumActiveHoldsError error
	listAccountsError   error

	lockOrder []UserID
}

func newStubStore(test *testing.T, balances map[string]Coins) *stubStore {
	test.Helper()
	store := &stubStore{
		accounts: make(map[UserID]Account),
		holds:    make(map[HoldID]Hold),
	}
	for rawUserID, balance := range balances {
		userID := mustUserID(test, rawUserID)
		store.accounts[userID] = Account{UserID: userID, Balance: balance}
		if balance > 0 {
			store.entries = append(store.entries, Entry{
				ID:     mustEntryID(test, "seed-"+rawUserID),
				UserID: userID,
				Amount: balance.Signed(),
				Type:   EntryPurchase,
				Status: EntryStatusCompleted,
			})
		}
	}
	return store
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) EnsureAccount(_ context.Context, userID UserID) error {
	if store.ensureAccountError != nil {
		return store.ensureAccountError
	}
	if _, ok := store.accounts[userID]; !ok {
		store.accounts[userID] = Account{UserID: userID}
	}
	return nil
}

func (store *stubStore) GetAccount(_ context.Context, userID UserID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[userID]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error) {
	store.lockOrder = append(store.lockOrder, userID)
	return store.GetAccount(ctx, userID)
}

func (store *stubStore) AdjustBalance(_ context.Context, userID UserID, delta SignedCoins) (Account, error) {
	if store.adjustBalanceError != nil {
		return Account{}, store.adjustBalanceError
	}
	next, err := store.accounts[userID].WithBalanceDelta(delta)
	if err != nil {
		return Account{}, err
	}
	store.accounts[userID] = next
	return next, nil
}

func (store *stubStore) AdjustHeld(_ context.Context, userID UserID, delta SignedCoins) (Account, error) {
	if store.adjustHeldError != nil {
		return Account{}, store.adjustHeldError
	}
	next, err := store.accounts[userID].WithHeldDelta(delta)
	if err != nil {
		return Account{}, err
	}
	store.accounts[userID] = next
	return next, nil
}

func (store *stubStore) ListAccounts(_ context.Context, afterUserID UserID, limit int) ([]Account, error) {
	if store.listAccountsError != nil {
		return nil, store.listAccountsError
	}
	accounts := make([]Account, 0, len(store.accounts))
	for _, account := range store.accounts {
		if account.UserID.String() > afterUserID.String() {
			accounts = append(accounts, account)
		}
	}
	sort.Slice(accounts, func(left, right int) bool {
		return accounts[left].UserID.String() < accounts[right].UserID.String()
	})
	if len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts, nil
}

func (store *stubStore) InsertEntry(_ context.Context, entry Entry) error {
	if store.insertEntryError != nil {
		return store.insertEntryError
	}
	if !entry.IdempotencyKey.IsZero() {
		for _, existing := range store.entries {
			if existing.IdempotencyKey == entry.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) GetEntry(_ context.Context, entryID EntryID) (Entry, error) {
	for _, entry := range store.entries {
		if entry.ID == entryID {
			return entry, nil
		}
	}
	return Entry{}, ErrUnknownEntry
}

func (store *stubStore) FindEntryByIdempotencyKey(_ context.Context, key IdempotencyKey) (Entry, error) {
	for _, entry := range store.entries {
		if entry.IdempotencyKey == key {
			return entry, nil
		}
	}
	return Entry{}, ErrUnknownEntry
}

func (store *stubStore) ListEntries(_ context.Context, userID UserID, _ time.Time, limit int) ([]Entry, error) {
	if store.listEntriesError != nil {
		return nil, store.listEntriesError
	}
	var entries []Entry
	for index := len(store.entries) - 1; index >= 0 && len(entries) < limit; index-- {
		if store.entries[index].UserID == userID {
			entries = append(entries, store.entries[index])
		}
	}
	return entries, nil
}

func (store *stubStore) SumCompletedEntries(_ context.Context, userID UserID) (SignedCoins, error) {
	if store.sumEntriesError != nil {
		return 0, store.sumEntriesError
	}
	var total SignedCoins
	for _, entry := range store.entries {
		if entry.UserID == userID && entry.Status == EntryStatusCompleted {
			total += entry.Amount
		}
	}
	return total, nil
}

func (store *stubStore) CreateHold(_ context.Context, hold Hold) error {
	if store.createHoldError != nil {
		return store.createHoldError
	}
	if _, exists := store.holds[hold.ID]; exists {
		return ErrHoldExists
	}
	store.holds[hold.ID] = hold
	return nil
}

func (store *stubStore) GetHold(_ context.Context, holdID HoldID) (Hold, error) {
	if store.getHoldError != nil {
		return Hold{}, store.getHoldError
	}
	hold, ok := store.holds[holdID]
	if !ok {
		return Hold{}, ErrUnknownHold
	}
	return hold, nil
}

func (store *stubStore) GetHoldForUpdate(ctx context.Context, holdID HoldID) (Hold, error) {
	return store.GetHold(ctx, holdID)
}

func (store *stubStore) FindHoldByIdempotencyKey(_ context.Context, key IdempotencyKey) (Hold, error) {
	for _, hold := range store.holds {
		if hold.IdempotencyKey == key {
			return hold, nil
		}
	}
	return Hold{}, ErrUnknownHold
}

func (store *stubStore) CloseHold(_ context.Context, holdID HoldID, status HoldStatus, settledAmount Coins, at time.Time) (Hold, error) {
	if store.closeHoldError != nil {
		return Hold{}, store.closeHoldError
	}
	hold, ok := store.holds[holdID]
	if !ok {
		return Hold{}, ErrUnknownHold
	}
	if !hold.IsActive() {
		return Hold{}, ErrHoldNotActive
	}
	hold.Status = status
	hold.SettledAmount = settledAmount
	closedAt := at
	if status == HoldStatusSettled {
		hold.SettledAt = &closedAt
	} else {
		hold.ReleasedAt = &closedAt
	}
	store.holds[holdID] = hold
	return hold, nil
}

func (store *stubStore) SumActiveHolds(_ context.Context, userID UserID) (Coins, error) {
	if store.sumActiveHoldsError != nil {
		return 0, store.sumActiveHoldsError
	}
	var total Coins
	for _, hold := range store.holds {
		if hold.UserID == userID && hold.IsActive() {
			total += hold.Amount.Coins()
		}
	}
	return total, nil
}

func (store *stubStore) ListActiveHolds(_ context.Context, purposes []HoldPurpose, createdBefore time.Time, limit int) ([]Hold, error) {
	var holds []Hold
	for _, hold := range store.holds {
		if !hold.IsActive() || !hold.CreatedAt.Before(createdBefore) {
			continue
		}
		for _, purpose := range purposes {
			if hold.Purpose == purpose {
				holds = append(holds, hold)
				break
			}
		}
	}
	if len(holds) > limit {
		holds = holds[:limit]
	}
	return holds, nil
}

func (store *stubStore) account(test *testing.T, rawUserID string) Account {
	test.Helper()
	account, ok := store.accounts[mustUserID(test, rawUserID)]
	if !ok {
		test.Fatalf("account %s not found", rawUserID)
	}
	return account
}

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

type sequenceIDs struct {
	next int
}

func (sequence *sequenceIDs) newID() string {
	sequence.next++
	return "id-" + strconv.Itoa(sequence.next)
}

var fixedNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	sequence := &sequenceIDs{}
	options = append([]ServiceOption{WithIDGenerator(sequence.newID)}, options...)
	service, err := NewService(store, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustEntryID(test *testing.T, raw string) EntryID {
	test.Helper()
	value, err := NewEntryID(raw)
	if err != nil {
		test.Fatalf("entry id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustPositiveCoins(test *testing.T, raw int64) PositiveCoins {
	test.Helper()
	value, err := NewPositiveCoins(raw)
	if err != nil {
		test.Fatalf("positive coins: %v", err)
	}
	return value
}
