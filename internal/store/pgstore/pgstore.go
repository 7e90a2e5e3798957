// Package pgstore implements the ledger and product tables directly on pgx.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	constraintEntryIdempotencyKey = "uniq_ledger_entries_idempotency_key"
	constraintEntryPrimary        = "ledger_entries_pkey"
	constraintHoldIdempotencyKey  = "uniq_holds_idempotency_key"
	constraintHoldPrimary         = "holds_pkey"
	constraintEntitlementGrant    = "uniq_entitlements_grant"
	constraintGoalPrimary         = "goals_pkey"
	constraintSessionPrimary      = "sessions_pkey"
	constraintPayoutPrimary       = "payouts_pkey"
	pgUniqueViolationCode         = "23505"
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectEntry             = "entry"
	errorSubjectHold              = "hold"
	errorSubjectEntitlement       = "entitlement"
	errorSubjectGoal              = "goal"
	errorSubjectSession           = "session"
	errorSubjectPayout            = "payout"
	errorSubjectSchema            = "schema"
	errorSubjectTransaction       = "transaction"
	errorCodeAdjust               = "adjust"
	errorCodeBegin                = "begin"
	errorCodeClose                = "close"
	errorCodeCommit               = "commit"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeEnsure               = "ensure"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeMigrate              = "migrate"
	errorCodeSum                  = "sum"
	errorCodeUpdate               = "update"

	sqlEnsureAccount = `
		insert into accounts(user_id, created_at, updated_at) values($1, $2, $2)
		on conflict (user_id) do nothing
	`

	sqlSelectAccount = `
		select user_id, balance, held_balance, created_at, updated_at
		from accounts where user_id = $1
	`

	sqlAdjustBalance = `
		update accounts set balance = balance + $2, updated_at = $3
		where user_id = $1 and balance + $2 >= 0 and balance + $2 >= held_balance
		returning user_id, balance, held_balance, created_at, updated_at
	`

	sqlAdjustHeld = `
		update accounts set held_balance = held_balance + $2, updated_at = $3
		where user_id = $1 and held_balance + $2 >= 0 and held_balance + $2 <= balance
		returning user_id, balance, held_balance, created_at, updated_at
	`

	sqlListAccounts = `
		select user_id, balance, held_balance, created_at, updated_at
		from accounts where user_id > $1
		order by user_id asc
		limit $2
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, user_id, amount, type, status, idempotency_key,
			related_transaction_id, hold_id, metadata, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
	`

	sqlSelectEntryColumns = `
		select entry_id, user_id, amount, type, status, idempotency_key,
			related_transaction_id, hold_id, metadata::text, created_at
		from ledger_entries
	`

	sqlSumCompletedEntries = `
		select coalesce(sum(amount),0)::bigint from ledger_entries
		where user_id = $1 and status = 'completed'
	`

	sqlInsertHold = `
		insert into holds(hold_id, user_id, amount, purpose, related_id, status, idempotency_key, created_at)
		values($1, $2, $3, $4, $5, $6, $7, $8)
	`

	sqlSelectHoldColumns = `
		select hold_id, user_id, amount, purpose, related_id, status, idempotency_key,
			settled_amount, created_at, settled_at, released_at
		from holds
	`

	sqlSettleHold = `
		update holds set status = 'settled', settled_amount = $2, settled_at = $3
		where hold_id = $1 and status = 'active'
	`

	sqlReleaseHold = `
		update holds set status = 'released', released_at = $2
		where hold_id = $1 and status = 'active'
	`

	sqlSumActiveHolds = `
		select coalesce(sum(amount),0)::bigint from holds
		where user_id = $1 and status = 'active'
	`

	sqlListActiveHolds = sqlSelectHoldColumns + `
		where status = 'active' and created_at < $1
		and (cardinality($2::text[]) = 0 or purpose = any($2::text[]))
		order by created_at asc
		limit $3
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

var (
	_ ledger.Store            = (*Store)(nil)
	_ orchestrator.Repository = (*Store)(nil)
)

// Store implements ledger.Store and orchestrator.Repository using a pgx pool. Inside a
// transaction the same type runs its statements on the pgx.Tx instead of the pool.
type Store struct {
	pool *pgxpool.Pool
	db   querier
	tx   pgx.Tx
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock stamps accounts and undated rows with now instead of the database clock.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool, options ...Option) *Store {
	store := &Store{pool: pool, db: pool, now: time.Now}
	for _, option := range options {
		option(store)
	}
	return store
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.InTx(ctx, func(ctx context.Context, repository orchestrator.Repository) error {
		return fn(ctx, repository)
	})
}

// InTx runs fn in a transaction. A Store that is already transactional joins it.
func (store *Store) InTx(ctx context.Context, fn func(ctx context.Context, repository orchestrator.Repository) error) error {
	if store.tx != nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, db: tx, tx: tx, now: store.now}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) EnsureAccount(ctx context.Context, userID ledger.UserID) error {
	if _, err := store.db.Exec(ctx, sqlEnsureAccount, userID.String(), store.now().UTC()); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.queryAccount(ctx, sqlSelectAccount, userID.String())
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.queryAccount(ctx, sqlSelectAccount+" for update", userID.String())
}

func (store *Store) queryAccount(ctx context.Context, sql string, arguments ...any) (ledger.Account, error) {
	account, err := scanAccount(store.db.QueryRow(ctx, sql, arguments...))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.SignedCoins) (ledger.Account, error) {
	return store.adjust(ctx, sqlAdjustBalance, userID, delta, ledger.ErrInsufficientFunds)
}

func (store *Store) AdjustHeld(ctx context.Context, userID ledger.UserID, delta ledger.SignedCoins) (ledger.Account, error) {
	return store.adjust(ctx, sqlAdjustHeld, userID, delta, ledger.ErrInvariantViolation)
}

// adjust runs a guarded update. No returned row means either the account is missing or
// the guard rejected the delta.
func (store *Store) adjust(ctx context.Context, sql string, userID ledger.UserID, delta ledger.SignedCoins, rejection error) (ledger.Account, error) {
	account, err := scanAccount(store.db.QueryRow(ctx, sql, userID.String(), delta.Int64(), store.now().UTC()))
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeAdjust, err)
	}
	if _, lookupErr := store.GetAccount(ctx, userID); lookupErr != nil {
		return ledger.Account{}, lookupErr
	}
	return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeAdjust, rejection)
}

func (store *Store) ListAccounts(ctx context.Context, afterUserID ledger.UserID, limit int) ([]ledger.Account, error) {
	rows, err := store.db.Query(ctx, sqlListAccounts, afterUserID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	var accounts []ledger.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accounts, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	metadata, err := ledger.EncodeMetadata(entry.Type, entry.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	createdAt := entry.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = store.now().UTC()
	}
	_, err = store.db.Exec(ctx, sqlInsertEntry,
		entry.ID.String(),
		entry.UserID.String(),
		entry.Amount.Int64(),
		entry.Type.String(),
		entry.Status.String(),
		optionalString(entry.IdempotencyKey.String()),
		optionalString(entry.RelatedTransactionID.String()),
		optionalString(entry.HoldID.String()),
		string(metadata),
		createdAt,
	)
	if isUniqueConflict(err, constraintEntryIdempotencyKey, constraintEntryPrimary) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetEntry(ctx context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	return store.queryEntry(ctx, sqlSelectEntryColumns+" where entry_id = $1", entryID.String())
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.Entry, error) {
	return store.queryEntry(ctx, sqlSelectEntryColumns+" where idempotency_key = $1", key.String())
}

func (store *Store) queryEntry(ctx context.Context, sql string, arguments ...any) (ledger.Entry, error) {
	entry, err := scanEntry(store.db.QueryRow(ctx, sql, arguments...))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownEntry)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Entry, error) {
	var beforeValue *time.Time
	if !before.IsZero() {
		converted := before.UTC()
		beforeValue = &converted
	}
	rows, err := store.db.Query(ctx, sqlSelectEntryColumns+`
		where user_id = $1 and ($2::timestamptz is null or created_at < $2)
		order by created_at desc, entry_id desc
		limit $3`, userID.String(), beforeValue, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	var entries []ledger.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) SumCompletedEntries(ctx context.Context, userID ledger.UserID) (ledger.SignedCoins, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumCompletedEntries, userID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return ledger.SignedCoins(sum), nil
}

func (store *Store) CreateHold(ctx context.Context, hold ledger.Hold) error {
	_, err := store.db.Exec(ctx, sqlInsertHold,
		hold.ID.String(),
		hold.UserID.String(),
		hold.Amount.Int64(),
		hold.Purpose.String(),
		hold.RelatedID,
		hold.Status.String(),
		optionalString(hold.IdempotencyKey.String()),
		hold.CreatedAt.UTC(),
	)
	if isUniqueConflict(err, constraintHoldIdempotencyKey, constraintHoldPrimary) {
		return wrapStoreError(errorSubjectHold, errorCodeDuplicate, ledger.ErrHoldExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetHold(ctx context.Context, holdID ledger.HoldID) (ledger.Hold, error) {
	return store.queryHold(ctx, sqlSelectHoldColumns+" where hold_id = $1", holdID.String())
}

func (store *Store) GetHoldForUpdate(ctx context.Context, holdID ledger.HoldID) (ledger.Hold, error) {
	return store.queryHold(ctx, sqlSelectHoldColumns+" where hold_id = $1 for update", holdID.String())
}

func (store *Store) FindHoldByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.Hold, error) {
	return store.queryHold(ctx, sqlSelectHoldColumns+" where idempotency_key = $1", key.String())
}

func (store *Store) queryHold(ctx context.Context, sql string, arguments ...any) (ledger.Hold, error) {
	hold, err := scanHold(store.db.QueryRow(ctx, sql, arguments...))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, ledger.ErrUnknownHold)
	}
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	return hold, nil
}

func (store *Store) CloseHold(ctx context.Context, holdID ledger.HoldID, status ledger.HoldStatus, settledAmount ledger.Coins, at time.Time) (ledger.Hold, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch status {
	case ledger.HoldStatusSettled:
		tag, err = store.db.Exec(ctx, sqlSettleHold, holdID.String(), settledAmount.Int64(), at.UTC())
	case ledger.HoldStatusReleased:
		tag, err = store.db.Exec(ctx, sqlReleaseHold, holdID.String(), at.UTC())
	default:
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeClose, ledger.ErrInvalidHoldStatus)
	}
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeClose, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := store.GetHold(ctx, holdID); err != nil {
			return ledger.Hold{}, err
		}
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeClose, ledger.ErrHoldNotActive)
	}
	return store.GetHold(ctx, holdID)
}

func (store *Store) SumActiveHolds(ctx context.Context, userID ledger.UserID) (ledger.Coins, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumActiveHolds, userID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectHold, errorCodeSum, err)
	}
	total, err := ledger.NewCoins(sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return total, nil
}

func (store *Store) ListActiveHolds(ctx context.Context, purposes []ledger.HoldPurpose, createdBefore time.Time, limit int) ([]ledger.Hold, error) {
	names := make([]string, 0, len(purposes))
	for _, purpose := range purposes {
		names = append(names, purpose.String())
	}
	rows, err := store.db.Query(ctx, sqlListActiveHolds, createdBefore.UTC(), names, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	defer rows.Close()
	var holds []ledger.Hold
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
		}
		holds = append(holds, hold)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	return holds, nil
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		userIDValue string
		balance     int64
		held        int64
		account     ledger.Account
	)
	if err := row.Scan(&userIDValue, &balance, &held, &account.CreatedAt, &account.UpdatedAt); err != nil {
		return ledger.Account{}, err
	}
	var err error
	if account.UserID, err = ledger.NewUserID(userIDValue); err != nil {
		return ledger.Account{}, err
	}
	if account.Balance, err = ledger.NewCoins(balance); err != nil {
		return ledger.Account{}, err
	}
	if account.HeldBalance, err = ledger.NewCoins(held); err != nil {
		return ledger.Account{}, err
	}
	account.CreatedAt = account.CreatedAt.UTC()
	account.UpdatedAt = account.UpdatedAt.UTC()
	return account, nil
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		entryIDValue   string
		userIDValue    string
		amount         int64
		typeValue      string
		statusValue    string
		idempotencyKey *string
		relatedID      *string
		holdID         *string
		metadataJSON   string
		createdAt      time.Time
	)
	err := row.Scan(&entryIDValue, &userIDValue, &amount, &typeValue, &statusValue, &idempotencyKey, &relatedID, &holdID, &metadataJSON, &createdAt)
	if err != nil {
		return ledger.Entry{}, err
	}
	entry := ledger.Entry{
		Amount:         ledger.SignedCoins(amount),
		IdempotencyKey: ledger.OptionalIdempotencyKey(stringOrEmpty(idempotencyKey)),
		CreatedAt:      createdAt.UTC(),
	}
	if entry.ID, err = ledger.NewEntryID(entryIDValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.UserID, err = ledger.NewUserID(userIDValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.Type, err = ledger.ParseEntryType(typeValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.Status, err = ledger.ParseEntryStatus(statusValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.Metadata, err = ledger.DecodeMetadata(entry.Type, []byte(metadataJSON)); err != nil {
		return ledger.Entry{}, err
	}
	if relatedID != nil {
		if entry.RelatedTransactionID, err = ledger.NewEntryID(*relatedID); err != nil {
			return ledger.Entry{}, err
		}
	}
	if holdID != nil {
		if entry.HoldID, err = ledger.NewHoldID(*holdID); err != nil {
			return ledger.Entry{}, err
		}
	}
	return entry, nil
}

func scanHold(row pgx.Row) (ledger.Hold, error) {
	var (
		holdIDValue    string
		userIDValue    string
		amount         int64
		purposeValue   string
		statusValue    string
		idempotencyKey *string
		settledAmount  int64
		hold           ledger.Hold
	)
	err := row.Scan(&holdIDValue, &userIDValue, &amount, &purposeValue, &hold.RelatedID, &statusValue, &idempotencyKey, &settledAmount, &hold.CreatedAt, &hold.SettledAt, &hold.ReleasedAt)
	if err != nil {
		return ledger.Hold{}, err
	}
	if hold.ID, err = ledger.NewHoldID(holdIDValue); err != nil {
		return ledger.Hold{}, err
	}
	if hold.UserID, err = ledger.NewUserID(userIDValue); err != nil {
		return ledger.Hold{}, err
	}
	if hold.Amount, err = ledger.NewPositiveCoins(amount); err != nil {
		return ledger.Hold{}, err
	}
	if hold.Purpose, err = ledger.ParseHoldPurpose(purposeValue); err != nil {
		return ledger.Hold{}, err
	}
	if hold.Status, err = ledger.ParseHoldStatus(statusValue); err != nil {
		return ledger.Hold{}, err
	}
	if hold.SettledAmount, err = ledger.NewCoins(settledAmount); err != nil {
		return ledger.Hold{}, err
	}
	hold.IdempotencyKey = ledger.OptionalIdempotencyKey(stringOrEmpty(idempotencyKey))
	hold.CreatedAt = hold.CreatedAt.UTC()
	hold.SettledAt = utcOrNil(hold.SettledAt)
	hold.ReleasedAt = utcOrNil(hold.ReleasedAt)
	return hold, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueConflict(err error, constraints ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolationCode {
		return false
	}
	for _, constraint := range constraints {
		if pgErr.ConstraintName == constraint {
			return true
		}
	}
	return false
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func utcOrNil(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}
