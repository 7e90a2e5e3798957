// Package gormstore implements the ledger and product tables on GORM. It runs against
// PostgreSQL and MySQL in production and SQLite in tests.
package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

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
	sqliteConstraintCode          = 19
	holdStatusColumn              = "status"
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectEntry             = "entry"
	errorSubjectHold              = "hold"
	errorSubjectEntitlement       = "entitlement"
	errorSubjectGoal              = "goal"
	errorSubjectSession           = "session"
	errorSubjectPayout            = "payout"
	errorCodeAdjust               = "adjust"
	errorCodeClose                = "close"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeEnsure               = "ensure"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeSum                  = "sum"
	errorCodeUpdate               = "update"
)

var (
	_ ledger.Store            = (*Store)(nil)
	_ orchestrator.Repository = (*Store)(nil)
)

// Store implements ledger.Store and orchestrator.Repository using GORM.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock stamps rows that carry no timestamp of their own with now.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, options ...Option) *Store {
	store := &Store{db: db, now: time.Now}
	for _, option := range options {
		option(store)
	}
	return store
}

// Migrate creates or updates every table.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.InTx(ctx, func(ctx context.Context, repository orchestrator.Repository) error {
		return fn(ctx, repository)
	})
}

// InTx executes fn within a transaction.
func (store *Store) InTx(ctx context.Context, fn func(ctx context.Context, repository orchestrator.Repository) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, now: store.now})
	})
}

func (store *Store) EnsureAccount(ctx context.Context, userID ledger.UserID) error {
	now := store.now().UTC()
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&Account{UserID: userID.String(), CreatedAt: now, UpdatedAt: now}).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.getAccount(store.db.WithContext(ctx), userID)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.getAccount(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID)
}

func (store *Store) getAccount(db *gorm.DB, userID ledger.UserID) (ledger.Account, error) {
	var model Account
	err := db.Where("user_id = ?", userID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// AdjustBalance applies delta only when the new balance stays at or above both zero and the held balance.
func (store *Store) AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.SignedCoins) (ledger.Account, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND balance + ? >= 0 AND balance + ? >= held_balance", userID.String(), delta.Int64(), delta.Int64()).
		UpdateColumns(map[string]any{
			"balance":    gorm.Expr("balance + ?", delta.Int64()),
			"updated_at": store.now().UTC(),
		})
	if result.Error != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.Account{}, store.rejectedAdjustment(ctx, userID, ledger.ErrInsufficientFunds)
	}
	return store.GetAccount(ctx, userID)
}

// AdjustHeld applies delta only when the new held balance stays within [0, balance].
func (store *Store) AdjustHeld(ctx context.Context, userID ledger.UserID, delta ledger.SignedCoins) (ledger.Account, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND held_balance + ? >= 0 AND held_balance + ? <= balance", userID.String(), delta.Int64(), delta.Int64()).
		UpdateColumns(map[string]any{
			"held_balance": gorm.Expr("held_balance + ?", delta.Int64()),
			"updated_at":   store.now().UTC(),
		})
	if result.Error != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.Account{}, store.rejectedAdjustment(ctx, userID, ledger.ErrInvariantViolation)
	}
	return store.GetAccount(ctx, userID)
}

func (store *Store) rejectedAdjustment(ctx context.Context, userID ledger.UserID, rejection error) error {
	if _, err := store.GetAccount(ctx, userID); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectAccount, errorCodeAdjust, rejection)
}

func (store *Store) ListAccounts(ctx context.Context, afterUserID ledger.UserID, limit int) ([]ledger.Account, error) {
	var rows []Account
	err := store.db.WithContext(ctx).
		Where("user_id > ?", afterUserID.String()).
		Order("user_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]ledger.Account, 0, len(rows))
	for _, row := range rows {
		account, err := mapAccount(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	metadata, err := ledger.EncodeMetadata(entry.Type, entry.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	model := LedgerEntry{
		EntryID:              entry.ID.String(),
		UserID:               entry.UserID.String(),
		Amount:               entry.Amount.Int64(),
		Type:                 entry.Type.String(),
		Status:               entry.Status.String(),
		IdempotencyKey:       optionalString(entry.IdempotencyKey.String()),
		RelatedTransactionID: optionalString(entry.RelatedTransactionID.String()),
		HoldID:               optionalString(entry.HoldID.String()),
		Metadata:             datatypes.JSON(metadata),
		CreatedAt:            entry.CreatedAt.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = store.now().UTC()
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err, constraintEntryIdempotencyKey, constraintEntryPrimary) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetEntry(ctx context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	return store.takeEntry(store.db.WithContext(ctx).Where("entry_id = ?", entryID.String()))
}

func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.Entry, error) {
	return store.takeEntry(store.db.WithContext(ctx).Where("idempotency_key = ?", key.String()))
}

func (store *Store) takeEntry(db *gorm.DB) (ledger.Entry, error) {
	var model LedgerEntry
	err := db.Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrUnknownEntry)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(model)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if !before.IsZero() {
		query = query.Where("created_at < ?", before.UTC())
	}
	var rows []LedgerEntry
	err := query.
		Order("created_at DESC").
		Order("entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) SumCompletedEntries(ctx context.Context, userID ledger.UserID) (ledger.SignedCoins, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND status = ?", userID.String(), ledger.EntryStatusCompleted.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return ledger.SignedCoins(sum.Total), nil
}

func (store *Store) CreateHold(ctx context.Context, hold ledger.Hold) error {
	model := Hold{
		HoldID:         hold.ID.String(),
		UserID:         hold.UserID.String(),
		Amount:         hold.Amount.Int64(),
		Purpose:        hold.Purpose.String(),
		RelatedID:      hold.RelatedID,
		Status:         hold.Status.String(),
		IdempotencyKey: optionalString(hold.IdempotencyKey.String()),
		CreatedAt:      hold.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err, constraintHoldIdempotencyKey, constraintHoldPrimary) {
		return wrapStoreError(errorSubjectHold, errorCodeDuplicate, ledger.ErrHoldExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetHold(ctx context.Context, holdID ledger.HoldID) (ledger.Hold, error) {
	return store.takeHold(store.db.WithContext(ctx).Where("hold_id = ?", holdID.String()))
}

func (store *Store) GetHoldForUpdate(ctx context.Context, holdID ledger.HoldID) (ledger.Hold, error) {
	return store.takeHold(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("hold_id = ?", holdID.String()))
}

func (store *Store) FindHoldByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.Hold, error) {
	return store.takeHold(store.db.WithContext(ctx).Where("idempotency_key = ?", key.String()))
}

func (store *Store) takeHold(db *gorm.DB) (ledger.Hold, error) {
	var model Hold
	err := db.Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, ledger.ErrUnknownHold)
	}
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	hold, err := mapHold(model)
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return hold, nil
}

// CloseHold moves an active hold to settled or released. A hold that is no longer active is left untouched.
func (store *Store) CloseHold(ctx context.Context, holdID ledger.HoldID, status ledger.HoldStatus, settledAmount ledger.Coins, at time.Time) (ledger.Hold, error) {
	updates := map[string]any{holdStatusColumn: status.String()}
	switch status {
	case ledger.HoldStatusSettled:
		updates["settled_amount"] = settledAmount.Int64()
		updates["settled_at"] = at.UTC()
	case ledger.HoldStatusReleased:
		updates["released_at"] = at.UTC()
	default:
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeClose, ledger.ErrInvalidHoldStatus)
	}
	result := store.db.WithContext(ctx).
		Model(&Hold{}).
		Where("hold_id = ? AND status = ?", holdID.String(), ledger.HoldStatusActive.String()).
		UpdateColumns(updates)
	if result.Error != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeClose, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetHold(ctx, holdID); err != nil {
			return ledger.Hold{}, err
		}
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeClose, ledger.ErrHoldNotActive)
	}
	return store.GetHold(ctx, holdID)
}

func (store *Store) SumActiveHolds(ctx context.Context, userID ledger.UserID) (ledger.Coins, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Hold{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND status = ?", userID.String(), ledger.HoldStatusActive.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectHold, errorCodeSum, err)
	}
	total, err := ledger.NewCoins(sum.Total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return total, nil
}

func (store *Store) ListActiveHolds(ctx context.Context, purposes []ledger.HoldPurpose, createdBefore time.Time, limit int) ([]ledger.Hold, error) {
	query := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", ledger.HoldStatusActive.String(), createdBefore.UTC())
	if len(purposes) > 0 {
		names := make([]string, 0, len(purposes))
		for _, purpose := range purposes {
			names = append(names, purpose.String())
		}
		query = query.Where("purpose IN ?", names)
	}
	var rows []Hold
	err := query.Order("created_at ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	holds := make([]ledger.Hold, 0, len(rows))
	for _, row := range rows {
		hold, err := mapHold(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
		}
		holds = append(holds, hold)
	}
	return holds, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(row Account) (ledger.Account, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewCoins(row.Balance)
	if err != nil {
		return ledger.Account{}, err
	}
	held, err := ledger.NewCoins(row.HeldBalance)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		UserID:      userID,
		Balance:     balance,
		HeldBalance: held,
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	status, err := ledger.ParseEntryStatus(row.Status)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.DecodeMetadata(entryType, row.Metadata)
	if err != nil {
		return ledger.Entry{}, err
	}
	entry := ledger.Entry{
		ID:             entryID,
		UserID:         userID,
		Amount:         ledger.SignedCoins(row.Amount),
		Type:           entryType,
		Status:         status,
		IdempotencyKey: ledger.OptionalIdempotencyKey(stringOrEmpty(row.IdempotencyKey)),
		Metadata:       metadata,
		CreatedAt:      row.CreatedAt.UTC(),
	}
	if row.RelatedTransactionID != nil {
		if entry.RelatedTransactionID, err = ledger.NewEntryID(*row.RelatedTransactionID); err != nil {
			return ledger.Entry{}, err
		}
	}
	if row.HoldID != nil {
		if entry.HoldID, err = ledger.NewHoldID(*row.HoldID); err != nil {
			return ledger.Entry{}, err
		}
	}
	return entry, nil
}

func mapHold(row Hold) (ledger.Hold, error) {
	holdID, err := ledger.NewHoldID(row.HoldID)
	if err != nil {
		return ledger.Hold{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Hold{}, err
	}
	amount, err := ledger.NewPositiveCoins(row.Amount)
	if err != nil {
		return ledger.Hold{}, err
	}
	purpose, err := ledger.ParseHoldPurpose(row.Purpose)
	if err != nil {
		return ledger.Hold{}, err
	}
	status, err := ledger.ParseHoldStatus(row.Status)
	if err != nil {
		return ledger.Hold{}, err
	}
	settledAmount, err := ledger.NewCoins(row.SettledAmount)
	if err != nil {
		return ledger.Hold{}, err
	}
	return ledger.Hold{
		ID:             holdID,
		UserID:         userID,
		Amount:         amount,
		Purpose:        purpose,
		RelatedID:      row.RelatedID,
		Status:         status,
		IdempotencyKey: ledger.OptionalIdempotencyKey(stringOrEmpty(row.IdempotencyKey)),
		SettledAmount:  settledAmount,
		CreatedAt:      row.CreatedAt.UTC(),
		SettledAt:      utcOrNil(row.SettledAt),
		ReleasedAt:     utcOrNil(row.ReleasedAt),
	}, nil
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

// isUniqueConflict recognizes duplicate-key failures from every supported dialect.
// PostgreSQL errors must name one of the given constraints.
func isUniqueConflict(err error, constraints ...string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolationCode {
			return false
		}
		for _, constraint := range constraints {
			if pgErr.ConstraintName == constraint {
				return true
			}
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
