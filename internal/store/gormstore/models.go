package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Account represents the accounts table.
type Account struct {
	UserID      string    `gorm:"primaryKey;size:128"`
	Balance     int64     `gorm:"not null;default:0;check:chk_accounts_balance,balance >= 0"`
	HeldBalance int64     `gorm:"not null;default:0;check:chk_accounts_held,held_balance >= 0 AND held_balance <= balance"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. Entries are append-only.
type LedgerEntry struct {
	EntryID              string         `gorm:"primaryKey;size:64"`
	UserID               string         `gorm:"size:128;not null;index:idx_ledger_user_created,priority:1"`
	Amount               int64          `gorm:"not null"`
	Type                 string         `gorm:"size:32;not null"`
	Status               string         `gorm:"size:16;not null"`
	IdempotencyKey       *string        `gorm:"size:255;uniqueIndex:uniq_ledger_entries_idempotency_key"`
	RelatedTransactionID *string        `gorm:"size:64"`
	HoldID               *string        `gorm:"size:64;index:idx_ledger_hold"`
	Metadata             datatypes.JSON `gorm:"not null"`
	CreatedAt            time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// Hold mirrors the holds table.
type Hold struct {
	HoldID         string     `gorm:"primaryKey;size:64"`
	UserID         string     `gorm:"size:128;not null;index:idx_holds_user_status,priority:1"`
	Amount         int64      `gorm:"not null;check:chk_holds_amount,amount > 0"`
	Purpose        string     `gorm:"size:32;not null"`
	RelatedID      string     `gorm:"size:128;not null;default:''"`
	Status         string     `gorm:"size:16;not null;index:idx_holds_user_status,priority:2;index:idx_holds_status_created,priority:1"`
	IdempotencyKey *string    `gorm:"size:255;uniqueIndex:uniq_holds_idempotency_key"`
	SettledAmount  int64      `gorm:"not null;default:0"`
	CreatedAt      time.Time  `gorm:"not null;index:idx_holds_status_created,priority:2"`
	SettledAt      *time.Time `gorm:""`
	ReleasedAt     *time.Time `gorm:""`
}

func (Hold) TableName() string { return "holds" }

// Entitlement mirrors the entitlements table.
type Entitlement struct {
	EntitlementID string     `gorm:"primaryKey;size:64"`
	UserID        string     `gorm:"size:128;not null;uniqueIndex:uniq_entitlements_grant,priority:1"`
	Kind          string     `gorm:"size:16;not null;uniqueIndex:uniq_entitlements_grant,priority:2"`
	TargetID      string     `gorm:"size:128;not null;uniqueIndex:uniq_entitlements_grant,priority:3"`
	Period        string     `gorm:"size:32;not null;default:'';uniqueIndex:uniq_entitlements_grant,priority:4"`
	TransactionID string     `gorm:"size:64;not null"`
	ExpiresAt     *time.Time `gorm:""`
	CreatedAt     time.Time  `gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

// Goal mirrors the goals table.
type Goal struct {
	GoalID      string     `gorm:"primaryKey;size:64"`
	CreatorID   string     `gorm:"size:128;not null;index"`
	Title       string     `gorm:"size:255;not null;default:''"`
	Target      int64      `gorm:"not null"`
	Progress    int64      `gorm:"not null;default:0"`
	Status      string     `gorm:"size:16;not null"`
	CreatedAt   time.Time  `gorm:"not null"`
	CompletedAt *time.Time `gorm:""`
}

func (Goal) TableName() string { return "goals" }

// Session mirrors the sessions table.
type Session struct {
	SessionID        string     `gorm:"primaryKey;size:128"`
	Kind             string     `gorm:"size:16;not null"`
	PayerID          string     `gorm:"size:128;not null;index"`
	PayeeID          string     `gorm:"size:128;not null;index"`
	RatePerMinute    int64      `gorm:"not null"`
	MinimumMinutes   int64      `gorm:"not null"`
	EstimatedMinutes int64      `gorm:"not null"`
	HoldID           string     `gorm:"size:64;not null"`
	Status           string     `gorm:"size:16;not null"`
	BilledMinutes    int64      `gorm:"not null;default:0"`
	Charged          int64      `gorm:"not null;default:0"`
	WrittenOff       int64      `gorm:"not null;default:0"`
	StartedAt        time.Time  `gorm:"not null"`
	EndedAt          *time.Time `gorm:""`
}

func (Session) TableName() string { return "sessions" }

// Payout mirrors the payouts table.
type Payout struct {
	PayoutID  string    `gorm:"primaryKey;size:128"`
	CreatorID string    `gorm:"size:128;not null;index:idx_payouts_creator_created,priority:1"`
	Amount    int64     `gorm:"not null"`
	Status    string    `gorm:"size:16;not null"`
	HoldID    *string   `gorm:"size:64"`
	Reason    string    `gorm:"size:512;not null;default:''"`
	CreatedAt time.Time `gorm:"not null;index:idx_payouts_creator_created,priority:2"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Payout) TableName() string { return "payouts" }

// Models lists every table managed by AutoMigrate, parents first.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &Hold{}, &Entitlement{}, &Goal{}, &Session{}, &Payout{}}
}
