package orchestrator

import (
	"context"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

// Repository is the ledger Store plus the product tables the orchestrator updates in the
// same unit of work. ForUpdate lookups lock the row until the transaction ends.
type Repository interface {
	ledger.Store

	InTx(ctx context.Context, fn func(ctx context.Context, repository Repository) error) error

	CreateEntitlement(ctx context.Context, entitlement Entitlement) error
	FindEntitlement(ctx context.Context, userID ledger.UserID, kind EntitlementKind, targetID string, period string) (Entitlement, error)
	ListEntitlements(ctx context.Context, userID ledger.UserID) ([]Entitlement, error)

	CreateGoal(ctx context.Context, goal Goal) error
	GetGoal(ctx context.Context, goalID string) (Goal, error)
	GetGoalForUpdate(ctx context.Context, goalID string) (Goal, error)
	UpdateGoal(ctx context.Context, goal Goal) error

	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	GetSessionForUpdate(ctx context.Context, sessionID string) (Session, error)
	UpdateSession(ctx context.Context, session Session) error

	CreatePayout(ctx context.Context, payout Payout) error
	GetPayout(ctx context.Context, payoutID string) (Payout, error)
	GetPayoutForUpdate(ctx context.Context, payoutID string) (Payout, error)
	UpdatePayout(ctx context.Context, payout Payout) error
	ListPayouts(ctx context.Context, creatorID ledger.UserID, limit int) ([]Payout, error)
}
