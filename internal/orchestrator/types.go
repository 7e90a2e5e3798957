package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

// EntitlementKind enumerates what a direct purchase grants.
type EntitlementKind string

const (
	EntitlementTicket       EntitlementKind = "ticket"
	EntitlementContent      EntitlementKind = "content"
	EntitlementSubscription EntitlementKind = "subscription"
)

// Entitlement records access bought with coins.
type Entitlement struct {
	ID            string
	UserID        ledger.UserID
	Kind          EntitlementKind
	TargetID      string
	Period        string
	TransactionID ledger.EntryID
	ExpiresAt     *time.Time
	CreatedAt     time.Time
}

// Active reports whether the entitlement still grants access at the given time.
func (entitlement Entitlement) Active(at time.Time) bool {
	return entitlement.ExpiresAt == nil || at.Before(*entitlement.ExpiresAt)
}

// GoalStatus tracks a creator goal.
type GoalStatus string

const (
	GoalStatusActive    GoalStatus = "active"
	GoalStatusCompleted GoalStatus = "completed"
	GoalStatusCancelled GoalStatus = "cancelled"
)

// Goal is a creator fundraising target advanced by goal tips.
type Goal struct {
	ID          string
	CreatorID   ledger.UserID
	Title       string
	Target      ledger.PositiveCoins
	Progress    ledger.Coins
	Status      GoalStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// SessionKind enumerates metered sessions.
type SessionKind string

const (
	SessionVideoCall SessionKind = "video_call"
	SessionVoiceCall SessionKind = "voice_call"
	SessionGroupRoom SessionKind = "group_room"
	SessionAI        SessionKind = "ai_session"
)

// ParseSessionKind validates a session kind.
func ParseSessionKind(raw string) (SessionKind, error) {
	switch kind := SessionKind(strings.TrimSpace(raw)); kind {
	case SessionVideoCall, SessionVoiceCall, SessionGroupRoom, SessionAI:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: session kind %q", ErrInvalidRequest, raw)
	}
}

// HoldPurpose maps the session kind onto the hold that backs it.
func (kind SessionKind) HoldPurpose() ledger.HoldPurpose {
	return ledger.HoldPurpose(kind)
}

// SessionStatus tracks a metered session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusEnded     SessionStatus = "ended"
	SessionStatusCancelled SessionStatus = "cancelled"
	SessionStatusExpired   SessionStatus = "expired"
)

// Session is a metered call, group room or AI session billed per started minute.
type Session struct {
	ID               string
	Kind             SessionKind
	PayerID          ledger.UserID
	PayeeID          ledger.UserID
	RatePerMinute    ledger.PositiveCoins
	MinimumMinutes   int64
	EstimatedMinutes int64
	HoldID           ledger.HoldID
	Status           SessionStatus
	BilledMinutes    int64
	Charged          ledger.Coins
	WrittenOff       ledger.Coins
	StartedAt        time.Time
	EndedAt          *time.Time
}

// PayoutStatus tracks a payout request.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
	PayoutStatusCancelled  PayoutStatus = "cancelled"
)

// ParsePayoutStatus validates a payout status.
func ParsePayoutStatus(raw string) (PayoutStatus, error) {
	switch status := PayoutStatus(strings.TrimSpace(raw)); status {
	case PayoutStatusPending, PayoutStatusProcessing, PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: payout status %q", ErrInvalidRequest, raw)
	}
}

// Payout is a creator's request to redeem earnings.
type Payout struct {
	ID        string
	CreatorID ledger.UserID
	Amount    ledger.PositiveCoins
	Status    PayoutStatus
	HoldID    ledger.HoldID
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutStatusPending:    {PayoutStatusProcessing, PayoutStatusFailed, PayoutStatusCancelled},
	PayoutStatusProcessing: {PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusCancelled},
	PayoutStatusCompleted:  {PayoutStatusFailed, PayoutStatusCancelled},
}

// CanTransition reports whether a payout may move from one status to another.
// Terminal failure states never move again and no status re-enters itself.
func CanTransition(from PayoutStatus, to PayoutStatus) bool {
	for _, allowed := range payoutTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
