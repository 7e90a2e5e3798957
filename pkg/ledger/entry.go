package ledger

import (
	"fmt"
	"strings"
	"time"
)

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryTip               EntryType = "tip"
	EntryGift              EntryType = "gift"
	EntryCallCharge        EntryType = "call_charge"
	EntryCallEarnings      EntryType = "call_earnings"
	EntryGroupRoomCharge   EntryType = "group_room_charge"
	EntryGroupRoomEarnings EntryType = "group_room_earnings"
	EntryAISession         EntryType = "ai_session"
	EntryAISessionEarnings EntryType = "ai_session_earnings"
	EntryPayout            EntryType = "payout"
	EntryPayoutRefund      EntryType = "payout_refund"
	EntrySubscription      EntryType = "subscription"
	EntryContentUnlock     EntryType = "content_unlock"
	EntryTicket            EntryType = "ticket"
	EntryGoalTip           EntryType = "goal_tip"
	EntryPurchase          EntryType = "purchase"
	EntryBonus             EntryType = "bonus"
	EntryAdminRefund       EntryType = "admin_refund"
)

var entryTypes = map[EntryType]struct{}{
	EntryTip:               {},
	EntryGift:              {},
	EntryCallCharge:        {},
	EntryCallEarnings:      {},
	EntryGroupRoomCharge:   {},
	EntryGroupRoomEarnings: {},
	EntryAISession:         {},
	EntryAISessionEarnings: {},
	EntryPayout:            {},
	EntryPayoutRefund:      {},
	EntrySubscription:      {},
	EntryContentUnlock:     {},
	EntryTicket:            {},
	EntryGoalTip:           {},
	EntryPurchase:          {},
	EntryBonus:             {},
	EntryAdminRefund:       {},
}

var entryCounterparts = map[EntryType]EntryType{
	EntryCallCharge:      EntryCallEarnings,
	EntryGroupRoomCharge: EntryGroupRoomEarnings,
	EntryAISession:       EntryAISessionEarnings,
}

// ParseEntryType validates a stored or requested entry type.
func ParseEntryType(raw string) (EntryType, error) {
	entryType := EntryType(strings.TrimSpace(raw))
	if _, ok := entryTypes[entryType]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
	return entryType, nil
}

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// Counterpart returns the type written on the credit side of a transfer.
// Charges map to their earnings type; every other type is its own counterpart.
func (entryType EntryType) Counterpart() EntryType {
	if counterpart, ok := entryCounterparts[entryType]; ok {
		return counterpart
	}
	return entryType
}

// EntryStatus tracks the lifecycle of a ledger entry.
type EntryStatus string

const (
	EntryStatusCompleted EntryStatus = "completed"
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusReversed  EntryStatus = "reversed"
)

// ParseEntryStatus validates a stored entry status.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	switch status := EntryStatus(strings.TrimSpace(raw)); status {
	case EntryStatusCompleted, EntryStatusPending, EntryStatusReversed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
	}
}

// String returns the stored representation.
func (status EntryStatus) String() string {
	return string(status)
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	ID                   EntryID
	UserID               UserID
	Amount               SignedCoins
	Type                 EntryType
	Status               EntryStatus
	IdempotencyKey       IdempotencyKey
	RelatedTransactionID EntryID
	HoldID               HoldID
	Metadata             Metadata
	CreatedAt            time.Time
}
