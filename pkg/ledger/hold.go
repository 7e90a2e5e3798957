package ledger

import (
	"fmt"
	"strings"
	"time"
)

// HoldPurpose names what a hold reserves coins for.
type HoldPurpose string

const (
	HoldPurposeVideoCall HoldPurpose = "video_call"
	HoldPurposeVoiceCall HoldPurpose = "voice_call"
	HoldPurposeGroupRoom HoldPurpose = "group_room"
	HoldPurposeAISession HoldPurpose = "ai_session"
	HoldPurposePayout    HoldPurpose = "payout"
)

// SessionHoldPurposes lists the purposes backed by metered sessions.
var SessionHoldPurposes = []HoldPurpose{
	HoldPurposeVideoCall,
	HoldPurposeVoiceCall,
	HoldPurposeGroupRoom,
	HoldPurposeAISession,
}

// ParseHoldPurpose validates a hold purpose.
func ParseHoldPurpose(raw string) (HoldPurpose, error) {
	switch purpose := HoldPurpose(strings.TrimSpace(raw)); purpose {
	case HoldPurposeVideoCall, HoldPurposeVoiceCall, HoldPurposeGroupRoom, HoldPurposeAISession, HoldPurposePayout:
		return purpose, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidHoldPurpose, raw)
	}
}

// String returns the stored representation.
func (purpose HoldPurpose) String() string {
	return string(purpose)
}

// IsSession reports whether the purpose belongs to a metered session.
func (purpose HoldPurpose) IsSession() bool {
	return purpose != HoldPurposePayout && purpose != ""
}

// ChargeType returns the entry type billed when a hold of this purpose settles.
func (purpose HoldPurpose) ChargeType() EntryType {
	switch purpose {
	case HoldPurposeVideoCall, HoldPurposeVoiceCall:
		return EntryCallCharge
	case HoldPurposeGroupRoom:
		return EntryGroupRoomCharge
	case HoldPurposeAISession:
		return EntryAISession
	default:
		return EntryPayout
	}
}

// HoldStatus defines the hold lifecycle.
type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "active"
	HoldStatusSettled  HoldStatus = "settled"
	HoldStatusReleased HoldStatus = "released"
)

// ParseHoldStatus validates a stored hold status.
func ParseHoldStatus(raw string) (HoldStatus, error) {
	switch status := HoldStatus(strings.TrimSpace(raw)); status {
	case HoldStatusActive, HoldStatusSettled, HoldStatusReleased:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidHoldStatus, raw)
	}
}

// String returns the stored representation.
func (status HoldStatus) String() string {
	return string(status)
}

// Hold reserves part of a balance until it is settled or released.
type Hold struct {
	ID             HoldID
	UserID         UserID
	Amount         PositiveCoins
	Purpose        HoldPurpose
	RelatedID      string
	Status         HoldStatus
	IdempotencyKey IdempotencyKey
	SettledAmount  Coins
	CreatedAt      time.Time
	SettledAt      *time.Time
	ReleasedAt     *time.Time
}

// IsActive reports whether the hold still counts toward the held balance.
func (hold Hold) IsActive() bool {
	return hold.Status == HoldStatusActive
}

// OveragePolicy decides what settlement does when the actual charge exceeds the reservation.
type OveragePolicy string

const (
	// OverageForbidden rejects any charge above the reserved amount.
	OverageForbidden OveragePolicy = "forbidden"
	// OverageStrict charges the full amount or fails with ErrPartialSettlement.
	OverageStrict OveragePolicy = "strict"
	// OverageWriteOff charges what the payer can cover and reports the rest as written off.
	OverageWriteOff OveragePolicy = "write_off"
)

// ParseOveragePolicy validates a policy name. Blank input selects OverageForbidden.
func ParseOveragePolicy(raw string) (OveragePolicy, error) {
	switch policy := OveragePolicy(strings.TrimSpace(raw)); policy {
	case "":
		return OverageForbidden, nil
	case OverageForbidden, OverageStrict, OverageWriteOff:
		return policy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOveragePolicy, raw)
	}
}

// String returns the policy name.
func (policy OveragePolicy) String() string {
	return string(policy)
}
