package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MetadataKind tags the payload shape carried by an entry.
type MetadataKind string

const (
	MetadataKindTransfer MetadataKind = "transfer"
	MetadataKindSession  MetadataKind = "session"
	MetadataKindPayout   MetadataKind = "payout"
	MetadataKindGrant    MetadataKind = "grant"
)

const emptyMetadataJSON = "{}"

// Metadata is the per-type payload of a ledger entry. The concrete type is chosen by the entry type.
type Metadata interface {
	Kind() MetadataKind
}

// TransferMetadata describes direct transfers: tips, gifts, tickets, unlocks, subscriptions and goal tips.
type TransferMetadata struct {
	CounterpartyID string `json:"counterpartyId,omitempty"`
	TargetID       string `json:"targetId,omitempty"`
	Period         string `json:"period,omitempty"`
	Note           string `json:"note,omitempty"`
}

// Kind implements Metadata.
func (TransferMetadata) Kind() MetadataKind { return MetadataKindTransfer }

// SessionMetadata describes metered session charges and earnings.
type SessionMetadata struct {
	SessionID      string `json:"sessionId"`
	CounterpartyID string `json:"counterpartyId,omitempty"`
	RatePerMinute  int64  `json:"ratePerMinute"`
	BilledMinutes  int64  `json:"billedMinutes"`
	ElapsedSeconds int64  `json:"elapsedSeconds"`
	WrittenOff     int64  `json:"writtenOff,omitempty"`
}

// Kind implements Metadata.
func (SessionMetadata) Kind() MetadataKind { return MetadataKindSession }

// PayoutMetadata describes payout debits and refunds.
type PayoutMetadata struct {
	PayoutID string `json:"payoutId"`
	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Kind implements Metadata.
func (PayoutMetadata) Kind() MetadataKind { return MetadataKindPayout }

// GrantMetadata describes coins entering or leaving the system from outside: purchases, bonuses and admin refunds.
type GrantMetadata struct {
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

// Kind implements Metadata.
func (GrantMetadata) Kind() MetadataKind { return MetadataKindGrant }

// MetadataKindFor returns the payload kind an entry type carries.
func MetadataKindFor(entryType EntryType) MetadataKind {
	switch entryType {
	case EntryCallCharge, EntryCallEarnings, EntryGroupRoomCharge, EntryGroupRoomEarnings, EntryAISession, EntryAISessionEarnings:
		return MetadataKindSession
	case EntryPayout, EntryPayoutRefund:
		return MetadataKindPayout
	case EntryPurchase, EntryBonus, EntryAdminRefund:
		return MetadataKindGrant
	default:
		return MetadataKindTransfer
	}
}

// ValidateMetadata checks that metadata matches the entry type. Nil metadata is always valid.
func ValidateMetadata(entryType EntryType, metadata Metadata) error {
	if metadata == nil {
		return nil
	}
	if expected := MetadataKindFor(entryType); metadata.Kind() != expected {
		return fmt.Errorf("%w: %s entries carry %s metadata, got %s", ErrInvalidMetadata, entryType, expected, metadata.Kind())
	}
	return nil
}

// EncodeMetadata serializes metadata for storage.
func EncodeMetadata(entryType EntryType, metadata Metadata) ([]byte, error) {
	if err := ValidateMetadata(entryType, metadata); err != nil {
		return nil, err
	}
	if metadata == nil {
		return []byte(emptyMetadataJSON), nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return encoded, nil
}

// DecodeMetadata parses a stored payload into the variant selected by entryType.
func DecodeMetadata(entryType EntryType, raw []byte) (Metadata, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == emptyMetadataJSON || string(trimmed) == "null" {
		return nil, nil
	}
	var (
		metadata Metadata
		err      error
	)
	switch MetadataKindFor(entryType) {
	case MetadataKindSession:
		var payload SessionMetadata
		err = json.Unmarshal(trimmed, &payload)
		metadata = payload
	case MetadataKindPayout:
		var payload PayoutMetadata
		err = json.Unmarshal(trimmed, &payload)
		metadata = payload
	case MetadataKindGrant:
		var payload GrantMetadata
		err = json.Unmarshal(trimmed, &payload)
		metadata = payload
	default:
		var payload TransferMetadata
		err = json.Unmarshal(trimmed, &payload)
		metadata = payload
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return metadata, nil
}
