package ledger

import (
	"fmt"
	"strings"
)

// Coins is a non-negative whole number of coins.
type Coins int64

// PositiveCoins is a strictly positive number of coins.
type PositiveCoins int64

// SignedCoins is a ledger entry amount: negative debits, positive credits.
type SignedCoins int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// HoldID identifies a hold.
type HoldID struct {
	value string
}

// IdempotencyKey scopes duplicate detection. The zero value means "no key".
type IdempotencyKey struct {
	value string
}

// NewCoins validates a non-negative amount.
func NewCoins(raw int64) (Coins, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Coins(raw), nil
}

// Int64 exposes the raw value.
func (coins Coins) Int64() int64 {
	return int64(coins)
}

// Signed converts to a ledger amount.
func (coins Coins) Signed() SignedCoins {
	return SignedCoins(coins)
}

// NewPositiveCoins validates an amount and ensures it is strictly positive.
func NewPositiveCoins(raw int64) (PositiveCoins, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCoins(raw), nil
}

// Int64 exposes the raw value.
func (coins PositiveCoins) Int64() int64 {
	return int64(coins)
}

// Coins widens to a non-negative amount.
func (coins PositiveCoins) Coins() Coins {
	return Coins(coins)
}

// Signed converts to a ledger amount.
func (coins PositiveCoins) Signed() SignedCoins {
	return SignedCoins(coins)
}

// Int64 exposes the raw value.
func (coins SignedCoins) Int64() int64 {
	return int64(coins)
}

// Negated flips the sign.
func (coins SignedCoins) Negated() SignedCoins {
	return -coins
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id EntryID) IsZero() bool {
	return id.value == ""
}

// NewHoldID validates and normalizes a hold id.
func NewHoldID(raw string) (HoldID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return HoldID{}, fmt.Errorf("%w: empty value", ErrInvalidHoldID)
	}
	return HoldID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id HoldID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id HoldID) IsZero() bool {
	return id.value == ""
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// OptionalIdempotencyKey returns the zero key for blank input instead of failing.
func OptionalIdempotencyKey(raw string) IdempotencyKey {
	return IdempotencyKey{value: strings.TrimSpace(raw)}
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the key is unset.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}
