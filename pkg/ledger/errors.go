package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInvariantViolation      = errors.New("invariant violation")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrIdempotencyConflict     = errors.New("idempotency key reused for a different request")
	ErrHoldNotActive           = errors.New("hold not active")
	ErrHoldExists              = errors.New("hold already exists")
	ErrPartialSettlement       = errors.New("partial settlement")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrSelfTransfer            = errors.New("self transfer")
	ErrUnknownAccount          = errors.New("unknown account")
	ErrUnknownEntry            = errors.New("unknown entry")
	ErrUnknownHold             = errors.New("unknown hold")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidEntryID          = errors.New("invalid entry id")
	ErrInvalidHoldID           = errors.New("invalid hold id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidEntryType        = errors.New("invalid entry type")
	ErrInvalidEntryStatus      = errors.New("invalid entry status")
	ErrInvalidHoldStatus       = errors.New("invalid hold status")
	ErrInvalidHoldPurpose      = errors.New("invalid hold purpose")
	ErrInvalidMetadata         = errors.New("invalid metadata")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidOveragePolicy    = errors.New("invalid overage policy")
	ErrInvalidKeySegment       = errors.New("invalid idempotency key segment")
)

// InsufficientFundsError reports the exact shortfall of a rejected debit or hold.
type InsufficientFundsError struct {
	Required  Coins
	Available Coins
}

// Error returns the formatted error message.
func (insufficient InsufficientFundsError) Error() string {
	return fmt.Sprintf("%v: required %d, available %d", ErrInsufficientFunds, insufficient.Required, insufficient.Available)
}

// Unwrap exposes ErrInsufficientFunds to errors.Is.
func (insufficient InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// Shortfall returns how many coins are missing.
func (insufficient InsufficientFundsError) Shortfall() Coins {
	if insufficient.Required <= insufficient.Available {
		return 0
	}
	return insufficient.Required - insufficient.Available
}

func newInsufficientFunds(required Coins, available Coins) error {
	return InsufficientFundsError{Required: required, Available: available}
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
