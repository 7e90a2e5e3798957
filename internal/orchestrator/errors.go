package orchestrator

import "errors"

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidConfig      = errors.New("invalid orchestrator config")
	ErrUnknownGoal        = errors.New("unknown goal")
	ErrUnknownSession     = errors.New("unknown session")
	ErrUnknownPayout      = errors.New("unknown payout")
	ErrUnknownEntitlement = errors.New("unknown entitlement")
	ErrEntitlementExists  = errors.New("entitlement already exists")
	ErrSessionExists      = errors.New("session already exists")
	ErrPayoutExists       = errors.New("payout already exists")
	ErrGoalExists         = errors.New("goal already exists")
	ErrAlreadyEntitled    = errors.New("already entitled")
	ErrGoalNotActive      = errors.New("goal not active")
	ErrSessionNotActive   = errors.New("session not active")
)
