package memstore

import (
	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

type entitlementKey struct {
	userID   ledger.UserID
	kind     orchestrator.EntitlementKind
	targetID string
	period   string
}

type state struct {
	accounts     map[ledger.UserID]ledger.Account
	entries      map[ledger.EntryID]ledger.Entry
	entryOrder   []ledger.EntryID
	entryKeys    map[ledger.IdempotencyKey]ledger.EntryID
	holds        map[ledger.HoldID]ledger.Hold
	holdKeys     map[ledger.IdempotencyKey]ledger.HoldID
	entitlements map[entitlementKey]orchestrator.Entitlement
	goals        map[string]orchestrator.Goal
	sessions     map[string]orchestrator.Session
	payouts      map[string]orchestrator.Payout
	payoutOrder  []string
}

func newState() *state {
	return &state{
		accounts:     make(map[ledger.UserID]ledger.Account),
		entries:      make(map[ledger.EntryID]ledger.Entry),
		entryKeys:    make(map[ledger.IdempotencyKey]ledger.EntryID),
		holds:        make(map[ledger.HoldID]ledger.Hold),
		holdKeys:     make(map[ledger.IdempotencyKey]ledger.HoldID),
		entitlements: make(map[entitlementKey]orchestrator.Entitlement),
		goals:        make(map[string]orchestrator.Goal),
		sessions:     make(map[string]orchestrator.Session),
		payouts:      make(map[string]orchestrator.Payout),
	}
}

// clone copies every table. Rows are values, so the copy shares nothing mutable
// except the time pointers inside closed holds and sessions, which are never written twice.
func (current *state) clone() *state {
	copied := newState()
	for key, value := range current.accounts {
		copied.accounts[key] = value
	}
	for key, value := range current.entries {
		copied.entries[key] = value
	}
	copied.entryOrder = append([]ledger.EntryID(nil), current.entryOrder...)
	for key, value := range current.entryKeys {
		copied.entryKeys[key] = value
	}
	for key, value := range current.holds {
		copied.holds[key] = value
	}
	for key, value := range current.holdKeys {
		copied.holdKeys[key] = value
	}
	for key, value := range current.entitlements {
		copied.entitlements[key] = value
	}
	for key, value := range current.goals {
		copied.goals[key] = value
	}
	for key, value := range current.sessions {
		copied.sessions[key] = value
	}
	for key, value := range current.payouts {
		copied.payouts[key] = value
	}
	copied.payoutOrder = append([]string(nil), current.payoutOrder...)
	return copied
}
