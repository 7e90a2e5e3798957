package memstore

import (
	"context"
	"sort"

	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

func (store *Store) CreateEntitlement(_ context.Context, entitlement orchestrator.Entitlement) error {
	key := entitlementKey{userID: entitlement.UserID, kind: entitlement.Kind, targetID: entitlement.TargetID, period: entitlement.Period}
	return store.read(func(current *state) error {
		if _, exists := current.entitlements[key]; exists {
			return wrapStoreError(errorSubjectEntitlement, errorCodeDuplicate, orchestrator.ErrEntitlementExists)
		}
		current.entitlements[key] = entitlement
		return nil
	})
}

func (store *Store) FindEntitlement(_ context.Context, userID ledger.UserID, kind orchestrator.EntitlementKind, targetID string, period string) (orchestrator.Entitlement, error) {
	key := entitlementKey{userID: userID, kind: kind, targetID: targetID, period: period}
	var entitlement orchestrator.Entitlement
	err := store.read(func(current *state) error {
		found, ok := current.entitlements[key]
		if !ok {
			return wrapStoreError(errorSubjectEntitlement, errorCodeGet, orchestrator.ErrUnknownEntitlement)
		}
		entitlement = found
		return nil
	})
	return entitlement, err
}

func (store *Store) ListEntitlements(_ context.Context, userID ledger.UserID) ([]orchestrator.Entitlement, error) {
	var entitlements []orchestrator.Entitlement
	err := store.read(func(current *state) error {
		for key, entitlement := range current.entitlements {
			if key.userID == userID {
				entitlements = append(entitlements, entitlement)
			}
		}
		return nil
	})
	sort.Slice(entitlements, func(left, right int) bool {
		return entitlements[left].CreatedAt.After(entitlements[right].CreatedAt)
	})
	return entitlements, err
}

func (store *Store) CreateGoal(_ context.Context, goal orchestrator.Goal) error {
	return store.read(func(current *state) error {
		if _, exists := current.goals[goal.ID]; exists {
			return wrapStoreError(errorSubjectGoal, errorCodeDuplicate, orchestrator.ErrGoalExists)
		}
		current.goals[goal.ID] = goal
		return nil
	})
}

func (store *Store) GetGoal(_ context.Context, goalID string) (orchestrator.Goal, error) {
	var goal orchestrator.Goal
	err := store.read(func(current *state) error {
		found, ok := current.goals[goalID]
		if !ok {
			return wrapStoreError(errorSubjectGoal, errorCodeGet, orchestrator.ErrUnknownGoal)
		}
		goal = found
		return nil
	})
	return goal, err
}

func (store *Store) GetGoalForUpdate(ctx context.Context, goalID string) (orchestrator.Goal, error) {
	return store.GetGoal(ctx, goalID)
}

func (store *Store) UpdateGoal(_ context.Context, goal orchestrator.Goal) error {
	return store.read(func(current *state) error {
		if _, ok := current.goals[goal.ID]; !ok {
			return wrapStoreError(errorSubjectGoal, errorCodeUpdate, orchestrator.ErrUnknownGoal)
		}
		current.goals[goal.ID] = goal
		return nil
	})
}

func (store *Store) CreateSession(_ context.Context, session orchestrator.Session) error {
	return store.read(func(current *state) error {
		if _, exists := current.sessions[session.ID]; exists {
			return wrapStoreError(errorSubjectSession, errorCodeDuplicate, orchestrator.ErrSessionExists)
		}
		current.sessions[session.ID] = session
		return nil
	})
}

func (store *Store) GetSession(_ context.Context, sessionID string) (orchestrator.Session, error) {
	var session orchestrator.Session
	err := store.read(func(current *state) error {
		found, ok := current.sessions[sessionID]
		if !ok {
			return wrapStoreError(errorSubjectSession, errorCodeGet, orchestrator.ErrUnknownSession)
		}
		session = found
		return nil
	})
	return session, err
}

func (store *Store) GetSessionForUpdate(ctx context.Context, sessionID string) (orchestrator.Session, error) {
	return store.GetSession(ctx, sessionID)
}

func (store *Store) UpdateSession(_ context.Context, session orchestrator.Session) error {
	return store.read(func(current *state) error {
		if _, ok := current.sessions[session.ID]; !ok {
			return wrapStoreError(errorSubjectSession, errorCodeUpdate, orchestrator.ErrUnknownSession)
		}
		current.sessions[session.ID] = session
		return nil
	})
}

func (store *Store) CreatePayout(_ context.Context, payout orchestrator.Payout) error {
	return store.read(func(current *state) error {
		if _, exists := current.payouts[payout.ID]; exists {
			return wrapStoreError(errorSubjectPayout, errorCodeDuplicate, orchestrator.ErrPayoutExists)
		}
		current.payouts[payout.ID] = payout
		current.payoutOrder = append(current.payoutOrder, payout.ID)
		return nil
	})
}

func (store *Store) GetPayout(_ context.Context, payoutID string) (orchestrator.Payout, error) {
	var payout orchestrator.Payout
	err := store.read(func(current *state) error {
		found, ok := current.payouts[payoutID]
		if !ok {
			return wrapStoreError(errorSubjectPayout, errorCodeGet, orchestrator.ErrUnknownPayout)
		}
		payout = found
		return nil
	})
	return payout, err
}

func (store *Store) GetPayoutForUpdate(ctx context.Context, payoutID string) (orchestrator.Payout, error) {
	return store.GetPayout(ctx, payoutID)
}

func (store *Store) UpdatePayout(_ context.Context, payout orchestrator.Payout) error {
	return store.read(func(current *state) error {
		if _, ok := current.payouts[payout.ID]; !ok {
			return wrapStoreError(errorSubjectPayout, errorCodeUpdate, orchestrator.ErrUnknownPayout)
		}
		current.payouts[payout.ID] = payout
		return nil
	})
}

func (store *Store) ListPayouts(_ context.Context, creatorID ledger.UserID, limit int) ([]orchestrator.Payout, error) {
	var payouts []orchestrator.Payout
	err := store.read(func(current *state) error {
		for index := len(current.payoutOrder) - 1; index >= 0; index-- {
			payout := current.payouts[current.payoutOrder[index]]
			if payout.CreatorID != creatorID {
				continue
			}
			payouts = append(payouts, payout)
			if limit > 0 && len(payouts) == limit {
				break
			}
		}
		return nil
	})
	return payouts, err
}
