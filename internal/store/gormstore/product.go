package gormstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (store *Store) CreateEntitlement(ctx context.Context, entitlement orchestrator.Entitlement) error {
	model := Entitlement{
		EntitlementID: entitlement.ID,
		UserID:        entitlement.UserID.String(),
		Kind:          string(entitlement.Kind),
		TargetID:      entitlement.TargetID,
		Period:        entitlement.Period,
		TransactionID: entitlement.TransactionID.String(),
		ExpiresAt:     utcOrNil(entitlement.ExpiresAt),
		CreatedAt:     entitlement.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err, constraintEntitlementGrant) {
		return wrapStoreError(errorSubjectEntitlement, errorCodeDuplicate, orchestrator.ErrEntitlementExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntitlement, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) FindEntitlement(ctx context.Context, userID ledger.UserID, kind orchestrator.EntitlementKind, targetID string, period string) (orchestrator.Entitlement, error) {
	var model Entitlement
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND kind = ? AND target_id = ? AND period = ?", userID.String(), string(kind), targetID, period).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return orchestrator.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, orchestrator.ErrUnknownEntitlement)
	}
	if err != nil {
		return orchestrator.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, err)
	}
	entitlement, err := mapEntitlement(model)
	if err != nil {
		return orchestrator.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
	}
	return entitlement, nil
}

func (store *Store) ListEntitlements(ctx context.Context, userID ledger.UserID) ([]orchestrator.Entitlement, error) {
	var rows []Entitlement
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
	}
	entitlements := make([]orchestrator.Entitlement, 0, len(rows))
	for _, row := range rows {
		entitlement, err := mapEntitlement(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
		}
		entitlements = append(entitlements, entitlement)
	}
	return entitlements, nil
}

func (store *Store) CreateGoal(ctx context.Context, goal orchestrator.Goal) error {
	model := goalModel(goal)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err, constraintGoalPrimary) {
		return wrapStoreError(errorSubjectGoal, errorCodeDuplicate, orchestrator.ErrGoalExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGoal, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetGoal(ctx context.Context, goalID string) (orchestrator.Goal, error) {
	return store.takeGoal(store.db.WithContext(ctx), goalID)
}

func (store *Store) GetGoalForUpdate(ctx context.Context, goalID string) (orchestrator.Goal, error) {
	return store.takeGoal(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), goalID)
}

func (store *Store) takeGoal(db *gorm.DB, goalID string) (orchestrator.Goal, error) {
	var model Goal
	err := db.Where("goal_id = ?", goalID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return orchestrator.Goal{}, wrapStoreError(errorSubjectGoal, errorCodeGet, orchestrator.ErrUnknownGoal)
	}
	if err != nil {
		return orchestrator.Goal{}, wrapStoreError(errorSubjectGoal, errorCodeGet, err)
	}
	goal, err := mapGoal(model)
	if err != nil {
		return orchestrator.Goal{}, wrapStoreError(errorSubjectGoal, errorCodeInvalid, err)
	}
	return goal, nil
}

func (store *Store) UpdateGoal(ctx context.Context, goal orchestrator.Goal) error {
	result := store.db.WithContext(ctx).
		Model(&Goal{}).
		Where("goal_id = ?", goal.ID).
		UpdateColumns(map[string]any{
			"progress":     goal.Progress.Int64(),
			"status":       string(goal.Status),
			"completed_at": utcOrNil(goal.CompletedAt),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectGoal, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGoal, errorCodeUpdate, orchestrator.ErrUnknownGoal)
	}
	return nil
}

func (store *Store) CreateSession(ctx context.Context, session orchestrator.Session) error {
	model := sessionModel(session)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err, constraintSessionPrimary) {
		return wrapStoreError(errorSubjectSession, errorCodeDuplicate, orchestrator.ErrSessionExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetSession(ctx context.Context, sessionID string) (orchestrator.Session, error) {
	return store.takeSession(store.db.WithContext(ctx), sessionID)
}

func (store *Store) GetSessionForUpdate(ctx context.Context, sessionID string) (orchestrator.Session, error) {
	return store.takeSession(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), sessionID)
}

func (store *Store) takeSession(db *gorm.DB, sessionID string) (orchestrator.Session, error) {
	var model Session
	err := db.Where("session_id = ?", sessionID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return orchestrator.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, orchestrator.ErrUnknownSession)
	}
	if err != nil {
		return orchestrator.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	session, err := mapSession(model)
	if err != nil {
		return orchestrator.Session{}, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
	}
	return session, nil
}

func (store *Store) UpdateSession(ctx context.Context, session orchestrator.Session) error {
	result := store.db.WithContext(ctx).
		Model(&Session{}).
		Where("session_id = ?", session.ID).
		UpdateColumns(map[string]any{
			"status":         string(session.Status),
			"billed_minutes": session.BilledMinutes,
			"charged":        session.Charged.Int64(),
			"written_off":    session.WrittenOff.Int64(),
			"ended_at":       utcOrNil(session.EndedAt),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, orchestrator.ErrUnknownSession)
	}
	return nil
}

func (store *Store) CreatePayout(ctx context.Context, payout orchestrator.Payout) error {
	model := payoutModel(payout)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err, constraintPayoutPrimary) {
		return wrapStoreError(errorSubjectPayout, errorCodeDuplicate, orchestrator.ErrPayoutExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayout, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPayout(ctx context.Context, payoutID string) (orchestrator.Payout, error) {
	return store.takePayout(store.db.WithContext(ctx), payoutID)
}

func (store *Store) GetPayoutForUpdate(ctx context.Context, payoutID string) (orchestrator.Payout, error) {
	return store.takePayout(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), payoutID)
}

func (store *Store) takePayout(db *gorm.DB, payoutID string) (orchestrator.Payout, error) {
	var model Payout
	err := db.Where("payout_id = ?", payoutID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return orchestrator.Payout{}, wrapStoreError(errorSubjectPayout, errorCodeGet, orchestrator.ErrUnknownPayout)
	}
	if err != nil {
		return orchestrator.Payout{}, wrapStoreError(errorSubjectPayout, errorCodeGet, err)
	}
	payout, err := mapPayout(model)
	if err != nil {
		return orchestrator.Payout{}, wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
	}
	return payout, nil
}

func (store *Store) UpdatePayout(ctx context.Context, payout orchestrator.Payout) error {
	updatedAt := payout.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = store.now().UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&Payout{}).
		Where("payout_id = ?", payout.ID).
		UpdateColumns(map[string]any{
			"status":     string(payout.Status),
			"hold_id":    optionalString(payout.HoldID.String()),
			"reason":     payout.Reason,
			"updated_at": updatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayout, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPayout, errorCodeUpdate, orchestrator.ErrUnknownPayout)
	}
	return nil
}

func (store *Store) ListPayouts(ctx context.Context, creatorID ledger.UserID, limit int) ([]orchestrator.Payout, error) {
	query := store.db.WithContext(ctx).
		Where("creator_id = ?", creatorID.String()).
		Order("created_at DESC").
		Order("payout_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Payout
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectPayout, errorCodeList, err)
	}
	payouts := make([]orchestrator.Payout, 0, len(rows))
	for _, row := range rows {
		payout, err := mapPayout(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
		}
		payouts = append(payouts, payout)
	}
	return payouts, nil
}

func goalModel(goal orchestrator.Goal) Goal {
	return Goal{
		GoalID:      goal.ID,
		CreatorID:   goal.CreatorID.String(),
		Title:       goal.Title,
		Target:      goal.Target.Int64(),
		Progress:    goal.Progress.Int64(),
		Status:      string(goal.Status),
		CreatedAt:   goal.CreatedAt.UTC(),
		CompletedAt: utcOrNil(goal.CompletedAt),
	}
}

func sessionModel(session orchestrator.Session) Session {
	return Session{
		SessionID:        session.ID,
		Kind:             string(session.Kind),
		PayerID:          session.PayerID.String(),
		PayeeID:          session.PayeeID.String(),
		RatePerMinute:    session.RatePerMinute.Int64(),
		MinimumMinutes:   session.MinimumMinutes,
		EstimatedMinutes: session.EstimatedMinutes,
		HoldID:           session.HoldID.String(),
		Status:           string(session.Status),
		BilledMinutes:    session.BilledMinutes,
		Charged:          session.Charged.Int64(),
		WrittenOff:       session.WrittenOff.Int64(),
		StartedAt:        session.StartedAt.UTC(),
		EndedAt:          utcOrNil(session.EndedAt),
	}
}

func payoutModel(payout orchestrator.Payout) Payout {
	return Payout{
		PayoutID:  payout.ID,
		CreatorID: payout.CreatorID.String(),
		Amount:    payout.Amount.Int64(),
		Status:    string(payout.Status),
		HoldID:    optionalString(payout.HoldID.String()),
		Reason:    payout.Reason,
		CreatedAt: payout.CreatedAt.UTC(),
		UpdatedAt: payout.UpdatedAt.UTC(),
	}
}

func mapEntitlement(row Entitlement) (orchestrator.Entitlement, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return orchestrator.Entitlement{}, err
	}
	transactionID, err := ledger.NewEntryID(row.TransactionID)
	if err != nil {
		return orchestrator.Entitlement{}, err
	}
	return orchestrator.Entitlement{
		ID:            row.EntitlementID,
		UserID:        userID,
		Kind:          orchestrator.EntitlementKind(row.Kind),
		TargetID:      row.TargetID,
		Period:        row.Period,
		TransactionID: transactionID,
		ExpiresAt:     utcOrNil(row.ExpiresAt),
		CreatedAt:     row.CreatedAt.UTC(),
	}, nil
}

func mapGoal(row Goal) (orchestrator.Goal, error) {
	creatorID, err := ledger.NewUserID(row.CreatorID)
	if err != nil {
		return orchestrator.Goal{}, err
	}
	target, err := ledger.NewPositiveCoins(row.Target)
	if err != nil {
		return orchestrator.Goal{}, err
	}
	progress, err := ledger.NewCoins(row.Progress)
	if err != nil {
		return orchestrator.Goal{}, err
	}
	return orchestrator.Goal{
		ID:          row.GoalID,
		CreatorID:   creatorID,
		Title:       row.Title,
		Target:      target,
		Progress:    progress,
		Status:      orchestrator.GoalStatus(row.Status),
		CreatedAt:   row.CreatedAt.UTC(),
		CompletedAt: utcOrNil(row.CompletedAt),
	}, nil
}

func mapSession(row Session) (orchestrator.Session, error) {
	kind, err := orchestrator.ParseSessionKind(row.Kind)
	if err != nil {
		return orchestrator.Session{}, err
	}
	payerID, err := ledger.NewUserID(row.PayerID)
	if err != nil {
		return orchestrator.Session{}, err
	}
	payeeID, err := ledger.NewUserID(row.PayeeID)
	if err != nil {
		return orchestrator.Session{}, err
	}
	rate, err := ledger.NewPositiveCoins(row.RatePerMinute)
	if err != nil {
		return orchestrator.Session{}, err
	}
	holdID, err := ledger.NewHoldID(row.HoldID)
	if err != nil {
		return orchestrator.Session{}, err
	}
	charged, err := ledger.NewCoins(row.Charged)
	if err != nil {
		return orchestrator.Session{}, err
	}
	writtenOff, err := ledger.NewCoins(row.WrittenOff)
	if err != nil {
		return orchestrator.Session{}, err
	}
	return orchestrator.Session{
		ID:               row.SessionID,
		Kind:             kind,
		PayerID:          payerID,
		PayeeID:          payeeID,
		RatePerMinute:    rate,
		MinimumMinutes:   row.MinimumMinutes,
		EstimatedMinutes: row.EstimatedMinutes,
		HoldID:           holdID,
		Status:           orchestrator.SessionStatus(row.Status),
		BilledMinutes:    row.BilledMinutes,
		Charged:          charged,
		WrittenOff:       writtenOff,
		StartedAt:        row.StartedAt.UTC(),
		EndedAt:          utcOrNil(row.EndedAt),
	}, nil
}

func mapPayout(row Payout) (orchestrator.Payout, error) {
	creatorID, err := ledger.NewUserID(row.CreatorID)
	if err != nil {
		return orchestrator.Payout{}, err
	}
	amount, err := ledger.NewPositiveCoins(row.Amount)
	if err != nil {
		return orchestrator.Payout{}, err
	}
	status, err := orchestrator.ParsePayoutStatus(row.Status)
	if err != nil {
		return orchestrator.Payout{}, err
	}
	payout := orchestrator.Payout{
		ID:        row.PayoutID,
		CreatorID: creatorID,
		Amount:    amount,
		Status:    status,
		Reason:    row.Reason,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	if row.HoldID != nil {
		if payout.HoldID, err = ledger.NewHoldID(*row.HoldID); err != nil {
			return orchestrator.Payout{}, err
		}
	}
	return payout, nil
}
