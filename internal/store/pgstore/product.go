package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
)

const (
	sqlInsertEntitlement = `
		insert into entitlements(entitlement_id, user_id, kind, target_id, period, transaction_id, expires_at, created_at)
		values($1, $2, $3, $4, $5, $6, $7, $8)
	`

	sqlSelectEntitlementColumns = `
		select entitlement_id, user_id, kind, target_id, period, transaction_id, expires_at, created_at
		from entitlements
	`

	sqlInsertGoal = `
		insert into goals(goal_id, creator_id, title, target, progress, status, created_at, completed_at)
		values($1, $2, $3, $4, $5, $6, $7, $8)
	`

	sqlSelectGoal = `
		select goal_id, creator_id, title, target, progress, status, created_at, completed_at
		from goals where goal_id = $1
	`

	sqlUpdateGoal = `
		update goals set progress = $2, status = $3, completed_at = $4 where goal_id = $1
	`

	sqlInsertSession = `
		insert into sessions(
			session_id, kind, payer_id, payee_id, rate_per_minute, minimum_minutes, estimated_minutes,
			hold_id, status, billed_minutes, charged, written_off, started_at, ended_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	sqlSelectSession = `
		select session_id, kind, payer_id, payee_id, rate_per_minute, minimum_minutes, estimated_minutes,
			hold_id, status, billed_minutes, charged, written_off, started_at, ended_at
		from sessions where session_id = $1
	`

	sqlUpdateSession = `
		update sessions set status = $2, billed_minutes = $3, charged = $4, written_off = $5, ended_at = $6
		where session_id = $1
	`

	sqlInsertPayout = `
		insert into payouts(payout_id, creator_id, amount, status, hold_id, reason, created_at, updated_at)
		values($1, $2, $3, $4, $5, $6, $7, $8)
	`

	sqlSelectPayoutColumns = `
		select payout_id, creator_id, amount, status, hold_id, reason, created_at, updated_at
		from payouts
	`

	sqlUpdatePayout = `
		update payouts set status = $2, hold_id = $3, reason = $4, updated_at = $5 where payout_id = $1
	`
)

func (store *Store) CreateEntitlement(ctx context.Context, entitlement orchestrator.Entitlement) error {
	_, err := store.db.Exec(ctx, sqlInsertEntitlement,
		entitlement.ID,
		entitlement.UserID.String(),
		string(entitlement.Kind),
		entitlement.TargetID,
		entitlement.Period,
		entitlement.TransactionID.String(),
		utcOrNil(entitlement.ExpiresAt),
		entitlement.CreatedAt.UTC(),
	)
	if isUniqueConflict(err, constraintEntitlementGrant) {
		return wrapStoreError(errorSubjectEntitlement, errorCodeDuplicate, orchestrator.ErrEntitlementExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntitlement, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) FindEntitlement(ctx context.Context, userID ledger.UserID, kind orchestrator.EntitlementKind, targetID string, period string) (orchestrator.Entitlement, error) {
	row := store.db.QueryRow(ctx, sqlSelectEntitlementColumns+" where user_id = $1 and kind = $2 and target_id = $3 and period = $4",
		userID.String(), string(kind), targetID, period)
	entitlement, err := scanEntitlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return orchestrator.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, orchestrator.ErrUnknownEntitlement)
	}
	if err != nil {
		return orchestrator.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, err)
	}
	return entitlement, nil
}

func (store *Store) ListEntitlements(ctx context.Context, userID ledger.UserID) ([]orchestrator.Entitlement, error) {
	rows, err := store.db.Query(ctx, sqlSelectEntitlementColumns+" where user_id = $1 order by created_at desc", userID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
	}
	defer rows.Close()
	var entitlements []orchestrator.Entitlement
	for rows.Next() {
		entitlement, err := scanEntitlement(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntitlement, errorCodeInvalid, err)
		}
		entitlements = append(entitlements, entitlement)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntitlement, errorCodeList, err)
	}
	return entitlements, nil
}

func (store *Store) CreateGoal(ctx context.Context, goal orchestrator.Goal) error {
	_, err := store.db.Exec(ctx, sqlInsertGoal,
		goal.ID,
		goal.CreatorID.String(),
		goal.Title,
		goal.Target.Int64(),
		goal.Progress.Int64(),
		string(goal.Status),
		goal.CreatedAt.UTC(),
		utcOrNil(goal.CompletedAt),
	)
	if isUniqueConflict(err, constraintGoalPrimary) {
		return wrapStoreError(errorSubjectGoal, errorCodeDuplicate, orchestrator.ErrGoalExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGoal, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetGoal(ctx context.Context, goalID string) (orchestrator.Goal, error) {
	return store.queryGoal(ctx, sqlSelectGoal, goalID)
}

func (store *Store) GetGoalForUpdate(ctx context.Context, goalID string) (orchestrator.Goal, error) {
	return store.queryGoal(ctx, sqlSelectGoal+" for update", goalID)
}

func (store *Store) queryGoal(ctx context.Context, sql string, goalID string) (orchestrator.Goal, error) {
	var (
		creatorID string
		target    int64
		progress  int64
		status    string
		goal      orchestrator.Goal
	)
	err := store.db.QueryRow(ctx, sql, goalID).Scan(&goal.ID, &creatorID, &goal.Title, &target, &progress, &status, &goal.CreatedAt, &goal.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orchestrator.Goal{}, wrapStoreError(errorSubjectGoal, errorCodeGet, orchestrator.ErrUnknownGoal)
	}
	if err != nil {
		return orchestrator.Goal{}, wrapStoreError(errorSubjectGoal, errorCodeGet, err)
	}
	if goal.CreatorID, err = ledger.NewUserID(creatorID); err != nil {
		return orchestrator.Goal{}, wrapStoreError(errorSubjectGoal, errorCodeInvalid, err)
	}
	if goal.Target, err = ledger.NewPositiveCoins(target); err != nil {
		return orchestrator.Goal{}, wrapStoreError(errorSubjectGoal, errorCodeInvalid, err)
	}
	if goal.Progress, err = ledger.NewCoins(progress); err != nil {
		return orchestrator.Goal{}, wrapStoreError(errorSubjectGoal, errorCodeInvalid, err)
	}
	goal.Status = orchestrator.GoalStatus(status)
	goal.CreatedAt = goal.CreatedAt.UTC()
	goal.CompletedAt = utcOrNil(goal.CompletedAt)
	return goal, nil
}

func (store *Store) UpdateGoal(ctx context.Context, goal orchestrator.Goal) error {
	tag, err := store.db.Exec(ctx, sqlUpdateGoal, goal.ID, goal.Progress.Int64(), string(goal.Status), utcOrNil(goal.CompletedAt))
	if err != nil {
		return wrapStoreError(errorSubjectGoal, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectGoal, errorCodeUpdate, orchestrator.ErrUnknownGoal)
	}
	return nil
}

func (store *Store) CreateSession(ctx context.Context, session orchestrator.Session) error {
	_, err := store.db.Exec(ctx, sqlInsertSession,
		session.ID,
		string(session.Kind),
		session.PayerID.String(),
		session.PayeeID.String(),
		session.RatePerMinute.Int64(),
		session.MinimumMinutes,
		session.EstimatedMinutes,
		session.HoldID.String(),
		string(session.Status),
		session.BilledMinutes,
		session.Charged.Int64(),
		session.WrittenOff.Int64(),
		session.StartedAt.UTC(),
		utcOrNil(session.EndedAt),
	)
	if isUniqueConflict(err, constraintSessionPrimary) {
		return wrapStoreError(errorSubjectSession, errorCodeDuplicate, orchestrator.ErrSessionExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetSession(ctx context.Context, sessionID string) (orchestrator.Session, error) {
	return store.querySession(ctx, sqlSelectSession, sessionID)
}

func (store *Store) GetSessionForUpdate(ctx context.Context, sessionID string) (orchestrator.Session, error) {
	return store.querySession(ctx, sqlSelectSession+" for update", sessionID)
}

func (store *Store) querySession(ctx context.Context, sql string, sessionID string) (orchestrator.Session, error) {
	var (
		kind       string
		payerID    string
		payeeID    string
		rate       int64
		holdID     string
		status     string
		charged    int64
		writtenOff int64
		session    orchestrator.Session
	)
	err := store.db.QueryRow(ctx, sql, sessionID).Scan(
		&session.ID, &kind, &payerID, &payeeID, &rate, &session.MinimumMinutes, &session.EstimatedMinutes,
		&holdID, &status, &session.BilledMinutes, &charged, &writtenOff, &session.StartedAt, &session.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return orchestrator.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, orchestrator.ErrUnknownSession)
	}
	if err != nil {
		return orchestrator.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	invalid := func(err error) (orchestrator.Session, error) {
		return orchestrator.Session{}, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
	}
	if session.Kind, err = orchestrator.ParseSessionKind(kind); err != nil {
		return invalid(err)
	}
	if session.PayerID, err = ledger.NewUserID(payerID); err != nil {
		return invalid(err)
	}
	if session.PayeeID, err = ledger.NewUserID(payeeID); err != nil {
		return invalid(err)
	}
	if session.RatePerMinute, err = ledger.NewPositiveCoins(rate); err != nil {
		return invalid(err)
	}
	if session.HoldID, err = ledger.NewHoldID(holdID); err != nil {
		return invalid(err)
	}
	if session.Charged, err = ledger.NewCoins(charged); err != nil {
		return invalid(err)
	}
	if session.WrittenOff, err = ledger.NewCoins(writtenOff); err != nil {
		return invalid(err)
	}
	session.Status = orchestrator.SessionStatus(status)
	session.StartedAt = session.StartedAt.UTC()
	session.EndedAt = utcOrNil(session.EndedAt)
	return session, nil
}

func (store *Store) UpdateSession(ctx context.Context, session orchestrator.Session) error {
	tag, err := store.db.Exec(ctx, sqlUpdateSession,
		session.ID,
		string(session.Status),
		session.BilledMinutes,
		session.Charged.Int64(),
		session.WrittenOff.Int64(),
		utcOrNil(session.EndedAt),
	)
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, orchestrator.ErrUnknownSession)
	}
	return nil
}

func (store *Store) CreatePayout(ctx context.Context, payout orchestrator.Payout) error {
	_, err := store.db.Exec(ctx, sqlInsertPayout,
		payout.ID,
		payout.CreatorID.String(),
		payout.Amount.Int64(),
		string(payout.Status),
		optionalString(payout.HoldID.String()),
		payout.Reason,
		payout.CreatedAt.UTC(),
		payout.UpdatedAt.UTC(),
	)
	if isUniqueConflict(err, constraintPayoutPrimary) {
		return wrapStoreError(errorSubjectPayout, errorCodeDuplicate, orchestrator.ErrPayoutExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayout, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPayout(ctx context.Context, payoutID string) (orchestrator.Payout, error) {
	return store.queryPayout(ctx, sqlSelectPayoutColumns+" where payout_id = $1", payoutID)
}

func (store *Store) GetPayoutForUpdate(ctx context.Context, payoutID string) (orchestrator.Payout, error) {
	return store.queryPayout(ctx, sqlSelectPayoutColumns+" where payout_id = $1 for update", payoutID)
}

func (store *Store) queryPayout(ctx context.Context, sql string, payoutID string) (orchestrator.Payout, error) {
	payout, err := scanPayout(store.db.QueryRow(ctx, sql, payoutID))
	if errors.Is(err, pgx.ErrNoRows) {
		return orchestrator.Payout{}, wrapStoreError(errorSubjectPayout, errorCodeGet, orchestrator.ErrUnknownPayout)
	}
	if err != nil {
		return orchestrator.Payout{}, wrapStoreError(errorSubjectPayout, errorCodeGet, err)
	}
	return payout, nil
}

func (store *Store) UpdatePayout(ctx context.Context, payout orchestrator.Payout) error {
	updatedAt := payout.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = store.now().UTC()
	}
	tag, err := store.db.Exec(ctx, sqlUpdatePayout, payout.ID, string(payout.Status), optionalString(payout.HoldID.String()), payout.Reason, updatedAt)
	if err != nil {
		return wrapStoreError(errorSubjectPayout, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPayout, errorCodeUpdate, orchestrator.ErrUnknownPayout)
	}
	return nil
}

func (store *Store) ListPayouts(ctx context.Context, creatorID ledger.UserID, limit int) ([]orchestrator.Payout, error) {
	var limitValue *int
	if limit > 0 {
		limitValue = &limit
	}
	rows, err := store.db.Query(ctx, sqlSelectPayoutColumns+" where creator_id = $1 order by created_at desc, payout_id desc limit $2",
		creatorID.String(), limitValue)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayout, errorCodeList, err)
	}
	defer rows.Close()
	var payouts []orchestrator.Payout
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
		}
		payouts = append(payouts, payout)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPayout, errorCodeList, err)
	}
	return payouts, nil
}

func scanEntitlement(row pgx.Row) (orchestrator.Entitlement, error) {
	var (
		userID        string
		kind          string
		transactionID string
		entitlement   orchestrator.Entitlement
	)
	err := row.Scan(&entitlement.ID, &userID, &kind, &entitlement.TargetID, &entitlement.Period, &transactionID, &entitlement.ExpiresAt, &entitlement.CreatedAt)
	if err != nil {
		return orchestrator.Entitlement{}, err
	}
	if entitlement.UserID, err = ledger.NewUserID(userID); err != nil {
		return orchestrator.Entitlement{}, err
	}
	if entitlement.TransactionID, err = ledger.NewEntryID(transactionID); err != nil {
		return orchestrator.Entitlement{}, err
	}
	entitlement.Kind = orchestrator.EntitlementKind(kind)
	entitlement.ExpiresAt = utcOrNil(entitlement.ExpiresAt)
	entitlement.CreatedAt = entitlement.CreatedAt.UTC()
	return entitlement, nil
}

func scanPayout(row pgx.Row) (orchestrator.Payout, error) {
	var (
		creatorID string
		amount    int64
		status    string
		holdID    *string
		payout    orchestrator.Payout
	)
	err := row.Scan(&payout.ID, &creatorID, &amount, &status, &holdID, &payout.Reason, &payout.CreatedAt, &payout.UpdatedAt)
	if err != nil {
		return orchestrator.Payout{}, err
	}
	if payout.CreatorID, err = ledger.NewUserID(creatorID); err != nil {
		return orchestrator.Payout{}, err
	}
	if payout.Amount, err = ledger.NewPositiveCoins(amount); err != nil {
		return orchestrator.Payout{}, err
	}
	if payout.Status, err = orchestrator.ParsePayoutStatus(status); err != nil {
		return orchestrator.Payout{}, err
	}
	if holdID != nil {
		if payout.HoldID, err = ledger.NewHoldID(*holdID); err != nil {
			return orchestrator.Payout{}, err
		}
	}
	payout.CreatedAt = payout.CreatedAt.UTC()
	payout.UpdatedAt = payout.UpdatedAt.UTC()
	return payout, nil
}
