package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/events"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
)

const defaultMinimumMinutes = 1

// StartSessionRequest opens a metered session. A blank SessionID is generated.
type StartSessionRequest struct {
	SessionID        string
	Kind             SessionKind
	PayerID          ledger.UserID
	PayeeID          ledger.UserID
	RatePerMinute    ledger.PositiveCoins
	EstimatedMinutes int64
	MinimumMinutes   int64
}

// EndSessionRequest closes a session. A blank Overage uses the service default.
type EndSessionRequest struct {
	SessionID string
	Overage   ledger.OveragePolicy
}

// SessionResult is the session after an operation, with the settlement when one happened.
type SessionResult struct {
	Session    Session
	Hold       ledger.Hold
	Settlement *ledger.SettlementResult
	Replayed   bool
}

// StartSession reserves rate × max(estimated, minimum) minutes and records the session.
// Starting the same session id again returns the original session.
func (service *Service) StartSession(ctx context.Context, request StartSessionRequest) (SessionResult, error) {
	kind, err := ParseSessionKind(string(request.Kind))
	if err != nil {
		return SessionResult{}, err
	}
	if err := validateParties(request.PayerID, request.PayeeID); err != nil {
		return SessionResult{}, err
	}
	if request.RatePerMinute <= 0 {
		return SessionResult{}, fmt.Errorf("%w: rate must be positive", ErrInvalidRequest)
	}
	if request.EstimatedMinutes < 0 || request.MinimumMinutes < 0 {
		return SessionResult{}, fmt.Errorf("%w: minutes must not be negative", ErrInvalidRequest)
	}
	minimumMinutes := request.MinimumMinutes
	if minimumMinutes == 0 {
		minimumMinutes = defaultMinimumMinutes
	}
	reserved, err := multiplyCoins(request.RatePerMinute, max(request.EstimatedMinutes, minimumMinutes))
	if err != nil {
		return SessionResult{}, err
	}
	sessionID := strings.TrimSpace(request.SessionID)
	if sessionID == "" {
		sessionID = service.newID()
	}
	holdKey, err := ledger.SessionHoldKey(sessionID)
	if err != nil {
		return SessionResult{}, err
	}
	var result SessionResult
	err = service.inTx(ctx, func(ctx context.Context, repository Repository, unit *ledger.UnitOfWork) error {
		existing, err := repository.GetSessionForUpdate(ctx, sessionID)
		if err == nil {
			if existing.PayerID != request.PayerID || existing.Kind != kind {
				return fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
			}
			hold, err := repository.GetHold(ctx, existing.HoldID)
			if err != nil {
				return err
			}
			result = SessionResult{Session: existing, Hold: hold, Replayed: true}
			return nil
		}
		if !errors.Is(err, ErrUnknownSession) {
			return err
		}
		hold, err := unit.CreateHold(ctx, ledger.HoldRequest{
			UserID:         request.PayerID,
			Amount:         reserved,
			Purpose:        kind.HoldPurpose(),
			RelatedID:      sessionID,
			IdempotencyKey: holdKey,
		})
		if err != nil {
			return err
		}
		session := Session{
			ID:               sessionID,
			Kind:             kind,
			PayerID:          request.PayerID,
			PayeeID:          request.PayeeID,
			RatePerMinute:    request.RatePerMinute,
			MinimumMinutes:   minimumMinutes,
			EstimatedMinutes: request.EstimatedMinutes,
			HoldID:           hold.Hold.ID,
			Status:           SessionStatusActive,
			StartedAt:        service.now(),
		}
		if err := repository.CreateSession(ctx, session); err != nil {
			return err
		}
		result = SessionResult{Session: session, Hold: hold.Hold}
		return nil
	})
	if err != nil {
		return SessionResult{}, err
	}
	if !result.Replayed {
		service.publishSession(ctx, events.NameSessionStarted, result.Session, result.Hold.Amount.Coins())
	}
	return result, nil
}

// EndSession bills max(ceil(elapsed seconds / 60), minimum) minutes at the session rate and
// settles the hold to the payee. Elapsed time is measured by the service clock from StartedAt;
// neither party reports it. Ending an already ended session returns it unchanged.
func (service *Service) EndSession(ctx context.Context, request EndSessionRequest) (SessionResult, error) {
	policy := request.Overage
	if policy == "" {
		policy = service.overage
	}
	var result SessionResult
	err := service.inTx(ctx, func(ctx context.Context, repository Repository, unit *ledger.UnitOfWork) error {
		session, err := repository.GetSessionForUpdate(ctx, strings.TrimSpace(request.SessionID))
		if err != nil {
			return err
		}
		switch session.Status {
		case SessionStatusActive:
		case SessionStatusEnded:
			hold, err := repository.GetHold(ctx, session.HoldID)
			if err != nil {
				return err
			}
			result = SessionResult{Session: session, Hold: hold, Replayed: true}
			return nil
		default:
			return fmt.Errorf("%w: %s", ErrSessionNotActive, session.Status)
		}
		endedAt := service.now()
		elapsed := endedAt.Sub(session.StartedAt)
		billedMinutes := BillableMinutes(elapsed, session.MinimumMinutes)
		actual, err := multiplyCoins(session.RatePerMinute, billedMinutes)
		if err != nil {
			return err
		}
		settlement, err := unit.SettleHold(ctx, session.HoldID, actual.Coins(), ledger.SettlementTerms{
			Payee:     session.PayeeID,
			EntryType: session.Kind.HoldPurpose().ChargeType(),
			Overage:   policy,
			Metadata: ledger.SessionMetadata{
				SessionID:      session.ID,
				CounterpartyID: session.PayeeID.String(),
				RatePerMinute:  session.RatePerMinute.Int64(),
				BilledMinutes:  billedMinutes,
				ElapsedSeconds: int64(max(elapsed, 0) / time.Second),
			},
		})
		if err != nil {
			return err
		}
		session.Status = SessionStatusEnded
		session.BilledMinutes = billedMinutes
		session.Charged = settlement.Charged
		session.WrittenOff = settlement.WrittenOff
		session.EndedAt = &endedAt
		if err := repository.UpdateSession(ctx, session); err != nil {
			return err
		}
		result = SessionResult{Session: session, Hold: settlement.Hold, Settlement: &settlement}
		return nil
	})
	if err != nil {
		return SessionResult{}, err
	}
	if !result.Replayed {
		if result.Session.WrittenOff > 0 {
			service.logger.Warn("session charge written off",
				zap.String("session_id", result.Session.ID),
				zap.Int64("written_off", result.Session.WrittenOff.Int64()),
			)
		}
		service.publishSession(ctx, events.NameSessionEnded, result.Session, result.Session.Charged)
	}
	return result, nil
}

// CancelSession releases the session hold without charging. Cancelling twice is a no-op.
func (service *Service) CancelSession(ctx context.Context, sessionID string) (SessionResult, error) {
	var result SessionResult
	err := service.inTx(ctx, func(ctx context.Context, repository Repository, unit *ledger.UnitOfWork) error {
		session, err := repository.GetSessionForUpdate(ctx, strings.TrimSpace(sessionID))
		if err != nil {
			return err
		}
		switch session.Status {
		case SessionStatusActive:
		case SessionStatusCancelled:
			hold, err := repository.GetHold(ctx, session.HoldID)
			if err != nil {
				return err
			}
			result = SessionResult{Session: session, Hold: hold, Replayed: true}
			return nil
		default:
			return fmt.Errorf("%w: %s", ErrSessionNotActive, session.Status)
		}
		released, err := unit.ReleaseHold(ctx, session.HoldID)
		if err != nil {
			return err
		}
		endedAt := service.now()
		session.Status = SessionStatusCancelled
		session.EndedAt = &endedAt
		if err := repository.UpdateSession(ctx, session); err != nil {
			return err
		}
		result = SessionResult{Session: session, Hold: released.Hold}
		return nil
	})
	if err != nil {
		return SessionResult{}, err
	}
	if !result.Replayed {
		service.publishSession(ctx, events.NameSessionCancelled, result.Session, 0)
	}
	return result, nil
}

// Session returns a session by id.
func (service *Service) Session(ctx context.Context, sessionID string) (Session, error) {
	return service.repository.GetSession(ctx, strings.TrimSpace(sessionID))
}

// ReapAbandonedHolds releases active session holds created more than maxAge ago and marks
// their sessions expired. Payout holds are never reaped. It returns how many holds it released.
func (service *Service) ReapAbandonedHolds(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("%w: max hold age must be positive", ErrInvalidRequest)
	}
	cutoff := service.now().Add(-maxAge)
	holds, err := service.repository.ListActiveHolds(ctx, ledger.SessionHoldPurposes, cutoff, limit)
	if err != nil {
		return 0, err
	}
	released := 0
	var reapErrors []error
	for _, hold := range holds {
		expired, err := service.expireHold(ctx, hold)
		if err != nil {
			service.logger.Error("abandoned hold release failed", zap.String("hold_id", hold.ID.String()), zap.Error(err))
			reapErrors = append(reapErrors, err)
			continue
		}
		if expired != nil {
			released++
			service.publishSession(ctx, events.NameSessionExpired, *expired, 0)
		}
	}
	return released, errors.Join(reapErrors...)
}

func (service *Service) expireHold(ctx context.Context, hold ledger.Hold) (*Session, error) {
	var expired *Session
	err := service.inTx(ctx, func(ctx context.Context, repository Repository, unit *ledger.UnitOfWork) error {
		expired = nil
		session, err := repository.GetSessionForUpdate(ctx, hold.RelatedID)
		if err != nil && !errors.Is(err, ErrUnknownSession) {
			return err
		}
		hasSession := err == nil
		releasedHold, err := unit.ReleaseHold(ctx, hold.ID)
		if err != nil {
			return err
		}
		if releasedHold.Replayed {
			return nil
		}
		if !hasSession || session.Status != SessionStatusActive {
			expired = &Session{ID: hold.RelatedID, Kind: SessionKind(hold.Purpose), PayerID: hold.UserID, HoldID: hold.ID, Status: SessionStatusExpired}
			return nil
		}
		endedAt := service.now()
		session.Status = SessionStatusExpired
		session.EndedAt = &endedAt
		if err := repository.UpdateSession(ctx, session); err != nil {
			return err
		}
		expired = &session
		return nil
	})
	return expired, err
}

// BillableMinutes rounds elapsed time up to whole minutes and applies the minimum.
func BillableMinutes(elapsed time.Duration, minimumMinutes int64) int64 {
	if elapsed < 0 {
		elapsed = 0
	}
	minutes := int64(elapsed / time.Minute)
	if elapsed%time.Minute != 0 {
		minutes++
	}
	return max(minutes, minimumMinutes)
}

func multiplyCoins(rate ledger.PositiveCoins, minutes int64) (ledger.PositiveCoins, error) {
	if minutes <= 0 {
		return 0, fmt.Errorf("%w: billed minutes must be positive", ErrInvalidRequest)
	}
	if minutes > math.MaxInt64/rate.Int64() {
		return 0, fmt.Errorf("%w: session amount overflows", ErrInvalidRequest)
	}
	return ledger.NewPositiveCoins(rate.Int64() * minutes)
}

func (service *Service) publishSession(ctx context.Context, name string, session Session, amount ledger.Coins) {
	userIDs := []string{session.PayerID.String()}
	if !session.PayeeID.IsZero() {
		userIDs = append(userIDs, session.PayeeID.String())
	}
	service.publish(ctx, events.Event{
		Name:       name,
		UserIDs:    userIDs,
		Amount:     amount.Int64(),
		Attributes: map[string]string{"sessionId": session.ID, "kind": string(session.Kind)},
	})
}
