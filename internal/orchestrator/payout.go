package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/internal/events"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
)

const defaultPayoutListLimit = 50

// PayoutRequest asks to redeem earnings. A blank PayoutID is generated.
type PayoutRequest struct {
	PayoutID  string
	CreatorID ledger.UserID
	Amount    ledger.PositiveCoins
}

// PayoutResult is the payout after RequestPayout.
type PayoutResult struct {
	Payout   Payout
	Hold     ledger.Hold
	Replayed bool
}

// TransitionRequest moves a payout to a new status.
type TransitionRequest struct {
	PayoutID string
	Status   PayoutStatus
	Reason   string
}

// PayoutTransition reports the payout after a status change and the money movement it caused.
type PayoutTransition struct {
	Payout     Payout
	Previous   PayoutStatus
	Settlement *ledger.SettlementResult
	Debit      *ledger.AdjustmentResult
	Refund     *ledger.AdjustmentResult
	Released   *ledger.HoldResult
}

// RequestPayout reserves the amount with a payout hold and stores a pending payout.
// Requesting the same payout id again returns the original payout.
func (service *Service) RequestPayout(ctx context.Context, request PayoutRequest) (PayoutResult, error) {
	if request.CreatorID.IsZero() {
		return PayoutResult{}, ledger.ErrInvalidUserID
	}
	if request.Amount <= 0 {
		return PayoutResult{}, fmt.Errorf("%w: payout amount must be positive", ErrInvalidRequest)
	}
	payoutID := strings.TrimSpace(request.PayoutID)
	if payoutID == "" {
		payoutID = service.newID()
	}
	holdKey, err := ledger.PayoutHoldKey(payoutID)
	if err != nil {
		return PayoutResult{}, err
	}
	var result PayoutResult
	err = service.inTx(ctx, func(ctx context.Context, repository Repository, unit *ledger.UnitOfWork) error {
		existing, err := repository.GetPayoutForUpdate(ctx, payoutID)
		if err == nil {
			if existing.CreatorID != request.CreatorID || existing.Amount != request.Amount {
				return fmt.Errorf("%w: %s", ErrPayoutExists, payoutID)
			}
			result = PayoutResult{Payout: existing, Replayed: true}
			if !existing.HoldID.IsZero() {
				hold, err := repository.GetHold(ctx, existing.HoldID)
				if err != nil {
					return err
				}
				result.Hold = hold
			}
			return nil
		}
		if !errors.Is(err, ErrUnknownPayout) {
			return err
		}
		hold, err := unit.CreateHold(ctx, ledger.HoldRequest{
			UserID:         request.CreatorID,
			Amount:         request.Amount,
			Purpose:        ledger.HoldPurposePayout,
			RelatedID:      payoutID,
			IdempotencyKey: holdKey,
		})
		if err != nil {
			return err
		}
		now := service.now()
		payout := Payout{
			ID:        payoutID,
			CreatorID: request.CreatorID,
			Amount:    request.Amount,
			Status:    PayoutStatusPending,
			HoldID:    hold.Hold.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := repository.CreatePayout(ctx, payout); err != nil {
			return err
		}
		result = PayoutResult{Payout: payout, Hold: hold.Hold}
		return nil
	})
	if err != nil {
		return PayoutResult{}, err
	}
	if !result.Replayed {
		service.publish(ctx, events.Event{
			Name:       events.NamePayoutRequested,
			UserIDs:    []string{result.Payout.CreatorID.String()},
			Amount:     result.Payout.Amount.Int64(),
			Attributes: map[string]string{"payoutId": result.Payout.ID},
		})
	}
	return result, nil
}

// TransitionPayout moves a payout along pending → processing → completed|failed|cancelled.
//
// Completion settles the payout hold (or debits directly when the payout has none) under
// payout_complete_{id}. Failing or cancelling a completed payout credits payout_refund_{id};
// failing or cancelling before completion releases the hold. Re-entering the current status
// or leaving failed or cancelled is ErrInvalidStatusTransition.
func (service *Service) TransitionPayout(ctx context.Context, request TransitionRequest) (PayoutTransition, error) {
	target, err := ParsePayoutStatus(string(request.Status))
	if err != nil {
		return PayoutTransition{}, err
	}
	payoutID := strings.TrimSpace(request.PayoutID)
	var result PayoutTransition
	err = service.inTx(ctx, func(ctx context.Context, repository Repository, unit *ledger.UnitOfWork) error {
		payout, err := repository.GetPayoutForUpdate(ctx, payoutID)
		if err != nil {
			return err
		}
		if !CanTransition(payout.Status, target) {
			return fmt.Errorf("%w: payout %s cannot move from %s to %s", ledger.ErrInvalidStatusTransition, payout.ID, payout.Status, target)
		}
		result = PayoutTransition{Previous: payout.Status}
		metadata := ledger.PayoutMetadata{PayoutID: payout.ID, Status: string(target), Reason: request.Reason}
		switch {
		case target == PayoutStatusCompleted:
			completeKey, err := ledger.PayoutCompleteKey(payout.ID)
			if err != nil {
				return err
			}
			if payout.HoldID.IsZero() {
				debit, err := unit.ApplyDebit(ctx, ledger.AdjustmentRequest{
					UserID:         payout.CreatorID,
					Amount:         payout.Amount,
					Type:           ledger.EntryPayout,
					IdempotencyKey: completeKey,
					Metadata:       metadata,
				})
				if err != nil {
					return err
				}
				result.Debit = &debit
			} else {
				settlement, err := unit.SettleHold(ctx, payout.HoldID, payout.Amount.Coins(), ledger.SettlementTerms{
					EntryType:      ledger.EntryPayout,
					Overage:        ledger.OverageForbidden,
					Metadata:       metadata,
					IdempotencyKey: completeKey,
				})
				if err != nil {
					return err
				}
				result.Settlement = &settlement
			}
		case payout.Status == PayoutStatusCompleted:
			refundKey, err := ledger.PayoutRefundKey(payout.ID)
			if err != nil {
				return err
			}
			refund, err := unit.ApplyCredit(ctx, ledger.AdjustmentRequest{
				UserID:         payout.CreatorID,
				Amount:         payout.Amount,
				Type:           ledger.EntryPayoutRefund,
				IdempotencyKey: refundKey,
				Metadata:       metadata,
			})
			if err != nil {
				return err
			}
			result.Refund = &refund
		case target == PayoutStatusFailed || target == PayoutStatusCancelled:
			if !payout.HoldID.IsZero() {
				released, err := unit.ReleaseHold(ctx, payout.HoldID)
				if err != nil {
					return err
				}
				result.Released = &released
			}
		}
		payout.Status = target
		payout.Reason = strings.TrimSpace(request.Reason)
		payout.UpdatedAt = service.now()
		if err := repository.UpdatePayout(ctx, payout); err != nil {
			return err
		}
		result.Payout = payout
		return nil
	})
	if err != nil {
		return PayoutTransition{}, err
	}
	service.logger.Info("payout status changed",
		zap.String("payout_id", result.Payout.ID),
		zap.String("from", string(result.Previous)),
		zap.String("to", string(result.Payout.Status)),
	)
	service.publish(ctx, events.Event{
		Name:       events.NamePayoutStatusChanged,
		UserIDs:    []string{result.Payout.CreatorID.String()},
		Amount:     result.Payout.Amount.Int64(),
		Attributes: map[string]string{"payoutId": result.Payout.ID, "from": string(result.Previous), "to": string(result.Payout.Status)},
	})
	return result, nil
}

// Payout returns a payout by id.
func (service *Service) Payout(ctx context.Context, payoutID string) (Payout, error) {
	return service.repository.GetPayout(ctx, strings.TrimSpace(payoutID))
}

// Payouts lists a creator's payouts, newest first.
func (service *Service) Payouts(ctx context.Context, creatorID ledger.UserID, limit int) ([]Payout, error) {
	if creatorID.IsZero() {
		return nil, ledger.ErrInvalidUserID
	}
	if limit <= 0 {
		limit = defaultPayoutListLimit
	}
	return service.repository.ListPayouts(ctx, creatorID, limit)
}
