package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/events"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
)

// TipRequest sends coins to a creator. RequestID is the client's natural key for the tip.
type TipRequest struct {
	FromUserID ledger.UserID
	ToUserID   ledger.UserID
	Amount     ledger.PositiveCoins
	RequestID  string
	Note       string
}

// GiftRequest sends a virtual gift priced in coins.
type GiftRequest struct {
	FromUserID ledger.UserID
	ToUserID   ledger.UserID
	Amount     ledger.PositiveCoins
	GiftID     string
	RequestID  string
}

// TicketRequest buys access to a ticketed stream.
type TicketRequest struct {
	UserID    ledger.UserID
	CreatorID ledger.UserID
	StreamID  string
	Price     ledger.PositiveCoins
}

// UnlockRequest buys a single content item.
type UnlockRequest struct {
	UserID    ledger.UserID
	CreatorID ledger.UserID
	ContentID string
	Price     ledger.PositiveCoins
}

// SubscriptionRequest pays one subscription period.
type SubscriptionRequest struct {
	UserID    ledger.UserID
	CreatorID ledger.UserID
	Period    string
	Price     ledger.PositiveCoins
	ExpiresAt time.Time
}

// PurchaseResult pairs the transfer with the entitlement it bought.
type PurchaseResult struct {
	Transfer    ledger.TransferResult
	Entitlement Entitlement
}

// CreateGoalRequest opens a creator goal.
type CreateGoalRequest struct {
	CreatorID ledger.UserID
	Title     string
	Target    ledger.PositiveCoins
}

// GoalTipRequest tips toward a goal.
type GoalTipRequest struct {
	UserID    ledger.UserID
	GoalID    string
	Amount    ledger.PositiveCoins
	RequestID string
}

// GoalTipResult is the transfer and the goal after progress was applied.
type GoalTipResult struct {
	Transfer ledger.TransferResult
	Goal     Goal
}

// GrantRequest credits coins that entered the platform from outside the ledger.
type GrantRequest struct {
	UserID    ledger.UserID
	Amount    ledger.PositiveCoins
	Type      ledger.EntryType
	Reference string
	Actor     string
	Reason    string
}

// Tip transfers coins from a fan to a creator.
func (service *Service) Tip(ctx context.Context, request TipRequest) (ledger.TransferResult, error) {
	if err := validateParties(request.FromUserID, request.ToUserID); err != nil {
		return ledger.TransferResult{}, err
	}
	key, err := ledger.TipKey(request.FromUserID, request.ToUserID, request.RequestID)
	if err != nil {
		return ledger.TransferResult{}, err
	}
	return service.directTransfer(ctx, ledger.TransferRequest{
		From:           request.FromUserID,
		To:             request.ToUserID,
		Amount:         request.Amount,
		Type:           ledger.EntryTip,
		IdempotencyKey: key,
		Metadata:       ledger.TransferMetadata{CounterpartyID: request.ToUserID.String(), Note: request.Note},
	})
}

// SendGift transfers the price of a gift from a fan to a creator.
func (service *Service) SendGift(ctx context.Context, request GiftRequest) (ledger.TransferResult, error) {
	if err := validateParties(request.FromUserID, request.ToUserID); err != nil {
		return ledger.TransferResult{}, err
	}
	if strings.TrimSpace(request.GiftID) == "" {
		return ledger.TransferResult{}, fmt.Errorf("%w: gift id is required", ErrInvalidRequest)
	}
	key, err := ledger.GiftKey(request.FromUserID, request.ToUserID, request.RequestID)
	if err != nil {
		return ledger.TransferResult{}, err
	}
	return service.directTransfer(ctx, ledger.TransferRequest{
		From:           request.FromUserID,
		To:             request.ToUserID,
		Amount:         request.Amount,
		Type:           ledger.EntryGift,
		IdempotencyKey: key,
		Metadata:       ledger.TransferMetadata{CounterpartyID: request.ToUserID.String(), TargetID: request.GiftID},
	})
}

func (service *Service) directTransfer(ctx context.Context, request ledger.TransferRequest) (ledger.TransferResult, error) {
	var result ledger.TransferResult
	err := service.inTx(ctx, func(ctx context.Context, _ Repository, unit *ledger.UnitOfWork) error {
		var err error
		result, err = unit.ApplyTransfer(ctx, request)
		return err
	})
	if err != nil {
		return ledger.TransferResult{}, err
	}
	if !result.Replayed {
		service.publishTransfer(ctx, result)
	}
	return result, nil
}

// PurchaseTicket buys a stream ticket once per user and stream.
func (service *Service) PurchaseTicket(ctx context.Context, request TicketRequest) (PurchaseResult, error) {
	if err := validateParties(request.UserID, request.CreatorID); err != nil {
		return PurchaseResult{}, err
	}
	key, err := ledger.StreamTicketKey(request.UserID, request.StreamID)
	if err != nil {
		return PurchaseResult{}, err
	}
	return service.purchase(ctx, EntitlementTicket, request.StreamID, "", nil, ledger.TransferRequest{
		From:           request.UserID,
		To:             request.CreatorID,
		Amount:         request.Price,
		Type:           ledger.EntryTicket,
		IdempotencyKey: key,
		Metadata:       ledger.TransferMetadata{CounterpartyID: request.CreatorID.String(), TargetID: request.StreamID},
	})
}

// UnlockContent buys a content item once per user.
func (service *Service) UnlockContent(ctx context.Context, request UnlockRequest) (PurchaseResult, error) {
	if err := validateParties(request.UserID, request.CreatorID); err != nil {
		return PurchaseResult{}, err
	}
	key, err := ledger.ContentUnlockKey(request.UserID, request.ContentID)
	if err != nil {
		return PurchaseResult{}, err
	}
	return service.purchase(ctx, EntitlementContent, request.ContentID, "", nil, ledger.TransferRequest{
		From:           request.UserID,
		To:             request.CreatorID,
		Amount:         request.Price,
		Type:           ledger.EntryContentUnlock,
		IdempotencyKey: key,
		Metadata:       ledger.TransferMetadata{CounterpartyID: request.CreatorID.String(), TargetID: request.ContentID},
	})
}

// Subscribe pays one subscription period; the entitlement expires at ExpiresAt.
func (service *Service) Subscribe(ctx context.Context, request SubscriptionRequest) (PurchaseResult, error) {
	if err := validateParties(request.UserID, request.CreatorID); err != nil {
		return PurchaseResult{}, err
	}
	if request.ExpiresAt.IsZero() || !request.ExpiresAt.After(service.now()) {
		return PurchaseResult{}, fmt.Errorf("%w: subscription must expire in the future", ErrInvalidRequest)
	}
	key, err := ledger.SubscriptionKey(request.UserID, request.CreatorID, request.Period)
	if err != nil {
		return PurchaseResult{}, err
	}
	expiresAt := request.ExpiresAt.UTC()
	return service.purchase(ctx, EntitlementSubscription, request.CreatorID.String(), strings.TrimSpace(request.Period), &expiresAt, ledger.TransferRequest{
		From:           request.UserID,
		To:             request.CreatorID,
		Amount:         request.Price,
		Type:           ledger.EntrySubscription,
		IdempotencyKey: key,
		Metadata:       ledger.TransferMetadata{CounterpartyID: request.CreatorID.String(), Period: request.Period},
	})
}

func (service *Service) purchase(ctx context.Context, kind EntitlementKind, targetID string, period string, expiresAt *time.Time, request ledger.TransferRequest) (PurchaseResult, error) {
	targetID = strings.TrimSpace(targetID)
	var result PurchaseResult
	err := service.inTx(ctx, func(ctx context.Context, repository Repository, unit *ledger.UnitOfWork) error {
		existing, err := repository.FindEntitlement(ctx, request.From, kind, targetID, period)
		switch {
		case err == nil:
			applied, err := alreadyApplied(ctx, repository, request.IdempotencyKey)
			if err != nil {
				return err
			}
			if !applied {
				return fmt.Errorf("%w: %s %s", ErrAlreadyEntitled, kind, targetID)
			}
			transfer, err := unit.ApplyTransfer(ctx, request)
			if errors.Is(err, ledger.ErrIdempotencyConflict) {
				return fmt.Errorf("%w: %s %s", ErrAlreadyEntitled, kind, targetID)
			}
			if err != nil {
				return err
			}
			result = PurchaseResult{Transfer: transfer, Entitlement: existing}
			return nil
		case !errors.Is(err, ErrUnknownEntitlement):
			return err
		}
		transfer, err := unit.ApplyTransfer(ctx, request)
		if err != nil {
			return err
		}
		if transfer.Replayed {
			existing, err := repository.FindEntitlement(ctx, request.From, kind, targetID, period)
			if err == nil {
				result = PurchaseResult{Transfer: transfer, Entitlement: existing}
				return nil
			}
			if !errors.Is(err, ErrUnknownEntitlement) {
				return err
			}
		}
		entitlement := Entitlement{
			ID:            service.newID(),
			UserID:        request.From,
			Kind:          kind,
			TargetID:      targetID,
			Period:        period,
			TransactionID: transfer.TransactionID,
			ExpiresAt:     expiresAt,
			CreatedAt:     service.now(),
		}
		if err := repository.CreateEntitlement(ctx, entitlement); err != nil {
			if errors.Is(err, ErrEntitlementExists) {
				return fmt.Errorf("%w: %s %s", ErrAlreadyEntitled, kind, targetID)
			}
			return err
		}
		result = PurchaseResult{Transfer: transfer, Entitlement: entitlement}
		return nil
	})
	if err != nil {
		return PurchaseResult{}, err
	}
	if !result.Transfer.Replayed {
		service.publishTransfer(ctx, result.Transfer)
	}
	return result, nil
}

// Entitlements lists what a user has bought, newest first.
func (service *Service) Entitlements(ctx context.Context, userID ledger.UserID) ([]Entitlement, error) {
	if userID.IsZero() {
		return nil, ledger.ErrInvalidUserID
	}
	return service.repository.ListEntitlements(ctx, userID)
}

// CreateGoal opens a goal for a creator.
func (service *Service) CreateGoal(ctx context.Context, request CreateGoalRequest) (Goal, error) {
	if request.CreatorID.IsZero() {
		return Goal{}, ledger.ErrInvalidUserID
	}
	if request.Target <= 0 {
		return Goal{}, fmt.Errorf("%w: goal target must be positive", ErrInvalidRequest)
	}
	goal := Goal{
		ID:        service.newID(),
		CreatorID: request.CreatorID,
		Title:     strings.TrimSpace(request.Title),
		Target:    request.Target,
		Status:    GoalStatusActive,
		CreatedAt: service.now(),
	}
	if err := service.repository.CreateGoal(ctx, goal); err != nil {
		return Goal{}, err
	}
	return goal, nil
}

// Goal returns a goal by id.
func (service *Service) Goal(ctx context.Context, goalID string) (Goal, error) {
	return service.repository.GetGoal(ctx, strings.TrimSpace(goalID))
}

// CancelGoal closes an active goal. Only its creator may cancel it.
func (service *Service) CancelGoal(ctx context.Context, goalID string, creatorID ledger.UserID) (Goal, error) {
	var goal Goal
	err := service.inTx(ctx, func(ctx context.Context, repository Repository, _ *ledger.UnitOfWork) error {
		var err error
		goal, err = repository.GetGoalForUpdate(ctx, strings.TrimSpace(goalID))
		if err != nil {
			return err
		}
		if goal.CreatorID != creatorID {
			return fmt.Errorf("%w: goal %s belongs to another creator", ErrInvalidRequest, goal.ID)
		}
		if goal.Status != GoalStatusActive {
			return fmt.Errorf("%w: %s", ErrGoalNotActive, goal.Status)
		}
		goal.Status = GoalStatusCancelled
		return repository.UpdateGoal(ctx, goal)
	})
	if err != nil {
		return Goal{}, err
	}
	return goal, nil
}

// TipGoal transfers coins to the goal's creator and advances the goal in the same unit of work.
// Reaching the target completes the goal; completed or cancelled goals accept no new tips.
func (service *Service) TipGoal(ctx context.Context, request GoalTipRequest) (GoalTipResult, error) {
	if request.UserID.IsZero() {
		return GoalTipResult{}, ledger.ErrInvalidUserID
	}
	goalID := strings.TrimSpace(request.GoalID)
	key, err := ledger.GoalTipKey(request.UserID, goalID, request.RequestID)
	if err != nil {
		return GoalTipResult{}, err
	}
	var (
		result    GoalTipResult
		completed bool
	)
	err = service.inTx(ctx, func(ctx context.Context, repository Repository, unit *ledger.UnitOfWork) error {
		completed = false
		goal, err := repository.GetGoalForUpdate(ctx, goalID)
		if err != nil {
			return err
		}
		applied, err := alreadyApplied(ctx, repository, key)
		if err != nil {
			return err
		}
		if !applied && goal.Status != GoalStatusActive {
			return fmt.Errorf("%w: %s", ErrGoalNotActive, goal.Status)
		}
		if goal.CreatorID == request.UserID {
			return fmt.Errorf("%w: %s", ledger.ErrSelfTransfer, request.UserID)
		}
		transfer, err := unit.ApplyTransfer(ctx, ledger.TransferRequest{
			From:           request.UserID,
			To:             goal.CreatorID,
			Amount:         request.Amount,
			Type:           ledger.EntryGoalTip,
			IdempotencyKey: key,
			Metadata:       ledger.TransferMetadata{CounterpartyID: goal.CreatorID.String(), TargetID: goal.ID},
		})
		if err != nil {
			return err
		}
		if !transfer.Replayed {
			goal.Progress += request.Amount.Coins()
			if goal.Progress >= goal.Target.Coins() {
				completedAt := service.now()
				goal.Status = GoalStatusCompleted
				goal.CompletedAt = &completedAt
				completed = true
			}
			if err := repository.UpdateGoal(ctx, goal); err != nil {
				return err
			}
		}
		result = GoalTipResult{Transfer: transfer, Goal: goal}
		return nil
	})
	if err != nil {
		return GoalTipResult{}, err
	}
	if !result.Transfer.Replayed {
		service.publishTransfer(ctx, result.Transfer)
	}
	if completed {
		service.publish(ctx, events.Event{
			Name:       events.NameGoalCompleted,
			UserIDs:    []string{result.Goal.CreatorID.String()},
			Amount:     result.Goal.Progress.Int64(),
			Attributes: map[string]string{"goalId": result.Goal.ID},
		})
	}
	return result, nil
}

// GrantCoins credits a purchase, bonus or admin refund. Reference is the upstream id
// (payment charge, campaign, support ticket) and makes the grant idempotent.
func (service *Service) GrantCoins(ctx context.Context, request GrantRequest) (ledger.AdjustmentResult, error) {
	switch request.Type {
	case ledger.EntryPurchase, ledger.EntryBonus, ledger.EntryAdminRefund:
	default:
		return ledger.AdjustmentResult{}, fmt.Errorf("%w: %q cannot be granted", ledger.ErrInvalidEntryType, request.Type)
	}
	key, err := ledger.GrantKey(request.Type, request.Reference)
	if err != nil {
		return ledger.AdjustmentResult{}, err
	}
	var result ledger.AdjustmentResult
	err = service.inTx(ctx, func(ctx context.Context, _ Repository, unit *ledger.UnitOfWork) error {
		var err error
		result, err = unit.ApplyCredit(ctx, ledger.AdjustmentRequest{
			UserID:         request.UserID,
			Amount:         request.Amount,
			Type:           request.Type,
			IdempotencyKey: key,
			Metadata:       ledger.GrantMetadata{Reference: request.Reference, Actor: request.Actor, Reason: request.Reason},
		})
		return err
	})
	if err != nil {
		return ledger.AdjustmentResult{}, err
	}
	if !result.Replayed {
		service.logger.Info("coins granted",
			zap.String("user_id", request.UserID.String()),
			zap.String("type", request.Type.String()),
			zap.Int64("amount", request.Amount.Int64()),
			zap.String("actor", request.Actor),
		)
		service.publish(ctx, events.Event{
			Name:          events.NameCreditApplied,
			UserIDs:       []string{request.UserID.String()},
			Amount:        request.Amount.Int64(),
			TransactionID: result.Entry.ID.String(),
			Attributes:    map[string]string{"type": request.Type.String()},
		})
	}
	return result, nil
}

func validateParties(payer ledger.UserID, payee ledger.UserID) error {
	if payer.IsZero() || payee.IsZero() {
		return ledger.ErrInvalidUserID
	}
	if payer == payee {
		return fmt.Errorf("%w: %s", ledger.ErrSelfTransfer, payer)
	}
	return nil
}
