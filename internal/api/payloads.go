package api

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

type tipRequest struct {
	ToUserID  string `json:"to_user_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,min=1"`
	RequestID string `json:"request_id" binding:"required,max=128"`
	Note      string `json:"note" binding:"max=280"`
}

type giftRequest struct {
	ToUserID  string `json:"to_user_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,min=1"`
	GiftID    string `json:"gift_id" binding:"required,max=128"`
	RequestID string `json:"request_id" binding:"required,max=128"`
}

type ticketRequest struct {
	CreatorID string `json:"creator_id" binding:"required"`
	StreamID  string `json:"stream_id" binding:"required,max=128"`
	Price     int64  `json:"price" binding:"required,min=1"`
}

type unlockRequest struct {
	CreatorID string `json:"creator_id" binding:"required"`
	ContentID string `json:"content_id" binding:"required,max=128"`
	Price     int64  `json:"price" binding:"required,min=1"`
}

type subscriptionRequest struct {
	CreatorID      string `json:"creator_id" binding:"required"`
	Period         string `json:"period" binding:"required,max=64"`
	Price          int64  `json:"price" binding:"required,min=1"`
	ExpiresUnixUTC int64  `json:"expires_unix_utc" binding:"required,min=1"`
}

type createGoalRequest struct {
	Title  string `json:"title" binding:"required,max=200"`
	Target int64  `json:"target" binding:"required,min=1"`
}

type goalTipRequest struct {
	Amount    int64  `json:"amount" binding:"required,min=1"`
	RequestID string `json:"request_id" binding:"required,max=128"`
}

type startSessionRequest struct {
	SessionID        string `json:"session_id" binding:"required,max=128"`
	Kind             string `json:"kind" binding:"required,oneof=video_call voice_call group_room ai_session"`
	PayeeID          string `json:"payee_id" binding:"required"`
	RatePerMinute    int64  `json:"rate_per_minute" binding:"required,min=1"`
	EstimatedMinutes int64  `json:"estimated_minutes" binding:"min=0"`
	MinimumMinutes   int64  `json:"minimum_minutes" binding:"min=0"`
}

type payoutRequest struct {
	PayoutID string `json:"payout_id" binding:"required,max=128"`
	Amount   int64  `json:"amount" binding:"required,min=1"`
}

type grantRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,min=1"`
	Type      string `json:"type" binding:"required,oneof=purchase bonus admin_refund"`
	Reference string `json:"reference" binding:"required,max=128"`
	Reason    string `json:"reason" binding:"max=280"`
}

type transitionRequest struct {
	Status string `json:"status" binding:"required,oneof=pending processing completed failed cancelled"`
	Reason string `json:"reason" binding:"max=280"`
}

type accountPayload struct {
	UserID      string `json:"user_id"`
	Balance     int64  `json:"balance"`
	HeldBalance int64  `json:"held_balance"`
	Spendable   int64  `json:"spendable"`
}

type entryPayload struct {
	EntryID              string          `json:"entry_id"`
	Type                 string          `json:"type"`
	Status               string          `json:"status"`
	Amount               int64           `json:"amount"`
	IdempotencyKey       string          `json:"idempotency_key"`
	RelatedTransactionID string          `json:"related_transaction_id,omitempty"`
	HoldID               string          `json:"hold_id,omitempty"`
	Metadata             json.RawMessage `json:"metadata"`
	CreatedUnixUTC       int64           `json:"created_unix_utc"`
}

type transferPayload struct {
	TransactionID string         `json:"transaction_id"`
	Replayed      bool           `json:"replayed"`
	Balance       accountPayload `json:"balance"`
}

type entitlementPayload struct {
	EntitlementID  string `json:"entitlement_id"`
	Kind           string `json:"kind"`
	TargetID       string `json:"target_id"`
	Period         string `json:"period,omitempty"`
	TransactionID  string `json:"transaction_id"`
	ExpiresUnixUTC int64  `json:"expires_unix_utc,omitempty"`
	Active         bool   `json:"active"`
}

type goalPayload struct {
	GoalID           string `json:"goal_id"`
	CreatorID        string `json:"creator_id"`
	Title            string `json:"title"`
	Target           int64  `json:"target"`
	Progress         int64  `json:"progress"`
	Status           string `json:"status"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
	CompletedUnixUTC int64  `json:"completed_unix_utc,omitempty"`
}

type sessionPayload struct {
	SessionID        string `json:"session_id"`
	Kind             string `json:"kind"`
	PayerID          string `json:"payer_id"`
	PayeeID          string `json:"payee_id"`
	RatePerMinute    int64  `json:"rate_per_minute"`
	MinimumMinutes   int64  `json:"minimum_minutes"`
	EstimatedMinutes int64  `json:"estimated_minutes"`
	HoldID           string `json:"hold_id"`
	Status           string `json:"status"`
	BilledMinutes    int64  `json:"billed_minutes"`
	Charged          int64  `json:"charged"`
	WrittenOff       int64  `json:"written_off"`
	StartedUnixUTC   int64  `json:"started_unix_utc"`
	EndedUnixUTC     int64  `json:"ended_unix_utc,omitempty"`
}

type payoutPayload struct {
	PayoutID       string `json:"payout_id"`
	CreatorID      string `json:"creator_id"`
	Amount         int64  `json:"amount"`
	CashValue      string `json:"cash_value"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	HoldID         string `json:"hold_id"`
	Reason         string `json:"reason,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

type reconciliationPayload struct {
	UserID       string `json:"user_id"`
	Balance      int64  `json:"balance"`
	HeldBalance  int64  `json:"held_balance"`
	EntryTotal   int64  `json:"entry_total"`
	ActiveHolds  int64  `json:"active_holds"`
	BalanceDrift int64  `json:"balance_drift"`
	HeldDrift    int64  `json:"held_drift"`
	Consistent   bool   `json:"consistent"`
}

func newAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{
		UserID:      account.UserID.String(),
		Balance:     account.Balance.Int64(),
		HeldBalance: account.HeldBalance.Int64(),
		Spendable:   account.Spendable().Int64(),
	}
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	metadata, err := ledger.EncodeMetadata(entry.Type, entry.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}
	return entryPayload{
		EntryID:              entry.ID.String(),
		Type:                 entry.Type.String(),
		Status:               entry.Status.String(),
		Amount:               entry.Amount.Int64(),
		IdempotencyKey:       entry.IdempotencyKey.String(),
		RelatedTransactionID: entry.RelatedTransactionID.String(),
		HoldID:               entry.HoldID.String(),
		Metadata:             json.RawMessage(metadata),
		CreatedUnixUTC:       entry.CreatedAt.UTC().Unix(),
	}
}

func newTransferPayload(transactionID ledger.EntryID, replayed bool, payer ledger.Account) transferPayload {
	return transferPayload{
		TransactionID: transactionID.String(),
		Replayed:      replayed,
		Balance:       newAccountPayload(payer),
	}
}

func newEntitlementPayload(entitlement orchestrator.Entitlement, now time.Time) entitlementPayload {
	return entitlementPayload{
		EntitlementID:  entitlement.ID,
		Kind:           string(entitlement.Kind),
		TargetID:       entitlement.TargetID,
		Period:         entitlement.Period,
		TransactionID:  entitlement.TransactionID.String(),
		ExpiresUnixUTC: unixOrZero(entitlement.ExpiresAt),
		Active:         entitlement.Active(now),
	}
}

func newGoalPayload(goal orchestrator.Goal) goalPayload {
	return goalPayload{
		GoalID:           goal.ID,
		CreatorID:        goal.CreatorID.String(),
		Title:            goal.Title,
		Target:           goal.Target.Int64(),
		Progress:         goal.Progress.Int64(),
		Status:           string(goal.Status),
		CreatedUnixUTC:   goal.CreatedAt.UTC().Unix(),
		CompletedUnixUTC: unixOrZero(goal.CompletedAt),
	}
}

func newSessionPayload(session orchestrator.Session) sessionPayload {
	return sessionPayload{
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
		StartedUnixUTC:   session.StartedAt.UTC().Unix(),
		EndedUnixUTC:     unixOrZero(session.EndedAt),
	}
}

func newPayoutPayload(payout orchestrator.Payout, centsPerCoin int64, currency string) payoutPayload {
	return payoutPayload{
		PayoutID:       payout.ID,
		CreatorID:      payout.CreatorID.String(),
		Amount:         payout.Amount.Int64(),
		CashValue:      cashValue(payout.Amount.Int64(), centsPerCoin),
		Currency:       currency,
		Status:         string(payout.Status),
		HoldID:         payout.HoldID.String(),
		Reason:         payout.Reason,
		CreatedUnixUTC: payout.CreatedAt.UTC().Unix(),
		UpdatedUnixUTC: payout.UpdatedAt.UTC().Unix(),
	}
}

func newReconciliationPayload(reconciliation ledger.Reconciliation) reconciliationPayload {
	return reconciliationPayload{
		UserID:       reconciliation.UserID.String(),
		Balance:      reconciliation.Balance.Int64(),
		HeldBalance:  reconciliation.HeldBalance.Int64(),
		EntryTotal:   reconciliation.EntryTotal.Int64(),
		ActiveHolds:  reconciliation.ActiveHolds.Int64(),
		BalanceDrift: reconciliation.BalanceDrift.Int64(),
		HeldDrift:    reconciliation.HeldDrift.Int64(),
		Consistent:   reconciliation.Consistent(),
	}
}

// cashValue converts coins to a fixed two-decimal currency amount.
func cashValue(coins int64, centsPerCoin int64) string {
	return decimal.NewFromInt(coins).
		Mul(decimal.NewFromInt(centsPerCoin)).
		Div(decimal.NewFromInt(100)).
		StringFixed(2)
}

func unixOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.UTC().Unix()
}
