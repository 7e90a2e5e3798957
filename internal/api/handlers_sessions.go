package api

import (
	"net/http"

	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (handler *httpHandler) handleStartSession(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	var request startSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBindError(ctx, err)
		return
	}
	kind, err := orchestrator.ParseSessionKind(request.Kind)
	if err != nil {
		handler.respondError(ctx, "start_session", err)
		return
	}
	payee, rate, err := parseCounterpartyAmount(request.PayeeID, request.RatePerMinute)
	if err != nil {
		handler.respondError(ctx, "start_session", err)
		return
	}
	result, err := handler.service.StartSession(ctx.Request.Context(), orchestrator.StartSessionRequest{
		SessionID:        request.SessionID,
		Kind:             kind,
		PayerID:          userID,
		PayeeID:          payee,
		RatePerMinute:    rate,
		EstimatedMinutes: request.EstimatedMinutes,
		MinimumMinutes:   request.MinimumMinutes,
	})
	if err != nil {
		handler.respondError(ctx, "start_session", err)
		return
	}
	handler.respondSession(ctx, userID, result)
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	session, ok := handler.sessionForParty(ctx, userID)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": newSessionPayload(session)})
}

func (handler *httpHandler) handleEndSession(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	session, ok := handler.sessionForParty(ctx, userID)
	if !ok {
		return
	}
	result, err := handler.service.EndSession(ctx.Request.Context(), orchestrator.EndSessionRequest{SessionID: session.ID})
	if err != nil {
		handler.respondError(ctx, "end_session", err)
		return
	}
	handler.respondSession(ctx, userID, result)
}

func (handler *httpHandler) handleCancelSession(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	session, ok := handler.sessionForParty(ctx, userID)
	if !ok {
		return
	}
	result, err := handler.service.CancelSession(ctx.Request.Context(), session.ID)
	if err != nil {
		handler.respondError(ctx, "cancel_session", err)
		return
	}
	handler.respondSession(ctx, userID, result)
}

// sessionForParty loads the session named in the path and admits only its payer or payee.
func (handler *httpHandler) sessionForParty(ctx *gin.Context, userID ledger.UserID) (orchestrator.Session, bool) {
	session, err := handler.service.Session(ctx.Request.Context(), ctx.Param("sessionId"))
	if err != nil {
		handler.respondError(ctx, "session", err)
		return orchestrator.Session{}, false
	}
	if session.PayerID != userID && session.PayeeID != userID {
		forbidden(ctx, "not a party to this session")
		return orchestrator.Session{}, false
	}
	return session, true
}

func (handler *httpHandler) respondSession(ctx *gin.Context, userID ledger.UserID, result orchestrator.SessionResult) {
	account, err := handler.service.Ledger().Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "session_balance", err)
		return
	}
	body := gin.H{
		"session":  newSessionPayload(result.Session),
		"replayed": result.Replayed,
		"balance":  newAccountPayload(account),
	}
	if result.Settlement != nil && !result.Settlement.TransactionID.IsZero() {
		body["transaction_id"] = result.Settlement.TransactionID.String()
	}
	ctx.JSON(http.StatusOK, body)
}

func (handler *httpHandler) handleRequestPayout(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	var request payoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBindError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCoins(request.Amount)
	if err != nil {
		handler.respondError(ctx, "request_payout", err)
		return
	}
	result, err := handler.service.RequestPayout(ctx.Request.Context(), orchestrator.PayoutRequest{
		PayoutID:  request.PayoutID,
		CreatorID: userID,
		Amount:    amount,
	})
	if err != nil {
		handler.respondError(ctx, "request_payout", err)
		return
	}
	account, err := handler.service.Ledger().Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "request_payout", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"payout":   handler.payoutPayload(result.Payout),
		"replayed": result.Replayed,
		"balance":  newAccountPayload(account),
	})
}

func (handler *httpHandler) handlePayouts(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	limit, ok := parseLimitQuery(ctx)
	if !ok {
		return
	}
	payouts, err := handler.service.Payouts(ctx.Request.Context(), userID, limit)
	if err != nil {
		handler.respondError(ctx, "payouts", err)
		return
	}
	payloads := make([]payoutPayload, 0, len(payouts))
	for _, payout := range payouts {
		payloads = append(payloads, handler.payoutPayload(payout))
	}
	ctx.JSON(http.StatusOK, gin.H{"payouts": payloads})
}

func (handler *httpHandler) handlePayout(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	payout, err := handler.service.Payout(ctx.Request.Context(), ctx.Param("payoutId"))
	if err != nil {
		handler.respondError(ctx, "payout", err)
		return
	}
	if payout.CreatorID != userID {
		handler.respondError(ctx, "payout", orchestrator.ErrUnknownPayout)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"payout": handler.payoutPayload(payout)})
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	admin := getAdminClaims(ctx)
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBindError(ctx, err)
		return
	}
	entryType, err := ledger.ParseEntryType(request.Type)
	if err != nil {
		handler.respondError(ctx, "grant", err)
		return
	}
	userID, amount, err := parseCounterpartyAmount(request.UserID, request.Amount)
	if err != nil {
		handler.respondError(ctx, "grant", err)
		return
	}
	result, err := handler.service.GrantCoins(ctx.Request.Context(), orchestrator.GrantRequest{
		UserID:    userID,
		Amount:    amount,
		Type:      entryType,
		Reference: request.Reference,
		Actor:     admin.Subject,
		Reason:    request.Reason,
	})
	if err != nil {
		handler.respondError(ctx, "grant", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction_id": result.Entry.ID.String(),
		"replayed":       result.Replayed,
		"entry":          newEntryPayload(result.Entry),
		"balance":        newAccountPayload(result.Account),
	})
}

func (handler *httpHandler) handleTransitionPayout(ctx *gin.Context) {
	admin := getAdminClaims(ctx)
	var request transitionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBindError(ctx, err)
		return
	}
	status, err := orchestrator.ParsePayoutStatus(request.Status)
	if err != nil {
		handler.respondError(ctx, "transition_payout", err)
		return
	}
	transition, err := handler.service.TransitionPayout(ctx.Request.Context(), orchestrator.TransitionRequest{
		PayoutID: ctx.Param("payoutId"),
		Status:   status,
		Reason:   request.Reason,
	})
	if err != nil {
		handler.respondError(ctx, "transition_payout", err)
		return
	}
	handler.logger.Info("payout transitioned",
		zap.String("payout_id", transition.Payout.ID),
		zap.String("from", string(transition.Previous)),
		zap.String("to", string(transition.Payout.Status)),
		zap.String("actor", admin.Subject),
	)
	body := gin.H{
		"payout":          handler.payoutPayload(transition.Payout),
		"previous_status": string(transition.Previous),
	}
	if transactionID := transitionTransactionID(transition); transactionID != "" {
		body["transaction_id"] = transactionID
	}
	ctx.JSON(http.StatusOK, body)
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Param("userId"))
	if err != nil {
		handler.respondError(ctx, "reconcile", err)
		return
	}
	reconciliation, err := handler.service.Ledger().Reconcile(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "reconcile", err)
		return
	}
	if !reconciliation.Consistent() {
		handler.logger.Error("account drift detected",
			zap.String("user_id", userID.String()),
			zap.Int64("balance_drift", reconciliation.BalanceDrift.Int64()),
			zap.Int64("held_drift", reconciliation.HeldDrift.Int64()),
		)
	}
	ctx.JSON(http.StatusOK, gin.H{"reconciliation": newReconciliationPayload(reconciliation)})
}

func (handler *httpHandler) payoutPayload(payout orchestrator.Payout) payoutPayload {
	return newPayoutPayload(payout, handler.cfg.PayoutCentsPerCoin, handler.cfg.PayoutCurrency)
}

func transitionTransactionID(transition orchestrator.PayoutTransition) string {
	switch {
	case transition.Settlement != nil && !transition.Settlement.TransactionID.IsZero():
		return transition.Settlement.TransactionID.String()
	case transition.Debit != nil:
		return transition.Debit.Entry.ID.String()
	case transition.Refund != nil:
		return transition.Refund.Entry.ID.String()
	default:
		return ""
	}
}
