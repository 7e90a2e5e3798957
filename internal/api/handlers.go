package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/gin-gonic/gin"
)

// currentUser resolves the session user. It writes the error response itself and reports
// false when the request cannot continue.
func (handler *httpHandler) currentUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	account, err := handler.service.Ledger().Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}
	entries, err := handler.service.Ledger().ListEntries(ctx.Request.Context(), userID, time.Time{}, defaultHistorySize)
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wallet":  newAccountPayload(account),
		"entries": newEntryPayloads(entries),
	})
}

func (handler *httpHandler) handleEntries(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	before, ok := parseUnixQuery(ctx, "before")
	if !ok {
		return
	}
	limit, ok := parseLimitQuery(ctx)
	if !ok {
		return
	}
	entries, err := handler.service.Ledger().ListEntries(ctx.Request.Context(), userID, before, limit)
	if err != nil {
		handler.respondError(ctx, "list_entries", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": newEntryPayloads(entries)})
}

func (handler *httpHandler) handleEntitlements(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	entitlements, err := handler.service.Entitlements(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "entitlements", err)
		return
	}
	now := time.Now().UTC()
	payloads := make([]entitlementPayload, 0, len(entitlements))
	for _, entitlement := range entitlements {
		payloads = append(payloads, newEntitlementPayload(entitlement, now))
	}
	ctx.JSON(http.StatusOK, gin.H{"entitlements": payloads})
}

func (handler *httpHandler) handleTip(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	var request tipRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBindError(ctx, err)
		return
	}
	recipient, amount, err := parseCounterpartyAmount(request.ToUserID, request.Amount)
	if err != nil {
		handler.respondError(ctx, "tip", err)
		return
	}
	result, err := handler.service.Tip(ctx.Request.Context(), orchestrator.TipRequest{
		FromUserID: userID,
		ToUserID:   recipient,
		Amount:     amount,
		RequestID:  request.RequestID,
		Note:       request.Note,
	})
	if err != nil {
		handler.respondError(ctx, "tip", err)
		return
	}
	ctx.JSON(http.StatusOK, newTransferPayload(result.TransactionID, result.Replayed, result.From))
}

func (handler *httpHandler) handleGift(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	var request giftRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBindError(ctx, err)
		return
	}
	recipient, amount, err := parseCounterpartyAmount(request.ToUserID, request.Amount)
	if err != nil {
		handler.respondError(ctx, "gift", err)
		return
	}
	result, err := handler.service.SendGift(ctx.Request.Context(), orchestrator.GiftRequest{
		FromUserID: userID,
		ToUserID:   recipient,
		Amount:     amount,
		GiftID:     request.GiftID,
		RequestID:  request.RequestID,
	})
	if err != nil {
		handler.respondError(ctx, "gift", err)
		return
	}
	ctx.JSON(http.StatusOK, newTransferPayload(result.TransactionID, result.Replayed, result.From))
}

func (handler *httpHandler) handleTicket(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	var request ticketRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBindError(ctx, err)
		return
	}
	creator, price, err := parseCounterpartyAmount(request.CreatorID, request.Price)
	if err != nil {
		handler.respondError(ctx, "ticket", err)
		return
	}
	result, err := handler.service.PurchaseTicket(ctx.Request.Context(), orchestrator.TicketRequest{
		UserID:    userID,
		CreatorID: creator,
		StreamID:  request.StreamID,
		Price:     price,
	})
	if err != nil {
		handler.respondError(ctx, "ticket", err)
		return
	}
	handler.respondPurchase(ctx, result)
}

func (handler *httpHandler) handleUnlock(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	var request unlockRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBindError(ctx, err)
		return
	}
	creator, price, err := parseCounterpartyAmount(request.CreatorID, request.Price)
	if err != nil {
		handler.respondError(ctx, "unlock", err)
		return
	}
	result, err := handler.service.UnlockContent(ctx.Request.Context(), orchestrator.UnlockRequest{
		UserID:    userID,
		CreatorID: creator,
		ContentID: request.ContentID,
		Price:     price,
	})
	if err != nil {
		handler.respondError(ctx, "unlock", err)
		return
	}
	handler.respondPurchase(ctx, result)
}

func (handler *httpHandler) handleSubscription(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	var request subscriptionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBindError(ctx, err)
		return
	}
	creator, price, err := parseCounterpartyAmount(request.CreatorID, request.Price)
	if err != nil {
		handler.respondError(ctx, "subscription", err)
		return
	}
	result, err := handler.service.Subscribe(ctx.Request.Context(), orchestrator.SubscriptionRequest{
		UserID:    userID,
		CreatorID: creator,
		Period:    request.Period,
		Price:     price,
		ExpiresAt: time.Unix(request.ExpiresUnixUTC, 0).UTC(),
	})
	if err != nil {
		handler.respondError(ctx, "subscription", err)
		return
	}
	handler.respondPurchase(ctx, result)
}

func (handler *httpHandler) respondPurchase(ctx *gin.Context, result orchestrator.PurchaseResult) {
	ctx.JSON(http.StatusOK, gin.H{
		"transfer":    newTransferPayload(result.Transfer.TransactionID, result.Transfer.Replayed, result.Transfer.From),
		"entitlement": newEntitlementPayload(result.Entitlement, time.Now().UTC()),
	})
}

func (handler *httpHandler) handleCreateGoal(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	var request createGoalRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBindError(ctx, err)
		return
	}
	target, err := ledger.NewPositiveCoins(request.Target)
	if err != nil {
		handler.respondError(ctx, "create_goal", err)
		return
	}
	goal, err := handler.service.CreateGoal(ctx.Request.Context(), orchestrator.CreateGoalRequest{
		CreatorID: userID,
		Title:     request.Title,
		Target:    target,
	})
	if err != nil {
		handler.respondError(ctx, "create_goal", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"goal": newGoalPayload(goal)})
}

func (handler *httpHandler) handleGoal(ctx *gin.Context) {
	if _, ok := handler.currentUser(ctx); !ok {
		return
	}
	goal, err := handler.service.Goal(ctx.Request.Context(), ctx.Param("goalId"))
	if err != nil {
		handler.respondError(ctx, "goal", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"goal": newGoalPayload(goal)})
}

func (handler *httpHandler) handleCancelGoal(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	goal, err := handler.service.Goal(ctx.Request.Context(), ctx.Param("goalId"))
	if err != nil {
		handler.respondError(ctx, "cancel_goal", err)
		return
	}
	if goal.CreatorID != userID {
		forbidden(ctx, "only the goal creator may cancel it")
		return
	}
	goal, err = handler.service.CancelGoal(ctx.Request.Context(), goal.ID, userID)
	if err != nil {
		handler.respondError(ctx, "cancel_goal", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"goal": newGoalPayload(goal)})
}

func (handler *httpHandler) handleGoalTip(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	var request goalTipRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBindError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCoins(request.Amount)
	if err != nil {
		handler.respondError(ctx, "goal_tip", err)
		return
	}
	result, err := handler.service.TipGoal(ctx.Request.Context(), orchestrator.GoalTipRequest{
		UserID:    userID,
		GoalID:    ctx.Param("goalId"),
		Amount:    amount,
		RequestID: request.RequestID,
	})
	if err != nil {
		handler.respondError(ctx, "goal_tip", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transfer": newTransferPayload(result.Transfer.TransactionID, result.Transfer.Replayed, result.Transfer.From),
		"goal":     newGoalPayload(result.Goal),
	})
}

func parseCounterpartyAmount(rawUserID string, rawAmount int64) (ledger.UserID, ledger.PositiveCoins, error) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return ledger.UserID{}, 0, err
	}
	amount, err := ledger.NewPositiveCoins(rawAmount)
	if err != nil {
		return ledger.UserID{}, 0, err
	}
	return userID, amount, nil
}

func newEntryPayloads(entries []ledger.Entry) []entryPayload {
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, newEntryPayload(entry))
	}
	return payloads
}

func parseUnixQuery(ctx *gin.Context, name string) (time.Time, bool) {
	raw := ctx.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, name+" must be a positive unix timestamp"))
		return time.Time{}, false
	}
	return time.Unix(seconds, 0).UTC(), true
}

func parseLimitQuery(ctx *gin.Context) (int, bool) {
	raw := ctx.Query("limit")
	if raw == "" {
		return defaultHistorySize, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "limit must be a positive integer"))
		return 0, false
	}
	return limit, true
}
