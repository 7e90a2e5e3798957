package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	codeInvalidPayload    = "invalid_payload"
	codeInsufficientFunds = "insufficient_funds"
	codeNotFound          = "not_found"
	codeConflict          = "conflict"
	codeInvalidTransition = "invalid_status_transition"
	codeForbidden         = "forbidden"
	codeInternal          = "internal_error"
	messageTryAgain       = "something went wrong, try again"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{target: ledger.ErrUnknownAccount, status: http.StatusNotFound, code: codeNotFound, message: "account not found"},
	{target: ledger.ErrUnknownEntry, status: http.StatusNotFound, code: codeNotFound, message: "transaction not found"},
	{target: ledger.ErrUnknownHold, status: http.StatusNotFound, code: codeNotFound, message: "hold not found"},
	{target: orchestrator.ErrUnknownGoal, status: http.StatusNotFound, code: codeNotFound, message: "goal not found"},
	{target: orchestrator.ErrUnknownSession, status: http.StatusNotFound, code: codeNotFound, message: "session not found"},
	{target: orchestrator.ErrUnknownPayout, status: http.StatusNotFound, code: codeNotFound, message: "payout not found"},
	{target: orchestrator.ErrUnknownEntitlement, status: http.StatusNotFound, code: codeNotFound, message: "entitlement not found"},
	{target: ledger.ErrInvalidStatusTransition, status: http.StatusBadRequest, code: codeInvalidTransition, message: "status transition not allowed"},
	{target: ledger.ErrSelfTransfer, status: http.StatusBadRequest, code: "self_transfer", message: "cannot transfer coins to yourself"},
	{target: orchestrator.ErrAlreadyEntitled, status: http.StatusConflict, code: "already_entitled", message: "access already granted"},
	{target: orchestrator.ErrGoalNotActive, status: http.StatusConflict, code: "goal_not_active", message: "goal is no longer active"},
	{target: orchestrator.ErrSessionNotActive, status: http.StatusConflict, code: "session_not_active", message: "session is no longer active"},
	{target: orchestrator.ErrSessionExists, status: http.StatusConflict, code: codeConflict, message: "session already exists"},
	{target: orchestrator.ErrPayoutExists, status: http.StatusConflict, code: codeConflict, message: "payout already exists"},
	{target: orchestrator.ErrGoalExists, status: http.StatusConflict, code: codeConflict, message: "goal already exists"},
	{target: orchestrator.ErrEntitlementExists, status: http.StatusConflict, code: codeConflict, message: "entitlement already exists"},
	{target: ledger.ErrIdempotencyConflict, status: http.StatusConflict, code: "idempotency_conflict", message: "request id already used for a different request"},
	{target: ledger.ErrHoldNotActive, status: http.StatusConflict, code: codeConflict, message: "reservation already closed"},
	{target: ledger.ErrInvariantViolation, status: http.StatusConflict, code: codeConflict, message: "balance changed, try again"},
}

var validationSentinels = []error{
	orchestrator.ErrInvalidRequest,
	ledger.ErrInvalidUserID,
	ledger.ErrInvalidEntryID,
	ledger.ErrInvalidHoldID,
	ledger.ErrInvalidIdempotencyKey,
	ledger.ErrInvalidAmount,
	ledger.ErrInvalidEntryType,
	ledger.ErrInvalidEntryStatus,
	ledger.ErrInvalidHoldStatus,
	ledger.ErrInvalidHoldPurpose,
	ledger.ErrInvalidMetadata,
	ledger.ErrInvalidOveragePolicy,
	ledger.ErrInvalidKeySegment,
	ledger.ErrPartialSettlement,
}

// respondError maps domain errors onto HTTP responses. Unmapped errors are logged and
// surface only as a generic retry message.
func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	var insufficient ledger.InsufficientFundsError
	if errors.As(err, &insufficient) {
		body := errorResponse(codeInsufficientFunds, fmt.Sprintf("you need %d more coins", insufficient.Shortfall()))
		body["required"] = insufficient.Required.Int64()
		body["balance"] = insufficient.Available.Int64()
		ctx.JSON(http.StatusPaymentRequired, body)
		return
	}
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		ctx.JSON(http.StatusPaymentRequired, errorResponse(codeInsufficientFunds, "not enough coins"))
		return
	}
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			ctx.JSON(mapping.status, errorResponse(mapping.code, mapping.message))
			return
		}
	}
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, sentinel.Error()))
			return
		}
	}
	handler.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse(codeInternal, messageTryAgain))
}

func respondBindError(ctx *gin.Context, err error) {
	messages := formatValidationError(err)
	if len(messages) == 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body"))
		return
	}
	ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, strings.Join(messages, "; ")))
}

func formatValidationError(err error) []string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		field := fieldError.Field()
		switch fieldError.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", field, fieldError.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", field, fieldError.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of [%s]", field, fieldError.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s is invalid (%s)", field, fieldError.Tag()))
		}
	}
	return messages
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func forbidden(ctx *gin.Context, message string) {
	ctx.JSON(http.StatusForbidden, errorResponse(codeForbidden, message))
}
