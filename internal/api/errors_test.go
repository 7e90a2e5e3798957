package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRespondErrorMapsDomainErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	testCases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "insufficient funds", err: ledger.WrapError("transfer", "payer", "debit", ledger.InsufficientFundsError{Required: 50, Available: 20}), status: http.StatusPaymentRequired, code: codeInsufficientFunds},
		{name: "unknown session", err: fmt.Errorf("load: %w", orchestrator.ErrUnknownSession), status: http.StatusNotFound, code: codeNotFound},
		{name: "unknown account", err: ledger.ErrUnknownAccount, status: http.StatusNotFound, code: codeNotFound},
		{name: "invalid transition", err: fmt.Errorf("%w: pending to completed", ledger.ErrInvalidStatusTransition), status: http.StatusBadRequest, code: codeInvalidTransition},
		{name: "already entitled", err: orchestrator.ErrAlreadyEntitled, status: http.StatusConflict, code: "already_entitled"},
		{name: "idempotency conflict", err: fmt.Errorf("replay: %w", ledger.ErrIdempotencyConflict), status: http.StatusConflict, code: "idempotency_conflict"},
		{name: "invalid amount", err: ledger.ErrInvalidAmount, status: http.StatusBadRequest, code: codeInvalidPayload},
		{name: "unexpected", err: errors.New("connection reset"), status: http.StatusInternalServerError, code: codeInternal},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			core, logs := observer.New(zap.ErrorLevel)
			handler := &httpHandler{logger: zap.New(core)}
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)

			handler.respondError(ctx, "test", testCase.err)

			if recorder.Code != testCase.status {
				t.Fatalf("expected %d, got %d", testCase.status, recorder.Code)
			}
			var body struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
				Required int64 `json:"required"`
				Balance  int64 `json:"balance"`
			}
			if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Code != testCase.code {
				t.Fatalf("expected code %q, got %q", testCase.code, body.Error.Code)
			}
			if testCase.status == http.StatusPaymentRequired && (body.Required != 50 || body.Balance != 20) {
				t.Fatalf("expected required 50 and balance 20, got %d and %d", body.Required, body.Balance)
			}
			if testCase.status == http.StatusInternalServerError {
				if body.Error.Message != messageTryAgain {
					t.Fatalf("expected generic message, got %q", body.Error.Message)
				}
				if logs.Len() != 1 {
					t.Fatalf("expected the failure to be logged once, got %d", logs.Len())
				}
			}
		})
	}
}

func TestUserRateLimiterPrunesIdleVisitors(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	limiter := newUserRateLimiter(1, 1)
	limiter.now = func() time.Time { return now }

	if !limiter.limiterFor("fan").Allow() {
		t.Fatalf("expected the first request to pass")
	}
	if limiter.limiterFor("fan").Allow() {
		t.Fatalf("expected the burst to be exhausted")
	}

	now = now.Add(limiterIdleTimeout + limiterPruneEvery)
	limiter.limiterFor("creator")
	if _, tracked := limiter.visitors["fan"]; tracked {
		t.Fatalf("expected the idle visitor to be pruned")
	}
}

func TestRateLimitMiddlewareRejectsBursts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(newUserRateLimiter(1, 2).middleware())
	router.GET("/ping", func(ctx *gin.Context) { ctx.Status(http.StatusNoContent) })

	statuses := make([]int, 0, 3)
	for attempt := 0; attempt < 3; attempt++ {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ping", nil))
		statuses = append(statuses, recorder.Code)
	}
	if statuses[0] != http.StatusNoContent || statuses[1] != http.StatusNoContent || statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected statuses %v", statuses)
	}
}

func TestAdminAuthenticatorRejectsMalformedHeaders(t *testing.T) {
	authenticator, err := newAdminAuthenticator([]byte("secret"))
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	if _, err := authenticator.authenticate("Bearer not-a-token"); err == nil {
		t.Fatalf("expected malformed token to fail")
	}
	if _, err := authenticator.authenticate("Basic abc"); err == nil {
		t.Fatalf("expected non-bearer header to fail")
	}
	if _, err := newAdminAuthenticator(nil); err == nil {
		t.Fatalf("expected empty secret to fail")
	}
}

func TestCashValue(t *testing.T) {
	testCases := []struct {
		coins        int64
		centsPerCoin int64
		expected     string
	}{
		{coins: 200, centsPerCoin: 5, expected: "10.00"},
		{coins: 1, centsPerCoin: 1, expected: "0.01"},
		{coins: 333, centsPerCoin: 3, expected: "9.99"},
	}
	for _, testCase := range testCases {
		if value := cashValue(testCase.coins, testCase.centsPerCoin); value != testCase.expected {
			t.Fatalf("cashValue(%d, %d) = %q, want %q", testCase.coins, testCase.centsPerCoin, value, testCase.expected)
		}
	}
}
