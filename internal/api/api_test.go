package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/api"
	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	sessionSigningKey = "session-secret"
	sessionIssuer     = "tauth"
	sessionCookieName = "app_session"
	adminSecret       = "admin-secret"
	fanUserID         = "fan-1"
	creatorUserID     = "creator-1"
	outsiderUserID    = "outsider-1"
	operatorSubject   = "ops@example.com"
)

type testClient struct {
	test    *testing.T
	handler http.Handler
	config  api.Config
	clock   *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

func newTestClient(test *testing.T) *testClient {
	test.Helper()
	clock := &testClock{now: time.Now().UTC()}
	store := memstore.New(memstore.WithClock(clock.Now))
	ledgerService, err := ledger.NewService(store, clock.Now)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	service, err := orchestrator.NewService(ledgerService, store, clock.Now)
	if err != nil {
		test.Fatalf("orchestrator service: %v", err)
	}
	config := api.Config{
		ListenAddr:         "127.0.0.1:0",
		AllowedOrigins:     []string{"http://localhost:8000"},
		RequestTimeout:     2 * time.Second,
		SessionSigningKey:  sessionSigningKey,
		SessionIssuer:      sessionIssuer,
		SessionCookieName:  sessionCookieName,
		AdminJWTSecret:     adminSecret,
		RateLimitPerSecond: 1000,
		RateLimitBurst:     1000,
		PayoutCentsPerCoin: 5,
		PayoutCurrency:     "USD",
	}
	server, err := api.NewServer(config, service, zap.NewNop())
	if err != nil {
		test.Fatalf("api server: %v", err)
	}
	return &testClient{test: test, handler: server.Handler(), config: config, clock: clock}
}

func (client *testClient) do(method string, path string, payload any, authorize func(*http.Request)) *httptest.ResponseRecorder {
	client.test.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			client.test.Fatalf("encode payload: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &body)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if authorize != nil {
		authorize(request)
	}
	recorder := httptest.NewRecorder()
	client.handler.ServeHTTP(recorder, request)
	return recorder
}

func (client *testClient) asUser(userID string) func(*http.Request) {
	cookie := buildSessionCookie(client.test, userID)
	return func(request *http.Request) {
		request.AddCookie(cookie)
	}
}

func (client *testClient) asAdmin(role string) func(*http.Request) {
	token := buildAdminToken(client.test, operatorSubject, role)
	return func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+token)
	}
}

func (client *testClient) grant(userID string, amount int64, reference string) {
	client.test.Helper()
	response := client.do(http.MethodPost, "/admin/credits", map[string]any{
		"user_id":   userID,
		"amount":    amount,
		"type":      "purchase",
		"reference": reference,
	}, client.asAdmin("admin"))
	mustStatus(client.test, response, http.StatusOK)
}

func buildSessionCookie(test *testing.T, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: userID,
		UserRoles:       []string{"member"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(sessionSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: sessionCookieName, Value: signed}
}

func buildAdminToken(test *testing.T, subject string, role string) string {
	test.Helper()
	claims := &api.AdminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(adminSecret))
	if err != nil {
		test.Fatalf("admin token signing failed: %v", err)
	}
	return signed
}

func mustStatus(test *testing.T, response *httptest.ResponseRecorder, expected int) {
	test.Helper()
	if response.Code != expected {
		test.Fatalf("expected status %d, got %d: %s", expected, response.Code, response.Body.String())
	}
}

func mustDecode(test *testing.T, response *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var body map[string]any
	if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
		test.Fatalf("decode response: %v", err)
	}
	return body
}

func numberAt(test *testing.T, body map[string]any, path ...string) int64 {
	test.Helper()
	value := valueAt(test, body, path...)
	number, ok := value.(float64)
	if !ok {
		test.Fatalf("expected number at %v, got %T", path, value)
	}
	return int64(number)
}

func stringAt(test *testing.T, body map[string]any, path ...string) string {
	test.Helper()
	value := valueAt(test, body, path...)
	text, ok := value.(string)
	if !ok {
		test.Fatalf("expected string at %v, got %T", path, value)
	}
	return text
}

func valueAt(test *testing.T, body map[string]any, path ...string) any {
	test.Helper()
	var current any = body
	for _, key := range path {
		object, ok := current.(map[string]any)
		if !ok {
			test.Fatalf("expected object before %q in %v", key, path)
		}
		current = object[key]
	}
	return current
}

func TestHealthz(test *testing.T) {
	client := newTestClient(test)
	response := client.do(http.MethodGet, "/healthz", nil, nil)
	mustStatus(test, response, http.StatusOK)
}

func TestSessionRoutesRejectAnonymousRequests(test *testing.T) {
	client := newTestClient(test)
	response := client.do(http.MethodGet, "/api/wallet", nil, nil)
	if response.Code < http.StatusBadRequest {
		test.Fatalf("expected rejection without a session, got %d", response.Code)
	}
}

func TestAdminRoutesRequireAdminRole(test *testing.T) {
	client := newTestClient(test)
	payload := map[string]any{"user_id": fanUserID, "amount": 10, "type": "bonus", "reference": "campaign-1"}

	testCases := []struct {
		name      string
		authorize func(*http.Request)
		expected  int
	}{
		{name: "missing token", authorize: nil, expected: http.StatusUnauthorized},
		{name: "member role", authorize: client.asAdmin("member"), expected: http.StatusUnauthorized},
		{name: "session cookie only", authorize: client.asUser(fanUserID), expected: http.StatusUnauthorized},
		{name: "admin role", authorize: client.asAdmin("admin"), expected: http.StatusOK},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			response := client.do(http.MethodPost, "/admin/credits", payload, testCase.authorize)
			mustStatus(test, response, testCase.expected)
		})
	}
}

func TestTipMovesCoinsAndReplays(test *testing.T) {
	client := newTestClient(test)
	client.grant(fanUserID, 100, "charge-1")

	tip := map[string]any{"to_user_id": creatorUserID, "amount": 30, "request_id": "req-1", "note": "great stream"}
	first := client.do(http.MethodPost, "/api/tips", tip, client.asUser(fanUserID))
	mustStatus(test, first, http.StatusOK)
	firstBody := mustDecode(test, first)
	if stringAt(test, firstBody, "transaction_id") == "" {
		test.Fatalf("expected a transaction id")
	}
	if spendable := numberAt(test, firstBody, "balance", "spendable"); spendable != 70 {
		test.Fatalf("expected spendable 70, got %d", spendable)
	}

	replay := client.do(http.MethodPost, "/api/tips", tip, client.asUser(fanUserID))
	mustStatus(test, replay, http.StatusOK)
	replayBody := mustDecode(test, replay)
	if replayed, _ := replayBody["replayed"].(bool); !replayed {
		test.Fatalf("expected the repeated tip to replay")
	}
	if stringAt(test, replayBody, "transaction_id") != stringAt(test, firstBody, "transaction_id") {
		test.Fatalf("expected the replay to return the original transaction")
	}

	wallet := client.do(http.MethodGet, "/api/wallet", nil, client.asUser(creatorUserID))
	mustStatus(test, wallet, http.StatusOK)
	if balance := numberAt(test, mustDecode(test, wallet), "wallet", "balance"); balance != 30 {
		test.Fatalf("expected creator balance 30, got %d", balance)
	}
}

func TestInsufficientFundsReportsShortfall(test *testing.T) {
	client := newTestClient(test)
	client.grant(fanUserID, 100, "charge-1")

	response := client.do(http.MethodPost, "/api/gifts", map[string]any{
		"to_user_id": creatorUserID,
		"amount":     500,
		"gift_id":    "rocket",
		"request_id": "req-1",
	}, client.asUser(fanUserID))
	mustStatus(test, response, http.StatusPaymentRequired)
	body := mustDecode(test, response)
	if required := numberAt(test, body, "required"); required != 500 {
		test.Fatalf("expected required 500, got %d", required)
	}
	if balance := numberAt(test, body, "balance"); balance != 100 {
		test.Fatalf("expected balance 100, got %d", balance)
	}
	if code := stringAt(test, body, "error", "code"); code != "insufficient_funds" {
		test.Fatalf("unexpected error code %q", code)
	}
}

func TestRequestValidation(test *testing.T) {
	client := newTestClient(test)
	testCases := []struct {
		name     string
		path     string
		payload  map[string]any
		contains string
	}{
		{name: "missing amount", path: "/api/tips", payload: map[string]any{"to_user_id": creatorUserID, "request_id": "r"}, contains: "Amount is required"},
		{name: "unknown session kind", path: "/api/sessions", payload: map[string]any{"session_id": "s", "kind": "holo_call", "payee_id": creatorUserID, "rate_per_minute": 5}, contains: "Kind must be one of"},
		{name: "self tip", path: "/api/tips", payload: map[string]any{"to_user_id": fanUserID, "amount": 5, "request_id": "r"}, contains: "yourself"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			response := client.do(http.MethodPost, testCase.path, testCase.payload, client.asUser(fanUserID))
			mustStatus(test, response, http.StatusBadRequest)
			if message := stringAt(test, mustDecode(test, response), "error", "message"); !strings.Contains(message, testCase.contains) {
				test.Fatalf("expected message containing %q, got %q", testCase.contains, message)
			}
		})
	}
}

func TestSessionLifecycle(test *testing.T) {
	client := newTestClient(test)
	client.grant(fanUserID, 100, "charge-1")

	start := client.do(http.MethodPost, "/api/sessions", map[string]any{
		"session_id":        "call-1",
		"kind":              "video_call",
		"payee_id":          creatorUserID,
		"rate_per_minute":   10,
		"estimated_minutes": 5,
	}, client.asUser(fanUserID))
	mustStatus(test, start, http.StatusOK)
	startBody := mustDecode(test, start)
	if held := numberAt(test, startBody, "balance", "held_balance"); held != 50 {
		test.Fatalf("expected 50 held, got %d", held)
	}

	outsider := client.do(http.MethodGet, "/api/sessions/call-1", nil, client.asUser(outsiderUserID))
	mustStatus(test, outsider, http.StatusForbidden)

	client.clock.Advance(121 * time.Second)
	end := client.do(http.MethodPost, "/api/sessions/call-1/end", nil, client.asUser(creatorUserID))
	mustStatus(test, end, http.StatusOK)
	endBody := mustDecode(test, end)
	if billed := numberAt(test, endBody, "session", "billed_minutes"); billed != 3 {
		test.Fatalf("expected 3 billed minutes, got %d", billed)
	}
	if charged := numberAt(test, endBody, "session", "charged"); charged != 30 {
		test.Fatalf("expected charge 30, got %d", charged)
	}
	if stringAt(test, endBody, "transaction_id") == "" {
		test.Fatalf("expected a settlement transaction id")
	}

	wallet := client.do(http.MethodGet, "/api/wallet", nil, client.asUser(fanUserID))
	mustStatus(test, wallet, http.StatusOK)
	walletBody := mustDecode(test, wallet)
	if balance := numberAt(test, walletBody, "wallet", "balance"); balance != 70 {
		test.Fatalf("expected fan balance 70, got %d", balance)
	}
	if held := numberAt(test, walletBody, "wallet", "held_balance"); held != 0 {
		test.Fatalf("expected no held coins, got %d", held)
	}

	cancel := client.do(http.MethodPost, "/api/sessions/call-1/cancel", nil, client.asUser(fanUserID))
	mustStatus(test, cancel, http.StatusConflict)

	missing := client.do(http.MethodGet, "/api/sessions/call-404", nil, client.asUser(fanUserID))
	mustStatus(test, missing, http.StatusNotFound)
}

func TestSessionBillIgnoresReportedDuration(test *testing.T) {
	client := newTestClient(test)
	client.grant(fanUserID, 1000, "charge-1")

	start := client.do(http.MethodPost, "/api/sessions", map[string]any{
		"session_id":        "call-2",
		"kind":              "video_call",
		"payee_id":          creatorUserID,
		"rate_per_minute":   10,
		"estimated_minutes": 5,
	}, client.asUser(fanUserID))
	mustStatus(test, start, http.StatusOK)

	client.clock.Advance(20 * time.Second)
	end := client.do(http.MethodPost, "/api/sessions/call-2/end", map[string]any{"elapsed_seconds": 6000, "overage": "write_off"}, client.asUser(creatorUserID))
	mustStatus(test, end, http.StatusOK)
	endBody := mustDecode(test, end)
	if billed := numberAt(test, endBody, "session", "billed_minutes"); billed != 1 {
		test.Fatalf("expected 1 billed minute, got %d", billed)
	}
	if charged := numberAt(test, endBody, "session", "charged"); charged != 10 {
		test.Fatalf("expected charge 10, got %d", charged)
	}

	wallet := client.do(http.MethodGet, "/api/wallet", nil, client.asUser(fanUserID))
	mustStatus(test, wallet, http.StatusOK)
	if balance := numberAt(test, mustDecode(test, wallet), "wallet", "balance"); balance != 990 {
		test.Fatalf("expected fan balance 990, got %d", balance)
	}
}

func TestPayoutLifecycle(test *testing.T) {
	client := newTestClient(test)
	client.grant(creatorUserID, 500, "earnings-seed")

	request := client.do(http.MethodPost, "/api/payouts", map[string]any{"payout_id": "po-1", "amount": 200}, client.asUser(creatorUserID))
	mustStatus(test, request, http.StatusOK)
	requestBody := mustDecode(test, request)
	if cash := stringAt(test, requestBody, "payout", "cash_value"); cash != "10.00" {
		test.Fatalf("expected cash value 10.00, got %q", cash)
	}
	if held := numberAt(test, requestBody, "balance", "held_balance"); held != 200 {
		test.Fatalf("expected 200 held, got %d", held)
	}

	transition := func(status string) *httptest.ResponseRecorder {
		return client.do(http.MethodPost, "/admin/payouts/po-1/transition", map[string]any{"status": status}, client.asAdmin("admin"))
	}
	mustStatus(test, transition("completed"), http.StatusBadRequest)
	mustStatus(test, transition("processing"), http.StatusOK)
	completed := transition("completed")
	mustStatus(test, completed, http.StatusOK)
	if previous := stringAt(test, mustDecode(test, completed), "previous_status"); previous != "processing" {
		test.Fatalf("expected previous status processing, got %q", previous)
	}

	wallet := client.do(http.MethodGet, "/api/wallet", nil, client.asUser(creatorUserID))
	mustStatus(test, wallet, http.StatusOK)
	walletBody := mustDecode(test, wallet)
	if balance := numberAt(test, walletBody, "wallet", "balance"); balance != 300 {
		test.Fatalf("expected balance 300, got %d", balance)
	}
	if held := numberAt(test, walletBody, "wallet", "held_balance"); held != 0 {
		test.Fatalf("expected no held coins, got %d", held)
	}

	list := client.do(http.MethodGet, "/api/payouts", nil, client.asUser(creatorUserID))
	mustStatus(test, list, http.StatusOK)
	payouts, _ := mustDecode(test, list)["payouts"].([]any)
	if len(payouts) != 1 {
		test.Fatalf("expected one payout, got %d", len(payouts))
	}

	foreign := client.do(http.MethodGet, "/api/payouts/po-1", nil, client.asUser(fanUserID))
	mustStatus(test, foreign, http.StatusNotFound)

	reconciliation := client.do(http.MethodGet, "/admin/accounts/"+creatorUserID+"/reconciliation", nil, client.asAdmin("admin"))
	mustStatus(test, reconciliation, http.StatusOK)
	if consistent, _ := valueAt(test, mustDecode(test, reconciliation), "reconciliation", "consistent").(bool); !consistent {
		test.Fatalf("expected a consistent account after payout")
	}
}

func TestGoalTipsCompleteGoal(test *testing.T) {
	client := newTestClient(test)
	client.grant(fanUserID, 100, "charge-1")

	created := client.do(http.MethodPost, "/api/goals", map[string]any{"title": "New camera", "target": 50}, client.asUser(creatorUserID))
	mustStatus(test, created, http.StatusCreated)
	goalID := stringAt(test, mustDecode(test, created), "goal", "goal_id")

	cancel := client.do(http.MethodPost, "/api/goals/"+goalID+"/cancel", nil, client.asUser(fanUserID))
	mustStatus(test, cancel, http.StatusForbidden)

	tipped := client.do(http.MethodPost, "/api/goals/"+goalID+"/tips", map[string]any{"amount": 50, "request_id": "goal-req-1"}, client.asUser(fanUserID))
	mustStatus(test, tipped, http.StatusOK)
	tippedBody := mustDecode(test, tipped)
	if status := stringAt(test, tippedBody, "goal", "status"); status != "completed" {
		test.Fatalf("expected completed goal, got %q", status)
	}
	if progress := numberAt(test, tippedBody, "goal", "progress"); progress != 50 {
		test.Fatalf("expected progress 50, got %d", progress)
	}

	late := client.do(http.MethodPost, "/api/goals/"+goalID+"/tips", map[string]any{"amount": 5, "request_id": "goal-req-2"}, client.asUser(fanUserID))
	mustStatus(test, late, http.StatusConflict)
}

func TestPurchasesGrantEntitlements(test *testing.T) {
	client := newTestClient(test)
	client.grant(fanUserID, 100, "charge-1")

	ticket := client.do(http.MethodPost, "/api/tickets", map[string]any{"creator_id": creatorUserID, "stream_id": "stream-9", "price": 20}, client.asUser(fanUserID))
	mustStatus(test, ticket, http.StatusOK)
	if kind := stringAt(test, mustDecode(test, ticket), "entitlement", "kind"); kind != "ticket" {
		test.Fatalf("expected ticket entitlement, got %q", kind)
	}

	subscription := client.do(http.MethodPost, "/api/subscriptions", map[string]any{
		"creator_id":       creatorUserID,
		"period":           "2026-11",
		"price":            30,
		"expires_unix_utc": time.Now().Add(30 * 24 * time.Hour).Unix(),
	}, client.asUser(fanUserID))
	mustStatus(test, subscription, http.StatusOK)
	if spendable := numberAt(test, mustDecode(test, subscription), "transfer", "balance", "spendable"); spendable != 50 {
		test.Fatalf("expected spendable 50, got %d", spendable)
	}

	listed := client.do(http.MethodGet, "/api/entitlements", nil, client.asUser(fanUserID))
	mustStatus(test, listed, http.StatusOK)
	entitlements, _ := mustDecode(test, listed)["entitlements"].([]any)
	if len(entitlements) != 2 {
		test.Fatalf("expected two entitlements, got %d", len(entitlements))
	}

	entries := client.do(http.MethodGet, "/api/wallet/entries?limit=2", nil, client.asUser(fanUserID))
	mustStatus(test, entries, http.StatusOK)
	listedEntries, _ := mustDecode(test, entries)["entries"].([]any)
	if len(listedEntries) != 2 {
		test.Fatalf("expected two entries, got %d", len(listedEntries))
	}

	badLimit := client.do(http.MethodGet, "/api/wallet/entries?limit=zero", nil, client.asUser(fanUserID))
	mustStatus(test, badLimit, http.StatusBadRequest)
}
