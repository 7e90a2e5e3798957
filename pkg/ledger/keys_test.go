package ledger

import (
	"errors"
	"testing"
)

func TestKeyBuilders(test *testing.T) {
	test.Parallel()
	alice := mustUserID(test, "alice")
	bob := mustUserID(test, "bob")
	holdID, err := NewHoldID("hold-7")
	if err != nil {
		test.Fatalf("hold id: %v", err)
	}
	build := func(key IdempotencyKey, err error) string {
		test.Helper()
		if err != nil {
			test.Fatalf("build key: %v", err)
		}
		return key.String()
	}
	testCases := []struct {
		name string
		got  string
		want string
	}{
		{name: "tip", got: build(TipKey(alice, bob, "req-1")), want: "tip_alice_bob_req-1"},
		{name: "gift", got: build(GiftKey(alice, bob, "req-2")), want: "gift_alice_bob_req-2"},
		{name: "ticket", got: build(StreamTicketKey(alice, "stream-9")), want: "stream_ticket_alice_stream-9"},
		{name: "unlock", got: build(ContentUnlockKey(alice, "post-3")), want: "content_unlock_alice_post-3"},
		{name: "subscription", got: build(SubscriptionKey(alice, bob, "2026-03")), want: "subscription_alice_bob_2026-03"},
		{name: "goal tip", got: build(GoalTipKey(alice, "goal-1", "req-3")), want: "goal_tip_alice_goal-1_req-3"},
		{name: "session hold", got: build(SessionHoldKey("call-1")), want: "session_hold_call-1"},
		{name: "payout hold", got: build(PayoutHoldKey("po-1")), want: "payout_hold_po-1"},
		{name: "hold settle", got: build(HoldSettleKey(holdID)), want: "hold_settle_hold-7"},
		{name: "payout complete", got: build(PayoutCompleteKey("po-1")), want: "payout_complete_po-1"},
		{name: "payout refund", got: build(PayoutRefundKey("po-1")), want: "payout_refund_po-1"},
		{name: "grant", got: build(GrantKey(EntryPurchase, "stripe-pi-1")), want: "purchase_stripe-pi-1"},
	}
	for _, testCase := range testCases {
		if testCase.got != testCase.want {
			test.Fatalf("%s: expected %q, got %q", testCase.name, testCase.want, testCase.got)
		}
	}
}

func TestKeyBuildersRejectInvalidSegments(test *testing.T) {
	test.Parallel()
	if _, err := SessionHoldKey("  "); !errors.Is(err, ErrInvalidKeySegment) {
		test.Fatalf("expected ErrInvalidKeySegment for blank segment, got %v", err)
	}
	if _, err := PayoutHoldKey("po:1"); !errors.Is(err, ErrInvalidKeySegment) {
		test.Fatalf("expected ErrInvalidKeySegment for delimiter, got %v", err)
	}
	if _, err := TipKey(UserID{}, mustUserID(test, "bob"), "req"); !errors.Is(err, ErrInvalidKeySegment) {
		test.Fatalf("expected ErrInvalidKeySegment for zero user, got %v", err)
	}
}

func TestCreditKey(test *testing.T) {
	test.Parallel()
	creditKey, err := CreditKey(mustIdempotencyKey(test, "tip_alice_bob_1"))
	if err != nil {
		test.Fatalf("credit key: %v", err)
	}
	if creditKey.String() != "tip_alice_bob_1:credit" {
		test.Fatalf("unexpected credit key %q", creditKey)
	}
	zero, err := CreditKey(IdempotencyKey{})
	if err != nil || !zero.IsZero() {
		test.Fatalf("expected zero credit key for zero base, got %q (%v)", zero, err)
	}
}

func TestKeyBuildersKeepSegmentsApart(test *testing.T) {
	test.Parallel()
	fan := mustUserID(test, "fan")
	first, err := TipKey(fan, mustUserID(test, "b"), "c_d")
	if err != nil {
		test.Fatalf("first key: %v", err)
	}
	second, err := TipKey(fan, mustUserID(test, "b_c"), "d")
	if err != nil {
		test.Fatalf("second key: %v", err)
	}
	if first == second {
		test.Fatalf("expected distinct keys, both were %q", first)
	}
	if first.String() != "tip_fan_b_c%5Fd" || second.String() != "tip_fan_b%5Fc_d" {
		test.Fatalf("unexpected escaping: %q %q", first, second)
	}
	unlockA, err := ContentUnlockKey(mustUserID(test, "a"), "b_c")
	if err != nil {
		test.Fatalf("unlock key: %v", err)
	}
	unlockAB, err := ContentUnlockKey(mustUserID(test, "a_b"), "c")
	if err != nil {
		test.Fatalf("unlock key: %v", err)
	}
	if unlockA == unlockAB {
		test.Fatalf("expected distinct unlock keys, both were %q", unlockA)
	}
	percent, err := PayoutHoldKey("50%5F")
	if err != nil {
		test.Fatalf("percent key: %v", err)
	}
	underscore, err := PayoutHoldKey("50_")
	if err != nil {
		test.Fatalf("underscore key: %v", err)
	}
	if percent == underscore {
		test.Fatalf("expected escaped percent sign to stay distinct, both were %q", percent)
	}
}
