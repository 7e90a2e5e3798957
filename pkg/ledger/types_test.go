package ledger

import (
	"errors"
	"testing"
)

func TestNewUserID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " user-123 ", wantVal: "user-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidUserID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewUserID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestNewHoldID(t *testing.T) {
	t.Parallel()
	_, err := NewHoldID("")
	if !errors.Is(err, ErrInvalidHoldID) {
		t.Fatalf("expected ErrInvalidHoldID, got %v", err)
	}
}

func TestNewIdempotencyKey(t *testing.T) {
	t.Parallel()
	_, err := NewIdempotencyKey("   ")
	if !errors.Is(err, ErrInvalidIdempotencyKey) {
		t.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
	if key := OptionalIdempotencyKey("  "); !key.IsZero() {
		t.Fatalf("expected zero key, got %q", key)
	}
	if key := OptionalIdempotencyKey(" tip_a_b_1 "); key.String() != "tip_a_b_1" {
		t.Fatalf("expected trimmed key, got %q", key)
	}
}

func TestCoinsConstructors(t *testing.T) {
	t.Parallel()
	if _, err := NewCoins(-1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative coins, got %v", err)
	}
	if coins, err := NewCoins(0); err != nil || coins != 0 {
		t.Fatalf("expected zero coins, got %d (%v)", coins, err)
	}
	if _, err := NewPositiveCoins(0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero positive coins, got %v", err)
	}
	positive, err := NewPositiveCoins(25)
	if err != nil {
		t.Fatalf("positive coins: %v", err)
	}
	if positive.Signed().Negated() != -25 || positive.Coins() != 25 {
		t.Fatalf("unexpected conversions for %d", positive)
	}
}

func TestEntryTypeCounterparts(t *testing.T) {
	t.Parallel()
	cases := map[EntryType]EntryType{
		EntryCallCharge:      EntryCallEarnings,
		EntryGroupRoomCharge: EntryGroupRoomEarnings,
		EntryAISession:       EntryAISessionEarnings,
		EntryTip:             EntryTip,
		EntrySubscription:    EntrySubscription,
	}
	for entryType, want := range cases {
		if got := entryType.Counterpart(); got != want {
			t.Fatalf("expected %s counterpart %s, got %s", entryType, want, got)
		}
	}
	if _, err := ParseEntryType("refund"); !errors.Is(err, ErrInvalidEntryType) {
		t.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
	if parsed, err := ParseEntryType(" goal_tip "); err != nil || parsed != EntryGoalTip {
		t.Fatalf("expected goal_tip, got %q (%v)", parsed, err)
	}
}

func TestHoldPurposeChargeType(t *testing.T) {
	t.Parallel()
	cases := []struct {
		purpose HoldPurpose
		want    EntryType
		session bool
	}{
		{purpose: HoldPurposeVideoCall, want: EntryCallCharge, session: true},
		{purpose: HoldPurposeVoiceCall, want: EntryCallCharge, session: true},
		{purpose: HoldPurposeGroupRoom, want: EntryGroupRoomCharge, session: true},
		{purpose: HoldPurposeAISession, want: EntryAISession, session: true},
		{purpose: HoldPurposePayout, want: EntryPayout, session: false},
	}
	for _, tc := range cases {
		if got := tc.purpose.ChargeType(); got != tc.want {
			t.Fatalf("expected %s charge type %s, got %s", tc.purpose, tc.want, got)
		}
		if tc.purpose.IsSession() != tc.session {
			t.Fatalf("unexpected session flag for %s", tc.purpose)
		}
	}
	if _, err := ParseHoldPurpose("podcast"); !errors.Is(err, ErrInvalidHoldPurpose) {
		t.Fatalf("expected ErrInvalidHoldPurpose, got %v", err)
	}
}

func TestParseOveragePolicy(t *testing.T) {
	t.Parallel()
	if policy, err := ParseOveragePolicy(""); err != nil || policy != OverageForbidden {
		t.Fatalf("expected blank policy to default to forbidden, got %q (%v)", policy, err)
	}
	if policy, err := ParseOveragePolicy("write_off"); err != nil || policy != OverageWriteOff {
		t.Fatalf("expected write_off, got %q (%v)", policy, err)
	}
	if _, err := ParseOveragePolicy("lenient"); !errors.Is(err, ErrInvalidOveragePolicy) {
		t.Fatalf("expected ErrInvalidOveragePolicy, got %v", err)
	}
}
