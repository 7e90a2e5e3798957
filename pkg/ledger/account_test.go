package ledger

import (
	"errors"
	"testing"
)

func TestAccountBalanceDelta(test *testing.T) {
	test.Parallel()
	account := Account{Balance: 100, HeldBalance: 30}
	if account.Spendable() != 70 {
		test.Fatalf("expected spendable 70, got %d", account.Spendable())
	}
	if _, err := account.WithBalanceDelta(-71); !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds when dipping into held coins, got %v", err)
	}
	next, err := account.WithBalanceDelta(-70)
	if err != nil {
		test.Fatalf("debit spendable: %v", err)
	}
	if next.Balance != 30 || next.Spendable() != 0 {
		test.Fatalf("unexpected account after debit: %+v", next)
	}
}

func TestAccountHeldDelta(test *testing.T) {
	test.Parallel()
	account := Account{Balance: 50, HeldBalance: 10}
	if _, err := account.WithHeldDelta(41); !errors.Is(err, ErrInvariantViolation) {
		test.Fatalf("expected ErrInvariantViolation above balance, got %v", err)
	}
	if _, err := account.WithHeldDelta(-11); !errors.Is(err, ErrInvariantViolation) {
		test.Fatalf("expected ErrInvariantViolation below zero, got %v", err)
	}
	next, err := account.WithHeldDelta(40)
	if err != nil || next.HeldBalance != 50 {
		test.Fatalf("expected held 50, got %+v (%v)", next, err)
	}
}

func TestReconciliationConsistent(test *testing.T) {
	test.Parallel()
	if !(Reconciliation{}).Consistent() {
		test.Fatalf("expected zero drift to be consistent")
	}
	if (Reconciliation{HeldDrift: 1}).Consistent() {
		test.Fatalf("expected held drift to be inconsistent")
	}
}
