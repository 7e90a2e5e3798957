package ledger

import (
	"fmt"
	"time"
)

// Account is the per-user wallet row. HeldBalance is the part of Balance reserved by active holds.
type Account struct {
	UserID      UserID
	Balance     Coins
	HeldBalance Coins
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Spendable returns the balance not reserved by holds.
func (account Account) Spendable() Coins {
	if account.HeldBalance >= account.Balance {
		return 0
	}
	return account.Balance - account.HeldBalance
}

// WithBalanceDelta returns the account with its balance moved by delta.
// It fails with ErrInsufficientFunds when the result would drop below zero or below the held balance.
func (account Account) WithBalanceDelta(delta SignedCoins) (Account, error) {
	next := account.Balance.Signed() + delta
	if next < 0 || next < account.HeldBalance.Signed() {
		return account, fmt.Errorf("%w: balance %d, held %d, delta %d", ErrInsufficientFunds, account.Balance, account.HeldBalance, delta)
	}
	account.Balance = Coins(next)
	return account, nil
}

// WithHeldDelta returns the account with its held balance moved by delta.
// It fails with ErrInvariantViolation when the held balance would leave [0, balance].
func (account Account) WithHeldDelta(delta SignedCoins) (Account, error) {
	next := account.HeldBalance.Signed() + delta
	if next < 0 || next > account.Balance.Signed() {
		return account, fmt.Errorf("%w: held %d, balance %d, delta %d", ErrInvariantViolation, account.HeldBalance, account.Balance, delta)
	}
	account.HeldBalance = Coins(next)
	return account, nil
}

// Reconciliation compares an account row with the ledger and hold tables.
type Reconciliation struct {
	UserID       UserID
	Balance      Coins
	HeldBalance  Coins
	EntryTotal   SignedCoins
	ActiveHolds  Coins
	BalanceDrift SignedCoins
	HeldDrift    SignedCoins
}

// Consistent reports whether both the balance and held balance match their sources.
func (reconciliation Reconciliation) Consistent() bool {
	return reconciliation.BalanceDrift == 0 && reconciliation.HeldDrift == 0
}
