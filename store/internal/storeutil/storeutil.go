// Package storeutil holds the decisions every store backend shares.
package storeutil

import (
	"fmt"
	"time"

	"github.com/xraph/credit"
	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
)

// RedeemRejection explains why a redemption that changed nothing was
// refused. c and e are nil when the code or account does not exist. It
// returns nil when nothing in the current state forbids the redemption,
// which means the attempt lost a race and may be classified by re-reading.
func RedeemRejection(c *code.Code, alreadyRedeemed bool, e *account.Entitlement, now time.Time) error {
	if c == nil {
		return credit.ErrCodeNotFound
	}

	switch c.State(now) {
	case code.StateExhausted:
		return credit.ErrCodeExhausted
	case code.StateExpired:
		return credit.ErrCodeExpired
	case code.StateInactive:
		return credit.ErrCodeInactive
	}

	if alreadyRedeemed {
		return credit.ErrCodeAlreadyRedeemed
	}

	switch {
	case e == nil:
		return credit.ErrAccountNotFound
	case e.IsFrozen():
		return credit.ErrAccountFrozen
	}
	return nil
}

// DecrementRefusal builds the result of a decrement that did not apply,
// or the error that explains it.
func DecrementRefusal(e *account.Entitlement) (*account.DecrementResult, error) {
	if e.IsFrozen() {
		return nil, credit.ErrAccountFrozen
	}
	return &account.DecrementResult{Balance: e.Balance}, nil
}

// CheckDecrement rejects a decrement whose amount is not positive. A
// negative amount would credit the balance through the debit path.
func CheckDecrement(d account.Decrement) error {
	if !d.Amount.IsPositive() {
		return fmt.Errorf("%w: decrement amount %s must be positive", credit.ErrInvalidInput, d.Amount)
	}
	return nil
}

// Replay answers a keyed decrement from the charge stored under the same
// key. A key reused for another feature or amount is a conflict, not a
// replay.
func Replay(prior *account.Charge, d account.Decrement) (*account.DecrementResult, error) {
	if prior.Feature != d.Feature || prior.Amount != d.Amount {
		return nil, fmt.Errorf("%w: key %q was used for %s costing %s",
			credit.ErrIdempotencyConflict, d.IdempotencyKey, prior.Feature, prior.Amount)
	}
	return &account.DecrementResult{OK: true, Balance: prior.BalanceAfter, Replayed: true, ChargeID: prior.ID}, nil
}
