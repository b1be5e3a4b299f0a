package account

import (
	"time"

	"github.com/xraph/credit/id"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
)

type Status string

const (
	StatusActive Status = "active"
	StatusFrozen Status = "frozen"
)

// Entitlement is the per-account credit record.
type Entitlement struct {
	types.Entity
	AccountID               string        `json:"account_id"`
	Tier                    tier.Tier     `json:"tier"`
	Balance                 types.Credits `json:"balance"`
	Rollover                types.Credits `json:"rollover"`
	MonthlyAllotment        types.Credits `json:"monthly_allotment"`
	ResetAt                 time.Time     `json:"reset_at"`
	StackedUnits            int           `json:"stacked_units"`
	LastLowBalanceWarningAt *time.Time    `json:"last_low_balance_warning_at,omitempty"`
	Status                  Status        `json:"status"`
	FrozenReason            string        `json:"frozen_reason,omitempty"`
}

// Total is balance plus rollover, the figure shown to users.
func (e *Entitlement) Total() types.Credits {
	return e.Balance.Add(e.Rollover)
}

func (e *Entitlement) IsFrozen() bool {
	return e.Status == StatusFrozen
}

// DueForRefresh reports whether the reset timestamp has elapsed.
func (e *Entitlement) DueForRefresh(now time.Time) bool {
	return !e.ResetAt.After(now)
}

// NextPeriod advances t by one calendar month with time.AddDate
// semantics. A day that does not exist in the next month normalizes
// forward: Jan 31 becomes Mar 3 (Mar 2 in leap years). The cycle then
// keeps the normalized day, so accounts opened late in a month drift
// to an earlier anchor day after the first short month.
func NextPeriod(t time.Time) time.Time {
	return t.AddDate(0, 1, 0)
}

// Decrement asks the store to take Amount from an account's balance.
type Decrement struct {
	AccountID      string
	Amount         types.Credits
	Feature        tier.Feature
	IdempotencyKey string
}

type DecrementResult struct {
	OK       bool          `json:"ok"`
	Balance  types.Credits `json:"balance"`
	Replayed bool          `json:"replayed"`
	ChargeID id.ChargeID   `json:"charge_id,omitempty"`
}

// Refresh is a compare-and-swap period rollover. It applies only when the
// stored reset_at, balance and allotment still equal the Prev values and
// reset_at is not after Now.
type Refresh struct {
	AccountID     string
	Now           time.Time
	PrevResetAt   time.Time
	PrevBalance   types.Credits
	PrevAllotment types.Credits
	NewBalance    types.Credits
	NewRollover   types.Credits
	NewResetAt    time.Time
}

// Grant adds credits and allotment and raises the tier when
// NewTierIfHigher is above the current one. It never lowers the tier.
type Grant struct {
	AccountID         string
	DeltaBalance      types.Credits
	DeltaAllotment    types.Credits
	NewTierIfHigher   tier.Tier
	DeltaStackedUnits int
}

// Charge is the persisted outcome of an idempotency-keyed decrement.
type Charge struct {
	ID             id.ChargeID   `json:"id"`
	AccountID      string        `json:"account_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Feature        tier.Feature  `json:"feature"`
	Amount         types.Credits `json:"amount"`
	BalanceAfter   types.Credits `json:"balance_after"`
	CreatedAt      time.Time     `json:"created_at"`
}

// LowBalanceQuery selects active accounts whose balance is under
// RatioBasisPoints of their allotment and that were not warned after
// WarnedBefore. Results are ordered by account ID, starting after After.
type LowBalanceQuery struct {
	RatioBasisPoints int64
	WarnedBefore     time.Time
	After            string
	Limit            int
}

// IsLow reports whether e matches the balance part of q.
func (q LowBalanceQuery) IsLow(e *Entitlement) bool {
	if !e.MonthlyAllotment.IsPositive() {
		return false
	}
	return e.Balance.Units()*10000 < e.MonthlyAllotment.Units()*q.RatioBasisPoints
}

// Throttled reports whether e was warned too recently.
func (q LowBalanceQuery) Throttled(e *Entitlement) bool {
	return e.LastLowBalanceWarningAt != nil && !e.LastLowBalanceWarningAt.Before(q.WarnedBefore)
}
