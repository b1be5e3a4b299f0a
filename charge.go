package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/credit/account"
	"github.com/xraph/credit/entitlement"
	"github.com/xraph/credit/id"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
	"github.com/xraph/credit/usage"
)

// ChargeResult is the outcome of a successful charge.
type ChargeResult struct {
	Remaining types.Credits `json:"remaining"`
	Cost      types.Credits `json:"cost"`
	Tier      tier.Tier     `json:"tier"`
	Replayed  bool          `json:"replayed"`
	ChargeID  id.ChargeID   `json:"charge_id,omitempty"`
}

// MaxQuantity is the most units a single charge may take.
const MaxQuantity = 10_000

type chargeOptions struct {
	idempotencyKey string
	metadata       map[string]string
	quantity       int64
}

// ChargeOption configures a single charge.
type ChargeOption func(*chargeOptions)

// WithIdempotencyKey makes a charge safe to retry. A second charge with the
// same key on the same account returns the first outcome and moves no
// credits.
func WithIdempotencyKey(key string) ChargeOption {
	return func(o *chargeOptions) { o.idempotencyKey = key }
}

// WithMetadata attaches metadata to the usage event.
func WithMetadata(md map[string]string) ChargeOption {
	return func(o *chargeOptions) { o.metadata = md }
}

// WithQuantity charges n units of the feature at once. n must lie in
// [1, MaxQuantity].
func WithQuantity(n int64) ChargeOption {
	return func(o *chargeOptions) { o.quantity = n }
}

// Charge gates feature on the account's tier, then atomically takes its
// cost from the balance. A rejected charge mutates nothing. When Charge
// returns an error the caller must not perform the paid action.
func (l *Ledger) Charge(ctx context.Context, accountID string, feature tier.Feature, opts ...ChargeOption) (*ChargeResult, error) {
	o := chargeOptions{quantity: 1}
	for _, opt := range opts {
		opt(&o)
	}

	if accountID == "" {
		return nil, ValidationError{Field: "account_id", Message: "is required"}
	}
	if o.quantity < 1 || o.quantity > MaxQuantity {
		return nil, ValidationError{Field: "quantity", Message: fmt.Sprintf("must be between 1 and %d", MaxQuantity)}
	}

	ctx, cancel := context.WithTimeout(ctx, l.chargeTimeout)
	defer cancel()

	t, err := l.currentTier(ctx, accountID)
	if err != nil {
		return nil, err
	}

	decision := l.resolver.Check(t, feature)
	if !decision.Allowed {
		var reject error
		if decision.Reason == entitlement.ReasonUnknownFeature {
			reject = fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
		} else {
			reject = &TierRestrictedError{Feature: feature, Current: t, Required: decision.Required}
		}
		l.plugins.EmitChargeRejected(ctx, accountID, feature, reject)
		return nil, reject
	}

	cost, err := decision.Cost.MulChecked(o.quantity)
	if err != nil {
		return nil, ValidationError{Field: "quantity", Message: err.Error()}
	}
	if cost.IsZero() {
		return l.chargeFree(ctx, accountID, feature, t, o)
	}

	dec := account.Decrement{
		AccountID:      accountID,
		Amount:         cost,
		Feature:        feature,
		IdempotencyKey: o.idempotencyKey,
	}

	var res *account.DecrementResult
	if o.idempotencyKey != "" {
		res, err = withRetry(ctx, l, func() (*account.DecrementResult, error) {
			return l.store.TryDecrement(ctx, dec)
		})
	} else {
		// A keyless decrement that timed out may have applied.
		res, err = l.store.TryDecrement(ctx, dec)
		err = unavailable(err)
	}
	if err != nil {
		l.logger.Warn("charge failed",
			"account_id", accountID,
			"feature", feature,
			"cost", cost,
			"error", err,
		)
		l.plugins.EmitChargeRejected(ctx, accountID, feature, err)
		return nil, err
	}

	if !res.OK {
		reject := &InsufficientCreditsError{Remaining: res.Balance, Required: cost}
		l.plugins.EmitChargeRejected(ctx, accountID, feature, reject)
		return nil, reject
	}

	result := &ChargeResult{
		Remaining: res.Balance,
		Cost:      cost,
		Tier:      t,
		Replayed:  res.Replayed,
		ChargeID:  res.ChargeID,
	}

	if res.Replayed {
		l.logger.Debug("charge replayed",
			"account_id", accountID,
			"feature", feature,
			"idempotency_key", o.idempotencyKey,
		)
		return result, nil
	}

	evt := l.newUsageEvent(accountID, feature, t, cost, o)
	l.enqueueUsage(evt)
	l.plugins.EmitCreditsCharged(ctx, evt, res.Balance)

	return result, nil
}

// chargeFree records usage of a zero-cost feature without touching the
// balance.
func (l *Ledger) chargeFree(ctx context.Context, accountID string, feature tier.Feature, t tier.Tier, o chargeOptions) (*ChargeResult, error) {
	e, err := l.Entitlement(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if e.IsFrozen() {
		return nil, ErrAccountFrozen
	}

	evt := l.newUsageEvent(accountID, feature, t, 0, o)
	l.enqueueUsage(evt)
	l.plugins.EmitCreditsCharged(ctx, evt, e.Balance)

	return &ChargeResult{Remaining: e.Balance, Tier: t}, nil
}

func (l *Ledger) newUsageEvent(accountID string, feature tier.Feature, t tier.Tier, cost types.Credits, o chargeOptions) *usage.Event {
	return &usage.Event{
		ID:        id.NewUsageEventID(),
		AccountID: accountID,
		Feature:   feature,
		Quantity:  o.quantity,
		Cost:      cost,
		Tier:      t,
		Timestamp: l.now(),
		Metadata:  o.metadata,
	}
}

// ──────────────────────────────────────────────────
// Entitlements
// ──────────────────────────────────────────────────

// Entitled reports whether the account's tier unlocks feature and what
// one use would cost. It moves no credits.
func (l *Ledger) Entitled(ctx context.Context, accountID string, feature tier.Feature) (*entitlement.Decision, error) {
	t, err := l.currentTier(ctx, accountID)
	if err != nil {
		return nil, err
	}

	d := l.resolver.Check(t, feature)
	return &d, nil
}

// CanCreate checks a countable limit before the caller creates one more
// resource of kind. existing is the number the account already owns.
func (l *Ledger) CanCreate(ctx context.Context, accountID string, kind tier.LimitKind, existing int) error {
	t, err := l.currentTier(ctx, accountID)
	if err != nil {
		return err
	}

	d := l.resolver.CheckLimit(t, kind, existing)
	if !d.Allowed {
		return &LimitReachedError{Kind: kind, Tier: t, Limit: d.Limit, Existing: existing}
	}
	return nil
}

// UsageSummary aggregates the account's usage per feature over the last
// days days.
func (l *Ledger) UsageSummary(ctx context.Context, accountID string, days int) ([]usage.Summary, error) {
	if days < 1 {
		return nil, ValidationError{Field: "days", Message: "must be at least 1"}
	}

	since := l.now().Add(-time.Duration(days) * 24 * time.Hour)
	return withRetry(ctx, l, func() ([]usage.Summary, error) {
		return l.store.SummarizeUsage(ctx, accountID, since)
	})
}

// UsageEvents lists raw usage events of an account.
func (l *Ledger) UsageEvents(ctx context.Context, accountID string, opts usage.QueryOpts) ([]*usage.Event, error) {
	return withRetry(ctx, l, func() ([]*usage.Event, error) {
		return l.store.QueryUsage(ctx, accountID, opts)
	})
}
