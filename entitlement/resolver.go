// Package entitlement decides what a tier may do before any credits move.
package entitlement

import "github.com/xraph/credit/tier"

const (
	ReasonUnknownFeature = "unknown feature"
	ReasonTierTooLow     = "tier too low"
	ReasonLimitReached   = "limit reached"
)

// Resolver answers gating questions from a catalog. It holds no state of
// its own.
type Resolver struct {
	catalog *tier.Catalog
}

func NewResolver(c *tier.Catalog) *Resolver {
	return &Resolver{catalog: c}
}

// Check decides whether tier t may use feature f.
func (r *Resolver) Check(t tier.Tier, f tier.Feature) Decision {
	d := Decision{Feature: f, Current: t}

	required, ok := r.catalog.MinimumTier(f)
	if !ok {
		d.Reason = ReasonUnknownFeature
		return d
	}
	d.Required = required

	if !t.Satisfies(required) {
		d.Reason = ReasonTierTooLow
		return d
	}

	d.Allowed = true
	d.Cost = r.catalog.CostOf(f, t)
	return d
}

// ProfileLimit returns the countable limit of kind at tier t.
func (r *Resolver) ProfileLimit(t tier.Tier, kind tier.LimitKind) int {
	return r.catalog.Limit(t, kind)
}

// CheckLimit decides whether one more resource of kind may be created
// when existing are already owned.
func (r *Resolver) CheckLimit(t tier.Tier, kind tier.LimitKind, existing int) LimitDecision {
	limit := r.ProfileLimit(t, kind)
	d := LimitDecision{Kind: kind, Limit: limit, Existing: existing}

	if limit == tier.Unlimited {
		d.Allowed = true
		d.Remaining = tier.Unlimited
		return d
	}

	d.Remaining = max(0, limit-existing)
	d.Allowed = existing < limit
	return d
}
