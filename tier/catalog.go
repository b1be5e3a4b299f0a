package tier

import (
	"errors"
	"fmt"
	"sort"

	"github.com/xraph/credit/types"
)

// FullPrice is the multiplier, in basis points, of an undiscounted cost.
const FullPrice int64 = 10000

// Definition describes one tier.
type Definition struct {
	Tier             Tier              `json:"tier"`
	Name             string            `json:"name"`
	MonthlyAllotment types.Credits     `json:"monthly_allotment"`
	Limits           map[LimitKind]int `json:"limits,omitempty"`
}

// Cost is the price of one use of a feature. Multipliers maps a tier to a
// basis-point multiplier that applies to that tier and every tier above it
// until a higher entry overrides it.
type Cost struct {
	Base        types.Credits  `json:"base"`
	Multipliers map[Tier]int64 `json:"multipliers,omitempty"`
}

// Catalog is the immutable lookup table behind allotments, costs and gating.
type Catalog struct {
	tiers       map[Tier]Definition
	order       []Tier
	costs       map[Feature]Cost
	minTier     map[Feature]Tier
	rolloverCap int
}

// New builds a catalog and validates it.
func New(defs []Definition, costs map[Feature]Cost, availability map[Feature]Tier) (*Catalog, error) {
	c := &Catalog{
		tiers:       make(map[Tier]Definition, len(defs)),
		costs:       make(map[Feature]Cost, len(costs)),
		minTier:     make(map[Feature]Tier, len(availability)),
		rolloverCap: RolloverCapPeriods,
	}

	var errs []error
	for _, d := range defs {
		if d.Tier < Free {
			errs = append(errs, fmt.Errorf("tier %d: must be >= %d", d.Tier, Free))
			continue
		}
		if _, dup := c.tiers[d.Tier]; dup {
			errs = append(errs, fmt.Errorf("tier %d: defined twice", d.Tier))
			continue
		}
		if d.MonthlyAllotment.IsNegative() {
			errs = append(errs, fmt.Errorf("tier %d: negative monthly allotment", d.Tier))
		}
		c.tiers[d.Tier] = d
		c.order = append(c.order, d.Tier)
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })

	if _, ok := c.tiers[Free]; !ok {
		errs = append(errs, errors.New("free tier is not defined"))
	}

	for f, t := range availability {
		if _, ok := c.tiers[t]; !ok {
			errs = append(errs, fmt.Errorf("feature %q: requires undefined tier %d", f, t))
			continue
		}
		c.minTier[f] = t
	}

	for f, cost := range costs {
		if _, ok := c.minTier[f]; !ok {
			errs = append(errs, fmt.Errorf("feature %q: cost defined without availability", f))
			continue
		}
		if cost.Base.IsNegative() {
			errs = append(errs, fmt.Errorf("feature %q: negative base cost", f))
		}
		for t, bp := range cost.Multipliers {
			if bp < 0 || bp > FullPrice {
				errs = append(errs, fmt.Errorf("feature %q: tier %d multiplier %d out of range", f, t, bp))
			}
		}
		c.costs[f] = cost
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("tier: invalid catalog: %w", errors.Join(errs...))
	}
	return c, nil
}

// definitionFor returns the definition of the highest defined tier not
// above t. Tiers above the top of the catalog inherit the top tier.
func (c *Catalog) definitionFor(t Tier) (Definition, bool) {
	for i := len(c.order) - 1; i >= 0; i-- {
		if c.order[i] <= t {
			return c.tiers[c.order[i]], true
		}
	}
	return Definition{}, false
}

// AllotmentFor returns the monthly credit allotment of a tier.
func (c *Catalog) AllotmentFor(t Tier) types.Credits {
	d, ok := c.definitionFor(t)
	if !ok {
		return 0
	}
	return d.MonthlyAllotment
}

// CostOf returns what one use of feature costs at tier t. Unknown features
// cost nothing; callers gate them with IsFeatureAvailable first.
func (c *Catalog) CostOf(f Feature, t Tier) types.Credits {
	cost, ok := c.costs[f]
	if !ok {
		return 0
	}

	bp := FullPrice
	best := Tier(0)
	for mt, m := range cost.Multipliers {
		if mt <= t && mt > best {
			best, bp = mt, m
		}
	}
	return cost.Base.ApplyBasisPoints(bp)
}

// IsFeatureAvailable reports whether tier t may use feature f.
func (c *Catalog) IsFeatureAvailable(f Feature, t Tier) bool {
	required, ok := c.minTier[f]
	return ok && t.Satisfies(required)
}

// MinimumTier returns the lowest tier that unlocks f.
func (c *Catalog) MinimumTier(f Feature) (Tier, bool) {
	t, ok := c.minTier[f]
	return t, ok
}

// Limit returns the countable limit of kind at tier t, Unlimited for no
// cap, or 0 when the tier has no allowance at all.
func (c *Catalog) Limit(t Tier, kind LimitKind) int {
	d, ok := c.definitionFor(t)
	if !ok {
		return 0
	}
	return d.Limits[kind]
}

// RolloverCap returns the largest rollover an allotment may carry.
func (c *Catalog) RolloverCap(allotment types.Credits) types.Credits {
	return allotment.Mul(int64(c.rolloverCap))
}

// Tiers returns the tier definitions in ascending order.
func (c *Catalog) Tiers() []Definition {
	out := make([]Definition, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, c.tiers[t])
	}
	return out
}

// Lookup returns the definition of exactly tier t.
func (c *Catalog) Lookup(t Tier) (Definition, bool) {
	d, ok := c.tiers[t]
	return d, ok
}

// Top returns the highest defined tier.
func (c *Catalog) Top() Tier {
	return c.order[len(c.order)-1]
}

// Features returns every gated feature, sorted by minimum tier then name.
func (c *Catalog) Features() []Feature {
	out := make([]Feature, 0, len(c.minTier))
	for f := range c.minTier {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if c.minTier[out[i]] != c.minTier[out[j]] {
			return c.minTier[out[i]] < c.minTier[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
