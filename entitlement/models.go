package entitlement

import (
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
)

type Decision struct {
	Allowed  bool          `json:"allowed"`
	Feature  tier.Feature  `json:"feature"`
	Current  tier.Tier     `json:"current_tier"`
	Required tier.Tier     `json:"required_tier,omitempty"`
	Cost     types.Credits `json:"cost"`
	Reason   string        `json:"reason,omitempty"`
}

type LimitDecision struct {
	Allowed   bool           `json:"allowed"`
	Kind      tier.LimitKind `json:"kind"`
	Limit     int            `json:"limit"`
	Existing  int            `json:"existing"`
	Remaining int            `json:"remaining"`
}
