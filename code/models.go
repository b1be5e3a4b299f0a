package code

import (
	"strings"
	"time"

	"github.com/xraph/credit/id"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
)

// Code is a redeemable entitlement unit.
type Code struct {
	types.Entity
	ID                 id.CodeID  `json:"id"`
	Code               string     `json:"code"`
	Tier               tier.Tier  `json:"tier"`
	MaxRedemptions     int        `json:"max_redemptions"`
	CurrentRedemptions int        `json:"current_redemptions"`
	IsActive           bool       `json:"is_active"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	Batch              string     `json:"batch,omitempty"`
}

type State string

const (
	StateActive    State = "active"
	StateExhausted State = "exhausted"
	StateExpired   State = "expired"
	StateInactive  State = "inactive"
)

// State classifies the code at now. A code at capacity is exhausted even
// while IsActive is still set.
func (c *Code) State(now time.Time) State {
	switch {
	case c.CurrentRedemptions >= c.MaxRedemptions:
		return StateExhausted
	case c.ExpiresAt != nil && !c.ExpiresAt.After(now):
		return StateExpired
	case !c.IsActive:
		return StateInactive
	default:
		return StateActive
	}
}

// Remaining returns how many more redemptions the code allows.
func (c *Code) Remaining() int {
	return max(0, c.MaxRedemptions-c.CurrentRedemptions)
}

// Normalize canonicalizes user input for lookup.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Redemption records one account redeeming one code.
type Redemption struct {
	ID           id.RedemptionID `json:"id"`
	CodeID       id.CodeID       `json:"code_id"`
	Code         string          `json:"code"`
	AccountID    string          `json:"account_id"`
	Tier         tier.Tier       `json:"tier"`
	PreviousTier tier.Tier       `json:"previous_tier"`
	CreditsAdded types.Credits   `json:"credits_added"`
	RedeemedAt   time.Time       `json:"redeemed_at"`
}

// Redeem is one atomic redemption: claim a slot on the code, record the
// redemption and grant Credits to the account, or do nothing.
type Redeem struct {
	ID        id.RedemptionID
	AccountID string
	CodeID    id.CodeID
	Credits   types.Credits
	Now       time.Time
}
