package credit

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/id"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
	"github.com/xraph/credit/usage"
)

// ──────────────────────────────────────────────────
// Purchases and adjustments
// ──────────────────────────────────────────────────

// PurchaseGrant describes credits bought outside the ledger, typically
// reported by a payment webhook. When both deltas are zero the tier's
// allotment is used for each.
type PurchaseGrant struct {
	AccountID      string        `json:"account_id"`
	Tier           tier.Tier     `json:"tier,omitempty"`
	AllotmentDelta types.Credits `json:"allotment_delta"`
	BalanceDelta   types.Credits `json:"balance_delta"`
	Reference      string        `json:"reference,omitempty"`
}

// GrantFromPurchase adds purchased credits and raises the tier when the
// purchase is for a higher one. It never lowers the tier.
func (l *Ledger) GrantFromPurchase(ctx context.Context, p PurchaseGrant) (*account.Entitlement, error) {
	if err := l.validatePurchase(&p); err != nil {
		return nil, err
	}

	g := account.Grant{
		AccountID:       p.AccountID,
		DeltaBalance:    p.BalanceDelta,
		DeltaAllotment:  p.AllotmentDelta,
		NewTierIfHigher: p.Tier,
	}

	return l.applyGrant(ctx, g, "purchase", "reference", p.Reference)
}

func (l *Ledger) validatePurchase(p *PurchaseGrant) error {
	var errs MultiError

	if p.AccountID == "" {
		errs.Add(ValidationError{Field: "account_id", Message: "is required"})
	}
	if p.Tier != 0 {
		if _, ok := l.catalog.Lookup(p.Tier); !ok {
			errs.Add(ValidationError{Field: "tier", Message: fmt.Sprintf("%s is not in the catalog", p.Tier)})
		}
	}
	if p.AllotmentDelta.IsNegative() {
		errs.Add(ValidationError{Field: "allotment_delta", Message: "must not be negative"})
	}
	if p.BalanceDelta.IsNegative() {
		errs.Add(ValidationError{Field: "balance_delta", Message: "must not be negative"})
	}
	if errs.HasErrors() {
		return errs
	}

	if p.AllotmentDelta.IsZero() && p.BalanceDelta.IsZero() {
		if p.Tier == 0 {
			return ValidationError{Field: "balance_delta", Message: "a grant needs a tier or a credit amount"}
		}
		p.AllotmentDelta = l.catalog.AllotmentFor(p.Tier)
		p.BalanceDelta = p.AllotmentDelta
	}
	return nil
}

// AddBonus credits amount to the balance without changing the allotment.
// Refunds and promotional credits go through here. The grant is logged as
// a FeatureBonus usage event with a negative cost.
func (l *Ledger) AddBonus(ctx context.Context, accountID string, amount types.Credits, reason string) (*account.Entitlement, error) {
	if accountID == "" {
		return nil, ValidationError{Field: "account_id", Message: "is required"}
	}
	if !amount.IsPositive() {
		return nil, ValidationError{Field: "amount", Message: "must be positive"}
	}

	grantID := id.NewGrantID()
	g := account.Grant{AccountID: accountID, DeltaBalance: amount}
	e, err := l.applyGrant(ctx, g, "bonus", "grant_id", grantID.String(), "reason", reason)
	if err != nil {
		return nil, err
	}

	l.enqueueUsage(&usage.Event{
		ID:        id.NewUsageEventID(),
		AccountID: accountID,
		Feature:   usage.FeatureBonus,
		Quantity:  1,
		Cost:      -amount,
		Tier:      e.Tier,
		Timestamp: l.now(),
		Metadata:  map[string]string{"grant_id": grantID.String(), "reason": reason},
	})
	return e, nil
}

func (l *Ledger) applyGrant(ctx context.Context, g account.Grant, source string, attrs ...any) (*account.Entitlement, error) {
	e, err := l.store.ApplyGrant(ctx, g)
	if err != nil {
		l.logger.Warn("grant failed",
			"account_id", g.AccountID,
			"source", source,
			"error", err,
		)
		return nil, unavailable(err)
	}

	l.tiers.Add(e.AccountID, e.Tier)
	l.plugins.EmitCreditsGranted(ctx, e, g, source)

	l.logger.Info("credits granted", append([]any{
		"account_id", e.AccountID,
		"source", source,
		"delta_balance", g.DeltaBalance,
		"delta_allotment", g.DeltaAllotment,
		"tier", e.Tier,
		"balance", e.Balance,
	}, attrs...)...)

	return e, nil
}

// AdjustTier sets the tier of an account. Unlike grants it may lower the
// tier; it is an administrative action.
func (l *Ledger) AdjustTier(ctx context.Context, accountID string, t tier.Tier) error {
	if _, ok := l.catalog.Lookup(t); !ok {
		return ValidationError{Field: "tier", Message: fmt.Sprintf("%s is not in the catalog", t)}
	}

	if err := l.store.SetTier(ctx, accountID, t); err != nil {
		return unavailable(err)
	}

	l.tiers.Remove(accountID)
	l.logger.Info("tier adjusted",
		"account_id", accountID,
		"tier", t,
	)
	return nil
}

// Unfreeze returns a frozen account to service. Correct the balance with
// AddBonus first; a record that still violates an invariant freezes again
// on the next read.
func (l *Ledger) Unfreeze(ctx context.Context, accountID string) error {
	if err := l.store.Unfreeze(ctx, accountID); err != nil {
		return unavailable(err)
	}

	l.logger.Info("account unfrozen", "account_id", accountID)
	return nil
}

// ──────────────────────────────────────────────────
// Redemption codes
// ──────────────────────────────────────────────────

// RedeemResult is the account state after a successful redemption.
type RedeemResult struct {
	Redemption   *code.Redemption `json:"redemption"`
	Tier         tier.Tier        `json:"tier"`
	PreviousTier tier.Tier        `json:"previous_tier"`
	NewBalance   types.Credits    `json:"new_balance"`
	StackedUnits int              `json:"stacked_units"`
	CreditsAdded types.Credits    `json:"credits_added"`
}

// RedeemCode redeems a code for an account. Redeeming on an account that
// already holds a tier stacks: allotment and balance add up, stacked units
// grow by one and the tier becomes the higher of the two. The counter
// increment, the redemption record and the grant commit together or not
// at all.
func (l *Ledger) RedeemCode(ctx context.Context, accountID, raw string) (*RedeemResult, error) {
	if accountID == "" {
		return nil, ValidationError{Field: "account_id", Message: "is required"}
	}

	normalized := code.Normalize(raw)
	if normalized == "" {
		return nil, &CodeInvalidError{Code: raw, Reason: ErrCodeNotFound}
	}

	c, err := withRetry(ctx, l, func() (*code.Code, error) {
		return l.store.GetCode(ctx, normalized)
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, &CodeInvalidError{Code: normalized, Reason: ErrCodeNotFound}
		}
		return nil, err
	}

	now := l.now()
	if reason := stateError(c.State(now)); reason != nil {
		return nil, &CodeInvalidError{Code: c.Code, Reason: reason}
	}

	r := code.Redeem{
		ID:        id.NewRedemptionID(),
		AccountID: accountID,
		CodeID:    c.ID,
		Credits:   l.catalog.AllotmentFor(c.Tier),
		Now:       now,
	}

	rdm, e, err := l.store.RedeemCode(ctx, r)
	if err != nil {
		if reason := codeReason(err); reason != nil {
			l.logger.Info("code redemption rejected",
				"account_id", accountID,
				"code", c.Code,
				"reason", reason,
			)
			return nil, &CodeInvalidError{Code: c.Code, Reason: reason}
		}
		l.logger.Error("code redemption failed",
			"account_id", accountID,
			"code", c.Code,
			"error", err,
		)
		return nil, unavailable(err)
	}

	l.tiers.Add(accountID, e.Tier)
	l.plugins.EmitCodeRedeemed(ctx, rdm, e)

	l.logger.Info("code redeemed",
		"account_id", accountID,
		"code", c.Code,
		"tier", e.Tier,
		"previous_tier", rdm.PreviousTier,
		"stacked_units", e.StackedUnits,
	)

	return &RedeemResult{
		Redemption:   rdm,
		Tier:         e.Tier,
		PreviousTier: rdm.PreviousTier,
		NewBalance:   e.Balance,
		StackedUnits: e.StackedUnits,
		CreditsAdded: rdm.CreditsAdded,
	}, nil
}

func stateError(s code.State) error {
	switch s {
	case code.StateExhausted:
		return ErrCodeExhausted
	case code.StateExpired:
		return ErrCodeExpired
	case code.StateInactive:
		return ErrCodeInactive
	default:
		return nil
	}
}

// codeReason extracts the rejection reason a store reported for a
// redemption, or nil when err is not a rejection.
func codeReason(err error) error {
	for _, reason := range []error{
		ErrCodeNotFound,
		ErrCodeExhausted,
		ErrCodeExpired,
		ErrCodeInactive,
		ErrCodeAlreadyRedeemed,
	} {
		if errors.Is(err, reason) {
			return reason
		}
	}
	return nil
}

// Redemptions lists the codes an account has redeemed.
func (l *Ledger) Redemptions(ctx context.Context, accountID string) ([]*code.Redemption, error) {
	return withRetry(ctx, l, func() ([]*code.Redemption, error) {
		return l.store.ListRedemptions(ctx, accountID)
	})
}

// CodeBatch describes a batch of codes to generate.
type CodeBatch struct {
	Tier           tier.Tier  `json:"tier"`
	Count          int        `json:"count"`
	MaxRedemptions int        `json:"max_redemptions"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Batch          string     `json:"batch,omitempty"`
	Prefix         string     `json:"prefix,omitempty"`
}

const (
	maxBatchSize     = 10000
	codeRandomLength = 12
	codeAttempts     = 3
)

// CreateCodes generates Count random codes. Codes look like
// PREFIX-T2-7QK4M2ZD9XHA; the prefix defaults to "CREDIT".
func (l *Ledger) CreateCodes(ctx context.Context, b CodeBatch) ([]*code.Code, error) {
	if _, ok := l.catalog.Lookup(b.Tier); !ok {
		return nil, ValidationError{Field: "tier", Message: fmt.Sprintf("%s is not in the catalog", b.Tier)}
	}
	if b.Count < 1 || b.Count > maxBatchSize {
		return nil, ValidationError{Field: "count", Message: fmt.Sprintf("must be between 1 and %d", maxBatchSize)}
	}
	if b.MaxRedemptions == 0 {
		b.MaxRedemptions = 1
	}
	if b.MaxRedemptions < 0 {
		return nil, ValidationError{Field: "max_redemptions", Message: "must be positive"}
	}

	prefix := code.Normalize(b.Prefix)
	if prefix == "" {
		prefix = "CREDIT"
	}
	if b.Batch == "" {
		b.Batch = fmt.Sprintf("BATCH_%d", l.now().Unix())
	}

	now := l.now()
	codes := make([]*code.Code, 0, b.Count)
	for range b.Count {
		c := &code.Code{
			Entity:         types.Entity{CreatedAt: now, UpdatedAt: now},
			ID:             id.NewCodeID(),
			Tier:           b.Tier,
			MaxRedemptions: b.MaxRedemptions,
			IsActive:       true,
			ExpiresAt:      b.ExpiresAt,
			Batch:          b.Batch,
		}

		var err error
		for range codeAttempts {
			c.Code = fmt.Sprintf("%s-T%d-%s", prefix, int(b.Tier), randomCode())
			if err = l.store.CreateCode(ctx, c); !errors.Is(err, ErrAlreadyExists) {
				break
			}
		}
		if err != nil {
			return codes, unavailable(err)
		}
		codes = append(codes, c)
	}

	l.logger.Info("codes created",
		"batch", b.Batch,
		"tier", b.Tier,
		"count", len(codes),
	)

	return codes, nil
}

// randomCode returns upper-case base32 characters from crypto/rand.
func randomCode() string {
	return strings.ToUpper(rand.Text()[:codeRandomLength])
}
