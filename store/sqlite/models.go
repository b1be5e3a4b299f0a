package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/id"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
	"github.com/xraph/credit/usage"
)

// ==================== Entitlement models ====================

type entitlementModel struct {
	grove.BaseModel `grove:"table:credit_entitlements"`

	AccountID               string     `grove:"account_id,pk"`
	Tier                    int        `grove:"tier"`
	Balance                 int64      `grove:"balance"`
	Rollover                int64      `grove:"rollover"`
	MonthlyAllotment        int64      `grove:"monthly_allotment"`
	ResetAt                 time.Time  `grove:"reset_at"`
	StackedUnits            int        `grove:"stacked_units"`
	LastLowBalanceWarningAt *time.Time `grove:"last_low_balance_warning_at"`
	Status                  string     `grove:"status"`
	FrozenReason            string     `grove:"frozen_reason"`
	CreatedAt               time.Time  `grove:"created_at"`
	UpdatedAt               time.Time  `grove:"updated_at"`
}

func toEntitlementModel(e *account.Entitlement) *entitlementModel {
	return &entitlementModel{
		AccountID:               e.AccountID,
		Tier:                    int(e.Tier),
		Balance:                 e.Balance.Units(),
		Rollover:                e.Rollover.Units(),
		MonthlyAllotment:        e.MonthlyAllotment.Units(),
		ResetAt:                 e.ResetAt.UTC(),
		StackedUnits:            e.StackedUnits,
		LastLowBalanceWarningAt: utcPtr(e.LastLowBalanceWarningAt),
		Status:                  string(e.Status),
		FrozenReason:            e.FrozenReason,
		CreatedAt:               e.CreatedAt.UTC(),
		UpdatedAt:               e.UpdatedAt.UTC(),
	}
}

func fromEntitlementModel(m *entitlementModel) *account.Entitlement {
	return &account.Entitlement{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		AccountID:               m.AccountID,
		Tier:                    tier.Tier(m.Tier),
		Balance:                 types.Credits(m.Balance),
		Rollover:                types.Credits(m.Rollover),
		MonthlyAllotment:        types.Credits(m.MonthlyAllotment),
		ResetAt:                 m.ResetAt.UTC(),
		StackedUnits:            m.StackedUnits,
		LastLowBalanceWarningAt: utcPtr(m.LastLowBalanceWarningAt),
		Status:                  account.Status(m.Status),
		FrozenReason:            m.FrozenReason,
	}
}

type chargeModel struct {
	grove.BaseModel `grove:"table:credit_charges"`

	ID             string    `grove:"id,pk"`
	AccountID      string    `grove:"account_id"`
	IdempotencyKey string    `grove:"idempotency_key"`
	Feature        string    `grove:"feature"`
	Amount         int64     `grove:"amount"`
	BalanceAfter   int64     `grove:"balance_after"`
	CreatedAt      time.Time `grove:"created_at"`
}

func fromChargeModel(m *chargeModel) (*account.Charge, error) {
	chargeID, err := id.ParseChargeID(m.ID)
	if err != nil {
		return nil, err
	}
	return &account.Charge{
		ID:             chargeID,
		AccountID:      m.AccountID,
		IdempotencyKey: m.IdempotencyKey,
		Feature:        tier.Feature(m.Feature),
		Amount:         types.Credits(m.Amount),
		BalanceAfter:   types.Credits(m.BalanceAfter),
		CreatedAt:      m.CreatedAt.UTC(),
	}, nil
}

// ==================== Usage models ====================

type usageEventModel struct {
	grove.BaseModel `grove:"table:credit_usage_events"`

	ID        string    `grove:"id,pk"`
	AccountID string    `grove:"account_id"`
	Feature   string    `grove:"feature"`
	Quantity  int64     `grove:"quantity"`
	Cost      int64     `grove:"cost"`
	Tier      int       `grove:"tier"`
	Timestamp time.Time `grove:"timestamp"`
	Metadata  string    `grove:"metadata"`
}

func toUsageEventModel(e *usage.Event) (*usageEventModel, error) {
	md := e.Metadata
	if md == nil {
		md = map[string]string{}
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("credit/sqlite: encode usage metadata: %w", err)
	}
	return &usageEventModel{
		ID:        e.ID.String(),
		AccountID: e.AccountID,
		Feature:   string(e.Feature),
		Quantity:  e.Quantity,
		Cost:      e.Cost.Units(),
		Tier:      int(e.Tier),
		Timestamp: e.Timestamp.UTC(),
		Metadata:  string(raw),
	}, nil
}

func fromUsageEventModel(m *usageEventModel) (*usage.Event, error) {
	eventID, err := id.ParseUsageEventID(m.ID)
	if err != nil {
		return nil, err
	}
	var md map[string]string
	if m.Metadata != "" {
		if err := json.Unmarshal([]byte(m.Metadata), &md); err != nil {
			return nil, fmt.Errorf("credit/sqlite: decode usage metadata: %w", err)
		}
	}
	return &usage.Event{
		ID:        eventID,
		AccountID: m.AccountID,
		Feature:   tier.Feature(m.Feature),
		Quantity:  m.Quantity,
		Cost:      types.Credits(m.Cost),
		Tier:      tier.Tier(m.Tier),
		Timestamp: m.Timestamp.UTC(),
		Metadata:  md,
	}, nil
}

// ==================== Code models ====================

type codeModel struct {
	grove.BaseModel `grove:"table:credit_codes"`

	ID                 string     `grove:"id,pk"`
	Code               string     `grove:"code"`
	Tier               int        `grove:"tier"`
	MaxRedemptions     int        `grove:"max_redemptions"`
	CurrentRedemptions int        `grove:"current_redemptions"`
	IsActive           bool       `grove:"is_active"`
	ExpiresAt          *time.Time `grove:"expires_at"`
	Batch              string     `grove:"batch"`
	CreatedAt          time.Time  `grove:"created_at"`
	UpdatedAt          time.Time  `grove:"updated_at"`
}

func toCodeModel(c *code.Code) *codeModel {
	return &codeModel{
		ID:                 c.ID.String(),
		Code:               code.Normalize(c.Code),
		Tier:               int(c.Tier),
		MaxRedemptions:     c.MaxRedemptions,
		CurrentRedemptions: c.CurrentRedemptions,
		IsActive:           c.IsActive,
		ExpiresAt:          utcPtr(c.ExpiresAt),
		Batch:              c.Batch,
		CreatedAt:          c.CreatedAt.UTC(),
		UpdatedAt:          c.UpdatedAt.UTC(),
	}
}

func fromCodeModel(m *codeModel) (*code.Code, error) {
	codeID, err := id.ParseCodeID(m.ID)
	if err != nil {
		return nil, err
	}
	return &code.Code{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:                 codeID,
		Code:               m.Code,
		Tier:               tier.Tier(m.Tier),
		MaxRedemptions:     m.MaxRedemptions,
		CurrentRedemptions: m.CurrentRedemptions,
		IsActive:           m.IsActive,
		ExpiresAt:          utcPtr(m.ExpiresAt),
		Batch:              m.Batch,
	}, nil
}

type redemptionModel struct {
	grove.BaseModel `grove:"table:credit_redemptions"`

	ID           string    `grove:"id,pk"`
	CodeID       string    `grove:"code_id"`
	Code         string    `grove:"code"`
	AccountID    string    `grove:"account_id"`
	Tier         int       `grove:"tier"`
	PreviousTier int       `grove:"previous_tier"`
	CreditsAdded int64     `grove:"credits_added"`
	RedeemedAt   time.Time `grove:"redeemed_at"`
}

func fromRedemptionModel(m *redemptionModel) (*code.Redemption, error) {
	rdmID, err := id.ParseRedemptionID(m.ID)
	if err != nil {
		return nil, err
	}
	codeID, err := id.ParseCodeID(m.CodeID)
	if err != nil {
		return nil, err
	}
	return &code.Redemption{
		ID:           rdmID,
		CodeID:       codeID,
		Code:         m.Code,
		AccountID:    m.AccountID,
		Tier:         tier.Tier(m.Tier),
		PreviousTier: tier.Tier(m.PreviousTier),
		CreditsAdded: types.Credits(m.CreditsAdded),
		RedeemedAt:   m.RedeemedAt.UTC(),
	}, nil
}

// utcPtr keeps every stored timestamp in one zone so DATETIME values
// compare in time order.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
