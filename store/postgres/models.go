package postgres

import (
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
		ResetAt:                 e.ResetAt,
		StackedUnits:            e.StackedUnits,
		LastLowBalanceWarningAt: e.LastLowBalanceWarningAt,
		Status:                  string(e.Status),
		FrozenReason:            e.FrozenReason,
		CreatedAt:               e.CreatedAt,
		UpdatedAt:               e.UpdatedAt,
	}
}

func fromEntitlementModel(m *entitlementModel) *account.Entitlement {
	return &account.Entitlement{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		AccountID:               m.AccountID,
		Tier:                    tier.Tier(m.Tier),
		Balance:                 types.Credits(m.Balance),
		Rollover:                types.Credits(m.Rollover),
		MonthlyAllotment:        types.Credits(m.MonthlyAllotment),
		ResetAt:                 m.ResetAt,
		StackedUnits:            m.StackedUnits,
		LastLowBalanceWarningAt: m.LastLowBalanceWarningAt,
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
		CreatedAt:      m.CreatedAt,
	}, nil
}

// ==================== Usage models ====================

type usageEventModel struct {
	grove.BaseModel `grove:"table:credit_usage_events"`

	ID        string            `grove:"id,pk"`
	AccountID string            `grove:"account_id"`
	Feature   string            `grove:"feature"`
	Quantity  int64             `grove:"quantity"`
	Cost      int64             `grove:"cost"`
	Tier      int               `grove:"tier"`
	Timestamp time.Time         `grove:"timestamp"`
	Metadata  map[string]string `grove:"metadata,type:jsonb"`
}

func toUsageEventModel(e *usage.Event) *usageEventModel {
	md := e.Metadata
	if md == nil {
		md = map[string]string{}
	}
	return &usageEventModel{
		ID:        e.ID.String(),
		AccountID: e.AccountID,
		Feature:   string(e.Feature),
		Quantity:  e.Quantity,
		Cost:      e.Cost.Units(),
		Tier:      int(e.Tier),
		Timestamp: e.Timestamp,
		Metadata:  md,
	}
}

func fromUsageEventModel(m *usageEventModel) (*usage.Event, error) {
	eventID, err := id.ParseUsageEventID(m.ID)
	if err != nil {
		return nil, err
	}
	return &usage.Event{
		ID:        eventID,
		AccountID: m.AccountID,
		Feature:   tier.Feature(m.Feature),
		Quantity:  m.Quantity,
		Cost:      types.Credits(m.Cost),
		Tier:      tier.Tier(m.Tier),
		Timestamp: m.Timestamp,
		Metadata:  m.Metadata,
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
		ExpiresAt:          c.ExpiresAt,
		Batch:              c.Batch,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func fromCodeModel(m *codeModel) (*code.Code, error) {
	codeID, err := id.ParseCodeID(m.ID)
	if err != nil {
		return nil, err
	}
	return &code.Code{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                 codeID,
		Code:               m.Code,
		Tier:               tier.Tier(m.Tier),
		MaxRedemptions:     m.MaxRedemptions,
		CurrentRedemptions: m.CurrentRedemptions,
		IsActive:           m.IsActive,
		ExpiresAt:          m.ExpiresAt,
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
		RedeemedAt:   m.RedeemedAt,
	}, nil
}
