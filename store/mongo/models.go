package mongo

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

	AccountID               string     `grove:"account_id,pk"               bson:"_id"`
	Tier                    int        `grove:"tier"                        bson:"tier"`
	Balance                 int64      `grove:"balance"                     bson:"balance"`
	Rollover                int64      `grove:"rollover"                    bson:"rollover"`
	MonthlyAllotment        int64      `grove:"monthly_allotment"           bson:"monthly_allotment"`
	ResetAt                 time.Time  `grove:"reset_at"                    bson:"reset_at"`
	StackedUnits            int        `grove:"stacked_units"               bson:"stacked_units"`
	LastLowBalanceWarningAt *time.Time `grove:"last_low_balance_warning_at" bson:"last_low_balance_warning_at,omitempty"`
	Status                  string     `grove:"status"                      bson:"status"`
	FrozenReason            string     `grove:"frozen_reason"               bson:"frozen_reason"`
	CreatedAt               time.Time  `grove:"created_at"                  bson:"created_at"`
	UpdatedAt               time.Time  `grove:"updated_at"                  bson:"updated_at"`
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

	ID             string    `grove:"id,pk"           bson:"_id"`
	AccountID      string    `grove:"account_id"      bson:"account_id"`
	IdempotencyKey string    `grove:"idempotency_key" bson:"idempotency_key"`
	Feature        string    `grove:"feature"         bson:"feature"`
	Amount         int64     `grove:"amount"          bson:"amount"`
	BalanceAfter   int64     `grove:"balance_after"   bson:"balance_after"`
	CreatedAt      time.Time `grove:"created_at"      bson:"created_at"`
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

	ID        string            `grove:"id,pk"      bson:"_id"`
	AccountID string            `grove:"account_id" bson:"account_id"`
	Feature   string            `grove:"feature"    bson:"feature"`
	Quantity  int64             `grove:"quantity"   bson:"quantity"`
	Cost      int64             `grove:"cost"       bson:"cost"`
	Tier      int               `grove:"tier"       bson:"tier"`
	Timestamp time.Time         `grove:"timestamp"  bson:"timestamp"`
	Metadata  map[string]string `grove:"metadata"   bson:"metadata,omitempty"`
}

func toUsageEventModel(e *usage.Event) *usageEventModel {
	return &usageEventModel{
		ID:        e.ID.String(),
		AccountID: e.AccountID,
		Feature:   string(e.Feature),
		Quantity:  e.Quantity,
		Cost:      e.Cost.Units(),
		Tier:      int(e.Tier),
		Timestamp: e.Timestamp,
		Metadata:  e.Metadata,
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

	ID                 string     `grove:"id,pk"               bson:"_id"`
	Code               string     `grove:"code"                bson:"code"`
	Tier               int        `grove:"tier"                bson:"tier"`
	MaxRedemptions     int        `grove:"max_redemptions"     bson:"max_redemptions"`
	CurrentRedemptions int        `grove:"current_redemptions" bson:"current_redemptions"`
	IsActive           bool       `grove:"is_active"           bson:"is_active"`
	ExpiresAt          *time.Time `grove:"expires_at"          bson:"expires_at,omitempty"`
	Batch              string     `grove:"batch"               bson:"batch"`
	CreatedAt          time.Time  `grove:"created_at"          bson:"created_at"`
	UpdatedAt          time.Time  `grove:"updated_at"          bson:"updated_at"`
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

	ID           string    `grove:"id,pk"         bson:"_id"`
	CodeID       string    `grove:"code_id"       bson:"code_id"`
	Code         string    `grove:"code"          bson:"code"`
	AccountID    string    `grove:"account_id"    bson:"account_id"`
	Tier         int       `grove:"tier"          bson:"tier"`
	PreviousTier int       `grove:"previous_tier" bson:"previous_tier"`
	CreditsAdded int64     `grove:"credits_added" bson:"credits_added"`
	RedeemedAt   time.Time `grove:"redeemed_at"   bson:"redeemed_at"`
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
