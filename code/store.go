package code

import (
	"context"
	"time"

	"github.com/xraph/credit/account"
	"github.com/xraph/credit/id"
	"github.com/xraph/credit/tier"
)

type Store interface {
	CreateCode(ctx context.Context, c *Code) error
	GetCode(ctx context.Context, code string) (*Code, error)
	ListCodes(ctx context.Context, opts ListOpts) ([]*Code, error)
	RedeemCode(ctx context.Context, r Redeem) (*Redemption, *account.Entitlement, error)
	HasRedeemed(ctx context.Context, accountID string, codeID id.CodeID) (bool, error)
	ListRedemptions(ctx context.Context, accountID string) ([]*Redemption, error)
	ExpireCodes(ctx context.Context, now time.Time) (int64, error)
}

type ListOpts struct {
	Batch      string
	Tier       tier.Tier
	ActiveOnly bool
	Limit      int
	Offset     int
}
