package store

import (
	"context"
	"time"

	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/id"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/usage"
)

// Store is the unified storage interface for the credit ledger.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
type Store interface {
	// Entitlement methods
	CreateEntitlement(ctx context.Context, e *account.Entitlement) error
	GetEntitlement(ctx context.Context, accountID string) (*account.Entitlement, error)
	TryDecrement(ctx context.Context, d account.Decrement) (*account.DecrementResult, error)
	ApplyRefresh(ctx context.Context, r account.Refresh) (bool, error)
	ApplyGrant(ctx context.Context, g account.Grant) (*account.Entitlement, error)
	SetTier(ctx context.Context, accountID string, t tier.Tier) error
	Freeze(ctx context.Context, accountID, reason string) error
	Unfreeze(ctx context.Context, accountID string) error
	ListDueForRefresh(ctx context.Context, now time.Time, after string, limit int) ([]*account.Entitlement, error)
	ListLowBalance(ctx context.Context, q account.LowBalanceQuery) ([]*account.Entitlement, error)
	MarkLowBalanceWarned(ctx context.Context, accountID string, at time.Time, q account.LowBalanceQuery) (bool, error)

	// Usage methods
	AppendUsage(ctx context.Context, events []*usage.Event) error
	QueryUsage(ctx context.Context, accountID string, opts usage.QueryOpts) ([]*usage.Event, error)
	SummarizeUsage(ctx context.Context, accountID string, since time.Time) ([]usage.Summary, error)
	PurgeUsage(ctx context.Context, before time.Time) (int64, error)

	// Code methods
	CreateCode(ctx context.Context, c *code.Code) error
	GetCode(ctx context.Context, code string) (*code.Code, error)
	ListCodes(ctx context.Context, opts code.ListOpts) ([]*code.Code, error)
	RedeemCode(ctx context.Context, r code.Redeem) (*code.Redemption, *account.Entitlement, error)
	HasRedeemed(ctx context.Context, accountID string, codeID id.CodeID) (bool, error)
	ListRedemptions(ctx context.Context, accountID string) ([]*code.Redemption, error)
	ExpireCodes(ctx context.Context, now time.Time) (int64, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ account.Store = (Store)(nil)
	_ usage.Store   = (Store)(nil)
	_ code.Store    = (Store)(nil)
)
