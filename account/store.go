package account

import (
	"context"
	"time"

	"github.com/xraph/credit/tier"
)

// Store owns every write to balance, rollover, allotment and tier. Each
// mutating method is a single atomic operation in the backing database.
type Store interface {
	CreateEntitlement(ctx context.Context, e *Entitlement) error
	GetEntitlement(ctx context.Context, accountID string) (*Entitlement, error)
	TryDecrement(ctx context.Context, d Decrement) (*DecrementResult, error)
	ApplyRefresh(ctx context.Context, r Refresh) (bool, error)
	ApplyGrant(ctx context.Context, g Grant) (*Entitlement, error)
	SetTier(ctx context.Context, accountID string, t tier.Tier) error
	Freeze(ctx context.Context, accountID, reason string) error
	Unfreeze(ctx context.Context, accountID string) error
	ListDueForRefresh(ctx context.Context, now time.Time, after string, limit int) ([]*Entitlement, error)
	ListLowBalance(ctx context.Context, q LowBalanceQuery) ([]*Entitlement, error)
	MarkLowBalanceWarned(ctx context.Context, accountID string, at time.Time, q LowBalanceQuery) (bool, error)
}
