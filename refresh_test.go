package credit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credit"
	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/id"
	"github.com/xraph/credit/plugin"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
)

func TestRefreshSweepScenario(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	resetAt := epoch.Add(-time.Hour)
	seed(t, s, account.Entitlement{
		AccountID:        "acct",
		Tier:             tier.Tier2,
		Balance:          types.Whole(45),
		MonthlyAllotment: types.Whole(100),
		ResetAt:          resetAt,
	})

	summary, err := l.RunRefreshSweep(ctx, epoch)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Refreshed)
	assert.Empty(t, summary.Errors)

	e, err := s.GetEntitlement(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.Whole(100), e.Balance)
	assert.Equal(t, types.Whole(45), e.Rollover)
	assert.Equal(t, types.Whole(145), e.Total())
	assert.Equal(t, resetAt.AddDate(0, 1, 0), e.ResetAt)
}

func TestRefreshSweepIsIdempotent(t *testing.T) {
	l, s := newLedger(t, credit.WithSweepConfig(3, 4))
	ctx := context.Background()

	const due = 10
	for i := range due {
		seed(t, s, account.Entitlement{
			AccountID:        fmt.Sprintf("due_%02d", i),
			Tier:             tier.Free,
			Balance:          types.Whole(int64(i)),
			MonthlyAllotment: types.Whole(100),
			ResetAt:          epoch.Add(-time.Duration(i+1) * time.Hour),
		})
	}
	seed(t, s, account.Entitlement{AccountID: "not_due", Tier: tier.Free, Balance: types.Whole(7), MonthlyAllotment: types.Whole(100)})

	first, err := l.RunRefreshSweep(ctx, epoch)
	require.NoError(t, err)
	assert.Equal(t, due, first.Refreshed)
	require.NoError(t, first.Err())

	second, err := l.RunRefreshSweep(ctx, epoch)
	require.NoError(t, err)
	assert.Zero(t, second.Refreshed)

	assert.Equal(t, types.Whole(7), balanceOf(t, s, "not_due"))
	for i := range due {
		e, err := s.GetEntitlement(ctx, fmt.Sprintf("due_%02d", i))
		require.NoError(t, err)
		assert.Equal(t, types.Whole(100), e.Balance)
		assert.Equal(t, types.Whole(int64(i)), e.Rollover)
	}
}

func TestRefreshAdvancesOnePeriodPerSweep(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	resetAt := epoch.AddDate(0, -3, 0)
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Free, Balance: types.Whole(3), MonthlyAllotment: types.Whole(100), ResetAt: resetAt})

	// Three periods behind plus the one ending exactly at epoch: reset_at
	// equal to now is due.
	for i := 1; i <= 4; i++ {
		summary, err := l.RunRefreshSweep(ctx, epoch)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Refreshed, "sweep %d", i)

		e, err := s.GetEntitlement(ctx, "acct")
		require.NoError(t, err)
		assert.Equal(t, resetAt.AddDate(0, i, 0), e.ResetAt)
	}

	e, err := s.GetEntitlement(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, epoch.AddDate(0, 1, 0), e.ResetAt)

	summary, err := l.RunRefreshSweep(ctx, epoch)
	require.NoError(t, err)
	assert.Zero(t, summary.Refreshed)
}

func TestRolloverNeverExceedsCap(t *testing.T) {
	catalog, err := tier.New(
		[]tier.Definition{{Tier: tier.Free, Name: "Free", MonthlyAllotment: types.Whole(100)}},
		map[tier.Feature]tier.Cost{tier.ContentRepurposing: {Base: types.Whole(1)}},
		map[tier.Feature]tier.Tier{tier.ContentRepurposing: tier.Free},
	)
	require.NoError(t, err)

	l, s := newLedger(t, credit.WithCatalog(catalog))
	ctx := context.Background()

	// A dormant account with a huge grant on top of its allotment.
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Free, Balance: types.Whole(5000), MonthlyAllotment: types.Whole(100), ResetAt: epoch.AddDate(-3, 0, 0)})

	limit := catalog.RolloverCap(types.Whole(100))
	now := epoch
	for range 40 {
		_, err := l.RunRefreshSweep(ctx, now)
		require.NoError(t, err)

		e, err := s.GetEntitlement(ctx, "acct")
		require.NoError(t, err)
		assert.LessOrEqual(t, e.Rollover, limit)
		assert.False(t, e.Balance.IsNegative())
	}

	e, err := s.GetEntitlement(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.Whole(100), e.Balance)
}

func TestRefreshSkipsFrozenAccounts(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Free, Balance: types.Whole(3), MonthlyAllotment: types.Whole(100), ResetAt: epoch.Add(-time.Hour)})
	require.NoError(t, s.Freeze(ctx, "acct", "review"))

	summary, err := l.RunRefreshSweep(ctx, epoch)
	require.NoError(t, err)
	assert.Zero(t, summary.Refreshed)
	assert.Equal(t, types.Whole(3), balanceOf(t, s, "acct"))
}

func TestExpireCodes(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()

	past := epoch.Add(-time.Minute)
	future := epoch.Add(time.Hour)
	for _, c := range []*code.Code{
		{ID: id.NewCodeID(), Code: "OLD", Tier: tier.Tier2, MaxRedemptions: 1, IsActive: true, ExpiresAt: &past},
		{ID: id.NewCodeID(), Code: "NEW", Tier: tier.Tier2, MaxRedemptions: 1, IsActive: true, ExpiresAt: &future},
		{ID: id.NewCodeID(), Code: "FOREVER", Tier: tier.Tier2, MaxRedemptions: 1, IsActive: true},
	} {
		require.NoError(t, s.CreateCode(ctx, c))
	}

	n, err := l.ExpireCodes(ctx, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = l.ExpireCodes(ctx, epoch)
	require.NoError(t, err)
	assert.Zero(t, n, "second run is a no-op")

	old, err := s.GetCode(ctx, "old")
	require.NoError(t, err)
	assert.False(t, old.IsActive)
}

type lowBalanceRecorder struct {
	warned []string
}

func (r *lowBalanceRecorder) Name() string { return "low-balance-recorder" }

func (r *lowBalanceRecorder) OnLowBalance(_ context.Context, e *account.Entitlement) error {
	r.warned = append(r.warned, e.AccountID)
	return nil
}

var _ plugin.OnLowBalance = (*lowBalanceRecorder)(nil)

func TestWarnLowBalancesThrottles(t *testing.T) {
	rec := &lowBalanceRecorder{}
	l, s := newLedger(t, credit.WithPlugin(rec))
	ctx := context.Background()

	seed(t, s, account.Entitlement{AccountID: "low", Tier: tier.Free, Balance: types.Whole(19), MonthlyAllotment: types.Whole(100)})
	seed(t, s, account.Entitlement{AccountID: "edge", Tier: tier.Free, Balance: types.Whole(20), MonthlyAllotment: types.Whole(100)})
	seed(t, s, account.Entitlement{AccountID: "rich", Tier: tier.Free, Balance: types.Whole(90), MonthlyAllotment: types.Whole(100)})

	summary, err := l.WarnLowBalances(ctx, epoch)
	require.NoError(t, err)
	assert.Equal(t, []string{"low"}, summary.Warned)
	assert.Equal(t, []string{"low"}, rec.warned)

	summary, err = l.WarnLowBalances(ctx, epoch.Add(3*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, summary.Warned, "warned within the last week")

	summary, err = l.WarnLowBalances(ctx, epoch.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"low"}, summary.Warned)
	assert.Len(t, rec.warned, 2)
}
