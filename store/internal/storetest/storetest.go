// Package storetest is a conformance suite every store backend runs. Each
// case names its own accounts and codes, so the suite can share a database
// that already holds data from other runs.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credit"
	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/id"
	"github.com/xraph/credit/store"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
	"github.com/xraph/credit/usage"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against s.
func Run(t *testing.T, s store.Store) {
	t.Helper()

	t.Run("ConcurrentChargesNeverOverdraw", func(t *testing.T) { concurrentCharges(t, s) })
	t.Run("KeyedChargeReplaysAndConflicts", func(t *testing.T) { keyedCharge(t, s) })
	t.Run("RefreshAppliesOnce", func(t *testing.T) { refreshOnce(t, s) })
	t.Run("ConcurrentRedemptionHonorsCap", func(t *testing.T) { concurrentRedemption(t, s) })
	t.Run("ExpiredCodesDeactivate", func(t *testing.T) { expireCodes(t, s) })
	t.Run("PurgeDropsOldUsage", func(t *testing.T) { purgeUsage(t, s) })
}

func unique(prefix string) string {
	return prefix + "_" + id.NewSweepID().String()[4:]
}

func seedAccount(t *testing.T, s store.Store, balance types.Credits) string {
	t.Helper()
	accountID := unique("acct")
	require.NoError(t, s.CreateEntitlement(context.Background(), &account.Entitlement{
		Entity:           types.Entity{CreatedAt: epoch, UpdatedAt: epoch},
		AccountID:        accountID,
		Tier:             tier.Free,
		Balance:          balance,
		MonthlyAllotment: balance,
		ResetAt:          epoch,
		Status:           account.StatusActive,
	}))
	return accountID
}

func seedCode(t *testing.T, s store.Store, maxRedemptions int, expiresAt *time.Time) *code.Code {
	t.Helper()
	c := &code.Code{
		Entity:         types.Entity{CreatedAt: epoch, UpdatedAt: epoch},
		ID:             id.NewCodeID(),
		Code:           unique("code"),
		Tier:           tier.Tier2,
		MaxRedemptions: maxRedemptions,
		IsActive:       true,
		ExpiresAt:      expiresAt,
	}
	require.NoError(t, s.CreateCode(context.Background(), c))
	return c
}

func concurrentCharges(t *testing.T, s store.Store) {
	ctx := context.Background()
	accountID := seedAccount(t, s, types.Whole(10))

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := account.Decrement{AccountID: accountID, Amount: types.Whole(1), Feature: tier.ContentRepurposing}
			if i%2 == 0 {
				d.IdempotencyKey = unique("req")
			}
			res, err := s.TryDecrement(ctx, d)
			if assert.NoError(t, err) && res.OK {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), ok.Load())
	e, err := s.GetEntitlement(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, types.Credits(0), e.Balance)
}

func keyedCharge(t *testing.T, s store.Store) {
	ctx := context.Background()
	accountID := seedAccount(t, s, types.Whole(10))
	d := account.Decrement{AccountID: accountID, Amount: types.Whole(3), Feature: tier.ContentRepurposing, IdempotencyKey: "req-1"}

	first, err := s.TryDecrement(ctx, d)
	require.NoError(t, err)
	require.True(t, first.OK)
	assert.False(t, first.Replayed)

	again, err := s.TryDecrement(ctx, d)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.ChargeID.String(), again.ChargeID.String())
	assert.Equal(t, types.Whole(7), again.Balance)

	reused := d
	reused.Amount = types.Whole(4)
	_, err = s.TryDecrement(ctx, reused)
	assert.ErrorIs(t, err, credit.ErrIdempotencyConflict)

	_, err = s.TryDecrement(ctx, account.Decrement{AccountID: accountID, Amount: 0, IdempotencyKey: "req-2"})
	assert.ErrorIs(t, err, credit.ErrInvalidInput)

	e, err := s.GetEntitlement(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, types.Whole(7), e.Balance)
}

func refreshOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	accountID := seedAccount(t, s, types.Whole(100))
	r := account.Refresh{
		AccountID:     accountID,
		Now:           epoch,
		PrevResetAt:   epoch,
		PrevBalance:   types.Whole(100),
		PrevAllotment: types.Whole(100),
		NewBalance:    types.Whole(100),
		NewRollover:   types.Whole(100),
		NewResetAt:    account.NextPeriod(epoch),
	}

	var applied atomic.Int64
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ApplyRefresh(ctx, r)
			if assert.NoError(t, err) && ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), applied.Load())

	e, err := s.GetEntitlement(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, e.ResetAt.Equal(account.NextPeriod(epoch)), "reset_at %s", e.ResetAt)
	assert.Equal(t, types.Whole(100), e.Rollover)
}

func concurrentRedemption(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := seedCode(t, s, 3, nil)

	accounts := make([]string, 8)
	for i := range accounts {
		accounts[i] = seedAccount(t, s, types.Whole(100))
	}

	var ok atomic.Int64
	var wg sync.WaitGroup
	for _, accountID := range accounts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.RedeemCode(ctx, code.Redeem{
				ID:        id.NewRedemptionID(),
				AccountID: accountID,
				CodeID:    c.ID,
				Credits:   types.Whole(500),
				Now:       epoch,
			})
			if err == nil {
				ok.Add(1)
				return
			}
			assert.ErrorIs(t, err, credit.ErrCodeExhausted)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), ok.Load())
	got, err := s.GetCode(ctx, c.Code)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentRedemptions)
	assert.False(t, got.IsActive)

	var granted int
	for _, accountID := range accounts {
		e, err := s.GetEntitlement(ctx, accountID)
		require.NoError(t, err)
		if e.Balance == types.Whole(600) {
			granted++
		}
	}
	assert.Equal(t, 3, granted)
}

func expireCodes(t *testing.T, s store.Store) {
	ctx := context.Background()
	past := epoch.Add(-time.Hour)
	future := epoch.Add(time.Hour)
	gone := seedCode(t, s, 5, &past)
	boundary := seedCode(t, s, 5, &epoch)
	later := seedCode(t, s, 5, &future)

	n, err := s.ExpireCodes(ctx, epoch)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(2))

	for _, tc := range []struct {
		c      *code.Code
		active bool
	}{{gone, false}, {boundary, false}, {later, true}} {
		got, err := s.GetCode(ctx, tc.c.Code)
		require.NoError(t, err)
		assert.Equal(t, tc.active, got.IsActive, tc.c.Code)
	}
}

func purgeUsage(t *testing.T, s store.Store) {
	ctx := context.Background()
	accountID := unique("acct")
	require.NoError(t, s.AppendUsage(ctx, []*usage.Event{
		{ID: id.NewUsageEventID(), AccountID: accountID, Feature: tier.ContentRepurposing, Quantity: 1, Cost: types.Whole(1), Tier: tier.Free, Timestamp: epoch.AddDate(0, 0, -45)},
		{ID: id.NewUsageEventID(), AccountID: accountID, Feature: tier.ContentRepurposing, Quantity: 1, Cost: types.Whole(1), Tier: tier.Free, Timestamp: epoch.AddDate(0, 0, -2)},
	}))

	n, err := s.PurgeUsage(ctx, epoch.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	left, err := s.QueryUsage(ctx, accountID, usage.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.True(t, left[0].Timestamp.Equal(epoch.AddDate(0, 0, -2)))
}
