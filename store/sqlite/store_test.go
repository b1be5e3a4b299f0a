package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/credit"
	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/id"
	"github.com/xraph/credit/store/internal/storetest"
	"github.com/xraph/credit/store/sqlite"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
	"github.com/xraph/credit/usage"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// newStore opens a migrated store on a fresh database file. One pooled
// connection keeps SQLite's single writer from reporting SQLITE_BUSY while
// goroutines contend.
func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()

	drv := sqlitedriver.New()
	dsn := "file:" + filepath.Join(t.TempDir(), "credit.db") + "?_pragma=busy_timeout(5000)"
	require.NoError(t, drv.Open(ctx, dsn, driver.WithPoolSize(1)))

	db, err := grove.Open(drv)
	require.NoError(t, err)

	s := sqlite.New(db)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seedAccount(t *testing.T, s *sqlite.Store, accountID string, balance types.Credits) {
	t.Helper()
	require.NoError(t, s.CreateEntitlement(context.Background(), &account.Entitlement{
		Entity:           types.Entity{CreatedAt: epoch, UpdatedAt: epoch},
		AccountID:        accountID,
		Tier:             tier.Free,
		Balance:          balance,
		MonthlyAllotment: balance,
		ResetAt:          epoch,
		Status:           account.StatusActive,
	}))
}

func seedCode(t *testing.T, s *sqlite.Store, raw string, maxRedemptions int, expiresAt *time.Time) *code.Code {
	t.Helper()
	c := &code.Code{
		Entity:         types.Entity{CreatedAt: epoch, UpdatedAt: epoch},
		ID:             id.NewCodeID(),
		Code:           raw,
		Tier:           tier.Tier2,
		MaxRedemptions: maxRedemptions,
		IsActive:       true,
		ExpiresAt:      expiresAt,
	}
	require.NoError(t, s.CreateCode(context.Background(), c))
	return c
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newStore(t))
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, s.Ping(context.Background()))
}

func TestEntitlementTimestampsRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	warned := epoch.Add(-36 * time.Hour)

	require.NoError(t, s.CreateEntitlement(ctx, &account.Entitlement{
		Entity:                  types.Entity{CreatedAt: epoch, UpdatedAt: epoch},
		AccountID:               "acct_time",
		Tier:                    tier.Tier3,
		Balance:                 types.Whole(40),
		MonthlyAllotment:        types.Whole(500),
		ResetAt:                 epoch,
		LastLowBalanceWarningAt: &warned,
		Status:                  account.StatusActive,
	}))
	assert.ErrorIs(t, s.CreateEntitlement(ctx, &account.Entitlement{AccountID: "acct_time"}), credit.ErrAccountExists)

	got, err := s.GetEntitlement(ctx, "acct_time")
	require.NoError(t, err)
	assert.True(t, got.ResetAt.Equal(epoch), "reset_at %s", got.ResetAt)
	require.NotNil(t, got.LastLowBalanceWarningAt)
	assert.True(t, got.LastLowBalanceWarningAt.Equal(warned))
	assert.True(t, got.CreatedAt.Equal(epoch))
	assert.Equal(t, time.UTC, got.ResetAt.Location())

	due, err := s.ListDueForRefresh(ctx, epoch, "", 0)
	require.NoError(t, err)
	assert.Len(t, due, 1, "reset_at equal to now is due")

	due, err = s.ListDueForRefresh(ctx, epoch.Add(-time.Second), "", 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = s.GetEntitlement(ctx, "acct_missing")
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)
}

func TestDecrementRejectsNonPositiveAmount(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct_neg", types.Whole(10))

	for _, amount := range []types.Credits{0, -types.Whole(50)} {
		_, err := s.TryDecrement(ctx, account.Decrement{AccountID: "acct_neg", Amount: amount})
		assert.ErrorIs(t, err, credit.ErrInvalidInput)
	}

	e, err := s.GetEntitlement(ctx, "acct_neg")
	require.NoError(t, err)
	assert.Equal(t, types.Whole(10), e.Balance)
}

func TestDecrementOnFrozenAccount(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct_frozen", types.Whole(10))
	require.NoError(t, s.Freeze(ctx, "acct_frozen", "chargeback"))

	_, err := s.TryDecrement(ctx, account.Decrement{AccountID: "acct_frozen", Amount: types.Whole(1)})
	assert.ErrorIs(t, err, credit.ErrAccountFrozen)

	_, err = s.TryDecrement(ctx, account.Decrement{AccountID: "acct_frozen", Amount: types.Whole(1), IdempotencyKey: "k"})
	assert.ErrorIs(t, err, credit.ErrAccountFrozen)
}

func TestRedeemGrantsOnceAndRaisesTier(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct_rdm", types.Whole(100))
	c := seedCode(t, s, "stack-me", 10, nil)

	r := code.Redeem{ID: id.NewRedemptionID(), AccountID: "acct_rdm", CodeID: c.ID, Credits: types.Whole(500), Now: epoch}
	rdm, e, err := s.RedeemCode(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, tier.Free, rdm.PreviousTier)
	assert.Equal(t, tier.Tier2, e.Tier)
	assert.Equal(t, types.Whole(600), e.Balance)
	assert.Equal(t, types.Whole(600), e.MonthlyAllotment)
	assert.Equal(t, 1, e.StackedUnits)
	assert.True(t, rdm.RedeemedAt.Equal(epoch))

	r.ID = id.NewRedemptionID()
	_, _, err = s.RedeemCode(ctx, r)
	assert.ErrorIs(t, err, credit.ErrCodeAlreadyRedeemed)

	has, err := s.HasRedeemed(ctx, "acct_rdm", c.ID)
	require.NoError(t, err)
	assert.True(t, has)

	list, err := s.ListRedemptions(ctx, "acct_rdm")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rdm.ID.String(), list[0].ID.String())
}

func TestRedeemRejectsExpiredCode(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct_exp", types.Whole(100))
	expires := epoch.Add(time.Hour)
	c := seedCode(t, s, "short-lived", 5, &expires)

	_, _, err := s.RedeemCode(ctx, code.Redeem{
		ID:        id.NewRedemptionID(),
		AccountID: "acct_exp",
		CodeID:    c.ID,
		Credits:   types.Whole(500),
		Now:       expires,
	})
	assert.ErrorIs(t, err, credit.ErrCodeExpired)

	e, err := s.GetEntitlement(ctx, "acct_exp")
	require.NoError(t, err)
	assert.Equal(t, types.Whole(100), e.Balance)
}

func TestApplyRefreshSkipsFutureReset(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct_early", types.Whole(100))

	applied, err := s.ApplyRefresh(ctx, account.Refresh{
		AccountID:     "acct_early",
		Now:           epoch.Add(-time.Second),
		PrevResetAt:   epoch,
		PrevBalance:   types.Whole(100),
		PrevAllotment: types.Whole(100),
		NewBalance:    types.Whole(100),
		NewResetAt:    account.NextPeriod(epoch),
	})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestExpireCodes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	past := epoch.Add(-time.Hour)
	future := epoch.Add(time.Hour)
	seedCode(t, s, "gone", 5, &past)
	seedCode(t, s, "at-boundary", 5, &epoch)
	seedCode(t, s, "later", 5, &future)
	seedCode(t, s, "forever", 5, nil)

	n, err := s.ExpireCodes(ctx, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.ExpireCodes(ctx, epoch)
	require.NoError(t, err)
	assert.Zero(t, n)

	active, err := s.ListCodes(ctx, code.ListOpts{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "FOREVER", active[0].Code)
	assert.Equal(t, "LATER", active[1].Code)
}

func TestUsageQueryAndPurge(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	events := []*usage.Event{
		{ID: id.NewUsageEventID(), AccountID: "acct_use", Feature: tier.ContentRepurposing, Quantity: 1, Cost: types.Whole(1), Tier: tier.Free, Timestamp: epoch.AddDate(0, 0, -45)},
		{ID: id.NewUsageEventID(), AccountID: "acct_use", Feature: tier.ContentRepurposing, Quantity: 2, Cost: types.Whole(2), Tier: tier.Free, Timestamp: epoch.AddDate(0, 0, -2)},
		{ID: id.NewUsageEventID(), AccountID: "acct_use", Feature: usage.FeatureBonus, Quantity: 1, Cost: -types.Whole(25), Tier: tier.Free, Timestamp: epoch.AddDate(0, 0, -1), Metadata: map[string]string{"reason": "support"}},
	}
	require.NoError(t, s.AppendUsage(ctx, events))
	require.NoError(t, s.AppendUsage(ctx, events[:1]), "replayed ids are ignored")

	all, err := s.QueryUsage(ctx, "acct_use", usage.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, usage.FeatureBonus, all[0].Feature, "newest first")
	assert.Equal(t, "support", all[0].Metadata["reason"])
	assert.Equal(t, -types.Whole(25), all[0].Cost)

	recent, err := s.QueryUsage(ctx, "acct_use", usage.QueryOpts{Start: epoch.AddDate(0, 0, -30)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	purged, err := s.PurgeUsage(ctx, epoch.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	left, err := s.QueryUsage(ctx, "acct_use", usage.QueryOpts{})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestLowBalanceWarningThrottle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct_low", types.Whole(100))
	_, err := s.TryDecrement(ctx, account.Decrement{AccountID: "acct_low", Amount: types.Whole(95)})
	require.NoError(t, err)

	q := account.LowBalanceQuery{RatioBasisPoints: 1000, WarnedBefore: epoch.Add(-24 * time.Hour)}

	low, err := s.ListLowBalance(ctx, q)
	require.NoError(t, err)
	require.Len(t, low, 1)

	marked, err := s.MarkLowBalanceWarned(ctx, "acct_low", epoch, q)
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = s.MarkLowBalanceWarned(ctx, "acct_low", epoch, q)
	require.NoError(t, err)
	assert.False(t, marked, "warned after WarnedBefore")

	low, err = s.ListLowBalance(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, low)
}
