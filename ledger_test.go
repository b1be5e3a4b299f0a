package credit_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credit"
	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/store/memory"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
	"github.com/xraph/credit/usage"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, opts ...credit.Option) (*credit.Ledger, *memory.Store) {
	t.Helper()

	s := memory.New()
	l := credit.New(s, append([]credit.Option{credit.WithClock(func() time.Time { return epoch })}, opts...)...)
	return l, s
}

// seed stores an account record directly, bypassing OpenAccount.
func seed(t *testing.T, s *memory.Store, e account.Entitlement) {
	t.Helper()

	if e.Status == "" {
		e.Status = account.StatusActive
	}
	if e.StackedUnits == 0 {
		e.StackedUnits = 1
	}
	if e.ResetAt.IsZero() {
		e.ResetAt = account.NextPeriod(epoch)
	}
	require.NoError(t, s.CreateEntitlement(context.Background(), &e))
}

func balanceOf(t *testing.T, s *memory.Store, accountID string) types.Credits {
	t.Helper()

	e, err := s.GetEntitlement(context.Background(), accountID)
	require.NoError(t, err)
	return e.Balance
}

func TestOpenAccount(t *testing.T) {
	l, _ := newLedger(t, credit.WithSignupBonus(types.Whole(25)))
	ctx := context.Background()

	e, err := l.OpenAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, tier.Free, e.Tier)
	assert.Equal(t, types.Whole(125), e.Balance)
	assert.Equal(t, types.Whole(100), e.MonthlyAllotment)
	assert.Equal(t, 1, e.StackedUnits)
	assert.Equal(t, epoch.AddDate(0, 1, 0), e.ResetAt)

	_, err = l.OpenAccount(ctx, "acct_1")
	assert.ErrorIs(t, err, credit.ErrAccountExists)

	_, err = l.OpenAccount(ctx, "")
	assert.ErrorIs(t, err, credit.ErrInvalidInput)
}

func TestChargeInsufficientLeavesBalance(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Tier2, Balance: types.Whole(15), MonthlyAllotment: types.Whole(100)})

	// viral hooks cost 2 at tier 2, so ten of them cost 20
	_, err := l.Charge(ctx, "acct", tier.ViralHooks, credit.WithQuantity(10))

	var insufficient *credit.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, types.Whole(15), insufficient.Remaining)
	assert.Equal(t, types.Whole(20), insufficient.Required)
	assert.True(t, credit.IsUserFacing(err))
	assert.Equal(t, types.Whole(15), balanceOf(t, s, "acct"))
}

func TestTopUpThenCharge(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Tier2, Balance: types.Whole(15), MonthlyAllotment: types.Whole(100)})

	e, err := l.GrantFromPurchase(ctx, credit.PurchaseGrant{AccountID: "acct", BalanceDelta: types.Whole(50)})
	require.NoError(t, err)
	assert.Equal(t, types.Whole(65), e.Balance)
	assert.Equal(t, tier.Tier2, e.Tier)

	res, err := l.Charge(ctx, "acct", tier.ViralHooks, credit.WithQuantity(10))
	require.NoError(t, err)
	assert.Equal(t, types.Whole(20), res.Cost)
	assert.Equal(t, types.Whole(45), res.Remaining)
	assert.Equal(t, types.Whole(45), balanceOf(t, s, "acct"))
}

func TestChargeTierRestricted(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Tier2, Balance: types.Whole(300), MonthlyAllotment: types.Whole(300)})

	_, err := l.Charge(ctx, "acct", tier.AIChat)

	var restricted *credit.TierRestrictedError
	require.ErrorAs(t, err, &restricted)
	assert.Equal(t, tier.Tier2, restricted.Current)
	assert.Equal(t, tier.Tier3, restricted.Required)
	assert.Equal(t, types.Whole(300), balanceOf(t, s, "acct"))

	_, err = l.Charge(ctx, "acct", tier.Feature("teleport"))
	assert.ErrorIs(t, err, credit.ErrUnknownFeature)
}

func TestChargeAppliesTierDiscount(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Tier4, Balance: types.Whole(10), MonthlyAllotment: types.Whole(2000)})

	res, err := l.Charge(ctx, "acct", tier.AIChat)
	require.NoError(t, err)
	assert.Equal(t, types.Credits(30), res.Cost)
	assert.Equal(t, "9.70", res.Remaining.String())
}

func TestChargeZeroCostRecordsUsage(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Tier2, Balance: types.Whole(5), MonthlyAllotment: types.Whole(300)})

	res, err := l.Charge(ctx, "acct", tier.AnalyticsExport)
	require.NoError(t, err)
	assert.True(t, res.Cost.IsZero())
	assert.Equal(t, types.Whole(5), res.Remaining)

	require.NoError(t, l.Stop())

	summary, err := s.SummarizeUsage(ctx, "acct", epoch.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, tier.AnalyticsExport, summary[0].Feature)
	assert.Equal(t, int64(1), summary[0].Count)
}

func TestChargeUnknownAccount(t *testing.T) {
	l, _ := newLedger(t)

	_, err := l.Charge(context.Background(), "ghost", tier.ContentRepurposing)
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)
	assert.True(t, credit.IsNotFound(err))
}

func TestConcurrentChargesNeverOverdraw(t *testing.T) {
	const (
		callers = 50
		credits = 17
	)

	l, s := newLedger(t)
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Free, Balance: types.Whole(credits), MonthlyAllotment: types.Whole(100)})

	var (
		wg           sync.WaitGroup
		ok, rejected atomic.Int64
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Charge(context.Background(), "acct", tier.ContentRepurposing)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, credit.ErrInsufficientCredits):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(credits), ok.Load())
	assert.Equal(t, int64(callers-credits), rejected.Load())
	assert.True(t, balanceOf(t, s, "acct").IsZero())
}

func TestIdempotencyKeyReplays(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Free, Balance: types.Whole(10), MonthlyAllotment: types.Whole(100)})

	first, err := l.Charge(ctx, "acct", tier.ContentRepurposing, credit.WithIdempotencyKey("req-1"))
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.False(t, first.ChargeID.IsNil())

	second, err := l.Charge(ctx, "acct", tier.ContentRepurposing, credit.WithIdempotencyKey("req-1"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Remaining, second.Remaining)
	assert.Equal(t, first.ChargeID.String(), second.ChargeID.String())
	assert.Equal(t, types.Whole(9), balanceOf(t, s, "acct"))

	third, err := l.Charge(ctx, "acct", tier.ContentRepurposing, credit.WithIdempotencyKey("req-2"))
	require.NoError(t, err)
	assert.False(t, third.Replayed)
	assert.Equal(t, types.Whole(8), balanceOf(t, s, "acct"))
}

func TestChargeRejectsBadInput(t *testing.T) {
	l, _ := newLedger(t)

	_, err := l.Charge(context.Background(), "", tier.ContentRepurposing)
	assert.ErrorIs(t, err, credit.ErrInvalidInput)

	_, err = l.Charge(context.Background(), "acct", tier.ContentRepurposing, credit.WithQuantity(0))
	assert.ErrorIs(t, err, credit.ErrInvalidInput)
}

func TestChargeQuantityCannotMintCredits(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Tier2, Balance: types.Whole(15), MonthlyAllotment: types.Whole(100)})

	// 2.00 credits times this quantity wraps to a negative int64.
	for _, qty := range []int64{math.MaxInt64 / 100, 1 << 62, credit.MaxQuantity + 1} {
		_, err := l.Charge(ctx, "acct", tier.ViralHooks, credit.WithQuantity(qty))
		assert.ErrorIs(t, err, credit.ErrInvalidInput, "quantity %d", qty)
	}
	assert.Equal(t, types.Whole(15), balanceOf(t, s, "acct"))

	res, err := l.Charge(ctx, "acct", tier.ContentRepurposing, credit.WithQuantity(credit.MaxQuantity))
	var insufficient *credit.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Nil(t, res)
	assert.Equal(t, types.Whole(credit.MaxQuantity), insufficient.Required)
}

func TestStoreRejectsNonPositiveDecrement(t *testing.T) {
	_, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Free, Balance: types.Whole(5), MonthlyAllotment: types.Whole(100)})

	for _, amount := range []types.Credits{0, types.Whole(-50)} {
		_, err := s.TryDecrement(ctx, account.Decrement{AccountID: "acct", Amount: amount, Feature: tier.ContentRepurposing})
		assert.ErrorIs(t, err, credit.ErrInvalidInput)
	}
	assert.Equal(t, types.Whole(5), balanceOf(t, s, "acct"))
}

func TestIdempotencyKeyReuseConflicts(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Tier2, Balance: types.Whole(50), MonthlyAllotment: types.Whole(300)})

	_, err := l.Charge(ctx, "acct", tier.ContentRepurposing, credit.WithIdempotencyKey("req-1"))
	require.NoError(t, err)

	_, err = l.Charge(ctx, "acct", tier.ViralHooks, credit.WithIdempotencyKey("req-1"))
	assert.ErrorIs(t, err, credit.ErrIdempotencyConflict)

	_, err = l.Charge(ctx, "acct", tier.ContentRepurposing, credit.WithIdempotencyKey("req-1"), credit.WithQuantity(4))
	assert.ErrorIs(t, err, credit.ErrIdempotencyConflict)
	assert.False(t, credit.IsRetryable(err))

	replay, err := l.Charge(ctx, "acct", tier.ContentRepurposing, credit.WithIdempotencyKey("req-1"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, types.Whole(49), balanceOf(t, s, "acct"))
}

func TestKeyedChargeTimeoutIsUnavailable(t *testing.T) {
	l, s := newLedger(t)
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Free, Balance: types.Whole(10), MonthlyAllotment: types.Whole(100)})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := l.Charge(ctx, "acct", tier.ContentRepurposing, credit.WithIdempotencyKey("req-1"))
	require.ErrorIs(t, err, credit.ErrStorageUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, credit.IsRetryable(err))
	assert.Equal(t, types.Whole(10), balanceOf(t, s, "acct"))
}

func TestAddBonusIsRecordedInUsage(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Tier2, Balance: types.Whole(10), MonthlyAllotment: types.Whole(300)})

	e, err := l.AddBonus(ctx, "acct", types.Whole(25), "refund for failed export")
	require.NoError(t, err)
	assert.Equal(t, types.Whole(35), e.Balance)

	_, err = l.AddBonus(ctx, "acct", 0, "nothing")
	assert.ErrorIs(t, err, credit.ErrInvalidInput)

	require.NoError(t, l.Stop())

	events, err := l.UsageEvents(ctx, "acct", usage.QueryOpts{Feature: string(usage.FeatureBonus)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.Whole(-25), events[0].Cost)
	assert.Equal(t, tier.Tier2, events[0].Tier)
	assert.Equal(t, "refund for failed export", events[0].Metadata["reason"])
	assert.True(t, strings.HasPrefix(events[0].Metadata["grant_id"], "grt_"))
}

func TestNegativeBalanceFreezesAccount(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Free, Balance: types.Whole(-3), MonthlyAllotment: types.Whole(100)})

	_, err := l.Entitlement(ctx, "acct")
	var violation *credit.InvariantViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "acct", violation.AccountID)

	stored, err := s.GetEntitlement(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, stored.IsFrozen())
	assert.Equal(t, types.Whole(-3), stored.Balance, "the number is not silently fixed")

	_, err = l.AddBonus(ctx, "acct", types.Whole(10), "refund")
	assert.ErrorIs(t, err, credit.ErrAccountFrozen)

	_, err = l.Charge(ctx, "acct", tier.ContentRepurposing)
	assert.ErrorIs(t, err, credit.ErrInvariantViolation)
}

func TestUnfreezeAfterCorrection(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Free, Balance: types.Whole(-3), MonthlyAllotment: types.Whole(100)})

	_, err := l.Entitlement(ctx, "acct")
	require.Error(t, err)

	require.NoError(t, l.Unfreeze(ctx, "acct"))
	_, err = l.AddBonus(ctx, "acct", types.Whole(5), "manual correction")
	require.NoError(t, err)

	e, err := l.Entitlement(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, types.Whole(2), e.Balance)
	assert.False(t, e.IsFrozen())
}

func TestEntitledAndCanCreate(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Tier3, Balance: types.Whole(750), MonthlyAllotment: types.Whole(750)})

	d, err := l.Entitled(ctx, "acct", tier.BulkGeneration)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, types.Credits(90), d.Cost)

	require.NoError(t, l.CanCreate(ctx, "acct", tier.StyleProfiles, 0))

	err = l.CanCreate(ctx, "acct", tier.StyleProfiles, 1)
	var limit *credit.LimitReachedError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, 1, limit.Limit)
	assert.ErrorIs(t, err, credit.ErrLimitReached)
}

func TestAdjustTierMayLower(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Tier4, Balance: types.Whole(100), MonthlyAllotment: types.Whole(2000)})

	_, err := l.Charge(ctx, "acct", tier.WhiteLabel)
	require.NoError(t, err)

	require.NoError(t, l.AdjustTier(ctx, "acct", tier.Tier2))

	_, err = l.Charge(ctx, "acct", tier.WhiteLabel)
	assert.ErrorIs(t, err, credit.ErrTierRestricted)

	assert.ErrorIs(t, l.AdjustTier(ctx, "acct", tier.Tier(9)), credit.ErrInvalidInput)
}

func TestGrantFromPurchaseRaisesTierOnly(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Tier3, Balance: types.Whole(10), MonthlyAllotment: types.Whole(750)})

	e, err := l.GrantFromPurchase(ctx, credit.PurchaseGrant{AccountID: "acct", Tier: tier.Tier2, Reference: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, tier.Tier3, e.Tier)
	assert.Equal(t, types.Whole(310), e.Balance)
	assert.Equal(t, types.Whole(1050), e.MonthlyAllotment)

	e, err = l.GrantFromPurchase(ctx, credit.PurchaseGrant{AccountID: "acct", Tier: tier.Tier4, BalanceDelta: types.Whole(1)})
	require.NoError(t, err)
	assert.Equal(t, tier.Tier4, e.Tier)

	_, err = l.GrantFromPurchase(ctx, credit.PurchaseGrant{AccountID: "acct"})
	assert.ErrorIs(t, err, credit.ErrInvalidInput)

	_, err = l.GrantFromPurchase(ctx, credit.PurchaseGrant{AccountID: "acct", BalanceDelta: types.Whole(-1)})
	assert.ErrorIs(t, err, credit.ErrInvalidInput)
}

func TestUsageSummary(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	seed(t, s, account.Entitlement{AccountID: "acct", Tier: tier.Tier2, Balance: types.Whole(100), MonthlyAllotment: types.Whole(300)})

	for range 3 {
		_, err := l.Charge(ctx, "acct", tier.ViralHooks)
		require.NoError(t, err)
	}
	_, err := l.Charge(ctx, "acct", tier.ContentRepurposing, credit.WithMetadata(map[string]string{"platform": "x"}))
	require.NoError(t, err)

	require.NoError(t, l.Stop())

	summary, err := l.UsageSummary(ctx, "acct", 30)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, tier.ViralHooks, summary[0].Feature)
	assert.Equal(t, int64(3), summary[0].Count)
	assert.Equal(t, types.Whole(6), summary[0].Credits)

	_, err = l.UsageSummary(ctx, "acct", 0)
	assert.ErrorIs(t, err, credit.ErrInvalidInput)

	events, err := l.UsageEvents(ctx, "acct", usage.QueryOpts{Feature: string(tier.ContentRepurposing)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "x", events[0].Metadata["platform"])
	assert.Equal(t, types.Whole(1), events[0].Cost)
}

func TestCreateCodes(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()

	codes, err := l.CreateCodes(ctx, credit.CodeBatch{Tier: tier.Tier2, Count: 5, Prefix: "appsumo"})
	require.NoError(t, err)
	require.Len(t, codes, 5)

	seen := make(map[string]bool)
	for _, c := range codes {
		assert.Regexp(t, `^APPSUMO-T2-[A-Z2-7]{12}$`, c.Code)
		assert.Equal(t, 1, c.MaxRedemptions)
		assert.True(t, c.IsActive)
		assert.False(t, seen[c.Code])
		seen[c.Code] = true
	}

	listed, err := s.ListCodes(ctx, code.ListOpts{Batch: codes[0].Batch})
	require.NoError(t, err)
	assert.Len(t, listed, 5)

	_, err = l.CreateCodes(ctx, credit.CodeBatch{Tier: tier.Tier(7), Count: 1})
	assert.ErrorIs(t, err, credit.ErrInvalidInput)
	_, err = l.CreateCodes(ctx, credit.CodeBatch{Tier: tier.Tier2, Count: 0})
	assert.ErrorIs(t, err, credit.ErrInvalidInput)
}

func TestErrorHelpers(t *testing.T) {
	wrapped := fmt.Errorf("charge: %w", &credit.InsufficientCreditsError{Remaining: 1, Required: 2})
	assert.True(t, credit.IsUserFacing(wrapped))
	assert.False(t, credit.IsRetryable(wrapped))

	invalid := &credit.CodeInvalidError{Code: "X", Reason: credit.ErrCodeExpired}
	assert.ErrorIs(t, invalid, credit.ErrCodeInvalid)
	assert.ErrorIs(t, invalid, credit.ErrCodeExpired)
	assert.NotErrorIs(t, invalid, credit.ErrCodeExhausted)

	var multi credit.MultiError
	multi.Add(credit.ValidationError{Field: "a", Message: "bad"})
	multi.Add(nil)
	assert.Len(t, multi.Errors, 1)
	assert.ErrorIs(t, multi, credit.ErrInvalidInput)
}
