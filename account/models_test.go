package account_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/credit/account"
	"github.com/xraph/credit/types"
)

func TestNextPeriod(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"mid month", time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC), time.Date(2025, 4, 15, 9, 0, 0, 0, time.UTC)},
		{"year end", time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"month end normalizes", time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC), time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)},
		{"leap year", time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC), time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, account.NextPeriod(tt.in))
		})
	}
}

func TestNextPeriodKeepsNormalizedAnchor(t *testing.T) {
	at := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	for range 3 {
		at = account.NextPeriod(at)
	}
	assert.Equal(t, time.Date(2025, 5, 3, 0, 0, 0, 0, time.UTC), at)
}

func TestDueForRefresh(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, (&account.Entitlement{ResetAt: now}).DueForRefresh(now))
	assert.True(t, (&account.Entitlement{ResetAt: now.Add(-time.Hour)}).DueForRefresh(now))
	assert.False(t, (&account.Entitlement{ResetAt: now.Add(time.Hour)}).DueForRefresh(now))
}

func TestLowBalanceQuery(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	q := account.LowBalanceQuery{RatioBasisPoints: 1000, WarnedBefore: now.Add(-24 * time.Hour)}

	assert.True(t, q.IsLow(&account.Entitlement{Balance: types.Whole(9), MonthlyAllotment: types.Whole(100)}))
	assert.False(t, q.IsLow(&account.Entitlement{Balance: types.Whole(10), MonthlyAllotment: types.Whole(100)}))
	assert.False(t, q.IsLow(&account.Entitlement{Balance: 0, MonthlyAllotment: 0}))

	recent := now.Add(-time.Hour)
	stale := now.Add(-48 * time.Hour)
	assert.True(t, q.Throttled(&account.Entitlement{LastLowBalanceWarningAt: &recent}))
	assert.False(t, q.Throttled(&account.Entitlement{LastLowBalanceWarningAt: &stale}))
	assert.False(t, q.Throttled(&account.Entitlement{}))
}
