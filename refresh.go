package credit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/credit/account"
	"github.com/xraph/credit/id"
)

// Sweep names reported to plugins.
const (
	SweepRefresh    = "credit_refresh"
	SweepExpiry     = "expire_codes"
	SweepLowBalance = "low_balance"
	SweepRetention  = "usage_retention"
)

// refreshAttempts bounds how often one account's refresh is re-read and
// retried after losing a compare-and-swap to a concurrent charge.
const refreshAttempts = 3

// AccountError is one account's failure inside a sweep.
type AccountError struct {
	AccountID string `json:"account_id"`
	Err       error  `json:"-"`
}

func (e AccountError) Error() string {
	return fmt.Sprintf("account %s: %v", e.AccountID, e.Err)
}

func (e AccountError) Unwrap() error { return e.Err }

// SweepSummary reports one refresh sweep.
type SweepSummary struct {
	ID        id.SweepID     `json:"id"`
	Refreshed int            `json:"refreshed"`
	Skipped   int            `json:"skipped"`
	Errors    []AccountError `json:"errors,omitempty"`
	Elapsed   time.Duration  `json:"elapsed"`
}

// Err folds the per-account failures into a single error, or nil.
func (s *SweepSummary) Err() error {
	var errs MultiError
	for _, e := range s.Errors {
		errs.Add(e)
	}
	if !errs.HasErrors() {
		return nil
	}
	return errs
}

type sweepTally struct {
	mu sync.Mutex
	s  *SweepSummary
}

func (t *sweepTally) record(accountID string, refreshed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case err != nil:
		t.s.Errors = append(t.s.Errors, AccountError{AccountID: accountID, Err: err})
	case refreshed:
		t.s.Refreshed++
	default:
		t.s.Skipped++
	}
}

// RunRefreshSweep grants the next period to every account whose reset
// time is at or before now. Each account advances by exactly one period
// from its previous reset time, so running the sweep again right after is
// a no-op. One account's failure is recorded in the summary and does not
// stop the others; the returned error is non-nil only when the sweep
// itself could not proceed.
func (l *Ledger) RunRefreshSweep(ctx context.Context, now time.Time) (*SweepSummary, error) {
	start := time.Now()
	summary := &SweepSummary{ID: id.NewSweepID()}
	tally := &sweepTally{s: summary}

	after := ""
	for {
		page, err := withRetry(ctx, l, func() ([]*account.Entitlement, error) {
			return l.store.ListDueForRefresh(ctx, now, after, l.sweepBatchSize)
		})
		if err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}
		if len(page) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(l.sweepConcurrency)
		for _, e := range page {
			g.Go(func() error {
				refreshed, err := l.refreshAccount(ctx, e, now)
				tally.record(e.AccountID, refreshed, err)
				return nil
			})
		}
		_ = g.Wait() //nolint:errcheck // workers report through the tally

		if err := ctx.Err(); err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}
		if len(page) < l.sweepBatchSize {
			break
		}
		after = page[len(page)-1].AccountID
	}

	summary.Elapsed = time.Since(start)
	l.plugins.EmitSweepCompleted(ctx, SweepRefresh, summary.Refreshed, len(summary.Errors), summary.Elapsed)

	l.logger.Info("refresh sweep completed",
		"sweep_id", summary.ID.String(),
		"refreshed", summary.Refreshed,
		"skipped", summary.Skipped,
		"errors", len(summary.Errors),
		"elapsed_ms", summary.Elapsed.Milliseconds(),
	)

	return summary, nil
}

// refreshAccount rolls one account into its next period. It reports false
// without error when the account is no longer due, which is what a second
// sweep observes.
func (l *Ledger) refreshAccount(ctx context.Context, e *account.Entitlement, now time.Time) (bool, error) {
	for range refreshAttempts {
		if e.IsFrozen() || !e.DueForRefresh(now) {
			return false, nil
		}
		if err := l.checkInvariants(ctx, e); err != nil {
			return false, err
		}

		r := account.Refresh{
			AccountID:     e.AccountID,
			Now:           now,
			PrevResetAt:   e.ResetAt,
			PrevBalance:   e.Balance,
			PrevAllotment: e.MonthlyAllotment,
			NewBalance:    e.MonthlyAllotment,
			NewRollover:   e.Balance.Min(l.catalog.RolloverCap(e.MonthlyAllotment)),
			NewResetAt:    account.NextPeriod(e.ResetAt),
		}

		applied, err := l.store.ApplyRefresh(ctx, r)
		if err != nil {
			l.logger.Error("refresh failed",
				"account_id", e.AccountID,
				"error", err,
			)
			return false, unavailable(err)
		}
		if applied {
			l.plugins.EmitAccountRefreshed(ctx, e, r)
			return true, nil
		}

		// A charge or grant moved the record between the read and the
		// swap; re-read and try again against the new values.
		e, err = l.store.GetEntitlement(ctx, e.AccountID)
		if err != nil {
			return false, unavailable(err)
		}
	}

	return false, fmt.Errorf("%w: refresh contended %d times", ErrStorageUnavailable, refreshAttempts)
}

// ExpireCodes deactivates every active code whose expiry is at or before
// now. Codes are checked here rather than on each read.
func (l *Ledger) ExpireCodes(ctx context.Context, now time.Time) (int64, error) {
	start := time.Now()

	n, err := l.store.ExpireCodes(ctx, now)
	if err != nil {
		l.logger.Error("code expiry sweep failed", "error", err)
		return 0, unavailable(err)
	}

	elapsed := time.Since(start)
	if n > 0 {
		l.plugins.EmitCodesExpired(ctx, n)
	}
	l.plugins.EmitSweepCompleted(ctx, SweepExpiry, int(n), 0, elapsed)

	l.logger.Info("code expiry sweep completed",
		"expired", n,
		"elapsed_ms", elapsed.Milliseconds(),
	)

	return n, nil
}

// PurgeUsage deletes usage events older than the retention period
// before now and returns how many were removed.
func (l *Ledger) PurgeUsage(ctx context.Context, now time.Time) (int64, error) {
	start := time.Now()
	cutoff := now.Add(-l.usageRetention)

	n, err := l.store.PurgeUsage(ctx, cutoff)
	if err != nil {
		l.logger.Error("usage retention sweep failed", "cutoff", cutoff, "error", err)
		return 0, unavailable(err)
	}

	elapsed := time.Since(start)
	l.plugins.EmitSweepCompleted(ctx, SweepRetention, int(n), 0, elapsed)

	l.logger.Info("usage retention sweep completed",
		"purged", n,
		"cutoff", cutoff,
		"elapsed_ms", elapsed.Milliseconds(),
	)

	return n, nil
}

// WarningSummary reports one low-balance sweep.
type WarningSummary struct {
	Warned  []string       `json:"warned"`
	Skipped int            `json:"skipped"`
	Errors  []AccountError `json:"errors,omitempty"`
	Elapsed time.Duration  `json:"elapsed"`
}

// WarnLowBalances emits one OnLowBalance event per account whose balance
// is under the configured share of its allotment and that was not warned
// within the warning interval. The warning timestamp is claimed with a
// conditional update, so concurrent sweeps warn each account once.
func (l *Ledger) WarnLowBalances(ctx context.Context, now time.Time) (*WarningSummary, error) {
	start := time.Now()
	summary := &WarningSummary{}

	q := account.LowBalanceQuery{
		RatioBasisPoints: l.lowBalanceRatio,
		WarnedBefore:     now.Add(-l.lowBalanceInterval),
		Limit:            l.sweepBatchSize,
	}

	for {
		page, err := withRetry(ctx, l, func() ([]*account.Entitlement, error) {
			return l.store.ListLowBalance(ctx, q)
		})
		if err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}

		for _, e := range page {
			claimed, err := l.store.MarkLowBalanceWarned(ctx, e.AccountID, now, q)
			switch {
			case err != nil:
				summary.Errors = append(summary.Errors, AccountError{AccountID: e.AccountID, Err: unavailable(err)})
			case !claimed:
				summary.Skipped++
			default:
				warnedAt := now
				e.LastLowBalanceWarningAt = &warnedAt
				summary.Warned = append(summary.Warned, e.AccountID)
				l.plugins.EmitLowBalance(ctx, e)
			}
		}

		if len(page) < q.Limit {
			break
		}
		q.After = page[len(page)-1].AccountID
	}

	summary.Elapsed = time.Since(start)
	l.plugins.EmitSweepCompleted(ctx, SweepLowBalance, len(summary.Warned), len(summary.Errors), summary.Elapsed)

	l.logger.Info("low balance sweep completed",
		"warned", len(summary.Warned),
		"skipped", summary.Skipped,
		"errors", len(summary.Errors),
		"elapsed_ms", summary.Elapsed.Milliseconds(),
	)

	return summary, nil
}
