// Package audithook bridges credit ledger lifecycle events to an audit
// trail backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/credit"
	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/plugin"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
	"github.com/xraph/credit/usage"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin               = (*Extension)(nil)
	_ plugin.OnAccountOpened      = (*Extension)(nil)
	_ plugin.OnInvariantViolation = (*Extension)(nil)
	_ plugin.OnCreditsCharged     = (*Extension)(nil)
	_ plugin.OnChargeRejected     = (*Extension)(nil)
	_ plugin.OnUsageFlushed       = (*Extension)(nil)
	_ plugin.OnCreditsGranted     = (*Extension)(nil)
	_ plugin.OnCodeRedeemed       = (*Extension)(nil)
	_ plugin.OnCodesExpired       = (*Extension)(nil)
	_ plugin.OnAccountRefreshed   = (*Extension)(nil)
	_ plugin.OnSweepCompleted     = (*Extension)(nil)
	_ plugin.OnLowBalance         = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges credit ledger lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountOpened implements plugin.OnAccountOpened.
func (e *Extension) OnAccountOpened(ctx context.Context, ent *account.Entitlement) error {
	return e.record(ctx, ActionAccountOpened, SeverityInfo, OutcomeSuccess,
		ResourceAccount, ent.AccountID, CategoryBilling, nil,
		"tier", ent.Tier.String(),
		"balance", ent.Balance.String(),
	)
}

// OnInvariantViolation implements plugin.OnInvariantViolation.
func (e *Extension) OnInvariantViolation(ctx context.Context, accountID, detail string) error {
	return e.record(ctx, ActionInvariantViolation, SeverityCritical, OutcomeFailure,
		ResourceAccount, accountID, CategoryIntegrity, credit.ErrInvariantViolation,
		"detail", detail,
		"frozen", true,
	)
}

// ──────────────────────────────────────────────────
// Charge hooks
// ──────────────────────────────────────────────────

// OnCreditsCharged implements plugin.OnCreditsCharged.
func (e *Extension) OnCreditsCharged(ctx context.Context, evt *usage.Event, remaining types.Credits) error {
	return e.record(ctx, ActionCreditsCharged, SeverityInfo, OutcomeSuccess,
		ResourceUsage, evt.AccountID, CategoryUsage, nil,
		"event_id", evt.ID.String(),
		"feature", string(evt.Feature),
		"cost", evt.Cost.String(),
		"remaining", remaining.String(),
	)
}

// OnChargeRejected implements plugin.OnChargeRejected. Only refusals
// caused by the account's own state are recorded as warnings.
func (e *Extension) OnChargeRejected(ctx context.Context, accountID string, feature tier.Feature, reason error) error {
	severity := SeverityInfo
	if errors.Is(reason, credit.ErrAccountFrozen) {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionChargeRejected, severity, OutcomeFailure,
		ResourceAccount, accountID, CategoryAccess, reason,
		"feature", string(feature),
	)
}

// OnUsageFlushed implements plugin.OnUsageFlushed.
func (e *Extension) OnUsageFlushed(ctx context.Context, count int, elapsed time.Duration) error {
	return e.record(ctx, ActionUsageFlushed, SeverityInfo, OutcomeSuccess,
		ResourceUsage, "", CategoryUsage, nil,
		"count", count,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Grant hooks
// ──────────────────────────────────────────────────

// OnCreditsGranted implements plugin.OnCreditsGranted.
func (e *Extension) OnCreditsGranted(ctx context.Context, ent *account.Entitlement, g account.Grant, source string) error {
	return e.record(ctx, ActionCreditsGranted, SeverityInfo, OutcomeSuccess,
		ResourceAccount, ent.AccountID, CategoryBilling, nil,
		"source", source,
		"delta_balance", g.DeltaBalance.String(),
		"delta_allotment", g.DeltaAllotment.String(),
		"tier", ent.Tier.String(),
		"stacked_units", ent.StackedUnits,
	)
}

// OnCodeRedeemed implements plugin.OnCodeRedeemed.
func (e *Extension) OnCodeRedeemed(ctx context.Context, r *code.Redemption, ent *account.Entitlement) error {
	return e.record(ctx, ActionCodeRedeemed, SeverityInfo, OutcomeSuccess,
		ResourceCode, r.CodeID.String(), CategoryBilling, nil,
		"account_id", r.AccountID,
		"code", r.Code,
		"tier", r.Tier.String(),
		"previous_tier", r.PreviousTier.String(),
		"credits_added", r.CreditsAdded.String(),
		"balance", ent.Balance.String(),
	)
}

// OnCodesExpired implements plugin.OnCodesExpired.
func (e *Extension) OnCodesExpired(ctx context.Context, count int64) error {
	return e.record(ctx, ActionCodesExpired, SeverityInfo, OutcomeSuccess,
		ResourceCode, "", CategorySchedule, nil,
		"count", count,
	)
}

// ──────────────────────────────────────────────────
// Sweep hooks
// ──────────────────────────────────────────────────

// OnAccountRefreshed implements plugin.OnAccountRefreshed.
func (e *Extension) OnAccountRefreshed(ctx context.Context, before *account.Entitlement, r account.Refresh) error {
	return e.record(ctx, ActionAccountRefreshed, SeverityInfo, OutcomeSuccess,
		ResourceAccount, r.AccountID, CategorySchedule, nil,
		"previous_balance", before.Balance.String(),
		"balance", r.NewBalance.String(),
		"rollover", r.NewRollover.String(),
		"reset_at", r.NewResetAt,
	)
}

// OnSweepCompleted implements plugin.OnSweepCompleted.
func (e *Extension) OnSweepCompleted(ctx context.Context, sweep string, processed, failed int, elapsed time.Duration) error {
	outcome, severity := OutcomeSuccess, SeverityInfo
	if failed > 0 {
		outcome, severity = OutcomePartial, SeverityWarning
	}
	return e.record(ctx, ActionSweepCompleted, severity, outcome,
		ResourceSweep, sweep, CategorySchedule, nil,
		"processed", processed,
		"failed", failed,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnLowBalance implements plugin.OnLowBalance.
func (e *Extension) OnLowBalance(ctx context.Context, ent *account.Entitlement) error {
	return e.record(ctx, ActionLowBalance, SeverityWarning, OutcomeSuccess,
		ResourceAccount, ent.AccountID, CategoryBilling, nil,
		"balance", ent.Balance.String(),
		"monthly_allotment", ent.MonthlyAllotment.String(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
