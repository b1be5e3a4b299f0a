// Package observability provides a metrics extension for the credit ledger
// that records lifecycle event counts via a MetricFactory.
package observability

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/credit"
	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/plugin"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
	"github.com/xraph/credit/usage"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin               = (*MetricsExtension)(nil)
	_ plugin.OnInit               = (*MetricsExtension)(nil)
	_ plugin.OnAccountOpened      = (*MetricsExtension)(nil)
	_ plugin.OnInvariantViolation = (*MetricsExtension)(nil)
	_ plugin.OnCreditsCharged     = (*MetricsExtension)(nil)
	_ plugin.OnChargeRejected     = (*MetricsExtension)(nil)
	_ plugin.OnUsageFlushed       = (*MetricsExtension)(nil)
	_ plugin.OnCreditsGranted     = (*MetricsExtension)(nil)
	_ plugin.OnCodeRedeemed       = (*MetricsExtension)(nil)
	_ plugin.OnCodesExpired       = (*MetricsExtension)(nil)
	_ plugin.OnAccountRefreshed   = (*MetricsExtension)(nil)
	_ plugin.OnSweepCompleted     = (*MetricsExtension)(nil)
	_ plugin.OnLowBalance         = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a ledger plugin to automatically track credit metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Account metrics
	AccountsOpened      Counter
	InvariantViolations Counter

	// Charge metrics
	Charges            Counter
	CreditsCharged     Counter
	ChargeInsufficient Counter
	ChargeRestricted   Counter
	ChargeFrozen       Counter
	UsageFlushed       Counter
	UsageFlushLatency  Histogram

	// Grant metrics
	Grants         Counter
	CreditsGranted Counter
	Redemptions    Counter
	CodesExpired   Counter

	// Sweep metrics
	AccountsRefreshed Counter
	RolloverCredits   Counter
	SweepFailures     Counter
	SweepLatency      Histogram
	LowBalanceWarned  Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions or NewPrometheusFactory standalone.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Account metrics
		AccountsOpened:      factory.Counter("credit.account.opened"),
		InvariantViolations: factory.Counter("credit.account.invariant_violations"),

		// Charge metrics
		Charges:            factory.Counter("credit.charge.total"),
		CreditsCharged:     factory.Counter("credit.charge.credits"),
		ChargeInsufficient: factory.Counter("credit.charge.rejected.insufficient"),
		ChargeRestricted:   factory.Counter("credit.charge.rejected.tier"),
		ChargeFrozen:       factory.Counter("credit.charge.rejected.frozen"),
		UsageFlushed:       factory.Counter("credit.usage.flushed"),
		UsageFlushLatency:  factory.Histogram("credit.usage.flush.latency_ms"),

		// Grant metrics
		Grants:         factory.Counter("credit.grant.total"),
		CreditsGranted: factory.Counter("credit.grant.credits"),
		Redemptions:    factory.Counter("credit.code.redeemed"),
		CodesExpired:   factory.Counter("credit.code.expired"),

		// Sweep metrics
		AccountsRefreshed: factory.Counter("credit.refresh.accounts"),
		RolloverCredits:   factory.Counter("credit.refresh.rollover_credits"),
		SweepFailures:     factory.Counter("credit.sweep.failures"),
		SweepLatency:      factory.Histogram("credit.sweep.latency_ms"),
		LowBalanceWarned:  factory.Counter("credit.balance.low_warnings"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountOpened implements plugin.OnAccountOpened.
func (m *MetricsExtension) OnAccountOpened(_ context.Context, _ *account.Entitlement) error {
	m.AccountsOpened.Inc()
	return nil
}

// OnInvariantViolation implements plugin.OnInvariantViolation.
func (m *MetricsExtension) OnInvariantViolation(_ context.Context, _, _ string) error {
	m.InvariantViolations.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Charge hooks
// ──────────────────────────────────────────────────

// OnCreditsCharged implements plugin.OnCreditsCharged. Credit counters
// are recorded in whole credits.
func (m *MetricsExtension) OnCreditsCharged(_ context.Context, evt *usage.Event, _ types.Credits) error {
	m.Charges.Inc()
	m.CreditsCharged.Add(wholeCredits(evt.Cost))
	return nil
}

// OnChargeRejected implements plugin.OnChargeRejected.
func (m *MetricsExtension) OnChargeRejected(_ context.Context, _ string, _ tier.Feature, reason error) error {
	switch {
	case errors.Is(reason, credit.ErrInsufficientCredits):
		m.ChargeInsufficient.Inc()
	case errors.Is(reason, credit.ErrTierRestricted):
		m.ChargeRestricted.Inc()
	case errors.Is(reason, credit.ErrAccountFrozen):
		m.ChargeFrozen.Inc()
	}
	return nil
}

// OnUsageFlushed implements plugin.OnUsageFlushed.
func (m *MetricsExtension) OnUsageFlushed(_ context.Context, count int, elapsed time.Duration) error {
	m.UsageFlushed.Add(float64(count))
	m.UsageFlushLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// ──────────────────────────────────────────────────
// Grant hooks
// ──────────────────────────────────────────────────

// OnCreditsGranted implements plugin.OnCreditsGranted.
func (m *MetricsExtension) OnCreditsGranted(_ context.Context, _ *account.Entitlement, g account.Grant, _ string) error {
	m.Grants.Inc()
	m.CreditsGranted.Add(wholeCredits(g.DeltaBalance))
	return nil
}

// OnCodeRedeemed implements plugin.OnCodeRedeemed.
func (m *MetricsExtension) OnCodeRedeemed(_ context.Context, r *code.Redemption, _ *account.Entitlement) error {
	m.Redemptions.Inc()
	m.CreditsGranted.Add(wholeCredits(r.CreditsAdded))
	return nil
}

// OnCodesExpired implements plugin.OnCodesExpired.
func (m *MetricsExtension) OnCodesExpired(_ context.Context, count int64) error {
	m.CodesExpired.Add(float64(count))
	return nil
}

// ──────────────────────────────────────────────────
// Sweep hooks
// ──────────────────────────────────────────────────

// OnAccountRefreshed implements plugin.OnAccountRefreshed.
func (m *MetricsExtension) OnAccountRefreshed(_ context.Context, _ *account.Entitlement, r account.Refresh) error {
	m.AccountsRefreshed.Inc()
	m.RolloverCredits.Add(wholeCredits(r.NewRollover))
	return nil
}

// OnSweepCompleted implements plugin.OnSweepCompleted.
func (m *MetricsExtension) OnSweepCompleted(_ context.Context, _ string, _, failed int, elapsed time.Duration) error {
	m.SweepFailures.Add(float64(failed))
	m.SweepLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnLowBalance implements plugin.OnLowBalance.
func (m *MetricsExtension) OnLowBalance(_ context.Context, _ *account.Entitlement) error {
	m.LowBalanceWarned.Inc()
	return nil
}

func wholeCredits(c types.Credits) float64 {
	return float64(c.Units()) / float64(types.Scale)
}
