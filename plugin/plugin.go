// Package plugin provides an extensible plugin system for the credit ledger.
// Plugins can hook into various lifecycle events to extend functionality.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
	"github.com/xraph/credit/usage"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, l interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountOpened is called after an entitlement record is created.
type OnAccountOpened interface {
	Plugin
	OnAccountOpened(ctx context.Context, e *account.Entitlement) error
}

// OnInvariantViolation is called when an account is frozen because its
// stored state broke an invariant.
type OnInvariantViolation interface {
	Plugin
	OnInvariantViolation(ctx context.Context, accountID, detail string) error
}

// ──────────────────────────────────────────────────
// Charge hooks
// ──────────────────────────────────────────────────

// OnCreditsCharged is called after a successful charge.
type OnCreditsCharged interface {
	Plugin
	OnCreditsCharged(ctx context.Context, evt *usage.Event, remaining types.Credits) error
}

// OnChargeRejected is called when a charge is refused for a user-facing
// reason (tier or balance).
type OnChargeRejected interface {
	Plugin
	OnChargeRejected(ctx context.Context, accountID string, feature tier.Feature, reason error) error
}

// OnUsageFlushed is called when usage events are flushed to the store.
type OnUsageFlushed interface {
	Plugin
	OnUsageFlushed(ctx context.Context, count int, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Grant hooks
// ──────────────────────────────────────────────────

// OnCreditsGranted is called after credits or allotment were added.
type OnCreditsGranted interface {
	Plugin
	OnCreditsGranted(ctx context.Context, e *account.Entitlement, g account.Grant, source string) error
}

// OnCodeRedeemed is called after a successful redemption.
type OnCodeRedeemed interface {
	Plugin
	OnCodeRedeemed(ctx context.Context, r *code.Redemption, e *account.Entitlement) error
}

// ──────────────────────────────────────────────────
// Scheduled sweep hooks
// ──────────────────────────────────────────────────

// OnAccountRefreshed is called for every account a refresh sweep rolled over.
type OnAccountRefreshed interface {
	Plugin
	OnAccountRefreshed(ctx context.Context, before *account.Entitlement, r account.Refresh) error
}

// OnSweepCompleted is called at the end of every scheduled sweep.
type OnSweepCompleted interface {
	Plugin
	OnSweepCompleted(ctx context.Context, sweep string, processed, failed int, elapsed time.Duration) error
}

// OnCodesExpired is called when the expiry sweep deactivated codes.
type OnCodesExpired interface {
	Plugin
	OnCodesExpired(ctx context.Context, count int64) error
}

// OnLowBalance is called once per warning window for an account whose
// balance fell under the warning ratio.
type OnLowBalance interface {
	Plugin
	OnLowBalance(ctx context.Context, e *account.Entitlement) error
}
