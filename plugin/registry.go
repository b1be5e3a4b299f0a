package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
	"github.com/xraph/credit/usage"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit               []OnInit
	onShutdown           []OnShutdown
	onAccountOpened      []OnAccountOpened
	onInvariantViolation []OnInvariantViolation
	onCreditsCharged     []OnCreditsCharged
	onChargeRejected     []OnChargeRejected
	onUsageFlushed       []OnUsageFlushed
	onCreditsGranted     []OnCreditsGranted
	onCodeRedeemed       []OnCodeRedeemed
	onAccountRefreshed   []OnAccountRefreshed
	onSweepCompleted     []OnSweepCompleted
	onCodesExpired       []OnCodesExpired
	onLowBalance         []OnLowBalance
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: 5 * time.Second,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout bounds how long a single hook may run.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnAccountOpened); ok {
		r.onAccountOpened = append(r.onAccountOpened, v)
	}
	if v, ok := p.(OnInvariantViolation); ok {
		r.onInvariantViolation = append(r.onInvariantViolation, v)
	}
	if v, ok := p.(OnCreditsCharged); ok {
		r.onCreditsCharged = append(r.onCreditsCharged, v)
	}
	if v, ok := p.(OnChargeRejected); ok {
		r.onChargeRejected = append(r.onChargeRejected, v)
	}
	if v, ok := p.(OnUsageFlushed); ok {
		r.onUsageFlushed = append(r.onUsageFlushed, v)
	}
	if v, ok := p.(OnCreditsGranted); ok {
		r.onCreditsGranted = append(r.onCreditsGranted, v)
	}
	if v, ok := p.(OnCodeRedeemed); ok {
		r.onCodeRedeemed = append(r.onCodeRedeemed, v)
	}
	if v, ok := p.(OnAccountRefreshed); ok {
		r.onAccountRefreshed = append(r.onAccountRefreshed, v)
	}
	if v, ok := p.(OnSweepCompleted); ok {
		r.onSweepCompleted = append(r.onSweepCompleted, v)
	}
	if v, ok := p.(OnCodesExpired); ok {
		r.onCodesExpired = append(r.onCodesExpired, v)
	}
	if v, ok := p.(OnLowBalance); ok {
		r.onLowBalance = append(r.onLowBalance, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnAccountOpened)(nil)).Elem(), "OnAccountOpened")
	checkInterface(reflect.TypeOf((*OnInvariantViolation)(nil)).Elem(), "OnInvariantViolation")
	checkInterface(reflect.TypeOf((*OnCreditsCharged)(nil)).Elem(), "OnCreditsCharged")
	checkInterface(reflect.TypeOf((*OnChargeRejected)(nil)).Elem(), "OnChargeRejected")
	checkInterface(reflect.TypeOf((*OnUsageFlushed)(nil)).Elem(), "OnUsageFlushed")
	checkInterface(reflect.TypeOf((*OnCreditsGranted)(nil)).Elem(), "OnCreditsGranted")
	checkInterface(reflect.TypeOf((*OnCodeRedeemed)(nil)).Elem(), "OnCodeRedeemed")
	checkInterface(reflect.TypeOf((*OnAccountRefreshed)(nil)).Elem(), "OnAccountRefreshed")
	checkInterface(reflect.TypeOf((*OnSweepCompleted)(nil)).Elem(), "OnSweepCompleted")
	checkInterface(reflect.TypeOf((*OnCodesExpired)(nil)).Elem(), "OnCodesExpired")
	checkInterface(reflect.TypeOf((*OnLowBalance)(nil)).Elem(), "OnLowBalance")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, ledger interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, ledger)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitAccountOpened emits an account opened event.
func (r *Registry) EmitAccountOpened(ctx context.Context, e *account.Entitlement) {
	r.mu.RLock()
	plugins := r.onAccountOpened
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnAccountOpened(ctx, e)
		}); err != nil {
			r.logger.Warn("plugin OnAccountOpened failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInvariantViolation emits an invariant violation event.
func (r *Registry) EmitInvariantViolation(ctx context.Context, accountID, detail string) {
	r.mu.RLock()
	plugins := r.onInvariantViolation
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInvariantViolation(ctx, accountID, detail)
		}); err != nil {
			r.logger.Warn("plugin OnInvariantViolation failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCreditsCharged emits a credits charged event.
func (r *Registry) EmitCreditsCharged(ctx context.Context, evt *usage.Event, remaining types.Credits) {
	r.mu.RLock()
	plugins := r.onCreditsCharged
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCreditsCharged(ctx, evt, remaining)
		}); err != nil {
			r.logger.Warn("plugin OnCreditsCharged failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitChargeRejected emits a charge rejected event.
func (r *Registry) EmitChargeRejected(ctx context.Context, accountID string, feature tier.Feature, reason error) {
	r.mu.RLock()
	plugins := r.onChargeRejected
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnChargeRejected(ctx, accountID, feature, reason)
		}); err != nil {
			r.logger.Warn("plugin OnChargeRejected failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitUsageFlushed emits a usage flushed event.
func (r *Registry) EmitUsageFlushed(ctx context.Context, count int, elapsed time.Duration) {
	r.mu.RLock()
	plugins := r.onUsageFlushed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnUsageFlushed(ctx, count, elapsed)
		}); err != nil {
			r.logger.Warn("plugin OnUsageFlushed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCreditsGranted emits a credits granted event.
func (r *Registry) EmitCreditsGranted(ctx context.Context, e *account.Entitlement, g account.Grant, source string) {
	r.mu.RLock()
	plugins := r.onCreditsGranted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCreditsGranted(ctx, e, g, source)
		}); err != nil {
			r.logger.Warn("plugin OnCreditsGranted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCodeRedeemed emits a code redeemed event.
func (r *Registry) EmitCodeRedeemed(ctx context.Context, rdm *code.Redemption, e *account.Entitlement) {
	r.mu.RLock()
	plugins := r.onCodeRedeemed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCodeRedeemed(ctx, rdm, e)
		}); err != nil {
			r.logger.Warn("plugin OnCodeRedeemed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitAccountRefreshed emits an account refreshed event.
func (r *Registry) EmitAccountRefreshed(ctx context.Context, before *account.Entitlement, refresh account.Refresh) {
	r.mu.RLock()
	plugins := r.onAccountRefreshed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnAccountRefreshed(ctx, before, refresh)
		}); err != nil {
			r.logger.Warn("plugin OnAccountRefreshed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSweepCompleted emits a sweep completed event.
func (r *Registry) EmitSweepCompleted(ctx context.Context, sweep string, processed, failed int, elapsed time.Duration) {
	r.mu.RLock()
	plugins := r.onSweepCompleted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSweepCompleted(ctx, sweep, processed, failed, elapsed)
		}); err != nil {
			r.logger.Warn("plugin OnSweepCompleted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCodesExpired emits a codes expired event.
func (r *Registry) EmitCodesExpired(ctx context.Context, count int64) {
	r.mu.RLock()
	plugins := r.onCodesExpired
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCodesExpired(ctx, count)
		}); err != nil {
			r.logger.Warn("plugin OnCodesExpired failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitLowBalance emits a low balance event.
func (r *Registry) EmitLowBalance(ctx context.Context, e *account.Entitlement) {
	r.mu.RLock()
	plugins := r.onLowBalance
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnLowBalance(ctx, e)
		}); err != nil {
			r.logger.Warn("plugin OnLowBalance failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the credit pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(r.timeout):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
