// Package extension provides the Forge extension adapter for the credit
// ledger.
//
// It implements the forge.Extension interface to integrate the ledger
// into a Forge application with DI registration, in-process sweep
// scheduling and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.credit" or "credit" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/credit"
	"github.com/xraph/credit/api"
	"github.com/xraph/credit/scheduler"
	"github.com/xraph/credit/store"
	"github.com/xraph/credit/store/memory"
	mongostore "github.com/xraph/credit/store/mongo"
	pgstore "github.com/xraph/credit/store/postgres"
	sqlitestore "github.com/xraph/credit/store/sqlite"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "credit"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Credit and entitlement ledger"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the credit ledger as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	ledger     *credit.Ledger
	store      store.Store
	groveDB    *grove.DB
	locker     scheduler.Locker
	sched      *scheduler.Scheduler
	ledgerOpts []credit.Option
}

// New creates a new Credit Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ledger returns the underlying ledger.
// This is nil until Register is called.
func (e *Extension) Ledger() *credit.Ledger { return e.ledger }

// Handler returns the ledger's HTTP routes for mounting on the app router.
func (e *Extension) Handler() http.Handler {
	return api.NewRouter(api.NewHandler(e.ledger, nil), api.Options{CronSecret: e.config.CronSecret})
}

// Register implements [forge.Extension]. It loads configuration,
// initializes the ledger, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := e.buildStore()
		if err != nil {
			return err
		}
		e.store = s
	}

	opts, err := e.buildLedgerOpts()
	if err != nil {
		return err
	}
	e.ledger = credit.New(e.store, opts...)

	if !e.config.DisableScheduler {
		var schedOpts []scheduler.Option
		if e.locker != nil {
			schedOpts = append(schedOpts, scheduler.WithLocker(e.locker))
		}
		e.sched, err = scheduler.New(e.ledger, e.config.Scheduler, schedOpts...)
		if err != nil {
			return err
		}
	}

	return vessel.Provide(fapp.Container(), func() (*credit.Ledger, error) {
		return e.ledger, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.ledger == nil {
		return errors.New("credit: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.ledger.Start(ctx); err != nil {
			return err
		}
	}
	if e.sched != nil {
		e.sched.Start()
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(ctx context.Context) error {
	if e.sched != nil {
		select {
		case <-e.sched.Stop().Done():
		case <-ctx.Done():
		}
	}
	if e.ledger != nil {
		if err := e.ledger.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("credit: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildStore picks the backend from the grove driver, or memory when no
// database was given.
func (e *Extension) buildStore() (store.Store, error) {
	if e.groveDB == nil {
		e.Logger().Warn("credit: no store configured, using in-memory store")
		return memory.New(), nil
	}

	switch e.config.GroveDriver {
	case "pg", "postgres":
		return pgstore.New(e.groveDB), nil
	case "sqlite":
		return sqlitestore.New(e.groveDB), nil
	case "mongo", "mongodb":
		return mongostore.New(e.groveDB), nil
	default:
		return nil, fmt.Errorf("credit: unsupported grove driver %q", e.config.GroveDriver)
	}
}

// buildLedgerOpts constructs credit.Option values from the resolved config.
func (e *Extension) buildLedgerOpts() ([]credit.Option, error) {
	cfg := e.config
	opts := make([]credit.Option, 0, len(e.ledgerOpts)+8)

	if cfg.CatalogFile != "" {
		f, err := os.Open(cfg.CatalogFile)
		if err != nil {
			return nil, fmt.Errorf("credit: open catalog: %w", err)
		}
		defer f.Close()

		cat, err := tier.LoadYAML(f)
		if err != nil {
			return nil, err
		}
		opts = append(opts, credit.WithCatalog(cat))
	}

	if cfg.SignupBonus != "" {
		bonus, err := types.ParseCredits(cfg.SignupBonus)
		if err != nil {
			return nil, fmt.Errorf("credit: signup_bonus: %w", err)
		}
		opts = append(opts, credit.WithSignupBonus(bonus))
	}

	opts = append(opts,
		credit.WithUsageConfig(cfg.UsageBufferSize, cfg.UsageBatchSize, cfg.UsageFlushInterval),
		credit.WithTierCacheTTL(cfg.TierCacheTTL),
		credit.WithChargeTimeout(cfg.ChargeTimeout),
		credit.WithSweepConfig(cfg.SweepBatchSize, cfg.SweepConcurrency),
		credit.WithLowBalancePolicy(cfg.LowBalanceRatioBP, cfg.LowBalanceInterval),
		credit.WithUsageRetention(cfg.UsageRetention),
	)

	// Pass-through options win over config-derived ones.
	opts = append(opts, e.ledgerOpts...)

	return opts, nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("credit: configuration is required but not found in config files; " +
				"ensure 'extensions.credit' or 'credit' key exists in your config")
		}

		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("credit: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("disable_scheduler", e.config.DisableScheduler),
		forge.F("grove_driver", e.config.GroveDriver),
		forge.F("usage_batch_size", e.config.UsageBatchSize),
		forge.F("usage_flush_interval", e.config.UsageFlushInterval),
		forge.F("tier_cache_ttl", e.config.TierCacheTTL),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.credit", "credit"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("credit: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("credit: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}
