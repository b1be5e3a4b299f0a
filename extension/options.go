package extension

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/credit"
	"github.com/xraph/credit/plugin"
	"github.com/xraph/credit/scheduler"
	"github.com/xraph/credit/store"
)

// Option configures the Credit Forge extension.
type Option func(*Extension)

// WithStore sets the store for the ledger.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithGroveDB builds the store over db. driver is "pg", "sqlite" or
// "mongo".
func WithGroveDB(db *grove.DB, driver string) Option {
	return func(e *Extension) {
		e.groveDB = db
		e.config.GroveDriver = driver
	}
}

// WithLedgerOption passes a credit.Option through to the underlying ledger.
func WithLedgerOption(opt credit.Option) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, opt)
	}
}

// WithPlugin registers a ledger plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, credit.WithPlugin(p))
	}
}

// WithLocker guards the in-process sweeps with a shared lease.
func WithLocker(l scheduler.Locker) Option {
	return func(e *Extension) { e.locker = l }
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithDisableScheduler prevents the in-process cron sweeps.
func WithDisableScheduler() Option {
	return func(e *Extension) { e.config.DisableScheduler = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithUsageBatchSize sets the number of usage events written per flush.
func WithUsageBatchSize(size int) Option {
	return func(e *Extension) { e.config.UsageBatchSize = size }
}

// WithUsageFlushInterval sets how frequently the usage buffer is flushed.
func WithUsageFlushInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.UsageFlushInterval = d }
}

// WithTierCacheTTL sets the tier cache duration.
func WithTierCacheTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.TierCacheTTL = d }
}

// WithCronSecret sets the bearer secret of the HTTP sweep endpoints.
func WithCronSecret(secret string) Option {
	return func(e *Extension) { e.config.CronSecret = secret }
}
