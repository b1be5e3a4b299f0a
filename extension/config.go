package extension

import (
	"time"

	"github.com/xraph/credit/scheduler"
)

// Config holds the Credit extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.credit" or "credit" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DisableScheduler prevents the in-process cron sweeps from running.
	// Deployments that call the /cron endpoints externally set this.
	DisableScheduler bool `json:"disable_scheduler" mapstructure:"disable_scheduler" yaml:"disable_scheduler"`

	// CatalogFile is a YAML tier catalog replacing the built-in one.
	CatalogFile string `json:"catalog_file" mapstructure:"catalog_file" yaml:"catalog_file"`

	// UsageBufferSize is the capacity of the in-memory usage queue
	// (default: 10000).
	UsageBufferSize int `json:"usage_buffer_size" mapstructure:"usage_buffer_size" yaml:"usage_buffer_size"`

	// UsageBatchSize is the number of usage events written per flush
	// (default: 100).
	UsageBatchSize int `json:"usage_batch_size" mapstructure:"usage_batch_size" yaml:"usage_batch_size"`

	// UsageFlushInterval is how frequently the usage buffer is flushed
	// even if the batch size has not been reached (default: 5s).
	UsageFlushInterval time.Duration `json:"usage_flush_interval" mapstructure:"usage_flush_interval" yaml:"usage_flush_interval"`

	// TierCacheTTL controls how long an account's tier is cached
	// in-process before it is re-read (default: 30s).
	TierCacheTTL time.Duration `json:"tier_cache_ttl" mapstructure:"tier_cache_ttl" yaml:"tier_cache_ttl"`

	// ChargeTimeout bounds the storage calls of one charge (default: 5s).
	ChargeTimeout time.Duration `json:"charge_timeout" mapstructure:"charge_timeout" yaml:"charge_timeout"`

	// SignupBonus is added to the first allotment of new accounts, as a
	// decimal string such as "25" or "12.5".
	SignupBonus string `json:"signup_bonus" mapstructure:"signup_bonus" yaml:"signup_bonus"`

	// SweepBatchSize and SweepConcurrency shape the refresh sweep
	// (defaults: 500 and 8).
	SweepBatchSize   int `json:"sweep_batch_size" mapstructure:"sweep_batch_size" yaml:"sweep_batch_size"`
	SweepConcurrency int `json:"sweep_concurrency" mapstructure:"sweep_concurrency" yaml:"sweep_concurrency"`

	// LowBalanceRatioBP is the low-balance threshold in basis points of
	// the allotment (default: 2000, i.e. 20%).
	LowBalanceRatioBP int64 `json:"low_balance_ratio_bp" mapstructure:"low_balance_ratio_bp" yaml:"low_balance_ratio_bp"`

	// LowBalanceInterval throttles repeated warnings (default: 7 days).
	LowBalanceInterval time.Duration `json:"low_balance_interval" mapstructure:"low_balance_interval" yaml:"low_balance_interval"`

	// UsageRetention is how long usage events are kept before the
	// retention sweep deletes them (default: 400 days).
	UsageRetention time.Duration `json:"usage_retention" mapstructure:"usage_retention" yaml:"usage_retention"`

	// CronSecret guards the HTTP sweep endpoints.
	CronSecret string `json:"cron_secret" mapstructure:"cron_secret" yaml:"cron_secret"`

	// Scheduler holds the cron expressions of the in-process sweeps.
	Scheduler scheduler.Config `json:"scheduler" mapstructure:"scheduler" yaml:"scheduler"`

	// GroveDriver selects the store built over a grove.DB passed with
	// WithGroveDB: "pg", "sqlite" or "mongo".
	GroveDriver string `json:"grove_driver" mapstructure:"grove_driver" yaml:"grove_driver"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		UsageBufferSize:    10000,
		UsageBatchSize:     100,
		UsageFlushInterval: 5 * time.Second,
		TierCacheTTL:       30 * time.Second,
		ChargeTimeout:      5 * time.Second,
		SweepBatchSize:     500,
		SweepConcurrency:   8,
		LowBalanceRatioBP:  2000,
		LowBalanceInterval: 7 * 24 * time.Hour,
		UsageRetention:     400 * 24 * time.Hour,
		Scheduler:          scheduler.DefaultConfig(),
	}
}
