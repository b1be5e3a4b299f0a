package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/xraph/credit/scheduler"
)

// daemonConfig is read from flags, CREDIT_* environment variables and an
// optional config file, in that order of precedence.
type daemonConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`

	CatalogFile    string        `mapstructure:"catalog_file"`
	SignupBonus    string        `mapstructure:"signup_bonus"`
	CronSecret     string        `mapstructure:"cron_secret"`
	UsageRetention time.Duration `mapstructure:"usage_retention"`

	MetricsNamespace string `mapstructure:"metrics_namespace"`

	AMQPURL      string `mapstructure:"amqp_url"`
	AMQPExchange string `mapstructure:"amqp_exchange"`

	RedisURL         string           `mapstructure:"redis_url"`
	DisableScheduler bool             `mapstructure:"disable_scheduler"`
	Scheduler        scheduler.Config `mapstructure:"scheduler"`
}

func setDefaults(v *viper.Viper) {
	sc := scheduler.DefaultConfig()

	v.SetDefault("addr", ":8080")
	v.SetDefault("shutdown_timeout", 15*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("catalog_file", "")
	v.SetDefault("signup_bonus", "")
	v.SetDefault("cron_secret", "")
	v.SetDefault("usage_retention", 400*24*time.Hour)
	v.SetDefault("metrics_namespace", "credit")
	v.SetDefault("amqp_url", "")
	v.SetDefault("amqp_exchange", "credit.events")
	v.SetDefault("redis_url", "")
	v.SetDefault("disable_scheduler", false)
	v.SetDefault("scheduler.refresh_schedule", sc.RefreshSchedule)
	v.SetDefault("scheduler.expiry_schedule", sc.ExpirySchedule)
	v.SetDefault("scheduler.low_balance_schedule", sc.LowBalanceSchedule)
	v.SetDefault("scheduler.retention_schedule", sc.RetentionSchedule)
	v.SetDefault("scheduler.job_timeout", sc.JobTimeout)
}

// loadConfig resolves the daemon configuration. A missing .env file is
// not an error; a missing explicit config file is.
func loadConfig(v *viper.Viper, configFile string) (daemonConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return daemonConfig{}, fmt.Errorf("load .env: %w", err)
	}

	setDefaults(v)
	v.SetEnvPrefix("CREDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return daemonConfig{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg daemonConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return daemonConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg daemonConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
