package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/xraph/credit"
	"github.com/xraph/credit/api"
	audithook "github.com/xraph/credit/audit_hook"
	"github.com/xraph/credit/notify"
	"github.com/xraph/credit/observability"
	"github.com/xraph/credit/scheduler"
	"github.com/xraph/credit/store/memory"
	"github.com/xraph/credit/types"
)

func newServeCmd(cfg *daemonConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger HTTP API and sweep scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfg)
		},
	}
}

func serve(ctx context.Context, cfg daemonConfig) error {
	logger := newLogger(cfg)

	reg := promclient.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts, err := ledgerOptions(cfg, logger, reg)
	if err != nil {
		return err
	}

	l := credit.New(memory.New(), opts...)
	if err := l.Start(ctx); err != nil {
		return fmt.Errorf("start ledger: %w", err)
	}
	defer func() {
		if err := l.Stop(); err != nil {
			logger.Error("ledger stop failed", "error", err)
		}
	}()

	if !cfg.DisableScheduler {
		sched, err := newScheduler(ctx, cfg, l, logger)
		if err != nil {
			return err
		}
		sched.Start()
		defer func() { <-sched.Stop().Done() }()
	}

	router := api.NewRouter(api.NewHandler(l, logger), api.Options{
		CronSecret: cfg.CronSecret,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ledgerOptions assembles the ledger options and plugins.
func ledgerOptions(cfg daemonConfig, logger *slog.Logger, reg promclient.Registerer) ([]credit.Option, error) {
	opts := []credit.Option{
		credit.WithLogger(logger),
		credit.WithUsageRetention(cfg.UsageRetention),
		credit.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(cfg.MetricsNamespace, reg))),
		credit.WithPlugin(audithook.New(audithook.RecorderFunc(func(_ context.Context, evt *audithook.AuditEvent) error {
			logger.Info("audit",
				"action", evt.Action,
				"resource", evt.Resource,
				"resource_id", evt.ResourceID,
				"outcome", evt.Outcome,
				"severity", evt.Severity,
			)
			return nil
		}), audithook.WithLogger(logger))),
	}

	if cfg.CatalogFile != "" {
		cat, err := loadCatalog(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, credit.WithCatalog(cat))
	}

	if cfg.SignupBonus != "" {
		bonus, err := types.ParseCredits(cfg.SignupBonus)
		if err != nil {
			return nil, fmt.Errorf("signup_bonus: %w", err)
		}
		opts = append(opts, credit.WithSignupBonus(bonus))
	}

	if cfg.AMQPURL != "" {
		pub, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		logger.Info("event publishing enabled", "exchange", cfg.AMQPExchange)
		// The notifier closes the publisher from OnShutdown.
		opts = append(opts, credit.WithPlugin(notify.New(pub, notify.WithLogger(logger))))
	}

	return opts, nil
}

func newScheduler(ctx context.Context, cfg daemonConfig, l *credit.Ledger, logger *slog.Logger) (*scheduler.Scheduler, error) {
	opts := []scheduler.Option{scheduler.WithLogger(logger), scheduler.WithClock(l.Now)}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close() //nolint:errcheck // unused client
			return nil, fmt.Errorf("redis ping: %w", err)
		}

		opts = append(opts, scheduler.WithLocker(scheduler.NewRedisLocker(client, "")))
		logger.Info("sweep leases enabled", "redis", redisOpts.Addr)
	}

	return scheduler.New(l, cfg.Scheduler, opts...)
}
