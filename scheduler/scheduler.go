// Package scheduler runs the ledger's periodic sweeps on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xraph/credit"
)

// Job names, also used as lease keys.
const (
	JobRefresh    = "credit-refresh"
	JobExpiry     = "expire-codes"
	JobLowBalance = "check-low-credits"
	JobRetention  = "purge-usage"
)

// Sweeper is the part of the ledger the scheduler drives.
type Sweeper interface {
	RunRefreshSweep(ctx context.Context, now time.Time) (*credit.SweepSummary, error)
	ExpireCodes(ctx context.Context, now time.Time) (int64, error)
	WarnLowBalances(ctx context.Context, now time.Time) (*credit.WarningSummary, error)
	PurgeUsage(ctx context.Context, now time.Time) (int64, error)
}

var _ Sweeper = (*credit.Ledger)(nil)

// Config holds the cron expressions of each sweep. An empty expression
// disables that sweep.
type Config struct {
	RefreshSchedule    string        `json:"refresh_schedule" mapstructure:"refresh_schedule" yaml:"refresh_schedule"`
	ExpirySchedule     string        `json:"expiry_schedule" mapstructure:"expiry_schedule" yaml:"expiry_schedule"`
	LowBalanceSchedule string        `json:"low_balance_schedule" mapstructure:"low_balance_schedule" yaml:"low_balance_schedule"`
	RetentionSchedule  string        `json:"retention_schedule" mapstructure:"retention_schedule" yaml:"retention_schedule"`
	JobTimeout         time.Duration `json:"job_timeout" mapstructure:"job_timeout" yaml:"job_timeout"`
}

// DefaultConfig refreshes hourly and expires codes every 15 minutes. It
// checks balances once a day and purges old usage nightly.
func DefaultConfig() Config {
	return Config{
		RefreshSchedule:    "5 * * * *",
		ExpirySchedule:     "*/15 * * * *",
		LowBalanceSchedule: "0 9 * * *",
		RetentionSchedule:  "30 3 * * *",
		JobTimeout:         10 * time.Minute,
	}
}

// Scheduler owns a cron runner with the ledger sweeps registered.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	locker  Locker
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
	jobs    map[string]func(context.Context, time.Time) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithLocker guards every run with a lease so that one replica runs a job
// per tick.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithClock overrides the time passed to sweeps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler and registers the sweeps configured in cfg.
func New(sw Sweeper, cfg Config, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		sweeper: sw,
		locker:  nopLocker{},
		logger:  slog.Default(),
		timeout: cfg.JobTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timeout <= 0 {
		s.timeout = DefaultConfig().JobTimeout
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelInfo))
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	s.jobs = map[string]func(context.Context, time.Time) error{
		JobRefresh:    s.refresh,
		JobExpiry:     s.expire,
		JobLowBalance: s.warn,
		JobRetention:  s.purge,
	}

	schedules := []struct {
		job  string
		spec string
	}{
		{JobRefresh, cfg.RefreshSchedule},
		{JobExpiry, cfg.ExpirySchedule},
		{JobLowBalance, cfg.LowBalanceSchedule},
		{JobRetention, cfg.RetentionSchedule},
	}
	for _, sc := range schedules {
		if sc.spec == "" {
			s.logger.Info("sweep disabled", "job", sc.job)
			continue
		}
		job := sc.job
		if _, err := s.cron.AddFunc(sc.spec, func() { s.tick(job) }); err != nil {
			return nil, fmt.Errorf("scheduler: schedule %s %q: %w", job, sc.spec, err)
		}
		s.logger.Info("scheduled sweep", "job", job, "schedule", sc.spec)
	}

	return s, nil
}

// Start begins running scheduled sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling. The returned context is done once running jobs
// finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// ErrUnknownJob is returned by Run for a name that is not a sweep.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// ErrLeaseHeld is returned by Run when another replica holds the job's
// lease.
var ErrLeaseHeld = errors.New("scheduler: lease held elsewhere")

// Run executes one sweep immediately under the job's lease.
func (s *Scheduler) Run(ctx context.Context, job string) error {
	fn, ok := s.jobs[job]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}

	release, acquired, err := s.locker.Acquire(ctx, job, s.timeout)
	if err != nil {
		return fmt.Errorf("scheduler: acquire lease %s: %w", job, err)
	}
	if !acquired {
		return ErrLeaseHeld
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("scheduler: release lease failed", "job", job, "error", err)
		}
	}()

	return fn(ctx, s.now())
}

func (s *Scheduler) tick(job string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := s.Run(ctx, job)
	switch {
	case errors.Is(err, ErrLeaseHeld):
		s.logger.Debug("sweep skipped, lease held elsewhere", "job", job)
	case err != nil:
		s.logger.Error("sweep failed", "job", job, "error", err)
	}
}

func (s *Scheduler) refresh(ctx context.Context, now time.Time) error {
	summary, err := s.sweeper.RunRefreshSweep(ctx, now)
	if err != nil {
		return err
	}
	for _, ae := range summary.Errors {
		s.logger.Warn("account refresh failed", "account_id", ae.AccountID, "error", ae.Err)
	}
	return nil
}

func (s *Scheduler) expire(ctx context.Context, now time.Time) error {
	_, err := s.sweeper.ExpireCodes(ctx, now)
	return err
}

func (s *Scheduler) warn(ctx context.Context, now time.Time) error {
	summary, err := s.sweeper.WarnLowBalances(ctx, now)
	if err != nil {
		return err
	}
	if len(summary.Warned) > 0 {
		s.logger.Info("low balance warnings sent", "count", len(summary.Warned))
	}
	return nil
}

func (s *Scheduler) purge(ctx context.Context, now time.Time) error {
	n, err := s.sweeper.PurgeUsage(ctx, now)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("usage events purged", "count", n)
	}
	return nil
}
