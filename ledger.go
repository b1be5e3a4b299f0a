package credit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xraph/credit/account"
	"github.com/xraph/credit/entitlement"
	"github.com/xraph/credit/plugin"
	"github.com/xraph/credit/store"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
	"github.com/xraph/credit/usage"
)

// Ledger is the credit engine. Every balance mutation goes through the
// store's atomic primitives; the Ledger computes costs, gates features and
// fans events out to plugins.
type Ledger struct {
	store    store.Store
	catalog  *tier.Catalog
	resolver *entitlement.Resolver
	plugins  *plugin.Registry
	logger   *slog.Logger
	tiers    *expirable.LRU[string, tier.Tier]

	// Background workers
	usageBuffer chan *usage.Event
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	// Configuration
	usageBufferSize    int
	usageBatchSize     int
	usageFlushInterval time.Duration
	tierCacheSize      int
	tierCacheTTL       time.Duration
	signupBonus        types.Credits
	chargeTimeout      time.Duration
	sweepBatchSize     int
	sweepConcurrency   int
	lowBalanceRatio    int64
	lowBalanceInterval time.Duration
	usageRetention     time.Duration
	retryAttempts      uint
	now                func() time.Time
}

// New creates a new Ledger instance.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:              s,
		catalog:            tier.Default(),
		plugins:            plugin.NewRegistry(),
		logger:             slog.Default(),
		stopChan:           make(chan struct{}),
		usageBufferSize:    10000,
		usageBatchSize:     100,
		usageFlushInterval: 5 * time.Second,
		tierCacheSize:      10000,
		tierCacheTTL:       30 * time.Second,
		chargeTimeout:      5 * time.Second,
		sweepBatchSize:     500,
		sweepConcurrency:   8,
		lowBalanceRatio:    2000,
		lowBalanceInterval: 7 * 24 * time.Hour,
		usageRetention:     400 * 24 * time.Hour,
		retryAttempts:      3,
		now:                func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(l)
	}

	l.resolver = entitlement.NewResolver(l.catalog)
	l.usageBuffer = make(chan *usage.Event, l.usageBufferSize)
	l.tiers = expirable.NewLRU[string, tier.Tier](l.tierCacheSize, nil, l.tierCacheTTL)

	return l
}

// Option configures a Ledger instance.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
		l.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(l *Ledger) {
		_ = l.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithCatalog replaces the built-in tier catalog.
func WithCatalog(c *tier.Catalog) Option {
	return func(l *Ledger) {
		if c != nil {
			l.catalog = c
		}
	}
}

// WithUsageConfig configures the usage event buffer and its flush cadence.
func WithUsageConfig(bufferSize, batchSize int, flushInterval time.Duration) Option {
	return func(l *Ledger) {
		if bufferSize > 0 {
			l.usageBufferSize = bufferSize
		}
		if batchSize > 0 {
			l.usageBatchSize = batchSize
		}
		if flushInterval > 0 {
			l.usageFlushInterval = flushInterval
		}
	}
}

// WithSignupBonus adds credits on top of the free allotment when an
// account is opened.
func WithSignupBonus(bonus types.Credits) Option {
	return func(l *Ledger) {
		l.signupBonus = bonus
	}
}

// WithChargeTimeout bounds the storage calls made by a single charge.
func WithChargeTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.chargeTimeout = d
		}
	}
}

// WithSweepConfig sets the page size and worker count of the refresh sweep.
func WithSweepConfig(batchSize, concurrency int) Option {
	return func(l *Ledger) {
		if batchSize > 0 {
			l.sweepBatchSize = batchSize
		}
		if concurrency > 0 {
			l.sweepConcurrency = concurrency
		}
	}
}

// WithLowBalancePolicy sets the warning threshold, in basis points of the
// monthly allotment, and the minimum time between two warnings.
func WithLowBalancePolicy(ratioBasisPoints int64, interval time.Duration) Option {
	return func(l *Ledger) {
		if ratioBasisPoints > 0 {
			l.lowBalanceRatio = ratioBasisPoints
		}
		if interval > 0 {
			l.lowBalanceInterval = interval
		}
	}
}

// WithUsageRetention sets how long usage events are kept before
// PurgeUsage deletes them (default: 400 days).
func WithUsageRetention(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.usageRetention = d
		}
	}
}

// WithTierCacheTTL sets how long a resolved tier is trusted by Charge.
func WithTierCacheTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.tierCacheTTL = ttl
		}
	}
}

// WithRetryAttempts sets how many times reads and keyed charges are tried.
func WithRetryAttempts(n uint) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.retryAttempts = n
		}
	}
}

// WithClock overrides the time source. Tests use it to drive refreshes.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Catalog returns the tier catalog in use.
func (l *Ledger) Catalog() *tier.Catalog { return l.catalog }

// Resolver returns the entitlement resolver bound to the catalog.
func (l *Ledger) Resolver() *entitlement.Resolver { return l.resolver }

// Store returns the underlying store.
func (l *Ledger) Store() store.Store { return l.store }

// Plugins returns the plugin registry.
func (l *Ledger) Plugins() *plugin.Registry { return l.plugins }

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time { return l.now() }

// Start migrates the store and begins background workers.
func (l *Ledger) Start(ctx context.Context) error {
	if err := l.store.Migrate(ctx); err != nil {
		return err
	}

	l.plugins.EmitInit(ctx, l)

	l.wg.Add(1)
	go l.usageFlushWorker(context.WithoutCancel(ctx))

	l.logger.Info("credit ledger started",
		"batch_size", l.usageBatchSize,
		"flush_interval", l.usageFlushInterval,
		"tier_cache_ttl", l.tierCacheTTL,
		"charge_timeout", l.chargeTimeout,
	)

	return nil
}

// Stop flushes buffered usage events, notifies plugins and closes the store.
func (l *Ledger) Stop() error {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()

	ctx := context.Background()
	l.plugins.EmitShutdown(ctx)

	return l.store.Close()
}

// ──────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────

// OpenAccount creates the entitlement record of a new account on the free
// tier. The first refresh is one period from now.
func (l *Ledger) OpenAccount(ctx context.Context, accountID string) (*account.Entitlement, error) {
	if accountID == "" {
		return nil, ValidationError{Field: "account_id", Message: "is required"}
	}

	now := l.now()
	allotment := l.catalog.AllotmentFor(tier.Free)
	e := &account.Entitlement{
		Entity:           types.Entity{CreatedAt: now, UpdatedAt: now},
		AccountID:        accountID,
		Tier:             tier.Free,
		Balance:          allotment.Add(l.signupBonus),
		MonthlyAllotment: allotment,
		ResetAt:          account.NextPeriod(now),
		StackedUnits:     1,
		Status:           account.StatusActive,
	}

	if err := l.store.CreateEntitlement(ctx, e); err != nil {
		return nil, unavailable(err)
	}

	l.tiers.Add(accountID, e.Tier)
	l.plugins.EmitAccountOpened(ctx, e)

	l.logger.Info("account opened",
		"account_id", accountID,
		"balance", e.Balance,
	)

	return e, nil
}

// Entitlement returns the current record of an account. A record holding a
// negative balance freezes the account and is reported as an invariant
// violation alongside the record.
func (l *Ledger) Entitlement(ctx context.Context, accountID string) (*account.Entitlement, error) {
	e, err := withRetry(ctx, l, func() (*account.Entitlement, error) {
		return l.store.GetEntitlement(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}

	if err := l.checkInvariants(ctx, e); err != nil {
		return e, err
	}

	l.tiers.Add(accountID, e.Tier)
	return e, nil
}

func (l *Ledger) checkInvariants(ctx context.Context, e *account.Entitlement) error {
	if !e.Balance.IsNegative() {
		return nil
	}

	detail := "negative balance " + e.Balance.String()
	l.logger.Error("credit invariant violated",
		"account_id", e.AccountID,
		"detail", detail,
	)

	if !e.IsFrozen() {
		if err := l.store.Freeze(ctx, e.AccountID, detail); err != nil {
			l.logger.Error("failed to freeze account",
				"account_id", e.AccountID,
				"error", err,
			)
		} else {
			e.Status = account.StatusFrozen
			e.FrozenReason = detail
		}
		l.plugins.EmitInvariantViolation(ctx, e.AccountID, detail)
	}

	return &InvariantViolationError{AccountID: e.AccountID, Detail: detail}
}

// currentTier resolves the tier of an account, trusting the cache for up
// to the configured TTL.
func (l *Ledger) currentTier(ctx context.Context, accountID string) (tier.Tier, error) {
	if t, ok := l.tiers.Get(accountID); ok {
		return t, nil
	}

	e, err := l.Entitlement(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return e.Tier, nil
}

// withRetry runs a store call with exponential backoff. Only
// ErrStorageUnavailable failures are retried; everything else returns
// on the first attempt. A context that ends while waiting between
// attempts surfaces as ErrStorageUnavailable too.
func withRetry[T any](ctx context.Context, l *Ledger, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err = unavailable(err); err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(l.retryAttempts))
	return v, unavailable(err)
}

// ──────────────────────────────────────────────────
// Usage log
// ──────────────────────────────────────────────────

func (l *Ledger) enqueueUsage(evt *usage.Event) {
	select {
	case l.usageBuffer <- evt:
	default:
		l.logger.Warn("usage buffer full, event dropped",
			"account_id", evt.AccountID,
			"feature", evt.Feature,
			"error", ErrUsageBufferFull,
		)
	}
}

// usageFlushWorker flushes usage events to the store.
func (l *Ledger) usageFlushWorker(ctx context.Context) {
	defer l.wg.Done()

	batch := make([]*usage.Event, 0, l.usageBatchSize)
	ticker := time.NewTicker(l.usageFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			// Drain whatever is still buffered, then flush once.
		drain:
			for {
				select {
				case evt := <-l.usageBuffer:
					batch = append(batch, evt)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				l.flushUsageBatch(ctx, batch)
			}
			return

		case evt := <-l.usageBuffer:
			batch = append(batch, evt)
			if len(batch) >= l.usageBatchSize {
				l.flushUsageBatch(ctx, batch)
				batch = make([]*usage.Event, 0, l.usageBatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flushUsageBatch(ctx, batch)
				batch = make([]*usage.Event, 0, l.usageBatchSize)
			}
		}
	}
}

func (l *Ledger) flushUsageBatch(ctx context.Context, batch []*usage.Event) {
	start := time.Now()

	if err := l.store.AppendUsage(ctx, batch); err != nil {
		l.logger.Error("failed to flush usage batch",
			"error", err,
			"batch_size", len(batch),
		)
		return
	}

	elapsed := time.Since(start)
	l.plugins.EmitUsageFlushed(ctx, len(batch), elapsed)

	l.logger.Debug("flushed usage batch",
		"batch_size", len(batch),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}
