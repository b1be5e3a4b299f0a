package audithook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credit"
	audithook "github.com/xraph/credit/audit_hook"
	"github.com/xraph/credit/store/memory"
	"github.com/xraph/credit/tier"
)

type captured struct {
	mu     sync.Mutex
	events []*audithook.AuditEvent
}

func (c *captured) Record(_ context.Context, evt *audithook.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *captured) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Action)
	}
	return out
}

func (c *captured) find(action string) *audithook.AuditEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Action == action {
			return e
		}
	}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuditTrailFromLedger(t *testing.T) {
	rec := &captured{}
	l := credit.New(memory.New(),
		credit.WithLogger(quietLogger()),
		credit.WithPlugin(audithook.New(rec, audithook.WithLogger(quietLogger()))),
	)
	ctx := context.Background()

	_, err := l.OpenAccount(ctx, "acct_audit")
	require.NoError(t, err)

	_, err = l.Charge(ctx, "acct_audit", tier.ContentRepurposing)
	require.NoError(t, err)

	_, err = l.Charge(ctx, "acct_audit", tier.ViralHooks)
	require.ErrorIs(t, err, credit.ErrTierRestricted)

	assert.Equal(t, []string{
		audithook.ActionAccountOpened,
		audithook.ActionCreditsCharged,
		audithook.ActionChargeRejected,
	}, rec.actions())

	opened := rec.find(audithook.ActionAccountOpened)
	require.NotNil(t, opened)
	assert.Equal(t, audithook.ResourceAccount, opened.Resource)
	assert.Equal(t, "acct_audit", opened.ResourceID)
	assert.Equal(t, "100.00", opened.Metadata["balance"])

	rejected := rec.find(audithook.ActionChargeRejected)
	require.NotNil(t, rejected)
	assert.Equal(t, audithook.OutcomeFailure, rejected.Outcome)
	assert.Equal(t, audithook.SeverityInfo, rejected.Severity)
	assert.Equal(t, string(tier.ViralHooks), rejected.Metadata["feature"])
	assert.NotEmpty(t, rejected.Reason)
}

func TestEnabledActionsFilter(t *testing.T) {
	rec := &captured{}
	ext := audithook.New(rec, audithook.WithEnabledActions(audithook.ActionCodesExpired))
	ctx := context.Background()

	require.NoError(t, ext.OnCodesExpired(ctx, 3))
	require.NoError(t, ext.OnUsageFlushed(ctx, 10, 0))

	assert.Equal(t, []string{audithook.ActionCodesExpired}, rec.actions())
	assert.Equal(t, int64(3), rec.find(audithook.ActionCodesExpired).Metadata["count"])
}

func TestDisabledActionsFilter(t *testing.T) {
	rec := &captured{}
	ext := audithook.New(rec, audithook.WithDisabledActions(audithook.ActionUsageFlushed))
	ctx := context.Background()

	require.NoError(t, ext.OnUsageFlushed(ctx, 10, 0))
	require.NoError(t, ext.OnSweepCompleted(ctx, credit.SweepRefresh, 4, 1, 0))

	assert.Equal(t, []string{audithook.ActionSweepCompleted}, rec.actions())

	sweep := rec.find(audithook.ActionSweepCompleted)
	assert.Equal(t, audithook.OutcomePartial, sweep.Outcome)
	assert.Equal(t, audithook.SeverityWarning, sweep.Severity)
}

func TestRecorderFailureIsSwallowed(t *testing.T) {
	ext := audithook.New(audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	}), audithook.WithLogger(quietLogger()))

	assert.NoError(t, ext.OnInvariantViolation(context.Background(), "acct_x", "negative balance -1.00"))
}
