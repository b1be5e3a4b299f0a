// Package notify publishes account events that users should hear about
// (low balance, redemptions, frozen accounts) to a message broker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/plugin"
)

// Routing keys.
const (
	KeyLowBalance    = "credit.balance.low"
	KeyCodeRedeemed  = "credit.code.redeemed"
	KeyAccountFrozen = "credit.account.frozen"
)

var (
	_ plugin.Plugin               = (*Notifier)(nil)
	_ plugin.OnShutdown           = (*Notifier)(nil)
	_ plugin.OnLowBalance         = (*Notifier)(nil)
	_ plugin.OnCodeRedeemed       = (*Notifier)(nil)
	_ plugin.OnInvariantViolation = (*Notifier)(nil)
)

// Event is the JSON envelope of every published message.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	AccountID  string    `json:"account_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// LowBalance is the payload of KeyLowBalance.
type LowBalance struct {
	Balance          string `json:"balance"`
	Rollover         string `json:"rollover"`
	MonthlyAllotment string `json:"monthly_allotment"`
	Tier             string `json:"tier"`
	ResetAt          string `json:"reset_at"`
}

// CodeRedeemed is the payload of KeyCodeRedeemed.
type CodeRedeemed struct {
	Code         string `json:"code"`
	Tier         string `json:"tier"`
	PreviousTier string `json:"previous_tier"`
	CreditsAdded string `json:"credits_added"`
	Balance      string `json:"balance"`
}

// AccountFrozen is the payload of KeyAccountFrozen.
type AccountFrozen struct {
	Detail string `json:"detail"`
}

// Notifier is a ledger plugin that publishes events through a Publisher.
type Notifier struct {
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New creates a Notifier publishing through pub.
func New(pub Publisher, opts ...Option) *Notifier {
	n := &Notifier{
		pub:    pub,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name implements plugin.Plugin.
func (n *Notifier) Name() string { return "notify" }

// OnShutdown implements plugin.OnShutdown.
func (n *Notifier) OnShutdown(_ context.Context) error {
	return n.pub.Close()
}

// OnLowBalance implements plugin.OnLowBalance.
func (n *Notifier) OnLowBalance(ctx context.Context, e *account.Entitlement) error {
	return n.publish(ctx, KeyLowBalance, e.AccountID, LowBalance{
		Balance:          e.Balance.String(),
		Rollover:         e.Rollover.String(),
		MonthlyAllotment: e.MonthlyAllotment.String(),
		Tier:             e.Tier.String(),
		ResetAt:          e.ResetAt.Format(time.RFC3339),
	})
}

// OnCodeRedeemed implements plugin.OnCodeRedeemed.
func (n *Notifier) OnCodeRedeemed(ctx context.Context, r *code.Redemption, e *account.Entitlement) error {
	return n.publish(ctx, KeyCodeRedeemed, r.AccountID, CodeRedeemed{
		Code:         r.Code,
		Tier:         r.Tier.String(),
		PreviousTier: r.PreviousTier.String(),
		CreditsAdded: r.CreditsAdded.String(),
		Balance:      e.Balance.String(),
	})
}

// OnInvariantViolation implements plugin.OnInvariantViolation.
func (n *Notifier) OnInvariantViolation(ctx context.Context, accountID, detail string) error {
	return n.publish(ctx, KeyAccountFrozen, accountID, AccountFrozen{Detail: detail})
}

func (n *Notifier) publish(ctx context.Context, key, accountID string, data any) error {
	evt := Event{
		ID:         n.newID(),
		Type:       key,
		AccountID:  accountID,
		OccurredAt: n.now(),
		Data:       data,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", key, err)
	}

	err = n.pub.Publish(ctx, key, Message{ID: evt.ID, Type: key, Body: body, Timestamp: evt.OccurredAt})
	if err != nil {
		n.logger.Warn("notify: publish failed",
			"routing_key", key,
			"account_id", accountID,
			"error", err,
		)
		return fmt.Errorf("notify: publish %s: %w", key, err)
	}
	return nil
}
