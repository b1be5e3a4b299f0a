package credit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/credit"
	"github.com/xraph/credit/store/memory"
	"github.com/xraph/credit/tier"
)

// TestDocumentationExamples runs the package documentation examples end to end.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		store := memory.New()

		l := credit.New(store,
			credit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			credit.WithUsageConfig(1000, 100, 50*time.Millisecond),
			credit.WithTierCacheTTL(30*time.Second),
		)

		ctx := context.Background()
		if err := l.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer l.Stop() //nolint:errcheck // test teardown

		if _, err := l.OpenAccount(ctx, "acct_42"); err != nil {
			t.Fatal(err)
		}

		// Free accounts cannot use viral hooks.
		_, err := l.Charge(ctx, "acct_42", tier.ViralHooks, credit.WithIdempotencyKey("req-1"))
		if !errors.Is(err, credit.ErrTierRestricted) {
			t.Fatalf("expected tier restriction, got %v", err)
		}

		if _, err := l.GrantFromPurchase(ctx, credit.PurchaseGrant{AccountID: "acct_42", Tier: tier.Tier2}); err != nil {
			t.Fatal(err)
		}

		res, err := l.Charge(ctx, "acct_42", tier.ViralHooks, credit.WithIdempotencyKey("req-2"))
		if err != nil {
			t.Fatal(err)
		}
		if want := credit.Whole(398); res.Remaining != want {
			t.Errorf("remaining = %s, want %s", res.Remaining, want)
		}
	})

	t.Run("ChargingErrorExample", func(t *testing.T) {
		l := credit.New(memory.New(), credit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		ctx := context.Background()

		if _, err := l.OpenAccount(ctx, "acct_1"); err != nil {
			t.Fatal(err)
		}

		var insufficient *credit.InsufficientCreditsError
		for i := 0; ; i++ {
			_, err := l.Charge(ctx, "acct_1", tier.ContentRepurposing)
			if err == nil {
				continue
			}
			if !errors.As(err, &insufficient) {
				t.Fatalf("charge %d: unexpected error %v", i, err)
			}
			break
		}

		if insufficient.Remaining != 0 {
			t.Errorf("remaining = %s, want 0.00", insufficient.Remaining)
		}
		if insufficient.Required != credit.Whole(1) {
			t.Errorf("required = %s, want 1.00", insufficient.Required)
		}
	})

	t.Run("CreditsExample", func(t *testing.T) {
		c, err := credit.ParseCredits("0.5")
		if err != nil {
			t.Fatal(err)
		}
		if got := credit.Sum(c, c, credit.Whole(1)).String(); got != "2.00" {
			t.Errorf("sum = %s, want 2.00", got)
		}
	})
}
