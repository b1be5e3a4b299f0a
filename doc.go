// Package credit is a credit and entitlement ledger for tiered SaaS
// products.
//
// Credit is a library, not a service. Every account holds a balance of
// credits that features consume, a monthly allotment that a scheduled
// sweep grants again each period, and a tier that gates which features
// the account may use at all. It provides:
//
//   - Atomic check-and-decrement charges that never drive a balance negative
//   - Tier gating and countable limits from a declarative catalog
//   - Idempotent monthly refresh with capped rollover
//   - Purchase grants and stackable redemption codes
//   - Buffered, append-only usage events with per-feature summaries
//   - Plugin hooks for audit trails, metrics and notifications
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/credit"
//	    "github.com/xraph/credit/store/memory"
//	)
//
//	l := credit.New(memory.New())
//	if err := l.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Stop()
//
//	l.OpenAccount(ctx, "acct_42")
//
// # Charging
//
// Charge resolves the account's tier, gates the feature, computes its cost
// and takes it from the balance in one store operation:
//
//	res, err := l.Charge(ctx, "acct_42", tier.ViralHooks,
//	    credit.WithIdempotencyKey(requestID),
//	)
//	var insufficient *credit.InsufficientCreditsError
//	switch {
//	case errors.As(err, &insufficient):
//	    // show insufficient.Remaining and insufficient.Required
//	case errors.Is(err, credit.ErrTierRestricted):
//	    // offer an upgrade
//	case err != nil:
//	    // storage trouble: do not perform the action
//	}
//
// # Credits
//
// Credits are stored as integer hundredths so fractional costs such as
// 0.5 or a 90% bulk discount are exact. Charges draw from the balance;
// rollover carried from the previous period is reported alongside it.
//
// # Scheduling
//
// RunRefreshSweep, ExpireCodes and WarnLowBalances are safe to run any
// number of times: each keys off a timestamp stored on the record and
// checked inside the same statement that mutates it. The scheduler
// package drives them from cron expressions.
//
// # TypeID
//
// Records created by the ledger use TypeIDs:
//
//	uevt_01h2xcejqtf2nbrexx3vqjhp41  // Usage event
//	code_01h2xcejqtf2nbrexx3vqjhp41  // Redemption code
//	rdm_01h455vb4pex5vsknk084sn02q   // Redemption
//
// Accounts keep the identifier of the system that owns them.
package credit
