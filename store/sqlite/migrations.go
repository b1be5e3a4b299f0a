package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the credit store (SQLite).
var Migrations = migrate.NewGroup("credit")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_credit_entitlements",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_entitlements (
    account_id                  TEXT PRIMARY KEY,
    tier                        INTEGER NOT NULL DEFAULT 1,
    balance                     INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    rollover                    INTEGER NOT NULL DEFAULT 0,
    monthly_allotment           INTEGER NOT NULL DEFAULT 0,
    reset_at                    DATETIME NOT NULL,
    stacked_units               INTEGER NOT NULL DEFAULT 1 CHECK (stacked_units >= 1),
    last_low_balance_warning_at DATETIME,
    status                      TEXT NOT NULL DEFAULT 'active',
    frozen_reason               TEXT NOT NULL DEFAULT '',
    created_at                  DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at                  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_credit_entitlements_reset_at ON credit_entitlements (status, reset_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_entitlements`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_usage_events",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_usage_events (
    id          TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL,
    feature     TEXT NOT NULL,
    quantity    INTEGER NOT NULL DEFAULT 1,
    cost        INTEGER NOT NULL DEFAULT 0,
    tier        INTEGER NOT NULL,
    timestamp   DATETIME NOT NULL DEFAULT (datetime('now')),
    metadata    TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_credit_usage_account_ts ON credit_usage_events (account_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_credit_usage_ts ON credit_usage_events (timestamp);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_usage_events`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_codes",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_codes (
    id                  TEXT PRIMARY KEY,
    code                TEXT NOT NULL,
    tier                INTEGER NOT NULL,
    max_redemptions     INTEGER NOT NULL DEFAULT 1,
    current_redemptions INTEGER NOT NULL DEFAULT 0,
    is_active           INTEGER NOT NULL DEFAULT 1,
    expires_at          DATETIME,
    batch               TEXT NOT NULL DEFAULT '',
    created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at          DATETIME NOT NULL DEFAULT (datetime('now')),
    CHECK (current_redemptions <= max_redemptions)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_codes_code ON credit_codes (code);
CREATE INDEX IF NOT EXISTS idx_credit_codes_batch ON credit_codes (batch);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_codes`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_redemptions",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				// The trigger applies the slot claim and the grant inside the
				// inserting statement, so a redemption row never exists
				// without its effects.
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_redemptions (
    id            TEXT PRIMARY KEY,
    code_id       TEXT NOT NULL REFERENCES credit_codes (id),
    code          TEXT NOT NULL,
    account_id    TEXT NOT NULL REFERENCES credit_entitlements (account_id),
    tier          INTEGER NOT NULL,
    previous_tier INTEGER NOT NULL,
    credits_added INTEGER NOT NULL,
    redeemed_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_redemptions_code_account ON credit_redemptions (code_id, account_id);
CREATE INDEX IF NOT EXISTS idx_credit_redemptions_account ON credit_redemptions (account_id, redeemed_at);

CREATE TRIGGER IF NOT EXISTS trg_credit_redemptions_apply
AFTER INSERT ON credit_redemptions
BEGIN
    UPDATE credit_codes
    SET current_redemptions = current_redemptions + 1,
        is_active = (current_redemptions + 1 < max_redemptions),
        updated_at = NEW.redeemed_at
    WHERE id = NEW.code_id;

    UPDATE credit_entitlements
    SET balance = balance + NEW.credits_added,
        monthly_allotment = monthly_allotment + NEW.credits_added,
        tier = MAX(tier, NEW.tier),
        stacked_units = stacked_units + 1,
        updated_at = NEW.redeemed_at
    WHERE account_id = NEW.account_id;
END;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TRIGGER IF EXISTS trg_credit_redemptions_apply;
DROP TABLE IF EXISTS credit_redemptions;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_charges",
			Version: "20250101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_charges (
    id              TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    feature         TEXT NOT NULL,
    amount          INTEGER NOT NULL,
    balance_after   INTEGER NOT NULL,
    created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_charges_key ON credit_charges (account_id, idempotency_key);

CREATE TRIGGER IF NOT EXISTS trg_credit_charges_debit
AFTER INSERT ON credit_charges
BEGIN
    UPDATE credit_entitlements
    SET balance = balance - NEW.amount,
        updated_at = NEW.created_at
    WHERE account_id = NEW.account_id;
END;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TRIGGER IF EXISTS trg_credit_charges_debit;
DROP TABLE IF EXISTS credit_charges;
`)
				return err
			},
		},
	)
}
