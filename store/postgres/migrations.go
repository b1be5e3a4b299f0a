package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the credit store.
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
    tier                        INT NOT NULL DEFAULT 1,
    balance                     BIGINT NOT NULL DEFAULT 0,
    rollover                    BIGINT NOT NULL DEFAULT 0,
    monthly_allotment           BIGINT NOT NULL DEFAULT 0,
    reset_at                    TIMESTAMPTZ NOT NULL,
    stacked_units               INT NOT NULL DEFAULT 1,
    last_low_balance_warning_at TIMESTAMPTZ,
    status                      TEXT NOT NULL DEFAULT 'active',
    frozen_reason               TEXT NOT NULL DEFAULT '',
    created_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT credit_entitlements_balance_nonnegative CHECK (balance >= 0),
    CONSTRAINT credit_entitlements_stacked_units_positive CHECK (stacked_units >= 1)
);

CREATE INDEX IF NOT EXISTS idx_credit_entitlements_reset_at
    ON credit_entitlements (reset_at) WHERE status = 'active';
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
    quantity    BIGINT NOT NULL DEFAULT 1,
    cost        BIGINT NOT NULL DEFAULT 0,
    tier        INT NOT NULL,
    timestamp   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    metadata    JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_credit_usage_account_ts ON credit_usage_events (account_id, timestamp DESC);
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
    tier                INT NOT NULL,
    max_redemptions     INT NOT NULL DEFAULT 1,
    current_redemptions INT NOT NULL DEFAULT 0,
    is_active           BOOLEAN NOT NULL DEFAULT TRUE,
    expires_at          TIMESTAMPTZ,
    batch               TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT credit_codes_within_capacity CHECK (current_redemptions <= max_redemptions)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_codes_code ON credit_codes (code);
CREATE INDEX IF NOT EXISTS idx_credit_codes_batch ON credit_codes (batch);
CREATE INDEX IF NOT EXISTS idx_credit_codes_expiry ON credit_codes (expires_at) WHERE is_active;
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
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_redemptions (
    id            TEXT PRIMARY KEY,
    code_id       TEXT NOT NULL REFERENCES credit_codes (id),
    code          TEXT NOT NULL,
    account_id    TEXT NOT NULL REFERENCES credit_entitlements (account_id),
    tier          INT NOT NULL,
    previous_tier INT NOT NULL,
    credits_added BIGINT NOT NULL,
    redeemed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_redemptions_code_account ON credit_redemptions (code_id, account_id);
CREATE INDEX IF NOT EXISTS idx_credit_redemptions_account ON credit_redemptions (account_id, redeemed_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_redemptions`)
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
    amount          BIGINT NOT NULL,
    balance_after   BIGINT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_charges_key ON credit_charges (account_id, idempotency_key);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_charges`)
				return err
			},
		},
	)
}
