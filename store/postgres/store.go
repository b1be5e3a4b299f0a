package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/credit"
	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/id"
	creditstore "github.com/xraph/credit/store"
	"github.com/xraph/credit/store/internal/storeutil"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
	"github.com/xraph/credit/usage"
)

// compile-time interface check
var _ creditstore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM. Balance
// writes are single conditional statements, so the database row is the
// only serialization point.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("credit/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("credit/postgres: %w: %w", credit.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Entitlement Store ====================

func (s *Store) CreateEntitlement(ctx context.Context, e *account.Entitlement) error {
	m := toEntitlementModel(e)
	res, err := s.pg.NewInsert(m).
		OnConflict("(account_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return credit.ErrAccountExists
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, accountID string) (*account.Entitlement, error) {
	m := new(entitlementModel)
	err := s.pg.NewSelect(m).
		Where("account_id = $1", accountID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credit.ErrAccountNotFound
		}
		return nil, err
	}
	return fromEntitlementModel(m), nil
}

func (s *Store) TryDecrement(ctx context.Context, d account.Decrement) (*account.DecrementResult, error) {
	if err := storeutil.CheckDecrement(d); err != nil {
		return nil, err
	}
	if d.IdempotencyKey != "" {
		return s.tryDecrementKeyed(ctx, d)
	}

	var balance int64
	err := s.pg.NewRaw(`
		UPDATE credit_entitlements
		SET balance = balance - $1, updated_at = NOW()
		WHERE account_id = $2 AND status = 'active' AND balance >= $1
		RETURNING balance
	`, d.Amount.Units(), d.AccountID).Scan(ctx, &balance)
	if err == nil {
		return &account.DecrementResult{OK: true, Balance: creditsOf(balance)}, nil
	}
	if !isNoRows(err) {
		return nil, err
	}
	return s.decrementRefusal(ctx, d.AccountID)
}

// tryDecrementKeyed debits and records the charge in one statement. The
// statement changes nothing when a charge with the same key exists.
func (s *Store) tryDecrementKeyed(ctx context.Context, d account.Decrement) (*account.DecrementResult, error) {
	chargeID := id.NewChargeID()

	var balance int64
	err := s.pg.NewRaw(`
		WITH prior AS (
			SELECT 1 FROM credit_charges WHERE account_id = $2 AND idempotency_key = $3
		), upd AS (
			UPDATE credit_entitlements
			SET balance = balance - $1, updated_at = NOW()
			WHERE account_id = $2 AND status = 'active' AND balance >= $1
			  AND NOT EXISTS (SELECT 1 FROM prior)
			RETURNING balance
		), ins AS (
			INSERT INTO credit_charges (id, account_id, idempotency_key, feature, amount, balance_after, created_at)
			SELECT $4, $2, $3, $5, $1, upd.balance, NOW() FROM upd
			RETURNING balance_after
		)
		SELECT balance_after FROM ins
	`, d.Amount.Units(), d.AccountID, d.IdempotencyKey, chargeID.String(), string(d.Feature)).Scan(ctx, &balance)
	if err == nil {
		return &account.DecrementResult{OK: true, Balance: creditsOf(balance), ChargeID: chargeID}, nil
	}

	// A concurrent request with the same key makes the insert fail on the
	// unique index, which rolls the debit back with it.
	prior, lookupErr := s.chargeByKey(ctx, d.AccountID, d.IdempotencyKey)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if prior != nil {
		return storeutil.Replay(prior, d)
	}
	if !isNoRows(err) {
		return nil, err
	}
	return s.decrementRefusal(ctx, d.AccountID)
}

func (s *Store) decrementRefusal(ctx context.Context, accountID string) (*account.DecrementResult, error) {
	e, err := s.GetEntitlement(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return storeutil.DecrementRefusal(e)
}

func (s *Store) chargeByKey(ctx context.Context, accountID, key string) (*account.Charge, error) {
	m := new(chargeModel)
	err := s.pg.NewSelect(m).
		Where("account_id = $1", accountID).
		Where("idempotency_key = $2", key).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return fromChargeModel(m)
}

func (s *Store) ApplyRefresh(ctx context.Context, r account.Refresh) (bool, error) {
	res, err := s.pg.NewUpdate((*entitlementModel)(nil)).
		Set("balance = $1", r.NewBalance.Units()).
		Set("rollover = $2", r.NewRollover.Units()).
		Set("reset_at = $3", r.NewResetAt).
		Set("updated_at = $4", time.Now().UTC()).
		Where("account_id = $5", r.AccountID).
		Where("reset_at = $6", r.PrevResetAt).
		Where("reset_at <= $7", r.Now).
		Where("balance = $8", r.PrevBalance.Units()).
		Where("monthly_allotment = $9", r.PrevAllotment.Units()).
		Where("status = 'active'").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *Store) ApplyGrant(ctx context.Context, g account.Grant) (*account.Entitlement, error) {
	res, err := s.pg.NewUpdate((*entitlementModel)(nil)).
		Set("balance = balance + $1", g.DeltaBalance.Units()).
		Set("monthly_allotment = monthly_allotment + $2", g.DeltaAllotment.Units()).
		Set("tier = GREATEST(tier, $3)", int(g.NewTierIfHigher)).
		Set("stacked_units = stacked_units + $4", g.DeltaStackedUnits).
		Set("updated_at = $5", time.Now().UTC()).
		Where("account_id = $6", g.AccountID).
		Where("status = 'active'").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	e, err := s.GetEntitlement(ctx, g.AccountID)
	if err != nil {
		return nil, err
	}
	if rows == 0 && e.IsFrozen() {
		return nil, credit.ErrAccountFrozen
	}
	return e, nil
}

func (s *Store) SetTier(ctx context.Context, accountID string, t tier.Tier) error {
	res, err := s.pg.NewUpdate((*entitlementModel)(nil)).
		Set("tier = $1", int(t)).
		Set("updated_at = $2", time.Now().UTC()).
		Where("account_id = $3", accountID).
		Exec(ctx)
	return affectedOne(res, err, credit.ErrAccountNotFound)
}

func (s *Store) Freeze(ctx context.Context, accountID, reason string) error {
	res, err := s.pg.NewUpdate((*entitlementModel)(nil)).
		Set("status = $1", string(account.StatusFrozen)).
		Set("frozen_reason = $2", reason).
		Set("updated_at = $3", time.Now().UTC()).
		Where("account_id = $4", accountID).
		Exec(ctx)
	return affectedOne(res, err, credit.ErrAccountNotFound)
}

func (s *Store) Unfreeze(ctx context.Context, accountID string) error {
	res, err := s.pg.NewUpdate((*entitlementModel)(nil)).
		Set("status = $1", string(account.StatusActive)).
		Set("frozen_reason = ''").
		Set("updated_at = $2", time.Now().UTC()).
		Where("account_id = $3", accountID).
		Exec(ctx)
	return affectedOne(res, err, credit.ErrAccountNotFound)
}

func (s *Store) ListDueForRefresh(ctx context.Context, now time.Time, after string, limit int) ([]*account.Entitlement, error) {
	var models []entitlementModel
	q := s.pg.NewSelect(&models).
		Where("status = 'active'").
		Where("reset_at <= $1", now).
		Where("account_id > $2", after).
		OrderExpr("account_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromEntitlementModels(models), nil
}

func (s *Store) ListLowBalance(ctx context.Context, q account.LowBalanceQuery) ([]*account.Entitlement, error) {
	var models []entitlementModel
	sel := s.pg.NewSelect(&models).
		Where("status = 'active'").
		Where("monthly_allotment > 0").
		Where("balance * 10000 < monthly_allotment * $1", q.RatioBasisPoints).
		Where("(last_low_balance_warning_at IS NULL OR last_low_balance_warning_at < $2)", q.WarnedBefore).
		Where("account_id > $3", q.After).
		OrderExpr("account_id ASC")
	if q.Limit > 0 {
		sel = sel.Limit(q.Limit)
	}
	if err := sel.Scan(ctx); err != nil {
		return nil, err
	}
	return fromEntitlementModels(models), nil
}

func (s *Store) MarkLowBalanceWarned(ctx context.Context, accountID string, at time.Time, q account.LowBalanceQuery) (bool, error) {
	res, err := s.pg.NewUpdate((*entitlementModel)(nil)).
		Set("last_low_balance_warning_at = $1", at).
		Where("account_id = $2", accountID).
		Where("monthly_allotment > 0").
		Where("balance * 10000 < monthly_allotment * $3", q.RatioBasisPoints).
		Where("(last_low_balance_warning_at IS NULL OR last_low_balance_warning_at < $4)", q.WarnedBefore).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func fromEntitlementModels(models []entitlementModel) []*account.Entitlement {
	result := make([]*account.Entitlement, len(models))
	for i := range models {
		result[i] = fromEntitlementModel(&models[i])
	}
	return result
}

// ==================== Usage Store ====================

func (s *Store) AppendUsage(ctx context.Context, events []*usage.Event) error {
	if len(events) == 0 {
		return nil
	}

	models := make([]*usageEventModel, len(events))
	for i, e := range events {
		models[i] = toUsageEventModel(e)
	}

	_, err := s.pg.NewInsert(&models).
		OnConflict("(id) DO NOTHING").
		Exec(ctx)
	return err
}

func (s *Store) QueryUsage(ctx context.Context, accountID string, opts usage.QueryOpts) ([]*usage.Event, error) {
	var models []usageEventModel
	q := s.pg.NewSelect(&models).Where("account_id = $1", accountID)

	argIdx := 1
	if opts.Feature != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("feature = $%d", argIdx), opts.Feature)
	}
	if !opts.Start.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("timestamp >= $%d", argIdx), opts.Start)
	}
	if !opts.End.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("timestamp < $%d", argIdx), opts.End)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("timestamp DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*usage.Event, len(models))
	for i := range models {
		e, err := fromUsageEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func (s *Store) SummarizeUsage(ctx context.Context, accountID string, since time.Time) ([]usage.Summary, error) {
	events, err := s.QueryUsage(ctx, accountID, usage.QueryOpts{Start: since})
	if err != nil {
		return nil, err
	}
	return usage.Summarize(events), nil
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.pg.NewDelete((*usageEventModel)(nil)).
		Where("timestamp < $1", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== Code Store ====================

func (s *Store) CreateCode(ctx context.Context, c *code.Code) error {
	c.Code = code.Normalize(c.Code)
	m := toCodeModel(c)
	res, err := s.pg.NewInsert(m).
		OnConflict("(code) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return credit.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetCode(ctx context.Context, raw string) (*code.Code, error) {
	m := new(codeModel)
	err := s.pg.NewSelect(m).
		Where("code = $1", code.Normalize(raw)).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credit.ErrCodeNotFound
		}
		return nil, err
	}
	return fromCodeModel(m)
}

func (s *Store) getCodeByID(ctx context.Context, codeID id.CodeID) (*code.Code, error) {
	m := new(codeModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", codeID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return fromCodeModel(m)
}

func (s *Store) ListCodes(ctx context.Context, opts code.ListOpts) ([]*code.Code, error) {
	var models []codeModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.Batch != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("batch = $%d", argIdx), opts.Batch)
	}
	if opts.Tier != 0 {
		argIdx++
		q = q.Where(fmt.Sprintf("tier = $%d", argIdx), int(opts.Tier))
	}
	if opts.ActiveOnly {
		q = q.Where("is_active")
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("code ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*code.Code, len(models))
	for i := range models {
		c, err := fromCodeModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = c
	}
	return result, nil
}

// RedeemCode claims a slot, grants the credits and records the
// redemption in one statement. If any step matches no row the whole
// statement is a no-op and the rejection is classified by re-reading.
func (s *Store) RedeemCode(ctx context.Context, r code.Redeem) (*code.Redemption, *account.Entitlement, error) {
	var redemptionID string
	err := s.pg.NewRaw(`
		WITH acct AS (
			SELECT account_id, tier FROM credit_entitlements
			WHERE account_id = $1 AND status = 'active'
			FOR UPDATE
		), claim AS (
			UPDATE credit_codes
			SET current_redemptions = current_redemptions + 1,
			    is_active = current_redemptions + 1 < max_redemptions,
			    updated_at = $4
			WHERE id = $2
			  AND is_active
			  AND current_redemptions < max_redemptions
			  AND (expires_at IS NULL OR expires_at > $4)
			  AND EXISTS (SELECT 1 FROM acct)
			  AND NOT EXISTS (
				SELECT 1 FROM credit_redemptions WHERE code_id = $2 AND account_id = $1
			  )
			RETURNING id, code, tier
		), granted AS (
			UPDATE credit_entitlements e
			SET balance = e.balance + $3,
			    monthly_allotment = e.monthly_allotment + $3,
			    tier = GREATEST(e.tier, claim.tier),
			    stacked_units = e.stacked_units + 1,
			    updated_at = $4
			FROM claim
			WHERE e.account_id = $1
			RETURNING e.account_id
		)
		INSERT INTO credit_redemptions (id, code_id, code, account_id, tier, previous_tier, credits_added, redeemed_at)
		SELECT $5, claim.id, claim.code, $1, claim.tier, acct.tier, $3, $4
		FROM claim, acct, granted
		RETURNING id
	`, r.AccountID, r.CodeID.String(), r.Credits.Units(), r.Now, r.ID.String()).Scan(ctx, &redemptionID)
	if err != nil {
		return nil, nil, s.redeemRejection(ctx, r, err)
	}

	rdm, err := s.getRedemption(ctx, redemptionID)
	if err != nil {
		return nil, nil, err
	}
	e, err := s.GetEntitlement(ctx, r.AccountID)
	if err != nil {
		return nil, nil, err
	}
	return rdm, e, nil
}

func (s *Store) redeemRejection(ctx context.Context, r code.Redeem, cause error) error {
	c, err := s.getCodeByID(ctx, r.CodeID)
	if err != nil {
		return err
	}
	var redeemed bool
	if c != nil {
		if redeemed, err = s.HasRedeemed(ctx, r.AccountID, r.CodeID); err != nil {
			return err
		}
	}
	e, err := s.GetEntitlement(ctx, r.AccountID)
	if err != nil && !errors.Is(err, credit.ErrAccountNotFound) {
		return err
	}

	if reason := storeutil.RedeemRejection(c, redeemed, e, r.Now); reason != nil {
		return reason
	}
	if isNoRows(cause) {
		// Lost a race for the last slot between the statement and the re-read.
		return credit.ErrCodeExhausted
	}
	return cause
}

func (s *Store) getRedemption(ctx context.Context, redemptionID string) (*code.Redemption, error) {
	m := new(redemptionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", redemptionID).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromRedemptionModel(m)
}

func (s *Store) HasRedeemed(ctx context.Context, accountID string, codeID id.CodeID) (bool, error) {
	var n int64
	err := s.pg.NewRaw(`
		SELECT COUNT(*) FROM credit_redemptions WHERE code_id = $1 AND account_id = $2
	`, codeID.String(), accountID).Scan(ctx, &n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListRedemptions(ctx context.Context, accountID string) ([]*code.Redemption, error) {
	var models []redemptionModel
	err := s.pg.NewSelect(&models).
		Where("account_id = $1", accountID).
		OrderExpr("redeemed_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*code.Redemption, len(models))
	for i := range models {
		rdm, err := fromRedemptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = rdm
	}
	return result, nil
}

func (s *Store) ExpireCodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.pg.NewUpdate((*codeModel)(nil)).
		Set("is_active = FALSE").
		Set("updated_at = $1", now).
		Where("is_active").
		Where("expires_at IS NOT NULL").
		Where("expires_at <= $2", now).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== Helpers ====================

func creditsOf(units int64) types.Credits { return types.Credits(units) }

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

// affectedOne maps an update that matched no row to notFound.
func affectedOne(res rowsAffecter, err, notFound error) error {
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
