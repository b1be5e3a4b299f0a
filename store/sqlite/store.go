package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate"
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

// Store implements store.Store using SQLite via Grove ORM.
//
// SQLite has no data-modifying CTEs. Keyed charges and redemptions are a
// single INSERT ... SELECT whose AFTER INSERT trigger applies the balance
// change, which keeps each of them one atomic statement.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("credit/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("credit/sqlite: %w: %w", credit.ErrMigrationFailed, err)
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
	res, err := s.sdb.NewInsert(m).
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
	err := s.sdb.NewSelect(m).
		Where("account_id = ?", accountID).
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
	err := s.sdb.NewRaw(`
		UPDATE credit_entitlements
		SET balance = balance - ?, updated_at = ?
		WHERE account_id = ? AND status = 'active' AND balance >= ?
		RETURNING balance
	`, d.Amount.Units(), now(), d.AccountID, d.Amount.Units()).Scan(ctx, &balance)
	if err == nil {
		return &account.DecrementResult{OK: true, Balance: types.Credits(balance)}, nil
	}
	if !isNoRows(err) {
		return nil, err
	}
	return s.decrementRefusal(ctx, d.AccountID)
}

// tryDecrementKeyed inserts the charge row only when the account can
// cover it; trg_credit_charges_debit takes the amount off the balance. A
// duplicate key is ignored and replayed from the stored row.
func (s *Store) tryDecrementKeyed(ctx context.Context, d account.Decrement) (*account.DecrementResult, error) {
	chargeID := id.NewChargeID()

	var balance int64
	err := s.sdb.NewRaw(`
		INSERT OR IGNORE INTO credit_charges (id, account_id, idempotency_key, feature, amount, balance_after, created_at)
		SELECT ?, account_id, ?, ?, ?, balance - ?, ?
		FROM credit_entitlements
		WHERE account_id = ? AND status = 'active' AND balance >= ?
		RETURNING balance_after
	`, chargeID.String(), d.IdempotencyKey, string(d.Feature), d.Amount.Units(), d.Amount.Units(), now(),
		d.AccountID, d.Amount.Units()).Scan(ctx, &balance)
	if err == nil {
		return &account.DecrementResult{OK: true, Balance: types.Credits(balance), ChargeID: chargeID}, nil
	}
	if !isNoRows(err) {
		return nil, err
	}

	prior, err := s.chargeByKey(ctx, d.AccountID, d.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return storeutil.Replay(prior, d)
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
	err := s.sdb.NewSelect(m).
		Where("account_id = ?", accountID).
		Where("idempotency_key = ?", key).
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
	res, err := s.sdb.NewUpdate((*entitlementModel)(nil)).
		Set("balance = ?", r.NewBalance.Units()).
		Set("rollover = ?", r.NewRollover.Units()).
		Set("reset_at = ?", r.NewResetAt.UTC()).
		Set("updated_at = ?", now()).
		Where("account_id = ?", r.AccountID).
		Where("reset_at = ?", r.PrevResetAt.UTC()).
		Where("reset_at <= ?", r.Now.UTC()).
		Where("balance = ?", r.PrevBalance.Units()).
		Where("monthly_allotment = ?", r.PrevAllotment.Units()).
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
	res, err := s.sdb.NewUpdate((*entitlementModel)(nil)).
		Set("balance = balance + ?", g.DeltaBalance.Units()).
		Set("monthly_allotment = monthly_allotment + ?", g.DeltaAllotment.Units()).
		Set("tier = MAX(tier, ?)", int(g.NewTierIfHigher)).
		Set("stacked_units = stacked_units + ?", g.DeltaStackedUnits).
		Set("updated_at = ?", now()).
		Where("account_id = ?", g.AccountID).
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
	res, err := s.sdb.NewUpdate((*entitlementModel)(nil)).
		Set("tier = ?", int(t)).
		Set("updated_at = ?", now()).
		Where("account_id = ?", accountID).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return credit.ErrAccountNotFound
	}
	return nil
}

func (s *Store) Freeze(ctx context.Context, accountID, reason string) error {
	return s.setStatus(ctx, accountID, account.StatusFrozen, reason)
}

func (s *Store) Unfreeze(ctx context.Context, accountID string) error {
	return s.setStatus(ctx, accountID, account.StatusActive, "")
}

func (s *Store) setStatus(ctx context.Context, accountID string, status account.Status, reason string) error {
	res, err := s.sdb.NewUpdate((*entitlementModel)(nil)).
		Set("status = ?", string(status)).
		Set("frozen_reason = ?", reason).
		Set("updated_at = ?", now()).
		Where("account_id = ?", accountID).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return credit.ErrAccountNotFound
	}
	return nil
}

func (s *Store) ListDueForRefresh(ctx context.Context, at time.Time, after string, limit int) ([]*account.Entitlement, error) {
	var models []entitlementModel
	q := s.sdb.NewSelect(&models).
		Where("status = 'active'").
		Where("reset_at <= ?", at.UTC()).
		Where("account_id > ?", after).
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
	sel := s.sdb.NewSelect(&models).
		Where("status = 'active'").
		Where("monthly_allotment > 0").
		Where("balance * 10000 < monthly_allotment * ?", q.RatioBasisPoints).
		Where("(last_low_balance_warning_at IS NULL OR last_low_balance_warning_at < ?)", q.WarnedBefore.UTC()).
		Where("account_id > ?", q.After).
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
	res, err := s.sdb.NewUpdate((*entitlementModel)(nil)).
		Set("last_low_balance_warning_at = ?", at.UTC()).
		Where("account_id = ?", accountID).
		Where("monthly_allotment > 0").
		Where("balance * 10000 < monthly_allotment * ?", q.RatioBasisPoints).
		Where("(last_low_balance_warning_at IS NULL OR last_low_balance_warning_at < ?)", q.WarnedBefore.UTC()).
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
		m, err := toUsageEventModel(e)
		if err != nil {
			return err
		}
		models[i] = m
	}

	_, err := s.sdb.NewInsert(&models).
		OnConflict("(id) DO NOTHING").
		Exec(ctx)
	return err
}

func (s *Store) QueryUsage(ctx context.Context, accountID string, opts usage.QueryOpts) ([]*usage.Event, error) {
	var models []usageEventModel
	q := s.sdb.NewSelect(&models).Where("account_id = ?", accountID)

	if opts.Feature != "" {
		q = q.Where("feature = ?", opts.Feature)
	}
	if !opts.Start.IsZero() {
		q = q.Where("timestamp >= ?", opts.Start.UTC())
	}
	if !opts.End.IsZero() {
		q = q.Where("timestamp < ?", opts.End.UTC())
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
	res, err := s.sdb.NewDelete((*usageEventModel)(nil)).
		Where("timestamp < ?", before.UTC()).
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
	res, err := s.sdb.NewInsert(m).
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
	err := s.sdb.NewSelect(m).
		Where("code = ?", code.Normalize(raw)).
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
	err := s.sdb.NewSelect(m).
		Where("id = ?", codeID.String()).
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
	q := s.sdb.NewSelect(&models)

	if opts.Batch != "" {
		q = q.Where("batch = ?", opts.Batch)
	}
	if opts.Tier != 0 {
		q = q.Where("tier = ?", int(opts.Tier))
	}
	if opts.ActiveOnly {
		q = q.Where("is_active = 1")
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

// RedeemCode inserts the redemption only when the code has a free slot
// and the account is active; trg_credit_redemptions_apply claims the slot
// and grants the credits in the same statement.
func (s *Store) RedeemCode(ctx context.Context, r code.Redeem) (*code.Redemption, *account.Entitlement, error) {
	at := r.Now.UTC()

	var redemptionID string
	err := s.sdb.NewRaw(`
		INSERT OR IGNORE INTO credit_redemptions (id, code_id, code, account_id, tier, previous_tier, credits_added, redeemed_at)
		SELECT ?, c.id, c.code, e.account_id, c.tier, e.tier, ?, ?
		FROM credit_codes c, credit_entitlements e
		WHERE c.id = ?
		  AND c.is_active = 1
		  AND c.current_redemptions < c.max_redemptions
		  AND (c.expires_at IS NULL OR c.expires_at > ?)
		  AND e.account_id = ?
		  AND e.status = 'active'
		RETURNING id
	`, r.ID.String(), r.Credits.Units(), at, r.CodeID.String(), at, r.AccountID).Scan(ctx, &redemptionID)
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
		return credit.ErrCodeExhausted
	}
	return cause
}

func (s *Store) getRedemption(ctx context.Context, redemptionID string) (*code.Redemption, error) {
	m := new(redemptionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", redemptionID).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromRedemptionModel(m)
}

func (s *Store) HasRedeemed(ctx context.Context, accountID string, codeID id.CodeID) (bool, error) {
	var n int64
	err := s.sdb.NewRaw(`
		SELECT COUNT(*) FROM credit_redemptions WHERE code_id = ? AND account_id = ?
	`, codeID.String(), accountID).Scan(ctx, &n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListRedemptions(ctx context.Context, accountID string) ([]*code.Redemption, error) {
	var models []redemptionModel
	err := s.sdb.NewSelect(&models).
		Where("account_id = ?", accountID).
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

func (s *Store) ExpireCodes(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.sdb.NewUpdate((*codeModel)(nil)).
		Set("is_active = 0").
		Set("updated_at = ?", at.UTC()).
		Where("is_active = 1").
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", at.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
