package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

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

// Collection name constants.
const (
	colEntitlements = "credit_entitlements"
	colCharges      = "credit_charges"
	colUsageEvents  = "credit_usage_events"
	colCodes        = "credit_codes"
	colRedemptions  = "credit_redemptions"
)

// errRejected aborts a redemption transaction that matched nothing.
var errRejected = errors.New("credit/mongo: redemption rejected")

// compile-time interface check
var _ creditstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM. Single-document
// updates are conditional findAndModify calls; keyed charges and
// redemptions span documents and run in a session transaction, which
// needs a replica set.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all credit collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("credit/mongo: migrate %s indexes: %w: %w", col, credit.ErrMigrationFailed, err)
		}
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
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return credit.ErrAccountExists
		}
		return fmt.Errorf("credit/mongo: create entitlement: %w", err)
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, accountID string) (*account.Entitlement, error) {
	var m entitlementModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": accountID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credit.ErrAccountNotFound
		}
		return nil, fmt.Errorf("credit/mongo: get entitlement: %w", err)
	}
	return fromEntitlementModel(&m), nil
}

// debit takes amount off an active account holding at least amount and
// returns the updated document, or nil when the filter matched nothing.
func (s *Store) debit(ctx context.Context, accountID string, amount types.Credits) (*entitlementModel, error) {
	var m entitlementModel
	err := s.mdb.Collection(colEntitlements).FindOneAndUpdate(ctx,
		bson.M{
			"_id":     accountID,
			"status":  string(account.StatusActive),
			"balance": bson.M{"$gte": amount.Units()},
		},
		bson.M{
			"$inc": bson.M{"balance": -amount.Units()},
			"$set": bson.M{"updated_at": now()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("credit/mongo: debit: %w", err)
	}
	return &m, nil
}

func (s *Store) TryDecrement(ctx context.Context, d account.Decrement) (*account.DecrementResult, error) {
	if err := storeutil.CheckDecrement(d); err != nil {
		return nil, err
	}
	if d.IdempotencyKey != "" {
		return s.tryDecrementKeyed(ctx, d)
	}

	m, err := s.debit(ctx, d.AccountID, d.Amount)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return &account.DecrementResult{OK: true, Balance: types.Credits(m.Balance)}, nil
	}
	return s.decrementRefusal(ctx, d.AccountID)
}

func (s *Store) tryDecrementKeyed(ctx context.Context, d account.Decrement) (*account.DecrementResult, error) {
	prior, err := s.chargeByKey(ctx, d.AccountID, d.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return storeutil.Replay(prior, d)
	}

	chargeID := id.NewChargeID()
	out, err := s.withTransaction(ctx, func(ctx context.Context) (any, error) {
		m, err := s.debit(ctx, d.AccountID, d.Amount)
		if err != nil || m == nil {
			return nil, err
		}
		_, err = s.mdb.Collection(colCharges).InsertOne(ctx, &chargeModel{
			ID:             chargeID.String(),
			AccountID:      d.AccountID,
			IdempotencyKey: d.IdempotencyKey,
			Feature:        string(d.Feature),
			Amount:         d.Amount.Units(),
			BalanceAfter:   m.Balance,
			CreatedAt:      now(),
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// A concurrent request with the same key committed first.
			prior, lookupErr := s.chargeByKey(ctx, d.AccountID, d.IdempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if prior != nil {
				return storeutil.Replay(prior, d)
			}
		}
		return nil, fmt.Errorf("credit/mongo: keyed decrement: %w", err)
	}

	if m, ok := out.(*entitlementModel); ok && m != nil {
		return &account.DecrementResult{OK: true, Balance: types.Credits(m.Balance), ChargeID: chargeID}, nil
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
	var m chargeModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"account_id": accountID, "idempotency_key": key}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("credit/mongo: get charge: %w", err)
	}
	return fromChargeModel(&m)
}

func (s *Store) ApplyRefresh(ctx context.Context, r account.Refresh) (bool, error) {
	res, err := s.mdb.Collection(colEntitlements).UpdateOne(ctx,
		bson.M{
			"_id":               r.AccountID,
			"status":            string(account.StatusActive),
			"reset_at":          bson.M{"$eq": r.PrevResetAt, "$lte": r.Now},
			"balance":           r.PrevBalance.Units(),
			"monthly_allotment": r.PrevAllotment.Units(),
		},
		bson.M{"$set": bson.M{
			"balance":    r.NewBalance.Units(),
			"rollover":   r.NewRollover.Units(),
			"reset_at":   r.NewResetAt,
			"updated_at": now(),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("credit/mongo: apply refresh: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *Store) ApplyGrant(ctx context.Context, g account.Grant) (*account.Entitlement, error) {
	var m entitlementModel
	err := s.mdb.Collection(colEntitlements).FindOneAndUpdate(ctx,
		bson.M{"_id": g.AccountID, "status": string(account.StatusActive)},
		grantUpdate(g.DeltaBalance, g.DeltaAllotment, g.NewTierIfHigher, g.DeltaStackedUnits),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if !isNoDocuments(err) {
			return nil, fmt.Errorf("credit/mongo: apply grant: %w", err)
		}
		e, err := s.GetEntitlement(ctx, g.AccountID)
		if err != nil {
			return nil, err
		}
		if e.IsFrozen() {
			return nil, credit.ErrAccountFrozen
		}
		return e, nil
	}
	return fromEntitlementModel(&m), nil
}

func grantUpdate(balance, allotment types.Credits, t tier.Tier, units int) bson.M {
	return bson.M{
		"$inc": bson.M{
			"balance":           balance.Units(),
			"monthly_allotment": allotment.Units(),
			"stacked_units":     units,
		},
		"$max": bson.M{"tier": int(t)},
		"$set": bson.M{"updated_at": now()},
	}
}

func (s *Store) SetTier(ctx context.Context, accountID string, t tier.Tier) error {
	res, err := s.mdb.NewUpdate((*entitlementModel)(nil)).
		Filter(bson.M{"_id": accountID}).
		Set("tier", int(t)).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("credit/mongo: set tier: %w", err)
	}
	if res.MatchedCount() == 0 {
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
	res, err := s.mdb.NewUpdate((*entitlementModel)(nil)).
		Filter(bson.M{"_id": accountID}).
		Set("status", string(status)).
		Set("frozen_reason", reason).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("credit/mongo: set status: %w", err)
	}
	if res.MatchedCount() == 0 {
		return credit.ErrAccountNotFound
	}
	return nil
}

func (s *Store) ListDueForRefresh(ctx context.Context, at time.Time, after string, limit int) ([]*account.Entitlement, error) {
	return s.listEntitlements(ctx, bson.M{
		"_id":      bson.M{"$gt": after},
		"status":   string(account.StatusActive),
		"reset_at": bson.M{"$lte": at},
	}, limit)
}

func (s *Store) ListLowBalance(ctx context.Context, q account.LowBalanceQuery) ([]*account.Entitlement, error) {
	filter := lowBalanceFilter(q)
	filter["_id"] = bson.M{"$gt": q.After}
	filter["status"] = string(account.StatusActive)
	return s.listEntitlements(ctx, filter, q.Limit)
}

func (s *Store) MarkLowBalanceWarned(ctx context.Context, accountID string, at time.Time, q account.LowBalanceQuery) (bool, error) {
	filter := lowBalanceFilter(q)
	filter["_id"] = accountID

	res, err := s.mdb.Collection(colEntitlements).UpdateOne(ctx, filter,
		bson.M{"$set": bson.M{"last_low_balance_warning_at": at}},
	)
	if err != nil {
		return false, fmt.Errorf("credit/mongo: mark low balance: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// lowBalanceFilter matches balance*10000 < allotment*bp with a positive
// allotment and no warning at or after q.WarnedBefore.
func lowBalanceFilter(q account.LowBalanceQuery) bson.M {
	return bson.M{
		"monthly_allotment": bson.M{"$gt": 0},
		"$expr": bson.M{"$lt": bson.A{
			bson.M{"$multiply": bson.A{"$balance", 10000}},
			bson.M{"$multiply": bson.A{"$monthly_allotment", q.RatioBasisPoints}},
		}},
		"$or": bson.A{
			bson.M{"last_low_balance_warning_at": bson.M{"$exists": false}},
			bson.M{"last_low_balance_warning_at": nil},
			bson.M{"last_low_balance_warning_at": bson.M{"$lt": q.WarnedBefore}},
		},
	}
}

func (s *Store) listEntitlements(ctx context.Context, filter bson.M, limit int) ([]*account.Entitlement, error) {
	var models []entitlementModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credit/mongo: list entitlements: %w", err)
	}

	result := make([]*account.Entitlement, len(models))
	for i := range models {
		result[i] = fromEntitlementModel(&models[i])
	}
	return result, nil
}

// ==================== Usage Store ====================

func (s *Store) AppendUsage(ctx context.Context, events []*usage.Event) error {
	for _, e := range events {
		m := toUsageEventModel(e)
		_, err := s.mdb.NewInsert(m).Exec(ctx)
		if err != nil {
			// Skip duplicates for idempotency
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return fmt.Errorf("credit/mongo: append usage: %w", err)
		}
	}
	return nil
}

func (s *Store) QueryUsage(ctx context.Context, accountID string, opts usage.QueryOpts) ([]*usage.Event, error) {
	var models []usageEventModel

	filter := bson.M{"account_id": accountID}
	if opts.Feature != "" {
		filter["feature"] = opts.Feature
	}
	ts := bson.M{}
	if !opts.Start.IsZero() {
		ts["$gte"] = opts.Start
	}
	if !opts.End.IsZero() {
		ts["$lt"] = opts.End
	}
	if len(ts) > 0 {
		filter["timestamp"] = ts
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "timestamp", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credit/mongo: query usage: %w", err)
	}

	result := make([]*usage.Event, len(models))
	for i := range models {
		evt, err := fromUsageEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = evt
	}
	return result, nil
}

func (s *Store) SummarizeUsage(ctx context.Context, accountID string, since time.Time) ([]usage.Summary, error) {
	pipeline := bson.A{
		bson.M{"$match": bson.M{
			"account_id": accountID,
			"timestamp":  bson.M{"$gte": since},
		}},
		bson.M{"$group": bson.M{
			"_id":     "$feature",
			"count":   bson.M{"$sum": 1},
			"credits": bson.M{"$sum": "$cost"},
		}},
		bson.M{"$sort": bson.D{{Key: "credits", Value: -1}, {Key: "_id", Value: 1}}},
	}

	cursor, err := s.mdb.Collection(colUsageEvents).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("credit/mongo: summarize usage: %w", err)
	}
	defer cursor.Close(ctx) //nolint:errcheck // best-effort cleanup

	var rows []struct {
		Feature string `bson:"_id"`
		Count   int64  `bson:"count"`
		Credits int64  `bson:"credits"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("credit/mongo: decode usage summary: %w", err)
	}

	out := make([]usage.Summary, len(rows))
	for i, r := range rows {
		out[i] = usage.Summary{Feature: tier.Feature(r.Feature), Count: r.Count, Credits: types.Credits(r.Credits)}
	}
	return out, nil
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.mdb.NewDelete((*usageEventModel)(nil)).
		Filter(bson.M{"timestamp": bson.M{"$lt": before}}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("credit/mongo: purge usage: %w", err)
	}
	return res.DeletedCount(), nil
}

// ==================== Code Store ====================

func (s *Store) CreateCode(ctx context.Context, c *code.Code) error {
	c.Code = code.Normalize(c.Code)
	m := toCodeModel(c)
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return credit.ErrAlreadyExists
		}
		return fmt.Errorf("credit/mongo: create code: %w", err)
	}
	return nil
}

func (s *Store) GetCode(ctx context.Context, raw string) (*code.Code, error) {
	var m codeModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"code": code.Normalize(raw)}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credit.ErrCodeNotFound
		}
		return nil, fmt.Errorf("credit/mongo: get code: %w", err)
	}
	return fromCodeModel(&m)
}

func (s *Store) getCodeByID(ctx context.Context, codeID id.CodeID) (*code.Code, error) {
	var m codeModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": codeID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("credit/mongo: get code: %w", err)
	}
	return fromCodeModel(&m)
}

func (s *Store) ListCodes(ctx context.Context, opts code.ListOpts) ([]*code.Code, error) {
	var models []codeModel

	filter := bson.M{}
	if opts.Batch != "" {
		filter["batch"] = opts.Batch
	}
	if opts.Tier != 0 {
		filter["tier"] = int(opts.Tier)
	}
	if opts.ActiveOnly {
		filter["is_active"] = true
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "code", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credit/mongo: list codes: %w", err)
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
// redemption in one transaction. Any step that matches nothing aborts
// it and the rejection is classified by re-reading.
func (s *Store) RedeemCode(ctx context.Context, r code.Redeem) (*code.Redemption, *account.Entitlement, error) {
	type outcome struct {
		rdm *redemptionModel
		ent *entitlementModel
	}

	out, err := s.withTransaction(ctx, func(ctx context.Context) (any, error) {
		var claimed codeModel
		err := s.mdb.Collection(colCodes).FindOneAndUpdate(ctx,
			bson.M{
				"_id":       r.CodeID.String(),
				"is_active": true,
				"$expr":     bson.M{"$lt": bson.A{"$current_redemptions", "$max_redemptions"}},
				"$or": bson.A{
					bson.M{"expires_at": bson.M{"$exists": false}},
					bson.M{"expires_at": nil},
					bson.M{"expires_at": bson.M{"$gt": r.Now}},
				},
			},
			bson.A{bson.M{"$set": bson.M{
				"current_redemptions": bson.M{"$add": bson.A{"$current_redemptions", 1}},
				"is_active":           bson.M{"$lt": bson.A{bson.M{"$add": bson.A{"$current_redemptions", 1}}, "$max_redemptions"}},
				"updated_at":          r.Now,
			}}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&claimed)
		if err != nil {
			if isNoDocuments(err) {
				return nil, errRejected
			}
			return nil, err
		}

		var before entitlementModel
		err = s.mdb.Collection(colEntitlements).FindOneAndUpdate(ctx,
			bson.M{"_id": r.AccountID, "status": string(account.StatusActive)},
			grantUpdate(r.Credits, r.Credits, tier.Tier(claimed.Tier), 1),
			options.FindOneAndUpdate().SetReturnDocument(options.Before),
		).Decode(&before)
		if err != nil {
			if isNoDocuments(err) {
				return nil, errRejected
			}
			return nil, err
		}

		rdm := &redemptionModel{
			ID:           r.ID.String(),
			CodeID:       claimed.ID,
			Code:         claimed.Code,
			AccountID:    r.AccountID,
			Tier:         claimed.Tier,
			PreviousTier: before.Tier,
			CreditsAdded: r.Credits.Units(),
			RedeemedAt:   r.Now,
		}
		if _, err := s.mdb.Collection(colRedemptions).InsertOne(ctx, rdm); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, errRejected
			}
			return nil, err
		}

		var after entitlementModel
		if err := s.mdb.Collection(colEntitlements).FindOne(ctx, bson.M{"_id": r.AccountID}).Decode(&after); err != nil {
			return nil, err
		}
		return &outcome{rdm: rdm, ent: &after}, nil
	})
	if err != nil {
		if errors.Is(err, errRejected) {
			return nil, nil, s.redeemRejection(ctx, r)
		}
		return nil, nil, fmt.Errorf("credit/mongo: redeem code: %w", err)
	}

	o, ok := out.(*outcome)
	if !ok {
		return nil, nil, fmt.Errorf("credit/mongo: redeem code: unexpected result %T", out)
	}
	rdm, err := fromRedemptionModel(o.rdm)
	if err != nil {
		return nil, nil, err
	}
	return rdm, fromEntitlementModel(o.ent), nil
}

func (s *Store) redeemRejection(ctx context.Context, r code.Redeem) error {
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
	return credit.ErrCodeExhausted
}

func (s *Store) HasRedeemed(ctx context.Context, accountID string, codeID id.CodeID) (bool, error) {
	n, err := s.mdb.Collection(colRedemptions).CountDocuments(ctx, bson.M{
		"code_id":    codeID.String(),
		"account_id": accountID,
	})
	if err != nil {
		return false, fmt.Errorf("credit/mongo: has redeemed: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListRedemptions(ctx context.Context, accountID string) ([]*code.Redemption, error) {
	var models []redemptionModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"account_id": accountID}).
		Sort(bson.D{{Key: "redeemed_at", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("credit/mongo: list redemptions: %w", err)
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
	res, err := s.mdb.Collection(colCodes).UpdateMany(ctx,
		bson.M{
			"is_active":  true,
			"expires_at": bson.M{"$ne": nil, "$lte": at},
		},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": at}},
	)
	if err != nil {
		return 0, fmt.Errorf("credit/mongo: expire codes: %w", err)
	}
	return res.ModifiedCount, nil
}

// ==================== Helpers ====================

// withTransaction runs fn in a session transaction on the store's client.
func (s *Store) withTransaction(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	client := s.mdb.Collection(colEntitlements).Database().Client()
	sess, err := client.StartSession()
	if err != nil {
		return nil, err
	}
	defer sess.EndSession(ctx)

	return sess.WithTransaction(ctx, fn)
}

func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all credit collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEntitlements: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "reset_at", Value: 1}}},
		},
		colCharges: {
			{
				Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colUsageEvents: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		},
		colCodes: {
			{
				Keys:    bson.D{{Key: "code", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "batch", Value: 1}}},
			{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "expires_at", Value: 1}}},
		},
		colRedemptions: {
			{
				Keys:    bson.D{{Key: "code_id", Value: 1}, {Key: "account_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "redeemed_at", Value: 1}}},
		},
	}
}
