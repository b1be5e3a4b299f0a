// Package memory is an in-process store. Every mutation runs under one
// mutex, which makes each method atomic with respect to all others.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/credit"
	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/id"
	"github.com/xraph/credit/store"
	"github.com/xraph/credit/store/internal/storeutil"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/usage"
)

var _ store.Store = (*Store)(nil)

type chargeKey struct {
	accountID string
	key       string
}

type redemptionKey struct {
	codeID    string
	accountID string
}

type Store struct {
	mu sync.RWMutex

	// Entitlement storage
	entitlements map[string]*account.Entitlement
	charges      map[chargeKey]*account.Charge

	// Usage events storage
	usageEvents []*usage.Event

	// Code storage, keyed by normalized code
	codes       map[string]*code.Code
	redemptions []*code.Redemption
	redeemed    map[redemptionKey]struct{}
}

func New() *Store {
	return &Store{
		entitlements: make(map[string]*account.Entitlement),
		charges:      make(map[chargeKey]*account.Charge),
		usageEvents:  make([]*usage.Event, 0),
		codes:        make(map[string]*code.Code),
		redeemed:     make(map[redemptionKey]struct{}),
	}
}

func cloneEntitlement(e *account.Entitlement) *account.Entitlement {
	c := *e
	if e.LastLowBalanceWarningAt != nil {
		t := *e.LastLowBalanceWarningAt
		c.LastLowBalanceWarningAt = &t
	}
	return &c
}

func cloneCode(c *code.Code) *code.Code {
	out := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// ──────────────────────────────────────────────────
// Entitlement Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateEntitlement(_ context.Context, e *account.Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entitlements[e.AccountID]; exists {
		return credit.ErrAccountExists
	}
	s.entitlements[e.AccountID] = cloneEntitlement(e)
	return nil
}

func (s *Store) GetEntitlement(_ context.Context, accountID string) (*account.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entitlements[accountID]
	if !ok {
		return nil, credit.ErrAccountNotFound
	}
	return cloneEntitlement(e), nil
}

func (s *Store) TryDecrement(ctx context.Context, d account.Decrement) (*account.DecrementResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := storeutil.CheckDecrement(d); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entitlements[d.AccountID]
	if !ok {
		return nil, credit.ErrAccountNotFound
	}

	if d.IdempotencyKey != "" {
		if c, ok := s.charges[chargeKey{d.AccountID, d.IdempotencyKey}]; ok {
			return storeutil.Replay(c, d)
		}
	}

	if e.IsFrozen() {
		return nil, credit.ErrAccountFrozen
	}
	if e.Balance < d.Amount {
		return &account.DecrementResult{Balance: e.Balance}, nil
	}

	now := time.Now().UTC()
	e.Balance = e.Balance.Sub(d.Amount)
	e.UpdatedAt = now

	res := &account.DecrementResult{OK: true, Balance: e.Balance}
	if d.IdempotencyKey != "" {
		c := &account.Charge{
			ID:             id.NewChargeID(),
			AccountID:      d.AccountID,
			IdempotencyKey: d.IdempotencyKey,
			Feature:        d.Feature,
			Amount:         d.Amount,
			BalanceAfter:   e.Balance,
			CreatedAt:      now,
		}
		s.charges[chargeKey{d.AccountID, d.IdempotencyKey}] = c
		res.ChargeID = c.ID
	}
	return res, nil
}

func (s *Store) ApplyRefresh(_ context.Context, r account.Refresh) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entitlements[r.AccountID]
	if !ok {
		return false, credit.ErrAccountNotFound
	}

	if e.IsFrozen() ||
		!e.ResetAt.Equal(r.PrevResetAt) ||
		e.ResetAt.After(r.Now) ||
		e.Balance != r.PrevBalance ||
		e.MonthlyAllotment != r.PrevAllotment {
		return false, nil
	}

	e.Balance = r.NewBalance
	e.Rollover = r.NewRollover
	e.ResetAt = r.NewResetAt
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) ApplyGrant(_ context.Context, g account.Grant) (*account.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entitlements[g.AccountID]
	if !ok {
		return nil, credit.ErrAccountNotFound
	}
	if e.IsFrozen() {
		return nil, credit.ErrAccountFrozen
	}

	applyGrant(e, g)
	return cloneEntitlement(e), nil
}

func applyGrant(e *account.Entitlement, g account.Grant) {
	e.Balance = e.Balance.Add(g.DeltaBalance)
	e.MonthlyAllotment = e.MonthlyAllotment.Add(g.DeltaAllotment)
	e.Tier = tier.Max(e.Tier, g.NewTierIfHigher)
	e.StackedUnits += g.DeltaStackedUnits
	e.UpdatedAt = time.Now().UTC()
}

func (s *Store) SetTier(_ context.Context, accountID string, t tier.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entitlements[accountID]
	if !ok {
		return credit.ErrAccountNotFound
	}
	e.Tier = t
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) Freeze(_ context.Context, accountID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entitlements[accountID]
	if !ok {
		return credit.ErrAccountNotFound
	}
	e.Status = account.StatusFrozen
	e.FrozenReason = reason
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) Unfreeze(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entitlements[accountID]
	if !ok {
		return credit.ErrAccountNotFound
	}
	e.Status = account.StatusActive
	e.FrozenReason = ""
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// sortedEntitlements returns records with account IDs after the cursor
// that match keep, in account ID order, at most limit of them.
func (s *Store) sortedEntitlements(after string, limit int, keep func(*account.Entitlement) bool) []*account.Entitlement {
	result := make([]*account.Entitlement, 0)
	for _, e := range s.entitlements {
		if e.AccountID > after && keep(e) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AccountID < result[j].AccountID })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	for i, e := range result {
		result[i] = cloneEntitlement(e)
	}
	return result
}

func (s *Store) ListDueForRefresh(_ context.Context, now time.Time, after string, limit int) ([]*account.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedEntitlements(after, limit, func(e *account.Entitlement) bool {
		return !e.IsFrozen() && e.DueForRefresh(now)
	}), nil
}

func (s *Store) ListLowBalance(_ context.Context, q account.LowBalanceQuery) ([]*account.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedEntitlements(q.After, q.Limit, func(e *account.Entitlement) bool {
		return !e.IsFrozen() && q.IsLow(e) && !q.Throttled(e)
	}), nil
}

func (s *Store) MarkLowBalanceWarned(_ context.Context, accountID string, at time.Time, q account.LowBalanceQuery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entitlements[accountID]
	if !ok {
		return false, credit.ErrAccountNotFound
	}
	if !q.IsLow(e) || q.Throttled(e) {
		return false, nil
	}

	e.LastLowBalanceWarningAt = &at
	return true, nil
}

// ──────────────────────────────────────────────────
// Usage Store implementation
// ──────────────────────────────────────────────────

func (s *Store) AppendUsage(_ context.Context, events []*usage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, evt := range events {
		cp := *evt
		s.usageEvents = append(s.usageEvents, &cp)
	}
	return nil
}

func (s *Store) QueryUsage(_ context.Context, accountID string, opts usage.QueryOpts) ([]*usage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*usage.Event, 0)
	for _, evt := range s.usageEvents {
		if evt.AccountID != accountID {
			continue
		}
		if opts.Feature != "" && string(evt.Feature) != opts.Feature {
			continue
		}
		if !opts.Start.IsZero() && evt.Timestamp.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && !evt.Timestamp.Before(opts.End) {
			continue
		}
		cp := *evt
		result = append(result, &cp)
	}

	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })

	// Apply limit/offset
	start := min(opts.Offset, len(result))
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) SummarizeUsage(_ context.Context, accountID string, since time.Time) ([]usage.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*usage.Event, 0)
	for _, evt := range s.usageEvents {
		if evt.AccountID == accountID && !evt.Timestamp.Before(since) {
			events = append(events, evt)
		}
	}
	return usage.Summarize(events), nil
}

func (s *Store) PurgeUsage(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.usageEvents[:0]
	var purged int64
	for _, evt := range s.usageEvents {
		if evt.Timestamp.Before(before) {
			purged++
			continue
		}
		kept = append(kept, evt)
	}
	s.usageEvents = kept
	return purged, nil
}

// ──────────────────────────────────────────────────
// Code Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateCode(_ context.Context, c *code.Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := code.Normalize(c.Code)
	if _, exists := s.codes[key]; exists {
		return credit.ErrAlreadyExists
	}
	c.Code = key
	s.codes[key] = cloneCode(c)
	return nil
}

func (s *Store) GetCode(_ context.Context, raw string) (*code.Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.codes[code.Normalize(raw)]
	if !ok {
		return nil, credit.ErrCodeNotFound
	}
	return cloneCode(c), nil
}

func (s *Store) ListCodes(_ context.Context, opts code.ListOpts) ([]*code.Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*code.Code, 0)
	for _, c := range s.codes {
		if opts.Batch != "" && c.Batch != opts.Batch {
			continue
		}
		if opts.Tier != 0 && c.Tier != opts.Tier {
			continue
		}
		if opts.ActiveOnly && !c.IsActive {
			continue
		}
		result = append(result, cloneCode(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })

	// Apply limit/offset
	start := min(opts.Offset, len(result))
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) codeByID(codeID id.CodeID) *code.Code {
	for _, c := range s.codes {
		if c.ID.String() == codeID.String() {
			return c
		}
	}
	return nil
}

func (s *Store) RedeemCode(_ context.Context, r code.Redeem) (*code.Redemption, *account.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.codeByID(r.CodeID)
	e := s.entitlements[r.AccountID]
	var redeemed bool
	if c != nil {
		_, redeemed = s.redeemed[redemptionKey{c.ID.String(), r.AccountID}]
	}
	if err := storeutil.RedeemRejection(c, redeemed, e, r.Now); err != nil {
		return nil, nil, err
	}

	prev := e.Tier
	c.CurrentRedemptions++
	c.IsActive = c.CurrentRedemptions < c.MaxRedemptions
	c.UpdatedAt = r.Now

	applyGrant(e, account.Grant{
		AccountID:         r.AccountID,
		DeltaBalance:      r.Credits,
		DeltaAllotment:    r.Credits,
		NewTierIfHigher:   c.Tier,
		DeltaStackedUnits: 1,
	})

	rdm := &code.Redemption{
		ID:           r.ID,
		CodeID:       c.ID,
		Code:         c.Code,
		AccountID:    r.AccountID,
		Tier:         c.Tier,
		PreviousTier: prev,
		CreditsAdded: r.Credits,
		RedeemedAt:   r.Now,
	}
	s.redemptions = append(s.redemptions, rdm)
	s.redeemed[redemptionKey{c.ID.String(), r.AccountID}] = struct{}{}

	out := *rdm
	return &out, cloneEntitlement(e), nil
}

func (s *Store) HasRedeemed(_ context.Context, accountID string, codeID id.CodeID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.redeemed[redemptionKey{codeID.String(), accountID}]
	return ok, nil
}

func (s *Store) ListRedemptions(_ context.Context, accountID string) ([]*code.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*code.Redemption, 0)
	for _, rdm := range s.redemptions {
		if rdm.AccountID == accountID {
			cp := *rdm
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *Store) ExpireCodes(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, c := range s.codes {
		if c.IsActive && c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			c.IsActive = false
			c.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Core methods
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}
