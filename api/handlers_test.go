package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credit"
	"github.com/xraph/credit/account"
	"github.com/xraph/credit/store/memory"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const cronSecret = "s3cret"

type testServer struct {
	*httptest.Server
	ledger *credit.Ledger
	store  *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := memory.New()
	l := credit.New(s, credit.WithLogger(logger), credit.WithClock(func() time.Time { return epoch }))

	srv := httptest.NewServer(NewRouter(NewHandler(l, logger), Options{CronSecret: cronSecret}))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, ledger: l, store: s}
}

func (ts *testServer) do(t *testing.T, method, path, body string, header map[string]string) *http.Response {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOpenAndGetAccount(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPut, "/accounts/acct_1", "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/accounts/acct_1", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/accounts/acct_1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	view := decode[accountView](t, resp)
	assert.Equal(t, "acct_1", view.AccountID)
	assert.Equal(t, tier.Free, view.Tier)
	assert.Equal(t, types.Whole(100), view.Balance)
	assert.Equal(t, types.Whole(100), view.Total)

	resp = ts.do(t, http.MethodGet, "/accounts/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type chargeResponse struct {
	Remaining types.Credits `json:"remaining"`
	Cost      types.Credits `json:"cost"`
	Replayed  bool          `json:"replayed"`
}

func TestChargeAndReplay(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.ledger.OpenAccount(context.Background(), "acct")
	require.NoError(t, err)

	key := map[string]string{"Idempotency-Key": "req-1"}
	body := `{"feature":"content_repurposing"}`

	resp := ts.do(t, http.MethodPost, "/accounts/acct/charges", body, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[chargeResponse](t, resp)
	assert.Equal(t, types.Whole(99), first.Remaining)
	assert.False(t, first.Replayed)

	resp = ts.do(t, http.MethodPost, "/accounts/acct/charges", body, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[chargeResponse](t, resp)
	assert.Equal(t, types.Whole(99), second.Remaining)
	assert.True(t, second.Replayed)
}

func TestChargeErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.store.CreateEntitlement(ctx, &account.Entitlement{
		AccountID:        "poor",
		Tier:             tier.Tier2,
		Balance:          types.Whole(1),
		MonthlyAllotment: types.Whole(300),
		ResetAt:          epoch.AddDate(0, 1, 0),
		StackedUnits:     1,
		Status:           account.StatusActive,
	}))

	t.Run("insufficient", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/accounts/poor/charges", `{"feature":"viral_hooks"}`, nil)
		require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

		body := decode[errorBody](t, resp)
		assert.Equal(t, "insufficient_credits", body.Error)
		require.NotNil(t, body.Remaining)
		assert.Equal(t, types.Whole(1), *body.Remaining)
		assert.Equal(t, types.Whole(2), *body.Required)
	})

	t.Run("tier restricted", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/accounts/poor/charges", `{"feature":"ai_chat"}`, nil)
		require.Equal(t, http.StatusForbidden, resp.StatusCode)

		body := decode[errorBody](t, resp)
		assert.Equal(t, tier.Tier3, body.RequiredTier)
		assert.Equal(t, tier.Tier2, body.CurrentTier)
	})

	t.Run("unknown feature", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/accounts/poor/charges", `{"feature":"teleport"}`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/accounts/poor/charges", `{"feature":`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("quantity beyond cap", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/accounts/poor/charges", `{"feature":"viral_hooks","quantity":4611686018427387904}`, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_input", decode[errorBody](t, resp).Error)
	})

	t.Run("negative quantity", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/accounts/poor/charges", `{"feature":"viral_hooks","quantity":-5}`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	assert.Equal(t, types.Whole(1), func() types.Credits {
		e, err := ts.store.GetEntitlement(ctx, "poor")
		require.NoError(t, err)
		return e.Balance
	}())
}

func TestChargeKeyReuseConflicts(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.ledger.OpenAccount(context.Background(), "acct")
	require.NoError(t, err)

	key := map[string]string{"Idempotency-Key": "req-1"}

	resp := ts.do(t, http.MethodPost, "/accounts/acct/charges", `{"feature":"content_repurposing"}`, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/accounts/acct/charges", `{"feature":"content_repurposing","quantity":3}`, key)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "idempotency_conflict", decode[errorBody](t, resp).Error)

	e, err := ts.store.GetEntitlement(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, types.Whole(99), e.Balance)
}

func TestGrant(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.ledger.OpenAccount(context.Background(), "acct")
	require.NoError(t, err)

	resp := ts.do(t, http.MethodPost, "/accounts/acct/grants", `{"tier":2,"reference":"order_1"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	view := decode[accountView](t, resp)
	assert.Equal(t, tier.Tier2, view.Tier)
	assert.Equal(t, types.Whole(400), view.Balance)
}

func TestRedeem(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, err := ts.ledger.OpenAccount(ctx, "acct")
	require.NoError(t, err)

	codes, err := ts.ledger.CreateCodes(ctx, credit.CodeBatch{Tier: tier.Tier3, Count: 1})
	require.NoError(t, err)
	payload := fmt.Sprintf(`{"code":%q}`, strings.ToLower(codes[0].Code))

	resp := ts.do(t, http.MethodPost, "/accounts/acct/redemptions", payload, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[struct {
		Tier       tier.Tier     `json:"tier"`
		NewBalance types.Credits `json:"new_balance"`
	}](t, resp)
	assert.Equal(t, tier.Tier3, res.Tier)
	assert.Equal(t, types.Whole(850), res.NewBalance)

	resp = ts.do(t, http.MethodPost, "/accounts/acct/redemptions", payload, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, "code_invalid", body.Error)
	assert.Contains(t, []string{"already_redeemed", "exhausted"}, body.Reason)

	resp = ts.do(t, http.MethodPost, "/accounts/acct/redemptions", `{"code":"NOPE"}`, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[errorBody](t, resp).Reason)
}

func TestUsageDaysValidation(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.ledger.OpenAccount(context.Background(), "acct")
	require.NoError(t, err)

	resp := ts.do(t, http.MethodGet, "/accounts/acct/usage?days=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/accounts/acct/usage?days=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/accounts/acct/usage?days=7", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCronRequiresBearer(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/cron/credit-refresh", "/cron/expire-codes", "/cron/check-low-credits", "/cron/purge-usage"} {
		t.Run(path, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			resp = ts.do(t, http.MethodPost, path, "", map[string]string{"Authorization": "Bearer wrong"})
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			resp = ts.do(t, http.MethodPost, path, "", map[string]string{"Authorization": "Bearer " + cronSecret})
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"insufficient", &credit.InsufficientCreditsError{}, http.StatusPaymentRequired},
		{"restricted", &credit.TierRestrictedError{}, http.StatusForbidden},
		{"limit", &credit.LimitReachedError{}, http.StatusForbidden},
		{"code not found", &credit.CodeInvalidError{Reason: credit.ErrCodeNotFound}, http.StatusNotFound},
		{"code expired", &credit.CodeInvalidError{Reason: credit.ErrCodeExpired}, http.StatusBadRequest},
		{"validation", credit.ValidationError{Field: "f"}, http.StatusBadRequest},
		{"unknown feature", fmt.Errorf("%w: x", credit.ErrUnknownFeature), http.StatusBadRequest},
		{"storage", fmt.Errorf("%w: timeout", credit.ErrStorageUnavailable), http.StatusServiceUnavailable},
		{"deadline", fmt.Errorf("%w: %w", credit.ErrStorageUnavailable, context.DeadlineExceeded), http.StatusServiceUnavailable},
		{"key reuse", fmt.Errorf("%w: req-1", credit.ErrIdempotencyConflict), http.StatusConflict},
		{"invariant", &credit.InvariantViolationError{}, http.StatusConflict},
		{"frozen", credit.ErrAccountFrozen, http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := statusOf(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}
