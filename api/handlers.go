package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/credit"
	"github.com/xraph/credit/account"
	"github.com/xraph/credit/code"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
	"github.com/xraph/credit/usage"
)

const (
	defaultUsageDays = 30
	maxBodyBytes     = 1 << 20
)

// Handler serves the ledger routes.
type Handler struct {
	ledger *credit.Ledger
	logger *slog.Logger
}

// NewHandler creates a Handler over l.
func NewHandler(l *credit.Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: l, logger: logger}
}

// accountView is the JSON shape of an entitlement.
type accountView struct {
	AccountID        string         `json:"account_id"`
	Tier             tier.Tier      `json:"tier"`
	TierName         string         `json:"tier_name"`
	Balance          types.Credits  `json:"balance"`
	Rollover         types.Credits  `json:"rollover"`
	Total            types.Credits  `json:"total"`
	MonthlyAllotment types.Credits  `json:"monthly_allotment"`
	ResetAt          time.Time      `json:"reset_at"`
	StackedUnits     int            `json:"stacked_units"`
	Status           account.Status `json:"status"`
}

func viewOf(e *account.Entitlement) accountView {
	return accountView{
		AccountID:        e.AccountID,
		Tier:             e.Tier,
		TierName:         e.Tier.String(),
		Balance:          e.Balance,
		Rollover:         e.Rollover,
		Total:            e.Total(),
		MonthlyAllotment: e.MonthlyAllotment,
		ResetAt:          e.ResetAt,
		StackedUnits:     e.StackedUnits,
		Status:           e.Status,
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.ledger.Store().Ping(ctx); err != nil {
		h.logger.Warn("health check failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "unavailable", "storage unreachable")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ──────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	e, err := h.ledger.Entitlement(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, viewOf(e))
}

func (h *Handler) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	e, err := h.ledger.OpenAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, viewOf(e))
}

type chargeRequest struct {
	Feature  tier.Feature      `json:"feature"`
	Quantity int64             `json:"quantity"`
	Metadata map[string]string `json:"metadata"`
}

func (h *Handler) handleCharge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Quantity < 0 || req.Quantity > credit.MaxQuantity {
		respondError(w, http.StatusBadRequest, "invalid_input",
			fmt.Sprintf("quantity must be between 1 and %d", credit.MaxQuantity))
		return
	}

	opts := []credit.ChargeOption{credit.WithMetadata(req.Metadata)}
	if req.Quantity > 0 {
		opts = append(opts, credit.WithQuantity(req.Quantity))
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		opts = append(opts, credit.WithIdempotencyKey(key))
	}

	res, err := h.ledger.Charge(r.Context(), chi.URLParam(r, "accountID"), req.Feature, opts...)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req credit.PurchaseGrant
	if !decodeBody(w, r, &req) {
		return
	}
	req.AccountID = chi.URLParam(r, "accountID")

	e, err := h.ledger.GrantFromPurchase(r.Context(), req)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, viewOf(e))
}

type redeemRequest struct {
	Code string `json:"code"`
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.ledger.RedeemCode(r.Context(), chi.URLParam(r, "accountID"), req.Code)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListRedemptions(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.Redemptions(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	if list == nil {
		list = []*code.Redemption{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"redemptions": list})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	days := defaultUsageDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_input", "days must be an integer")
			return
		}
		days = n
	}

	summary, err := h.ledger.UsageSummary(r.Context(), chi.URLParam(r, "accountID"), days)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	if summary == nil {
		summary = []usage.Summary{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"days": days, "features": summary})
}

// ──────────────────────────────────────────────────
// Sweeps
// ──────────────────────────────────────────────────

func (h *Handler) handleRefreshSweep(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ledger.RunRefreshSweep(r.Context(), h.ledger.Now())
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleExpireCodes(w http.ResponseWriter, r *http.Request) {
	n, err := h.ledger.ExpireCodes(r.Context(), h.ledger.Now())
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int64{"expired": n})
}

func (h *Handler) handlePurgeUsage(w http.ResponseWriter, r *http.Request) {
	n, err := h.ledger.PurgeUsage(r.Context(), h.ledger.Now())
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

func (h *Handler) handleLowCredits(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ledger.WarnLowBalances(r.Context(), h.ledger.Now())
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	if summary.Warned == nil {
		summary.Warned = []string{}
	}
	respondWithJSON(w, http.StatusOK, summary)
}

// ──────────────────────────────────────────────────
// Encoding
// ──────────────────────────────────────────────────

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "invalid_input", "request body too large")
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid_input", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response) //nolint:errcheck // client gone
}
