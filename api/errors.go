package api

import (
	"errors"
	"net/http"

	"github.com/xraph/credit"
	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`

	Remaining *types.Credits `json:"remaining,omitempty"`
	Required  *types.Credits `json:"required,omitempty"`

	Feature      tier.Feature `json:"feature,omitempty"`
	CurrentTier  tier.Tier    `json:"current_tier,omitempty"`
	RequiredTier tier.Tier    `json:"required_tier,omitempty"`

	Reason string `json:"reason,omitempty"`
}

func respondError(w http.ResponseWriter, status int, kind, msg string) {
	respondWithJSON(w, status, errorBody{Error: kind, Message: msg})
}

// statusOf maps a ledger error to its HTTP status and error kind.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, credit.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, credit.ErrTierRestricted):
		return http.StatusForbidden, "tier_restricted"
	case errors.Is(err, credit.ErrLimitReached):
		return http.StatusForbidden, "limit_reached"
	case errors.Is(err, credit.ErrCodeInvalid):
		if errors.Is(err, credit.ErrCodeNotFound) {
			return http.StatusNotFound, "code_invalid"
		}
		return http.StatusBadRequest, "code_invalid"
	case errors.Is(err, credit.ErrUnknownFeature):
		return http.StatusBadRequest, "unknown_feature"
	case errors.Is(err, credit.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, credit.ErrAccountNotFound), errors.Is(err, credit.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, credit.ErrAccountExists), errors.Is(err, credit.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, credit.ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, credit.ErrInvariantViolation):
		return http.StatusConflict, "invariant_violation"
	case errors.Is(err, credit.ErrAccountFrozen):
		return http.StatusConflict, "account_frozen"
	case credit.IsRetryable(err):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) respondLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusOf(err)
	body := errorBody{Error: kind, Message: err.Error()}

	var insufficient *credit.InsufficientCreditsError
	var restricted *credit.TierRestrictedError
	var invalid *credit.CodeInvalidError
	switch {
	case errors.As(err, &insufficient):
		body.Remaining = &insufficient.Remaining
		body.Required = &insufficient.Required
	case errors.As(err, &restricted):
		body.Feature = restricted.Feature
		body.CurrentTier = restricted.Current
		body.RequiredTier = restricted.Required
	case errors.As(err, &invalid):
		body.Reason = reasonName(invalid.Reason)
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		body.Message = http.StatusText(status)
	}

	respondWithJSON(w, status, body)
}

func reasonName(reason error) string {
	switch {
	case errors.Is(reason, credit.ErrCodeNotFound):
		return "not_found"
	case errors.Is(reason, credit.ErrCodeExhausted):
		return "exhausted"
	case errors.Is(reason, credit.ErrCodeExpired):
		return "expired"
	case errors.Is(reason, credit.ErrCodeInactive):
		return "inactive"
	case errors.Is(reason, credit.ErrCodeAlreadyRedeemed):
		return "already_redeemed"
	default:
		return ""
	}
}
