package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/credit/tier"
	"github.com/xraph/credit/types"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("credit: not found")
	ErrAlreadyExists = errors.New("credit: already exists")
	ErrInvalidInput  = errors.New("credit: invalid input")

	// Account errors
	ErrAccountNotFound = errors.New("credit: account not found")
	ErrAccountExists   = errors.New("credit: account already exists")
	ErrAccountFrozen   = errors.New("credit: account is frozen pending review")

	// Charge errors
	ErrInsufficientCredits = errors.New("credit: insufficient credits")
	ErrTierRestricted      = errors.New("credit: feature not available on tier")
	ErrUnknownFeature      = errors.New("credit: unknown feature")
	ErrLimitReached        = errors.New("credit: tier limit reached")
	ErrUsageBufferFull     = errors.New("credit: usage buffer full")
	ErrIdempotencyConflict = errors.New("credit: idempotency key reused for a different charge")

	// Code errors
	ErrCodeInvalid         = errors.New("credit: code invalid")
	ErrCodeNotFound        = errors.New("credit: code not found")
	ErrCodeExhausted       = errors.New("credit: code redemptions exhausted")
	ErrCodeExpired         = errors.New("credit: code expired")
	ErrCodeInactive        = errors.New("credit: code inactive")
	ErrCodeAlreadyRedeemed = errors.New("credit: code already redeemed by account")

	// Store errors
	ErrStorageUnavailable = errors.New("credit: storage unavailable")
	ErrMigrationFailed    = errors.New("credit: migration failed")

	// Invariant errors
	ErrInvariantViolation = errors.New("credit: invariant violation")
)

// InsufficientCreditsError reports a rejected charge. Remaining is the
// balance the store held when it refused the decrement.
type InsufficientCreditsError struct {
	Remaining types.Credits
	Required  types.Credits
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("credit: insufficient credits: have %s, need %s", e.Remaining, e.Required)
}

func (e *InsufficientCreditsError) Is(target error) bool { return target == ErrInsufficientCredits }

// TierRestrictedError reports a feature the account's tier does not unlock.
type TierRestrictedError struct {
	Feature  tier.Feature
	Current  tier.Tier
	Required tier.Tier
}

func (e *TierRestrictedError) Error() string {
	return fmt.Sprintf("credit: %s requires %s, account is %s", e.Feature, e.Required, e.Current)
}

func (e *TierRestrictedError) Is(target error) bool { return target == ErrTierRestricted }

// LimitReachedError reports a countable entitlement at capacity.
type LimitReachedError struct {
	Kind     tier.LimitKind
	Tier     tier.Tier
	Limit    int
	Existing int
}

func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("credit: %s limit %d reached on %s (have %d)", e.Kind, e.Limit, e.Tier, e.Existing)
}

func (e *LimitReachedError) Is(target error) bool { return target == ErrLimitReached }

// CodeInvalidError reports a rejected redemption. Reason is one of
// ErrCodeNotFound, ErrCodeExhausted, ErrCodeExpired, ErrCodeInactive or
// ErrCodeAlreadyRedeemed.
type CodeInvalidError struct {
	Code   string
	Reason error
}

func (e *CodeInvalidError) Error() string {
	return fmt.Sprintf("%s: %q", e.Reason, e.Code)
}

func (e *CodeInvalidError) Is(target error) bool { return target == ErrCodeInvalid }

func (e *CodeInvalidError) Unwrap() error { return e.Reason }

// InvariantViolationError reports state that only a bypass of the atomic
// store primitives could produce. The account is frozen when one is raised.
type InvariantViolationError struct {
	AccountID string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("credit: invariant violation on account %s: %s", e.AccountID, e.Detail)
}

func (e *InvariantViolationError) Is(target error) bool { return target == ErrInvariantViolation }

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("credit: validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "credit: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("credit: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrCodeNotFound)
}

// IsUserFacing returns true for rejections the end user can act on: they
// are returned as typed values and no mutation happened.
func IsUserFacing(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrTierRestricted) ||
		errors.Is(err, ErrCodeInvalid) ||
		errors.Is(err, ErrLimitReached)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrUsageBufferFull)
}

// unavailable wraps an infrastructure failure as ErrStorageUnavailable.
// Domain sentinels and nil pass through unchanged; timeouts and driver
// errors are wrapped.
func unavailable(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		if errors.Is(err, ErrStorageUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	case IsNotFound(err), IsUserFacing(err),
		errors.Is(err, ErrAccountFrozen), errors.Is(err, ErrAccountExists),
		errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrUnknownFeature), errors.Is(err, ErrIdempotencyConflict),
		errors.Is(err, ErrInvariantViolation), errors.Is(err, ErrStorageUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
}
