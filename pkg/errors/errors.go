// Package apperrors defines the sentinel and typed errors shared across the
// engine, matching the taxonomy in spec.md §7.
package apperrors

import "errors"

// Standardized Venue errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Engine-level errors from spec.md §7's taxonomy that aren't Venue-specific.
var (
	ErrConfigInvalid        = errors.New("config invalid")
	ErrStateStoreUnavailable = errors.New("state store unavailable")
	ErrReconcileMismatch    = errors.New("reconciliation mismatch")
	ErrDuplicateSuppressed  = errors.New("duplicate action suppressed")
	ErrCircuitTripped       = errors.New("circuit breaker tripped")
	ErrKillFlagSet          = errors.New("kill flag set, refusing to start")
)
