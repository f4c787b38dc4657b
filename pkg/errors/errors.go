// Package apperrors defines the standardized error taxonomy shared by the
// request policy, the venue implementations, and the execution engine.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Request policy failures
var (
	ErrRequestTimeout    = errors.New("request timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// Execution failures
var (
	ErrSlippageExceeded   = errors.New("slippage exceeded")
	ErrHedgeDriftExceeded = errors.New("hedge drift exceeded")
	ErrRiskRejected       = errors.New("risk check rejected execution")
)

// VenueErrorCode classifies venue failures per the venue contract
type VenueErrorCode string

const (
	CodeAuthenticationFailed VenueErrorCode = "AUTHENTICATION_FAILED"
	CodeRateLimited          VenueErrorCode = "RATE_LIMITED"
	CodeInsufficientBalance  VenueErrorCode = "INSUFFICIENT_BALANCE"
	CodeOrderNotFound        VenueErrorCode = "ORDER_NOT_FOUND"
	CodeInvalidOrder         VenueErrorCode = "INVALID_ORDER"
	CodeNetworkError         VenueErrorCode = "NETWORK_ERROR"
	CodeUnknown              VenueErrorCode = "UNKNOWN"
)

// VenueError is a typed failure from a venue implementation. RetryAfter is
// the venue's backoff hint when Code is RATE_LIMITED, zero otherwise.
type VenueError struct {
	Code       VenueErrorCode
	Message    string
	RetryAfter time.Duration
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %s: %s", e.Code, e.Message)
}

// IsRetryable reports whether the failure is transient and worth retrying.
func (e *VenueError) IsRetryable() bool {
	switch e.Code {
	case CodeNetworkError, CodeRateLimited, CodeUnknown:
		return true
	}
	return false
}

// MaxRetriesError reports that the retry budget was exhausted
type MaxRetriesError struct {
	Attempts int
	LastErr  error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *MaxRetriesError) Unwrap() error { return e.LastErr }

// InvalidTransitionError reports a state machine event that is not allowed
// from the current state.
type InvalidTransitionError struct {
	Entity string
	State  string
	Event  string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s transition: event %s in state %s: %s", e.Entity, e.Event, e.State, e.Reason)
	}
	return fmt.Sprintf("invalid %s transition: event %s not allowed in state %s", e.Entity, e.Event, e.State)
}

// IsRetryable reports whether err is a transient failure. Unknown error types
// are treated as non-retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRequestTimeout) {
		return true
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.IsRetryable()
	}
	return false
}

// RetryAfterHint extracts the venue's Retry-After hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ve *VenueError
	if errors.As(err, &ve) && ve.RetryAfter > 0 {
		return ve.RetryAfter, true
	}
	return 0, false
}

// IsRateLimited reports whether err is a venue rate-limit rejection.
func IsRateLimited(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve) && ve.Code == CodeRateLimited
}
