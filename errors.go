// Core error types for quotaguard. Expected "not yet" outcomes are
// boolean returns on CheckRateLimit, never errors; the types here cover
// genuine failure categories only.
package quotaguard

import (
	"errors"
	"strings"
)

// Error is a typed quotaguard failure. Two Errors compare equal under
// errors.Is when their codes match, so sentinel values below work with
// wrapped errors.
type Error struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is implements errors.Is for comparing error codes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

var (
	// ErrInvalidConfig indicates the limiter configuration failed
	// validation. Fatal at construction, never at first use.
	ErrInvalidConfig = &Error{Code: "invalid_config", Message: "invalid rate limit configuration"}

	// ErrUnknownOperation indicates an operation type with no configured
	// limits.
	ErrUnknownOperation = &Error{Code: "unknown_operation", Message: "no limits configured for operation"}

	// ErrUnsatisfiable indicates a request size larger than a window's
	// total limit; waiting would never succeed.
	ErrUnsatisfiable = &Error{Code: "unsatisfiable", Message: "request size exceeds configured window limit"}

	// ErrWaitTimeout indicates WaitForRateLimit exceeded its maximum wait
	// bound. Callers should treat it as "try again later".
	ErrWaitTimeout = &Error{Code: "wait_timeout", Message: "timed out waiting for rate limit capacity"}

	// ErrRetriesExhausted indicates the retry combinator gave up after
	// its bounded attempts. The provider's last error is wrapped
	// alongside it.
	ErrRetriesExhausted = &Error{Code: "retries_exhausted", Message: "retries exhausted"}
)

// QuotaExceededError reports that the provider itself rejected a call
// for quota reasons. The audit layer constructs one when it recognizes
// a provider quota rejection; the retry combinator treats it as
// retryable.
type QuotaExceededError struct {
	Message string
}

func (e *QuotaExceededError) Error() string {
	return e.Message
}

// quotaErrorMarkers are provider message fragments recognized as quota
// rejections when the error is not already a *QuotaExceededError. The
// core imports no provider SDK, so message matching is the fallback.
var quotaErrorMarkers = []string{
	"RESOURCE_EXHAUSTED",
	"RateExceededError",
	"rate limit",
	"quota exceeded",
}

// IsQuotaExceeded reports whether err is a provider-reported quota
// rejection. It is the default RetryableFunc of RetryConfig.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return true
	}
	msg := err.Error()
	for _, marker := range quotaErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
