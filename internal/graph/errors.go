package graph

import (
	"fmt"
	"time"
)

// AuthError indicates the token grant was rejected by the authority. The
// provider's error code and description are preserved verbatim.
type AuthError struct {
	Code        string
	Description string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token acquisition failed: %s - %s", e.Code, e.Description)
}

// RateLimitError indicates the API throttled a request. RetryAfter is the
// server-specified delay, or the configured default when the header was
// absent. The client retries these internally; callers only see one when
// the request context ends mid-wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %v", e.RetryAfter)
}

// TransientHTTPError indicates a 5xx or transport-level failure that
// survived the retry budget. StatusCode is zero for transport failures.
type TransientHTTPError struct {
	StatusCode int
	Body       string
	Cause      error
}

func (e *TransientHTTPError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("request failed after retries: %v", e.Cause)
	}
	return fmt.Sprintf("HTTP %d after retries: %s", e.StatusCode, e.Body)
}

func (e *TransientHTTPError) Unwrap() error { return e.Cause }

// PermanentHTTPError indicates a non-retryable 4xx response.
type PermanentHTTPError struct {
	StatusCode int
	Body       string
}

func (e *PermanentHTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}
