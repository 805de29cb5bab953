package strand

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies backend and engine failures for the propagation
// policy: transport errors are retryable by the caller, rejections and
// provider outages fail the turn, auth failures surface to the operator.
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport_failure"
	KindRejected    ErrorKind = "request_rejected"
	KindUnavailable ErrorKind = "provider_unavailable"
	KindAuth        ErrorKind = "auth_failed"
	KindTimeout     ErrorKind = "timeout"
	KindCancelled   ErrorKind = "cancelled"
)

// ErrBackend is a classified backend failure with the provider's message
// preserved.
type ErrBackend struct {
	Backend string
	Kind    ErrorKind
	Message string
}

func (e *ErrBackend) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Backend, e.Kind, e.Message)
}

// ErrHTTP carries a non-2xx provider response body for classification and
// retry middleware. RetryAfter is parsed from the Retry-After header when
// the provider sent one (429/503).
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrBudgetExceeded is returned by the context planner when the latest user
// message alone does not fit the input budget.
type ErrBudgetExceeded struct {
	Needed int
	Budget int
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("context budget exceeded: latest user message needs %d tokens, budget is %d", e.Needed, e.Budget)
}

// Classify maps an error from a backend call to its ErrorKind.
// HTTP statuses: 401/403 auth, other 4xx rejected, 5xx unavailable.
// Everything else on the wire is a transport failure.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var be *ErrBackend
	if errors.As(err, &be) {
		return be.Kind
	}
	var he *ErrHTTP
	if errors.As(err, &he) {
		switch {
		case he.Status == 401 || he.Status == 403:
			return KindAuth
		case he.Status >= 400 && he.Status < 500:
			return KindRejected
		default:
			return KindUnavailable
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindTransport
}

// IsTransient reports whether err is worth retrying: rate limits and
// temporary provider unavailability.
func IsTransient(err error) bool {
	var he *ErrHTTP
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status == 503
	}
	return false
}

// RetryAfterOf extracts the provider-requested retry delay, or 0.
func RetryAfterOf(err error) time.Duration {
	var he *ErrHTTP
	if errors.As(err, &he) {
		return he.RetryAfter
	}
	return 0
}

// ParseRetryAfter parses a Retry-After header value (delta-seconds form).
// Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
