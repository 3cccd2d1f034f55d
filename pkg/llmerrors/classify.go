package llmerrors

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// IsTimeout reports whether an error should be treated as a timeout
// failure for circuit accounting. A failure is timeout-eligible when
// its status code is 408 or when the error itself is timeout-shaped,
// independent of whether a status code is present.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if StatusOf(err) == http.StatusRequestTimeout {
		return true
	}
	if Is(err, ErrorTypeTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// Message/code heuristics for SDK errors that lose their type.
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"timeout", "timed out", "deadline exceeded", "etimedout", "esockettimedout",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// FailureReason labels why a failure counted toward a circuit.
type FailureReason string

const (
	ReasonTimeout   FailureReason = "timeout"
	Reason5xx       FailureReason = "5xx"
	ReasonRateLimit FailureReason = "rate-limit"
)

// ClassifyFailure reports whether a failed call counts toward circuit
// thresholds, and under which reason. Eligible failures are timeouts,
// 5xx responses, and 429 rate limits; auth and bad-request failures do
// not open circuits.
func ClassifyFailure(err error) (FailureReason, bool) {
	if err == nil {
		return "", false
	}
	if IsTimeout(err) {
		return ReasonTimeout, true
	}
	var rl *RateLimitedUpstreamError
	if errors.As(err, &rl) || Is(err, ErrorTypeRateLimit) {
		return ReasonRateLimit, true
	}
	if status := StatusOf(err); status == http.StatusTooManyRequests {
		return ReasonRateLimit, true
	} else if status >= 500 && status < 600 {
		return Reason5xx, true
	}
	if Is(err, ErrorTypeTransient) {
		return Reason5xx, true
	}
	return "", false
}

// RetryAfterFromHeaders parses a retry-after header (seconds, possibly
// fractional) from upstream response headers.
func RetryAfterFromHeaders(h http.Header) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// RetryAfterFromError extracts an explicit retry-after from an error
// chain: a typed RateLimitedUpstreamError, a classified Error with a
// RetryAfter or captured headers, or any error exposing response
// headers.
func RetryAfterFromError(err error) (time.Duration, bool) {
	var rl *RateLimitedUpstreamError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	var e *Error
	if errors.As(err, &e) {
		if e.RetryAfter > 0 {
			return e.RetryAfter, true
		}
		if d, ok := RetryAfterFromHeaders(e.Headers); ok {
			return d, true
		}
	}
	var hc HeaderCarrier
	if errors.As(err, &hc) {
		if d, ok := RetryAfterFromHeaders(hc.ResponseHeaders()); ok {
			return d, true
		}
	}
	return 0, false
}
