package llmerrors

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(NewErrorWithStatus(ErrorTypeUnknown, http.StatusRequestTimeout, "slow")))
	assert.True(t, IsTimeout(NewError(ErrorTypeTimeout, "deadline")))
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(fmt.Errorf("socket ETIMEDOUT while reading")))
	assert.True(t, IsTimeout(fmt.Errorf("request timed out")))

	assert.False(t, IsTimeout(nil))
	assert.False(t, IsTimeout(fmt.Errorf("connection refused")))
	assert.False(t, IsTimeout(NewErrorWithStatus(ErrorTypeAuth, http.StatusUnauthorized, "bad key")))
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		reason   FailureReason
		eligible bool
	}{
		{"timeout without status", fmt.Errorf("request timed out"), ReasonTimeout, true},
		{"408", NewErrorWithStatus(ErrorTypeUnknown, 408, "slow"), ReasonTimeout, true},
		{"500", NewErrorWithStatus(ErrorTypeTransient, 500, "boom"), Reason5xx, true},
		{"503", NewErrorWithStatus(ErrorTypeTransient, 503, "overloaded"), Reason5xx, true},
		{"429", NewErrorWithStatus(ErrorTypeRateLimit, 429, "slow down"), ReasonRateLimit, true},
		{"typed rate limit", &RateLimitedUpstreamError{RateLimitKey: "k", RetryAfter: time.Second}, ReasonRateLimit, true},
		{"auth", NewErrorWithStatus(ErrorTypeAuth, 401, "bad key"), "", false},
		{"bad prompt", NewErrorWithStatus(ErrorTypeBadPrompt, 400, "too long"), "", false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, eligible := ClassifyFailure(tt.err)
			assert.Equal(t, tt.eligible, eligible)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestRetryAfterFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "1.5")
	d, ok := RetryAfterFromHeaders(h)
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)

	h.Set("Retry-After", "30")
	d, ok = RetryAfterFromHeaders(h)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	h.Set("Retry-After", "soon")
	_, ok = RetryAfterFromHeaders(h)
	assert.False(t, ok)

	_, ok = RetryAfterFromHeaders(nil)
	assert.False(t, ok)
}

func TestRetryAfterFromError(t *testing.T) {
	d, ok := RetryAfterFromError(&RateLimitedUpstreamError{RetryAfter: 2 * time.Second})
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	h := http.Header{}
	h.Set("Retry-After", "0.25")
	e := NewErrorWithStatus(ErrorTypeRateLimit, 429, "slow down")
	e.Headers = h
	d, ok = RetryAfterFromError(e)
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)

	_, ok = RetryAfterFromError(fmt.Errorf("plain failure"))
	assert.False(t, ok)
}

func TestAdmissionErrorMessages(t *testing.T) {
	qt := &QueueWaitTimeoutError{
		Waited:       120 * time.Millisecond,
		MaxQueueWait: 100 * time.Millisecond,
		RateLimitKey: "openai::gpt-4o::chat",
	}
	assert.Contains(t, qt.Error(), "queue wait timed out")
	assert.Contains(t, qt.Error(), "openai::gpt-4o::chat")

	co := &CircuitBreakerOpenError{CircuitKey: "k", RetryAfter: 5 * time.Second}
	assert.Contains(t, co.Error(), "circuit breaker open")
}
