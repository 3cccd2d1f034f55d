package llmerrors

import (
	"fmt"
	"time"
)

// QueueWaitTimeoutError is returned when a request's queue wait budget
// (max queue wait or absolute deadline) elapsed before the request was
// dispatched. The request's execute callback was never invoked.
type QueueWaitTimeoutError struct {
	Waited       time.Duration // How long the request sat in the queue
	MaxQueueWait time.Duration // Configured wait budget, 0 if none
	Deadline     time.Time     // Absolute deadline, zero if none
	RateLimitKey string        // Bucket key the request would have used
}

func (e *QueueWaitTimeoutError) Error() string {
	return fmt.Sprintf("queue wait timed out after %s (budget %s, key %s)",
		e.Waited, e.MaxQueueWait, e.RateLimitKey)
}

// CircuitBreakerOpenError is returned when a request is rejected
// because its circuit is open (or held half-open) and the fallback
// policy is reject.
type CircuitBreakerOpenError struct {
	CircuitKey string
	RetryAfter time.Duration // Earliest instant a probe could be admitted
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s (retry after %s)", e.CircuitKey, e.RetryAfter)
}

// RateLimitedUpstreamError signals that the upstream rejected a call
// with an explicit retry-after. It may be returned by an execute
// callback, in which case the controller ingests RetryAfter into the
// key's bucket, or surfaced to a caller whose request could not be
// admitted.
type RateLimitedUpstreamError struct {
	RateLimitKey string
	RetryAfter   time.Duration
}

func (e *RateLimitedUpstreamError) Error() string {
	return fmt.Sprintf("upstream rate limited on %s (retry after %s)", e.RateLimitKey, e.RetryAfter)
}
