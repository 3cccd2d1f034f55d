// Package metrics provides Prometheus-based metrics recording for
// traffic-controller admission decisions.
package metrics

import "time"

// Outcome labels how a request left the controller.
const (
	OutcomeDispatched   = "dispatched"
	OutcomeSucceeded    = "succeeded"
	OutcomeFailed       = "failed"
	OutcomeQueueTimeout = "queue_timeout"
	OutcomeCircuitOpen  = "circuit_open"
	OutcomeCanceled     = "canceled"
	OutcomeFallback     = "fallback"
)

// Recorder receives admission and settlement observations. All methods
// must be safe for concurrent use.
type Recorder interface {
	// ObserveAdmission records a request leaving the queue, with the
	// time it spent waiting.
	ObserveAdmission(priority, tenant, outcome string, queueWait time.Duration)

	// ObserveExecute records a settled execute callback.
	ObserveExecute(rateLimitKey string, duration time.Duration, success bool)

	// IncCircuitTransition records a breaker state transition.
	IncCircuitTransition(circuitKey, from, to string)

	// IncThrottle records a rate-limit or throttle event.
	IncThrottle(rateLimitKey, reason string)

	// SetQueueDepth records the current pending-queue length.
	SetQueueDepth(depth int)

	// SetInFlight records the current in-flight executor count.
	SetInFlight(count int)
}

// NopRecorder discards all observations, for tests and callers that do
// not scrape metrics.
type NopRecorder struct{}

func (NopRecorder) ObserveAdmission(string, string, string, time.Duration) {}
func (NopRecorder) ObserveExecute(string, time.Duration, bool)             {}
func (NopRecorder) IncCircuitTransition(string, string, string)            {}
func (NopRecorder) IncThrottle(string, string)                             {}
func (NopRecorder) SetQueueDepth(int)                                      {}
func (NopRecorder) SetInFlight(int)                                        {}
