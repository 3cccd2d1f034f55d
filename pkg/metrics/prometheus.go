package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	admissionsTotal    *prometheus.CounterVec
	queueWaitTime      *prometheus.HistogramVec
	executeDuration    *prometheus.HistogramVec
	executesTotal      *prometheus.CounterVec
	circuitTransitions *prometheus.CounterVec
	throttleTotal      *prometheus.CounterVec
	queueDepth         prometheus.Gauge
	inFlight           prometheus.Gauge
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder,
// registering its collectors with the given registerer. A nil registerer
// uses the default registry.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		admissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_admissions_total",
				Help: "Total number of requests leaving the queue by priority, tenant, and outcome",
			},
			[]string{"priority", "tenant", "outcome"},
		),
		queueWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_queue_wait_duration_seconds",
				Help:    "Time requests spent queued before admission or expiry",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"priority", "outcome"},
		),
		executeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_execute_duration_seconds",
				Help:    "Duration of execute callbacks in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"rate_limit_key"},
		),
		executesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_executes_total",
				Help: "Total number of settled execute callbacks by status",
			},
			[]string{"rate_limit_key", "status"},
		),
		circuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_circuit_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"circuit_key", "from", "to"},
		),
		throttleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_throttle_total",
				Help: "Total number of rate-limit and throttle events",
			},
			[]string{"rate_limit_key", "reason"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_queue_depth",
				Help: "Current number of queued requests",
			},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_in_flight",
				Help: "Current number of in-flight execute callbacks",
			},
		),
	}
}

// ObserveAdmission records a request leaving the queue.
func (p *PrometheusRecorder) ObserveAdmission(priority, tenant, outcome string, queueWait time.Duration) {
	p.admissionsTotal.WithLabelValues(priority, tenant, outcome).Inc()
	p.queueWaitTime.WithLabelValues(priority, outcome).Observe(queueWait.Seconds())
}

// ObserveExecute records a settled execute callback.
func (p *PrometheusRecorder) ObserveExecute(rateLimitKey string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	p.executesTotal.WithLabelValues(rateLimitKey, status).Inc()
	p.executeDuration.WithLabelValues(rateLimitKey).Observe(duration.Seconds())
}

// IncCircuitTransition records a breaker state transition.
func (p *PrometheusRecorder) IncCircuitTransition(circuitKey, from, to string) {
	p.circuitTransitions.WithLabelValues(circuitKey, from, to).Inc()
}

// IncThrottle increments the throttle counter for rate limiting events.
func (p *PrometheusRecorder) IncThrottle(rateLimitKey, reason string) {
	p.throttleTotal.WithLabelValues(rateLimitKey, reason).Inc()
}

// SetQueueDepth records the current pending-queue length.
func (p *PrometheusRecorder) SetQueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

// SetInFlight records the current in-flight executor count.
func (p *PrometheusRecorder) SetInFlight(count int) {
	p.inFlight.Set(float64(count))
}
