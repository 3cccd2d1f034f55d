// Package circuit provides per-key circuit breaking for upstream LLM
// calls. One breaker exists per circuit key (provider::model::taskType)
// and moves between closed, open, and half-open. Transitions out of
// open are evaluation-driven: there is no background timer, the breaker
// re-examines its clocks whenever a request for its key is considered.
package circuit

import (
	"sort"
	"sync"
	"time"

	"gatekeeper/pkg/llmerrors"
	"gatekeeper/pkg/logx"
)

// Status represents the current state of a circuit breaker.
type Status int8

const (
	Closed Status = iota
	Open
	HalfOpen
)

func (s Status) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines circuit breaker behavior.
type Config struct {
	// FailureThreshold is the number of eligible failures before opening.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown is how long an open circuit waits before a full half-open
	// transition on the cooldown clock.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
	// ProbeInterval is the eager probe clock: a probe transitions the
	// circuit to half-open even while cooldown is still running.
	ProbeInterval time.Duration `json:"probe_interval" yaml:"probe_interval"`
}

// DefaultConfig provides reasonable defaults for circuit breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	Cooldown:         30 * time.Second,
	ProbeInterval:    5 * time.Second,
}

// Decision is the outcome of evaluating a breaker for one candidate
// request.
type Decision struct {
	Status Status
	// Allow reports whether the candidate may dispatch now.
	Allow bool
	// Trial marks the candidate as the single half-open trial. The
	// caller must settle it via RecordSuccess/RecordFailure with
	// trial=true.
	Trial bool
	// HeldForTrial reports that another request currently holds the
	// half-open trial; the candidate must wait for its settlement.
	HeldForTrial bool
	// RetryAfter is the earliest instant a blocked candidate could be
	// admitted, zero when blocked on a trial settlement instead of a
	// clock.
	RetryAfter time.Duration
}

// TransitionHook observes state transitions, for metrics.
type TransitionHook func(key string, from, to Status, reason string)

type state struct {
	status        Status
	failureCount  int
	reasonCounts  map[llmerrors.FailureReason]int
	openedAt      time.Time
	lastProbeAt   time.Time
	trialInFlight bool
	openReasons   map[string]struct{}
}

// Registry holds one breaker state per circuit key.
type Registry struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*state
	logger *logx.Logger
	hook   TransitionHook
	now    func() time.Time
}

// NewRegistry creates a breaker registry with the given configuration.
func NewRegistry(cfg Config, logger *logx.Logger) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig.Cooldown
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultConfig.ProbeInterval
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &Registry{
		cfg:    cfg,
		states: make(map[string]*state),
		logger: logger,
		now:    time.Now,
	}
}

// SetTransitionHook registers a callback for state transitions.
func (r *Registry) SetTransitionHook(hook TransitionHook) {
	r.mu.Lock()
	r.hook = hook
	r.mu.Unlock()
}

// SetNowFunc overrides the clock, for tests.
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *Registry) get(key string) *state {
	st, ok := r.states[key]
	if !ok {
		st = &state{
			status:       Closed,
			reasonCounts: make(map[llmerrors.FailureReason]int),
			openReasons:  make(map[string]struct{}),
		}
		r.states[key] = st
	}
	return st
}

// Evaluate examines the breaker for key and decides whether one
// candidate request may dispatch. Evaluation is what drives the
// open -> half-open transition; the first candidate admitted into a
// half-open circuit becomes its trial.
func (r *Registry) Evaluate(key string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.get(key)
	now := r.now()

	switch st.status {
	case Closed:
		return Decision{Status: Closed, Allow: true}

	case Open:
		cooldownRemaining := st.openedAt.Add(r.cfg.Cooldown).Sub(now)
		probeBase := st.openedAt
		if !st.lastProbeAt.IsZero() {
			probeBase = st.lastProbeAt
		}
		probeRemaining := probeBase.Add(r.cfg.ProbeInterval).Sub(now)

		if probeRemaining > 0 && cooldownRemaining > 0 {
			retryAfter := cooldownRemaining
			if probeRemaining < retryAfter {
				retryAfter = probeRemaining
			}
			return Decision{Status: Open, RetryAfter: retryAfter}
		}

		// Probing is strictly more eager than full cooldown.
		reason := "cooldown"
		if cooldownRemaining > 0 {
			reason = "probe"
		}
		r.transition(key, st, HalfOpen, reason)
		r.logger.Info("Circuit transitioned to half-open",
			"circuit_key", key, "reason", reason)
		return r.admitTrial(key, st, now)

	case HalfOpen:
		if st.trialInFlight {
			return Decision{Status: HalfOpen, HeldForTrial: true}
		}
		return r.admitTrial(key, st, now)

	default:
		return Decision{Status: st.status}
	}
}

// admitTrial marks the candidate as the half-open trial. Caller holds r.mu.
func (r *Registry) admitTrial(key string, st *state, now time.Time) Decision {
	st.trialInFlight = true
	st.lastProbeAt = now
	r.logger.Info("Marked half-open trial in flight", "circuit_key", key)
	return Decision{Status: HalfOpen, Allow: true, Trial: true}
}

// ReleaseTrial clears the half-open trial mark without settling it.
// Used when a trial-admitted candidate is blocked by a later gate and
// never dispatches; the next candidate for the key becomes the trial.
func (r *Registry) ReleaseTrial(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[key]; ok {
		st.trialInFlight = false
	}
}

// RecordSuccess feeds a successful settlement back into the breaker.
func (r *Registry) RecordSuccess(key string, trial bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.get(key)
	if trial {
		st.trialInFlight = false
	}
	switch st.status {
	case HalfOpen:
		if trial {
			st.failureCount = 0
			st.reasonCounts = make(map[llmerrors.FailureReason]int)
			st.openReasons = make(map[string]struct{})
			r.transition(key, st, Closed, "trial-success")
			r.logger.Info("Circuit closed after successful trial", "circuit_key", key)
		}
	case Closed:
		st.failureCount = 0
		st.reasonCounts = make(map[llmerrors.FailureReason]int)
	}
}

// RecordFailure feeds an eligible failed settlement back into the
// breaker.
func (r *Registry) RecordFailure(key string, trial bool, reason llmerrors.FailureReason) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.get(key)
	now := r.now()

	if trial {
		st.trialInFlight = false
		if st.status == HalfOpen {
			st.openedAt = now
			st.lastProbeAt = time.Time{}
			r.transition(key, st, Open, "trial-failure")
			r.logger.Warn("Circuit reopened after failed trial",
				"circuit_key", key, "reason", string(reason))
			return
		}
	}

	st.failureCount++
	st.reasonCounts[reason]++

	if st.status == Closed && st.failureCount >= r.cfg.FailureThreshold {
		for rs, n := range st.reasonCounts {
			if n >= r.cfg.FailureThreshold {
				st.openReasons[string(rs)+"-threshold"] = struct{}{}
			}
		}
		if len(st.openReasons) == 0 {
			st.openReasons["failure-threshold"] = struct{}{}
		}
		st.openedAt = now
		st.lastProbeAt = time.Time{}
		r.transition(key, st, Open, "failure-threshold")
		r.logger.Warn("Circuit opened",
			"circuit_key", key,
			"open_reasons", sortedReasons(st.openReasons),
			"failure_count", st.failureCount)
	}
}

func (r *Registry) transition(key string, st *state, to Status, reason string) {
	from := st.status
	if from == to {
		return
	}
	st.status = to
	if r.hook != nil {
		r.hook(key, from, to, reason)
	}
}

// Status returns the current status for a key.
func (r *Registry) Status(key string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[key]; ok {
		return st.status
	}
	return Closed
}

// OpenReasons returns the accumulated open-reason tags for a key.
func (r *Registry) OpenReasons(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[key]; ok {
		return sortedReasons(st.openReasons)
	}
	return nil
}

// Snapshot reports the status of every known circuit key, for stats.
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.states))
	for key, st := range r.states {
		out[key] = st.status.String()
	}
	return out
}

// Reset clears all breaker state, for test isolation.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.states = make(map[string]*state)
	r.mu.Unlock()
}

func sortedReasons(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for rs := range set {
		out = append(out, rs)
	}
	sort.Strings(out)
	return out
}
