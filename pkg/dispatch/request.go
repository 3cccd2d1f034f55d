package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gatekeeper/pkg/fallback"
	"gatekeeper/pkg/proto"
)

// Request is one unit of admission-controlled work. The controller
// never inspects provider payloads; Execute is opaque and Prompt (or
// EstimatedTokens) only feeds token-budget estimation.
type Request struct {
	// Tenant identifies the caller for per-tenant concurrency and
	// fairness. Empty means the anonymous tenant.
	Tenant string
	// Priority selects the traffic class (P0 most urgent).
	Priority proto.Priority
	// Metadata names the upstream target; it derives the circuit and
	// rate-limit keys.
	Metadata proto.Metadata
	// Execute performs the upstream call once the request is admitted.
	// It may run concurrently with other admitted requests.
	Execute func(ctx context.Context) (any, error)
	// CreateFallbackRequest builds a replacement request for a model
	// fallback target. Nil means model fallbacks are skipped for this
	// request; short-response targets never need it.
	CreateFallbackRequest func(target fallback.Target) *Request
	// MaxQueueWait bounds time spent queued before dispatch. 0 means
	// no bound beyond Deadline.
	MaxQueueWait time.Duration
	// Deadline is an absolute admission deadline. Zero means none.
	Deadline time.Time
	// PolicyID selects the fallback policy for circuit-open handling.
	// Empty uses the configured default.
	PolicyID string
	// EstimatedTokens charges the key's token-per-minute budget ahead
	// of dispatch. 0 lets the controller estimate from Prompt.
	EstimatedTokens int
	// Prompt is the text the token estimator counts when
	// EstimatedTokens is unset. Optional.
	Prompt string
}

// Validate rejects requests the controller cannot admit.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("request must not be nil")
	}
	if r.Execute == nil {
		return fmt.Errorf("request requires an execute callback")
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("invalid request priority %q", r.Priority)
	}
	if err := r.Metadata.Validate(); err != nil {
		return fmt.Errorf("invalid request metadata: %w", err)
	}
	return nil
}

// outcome is delivered exactly once per pending request.
type outcome struct {
	value any
	err   error
}

// pending is the controller's internal view of one queued request. It
// is owned by the drain loop from enqueue until settlement.
type pending struct {
	id  string
	req *Request
	ctx context.Context

	enqueuedAt time.Time
	deadlineAt time.Time
	// chainMD keys the fallback chain. Replacements carry the original
	// request's metadata here so later chain entries stay reachable
	// after a model fallback fails.
	chainMD proto.Metadata
	// queueTimeoutDisabled suppresses MaxQueueWait for queue-timeout
	// fallback replacements; deadlineAt still applies.
	queueTimeoutDisabled bool
	// fallbackIdx is the next chain entry to consult on failure.
	fallbackIdx int
	estTokens   int

	result chan outcome
}

func newPending(ctx context.Context, req *Request, estTokens int, now time.Time) *pending {
	return &pending{
		id:         uuid.New().String(),
		req:        req,
		ctx:        ctx,
		enqueuedAt: now,
		deadlineAt: req.Deadline,
		chainMD:    req.Metadata,
		estTokens:  estTokens,
		result:     make(chan outcome, 1),
	}
}

// settle delivers the outcome. The buffered channel makes this safe
// even when the caller already gave up.
func (p *pending) settle(value any, err error) {
	select {
	case p.result <- outcome{value: value, err: err}:
	default:
	}
}

// expiry returns the earliest instant the request times out in queue,
// zero when it never does.
func (p *pending) expiry() time.Time {
	var at time.Time
	if !p.queueTimeoutDisabled && p.req.MaxQueueWait > 0 {
		at = p.enqueuedAt.Add(p.req.MaxQueueWait)
	}
	if !p.deadlineAt.IsZero() && (at.IsZero() || p.deadlineAt.Before(at)) {
		at = p.deadlineAt
	}
	return at
}

// expired reports whether the queue wait budget has elapsed at now.
func (p *pending) expired(now time.Time) bool {
	at := p.expiry()
	return !at.IsZero() && !now.Before(at)
}

// settlement carries an execute outcome back to the drain loop.
type settlement struct {
	p          *pending
	value      any
	err        error
	trial      bool
	dispatched time.Time
	settled    time.Time
}
