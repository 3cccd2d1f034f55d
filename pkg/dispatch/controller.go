// Package dispatch implements the traffic controller: the admission
// pipeline that mediates every outbound LLM call. Requests queue until
// admitted through four gates evaluated in strict order per candidate:
// queue timeout first, then circuit breaker, then global and per-tenant
// concurrency, then rate limiter. A single drain-loop goroutine owns
// the queue and scheduler state; execute callbacks run concurrently in
// their own goroutines up to the concurrency caps.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"gatekeeper/pkg/circuit"
	"gatekeeper/pkg/config"
	"gatekeeper/pkg/eventlog"
	"gatekeeper/pkg/fallback"
	"gatekeeper/pkg/limiter"
	"gatekeeper/pkg/logx"
	"gatekeeper/pkg/metrics"
	"gatekeeper/pkg/proto"
	"gatekeeper/pkg/sched"
)

// ErrControllerStopped is returned for requests caught by shutdown.
var ErrControllerStopped = fmt.Errorf("traffic controller stopped")

// TokenUsageReporter lets execute results report actual upstream token
// usage, reconciled against the pre-dispatch estimate.
type TokenUsageReporter interface {
	UsedTokens() int
}

// HeaderedResult lets successful execute results expose upstream
// response headers, so a retry-after on a success still throttles
// subsequent requests.
type HeaderedResult interface {
	ResponseHeaders() http.Header
}

// Controller is the traffic controller. Construct with New, run with
// Start, submit with Handle/HandleText/HandleObject.
type Controller struct {
	cfg       *config.Config
	logger    *logx.Logger
	limiter   *limiter.Limiter
	breakers  *circuit.Registry
	resolver  *fallback.Resolver
	scheduler *sched.PriorityScheduler
	wakeup    *sched.WakeupScheduler
	estimator limiter.TokenEstimator
	recorder  metrics.Recorder
	audit     *eventlog.Writer
	strategy  AdaptiveStrategy
	now       func() time.Time

	enqueueCh chan *pending
	settleCh  chan *settlement
	nudgeCh   chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	// qmu guards queue and in-flight counters. The drain loop is the
	// only writer; introspection (Stats, GetPriorityDispatchOrder)
	// reads from other goroutines.
	qmu            sync.Mutex
	queue          []*pending
	inFlight       int
	tenantInFlight map[string]int

	startMu sync.Mutex
	started bool
	stopped bool
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(l *logx.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithEstimator sets the token estimator used when requests carry a
// prompt but no explicit estimate.
func WithEstimator(e limiter.TokenEstimator) Option {
	return func(c *Controller) { c.estimator = e }
}

// WithStrategy sets the adaptive concurrency strategy.
func WithStrategy(s AdaptiveStrategy) Option {
	return func(c *Controller) { c.strategy = s }
}

// WithAuditWriter sets the JSONL admission audit writer.
func WithAuditWriter(w *eventlog.Writer) Option {
	return func(c *Controller) { c.audit = w }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a traffic controller from validated configuration.
func New(cfg *config.Config, opts ...Option) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}

	c := &Controller{
		cfg:            cfg,
		logger:         logx.NewLogger("dispatch"),
		recorder:       metrics.NopRecorder{},
		strategy:       StaticStrategy{},
		now:            time.Now,
		enqueueCh:      make(chan *pending),
		settleCh:       make(chan *settlement),
		nudgeCh:        make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		tenantInFlight: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.limiter = limiter.New(cfg.RateLimits, c.logger.With("subsystem", "limiter"))
	c.breakers = circuit.NewRegistry(cfg.Circuit.ToCircuitConfig(), c.logger.With("subsystem", "circuit"))
	c.resolver = fallback.NewResolver(cfg.FallbackChains)
	c.scheduler = sched.NewPriorityScheduler(cfg.PriorityWeights)
	c.wakeup = sched.NewWakeupScheduler()
	c.limiter.SetNowFunc(c.now)
	c.breakers.SetNowFunc(c.now)
	c.breakers.SetTransitionHook(func(key string, from, to circuit.Status, _ string) {
		c.recorder.IncCircuitTransition(key, from.String(), to.String())
	})
	if cfg.EventLogPath != "" && c.audit == nil {
		audit, err := eventlog.NewWriter(cfg.EventLogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open admission event log: %w", err)
		}
		c.audit = audit
	}
	return c, nil
}

// Start launches the drain loop. Must be called exactly once before
// submitting requests.
func (c *Controller) Start() error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return fmt.Errorf("traffic controller already started")
	}
	c.started = true
	go c.loop()
	return nil
}

// Stop rejects all queued requests, waits for in-flight executes to
// settle, and shuts the drain loop down. Bounded by ctx.
func (c *Controller) Stop(ctx context.Context) error {
	c.startMu.Lock()
	if !c.started || c.stopped {
		c.startMu.Unlock()
		return nil
	}
	c.stopped = true
	c.startMu.Unlock()

	close(c.stopCh)
	select {
	case <-c.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("traffic controller shutdown interrupted: %w", ctx.Err())
	}
	c.wakeup.Stop()
	if c.audit != nil {
		if err := c.audit.Close(); err != nil {
			return fmt.Errorf("failed to close admission event log: %w", err)
		}
	}
	return nil
}

// Handle enqueues req and blocks until it settles or ctx is done. The
// returned value is whatever the execute callback (or a short-response
// fallback) produced.
func (c *Controller) Handle(ctx context.Context, req *Request) (any, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	estTokens := req.EstimatedTokens
	if estTokens <= 0 {
		if req.Prompt != "" && c.estimator != nil {
			estTokens = c.estimator.EstimateTokens(req.Prompt)
		} else {
			estTokens = limiter.DefaultRequestTokens
		}
	}

	p := newPending(ctx, req, estTokens, c.now())
	select {
	case c.enqueueCh <- p:
	case <-c.stopCh:
		return nil, ErrControllerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-p.result:
		return out.value, out.err
	case <-ctx.Done():
		// Nudge the drain loop so the canceled request leaves the queue
		// now rather than on the next unrelated event; the buffered
		// result channel absorbs a late settlement.
		select {
		case c.nudgeCh <- struct{}{}:
		default:
		}
		return nil, ctx.Err()
	}
}

// HandleText is Handle for callers expecting a text completion.
func (c *Controller) HandleText(ctx context.Context, req *Request) (string, error) {
	value, err := c.Handle(ctx, req)
	if err != nil {
		return "", err
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("execute result %T is not textual", value)
	}
}

// HandleObject is Handle for callers expecting a structured result: the
// settled value is decoded into out via JSON.
func (c *Controller) HandleObject(ctx context.Context, req *Request, out any) error {
	value, err := c.Handle(ctx, req)
	if err != nil {
		return err
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		raw, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode execute result: %w", err)
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode execute result: %w", err)
	}
	return nil
}

// UpdateRateLimitFromHeaders ingests a retry-after signal from upstream
// response headers into the key's bucket. Safe from any goroutine.
func (c *Controller) UpdateRateLimitFromHeaders(md proto.Metadata, headers http.Header) {
	if d := c.limiter.UpdateFromHeaders(md, headers); d > 0 {
		c.recorder.IncThrottle(md.RateKey(), "retry-after-header")
	}
}

// GetPriorityDispatchOrder returns the priority classes in the order
// the scheduler currently prefers them for the queued work, without
// side effects.
func (c *Controller) GetPriorityDispatchOrder() []proto.Priority {
	c.qmu.Lock()
	snapshot := make([]sched.Item, 0, len(c.queue))
	for _, p := range c.queue {
		snapshot = append(snapshot, schedItem(p))
	}
	c.qmu.Unlock()
	return c.scheduler.Order(snapshot)
}

// Stats is a point-in-time view of controller state.
type Stats struct {
	QueueDepth     int                    `json:"queue_depth"`
	InFlight       int                    `json:"in_flight"`
	TenantInFlight map[string]int         `json:"tenant_in_flight"`
	Circuits       map[string]string      `json:"circuits"`
	Credits        map[proto.Priority]int `json:"credits"`
}

// GetStats reports current queue, in-flight, circuit, and credit state.
func (c *Controller) GetStats() Stats {
	c.qmu.Lock()
	st := Stats{
		QueueDepth:     len(c.queue),
		InFlight:       c.inFlight,
		TenantInFlight: make(map[string]int, len(c.tenantInFlight)),
	}
	for tenant, n := range c.tenantInFlight {
		st.TenantInFlight[tenant] = n
	}
	c.qmu.Unlock()
	st.Circuits = c.breakers.Snapshot()
	st.Credits = c.scheduler.Credits()
	return st
}

// QueuedRequest is one entry in a queue dump.
type QueuedRequest struct {
	ID         string         `json:"id"`
	Tenant     string         `json:"tenant"`
	Priority   proto.Priority `json:"priority"`
	Model      string         `json:"model"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// DumpQueue lists the queued requests, oldest first. For debugging and
// the status endpoint.
func (c *Controller) DumpQueue() []QueuedRequest {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	out := make([]QueuedRequest, 0, len(c.queue))
	for _, p := range c.queue {
		out = append(out, QueuedRequest{
			ID:         p.id,
			Tenant:     p.req.Tenant,
			Priority:   p.req.Priority,
			Model:      p.req.Metadata.Model,
			EnqueuedAt: p.enqueuedAt,
		})
	}
	return out
}

// Reset clears breaker, bucket, and scheduler state, for test
// isolation. Queued and in-flight requests are unaffected.
func (c *Controller) Reset() {
	c.breakers.Reset()
	c.limiter.Reset()
	c.scheduler.Reset()
}

func schedItem(p *pending) sched.Item {
	return sched.Item{
		ID:         p.id,
		Tenant:     p.req.Tenant,
		Priority:   p.req.Priority,
		EnqueuedAt: p.enqueuedAt,
	}
}
