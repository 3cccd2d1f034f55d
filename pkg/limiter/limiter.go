// Package limiter provides per-key token-bucket rate limiting for LLM
// API calls, with ingestion of live retry-after signals from upstream
// responses. Buckets are keyed by provider::model::taskType; the
// external throttle set by retry-after composes with bucket capacity,
// the stricter gate winning.
package limiter

import (
	"net/http"
	"sync"
	"time"

	"gatekeeper/pkg/llmerrors"
	"gatekeeper/pkg/logx"
	"gatekeeper/pkg/proto"
)

// Limit configures the rate-limit dimensions for one key.
type Limit struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute" yaml:"tokens_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// Decision is the outcome of an admission check against a bucket.
type Decision struct {
	Allow bool
	// RetryAfter is the earliest instant the bucket could admit the
	// request, when denied.
	RetryAfter time.Duration
	// Key is the bucket key the decision applies to.
	Key string
}

type bucket struct {
	limit Limit
	// unlimited buckets exist only to hold an external throttle for a
	// key without configured limits.
	unlimited bool
	// gatePermits is false for limits that name only tokens_per_minute;
	// those buckets admit on the token budget alone instead of sitting
	// on an empty permit bucket that never refills.
	gatePermits           bool
	permits               float64 // request permits
	permitCapacity        float64
	permitRefillPerMs     float64
	tokenBudget           float64 // TPM budget, used only when TokensPerMinute > 0
	tokenCapacity         float64
	tokenRefillPerMs      float64
	lastRefillAt          time.Time
	externalThrottleUntil time.Time
}

// Limiter manages token buckets across all configured keys.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	buckets map[string]*bucket
	logger  *logx.Logger
	now     func() time.Time
}

// New creates a limiter from configured limits. Keys may be configured
// at provider, provider::model, or provider::model::taskType
// granularity; the most specific match wins.
func New(limits map[string]Limit, logger *logx.Logger) *Limiter {
	if logger == nil {
		logger = logx.Nop()
	}
	cp := make(map[string]Limit, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	return &Limiter{
		limits:  cp,
		buckets: make(map[string]*bucket),
		logger:  logger,
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (l *Limiter) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// resolveLimit finds the most specific configured limit for md.
func (l *Limiter) resolveLimit(md proto.Metadata) (Limit, bool) {
	for _, key := range md.LookupKeys() {
		if lim, ok := l.limits[key]; ok {
			return lim, true
		}
	}
	return Limit{}, false
}

func (l *Limiter) getBucket(md proto.Metadata) *bucket {
	key := md.RateKey()
	b, ok := l.buckets[key]
	if ok {
		return b
	}
	lim, configured := l.resolveLimit(md)
	if !configured {
		return nil
	}
	b = newBucket(lim, l.now())
	l.buckets[key] = b
	return b
}

func newBucket(lim Limit, now time.Time) *bucket {
	permitCap := float64(lim.BurstSize)
	if permitCap <= 0 {
		permitCap = float64(lim.RequestsPerMinute)
	}
	b := &bucket{
		limit:             lim,
		gatePermits:       permitCap > 0,
		permits:           permitCap, // start with a full bucket
		permitCapacity:    permitCap,
		permitRefillPerMs: float64(lim.RequestsPerMinute) / float64(time.Minute/time.Millisecond),
		lastRefillAt:      now,
	}
	if lim.TokensPerMinute > 0 {
		b.tokenCapacity = float64(lim.TokensPerMinute)
		b.tokenBudget = b.tokenCapacity
		b.tokenRefillPerMs = b.tokenCapacity / float64(time.Minute/time.Millisecond)
	}
	return b
}

func (b *bucket) refill(now time.Time) {
	elapsedMs := float64(now.Sub(b.lastRefillAt)) / float64(time.Millisecond)
	if elapsedMs <= 0 {
		return
	}
	b.permits += elapsedMs * b.permitRefillPerMs
	if b.permits > b.permitCapacity {
		b.permits = b.permitCapacity
	}
	if b.limit.TokensPerMinute > 0 {
		b.tokenBudget += elapsedMs * b.tokenRefillPerMs
		if b.tokenBudget > b.tokenCapacity {
			b.tokenBudget = b.tokenCapacity
		}
	}
	b.lastRefillAt = now
}

// Admit checks whether one request for md, estimated at estTokens
// upstream tokens, may dispatch now. It consumes a request permit (and
// token budget) atomically with the capacity check. Keys without a
// configured limit are always admitted.
func (l *Limiter) Admit(md proto.Metadata, estTokens int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := md.RateKey()
	b := l.getBucket(md)
	if b == nil {
		return Decision{Allow: true, Key: key}
	}

	now := l.now()
	b.refill(now)

	var retryAfter time.Duration

	if throttle := b.externalThrottleUntil.Sub(now); throttle > 0 {
		retryAfter = throttle
	}
	if b.unlimited {
		if retryAfter > 0 {
			return Decision{Key: key, RetryAfter: retryAfter}
		}
		return Decision{Allow: true, Key: key}
	}
	if b.gatePermits && b.permits < 1 {
		if wait := durationUntil(1-b.permits, b.permitRefillPerMs); wait > retryAfter {
			retryAfter = wait
		}
	}
	if b.limit.TokensPerMinute > 0 && estTokens > 0 && b.tokenBudget < float64(estTokens) {
		if wait := durationUntil(float64(estTokens)-b.tokenBudget, b.tokenRefillPerMs); wait > retryAfter {
			retryAfter = wait
		}
	}
	if retryAfter > 0 {
		return Decision{Key: key, RetryAfter: retryAfter}
	}

	if b.gatePermits {
		b.permits--
	}
	if b.limit.TokensPerMinute > 0 && estTokens > 0 {
		b.tokenBudget -= float64(estTokens)
	}
	return Decision{Allow: true, Key: key}
}

// SetRetryAfter ingests an explicit retry-after for a key's bucket.
// The external throttle only ever extends; a shorter signal never
// shortens an existing one.
func (l *Limiter) SetRetryAfter(md proto.Metadata, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := md.RateKey()
	b := l.buckets[key]
	if b == nil {
		// Retry-after on an unconfigured key still throttles it.
		b = newBucket(Limit{}, l.now())
		b.unlimited = true
		l.buckets[key] = b
	}
	until := l.now().Add(retryAfter)
	if until.After(b.externalThrottleUntil) {
		b.externalThrottleUntil = until
		l.logger.Info("Ingested retry-after signal",
			"rate_limit_key", key, "retry_after_ms", retryAfter)
	}
}

// UpdateFromHeaders parses a retry-after header from an upstream
// response (successful or failed) and throttles subsequent requests for
// md's key. Returns the ingested duration, zero when the headers carry
// no usable signal.
func (l *Limiter) UpdateFromHeaders(md proto.Metadata, headers http.Header) time.Duration {
	d, ok := llmerrors.RetryAfterFromHeaders(headers)
	if !ok {
		return 0
	}
	l.SetRetryAfter(md, d)
	return d
}

// ReconcileUsage adjusts the TPM budget after settlement, once actual
// token usage is known. Overruns push the budget down (possibly below
// zero, throttling subsequent requests); underruns credit back up to
// capacity.
func (l *Limiter) ReconcileUsage(md proto.Metadata, estimated, actual int) {
	if actual <= 0 || actual == estimated {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[md.RateKey()]
	if b == nil || b.limit.TokensPerMinute <= 0 {
		return
	}
	b.tokenBudget -= float64(actual - estimated)
	if b.tokenBudget > b.tokenCapacity {
		b.tokenBudget = b.tokenCapacity
	}
}

// Status reports the current permit and token levels for a key, for
// stats and tests.
func (l *Limiter) Status(md proto.Metadata) (permits, tokenBudget float64, throttledFor time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[md.RateKey()]
	if b == nil {
		return 0, 0, 0
	}
	b.refill(l.now())
	throttle := b.externalThrottleUntil.Sub(l.now())
	if throttle < 0 {
		throttle = 0
	}
	return b.permits, b.tokenBudget, throttle
}

// Reset clears all bucket state, for test isolation.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.buckets = make(map[string]*bucket)
	l.mu.Unlock()
}

func durationUntil(deficit, refillPerMs float64) time.Duration {
	if refillPerMs <= 0 {
		// Nothing refills this bucket; the external throttle (if any)
		// is the only recoverable gate.
		return time.Duration(1<<62 - 1)
	}
	ms := deficit / refillPerMs
	return time.Duration(ms * float64(time.Millisecond))
}
