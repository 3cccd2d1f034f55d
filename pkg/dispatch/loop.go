package dispatch

import (
	"fmt"
	"time"

	"gatekeeper/pkg/circuit"
	"gatekeeper/pkg/config"
	"gatekeeper/pkg/eventlog"
	"gatekeeper/pkg/fallback"
	"gatekeeper/pkg/llmerrors"
	"gatekeeper/pkg/metrics"
	"gatekeeper/pkg/sched"
)

// loop is the drain loop. It is the only goroutine that mutates the
// queue, scheduler credits, and in-flight counters; execute callbacks
// run in their own goroutines and report back via settleCh.
func (c *Controller) loop() {
	defer close(c.doneCh)

	draining := false
	for {
		if draining {
			if c.currentInFlight() == 0 {
				return
			}
			// Only settlements matter now; the queue is already empty.
			s := <-c.settleCh
			c.onSettle(s, draining)
			continue
		}

		select {
		case p := <-c.enqueueCh:
			c.qmu.Lock()
			c.queue = append(c.queue, p)
			depth := len(c.queue)
			c.qmu.Unlock()
			c.recorder.SetQueueDepth(depth)
			if at := p.expiry(); !at.IsZero() {
				c.wakeup.Schedule(at)
			}
			c.stir()
		case s := <-c.settleCh:
			c.onSettle(s, draining)
			c.stir()
		case <-c.wakeup.C():
			c.stir()
		case <-c.nudgeCh:
			c.stir()
		case <-c.stopCh:
			draining = true
			c.rejectAll()
		}
	}
}

func (c *Controller) currentInFlight() int {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return c.inFlight
}

// rejectAll fails every queued request with ErrControllerStopped.
func (c *Controller) rejectAll() {
	c.qmu.Lock()
	queued := c.queue
	c.queue = nil
	c.qmu.Unlock()
	c.recorder.SetQueueDepth(0)

	now := c.now()
	for _, p := range queued {
		p.settle(nil, ErrControllerStopped)
		c.finishQueued(p, metrics.OutcomeCanceled, "controller stopped", now)
	}
}

// stir re-evaluates all gates for all pending requests. It runs after
// every enqueue, settlement, and wakeup fire, since a single state
// change (token refill, circuit transition, freed capacity) can unblock
// several requests at once.
func (c *Controller) stir() {
	now := c.now()

	// Queue-timeout expiry runs before any other gate for every queued
	// request, so an expired request is never charged a rate-limit
	// token, never counts toward concurrency, and never logs as
	// waiting on a gate it will not use.
	c.expirePass(now)

	blocked := make(map[string]bool)
	for {
		snapshot := c.snapshotExcluding(blocked)
		if len(snapshot) == 0 {
			return
		}
		cand, ok := c.scheduler.Pick(snapshot)
		if !ok {
			return
		}
		p := c.lookup(cand.ID)
		if p == nil {
			blocked[cand.ID] = true
			continue
		}
		md := p.req.Metadata
		circuitKey := md.CircuitKey()

		decision := c.breakers.Evaluate(circuitKey)
		if !decision.Allow {
			mode := c.cfg.PolicyModeFor(p.req.PolicyID)
			if mode == config.PolicyReject {
				c.rejectCircuitOpen(p, decision, now)
				continue
			}
			c.logger.Info("Circuit open; waiting per fallback policy",
				"circuit_key", circuitKey,
				"retry_after_ms", decision.RetryAfter.Milliseconds(),
				"request_id", p.id)
			if decision.RetryAfter > 0 {
				c.wakeup.Schedule(now.Add(decision.RetryAfter))
			}
			// A candidate held for a trial is woken by the trial's
			// settlement instead of a clock.
			blocked[p.id] = true
			continue
		}

		limit := c.strategy.EffectiveLimit(c.cfg.MaxConcurrent)
		if limit < 1 {
			limit = 1
		}
		c.qmu.Lock()
		globalFull := c.inFlight >= limit
		tenantFull := c.cfg.MaxConcurrentPerTenant > 0 &&
			c.tenantInFlight[p.req.Tenant] >= c.cfg.MaxConcurrentPerTenant
		c.qmu.Unlock()
		if globalFull {
			if decision.Trial {
				c.breakers.ReleaseTrial(circuitKey)
			}
			// No candidate can pass the global gate; a settlement will
			// stir again.
			return
		}
		if tenantFull {
			if decision.Trial {
				c.breakers.ReleaseTrial(circuitKey)
			}
			blocked[p.id] = true
			continue
		}

		rd := c.limiter.Admit(md, p.estTokens)
		if !rd.Allow {
			if decision.Trial {
				c.breakers.ReleaseTrial(circuitKey)
			}
			c.logger.Info("Token bucket empty; waiting",
				"rate_limit_key", rd.Key,
				"retry_after_ms", rd.RetryAfter.Milliseconds(),
				"request_id", p.id)
			c.recorder.IncThrottle(rd.Key, "bucket-empty")
			if rd.RetryAfter > 0 {
				c.wakeup.Schedule(now.Add(rd.RetryAfter))
			}
			blocked[p.id] = true
			continue
		}

		c.scheduler.Commit(snapshot, cand)
		c.dispatch(p, decision.Trial, now)
	}
}

// expirePass settles every queued request whose context is canceled or
// whose queue wait budget elapsed, and arms the wakeup timer for the
// earliest remaining expiry.
func (c *Controller) expirePass(now time.Time) {
	c.qmu.Lock()
	queued := make([]*pending, len(c.queue))
	copy(queued, c.queue)
	c.qmu.Unlock()

	for _, p := range queued {
		if p.ctx.Err() != nil {
			c.remove(p.id)
			p.settle(nil, p.ctx.Err())
			c.finishQueued(p, metrics.OutcomeCanceled, "context canceled", now)
			continue
		}
		if !p.expired(now) {
			if at := p.expiry(); !at.IsZero() {
				c.wakeup.Schedule(at)
			}
			continue
		}
		c.remove(p.id)
		if c.tryFallback(p, "queue-timeout", now) {
			continue
		}
		waited := now.Sub(p.enqueuedAt)
		p.settle(nil, &llmerrors.QueueWaitTimeoutError{
			Waited:       waited,
			MaxQueueWait: p.req.MaxQueueWait,
			Deadline:     p.deadlineAt,
			RateLimitKey: p.req.Metadata.RateKey(),
		})
		c.logger.Warn("Queue wait timed out",
			"request_id", p.id,
			"waited_ms", waited.Milliseconds(),
			"rate_limit_key", p.req.Metadata.RateKey())
		c.finishQueued(p, metrics.OutcomeQueueTimeout, "", now)
	}
}

// rejectCircuitOpen fails a circuit-blocked candidate under the reject
// policy, consulting its fallback chain first.
func (c *Controller) rejectCircuitOpen(p *pending, decision circuit.Decision, now time.Time) {
	c.remove(p.id)
	if c.tryFallback(p, "circuit-open", now) {
		return
	}
	circuitKey := p.req.Metadata.CircuitKey()
	p.settle(nil, &llmerrors.CircuitBreakerOpenError{
		CircuitKey: circuitKey,
		RetryAfter: decision.RetryAfter,
	})
	c.finishQueued(p, metrics.OutcomeCircuitOpen, "", now)
}

// dispatch admits p: it leaves the queue, counts against concurrency,
// and its execute callback starts in its own goroutine.
func (c *Controller) dispatch(p *pending, trial bool, now time.Time) {
	c.remove(p.id)
	c.qmu.Lock()
	c.inFlight++
	c.tenantInFlight[p.req.Tenant]++
	inFlight := c.inFlight
	depth := len(c.queue)
	c.qmu.Unlock()
	c.recorder.SetInFlight(inFlight)
	c.recorder.SetQueueDepth(depth)

	queueWait := now.Sub(p.enqueuedAt)
	c.recorder.ObserveAdmission(string(p.req.Priority), p.req.Tenant, metrics.OutcomeDispatched, queueWait)
	c.logger.Debug("Dispatching request",
		"request_id", p.id,
		"tenant", p.req.Tenant,
		"priority", string(p.req.Priority),
		"queue_wait_ms", queueWait.Milliseconds(),
		"trial", trial)
	c.writeAudit(p, metrics.OutcomeDispatched, "", queueWait, 0)

	go c.run(p, trial)
}

// run executes p's callback and reports the settlement. Runs outside
// the drain loop. A panicking callback settles as a failure so one
// request can never take the controller, or its siblings, down.
func (c *Controller) run(p *pending, trial bool) {
	dispatched := c.now()
	value, err := c.execute(p)
	c.settleCh <- &settlement{
		p:          p,
		value:      value,
		err:        err,
		trial:      trial,
		dispatched: dispatched,
		settled:    c.now(),
	}
}

func (c *Controller) execute(p *pending) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Execute callback panicked",
				"request_id", p.id, "panic", fmt.Sprint(r))
			value = nil
			err = fmt.Errorf("execute callback panicked: %v", r)
		}
	}()
	return p.req.Execute(p.ctx)
}

// onSettle feeds one execute outcome back into the breaker, limiter,
// and adaptive strategy, then settles or falls the request over.
func (c *Controller) onSettle(s *settlement, draining bool) {
	c.qmu.Lock()
	c.inFlight--
	c.tenantInFlight[s.p.req.Tenant]--
	if c.tenantInFlight[s.p.req.Tenant] <= 0 {
		delete(c.tenantInFlight, s.p.req.Tenant)
	}
	inFlight := c.inFlight
	c.qmu.Unlock()
	c.recorder.SetInFlight(inFlight)

	md := s.p.req.Metadata
	circuitKey := md.CircuitKey()
	rateKey := md.RateKey()
	latency := s.settled.Sub(s.dispatched)
	c.strategy.ObserveSettlement(latency, s.err)
	c.recorder.ObserveExecute(rateKey, latency, s.err == nil)

	if s.err == nil {
		c.breakers.RecordSuccess(circuitKey, s.trial)
		// A retry-after on a successful response still throttles
		// subsequent requests for the key.
		if hr, ok := s.value.(HeaderedResult); ok {
			c.limiter.UpdateFromHeaders(md, hr.ResponseHeaders())
		}
		if tu, ok := s.value.(TokenUsageReporter); ok {
			c.limiter.ReconcileUsage(md, s.p.estTokens, tu.UsedTokens())
		}
		s.p.settle(s.value, nil)
		c.writeAudit(s.p, metrics.OutcomeSucceeded, "", 0, latency)
		return
	}

	if retryAfter, ok := llmerrors.RetryAfterFromError(s.err); ok {
		c.limiter.SetRetryAfter(md, retryAfter)
		c.recorder.IncThrottle(rateKey, "upstream-retry-after")
	}

	reason, eligible := llmerrors.ClassifyFailure(s.err)
	if eligible {
		c.breakers.RecordFailure(circuitKey, s.trial, reason)
	} else if s.trial {
		c.breakers.ReleaseTrial(circuitKey)
	}

	if eligible && !draining && c.tryFallback(s.p, string(reason), c.now()) {
		return
	}
	s.p.settle(nil, s.err)
	c.writeAudit(s.p, metrics.OutcomeFailed, s.err.Error(), 0, latency)
}

// tryFallback walks p's remaining fallback chain. A short-response
// target settles p immediately with its literal text; a model target
// builds a replacement request that re-enters the queue. Returns false
// when the chain is exhausted or no target is usable, in which case the
// original rejection propagates.
func (c *Controller) tryFallback(p *pending, reason string, now time.Time) bool {
	idx := p.fallbackIdx
	for {
		target, ok := c.resolver.Next(p.chainMD, idx)
		if !ok {
			return false
		}
		idx++

		if target.Kind == fallback.KindShortResponse {
			c.logger.Info("Resolved short-response fallback",
				"request_id", p.id, "reason", reason)
			p.settle(target.Text, nil)
			c.finishQueued(p, metrics.OutcomeFallback, "short-response", now)
			return true
		}

		if p.req.CreateFallbackRequest == nil {
			// No way to build a model fallback; treated as no fallback
			// available rather than an error.
			continue
		}
		replacement := p.req.CreateFallbackRequest(target)
		if replacement == nil {
			continue
		}
		if err := replacement.Validate(); err != nil {
			c.logger.Warn("Skipping invalid fallback request",
				"request_id", p.id, "target", target.String(), "error", err)
			continue
		}

		np := newPending(p.ctx, replacement, p.estTokens, now)
		if replacement.EstimatedTokens > 0 {
			np.estTokens = replacement.EstimatedTokens
		}
		np.result = p.result
		np.chainMD = p.chainMD
		np.fallbackIdx = idx
		np.queueTimeoutDisabled = p.queueTimeoutDisabled
		if np.deadlineAt.IsZero() {
			np.deadlineAt = p.deadlineAt
		}
		if reason == "queue-timeout" {
			// The original wait budget may have been deliberately tiny;
			// it must not immediately re-expire the replacement. The
			// absolute deadline still applies.
			np.queueTimeoutDisabled = true
		}

		c.qmu.Lock()
		c.queue = append(c.queue, np)
		depth := len(c.queue)
		c.qmu.Unlock()
		c.recorder.SetQueueDepth(depth)
		if at := np.expiry(); !at.IsZero() {
			c.wakeup.Schedule(at)
		}
		c.logger.Info("Applying fallback target",
			"request_id", p.id,
			"replacement_id", np.id,
			"target", target.String(),
			"reason", reason)
		return true
	}
}

// remove deletes the pending with the given id from the queue.
func (c *Controller) remove(id string) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	for i, p := range c.queue {
		if p.id == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// lookup finds a queued pending by id.
func (c *Controller) lookup(id string) *pending {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	for _, p := range c.queue {
		if p.id == id {
			return p
		}
	}
	return nil
}

// snapshotExcluding builds the scheduler's view of the queue, minus
// candidates already blocked this pass.
func (c *Controller) snapshotExcluding(blocked map[string]bool) []sched.Item {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	items := make([]sched.Item, 0, len(c.queue))
	for _, p := range c.queue {
		if blocked[p.id] {
			continue
		}
		items = append(items, schedItem(p))
	}
	return items
}

// finishQueued records metrics and the audit event for a request that
// left the queue without dispatching.
func (c *Controller) finishQueued(p *pending, outcome, detail string, now time.Time) {
	queueWait := now.Sub(p.enqueuedAt)
	c.recorder.ObserveAdmission(string(p.req.Priority), p.req.Tenant, outcome, queueWait)
	c.qmu.Lock()
	depth := len(c.queue)
	c.qmu.Unlock()
	c.recorder.SetQueueDepth(depth)
	c.writeAudit(p, outcome, detail, queueWait, 0)
}

func (c *Controller) writeAudit(p *pending, outcome, detail string, queueWait, duration time.Duration) {
	if c.audit == nil {
		return
	}
	ev := &eventlog.Event{
		Timestamp:    c.now(),
		RequestID:    p.id,
		Tenant:       p.req.Tenant,
		Priority:     p.req.Priority,
		RateLimitKey: p.req.Metadata.RateKey(),
		CircuitKey:   p.req.Metadata.CircuitKey(),
		Outcome:      outcome,
		Detail:       detail,
		QueueWaitMs:  queueWait.Milliseconds(),
		DurationMs:   duration.Milliseconds(),
	}
	if err := c.audit.Write(ev); err != nil {
		c.logger.Warn("Failed to write admission event", "error", err)
	}
}
