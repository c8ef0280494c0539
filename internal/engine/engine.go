package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"beaconkit/internal/beacon"
	"beaconkit/internal/layout"
)

// Mode selects how submitted requests are resolved.
type Mode int

const (
	// ModeSync resolves each request fully before Submit returns. Used in
	// constrained background contexts where one request is in flight at a
	// time.
	ModeSync Mode = iota
	// ModeAsync enqueues requests and drains them with a single worker in
	// FIFO order. Used in foreground contexts where sightings arrive in
	// bursts.
	ModeAsync
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Mode             Mode
	MaxRetries       int           // attempts per request, default 3
	RetryBackoffBase time.Duration // first retry wait, doubled per attempt, default 250ms
}

const (
	defaultMaxRetries       = 3
	defaultRetryBackoffBase = 250 * time.Millisecond
)

// ErrEngineClosed is returned by Submit after Deinitialize.
var ErrEngineClosed = errors.New("engine is closed")

// Request is one beacon event submitted for resolution. IDs come from the
// store's durable counter, so they never repeat across process restarts.
type Request struct {
	ID          int64
	Beacon      beacon.Beacon
	Event       beacon.EventType
	SubmittedAt time.Time
}

// Engine orchestrates the resolution pipeline: ensure the layout is valid,
// match rules, gate each match against history, then fire immediately or
// hand off to the delayed-action scheduler. Matching failures are retried
// with backoff up to a fixed cap, then surfaced as a non-fatal failure
// notification.
type Engine struct {
	cache     *layout.Cache
	store     Store
	ledger    *Ledger
	scheduler *Scheduler
	clock     Clock
	idgen     IDGenerator
	logger    Logger
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	queue         []*Request
	workerRunning bool
	closed        bool
	wg            sync.WaitGroup

	sinkMu sync.Mutex
	sinks  *sinkList

	drainMu   sync.Mutex
	onDrained []func()
}

// New creates an Engine with its ledger and delayed-action scheduler wired
// to the same store and clock.
func New(cache *layout.Cache, store Store, logger Logger, clock Clock, idgen IDGenerator, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryBackoffBase <= 0 {
		opts.RetryBackoffBase = defaultRetryBackoffBase
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cache:  cache,
		store:  store,
		clock:  clock,
		idgen:  idgen,
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		sinks:  newSinkList(),
	}
	e.ledger = NewLedger(store, clock, idgen, logger)
	e.scheduler = NewScheduler(store, clock, idgen, logger, e.execute)
	return e
}

// Ledger returns the engine's history ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Scheduler returns the engine's delayed-action scheduler.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// AddSink registers an ActionSink; the returned id deregisters it via
// RemoveSink. Removing a sink from inside its own callback is safe.
func (e *Engine) AddSink(s ActionSink) int {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	return e.sinks.add(s)
}

// RemoveSink deregisters an ActionSink.
func (e *Engine) RemoveSink(id int) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sinks.remove(id)
}

// OnQueueDrained registers a callback fired each time the async worker
// empties the queue and stops.
func (e *Engine) OnQueueDrained(fn func()) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	e.onDrained = append(e.onDrained, fn)
}

// Submit records a beacon event and starts (or enqueues) its resolution.
// Returns the durable request id. Resolution failures are reported through
// the sink, never through this return value.
func (e *Engine) Submit(b beacon.Beacon, ev beacon.EventType) (int64, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrEngineClosed
	}
	e.mu.Unlock()

	id, err := e.store.NextRequestID()
	if err != nil {
		return 0, fmt.Errorf("assigning request id: %w", err)
	}

	// Ledger failures are logged inside; a sighting that cannot be recorded
	// is still resolved.
	e.ledger.RecordSighting(b, ev)

	req := &Request{ID: id, Beacon: b, Event: ev, SubmittedAt: e.clock.Now()}

	if e.opts.Mode == ModeSync {
		e.resolve(req)
		return id, nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrEngineClosed
	}
	e.queue = append(e.queue, req)
	if !e.workerRunning {
		e.workerRunning = true
		e.wg.Add(1)
		go e.worker()
	}
	e.mu.Unlock()

	return id, nil
}

// worker drains the queue sequentially in FIFO order. It stops when the
// queue empties (firing the drained notification) and is restarted by the
// next Submit.
func (e *Engine) worker() {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		if e.closed || len(e.queue) == 0 {
			drained := !e.closed
			e.workerRunning = false
			e.mu.Unlock()
			if drained {
				e.notifyDrained()
			}
			return
		}
		req := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.resolve(req)
	}
}

// resolve runs the bounded retry loop for one request. All attempts for a
// request are consecutive; in async mode no other request interleaves.
func (e *Engine) resolve(req *Request) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			wait := e.opts.RetryBackoffBase << (attempt - 2)
			if !e.sleep(wait) {
				e.notifyFailure(fmt.Sprintf("request %d: resolution cancelled", req.ID))
				return
			}
		}

		rules, err := e.matchOnce(req)
		if err != nil {
			lastErr = err
			continue
		}

		e.dispatch(req, rules)
		return
	}

	e.notifyFailure(fmt.Sprintf("request %d: failed to resolve after %d attempts: %v",
		req.ID, e.opts.MaxRetries, lastErr))
}

// matchOnce performs one layout-validation + match attempt. An empty match
// is a successful resolution with zero actions, not an error.
func (e *Engine) matchOnce(req *Request) ([]layout.Rule, error) {
	if !e.cache.EnsureValid(e.ctx, false) {
		return nil, errors.New("no usable layout")
	}
	return e.cache.Match(req.Beacon.PID(), req.Event), nil
}

// dispatch routes each matched rule to immediate execution or the delayed
// scheduler, in layout source order.
func (e *Engine) dispatch(req *Request, rules []layout.Rule) {
	pid := req.Beacon.PID()
	for _, rule := range rules {
		if rule.DelaySeconds > 0 && !rule.ReportImmediately {
			due := e.clock.Now().Add(time.Duration(rule.DelaySeconds) * time.Second)
			if err := e.scheduler.Persist(rule, due, pid, req.Event); err != nil {
				e.logger.Error("scheduling delayed action failed", "rule", rule.UUID, "error", err)
			}
			continue
		}
		e.execute(rule, pid, req.Event, req.ID)
	}
}

// execute applies the shared gating policy and fires the rule's action.
// Both the immediate path and the delayed scheduler come through here.
func (e *Engine) execute(rule layout.Rule, pid string, ev beacon.EventType, requestID int64) {
	if e.isClosed() {
		return
	}
	now := e.clock.Now()

	if rule.SendOnlyOnce && e.ledger.IsAlreadySent(rule.UUID) {
		e.logger.Debug("action suppressed: already sent once", "rule", rule.UUID)
		return
	}
	if rule.SuppressionSeconds > 0 &&
		e.ledger.IsSuppressed(rule.UUID, time.Duration(rule.SuppressionSeconds)*time.Second, now) {
		e.logger.Debug("action suppressed: inside suppression window", "rule", rule.UUID)
		return
	}
	if !rule.InsideTimeframes(now) {
		e.logger.Debug("action suppressed: outside timeframes", "rule", rule.UUID)
		return
	}

	action := rule.Action
	if err := action.Validate(); err != nil {
		e.logger.Warn("action excluded by validation", "rule", rule.UUID, "error", err)
		return
	}
	action.RequestID = requestID

	e.ledger.RecordExecution(rule, pid, ev)

	e.sinkMu.Lock()
	sinks := e.sinks.snapshot()
	e.sinkMu.Unlock()
	for _, s := range sinks {
		s.ActionResolved(action)
	}
}

// Deinitialize stops the engine: no new submissions are accepted, queued
// requests are failed with a neutral cancelled notification, and all timers
// stop. No action callback fires after it returns.
func (e *Engine) Deinitialize() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()

	e.cancel()

	for _, req := range pending {
		e.notifyFailure(fmt.Sprintf("request %d: resolution cancelled", req.ID))
	}

	e.wg.Wait()

	e.scheduler.Stop()
	e.scheduler.waitIdle()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// sleep waits for d, returning false if the engine was torn down first.
func (e *Engine) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *Engine) notifyFailure(msg string) {
	e.logger.Warn("resolution failed", "message", msg)
	e.sinkMu.Lock()
	sinks := e.sinks.snapshot()
	e.sinkMu.Unlock()
	for _, s := range sinks {
		s.ResolutionFailed(msg)
	}
}

func (e *Engine) notifyDrained() {
	e.drainMu.Lock()
	fns := make([]func(), len(e.onDrained))
	copy(fns, e.onDrained)
	e.drainMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
