package engine

import (
	"fmt"
	"sync"
	"time"

	"beaconkit/internal/beacon"
	"beaconkit/internal/layout"
	"beaconkit/internal/model"
)

// DefaultDelayedLookahead is how far past "now" ProcessDue looks when
// deciding which records are due.
const DefaultDelayedLookahead = 2 * time.Second

// executeFunc runs the shared execution gating for one rule. Provided by
// the Engine so immediate and delayed paths share identical semantics.
type executeFunc func(rule layout.Rule, pid string, ev beacon.EventType, requestID int64)

// Scheduler persists delayed actions and re-injects them into execution
// when their due time passes. Exactly one wake timer is pending at a time;
// rescheduling cancels and replaces it. A record is consumed exactly once:
// it is marked executed before gating runs, even when gating suppresses it.
type Scheduler struct {
	store  Store
	clock  Clock
	idgen  IDGenerator
	logger Logger
	exec   executeFunc

	// runMu serializes ProcessDue so overlapping wakes cannot double-fire.
	runMu sync.Mutex

	mu      sync.Mutex
	timer   *time.Timer
	wakeAt  time.Time
	pending []*model.DelayedAction // writes that failed; retried on next wake
	stopped bool
}

// NewScheduler creates a Scheduler. exec is invoked for each due record.
func NewScheduler(store Store, clock Clock, idgen IDGenerator, logger Logger, exec executeFunc) *Scheduler {
	return &Scheduler{store: store, clock: clock, idgen: idgen, logger: logger, exec: exec}
}

// Persist writes a delayed-action record due at dueAt. If storage is
// unavailable the record is parked in memory and retried on the next wake
// or ProcessDue call — it is never silently dropped.
func (s *Scheduler) Persist(rule layout.Rule, dueAt time.Time, pid string, ev beacon.EventType) error {
	ruleJSON, err := layout.MarshalRule(rule)
	if err != nil {
		return fmt.Errorf("snapshotting rule %s: %w", rule.UUID, err)
	}

	rec := &model.DelayedAction{
		ID:        s.idgen.New(),
		RuleJSON:  ruleJSON,
		DueAt:     dueAt,
		BeaconPID: pid,
		EventType: ev,
		CreatedAt: s.clock.Now(),
	}

	if err := s.store.CreateDelayedAction(rec); err != nil {
		s.logger.Warn("persisting delayed action failed, parking in memory",
			"rule", rule.UUID, "error", err)
		s.mu.Lock()
		s.pending = append(s.pending, rec)
		s.mu.Unlock()
	}

	s.scheduleWake(dueAt)
	return nil
}

// ProcessDue loads all non-executed records due within the lookahead
// window, fires the due-now ones through the execution gate in
// non-decreasing due-time order, and reschedules the wake timer to the
// nearest remaining due time. Idempotent: a record fires at most once no
// matter how often this is called.
func (s *Scheduler) ProcessDue(lookahead time.Duration) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.flushPending()

	now := s.clock.Now()
	recs, err := s.store.ListDueDelayedActions(now.Add(lookahead))
	if err != nil {
		return fmt.Errorf("loading due delayed actions: %w", err)
	}

	for _, rec := range recs {
		if rec.DueAt.After(now) {
			// Within lookahead but not due yet; the reschedule below
			// covers it.
			continue
		}

		// Consume before executing so a repeat wake can never double-fire.
		if err := s.store.MarkDelayedActionExecuted(rec.ID); err != nil {
			s.logger.Error("marking delayed action executed failed",
				"id", rec.ID, "error", err)
			continue
		}

		rule, err := layout.UnmarshalRule(rec.RuleJSON)
		if err != nil {
			s.logger.Error("delayed action rule snapshot unreadable, discarding",
				"id", rec.ID, "error", err)
			continue
		}

		s.exec(rule, rec.BeaconPID, rec.EventType, 0)
	}

	s.rescheduleNearest(now)
	return nil
}

// Stop cancels any pending wake. Further wakes require an explicit
// ProcessDue or Persist call.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// flushPending retries parked records that previously failed to persist.
func (s *Scheduler) flushPending() {
	s.mu.Lock()
	parked := s.pending
	s.pending = nil
	s.mu.Unlock()

	var stillFailing []*model.DelayedAction
	for _, rec := range parked {
		if err := s.store.CreateDelayedAction(rec); err != nil {
			stillFailing = append(stillFailing, rec)
		}
	}

	if len(stillFailing) > 0 {
		s.mu.Lock()
		s.pending = append(stillFailing, s.pending...)
		s.mu.Unlock()
	}
}

// rescheduleNearest points the single wake timer at the nearest future due
// time, or cancels it when none remain.
func (s *Scheduler) rescheduleNearest(now time.Time) {
	next, err := s.store.NextDelayedActionDue(now)
	if err != nil {
		s.logger.Warn("finding next delayed action failed", "error", err)
		return
	}

	s.mu.Lock()
	for _, rec := range s.pending {
		if rec.DueAt.After(now) && (next == nil || rec.DueAt.Before(*next)) {
			due := rec.DueAt
			next = &due
		}
	}
	s.mu.Unlock()

	if next == nil {
		s.cancelWake()
		return
	}
	s.cancelWake()
	s.scheduleWake(*next)
}

// scheduleWake arms the wake timer for dueAt. An existing timer that fires
// sooner is kept; one that fires later is replaced. Exactly one wake is
// pending at a time.
func (s *Scheduler) scheduleWake(dueAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil && !s.wakeAt.After(dueAt) {
		return
	}

	delay := dueAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.wakeAt = dueAt
	s.timer = time.AfterFunc(delay, func() {
		if err := s.ProcessDue(DefaultDelayedLookahead); err != nil {
			s.logger.Error("delayed action wake failed", "error", err)
		}
	})
}

// waitIdle blocks until any in-flight ProcessDue has finished. Used during
// teardown so no execution callback outlives the engine.
func (s *Scheduler) waitIdle() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
}

func (s *Scheduler) cancelWake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.wakeAt = time.Time{}
}
