package engine

import (
	"fmt"
	"time"

	"beaconkit/internal/beacon"
	"beaconkit/internal/layout"
	"beaconkit/internal/model"
)

// DefaultHistoryRetention is how long delivered ledger rows are kept before
// Purge removes them.
const DefaultHistoryRetention = 24 * time.Hour

const (
	writeRetryAttempts = 3
	writeRetryBase     = 50 * time.Millisecond
)

// Ledger is the append-only record of every sighting and every executed
// action. It backs send-only-once dedup, suppression-window checks, and
// batched upload to the backend.
type Ledger struct {
	store  Store
	clock  Clock
	idgen  IDGenerator
	logger Logger
}

// NewLedger creates a Ledger over the given store.
func NewLedger(store Store, clock Clock, idgen IDGenerator, logger Logger) *Ledger {
	return &Ledger{store: store, clock: clock, idgen: idgen, logger: logger}
}

// RecordSighting appends a history event for one beacon sighting.
func (l *Ledger) RecordSighting(b beacon.Beacon, ev beacon.EventType) error {
	row := &model.HistoryEvent{
		ID:        l.idgen.New(),
		BeaconPID: b.PID(),
		EventType: ev,
		SeenAt:    l.clock.Now(),
	}
	return l.writeWithRetry("history event", func() error {
		return l.store.AppendHistoryEvent(row)
	})
}

// RecordExecution appends a history action for one fired rule.
func (l *Ledger) RecordExecution(rule layout.Rule, pid string, ev beacon.EventType) error {
	row := &model.HistoryAction{
		ID:        l.idgen.New(),
		RuleUUID:  rule.UUID,
		BeaconPID: pid,
		EventType: ev,
		FiredAt:   l.clock.Now(),
	}
	return l.writeWithRetry("history action", func() error {
		return l.store.AppendHistoryAction(row)
	})
}

// IsAlreadySent reports whether any action record exists for the rule,
// delivered or not. Read failures return false rather than propagating.
func (l *Ledger) IsAlreadySent(ruleUUID string) bool {
	sent, err := l.store.HasHistoryAction(ruleUUID)
	if err != nil {
		l.logger.Warn("send-once lookup failed", "rule", ruleUUID, "error", err)
		return false
	}
	return sent
}

// IsSuppressed reports whether the rule fired recently enough that its
// suppression window still covers now.
func (l *Ledger) IsSuppressed(ruleUUID string, suppression time.Duration, now time.Time) bool {
	last, err := l.store.LatestHistoryActionAt(ruleUUID)
	if err != nil {
		l.logger.Warn("suppression lookup failed", "rule", ruleUUID, "error", err)
		return false
	}
	if last == nil {
		return false
	}
	return last.Add(suppression).After(now)
}

// FlushUndelivered returns all rows not yet marked delivered. The caller
// uploads them and, on acknowledgment, calls MarkDelivered.
func (l *Ledger) FlushUndelivered() ([]*model.HistoryEvent, []*model.HistoryAction, error) {
	events, actions, err := l.store.UndeliveredHistory()
	if err != nil {
		return nil, nil, fmt.Errorf("loading undelivered history: %w", err)
	}
	return events, actions, nil
}

// MarkDelivered flags the given rows as delivered. Marking an
// already-delivered row again is a no-op, so repeated flush attempts never
// duplicate delivery.
func (l *Ledger) MarkDelivered(events []*model.HistoryEvent, actions []*model.HistoryAction) error {
	eventIDs := make([]string, len(events))
	for i, e := range events {
		eventIDs[i] = e.ID
	}
	actionIDs := make([]string, len(actions))
	for i, a := range actions {
		actionIDs[i] = a.ID
	}

	if err := l.store.MarkEventsDelivered(eventIDs); err != nil {
		return fmt.Errorf("marking events delivered: %w", err)
	}
	if err := l.store.MarkActionsDelivered(actionIDs); err != nil {
		return fmt.Errorf("marking actions delivered: %w", err)
	}
	return nil
}

// Purge deletes delivered rows older than the retention window.
// Undelivered rows are never deleted regardless of age.
func (l *Ledger) Purge(retention time.Duration) error {
	cutoff := l.clock.Now().Add(-retention)
	if err := l.store.PurgeDelivered(cutoff); err != nil {
		return fmt.Errorf("purging delivered history: %w", err)
	}
	return nil
}

// writeWithRetry retries a storage write with capped exponential backoff.
// The ledger is local sqlite, so the waits stay short.
func (l *Ledger) writeWithRetry(what string, write func() error) error {
	var err error
	for attempt := 0; attempt < writeRetryAttempts; attempt++ {
		if err = write(); err == nil {
			return nil
		}
		time.Sleep(writeRetryBase << attempt)
	}
	l.logger.Error("recording "+what+" failed", "error", err)
	return fmt.Errorf("recording %s: %w", what, err)
}
