package model

import (
	"time"

	"beaconkit/internal/beacon"
)

// DelayedAction is a matched rule whose execution was deferred to a future
// due time. The rule is snapshotted as JSON so the record survives layout
// refreshes. Records are marked executed, never deleted, once consumed.
type DelayedAction struct {
	ID        string // UUID
	RuleJSON  []byte // serialized layout rule snapshot
	DueAt     time.Time
	BeaconPID string
	EventType beacon.EventType // event type detected by the device
	Executed  bool
	CreatedAt time.Time
}

// HistoryEvent is one recorded beacon sighting, kept for upload to the
// backend. Delivered is set once an upload has been acknowledged.
type HistoryEvent struct {
	ID        string // UUID
	BeaconPID string
	EventType beacon.EventType
	SeenAt    time.Time
	Delivered bool
}

// HistoryAction is one executed action, keyed by the owning rule's UUID.
// Rows back both send-only-once dedup and suppression-window checks.
type HistoryAction struct {
	ID        string // UUID
	RuleUUID  string
	BeaconPID string
	EventType beacon.EventType
	FiredAt   time.Time
	Delivered bool
}

// Operation tracks a CLI operation that mutated the store.
// Operations are created in memory with ID=0 and receive an auto-increment
// ID from the database when persisted.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string // "success" or "error"
	StartedAt  time.Time
	FinishedAt time.Time
}
