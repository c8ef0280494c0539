package presence

import (
	"sync"
	"time"

	"beaconkit/internal/beacon"
)

// Clock abstracts time retrieval so exit-timeout logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// MinExitTimeout is the floor for the exit timeout. Anything lower causes
// enter/exit thrashing on normal BLE advertisement intervals.
const MinExitTimeout = 1000 * time.Millisecond

// DefaultExitTimeout is how long a beacon may go unseen before the next
// sweep reports it as exited.
const DefaultExitTimeout = 30 * time.Second

type identity struct {
	id1 string
	id2 uint16
	id3 uint16
}

type entry struct {
	beacon   beacon.Beacon
	lastSeen time.Time
}

// Tracker maintains the set of currently-seen beacons and derives
// Enter/None transitions from raw sightings. Exit transitions are produced
// by periodic sweeps. All methods are safe for concurrent use; the single
// mutex is held only for map access, never across I/O.
type Tracker struct {
	mu          sync.Mutex
	entries     map[identity]*entry
	exitTimeout time.Duration
	clock       Clock
}

// NewTracker creates a Tracker with the given exit timeout, clamped to
// MinExitTimeout.
func NewTracker(exitTimeout time.Duration, clock Clock) *Tracker {
	t := &Tracker{
		entries: make(map[identity]*entry),
		clock:   clock,
	}
	t.SetExitTimeout(exitTimeout)
	return t
}

// SetExitTimeout reconfigures the exit timeout, clamping to MinExitTimeout.
func (t *Tracker) SetExitTimeout(d time.Duration) {
	if d < MinExitTimeout {
		d = MinExitTimeout
	}
	t.mu.Lock()
	t.exitTimeout = d
	t.mu.Unlock()
}

// ExitTimeout returns the currently configured exit timeout.
func (t *Tracker) ExitTimeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitTimeout
}

// ResolveState processes one sighting. A previously unseen identity is
// recorded and reported as EventEnter; a known identity has its last-seen
// time refreshed and is reported as EventNone.
func (t *Tracker) ResolveState(b beacon.Beacon) beacon.EventType {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	key := identity{id1: b.ID1, id2: b.ID2, id3: b.ID3}
	if e, ok := t.entries[key]; ok {
		e.beacon = b
		e.lastSeen = now
		return beacon.EventNone
	}

	t.entries[key] = &entry{beacon: b, lastSeen: now}
	return beacon.EventEnter
}

// SweepExpired removes every beacon not seen within the exit timeout and
// returns them as exit candidates. Intended to be called from a periodic
// timer; holding the lock only for the partition keeps sighting processing
// responsive.
func (t *Tracker) SweepExpired() []beacon.Beacon {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []beacon.Beacon
	for key, e := range t.entries {
		if now.Sub(e.lastSeen) > t.exitTimeout {
			expired = append(expired, e.beacon)
			delete(t.entries, key)
		}
	}
	return expired
}

// Count returns the number of currently tracked beacons.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
