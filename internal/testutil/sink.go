package testutil

import (
	"sync"

	"beaconkit/internal/layout"
)

// CaptureSink records every resolved action and failure message it receives.
type CaptureSink struct {
	mu       sync.Mutex
	actions  []layout.BeaconAction
	failures []string
}

func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

func (s *CaptureSink) ActionResolved(a layout.BeaconAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
}

func (s *CaptureSink) ResolutionFailed(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, msg)
}

// Actions returns a copy of all captured actions.
func (s *CaptureSink) Actions() []layout.BeaconAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]layout.BeaconAction, len(s.actions))
	copy(out, s.actions)
	return out
}

// Failures returns a copy of all captured failure messages.
func (s *CaptureSink) Failures() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.failures))
	copy(out, s.failures)
	return out
}
