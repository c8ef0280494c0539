package layout

import "beaconkit/internal/beacon"

// Match returns the rules applying to a sighting of pid with the given
// event type, in layout source order. Execution order is observable, so the
// order must be stable across calls.
func (l *Layout) Match(pid string, ev beacon.EventType) []Rule {
	if l == nil {
		return nil
	}
	var matched []Rule
	for _, r := range l.Rules {
		if r.AppliesTo(pid, ev) {
			matched = append(matched, r)
		}
	}
	return matched
}
