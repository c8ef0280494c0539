package engine

import "beaconkit/internal/layout"

// ActionSink receives the pipeline's only two observable outputs: resolved
// actions ready for presentation, and non-fatal failure notifications.
// Implementations must not block; they are invoked from the resolution
// worker.
type ActionSink interface {
	ActionResolved(action layout.BeaconAction)
	ResolutionFailed(message string)
}

// sinkList is an observer registry safe against removal during a callback:
// notification iterates a snapshot, never the live map.
type sinkList struct {
	sinks map[int]ActionSink
	next  int
}

func newSinkList() *sinkList {
	return &sinkList{sinks: make(map[int]ActionSink)}
}

func (l *sinkList) add(s ActionSink) int {
	id := l.next
	l.next++
	l.sinks[id] = s
	return id
}

func (l *sinkList) remove(id int) {
	delete(l.sinks, id)
}

func (l *sinkList) snapshot() []ActionSink {
	out := make([]ActionSink, 0, len(l.sinks))
	for _, s := range l.sinks {
		out = append(out, s)
	}
	return out
}
