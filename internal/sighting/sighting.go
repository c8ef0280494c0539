package sighting

import (
	"beaconkit/internal/beacon"
)

// Handler receives each sighting as it arrives from a source.
type Handler func(b beacon.Beacon)

// Source delivers beacon sightings from some transport to a handler.
// Implementations must not call the handler after Stop returns.
type Source interface {
	// Start begins delivering sightings to the handler.
	Start(handler Handler) error
	// Stop shuts the source down and waits for in-flight deliveries.
	Stop()
}

// Logger matches the minimal logging interface used across the module.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}
