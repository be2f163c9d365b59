// Package daemon holds the data types shared between the registry, the
// connector, and the launcher: the daemon record itself, its lifecycle
// state, and the stop events emitted when a daemon goes away.
package daemon

import "time"

// State is the lifecycle state of a registered daemon. Only Idle, Busy and
// Canceled are meaningful to the connector; Stopped and Broken daemons are
// expected to already be filtered out by the registry's own upstream
// bookkeeping, but the connector does not rely on that and treats anything
// that isn't Idle/Canceled as simply "not idle".
type State string

const (
	Idle     State = "Idle"
	Busy     State = "Busy"
	Canceled State = "Canceled"
	Stopped  State = "Stopped"
	Broken   State = "Broken"
)

// Info describes one daemon known to the registry.
type Info struct {
	ID             string
	Address        int // loopback TCP port
	PID            int
	RuntimeProfile RuntimeProfile
	State          State
	LastSeen       time.Time
}

// RuntimeProfile is the subset of a daemon's configuration the Compatibility
// Predicate consults. It is opaque to everything except that predicate.
type RuntimeProfile struct {
	RuntimeHome string
	Opts        []string
}

// StopEvent records a daemon terminating or being evicted from the
// registry. Status is a fine-grained termination cause and may be empty;
// Reason is free text for humans.
type StopEvent struct {
	DaemonID  string
	Timestamp time.Time
	Status    *string
	Reason    string
}

// RetentionWindow is how long a StopEvent stays eligible for reporting
// before the orchestrator garbage-collects it.
const RetentionWindow = time.Hour
