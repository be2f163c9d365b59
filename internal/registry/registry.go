// Package registry implements the connector's view of the daemon registry:
// the shared directory of known daemons and recent stop events. The
// connector consumes it only through the Registry interface; concrete
// backends below are additive, not required by the interface.
package registry

import "github.com/buildrun/daemonconnect/internal/daemon"

// Registry is the set of operations the connector consumes. Every
// operation must be atomic with respect to other clients; callers must
// tolerate the snapshot drifting between two calls.
type Registry interface {
	GetAll() ([]daemon.Info, error)
	GetIdle() ([]daemon.Info, error)
	Get(id string) (daemon.Info, bool, error)
	Remove(id string) error
	GetStopEvents() ([]daemon.StopEvent, error)
	StoreStopEvent(daemon.StopEvent) error
	RemoveStopEvents([]daemon.StopEvent) error
}
