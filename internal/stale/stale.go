// Package stale evicts a daemon's registry record and records a stop
// event when a connect attempt to it fails.
package stale

import (
	"log/slog"
	"time"

	"github.com/buildrun/daemonconnect/internal/daemon"
	"github.com/buildrun/daemonconnect/internal/registry"
)

const reason = "by user or operating system"

// Handler is bound to the registry daemon records come from; the daemon to
// evict is passed to each Handle call. Invoking it more than once for the
// same daemon id is safe: Remove is a no-op once the record is already gone.
type Handler struct {
	Info registry.Registry
	Log  *slog.Logger
}

// New returns a Handler bound to reg, logging through log (nil is fine).
func New(reg registry.Registry, log *slog.Logger) Handler {
	return Handler{Info: reg, Log: log}
}

// Handle evicts d and stores a StopEvent explaining why. It returns true
// once the eviction has been attempted; the cause is accepted only for
// logging and does not change the behavior. Eviction is best-effort: a
// failure here is logged and swallowed, never masking the connect error
// that triggered the call.
func (h Handler) Handle(d daemon.Info, cause error, now time.Time) bool {
	ev := daemon.StopEvent{
		DaemonID:  d.ID,
		Timestamp: now,
		Status:    nil,
		Reason:    reason,
	}

	if err := h.Info.StoreStopEvent(ev); err != nil && h.Log != nil {
		h.Log.Warn("stale-address handler: failed to store stop event", "daemon_id", d.ID, "err", err)
	}
	if err := h.Info.Remove(d.ID); err != nil && h.Log != nil {
		h.Log.Warn("stale-address handler: failed to remove daemon record", "daemon_id", d.ID, "err", err)
	}
	if h.Log != nil {
		h.Log.Debug("evicted stale daemon", "daemon_id", d.ID, "cause", cause)
	}
	return true
}
