// Package connector implements the connection orchestrator: the top-level
// policy that partitions the registry, tries an idle daemon, waits on a
// canceled one, and otherwise launches a new daemon and polls it to life.
package connector

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"path/filepath"
	"time"

	"github.com/buildrun/daemonconnect/internal/clock"
	"github.com/buildrun/daemonconnect/internal/config"
	"github.com/buildrun/daemonconnect/internal/daemon"
	"github.com/buildrun/daemonconnect/internal/diagnostics"
	"github.com/buildrun/daemonconnect/internal/launcher"
	"github.com/buildrun/daemonconnect/internal/metrics"
	"github.com/buildrun/daemonconnect/internal/registry"
	"github.com/buildrun/daemonconnect/internal/stale"
	"github.com/buildrun/daemonconnect/pkg/connection"
)

const (
	// DefaultConnectTimeout is the total budget for the post-launch
	// handshake poll.
	DefaultConnectTimeout = 30 * time.Second
	// CanceledWaitTimeout bounds how long the canceled path waits for a
	// canceled daemon to become idle.
	CanceledWaitTimeout = 3 * time.Second

	handshakePollInterval = 200 * time.Millisecond
	embeddedPollInterval  = 50 * time.Millisecond
)

// dialerFunc is the narrow surface the orchestrator needs from a dialer:
// dial a port, get a net.Conn or an error. Tests supply a fake of this
// shape instead of opening real sockets.
type dialerFunc func(port int) (net.Conn, error)

// Connector is the Connection Orchestrator. All fields are required
// except Output and Log.
type Connector struct {
	Registry registry.Registry
	Dialer   dialerFunc
	Launcher launcher.Starter
	Clock    clock.Clock
	Params   config.Parameters

	Output func(string)
	Log    *slog.Logger
}

func (c *Connector) output(msg string) {
	if c.Output != nil {
		c.Output(msg)
	}
	if c.Log != nil {
		c.Log.Info(msg)
	}
}

func (c *Connector) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func (c *Connector) constraint() daemon.Constraint {
	return daemon.Constraint{
		RuntimeHome: c.Params.RuntimeHome,
		Opts:        c.Params.RuntimeProfileOpts(),
	}
}

// newID mints an 8-hex-character daemon id from a random 32-bit integer.
func newID() string {
	return fmt.Sprintf("%08x", rand.Uint32())
}

// Connect is the orchestrator's entry point: it partitions known daemons
// into idle and busy, tries an idle one, falls back to waiting on a
// canceled one, and otherwise launches a new daemon.
func (c *Connector) Connect() (*connection.ClientConnection, error) {
	if c.Params.Embedded {
		return c.connectEmbedded()
	}

	c.output("Looking up daemon...")

	constraint := c.constraint()

	all, err := c.Registry.GetAll()
	if err != nil {
		return nil, err
	}
	metrics.RegistrySize.Set(float64(len(all)))

	var idle, busy []daemon.Info
	for _, d := range all {
		if d.State == daemon.Idle {
			idle = append(idle, d)
		} else {
			busy = append(busy, d)
		}
	}

	if conn, ok, err := c.connectToIdleDaemon(idle, constraint); err != nil {
		return nil, err
	} else if ok {
		metrics.PathSelected.WithLabelValues("idle").Inc()
		return conn, nil
	}

	conn, ok, err := c.connectToCanceledDaemon(busy, constraint)
	if err != nil {
		return nil, err
	}
	if ok {
		metrics.PathSelected.WithLabelValues("canceled").Inc()
		return conn, nil
	}

	metrics.PathSelected.WithLabelValues("launch").Inc()
	return c.launch(constraint, idle, busy)
}

// TryConnect is a best-effort variant of Connect that swallows
// *ConnectError and returns (nil, nil) instead, for callers that want to
// probe without committing to the full launch policy.
func (c *Connector) TryConnect() (*connection.ClientConnection, error) {
	conn, err := c.Connect()
	if err != nil {
		var ce *ConnectError
		if errors.As(err, &ce) {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

// TryConnectDaemon attempts a connection to one specific known daemon,
// swallowing *ConnectError and returning (nil, nil) instead. Like the real
// connect path, a failure here still evicts the stale record.
func (c *Connector) TryConnectDaemon(d daemon.Info) (*connection.ClientConnection, error) {
	conn, err := c.connectToDaemon(d, false)
	if err != nil {
		var ce *ConnectError
		if errors.As(err, &ce) {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

// connectToIdleDaemon tries every idle daemon compatible with constraint,
// in order, until one accepts the connection.
func (c *Connector) connectToIdleDaemon(idle []daemon.Info, constraint daemon.Constraint) (*connection.ClientConnection, bool, error) {
	compatible := filterCompatible(idle, constraint, c.log())
	return c.findConnection(compatible, false)
}

// connectToCanceledDaemon waits for a compatible canceled daemon to become
// idle, polling the registry until CanceledWaitTimeout elapses.
func (c *Connector) connectToCanceledDaemon(busy []daemon.Info, constraint daemon.Constraint) (*connection.ClientConnection, bool, error) {
	var canceled []daemon.Info
	for _, d := range busy {
		if d.State == daemon.Canceled {
			canceled = append(canceled, d)
		}
	}
	compatible := filterCompatible(canceled, constraint, c.log())
	if len(compatible) == 0 {
		return nil, false, nil
	}

	deadline := c.Clock.Now().Add(CanceledWaitTimeout)
	stop := make(chan struct{})
	for {
		idle, err := c.Registry.GetIdle()
		if err != nil {
			return nil, false, err
		}
		if conn, ok, err := c.connectToIdleDaemon(idle, constraint); err != nil {
			return nil, false, err
		} else if ok {
			return conn, true, nil
		}

		if !c.Clock.Now().Before(deadline) {
			return nil, false, nil
		}
		if !c.Clock.Sleep(handshakePollInterval, stop) {
			return nil, false, &InterruptedError{}
		}
	}
}

// findConnection tries each candidate in order, evicting on failure, and
// returns the first success.
func (c *Connector) findConnection(candidates []daemon.Info, newDaemon bool) (*connection.ClientConnection, bool, error) {
	for _, d := range candidates {
		conn, err := c.connectToDaemon(d, newDaemon)
		if err == nil {
			return conn, true, nil
		}
		c.log().Debug("candidate rejected", "daemon_id", d.ID, "err", err)
	}
	return nil, false, nil
}

// connectToDaemon dials a single candidate daemon, invoking the
// stale-address handler and re-raising on failure.
func (c *Connector) connectToDaemon(d daemon.Info, newDaemon bool) (*connection.ClientConnection, error) {
	handler := stale.New(c.Registry, c.log())

	sock, err := c.Dialer(d.Address)
	if err != nil {
		handler.Handle(d, err, c.Clock.Now())
		metrics.StaleEvictions.Inc()
		return nil, &ConnectError{Message: fmt.Sprintf("could not connect to daemon %s", d.ID), Err: err}
	}

	onStale := func(cause error) {
		handler.Handle(d, cause, c.Clock.Now())
		metrics.StaleEvictions.Inc()
	}
	return connection.New(sock, d, newDaemon, onStale), nil
}

func filterCompatible(candidates []daemon.Info, constraint daemon.Constraint, log *slog.Logger) []daemon.Info {
	out := candidates[:0:0]
	for _, d := range candidates {
		result := constraint.IsSatisfiedBy(d)
		if result.Compatible {
			out = append(out, d)
		} else if log != nil {
			log.Debug("daemon incompatible", "daemon_id", d.ID, "why", result.Why)
		}
	}
	return out
}

// launch mints a daemon id, spawns it, and polls it to life.
func (c *Connector) launch(constraint daemon.Constraint, idle, busy []daemon.Info) (*connection.ClientConnection, error) {
	id := newID()

	message, err := c.statusMessage(id, len(busy), len(idle))
	if err != nil {
		return nil, err
	}
	c.output(message)

	handle, err := c.Launcher.Start(id)
	if err != nil {
		return nil, err
	}

	return c.pollForHandshake(id, handle)
}

// statusMessage computes the launch status message and, as a side effect,
// garbage-collects stop events older than the retention window and
// deduplicates the rest per daemon id.
func (c *Connector) statusMessage(daemonID string, numBusy, numIdle int) (string, error) {
	events, err := c.Registry.GetStopEvents()
	if err != nil {
		return "", err
	}

	cutoff := c.Clock.Now().Add(-daemon.RetentionWindow)

	var old, recent []daemon.StopEvent
	for _, ev := range events {
		if ev.Timestamp.Before(cutoff) {
			old = append(old, ev)
		} else {
			recent = append(recent, ev)
		}
	}
	if len(old) > 0 {
		if err := c.Registry.RemoveStopEvents(old); err != nil {
			return "", err
		}
	}

	deduped := dedupRecentStopEvents(recent)
	return generateStatus(daemonID, numBusy, numIdle, len(deduped)), nil
}

// pollForHandshake waits for a spawned daemon to register itself and
// accept a connection, bounded by DefaultConnectTimeout.
func (c *Connector) pollForHandshake(id string, handle launcher.Process) (*connection.ClientConnection, error) {
	start := c.Clock.Now()
	deadline := start.Add(DefaultConnectTimeout)
	stop := make(chan struct{})

	for {
		info, ok, err := c.Registry.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			conn, connErr := c.connectToDaemon(info, true)
			if connErr == nil {
				c.observeHandshake(start, "connected")
				return conn, nil
			}
			c.observeHandshake(start, "child_died")
			return nil, &ConnectError{
				Message:     "Could not connect to the daemon.",
				Diagnostics: diagnostics.Describe(handle.PID(), c.logPath(id)),
				Err:         connErr,
			}
		}

		alive := handle.Alive()
		if !alive || !c.Clock.Now().Before(deadline) {
			outcome := "timeout"
			if !alive {
				outcome = "child_died"
			}
			c.observeHandshake(start, outcome)
			return nil, &ConnectError{
				Message:     "Timeout waiting to connect to the daemon.",
				Diagnostics: diagnostics.Describe(handle.PID(), c.logPath(id)),
			}
		}

		if !c.Clock.Sleep(handshakePollInterval, stop) {
			c.observeHandshake(start, "interrupted")
			return nil, &InterruptedError{}
		}
	}
}

func (c *Connector) observeHandshake(start time.Time, outcome string) {
	metrics.HandshakeDuration.WithLabelValues(outcome).Observe(c.Clock.Now().Sub(start).Seconds())
}

func (c *Connector) logPath(id string) string {
	return filepath.Join(c.Params.StorageDir, fmt.Sprintf("daemon-%s.out.log", id))
}
