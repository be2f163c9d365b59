package connector

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/buildrun/daemonconnect/internal/clock"
	"github.com/buildrun/daemonconnect/internal/config"
	"github.com/buildrun/daemonconnect/internal/daemon"
	"github.com/buildrun/daemonconnect/internal/launcher"
	"github.com/buildrun/daemonconnect/internal/registry"
)

// fakeConn is a net.Conn that does nothing; only Close is exercised here.
type fakeConn struct {
	net.Conn
}

func (f *fakeConn) Close() error { return nil }

// fakeLauncher lets a test script exactly what Start returns and whether
// the resulting "process" reports itself alive.
type fakeLauncher struct {
	startCalls int
	onStart    func(id string) (launcher.Process, error)
}

func (f *fakeLauncher) Start(id string) (launcher.Process, error) {
	f.startCalls++
	return f.onStart(id)
}

type fakeProcess struct {
	alive func() bool
}

func (p *fakeProcess) Alive() bool { return p.alive() }
func (p *fakeProcess) PID() int    { return 4242 }

func newTestConnector(t *testing.T, reg registry.Registry, dial func(port int) (net.Conn, error), start *fakeLauncher, clk clock.Clock) *Connector {
	t.Helper()
	return &Connector{
		Registry: reg,
		Dialer:   dial,
		Launcher: start,
		Clock:    clk,
		Params: config.Parameters{
			StorageDir: t.TempDir(),
		},
		Output: func(string) {},
	}
}

// Registry starts empty, so Connect must spawn a daemon and connect once
// it registers.
func TestConnect_EmptyRegistrySpawnSucceeds(t *testing.T) {
	reg := registry.NewMemory()
	clk := clock.NewFake(time.Unix(0, 0))

	var mintedID string
	fl := &fakeLauncher{}
	fl.onStart = func(id string) (launcher.Process, error) {
		mintedID = id
		reg.Put(daemon.Info{ID: id, Address: 9000, State: daemon.Busy})
		return &fakeProcess{alive: func() bool { return true }}, nil
	}

	dial := func(port int) (net.Conn, error) {
		if port != 9000 {
			return nil, errors.New("unexpected port")
		}
		return &fakeConn{}, nil
	}

	c := newTestConnector(t, reg, dial, fl, clk)
	conn, err := c.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.Daemon.ID != mintedID {
		t.Fatalf("expected connection to minted daemon %s, got %s", mintedID, conn.Daemon.ID)
	}
	if fl.startCalls != 1 {
		t.Fatalf("expected exactly one launcher call, got %d", fl.startCalls)
	}
	if !conn.NewDaemon {
		t.Fatalf("expected NewDaemon to be true for the launch path")
	}
}

// A single idle, compatible daemon should be reused without spawning a
// new one.
func TestConnect_IdleCompatibleDaemonAccepts(t *testing.T) {
	reg := registry.NewMemory()
	reg.Put(daemon.Info{ID: "d1", Address: 7000, State: daemon.Idle})
	clk := clock.NewFake(time.Unix(0, 0))

	dialCalls := 0
	dial := func(port int) (net.Conn, error) {
		dialCalls++
		if port != 7000 {
			return nil, errors.New("unexpected port")
		}
		return &fakeConn{}, nil
	}

	fl := &fakeLauncher{onStart: func(string) (launcher.Process, error) {
		t.Fatalf("launcher should not be invoked")
		return nil, nil
	}}

	c := newTestConnector(t, reg, dial, fl, clk)
	conn, err := c.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.Daemon.ID != "d1" {
		t.Fatalf("expected connection to d1, got %s", conn.Daemon.ID)
	}
	if dialCalls != 1 {
		t.Fatalf("expected exactly one dial, got %d", dialCalls)
	}
}

// An idle daemon whose address has gone stale should be evicted and the
// connection should fall through to the launch path.
func TestConnect_IdleDaemonStaleAddressFallsThroughToLaunch(t *testing.T) {
	reg := registry.NewMemory()
	reg.Put(daemon.Info{ID: "d1", Address: 7000, State: daemon.Idle})
	clk := clock.NewFake(time.Unix(0, 0))

	var statusMessage string
	fl := &fakeLauncher{}
	fl.onStart = func(id string) (launcher.Process, error) {
		reg.Put(daemon.Info{ID: id, Address: 9000, State: daemon.Busy})
		return &fakeProcess{alive: func() bool { return true }}, nil
	}

	dial := func(port int) (net.Conn, error) {
		if port == 7000 {
			return nil, errors.New("connection refused")
		}
		return &fakeConn{}, nil
	}

	c := newTestConnector(t, reg, dial, fl, clk)
	c.Output = func(msg string) { statusMessage = msg }

	conn, err := c.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.NewDaemon != true {
		t.Fatalf("expected the launch path to win")
	}
	if _, ok, _ := reg.Get("d1"); ok {
		t.Fatalf("expected d1 to be evicted from the registry")
	}
	events, _ := reg.GetStopEvents()
	if len(events) != 1 || events[0].DaemonID != "d1" || events[0].Reason != "by user or operating system" {
		t.Fatalf("expected one stop event for d1, got %+v", events)
	}
	if wantSubstr := "1 stopped"; !strings.Contains(statusMessage, wantSubstr) {
		t.Fatalf("expected status message to mention %q, got %q", wantSubstr, statusMessage)
	}
}

// A canceled, compatible daemon that turns idle partway through the wait
// window should be picked up without a launch.
func TestConnect_CanceledDaemonBecomesIdle(t *testing.T) {
	reg := registry.NewMemory()
	reg.Put(daemon.Info{ID: "d1", Address: 7000, State: daemon.Canceled})
	clk := clock.NewFake(time.Unix(0, 0))
	clk.OnSleep = func(now time.Time) {
		if now.Sub(time.Unix(0, 0)) >= 800*time.Millisecond {
			reg.Put(daemon.Info{ID: "d1", Address: 7000, State: daemon.Idle})
		}
	}

	dial := func(port int) (net.Conn, error) {
		if port != 7000 {
			return nil, errors.New("unexpected port")
		}
		return &fakeConn{}, nil
	}
	fl := &fakeLauncher{onStart: func(string) (launcher.Process, error) {
		t.Fatalf("launcher should not be invoked")
		return nil, nil
	}}

	c := newTestConnector(t, reg, dial, fl, clk)
	conn, err := c.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.Daemon.ID != "d1" {
		t.Fatalf("expected connection to d1, got %s", conn.Daemon.ID)
	}
	if elapsed := clk.Now().Sub(time.Unix(0, 0)); elapsed < 800*time.Millisecond || elapsed > CanceledWaitTimeout {
		t.Fatalf("expected ~800ms elapsed, got %v", elapsed)
	}
}

// A canceled daemon that never turns idle should exhaust the wait window,
// fall through to launch, and be reported busy rather than incompatible.
func TestConnect_CanceledDaemonNeverBecomesIdle(t *testing.T) {
	reg := registry.NewMemory()
	reg.Put(daemon.Info{ID: "d1", Address: 7000, State: daemon.Canceled})
	clk := clock.NewFake(time.Unix(0, 0))

	var statusMessage string
	fl := &fakeLauncher{}
	fl.onStart = func(id string) (launcher.Process, error) {
		reg.Put(daemon.Info{ID: id, Address: 9000, State: daemon.Busy})
		return &fakeProcess{alive: func() bool { return true }}, nil
	}
	dial := func(port int) (net.Conn, error) {
		if port == 7000 {
			return nil, errors.New("still canceled")
		}
		return &fakeConn{}, nil
	}

	c := newTestConnector(t, reg, dial, fl, clk)
	c.Output = func(msg string) { statusMessage = msg }

	conn, err := c.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !conn.NewDaemon {
		t.Fatalf("expected launch path")
	}
	if !strings.Contains(statusMessage, "1 busy") {
		t.Fatalf("expected status message to mention 1 busy, got %q", statusMessage)
	}
	if strings.Contains(statusMessage, "incompatible") {
		t.Fatalf("did not expect status message to mention incompatible, got %q", statusMessage)
	}
	if elapsed := clk.Now().Sub(time.Unix(0, 0)); elapsed < CanceledWaitTimeout {
		t.Fatalf("expected the full canceled-wait budget to elapse, got %v", elapsed)
	}
}

// If the spawned child dies during the handshake poll before any
// registry record appears, Connect must fail well before the full
// handshake budget elapses.
func TestConnect_ChildDiesDuringHandshake(t *testing.T) {
	reg := registry.NewMemory()
	clk := clock.NewFake(time.Unix(0, 0))

	fl := &fakeLauncher{}
	fl.onStart = func(id string) (launcher.Process, error) {
		return &fakeProcess{alive: func() bool {
			return clk.Now().Sub(time.Unix(0, 0)) < 500*time.Millisecond
		}}, nil
	}
	dial := func(port int) (net.Conn, error) {
		return &fakeConn{}, nil
	}

	c := newTestConnector(t, reg, dial, fl, clk)
	_, err := c.Connect()
	if err == nil {
		t.Fatalf("expected a ConnectError")
	}
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConnectError, got %T: %v", err, err)
	}
	if elapsed := clk.Now().Sub(time.Unix(0, 0)); elapsed >= DefaultConnectTimeout {
		t.Fatalf("expected failure well before the 30s budget, got %v", elapsed)
	}
}
