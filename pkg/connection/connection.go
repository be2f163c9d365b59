// Package connection defines the value the connector hands back on a
// successful connect: an open socket bound to the daemon record it came
// from and the machinery needed to evict that record if the session later
// turns out to be dead.
package connection

import (
	"net"

	"github.com/buildrun/daemonconnect/internal/daemon"
)

// ClientConnection wraps a dialed socket together with everything needed
// to report it stale later: the daemon record it was dialed against, the
// stale-address handler bound to that record, and whether this connection
// came from a just-launched daemon.
type ClientConnection struct {
	Conn      net.Conn
	Daemon    daemon.Info
	NewDaemon bool

	onStale func(cause error)
}

// New constructs a ClientConnection. onStale is called at most once, the
// first time the caller reports the session dead.
func New(conn net.Conn, d daemon.Info, newDaemon bool, onStale func(cause error)) *ClientConnection {
	return &ClientConnection{Conn: conn, Daemon: d, NewDaemon: newDaemon, onStale: onStale}
}

// ReportDead tells the connection's stale-address callback the underlying
// session has died, then closes the socket. Safe to call more than once.
func (c *ClientConnection) ReportDead(cause error) {
	if c.onStale != nil {
		onStale := c.onStale
		c.onStale = nil
		onStale(cause)
	}
	c.Close()
}

func (c *ClientConnection) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}
