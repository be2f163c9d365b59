package connector

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/buildrun/daemonconnect/pkg/connection"
)

// EmbeddedServer is whatever in-process daemon core the embedded variant
// hosts. It is selected by a build-time feature flag: the caller links a
// concrete implementation in and names it through Params.
type EmbeddedServer interface {
	// Run starts serving on the given id and blocks until it stops or
	// fails. It must be safe to call in its own goroutine.
	Run(id string) error
}

// embeddedFactories holds the named constructors of the in-process daemon
// for the embedded variant, keyed by Params.EntryPointClass. The connector
// consults it only when Params.Embedded is set.
var embeddedFactories = map[string]func() EmbeddedServer{}

// RegisterEmbeddedServer installs a named embedded-server constructor.
// Call from an init() in the package that links the daemon core in.
func RegisterEmbeddedServer(name string, factory func() EmbeddedServer) {
	embeddedFactories[name] = factory
}

// connectEmbedded refuses immediately if the binary is a
// statically-compiled native image, otherwise it starts an in-process
// server and polls for its own registration.
func (c *Connector) connectEmbedded() (*connection.ClientConnection, error) {
	if c.Params.Native {
		return nil, &Unsupported{Reason: "embedded daemon variant is not available in native mode"}
	}

	factory, ok := embeddedFactories[c.Params.EntryPointClass]
	if !ok {
		return nil, &Unsupported{Reason: fmt.Sprintf("no embedded server registered for %q", c.Params.EntryPointClass)}
	}

	id := fmt.Sprintf("%d-%d", os.Getpid(), c.Clock.Now().UnixMilli())

	var alive atomic.Bool
	alive.Store(true)
	done := make(chan error, 1)

	go func() {
		defer alive.Store(false)
		done <- factory().Run(id)
	}()

	return c.pollEmbedded(id, &alive, done)
}

func (c *Connector) pollEmbedded(id string, alive *atomic.Bool, done <-chan error) (*connection.ClientConnection, error) {
	deadline := c.Clock.Now().Add(DefaultConnectTimeout)
	stop := make(chan struct{})

	for {
		info, ok, err := c.Registry.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			conn, connErr := c.connectToDaemon(info, true)
			if connErr == nil {
				return conn, nil
			}
			return nil, &ConnectError{Message: "Could not connect to the embedded daemon.", Err: connErr}
		}

		select {
		case err := <-done:
			if err != nil {
				return nil, &ConnectError{Message: fmt.Sprintf("embedded daemon %s exited before registering: %v", id, err)}
			}
			return nil, &ConnectError{Message: fmt.Sprintf("embedded daemon %s stopped before registering", id)}
		default:
		}

		if !alive.Load() || !c.Clock.Now().Before(deadline) {
			return nil, &ConnectError{Message: fmt.Sprintf("timeout waiting for embedded daemon %s to register", id)}
		}
		if !c.Clock.Sleep(embeddedPollInterval, stop) {
			return nil, &InterruptedError{}
		}
	}
}

