package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Direction names one half of a tunnel relay.
type Direction string

const (
	ClientToServer Direction = "client_to_server"
	ServerToClient Direction = "server_to_client"
)

// Params describes a freshly established CONNECT session.
type Params struct {
	ID string

	SourceIP   string
	SourcePort int

	// DestIP and DestPort are the resolved origin endpoint.
	DestIP   string
	DestPort int

	// DestHostname and DestHostPort are the origin as the client requested it.
	DestHostname string
	DestHostPort int

	Client net.Conn
	// ClientReader replaces Client as the read side of the client connection.
	// It lets bytes the request decoder already buffered reach the server.
	ClientReader io.Reader
	Server       net.Conn

	Prober StateProber
	Logger *slog.Logger
}

// Metadata is a handle-free copy of a tunnel's identity and counters.
type Metadata struct {
	ID string

	SourceIP   string
	SourcePort int

	DestIP   string
	DestPort int

	DestHostname string
	DestHostPort int

	Created time.Time

	BytesClientToServer int64
	BytesServerToClient int64
}

// Source returns the client endpoint as ip:port.
func (m Metadata) Source() string {
	return net.JoinHostPort(m.SourceIP, strconv.Itoa(m.SourcePort))
}

// Destination returns the resolved origin endpoint followed by the requested one.
func (m Metadata) Destination() string {
	return fmt.Sprintf("%s [%s]",
		net.JoinHostPort(m.DestIP, strconv.Itoa(m.DestPort)),
		net.JoinHostPort(m.DestHostname, strconv.Itoa(m.DestHostPort)))
}

func (m Metadata) String() string {
	return m.Created.Format("01/02/2006 15:04:05") + " " + m.Source() + " to " + m.Destination()
}

// Tunnel owns the client and server connections of one CONNECT session and
// the two relay loops between them.
//
// The liveness flag only ever moves from true to false. Once it is false,
// Done is closed and IsActive never reports true again.
type Tunnel struct {
	meta Metadata

	client       net.Conn
	clientReader io.Reader
	server       net.Conn
	prober       StateProber
	log          *slog.Logger

	alive    atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	startOnce sync.Once
	relays    sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool

	up   atomic.Int64
	down atomic.Int64
}

// New creates a Tunnel from p. The relay loops are not started until Start.
func New(p Params) *Tunnel {
	t := &Tunnel{
		meta: Metadata{
			ID:           p.ID,
			SourceIP:     p.SourceIP,
			SourcePort:   p.SourcePort,
			DestIP:       p.DestIP,
			DestPort:     p.DestPort,
			DestHostname: p.DestHostname,
			DestHostPort: p.DestHostPort,
			Created:      time.Now().UTC(),
		},
		client:       p.Client,
		clientReader: p.ClientReader,
		server:       p.Server,
		prober:       p.Prober,
		log:          p.Logger,
		done:         make(chan struct{}),
	}
	if t.clientReader == nil {
		t.clientReader = p.Client
	}
	if t.prober == nil {
		t.prober = ConnectedOnly{}
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	t.log = t.log.With("tunnel", p.ID)
	t.alive.Store(true)
	return t
}

// ID returns the connection identifier the tunnel is registered under.
func (t *Tunnel) ID() string {
	return t.meta.ID
}

// Start launches the client to server and server to client relay loops.
// Calling it more than once has no effect.
func (t *Tunnel) Start() {
	t.startOnce.Do(func() {
		t.relays.Add(2)
		go t.relay(ClientToServer, t.server, t.clientReader, &t.up)
		go t.relay(ServerToClient, t.client, t.server, &t.down)
	})
}

func (t *Tunnel) relay(dir Direction, dst io.Writer, src io.Reader, counter *atomic.Int64) {
	defer t.relays.Done()
	n, err := CopyWithBuffer(dst, src, counter)
	if err != nil && !IsClosedError(err) {
		t.log.Error("relay failed", "direction", dir, "bytes", n, "error", err)
	}
	t.markDead()
}

func (t *Tunnel) markDead() {
	t.alive.Store(false)
	t.doneOnce.Do(func() { close(t.done) })
}

// Done returns a channel that is closed once the tunnel stops being active.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// IsActive reports whether the tunnel may still relay traffic. It ANDs the
// relay liveness flag with the connected state of both connections and the
// transport state of the client connection as seen by the StateProber. The
// server connection's transport state is not inspected.
func (t *Tunnel) IsActive() bool {
	if !t.alive.Load() {
		return false
	}
	clientConnected := t.client != nil && !t.closed.Load()
	serverConnected := t.server != nil && !t.closed.Load()
	clientHealthy := clientConnected && t.prober.Healthy(t.client)
	if !(clientConnected && clientHealthy && serverConnected) {
		t.markDead()
	}
	return t.alive.Load()
}

// Close closes both connections exactly once and stops the tunnel. Later
// calls return nil.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.markDead()
		var errs []error
		for _, c := range []net.Conn{t.client, t.server} {
			if c == nil {
				continue
			}
			if cerr := c.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				errs = append(errs, cerr)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// Wait blocks until both relay loops have returned. It returns immediately
// if the tunnel was never started.
func (t *Tunnel) Wait() {
	t.relays.Wait()
}

// Metadata returns a snapshot with no connection handles.
func (t *Tunnel) Metadata() Metadata {
	m := t.meta
	m.BytesClientToServer = t.up.Load()
	m.BytesServerToClient = t.down.Load()
	return m
}

func (t *Tunnel) String() string {
	return t.meta.String()
}
