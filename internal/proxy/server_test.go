package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxy-ify/internal/auth"
	"proxy-ify/internal/httpmsg"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	*Server
	addr   string
	cancel context.CancelFunc
	errc   chan error
}

// startServer runs a proxy on a loopback port and stops it when the test ends.
func startServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.TCPDialer{}
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	if cfg.LivenessInterval == 0 {
		cfg.LivenessInterval = 10 * time.Millisecond
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{Server: srv, addr: ln.Addr().String(), cancel: cancel, errc: make(chan error, 1)}
	go func() { ts.errc <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.errc:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ts
}

// origin accepts connections on a loopback port and hands each to the test.
func origin(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	conns := make(chan net.Conn, 8)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		for {
			select {
			case c := <-conns:
				c.Close()
			default:
				return
			}
		}
	})
	return ln.Addr().String(), conns
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func connectRequest(target string) string {
	return "CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n"
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func readAll(t *testing.T, c net.Conn) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	return b
}

func accepted(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("origin never accepted a connection")
		return nil
	}
}

func TestConnectTunnel(t *testing.T) {
	target, conns := origin(t)
	ts := startServer(t, Config{})

	client := dial(t, ts.addr)
	_, err := io.WriteString(client, connectRequest(target))
	require.NoError(t, err)
	assert.Equal(t, ConnectEstablished, string(readN(t, client, len(ConnectEstablished))))

	upstream := accepted(t, conns)

	up := []byte("0123456789")
	_, err = client.Write(up)
	require.NoError(t, err)
	assert.Equal(t, up, readN(t, upstream, len(up)))

	down := []byte("abcdefghijklmnopqrst")
	_, err = upstream.Write(down)
	require.NoError(t, err)
	assert.Equal(t, down, readN(t, client, len(down)))

	require.Eventually(t, func() bool { return ts.Registry().Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	snap := ts.Registry().Metadata()
	require.Len(t, snap, 1)
	host, port, _ := net.SplitHostPort(target)
	assert.Equal(t, host, snap[0].DestHostname)
	assert.Equal(t, port, strconv.Itoa(snap[0].DestHostPort))

	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return ts.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	// The origin side is torn down with the tunnel.
	assert.Empty(t, readAll(t, upstream))
}

func TestConnectRelaysBytesSentWithTheRequest(t *testing.T) {
	target, conns := origin(t)
	ts := startServer(t, Config{})

	client := dial(t, ts.addr)
	_, err := io.WriteString(client, connectRequest(target)+"hello")
	require.NoError(t, err)
	assert.Equal(t, ConnectEstablished, string(readN(t, client, len(ConnectEstablished))))

	upstream := accepted(t, conns)
	assert.Equal(t, "hello", string(readN(t, upstream, 5)))
}

func TestConnectEndsWhenOriginCloses(t *testing.T) {
	target, conns := origin(t)
	ts := startServer(t, Config{})

	client := dial(t, ts.addr)
	_, err := io.WriteString(client, connectRequest(target))
	require.NoError(t, err)
	readN(t, client, len(ConnectEstablished))

	upstream := accepted(t, conns)
	_, err = io.WriteString(upstream, "bye")
	require.NoError(t, err)
	require.NoError(t, upstream.Close())

	assert.Equal(t, "bye", string(readAll(t, client)))
	assert.Eventually(t, func() bool { return ts.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectToRefusedTargetClosesSilently(t *testing.T) {
	ts := startServer(t, Config{})

	client := dial(t, ts.addr)
	_, err := io.WriteString(client, connectRequest(closedAddr(t)))
	require.NoError(t, err)

	assert.Empty(t, readAll(t, client))
	assert.Equal(t, 0, ts.Registry().Count())
}

func TestUndecodableRequestClosesSilently(t *testing.T) {
	ts := startServer(t, Config{})

	client := dial(t, ts.addr)
	_, err := io.WriteString(client, "this is not http\r\n\r\n")
	require.NoError(t, err)
	assert.Empty(t, readAll(t, client))
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes and reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const admissionWarning = "maximum connections reached"

func TestAdmissionHoldsConnectionsOverTheCeiling(t *testing.T) {
	target, conns := origin(t)
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ts := startServer(t, Config{MaxConnections: 1, Logger: logger})

	first := dial(t, ts.addr)
	_, err := io.WriteString(first, connectRequest(target))
	require.NoError(t, err)
	readN(t, first, len(ConnectEstablished))
	accepted(t, conns)

	second := dial(t, ts.addr)
	_, err = io.WriteString(second, connectRequest(target))
	require.NoError(t, err)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, err = second.Read(make([]byte, 1))
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "second connection must wait, got %v", err)
	assert.Equal(t, int64(1), ts.Admission().Active())

	require.NoError(t, first.Close())
	assert.Equal(t, ConnectEstablished, string(readN(t, second, len(ConnectEstablished))))
	accepted(t, conns)

	assert.Equal(t, 1, strings.Count(logs.String(), admissionWarning), logs.String())
}

func denyAll(reason string) auth.Authorizer {
	return auth.AuthorizerFunc(func(context.Context, *httpmsg.Request) (bool, string) {
		return false, reason
	})
}

func TestEnforcePolicyAnswersProxyAuthRequired(t *testing.T) {
	target, _ := origin(t)
	ts := startServer(t, Config{Authorizer: denyAll("no credentials"), Policy: auth.Enforce})

	client := dial(t, ts.addr)
	_, err := io.WriteString(client, connectRequest(target))
	require.NoError(t, err)

	got := string(readAll(t, client))
	assert.Equal(t, "HTTP/1.1 407 Proxy Authentication Required\r\n"+
		"Proxy-Authenticate: Basic realm=\"proxy-ify\"\r\n"+
		"Content-Length: 0\r\n"+
		"Connection: close\r\n\r\n", got)
	assert.Equal(t, 0, ts.Registry().Count())
}

func TestLogOnlyPolicyProceeds(t *testing.T) {
	target, conns := origin(t)
	ts := startServer(t, Config{Authorizer: denyAll("no credentials"), Policy: auth.LogOnly})

	client := dial(t, ts.addr)
	_, err := io.WriteString(client, connectRequest(target))
	require.NoError(t, err)
	assert.Equal(t, ConnectEstablished, string(readN(t, client, len(ConnectEstablished))))
	accepted(t, conns)
}

func TestPanicInHandlerDoesNotStopTheServer(t *testing.T) {
	target, conns := origin(t)
	boom := auth.AuthorizerFunc(func(_ context.Context, req *httpmsg.Request) (bool, string) {
		if req.DestHostname == "boom.invalid" {
			panic("authorizer exploded")
		}
		return true, ""
	})
	ts := startServer(t, Config{Authorizer: boom})

	bad := dial(t, ts.addr)
	_, err := io.WriteString(bad, connectRequest("boom.invalid:443"))
	require.NoError(t, err)
	assert.Empty(t, readAll(t, bad))

	good := dial(t, ts.addr)
	_, err = io.WriteString(good, connectRequest(target))
	require.NoError(t, err)
	assert.Equal(t, ConnectEstablished, string(readN(t, good, len(ConnectEstablished))))
	accepted(t, conns)
}

func TestServeReturnsAfterIdleShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(Config{Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	_, err = net.Dial("tcp", ln.Addr().String())
	assert.Error(t, err, "listener is closed")
}

func TestShutdownForcesStuckTunnelsClosed(t *testing.T) {
	target, conns := origin(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(Config{
		Logger:           testLogger(),
		Dialer:           &transport.TCPDialer{},
		ShutdownTimeout:  100 * time.Millisecond,
		LivenessInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	client := dial(t, ln.Addr().String())
	_, err = io.WriteString(client, connectRequest(target))
	require.NoError(t, err)
	readN(t, client, len(ConnectEstablished))
	accepted(t, conns)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrShutdownTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Empty(t, readAll(t, client))
	assert.Equal(t, 0, srv.Registry().Count())
}

func TestAdmissionWarnsOncePerBlockedConnection(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	a := NewAdmission(1)

	_, err := a.Acquire(context.Background(), logger)
	require.NoError(t, err)
	assert.Empty(t, logs.String(), "no warning below the ceiling")

	admitted := make(chan bool, 1)
	go func() {
		waited, err := a.Acquire(context.Background(), logger)
		assert.NoError(t, err)
		admitted <- waited
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), admissionWarning)
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	a.Release()

	select {
	case waited := <-admitted:
		assert.True(t, waited)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked connection was never admitted")
	}
	a.Release()

	out := logs.String()
	assert.Equal(t, 1, strings.Count(out, "level=WARN"), out)
	assert.Equal(t, 1, strings.Count(out, admissionWarning), out)
}

func TestAdmission(t *testing.T) {
	a := NewAdmission(1)
	assert.Equal(t, int64(1), a.Max())

	waited, err := a.Acquire(context.Background(), testLogger())
	require.NoError(t, err)
	assert.False(t, waited)
	assert.Equal(t, int64(1), a.Active())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	waited, err = a.Acquire(ctx, testLogger())
	assert.True(t, waited)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), a.Active())

	a.Release()
	assert.Equal(t, int64(0), a.Active())
	waited, err = a.Acquire(context.Background(), testLogger())
	require.NoError(t, err)
	assert.False(t, waited)
	a.Release()

	assert.Equal(t, int64(1), NewAdmission(0).Max())
}
