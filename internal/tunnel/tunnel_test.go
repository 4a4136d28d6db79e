package tunnel

import (
	"bufio"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	srv := <-accepted
	require.NotNil(t, srv)
	t.Cleanup(func() {
		dialed.Close()
		srv.Close()
	})
	return dialed, srv
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func waitDone(t *testing.T, tun *Tunnel) {
	t.Helper()
	select {
	case <-tun.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not finish")
	}
}

func TestTunnelRelaysBytesExactly(t *testing.T) {
	client, proxyClient := tcpPair(t)
	proxyServer, origin := tcpPair(t)

	tun := New(Params{ID: "relay", Client: proxyClient, Server: proxyServer})
	tun.Start()
	defer func() {
		require.NoError(t, tun.Close())
		tun.Wait()
	}()

	var sentUp, sentDown int64
	for _, size := range []int{1, 10, 4096, BufferPoolSize + 17, 3 * BufferPoolSize} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			up := randomBytes(t, size)
			down := randomBytes(t, size*2)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := client.Write(up)
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := origin.Write(down)
				assert.NoError(t, err)
			}()

			gotUp := make([]byte, len(up))
			_, err := io.ReadFull(origin, gotUp)
			require.NoError(t, err)
			gotDown := make([]byte, len(down))
			_, err = io.ReadFull(client, gotDown)
			require.NoError(t, err)
			wg.Wait()

			require.Equal(t, up, gotUp)
			require.Equal(t, down, gotDown)
		})
		sentUp += int64(size)
		sentDown += int64(size * 2)
	}

	assert.True(t, tun.IsActive())
	assert.Eventually(t, func() bool {
		m := tun.Metadata()
		return m.BytesClientToServer == sentUp && m.BytesServerToClient == sentDown
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTunnelForwardsBufferedClientBytes(t *testing.T) {
	client, proxyClient := tcpPair(t)
	proxyServer, origin := tcpPair(t)

	br := bufio.NewReader(io.MultiReader(strings.NewReader("early"), proxyClient))
	tun := New(Params{ID: "buffered", Client: proxyClient, ClientReader: br, Server: proxyServer})
	tun.Start()
	defer func() {
		tun.Close()
		tun.Wait()
	}()

	_, err := client.Write([]byte("-late"))
	require.NoError(t, err)

	got := make([]byte, len("early-late"))
	_, err = io.ReadFull(origin, got)
	require.NoError(t, err)
	assert.Equal(t, "early-late", string(got))
}

func TestTunnelEndsWhenClientCloses(t *testing.T) {
	client, proxyClient := tcpPair(t)
	proxyServer, _ := tcpPair(t)

	tun := New(Params{ID: "eof", Client: proxyClient, Server: proxyServer})
	tun.Start()

	require.NoError(t, client.Close())
	waitDone(t, tun)
	assert.False(t, tun.IsActive())

	require.NoError(t, tun.Close())
	tun.Wait()
}

type flipProber struct {
	healthy atomic.Bool
	calls   atomic.Int32
}

func (p *flipProber) Healthy(net.Conn) bool {
	p.calls.Add(1)
	return p.healthy.Load()
}

func TestIsActiveNeverRecovers(t *testing.T) {
	a, _ := net.Pipe()
	b, _ := net.Pipe()
	defer a.Close()
	defer b.Close()

	prober := &flipProber{}
	prober.healthy.Store(true)
	tun := New(Params{ID: "mono", Client: a, Server: b, Prober: prober})

	require.True(t, tun.IsActive())

	prober.healthy.Store(false)
	require.False(t, tun.IsActive())

	prober.healthy.Store(true)
	for i := 0; i < 10; i++ {
		assert.False(t, tun.IsActive())
	}
	waitDone(t, tun)
	assert.Equal(t, int32(2), prober.calls.Load(), "prober is not consulted once the tunnel is dead")
}

func TestIsActiveFalseAfterClose(t *testing.T) {
	a, _ := net.Pipe()
	b, _ := net.Pipe()

	tun := New(Params{ID: "closed", Client: a, Server: b})
	require.True(t, tun.IsActive())
	require.NoError(t, tun.Close())
	assert.False(t, tun.IsActive())
	assert.NoError(t, tun.Close(), "second close is a no-op")
}

func TestMetadataString(t *testing.T) {
	m := Metadata{
		ID:           "abc",
		SourceIP:     "10.0.0.1",
		SourcePort:   5000,
		DestIP:       "93.184.216.34",
		DestPort:     443,
		DestHostname: "example.com",
		DestHostPort: 443,
		Created:      time.Date(2024, 3, 5, 7, 8, 9, 0, time.UTC),
	}
	assert.Equal(t, "03/05/2024 07:08:09 10.0.0.1:5000 to 93.184.216.34:443 [example.com:443]", m.String())
}

type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

type recordingWriter struct {
	writes []int
	data   []byte
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, len(p))
	w.data = append(w.data, p...)
	return len(p), nil
}

func TestCopyWithBufferForwardsEachRead(t *testing.T) {
	src := &chunkReader{chunks: [][]byte{[]byte("abc"), []byte("defghij"), []byte("k")}}
	dst := &recordingWriter{}
	var counter atomic.Int64

	n, err := CopyWithBuffer(dst, src, &counter)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, int64(11), counter.Load())
	assert.Equal(t, []int{3, 7, 1}, dst.writes)
	assert.Equal(t, "abcdefghijk", string(dst.data))
}

func TestIsClosedError(t *testing.T) {
	for _, err := range []error{
		io.EOF,
		net.ErrClosed,
		fmt.Errorf("read: %w", syscall.ECONNRESET),
		&net.OpError{Op: "write", Err: syscall.EPIPE},
		errors.New("write tcp 127.0.0.1:1->127.0.0.1:2: use of closed network connection"),
	} {
		assert.True(t, IsClosedError(err), err.Error())
	}
	assert.False(t, IsClosedError(nil))
	assert.False(t, IsClosedError(errors.New("tls: bad record MAC")))
}

func TestNewProberDefaultsToConnectedOnly(t *testing.T) {
	assert.Equal(t, ConnectedOnly{}, NewProber(false, nil))
}
