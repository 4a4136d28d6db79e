//go:build linux

package tunnel

import (
	"net"
	"testing"
	"time"

	"github.com/cakturk/go-netstat/netstat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetstatProberTracksPeerClose(t *testing.T) {
	if _, err := netstat.TCPSocks(func(*netstat.SockTabEntry) bool { return false }); err != nil {
		t.Skipf("tcp table unavailable: %v", err)
	}

	prober := NewProber(true, nil)
	require.IsType(t, &NetstatProber{}, prober)

	peer, conn := tcpPair(t)
	assert.True(t, prober.Healthy(conn), "established connection")

	upstream, _ := tcpPair(t)
	tun := New(Params{ID: "netstat", Client: conn, Server: upstream, Prober: prober})
	require.True(t, tun.IsActive())

	require.NoError(t, peer.Close())
	// Our side sits in CLOSE_WAIT once the peer's FIN arrives.
	assert.Eventually(t, func() bool { return !prober.Healthy(conn) }, 2*time.Second, 20*time.Millisecond)

	assert.False(t, tun.IsActive())
	waitDone(t, tun)
	for i := 0; i < 5; i++ {
		assert.False(t, tun.IsActive())
	}
	require.NoError(t, tun.Close())
}

func TestNetstatProberIgnoresNonTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	assert.True(t, (&NetstatProber{}).Healthy(a))
}

func TestHealthyState(t *testing.T) {
	for _, s := range []netstat.SkState{netstat.Established, netstat.Listen, netstat.SynRecv, netstat.SynSent, netstat.TimeWait} {
		assert.True(t, healthyState(s), s.String())
	}
	for _, s := range []netstat.SkState{netstat.CloseWait, netstat.FinWait1, netstat.LastAck, netstat.Close} {
		assert.False(t, healthyState(s), s.String())
	}
}
