//go:build linux || windows

package tunnel

import (
	"log/slog"
	"net"

	"github.com/cakturk/go-netstat/netstat"
)

// NetstatProber looks a connection up in the kernel TCP table and reports it
// healthy when its state is Established, Listen, SynRecv, SynSent or TimeWait.
// A connection missing from the table is unhealthy. When the table cannot be
// read at all the prober falls back to the connected state.
type NetstatProber struct {
	Logger *slog.Logger
}

func tableProber(logger *slog.Logger) (StateProber, bool) {
	return &NetstatProber{Logger: logger}, true
}

func (p *NetstatProber) Healthy(conn net.Conn) bool {
	local, lok := conn.LocalAddr().(*net.TCPAddr)
	remote, rok := conn.RemoteAddr().(*net.TCPAddr)
	if !lok || !rok {
		// Not a TCP socket (pipes in tests, wrapped conns); nothing to inspect.
		return true
	}

	match := func(e *netstat.SockTabEntry) bool {
		return e.LocalAddr != nil && e.RemoteAddr != nil &&
			int(e.LocalAddr.Port) == local.Port && e.LocalAddr.IP.Equal(local.IP) &&
			int(e.RemoteAddr.Port) == remote.Port && e.RemoteAddr.IP.Equal(remote.IP)
	}

	socks := netstat.TCPSocks
	if remote.IP.To4() == nil {
		socks = netstat.TCP6Socks
	}
	entries, err := socks(match)
	if err == nil && len(entries) == 0 && remote.IP.To4() != nil {
		// Dual-stack listeners report IPv4 peers in the IPv6 table.
		entries, err = netstat.TCP6Socks(match)
	}
	if err != nil {
		if p.Logger != nil {
			p.Logger.Debug("tcp table lookup failed", "remote", remote.String(), "error", err)
		}
		return true
	}
	if len(entries) == 0 {
		return false
	}
	return healthyState(entries[0].State)
}

func healthyState(s netstat.SkState) bool {
	switch s {
	case netstat.Established, netstat.Listen, netstat.SynRecv, netstat.SynSent, netstat.TimeWait:
		return true
	}
	return false
}
