package tunnel

import (
	"log/slog"
	"net"
)

// StateProber inspects the transport-level state of a connection.
type StateProber interface {
	// Healthy reports whether conn is in a state that still carries traffic.
	Healthy(conn net.Conn) bool
}

// ConnectedOnly is the portable prober. It trusts the connected flag the
// tunnel already tracks and reports every connection as healthy.
type ConnectedOnly struct{}

func (ConnectedOnly) Healthy(net.Conn) bool { return true }

// NewProber returns the kernel connection-table prober when inspectTable is set
// and the platform supports it, and ConnectedOnly otherwise.
func NewProber(inspectTable bool, logger *slog.Logger) StateProber {
	if logger == nil {
		logger = slog.Default()
	}
	if !inspectTable {
		return ConnectedOnly{}
	}
	if p, ok := tableProber(logger); ok {
		return p
	}
	logger.Warn("connection table inspection is not supported on this platform, using connected state only")
	return ConnectedOnly{}
}
