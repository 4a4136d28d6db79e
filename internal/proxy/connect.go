package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	"github.com/jpillora/sizestr"

	"proxy-ify/internal/httpmsg"
	"proxy-ify/internal/tunnel"
)

// ConnectEstablished is written to the client once the origin accepted the connection.
const ConnectEstablished = "HTTP/1.1 200 Connection Established\r\nConnection: close\r\n\r\n"

type noDelayer interface {
	SetNoDelay(bool) error
}

// setNoDelay enables TCP_NODELAY on c, looking through TLS and other
// wrappers that expose the underlying connection.
func setNoDelay(c net.Conn) bool {
	for c != nil {
		if nd, ok := c.(noDelayer); ok {
			return nd.SetNoDelay(true) == nil
		}
		w, ok := c.(interface{ NetConn() net.Conn })
		if !ok {
			return false
		}
		c = w.NetConn()
	}
	return false
}

// connect establishes a CONNECT tunnel and supervises it until it ends. A
// failed origin dial is silent: nothing is written to the client.
func (sess *session) connect(ctx context.Context, req *httpmsg.Request, br *bufio.Reader) {
	cfg := sess.server.config
	setNoDelay(sess.client)

	target, err := cfg.Dialer.DialStream(ctx, req.Authority())
	if err != nil {
		cfg.Metrics.UpstreamFailures.WithLabelValues("connect").Inc()
		sess.log.Debug("unable to connect to target", "target", req.Authority(), "error", err)
		return
	}
	setNoDelay(target)

	if _, err := io.WriteString(sess.client, ConnectEstablished); err != nil {
		target.Close()
		sess.log.Debug("unable to write connect response", "error", err)
		return
	}

	destIP, destPort := splitAddr(target.RemoteAddr())
	tun := tunnel.New(tunnel.Params{
		ID:           sess.id,
		SourceIP:     req.SourceIP,
		SourcePort:   req.SourcePort,
		DestIP:       destIP,
		DestPort:     destPort,
		DestHostname: req.DestHostname,
		DestHostPort: req.DestHostPort,
		Client:       sess.client,
		ClientReader: br,
		Server:       target,
		Prober:       cfg.Prober,
		Logger:       sess.log,
	})
	cfg.Registry.Add(tun)
	cfg.Metrics.TunnelsTotal.Inc()
	tun.Start()
	sess.log.Debug("tunnel established", "tunnel", tun.String())

	started := time.Now()
	sess.supervise(ctx, tun)

	// Removal closes both connections, which unblocks the relay loops.
	cfg.Registry.RemoveTunnel(tun)
	tun.Close()
	tun.Wait()

	m := tun.Metadata()
	cfg.Metrics.RelayedBytes.WithLabelValues(string(tunnel.ClientToServer)).Add(float64(m.BytesClientToServer))
	cfg.Metrics.RelayedBytes.WithLabelValues(string(tunnel.ServerToClient)).Add(float64(m.BytesServerToClient))
	cfg.Metrics.TunnelDuration.Observe(time.Since(started).Seconds())
	sess.log.Debug("tunnel closed",
		"target", req.Authority(),
		"sent", sizestr.ToString(m.BytesClientToServer),
		"received", sizestr.ToString(m.BytesServerToClient))
}

// supervise blocks until the tunnel stops being active or ctx ends.
func (sess *session) supervise(ctx context.Context, tun *tunnel.Tunnel) {
	ticker := time.NewTicker(sess.server.config.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tun.Done():
			return
		case <-ticker.C:
			if !tun.IsActive() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
