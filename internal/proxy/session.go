package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"

	"github.com/google/uuid"

	"proxy-ify/internal/auth"
	"proxy-ify/internal/httpmsg"
)

// session handles a single accepted client connection.
type session struct {
	id     string
	client net.Conn
	server *Server
	log    *slog.Logger
}

func newSession(s *Server, conn net.Conn) *session {
	id := uuid.NewString()
	return &session{
		id:     id,
		client: conn,
		server: s,
		log:    s.config.Logger.With("conn", id, "client", conn.RemoteAddr().String()),
	}
}

// handle decodes one request, consults the authorizer and dispatches to the
// CONNECT or forward path. The client connection is always closed on return
// and panics never escape.
func (sess *session) handle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sess.server.config.Metrics.Panics.Inc()
			sess.log.Error("connection handler panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		sess.client.Close()
	}()

	srcIP, srcPort := splitAddr(sess.client.RemoteAddr())
	dstIP, dstPort := splitAddr(sess.client.LocalAddr())

	br, lift := httpmsg.NewHeadReader(sess.client, ReadBufferSize, httpmsg.MaxHeaderBytes)
	req, err := httpmsg.Decode(br)
	if err != nil {
		sess.log.Warn("unable to decode request", "error", err)
		return
	}
	lift()
	req.SourceIP, req.SourcePort = srcIP, srcPort
	req.DestIP, req.DestPort = dstIP, dstPort
	sess.log.Debug("request received", "method", req.Method, "url", req.FullURL)

	if permitted, reason := sess.server.config.Authorizer.Authorize(ctx, req); !permitted {
		policy := sess.server.config.Policy
		sess.server.config.Metrics.DeniedRequests.WithLabelValues(policy.String()).Inc()
		sess.log.Info("request denied by authorizer", "reason", reason, "policy", policy.String(),
			"method", req.Method, "url", req.FullURL)
		if policy == auth.Enforce {
			if err := auth.WriteChallenge(sess.client); err != nil {
				sess.log.Debug("unable to write proxy challenge", "error", err)
			}
			return
		}
	}

	if req.IsConnect() {
		sess.connect(ctx, req, br)
		return
	}
	sess.forward(ctx, req)
}

// splitAddr returns the IP and port of a TCP address, or the address string
// and zero for anything else.
func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}
