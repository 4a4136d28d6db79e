package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/jpillora/backoff"

	"proxy-ify/internal/auth"
	"proxy-ify/internal/metrics"
	"proxy-ify/internal/tunnel"
)

const (
	// DefaultShutdownTimeout bounds how long shutdown waits for in-flight connections.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultLivenessInterval is how often a tunnel supervisor polls IsActive.
	DefaultLivenessInterval = 100 * time.Millisecond

	// ReadBufferSize is the size of the buffered reader requests are decoded from.
	ReadBufferSize = 16 * 1024

	acceptRetryMin = 5 * time.Millisecond
	acceptRetryMax = time.Second
)

// ErrShutdownTimeout is returned when in-flight connections outlive the shutdown timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the proxy server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig wraps the listener in TLS when set
	TLSConfig *tls.Config

	// MaxConnections is the admission ceiling
	MaxConnections int

	// Dialer opens origin connections for both CONNECT tunnels and forwarded requests
	Dialer transport.StreamDialer

	// HTTPClient sends forwarded requests. Built from Dialer when nil.
	HTTPClient *http.Client

	// AcceptInvalidCertificates disables origin certificate checks on the forward path
	AcceptInvalidCertificates bool

	Authorizer auth.Authorizer
	Policy     auth.Policy

	Registry *tunnel.Registry
	Prober   tunnel.StateProber
	Metrics  *metrics.Metrics

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// after the context is cancelled. Remaining connections are then closed.
	ShutdownTimeout time.Duration

	// LivenessInterval is the tunnel supervisor's polling period
	LivenessInterval time.Duration

	Logger *slog.Logger
}

// Server accepts proxy connections and dispatches each to the CONNECT or
// forward path.
type Server struct {
	config    Config
	admission *Admission
	client    *http.Client

	wg    sync.WaitGroup
	conns sync.Map // map[*session]struct{}
}

// New creates a Server, filling unset Config fields with defaults.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = 256
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.HappyEyeballsStreamDialer{Dialer: &transport.TCPDialer{}}
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = auth.AllowAll{}
	}
	if cfg.Registry == nil {
		cfg.Registry = tunnel.NewRegistry(cfg.Logger)
	}
	if cfg.Prober == nil {
		cfg.Prober = tunnel.ConnectedOnly{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("")
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.LivenessInterval == 0 {
		cfg.LivenessInterval = DefaultLivenessInterval
	}

	client := cfg.HTTPClient
	if client == nil {
		client = NewHTTPClient(cfg.Dialer, cfg.AcceptInvalidCertificates)
	}

	return &Server{
		config:    cfg,
		admission: NewAdmission(cfg.MaxConnections),
		client:    client,
	}
}

// Registry returns the tunnel registry the server populates.
func (s *Server) Registry() *tunnel.Registry {
	return s.config.Registry
}

// Admission returns the server's admission controller.
func (s *Server) Admission() *Admission {
	return s.admission
}

// Listen binds Config.Address and serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", "address", s.config.Address)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. Cancellation stops
// admission only: in-flight connections keep running until they finish or
// ShutdownTimeout passes, after which they are closed and every remaining
// tunnel is torn down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := s.config.Logger
	log.Info("proxy server started", "address", ln.Addr().String(), "max_connections", s.admission.Max())

	// Connections outlive ctx; connCtx is only cancelled when the drain times out.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx, connCtx, ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, closing listener")
	case <-acceptDone:
		serveErr = errors.New("listener stopped accepting connections")
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error("error closing listener", "error", err)
	}
	<-acceptDone

	if err := s.drain(connCancel); err != nil {
		return err
	}
	return serveErr
}

func (s *Server) acceptLoop(ctx, connCtx context.Context, ln net.Listener) {
	log := s.config.Logger
	retry := &backoff.Backoff{Min: acceptRetryMin, Max: acceptRetryMax, Factor: 2}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			delay := retry.Duration()
			log.Error("failed to accept connection", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		retry.Reset()

		sess := newSession(s, conn)
		waited, err := s.admission.Acquire(ctx, sess.log)
		if waited {
			s.config.Metrics.AdmissionWaits.Inc()
		}
		if err != nil {
			conn.Close()
			return
		}

		s.config.Metrics.ConnectionsTotal.Inc()
		s.config.Metrics.ActiveConnections.Inc()
		s.conns.Store(sess, struct{}{})
		s.wg.Add(1)
		go func() {
			defer func() {
				s.conns.Delete(sess)
				s.config.Metrics.ActiveConnections.Dec()
				s.admission.Release()
				s.wg.Done()
			}()
			sess.handle(connCtx)
		}()
	}
}

// drain waits for in-flight connections, force-closing them after ShutdownTimeout.
func (s *Server) drain(connCancel context.CancelFunc) error {
	log := s.config.Logger
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
	}

	log.Warn("shutdown timeout exceeded, forcing connection closure", "active", s.admission.Active())
	connCancel()
	s.conns.Range(func(key, _ any) bool {
		key.(*session).client.Close()
		return true
	})
	if err := s.config.Registry.CloseAll(); err != nil {
		log.Debug("closing tunnels", "error", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return ErrShutdownTimeout
}
