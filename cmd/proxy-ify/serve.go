package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"proxy-ify/internal/auth"
	"proxy-ify/internal/config"
	"proxy-ify/internal/console"
	"proxy-ify/internal/logging"
	"proxy-ify/internal/metrics"
	"proxy-ify/internal/proxy"
	"proxy-ify/internal/tunnel"
	"proxy-ify/internal/usermgmt"
)

const logo = `
                                   _  __
 _ __  _ __ _____  ___   _      (_)/ _|_   _
| '_ \| '__/ _ \ \/ / | | |_____| | |_| | | |
| |_) | | | (_) >  <| |_| |_____| |  _| |_| |
| .__/|_|  \___/_/\_\\__, |     |_|_|  \__, |
|_|                  |___/             |___/
`

// serve loads settings, wires every component and runs the proxy until a
// signal arrives or the operator quits from the console.
func serve(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	cfgPath := fs.String("cfg", "", "settings file, created with defaults when missing")
	display := fs.Bool("display-cfg", false, "print the effective settings")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	envErr := godotenv.Load()

	settings, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if *display {
		if err := settings.Display(os.Stdout); err != nil {
			return err
		}
	}

	logger, closeLog, err := logging.New(settings.Logging, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("no .env file loaded", "error", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	authorizer, policy, err := buildAuth(ctx, g, settings, logger)
	if err != nil {
		return err
	}

	registry := tunnel.NewRegistry(logger)
	m := metrics.New("proxyify")
	m.TrackTunnels(registry.Count)
	if addr := settings.Metrics.ListenAddress; addr != "" {
		startMetrics(ctx, g, addr, m, logger)
	}

	cfg := proxy.Config{
		Address:                   settings.ListenAddress(),
		MaxConnections:            settings.Proxy.MaxConnections,
		AcceptInvalidCertificates: settings.Proxy.AcceptInvalidCertificates,
		Authorizer:                authorizer,
		Policy:                    policy,
		Registry:                  registry,
		Prober:                    tunnel.NewProber(settings.Proxy.InspectConnectionTable, logger),
		Metrics:                   m,
		ShutdownTimeout:           settings.Proxy.ShutdownTimeout,
		Logger:                    logger,
	}
	if settings.Proxy.TLS {
		if cfg.TLSConfig, err = buildTLS(settings); err != nil {
			return err
		}
	}
	srv := proxy.New(cfg)

	welcome(settings, *cfgPath)
	g.Go(func() error {
		return srv.Listen(ctx)
	})

	if settings.EnableConsole {
		// Reading stdin cannot be interrupted, so the console stays outside the group.
		go func() {
			c := console.New(os.Stdin, os.Stdout, registry, srv.Admission(), cancel)
			if err := c.Run(ctx); err != nil {
				logger.Warn("console stopped", "error", err)
			}
		}()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("proxy-ify terminated with error", "error", err)
		return err
	}
	logger.Info("proxy-ify stopped")
	return nil
}

// buildAuth resolves the authorizer and deny policy, opening and watching the
// user database when it backs authentication.
func buildAuth(ctx context.Context, g *errgroup.Group, s *config.Settings, logger *slog.Logger) (auth.Authorizer, auth.Policy, error) {
	policy, err := auth.ParsePolicy(s.Auth.Policy)
	if err != nil {
		return nil, policy, err
	}

	var users auth.CredentialChecker
	if s.Auth.Mode == auth.ModeUsers {
		path, err := usersPath(s)
		if err != nil {
			return nil, policy, fmt.Errorf("locate user database: %w", err)
		}
		store, err := usermgmt.Open(path, logger)
		if err != nil {
			return nil, policy, err
		}
		um := usermgmt.NewManager(store, os.Stdin, os.Stdout, logger)
		if err := um.CreateDefaultUserFromEnv(); err != nil {
			logger.Warn("failed to create default user from environment", "error", err)
		}
		if store.Count() == 0 {
			logger.Warn("user database is empty, every request will be denied", "path", path)
		}
		if s.Auth.WatchUsers {
			g.Go(func() error {
				return store.Watch(ctx)
			})
		}
		users = store
	}

	authorizer, err := auth.New(s.Auth.Mode, users, logger)
	if err != nil {
		return nil, policy, err
	}
	logger.Info("authorization configured", "mode", s.Auth.Mode, "policy", policy.String())
	return authorizer, policy, nil
}

func buildTLS(s *config.Settings) (*tls.Config, error) {
	certFile, keyFile := s.Proxy.TLSCertFile, s.Proxy.TLSKeyFile
	if certFile == "" || keyFile == "" {
		var err error
		if certFile, keyFile, err = config.GetCertPaths(); err != nil {
			return nil, fmt.Errorf("locate certificate: %w", err)
		}
	}
	hosts := []string{"localhost"}
	if ip := net.ParseIP(s.Proxy.ListenerIPAddress); ip != nil && !ip.IsUnspecified() {
		hosts = append(hosts, ip.String())
	}
	return proxy.TLSConfig(certFile, keyFile, hosts...)
}

// startMetrics serves /metrics on addr until ctx ends.
func startMetrics(ctx context.Context, g *errgroup.Group, addr string, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		logger.Info("metrics listener started", "address", addr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
}

func welcome(s *config.Settings, cfgPath string) {
	fmt.Print(logo)
	fmt.Println("proxy-ify starting on " + s.ListenAddress())
	if cfgPath == "" {
		fmt.Println("Use --cfg=<filename> to load from a configuration file")
	}
}
