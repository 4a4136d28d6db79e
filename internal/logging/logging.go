// Package logging builds the proxy-ify logger from the logging settings.
//
// Records fan out to every enabled sink: a colourised console handler on
// stderr, a rotating JSON file and a remote syslog server.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"proxy-ify/internal/config"
)

// ParseLevel maps a settings level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New returns a logger writing to every sink enabled in s, and a function
// that closes the file and syslog sinks. The console sink writes to stderr.
// With no sink enabled the logger discards everything.
func New(s config.LoggingSettings, stderr io.Writer) (logger *slog.Logger, closeFn func() error, err error) {
	level, err := ParseLevel(s.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		handlers []slog.Handler
		closers  []func() error
	)
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			_ = closeAll()
		}
	}()

	if s.ConsoleEnable && stderr != nil {
		handlers = append(handlers, tint.NewHandler(stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    !isTerminal(stderr),
		}))
	}

	if s.File != "" {
		w := &closeGuard{Writer: &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    5, // MB
			MaxBackups: 1,
		}}
		closers = append(closers, w.Close)
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}

	if s.SyslogEnable {
		addr := s.SyslogAddress()
		w, err := dialSyslog(addr)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to syslog %s: %w", addr, err)
		}
		closers = append(closers, w.Close)
		handlers = append(handlers, slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.DiscardHandler), closeAll, nil
	case 1:
		return slog.New(handlers[0]), closeAll, nil
	}
	return slog.New(&fanout{handlers: handlers}), closeAll, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// closeGuard stops writes after Close. lumberjack re-opens its file on
// Write, which would leak a descriptor after shutdown.
type closeGuard struct {
	Writer io.WriteCloser

	mu     sync.Mutex
	closed bool
}

func (c *closeGuard) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Writer.Close()
}

func (c *closeGuard) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return c.Writer.Write(p)
}
