package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable that overrides a setting.
const EnvPrefix = "PROXYIFY_"

// ErrInvalidSettings wraps every validation failure.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings is the full proxy-ify configuration.
type Settings struct {
	EnableConsole bool            `yaml:"enable_console" env:"ENABLE_CONSOLE"`
	Proxy         ProxySettings   `yaml:"proxy" envPrefix:"PROXY_"`
	Logging       LoggingSettings `yaml:"logging" envPrefix:"LOG_"`
	Auth          AuthSettings    `yaml:"auth" envPrefix:"AUTH_"`
	Metrics       MetricsSettings `yaml:"metrics" envPrefix:"METRICS_"`
}

// ProxySettings configures the listener and the connection engine.
type ProxySettings struct {
	ListenerIPAddress         string        `yaml:"listener_ip_address" env:"LISTENER_IP_ADDRESS"`
	ListenerPort              int           `yaml:"listener_port" env:"LISTENER_PORT"`
	MaxConnections            int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	AcceptInvalidCertificates bool          `yaml:"accept_invalid_certificates" env:"ACCEPT_INVALID_CERTIFICATES"`
	TLS                       bool          `yaml:"tls" env:"TLS"`
	TLSCertFile               string        `yaml:"tls_cert_file,omitempty" env:"TLS_CERT_FILE"`
	TLSKeyFile                string        `yaml:"tls_key_file,omitempty" env:"TLS_KEY_FILE"`
	InspectConnectionTable    bool          `yaml:"inspect_connection_table" env:"INSPECT_CONNECTION_TABLE"`
	ShutdownTimeout           time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LoggingSettings configures the log sinks.
type LoggingSettings struct {
	Level            string `yaml:"level" env:"LEVEL"`
	ConsoleEnable    bool   `yaml:"console_enable" env:"CONSOLE_ENABLE"`
	File             string `yaml:"file,omitempty" env:"FILE"`
	SyslogEnable     bool   `yaml:"syslog_enable" env:"SYSLOG_ENABLE"`
	SyslogServerIP   string `yaml:"syslog_server_ip" env:"SYSLOG_SERVER_IP"`
	SyslogServerPort int    `yaml:"syslog_server_port" env:"SYSLOG_SERVER_PORT"`
}

// AuthSettings selects the authorizer and what happens on deny.
type AuthSettings struct {
	Mode       string `yaml:"mode" env:"MODE"`
	Policy     string `yaml:"policy" env:"POLICY"`
	UsersFile  string `yaml:"users_file,omitempty" env:"USERS_FILE"`
	WatchUsers bool   `yaml:"watch_users" env:"WATCH_USERS"`
}

// MetricsSettings configures the Prometheus endpoint. An empty address disables it.
type MetricsSettings struct {
	ListenAddress string `yaml:"listen_address,omitempty" env:"LISTEN_ADDRESS"`
}

// Default returns the settings used when no file is given.
func Default() *Settings {
	return &Settings{
		EnableConsole: true,
		Proxy: ProxySettings{
			ListenerIPAddress:         "127.0.0.1",
			ListenerPort:              8000,
			MaxConnections:            256,
			AcceptInvalidCertificates: true,
			ShutdownTimeout:           30 * time.Second,
		},
		Logging: LoggingSettings{
			Level:            "info",
			ConsoleEnable:    true,
			SyslogServerIP:   "127.0.0.1",
			SyslogServerPort: 514,
		},
		Auth: AuthSettings{
			Mode:       "none",
			Policy:     "log-only",
			WatchUsers: true,
		},
	}
}

// FromFile reads settings from a YAML file. A missing file is created with
// the defaults, which are then returned.
func FromFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s := Default()
		if err := s.Save(path); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}

	s := Default()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, nil
}

// Load builds the effective settings: defaults or the file at path, then the
// PROXYIFY_ environment overlay, then validation.
func Load(path string) (*Settings, error) {
	s := Default()
	if path != "" {
		var err error
		if s, err = FromFile(path); err != nil {
			return nil, err
		}
	}
	if err := s.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyEnv overrides fields from PROXYIFY_ environment variables.
func (s *Settings) ApplyEnv() error {
	if err := env.ParseWithOptions(s, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Save writes the settings as YAML, creating the parent directory.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings %s: %w", path, err)
	}
	return nil
}

// Display writes the settings as YAML.
func (s *Settings) Display(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}

// ListenAddress returns the proxy listener as host:port. An empty IP listens
// on all interfaces.
func (s *Settings) ListenAddress() string {
	return net.JoinHostPort(s.Proxy.ListenerIPAddress, strconv.Itoa(s.Proxy.ListenerPort))
}

// SyslogAddress returns the syslog server as host:port.
func (l LoggingSettings) SyslogAddress() string {
	return net.JoinHostPort(l.SyslogServerIP, strconv.Itoa(l.SyslogServerPort))
}

// Validate checks ranges and enumerations.
func (s *Settings) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidSettings}, args...)...))
	}

	p := s.Proxy
	if p.ListenerIPAddress != "" && net.ParseIP(p.ListenerIPAddress) == nil {
		invalid("listener_ip_address %q is not an IP address", p.ListenerIPAddress)
	}
	if p.ListenerPort < 1 || p.ListenerPort > 65535 {
		invalid("listener_port %d out of range 1-65535", p.ListenerPort)
	}
	if p.MaxConnections < 1 {
		invalid("max_connections must be at least 1, got %d", p.MaxConnections)
	}
	if p.ShutdownTimeout < 0 {
		invalid("shutdown_timeout must not be negative")
	}

	l := s.Logging
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		invalid("logging level %q is not one of debug, info, warn, error", l.Level)
	}
	if l.SyslogEnable && net.ParseIP(l.SyslogServerIP) == nil {
		invalid("syslog_server_ip %q is not an IP address", l.SyslogServerIP)
	}
	if l.SyslogServerPort < 0 || l.SyslogServerPort > 65535 {
		invalid("syslog_server_port %d out of range 0-65535", l.SyslogServerPort)
	}

	switch strings.ToLower(s.Auth.Mode) {
	case "", "none", "users", "pam":
	default:
		invalid("auth mode %q is not one of none, users, pam", s.Auth.Mode)
	}
	switch strings.ToLower(s.Auth.Policy) {
	case "", "log-only", "logonly", "enforce":
	default:
		invalid("auth policy %q is not one of log-only, enforce", s.Auth.Policy)
	}

	if s.Metrics.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(s.Metrics.ListenAddress); err != nil {
			invalid("metrics listen_address %q: %v", s.Metrics.ListenAddress, err)
		}
	}
	return errors.Join(errs...)
}
