// Package config provides configuration directory management and the settings
// file for proxy-ify.
package config

import (
	"os"
	"path/filepath"
)

// AppName names the configuration directory.
const AppName = "proxy-ify"

// GetConfigDir returns the configuration directory for proxy-ify, creating it if needed.
// It follows platform-specific conventions:
// - $XDG_CONFIG_HOME/proxy-ify when XDG_CONFIG_HOME is set
// - Windows: %APPDATA%\proxy-ify
// - Unix-like: $HOME/.config/proxy-ify
func GetConfigDir() (string, error) {
	var configDir string

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		configDir = filepath.Join(xdgConfig, AppName)
	} else if appData := os.Getenv("APPDATA"); appData != "" {
		configDir = filepath.Join(appData, AppName)
	} else if homeDir, err := os.UserHomeDir(); err == nil {
		configDir = filepath.Join(homeDir, ".config", AppName)
	} else {
		return "", err
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", err
	}
	return configDir, nil
}

func pathInConfigDir(name string) (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, name), nil
}

// GetUserDBPath returns the default path of the user database.
func GetUserDBPath() (string, error) {
	return pathInConfigDir("users.json")
}

// GetCertPaths returns the default TLS certificate and key paths.
func GetCertPaths() (certFile, keyFile string, err error) {
	if certFile, err = pathInConfigDir("cert.pem"); err != nil {
		return "", "", err
	}
	if keyFile, err = pathInConfigDir("key.pem"); err != nil {
		return "", "", err
	}
	return certFile, keyFile, nil
}
