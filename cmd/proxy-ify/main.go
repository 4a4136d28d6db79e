// Package main is the entry point for the proxy-ify application.
//
// This package provides the command-line interface (CLI) for running the
// forward HTTP/CONNECT proxy and managing the user accounts it authenticates.
//
// Usage:
//
//	proxy-ify [serve] [--cfg=<file>] [--display-cfg]  # Start the proxy
//	proxy-ify user-mgmt                              # Interactive user management shell
//	proxy-ify add-user <user> <pass>                 # Add a user
//	proxy-ify help                                   # Show help
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"proxy-ify/internal/config"
	"proxy-ify/internal/usermgmt"
)

// main parses the command line and either starts the proxy or runs a user
// management command. With no command, or only flags, the proxy starts.
func main() {
	args := os.Args[1:]
	if len(args) == 0 || strings.HasPrefix(args[0], "-") || args[0] == "serve" {
		if len(args) > 0 && args[0] == "serve" {
			args = args[1:]
		}
		if err := serve(args); err != nil {
			fmt.Fprintf(os.Stderr, "proxy-ify: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch args[0] {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	case "user-mgmt", "users", "manage-users":
		um, err := openManager()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		um.RunUserManagementCLI()
		return
	case "add-user", "remove-user", "list-users", "change-password", "enable-user", "disable-user", "backup-users":
		um, err := openManager()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if _, err := um.Run(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

// usersPath returns the configured user database or the default one in the
// configuration directory.
func usersPath(s *config.Settings) (string, error) {
	if s.Auth.UsersFile != "" {
		return s.Auth.UsersFile, nil
	}
	return config.GetUserDBPath()
}

// openManager opens the user database named by the environment overlay.
func openManager() (*usermgmt.Manager, error) {
	s, err := config.Load("")
	if err != nil {
		return nil, err
	}
	path, err := usersPath(s)
	if err != nil {
		return nil, fmt.Errorf("locate user database: %w", err)
	}
	store, err := usermgmt.Open(path, nil)
	if err != nil {
		return nil, err
	}
	return usermgmt.NewManager(store, os.Stdin, os.Stdout, nil), nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `proxy-ify - forward HTTP proxy with CONNECT tunneling

Usage:
  proxy-ify [serve] [--cfg=<file>] [--display-cfg]  - Start the proxy
  proxy-ify user-mgmt                              - Interactive user management
  proxy-ify add-user <user> <pass>                 - Add a user
  proxy-ify remove-user <user>                     - Remove a user
  proxy-ify list-users                             - List all users
  proxy-ify change-password <user> <pass>          - Change a user's password
  proxy-ify enable-user <user>                     - Enable a user
  proxy-ify disable-user <user>                    - Disable a user
  proxy-ify backup-users <file>                    - Back up the user database
  proxy-ify help                                   - Show this help

Settings are read from --cfg (created with defaults when missing) and
overridden by PROXYIFY_* environment variables, e.g. PROXYIFY_PROXY_LISTENER_PORT.
`)
}

var errUsage = errors.New("invalid arguments")
