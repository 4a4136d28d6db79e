package usermgmt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// Manager drives user administration from the command line.
type Manager struct {
	store *Store
	in    *bufio.Reader
	out   io.Writer
	log   *slog.Logger
}

// NewManager creates a Manager over store reading prompts from in and writing to out.
func NewManager(store *Store, in io.Reader, out io.Writer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, in: bufio.NewReader(in), out: out, log: logger}
}

// Store returns the underlying user database.
func (um *Manager) Store() *Store {
	return um.store
}

func (um *Manager) prompt(label string) (string, error) {
	fmt.Fprint(um.out, label)
	line, err := um.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (um *Manager) promptPassword(label string) (string, error) {
	password, err := um.prompt(label)
	if err != nil {
		return "", err
	}
	confirm, err := um.prompt("Confirm password: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", fmt.Errorf("passwords do not match")
	}
	return password, nil
}

// AddUserInteractive prompts for username and password and adds the user.
func (um *Manager) AddUserInteractive() error {
	username, err := um.prompt("Enter username: ")
	if err != nil {
		return err
	}
	password, err := um.promptPassword("Enter password: ")
	if err != nil {
		return err
	}
	return um.store.Add(username, password)
}

// ChangePasswordInteractive prompts for a username and a new password.
func (um *Manager) ChangePasswordInteractive() error {
	username, err := um.prompt("Enter username: ")
	if err != nil {
		return err
	}
	password, err := um.promptPassword("Enter new password: ")
	if err != nil {
		return err
	}
	return um.store.UpdatePassword(username, password)
}

// ListUsers renders all users as a table.
func (um *Manager) ListUsers() {
	users := um.store.List()
	if len(users) == 0 {
		fmt.Fprintln(um.out, "No users found.")
		return
	}

	table := tablewriter.NewWriter(um.out)
	table.SetHeader([]string{"Username", "Status", "Created", "Last login"})
	for _, u := range users {
		status := "Enabled"
		if !u.Enabled {
			status = "Disabled"
		}
		lastLogin := "never"
		if u.LastLogin != nil {
			lastLogin = u.LastLogin.Format("2006-01-02 15:04:05")
		}
		table.Append([]string{u.Username, status, u.CreatedAt.Format("2006-01-02 15:04:05"), lastLogin})
	}
	table.Render()
}

// PrintHelp displays help information for user management commands.
func (um *Manager) PrintHelp() {
	fmt.Fprintln(um.out, "User Management Commands:")
	fmt.Fprintln(um.out, "  add-user            - Add a new user (interactive)")
	fmt.Fprintln(um.out, "  remove-user <user>  - Remove a user")
	fmt.Fprintln(um.out, "  list-users          - List all users")
	fmt.Fprintln(um.out, "  change-password     - Change user password (interactive)")
	fmt.Fprintln(um.out, "  enable-user <user>  - Enable a user account")
	fmt.Fprintln(um.out, "  disable-user <user> - Disable a user account")
	fmt.Fprintln(um.out, "  backup-users <file> - Backup user database")
	fmt.Fprintln(um.out, "  help                - Show this help")
	fmt.Fprintln(um.out, "  quit                - Leave user management")
}

// Environment variables read by CreateDefaultUserFromEnv.
const (
	EnvDefaultUser     = "PROXYIFY_DEFAULT_USER"
	EnvDefaultPassword = "PROXYIFY_DEFAULT_PASSWORD"
)

// CreateDefaultUserFromEnv adds the user named by PROXYIFY_DEFAULT_USER with
// PROXYIFY_DEFAULT_PASSWORD when both are set and the user does not exist yet.
func (um *Manager) CreateDefaultUserFromEnv() error {
	defaultUser := os.Getenv(EnvDefaultUser)
	defaultPassword := os.Getenv(EnvDefaultPassword)
	if defaultUser == "" || defaultPassword == "" {
		return nil
	}

	if _, err := um.store.Get(defaultUser); err == nil {
		um.log.Debug("default user already exists", "user", defaultUser)
		return nil
	}

	if err := um.store.Add(defaultUser, defaultPassword); err != nil {
		return fmt.Errorf("create default user %q: %w", defaultUser, err)
	}
	um.log.Info("created default user from environment", "user", defaultUser)
	return nil
}

// Run executes one user management command. It reports whether the command
// asked to leave the interactive shell.
func (um *Manager) Run(args []string) (quit bool, err error) {
	if len(args) == 0 {
		return false, nil
	}
	arg := func(usage string) (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("usage: %s", usage)
		}
		return args[1], nil
	}

	switch args[0] {
	case "quit", "exit":
		return true, nil
	case "help":
		um.PrintHelp()
	case "add-user":
		if len(args) >= 3 {
			err = um.store.Add(args[1], args[2])
		} else {
			err = um.AddUserInteractive()
		}
		if err == nil {
			fmt.Fprintln(um.out, "User added successfully!")
		}
	case "remove-user":
		var name string
		if name, err = arg("remove-user <username>"); err == nil {
			if err = um.store.Remove(name); err == nil {
				fmt.Fprintf(um.out, "User '%s' removed successfully!\n", name)
			}
		}
	case "list-users":
		um.ListUsers()
	case "change-password":
		if len(args) >= 3 {
			err = um.store.UpdatePassword(args[1], args[2])
		} else {
			err = um.ChangePasswordInteractive()
		}
		if err == nil {
			fmt.Fprintln(um.out, "Password changed successfully!")
		}
	case "enable-user", "disable-user":
		var name string
		if name, err = arg(args[0] + " <username>"); err == nil {
			enable := args[0] == "enable-user"
			if err = um.store.SetEnabled(name, enable); err == nil {
				fmt.Fprintf(um.out, "User '%s' %sd successfully!\n", name, strings.TrimSuffix(args[0], "-user"))
			}
		}
	case "backup-users":
		var path string
		if path, err = arg("backup-users <backup-file-path>"); err == nil {
			if err = um.store.Backup(path); err == nil {
				fmt.Fprintf(um.out, "User database backed up to '%s' successfully!\n", path)
			}
		}
	default:
		err = fmt.Errorf("unknown command: %s (type 'help' for available commands)", args[0])
	}
	return false, err
}

// RunUserManagementCLI runs the interactive user management shell until quit or end of input.
func (um *Manager) RunUserManagementCLI() {
	fmt.Fprintln(um.out, "proxy-ify User Management")
	fmt.Fprintln(um.out, "Type 'help' for available commands or 'quit' to exit.")

	for {
		fmt.Fprint(um.out, "proxy-ify> ")
		input, err := um.in.ReadString('\n')
		if err != nil && input == "" {
			if !errors.Is(err, io.EOF) {
				fmt.Fprintf(um.out, "Error reading input: %v\n", err)
			}
			return
		}

		quit, err := um.Run(strings.Fields(input))
		if err != nil {
			fmt.Fprintf(um.out, "Error: %v\n", err)
		}
		if quit {
			fmt.Fprintln(um.out, "Goodbye!")
			return
		}
	}
}
