package usermgmt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists      = errors.New("user already exists")
	ErrUserNotFound    = errors.New("user does not exist")
	ErrUserDisabled    = errors.New("user is disabled")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidUsername = errors.New("username must be non-empty and must not contain ':' or whitespace")
	ErrWeakPassword    = errors.New("password must be at least 4 characters long")
)

// MinPasswordLength is the shortest password accepted by Add and UpdatePassword.
const MinPasswordLength = 4

// User represents a proxy user account.
type User struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	Enabled      bool       `json:"enabled"`
}

// Store is a bcrypt-hashed user database persisted as a JSON file. It is
// safe for concurrent use.
type Store struct {
	users    map[string]*User
	filePath string
	mutex    sync.RWMutex
	log      *slog.Logger
}

// Open loads the user database at path. A missing or empty file yields an
// empty store; the file is created on the first write.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = "users.json"
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		users:    make(map[string]*User),
		filePath: path,
		log:      logger,
	}
	users, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("load user database %s: %w", path, err)
	}
	s.users = users
	return s, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.filePath
}

func validUsername(username string) bool {
	return username != "" && !strings.ContainsAny(username, ": \t\r\n")
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Add creates a new enabled user.
func (s *Store) Add(username, password string) error {
	if !validUsername(username) {
		return ErrInvalidUsername
	}
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	hash, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.users[username]; exists {
		return fmt.Errorf("%w: %s", ErrUserExists, username)
	}
	s.users[username] = &User{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
		Enabled:      true,
	}
	if err := s.save(); err != nil {
		delete(s.users, username)
		return err
	}
	return nil
}

// Remove deletes a user.
func (s *Store) Remove(username string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	user, exists := s.users[username]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	delete(s.users, username)
	if err := s.save(); err != nil {
		s.users[username] = user
		return err
	}
	return nil
}

// UpdatePassword replaces a user's password.
func (s *Store) UpdatePassword(username, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return ErrWeakPassword
	}
	hash, err := hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	user, exists := s.users[username]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	old := user.PasswordHash
	user.PasswordHash = hash
	if err := s.save(); err != nil {
		user.PasswordHash = old
		return err
	}
	return nil
}

// SetEnabled enables or disables a user.
func (s *Store) SetEnabled(username string, enabled bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	user, exists := s.users[username]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	old := user.Enabled
	user.Enabled = enabled
	if err := s.save(); err != nil {
		user.Enabled = old
		return err
	}
	return nil
}

// Authenticate verifies credentials and records the login time in memory.
func (s *Store) Authenticate(username, password string) error {
	s.mutex.RLock()
	user, exists := s.users[username]
	var hash string
	var enabled bool
	if exists {
		hash, enabled = user.PasswordHash, user.Enabled
	}
	s.mutex.RUnlock()

	if !exists {
		return ErrUserNotFound
	}
	if !enabled {
		return ErrUserDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidPassword
	}

	now := time.Now().UTC()
	s.mutex.Lock()
	if u, ok := s.users[username]; ok {
		u.LastLogin = &now
	}
	s.mutex.Unlock()
	return nil
}

// Get returns a copy of a user without its password hash.
func (s *Store) Get(username string) (User, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	user, exists := s.users[username]
	if !exists {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	out := *user
	out.PasswordHash = ""
	return out, nil
}

// List returns every user, without password hashes, sorted by name.
func (s *Store) List() []User {
	s.mutex.RLock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		c := *u
		c.PasswordHash = ""
		out = append(out, c)
	}
	s.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Count returns the number of users.
func (s *Store) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.users)
}

// Reload re-reads the file. Login times recorded in memory survive a reload
// when the file has none. On error the current users are kept.
func (s *Store) Reload() error {
	users, err := readFile(s.filePath)
	if err != nil {
		return fmt.Errorf("reload user database %s: %w", s.filePath, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for name, u := range users {
		if old, ok := s.users[name]; ok && u.LastLogin == nil {
			u.LastLogin = old.LastLogin
		}
	}
	s.users = users
	return nil
}

// Backup copies the database file to backupPath.
func (s *Store) Backup(backupPath string) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	sourceFile, err := os.Open(s.filePath)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.OpenFile(backupPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(destFile, sourceFile); err != nil {
		destFile.Close()
		return err
	}
	return destFile.Close()
}

// save writes the database to disk. Callers hold the write lock.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return fmt.Errorf("encode user database: %w", err)
	}
	if dir := filepath.Dir(s.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create user database directory: %w", err)
		}
	}

	// Write to a temporary file first, then rename for an atomic replace.
	tempFile := s.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("save user database: %w", err)
	}
	if err := os.Rename(tempFile, s.filePath); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("save user database: %w", err)
	}
	return nil
}

func readFile(path string) (map[string]*User, error) {
	users := make(map[string]*User)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return users, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return users, nil
	}
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, err
	}
	for name, u := range users {
		if u == nil {
			delete(users, name)
			continue
		}
		u.Username = name
	}
	return users, nil
}
