// Package session owns the single internal session token: restoring it
// at startup, refreshing it before it lapses, and establishing it from
// a completed sign-in flow.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RefreshBuffer is how much remaining lifetime triggers a refresh.
const RefreshBuffer = 60 * time.Minute

// Session is the internal session token plus denormalized identity.
// Its lifetime is independent of any provider credential's expiry.
type Session struct {
	Token      string    `json:"token"`
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	AuthMethod string    `json:"auth_method"`
}

// Expired reports whether the token's lifetime has fully lapsed.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// DueForRefresh reports whether less than RefreshBuffer of lifetime
// remains.
func (s *Session) DueForRefresh(now time.Time) bool {
	return s.ExpiresAt.Sub(now) < RefreshBuffer
}

// FileStore persists the session to a 0600 JSON file. This is the only
// client-side durable auth state; provider tokens never reach it.
type FileStore struct {
	path string
}

// NewFileStore creates a store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the stored session. A missing file is (nil, nil).
func (f *FileStore) Load() (*Session, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	if s.Token == "" {
		return nil, nil
	}
	return &s, nil
}

// Save writes the session atomically enough for a single-writer app.
func (f *FileStore) Save(s *Session) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o600)
}

// Clear removes the stored session. Missing file is not an error.
func (f *FileStore) Clear() error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
