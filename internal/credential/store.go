// Package credential owns the session credentials: one authoritative
// in-memory copy, persisted to disk on every mutation, plus the bootstrap
// sources used when no usable credentials exist.
package credential

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"laughingfox/internal/domain"
	"laughingfox/internal/fsutil"
)

type StoreConfig struct {
	Path   string
	Logger *slog.Logger
}

// Store holds the authoritative credentials. Callers only ever see clones.
type Store struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	creds domain.Credentials

	// writeMu serializes disk writes; each write snapshots the latest state
	// so a slow writer never overwrites a newer snapshot with an older one.
	writeMu sync.Mutex
}

func NewStore(cfg StoreConfig) *Store {
	return &Store{path: cfg.Path, logger: cfg.Logger}
}

// Path returns the credentials file location.
func (s *Store) Path() string { return s.path }

// Load reads the credentials file into memory. A missing file yields empty
// credentials and no error.
func (s *Store) Load() error {
	var creds domain.Credentials
	err := fsutil.ReadJSON(s.path, &creds)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credential: load: %w", err)
	}
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	if len(creds) > 0 {
		s.logger.Info("credentials loaded", "path", s.path, "fields", len(creds))
	}
	return nil
}

// Current returns a copy of the authoritative credentials.
func (s *Store) Current() domain.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Clone()
}

// Empty reports whether there are no credentials to open a session with.
func (s *Store) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds) == 0
}

// Replace swaps in a complete credential set (after bootstrap) and persists it.
func (s *Store) Replace(creds domain.Credentials) error {
	s.mu.Lock()
	s.creds = creds.Clone()
	s.mu.Unlock()
	return s.persist()
}

// Apply merges a rotation patch into the authoritative copy and persists
// the merged snapshot.
func (s *Store) Apply(patch domain.Credentials) error {
	s.mu.Lock()
	s.creds = s.creds.Merge(patch)
	s.mu.Unlock()
	return s.persist()
}

// Clear discards the credentials in memory and on disk.
func (s *Store) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.creds = nil
	s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credential: clear: %w", err)
	}
	s.logger.Warn("session credentials cleared", "path", s.path)
	return nil
}

func (s *Store) persist() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snapshot := s.Current()
	if err := fsutil.WriteJSONAtomic(s.path, snapshot, 0o600); err != nil {
		return fmt.Errorf("credential: persist: %w", err)
	}
	return nil
}
