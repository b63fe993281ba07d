// Package config decodes the system_constants document that the lock
// service and the rollout gate read, and supports a synchronous hot-reload
// modeled on pokerapp's Config.reload_system_constants / FeatureFlagManager.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// LockRetry configures the lock service's smart-retry backoff schedule.
type LockRetry struct {
	MaxAttempts           int       `toml:"max_attempts"`
	BackoffDelaysSeconds  []float64 `toml:"backoff_delays_seconds"`
	GraceBufferSeconds    float64   `toml:"grace_buffer_seconds"`
}

// LockManager is the `lock_manager` sub-document of system_constants.
type LockManager struct {
	EnableFineGrainedLocks bool      `toml:"enable_fine_grained_locks"`
	RolloutPercentage      int       `toml:"rollout_percentage"`
	LockRetry              LockRetry `toml:"lock_retry"`
}

// SystemConstants is the root document, matching spec.md §6 verbatim.
type SystemConstants struct {
	LockManager LockManager `toml:"lock_manager"`
}

// DefaultLockRetry mirrors the defaults documented in spec.md §4.B.
func DefaultLockRetry() LockRetry {
	return LockRetry{
		MaxAttempts:          10,
		BackoffDelaysSeconds: []float64{1, 2, 4},
		GraceBufferSeconds:   2,
	}
}

// Default returns the document used when no system_constants.toml is
// present, matching FeatureFlagManager's fall-through defaults
// (enable_fine_grained_locks=false, rollout_percentage=0).
func Default() SystemConstants {
	return SystemConstants{
		LockManager: LockManager{
			EnableFineGrainedLocks: false,
			RolloutPercentage:      0,
			LockRetry:              DefaultLockRetry(),
		},
	}
}

// Store holds the currently active SystemConstants and supports atomic
// hot-reload from disk. It is the Go analogue of pokerapp's Config object.
type Store struct {
	path string

	mu      sync.RWMutex
	current SystemConstants
}

// NewStore loads path once at construction time. A missing file is not an
// error: the store starts from Default(), matching the source's tolerant
// behavior when no system_constants document has been provisioned yet.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, current: Default()}
	if path == "" {
		return s, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return s, nil
	}
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns a snapshot of the active system constants.
func (s *Store) Current() SystemConstants {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reload re-reads the backing file and swaps the whole document in one
// shot. If the file has been removed, reload is a no-op: the previous
// document keeps serving, matching the all-or-nothing replacement
// FeatureFlagManager._load_config performs.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}
	return s.reloadLocked()
}

func (s *Store) reloadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", s.path, err)
	}
	var doc SystemConstants
	doc.LockManager.LockRetry = DefaultLockRetry()
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: decode %s: %w", s.path, err)
	}
	s.current = doc
	return nil
}

// SetRolloutPercentage updates the in-memory percentage without touching
// disk; used by the health monitor's rollback trigger, which persists the
// new value through the KV store itself (see internal/health).
func (s *Store) SetRolloutPercentage(pct int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.LockManager.RolloutPercentage = pct
}
