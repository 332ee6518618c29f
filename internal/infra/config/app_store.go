package config

import (
	"reflect"
	"sync"
)

// AppConfigStore holds the canonical application configuration and persists changes via a callback.
type AppConfigStore struct {
	mu      sync.RWMutex
	cfg     AppConfig
	persist func(AppConfig) error
}

// NewAppConfigStore constructs a configuration store seeded with the supplied configuration snapshot.
func NewAppConfigStore(initial AppConfig, persist func(AppConfig) error) (*AppConfigStore, error) {
	clone := initial.Clone()
	if err := clone.normalise(); err != nil {
		return nil, err
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return &AppConfigStore{mu: sync.RWMutex{}, cfg: clone, persist: persist}, nil
}

// Snapshot returns a deep copy of the current application configuration.
func (s *AppConfigStore) Snapshot() AppConfig {
	if s == nil {
		return DefaultAppConfig()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Update applies fn to a copy of the configuration and commits it when valid.
func (s *AppConfigStore) Update(fn func(*AppConfig)) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := s.cfg.Clone()
	fn(&updated)
	return s.commitLocked(updated)
}

// Replace swaps the entire application configuration snapshot.
func (s *AppConfigStore) Replace(cfg AppConfig) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(cfg.Clone())
}

func (s *AppConfigStore) commitLocked(updated AppConfig) error {
	if err := updated.normalise(); err != nil {
		return err
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	if reflect.DeepEqual(s.cfg, updated) {
		s.cfg = updated
		return nil
	}
	if s.persist != nil {
		if err := s.persist(updated.Clone()); err != nil {
			return err
		}
	}
	s.cfg = updated
	return nil
}
