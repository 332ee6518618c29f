package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/configstore"
	"github.com/coachpo/bastion/internal/domain/schema"
)

// UserStore is the single writer of the per-user trading configuration. Reads
// return copies; every change is persisted before it becomes visible.
type UserStore struct {
	mu      sync.RWMutex
	cfg     schema.UserConfig
	persist func(context.Context, schema.UserConfig) error
	logger  *log.Logger
}

// NewUserStore seeds a store with initial.
func NewUserStore(initial schema.UserConfig, persist func(context.Context, schema.UserConfig) error, logger *log.Logger) (*UserStore, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := validateUser(initial); err != nil {
		return nil, err
	}
	return &UserStore{mu: sync.RWMutex{}, cfg: initial.Clone(), persist: persist, logger: logger}, nil
}

// OpenUserStore loads the user's configuration from store, seeding it with
// fallback when none has been saved yet.
func OpenUserStore(ctx context.Context, store configstore.Store, fallback schema.UserConfig, logger *log.Logger) (*UserStore, error) {
	current, err := store.LoadUserConfig(ctx, fallback.UserID)
	switch {
	case errors.Is(err, configstore.ErrNotFound):
		current = fallback
		if err := store.SaveUserConfig(ctx, current); err != nil {
			return nil, fmt.Errorf("seed user config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("load user config: %w", err)
	}
	return NewUserStore(current, store.SaveUserConfig, logger)
}

// Current returns a copy of the user configuration.
func (s *UserStore) Current() schema.UserConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// SetMode switches the trading mode.
func (s *UserStore) SetMode(ctx context.Context, mode schema.Mode, reason string) error {
	err := s.Update(ctx, func(cfg *schema.UserConfig) { cfg.Mode = mode })
	if err == nil {
		s.logger.Printf("trading mode set: user=%s mode=%s reason=%q", s.Current().UserID, mode, reason)
	}
	return err
}

// Update applies fn to a copy of the configuration, persists and commits it.
func (s *UserStore) Update(ctx context.Context, fn func(*schema.UserConfig)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := s.cfg.Clone()
	fn(&updated)
	updated.UserID = s.cfg.UserID
	if err := validateUser(updated); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist(ctx, updated.Clone()); err != nil {
			return fmt.Errorf("persist user config: %w", err)
		}
	}
	s.cfg = updated
	return nil
}

func validateUser(cfg schema.UserConfig) error {
	if strings.TrimSpace(cfg.UserID) == "" {
		return errs.Validation("user id required", errs.WithField("field", "userId"))
	}
	if !cfg.Mode.Valid() {
		return errs.Validation(fmt.Sprintf("unknown mode %q", cfg.Mode), errs.WithField("field", "mode"))
	}
	if cfg.MaxLeverage < 0 {
		return errs.Validation("maxLeverage must be >= 0", errs.WithField("field", "maxLeverage"))
	}
	if cfg.MaxSize < 0 || cfg.MaxSize > 1 {
		return errs.Validation("maxSize must be within [0,1]", errs.WithField("field", "maxSize"))
	}
	for symbol, capFrac := range cfg.SymbolCaps {
		if capFrac < 0 || capFrac > 1 {
			return errs.Validation(fmt.Sprintf("symbol cap for %s must be within [0,1]", symbol), errs.WithField("field", "symbolCaps"))
		}
	}
	return nil
}
