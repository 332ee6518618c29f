package configstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// Memory is an in-process Store used for paper trading and tests.
type Memory struct {
	mu     sync.RWMutex
	users  map[string]schema.UserConfig
	state  map[string][]byte
	trades []TradeRecord
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		mu:     sync.RWMutex{},
		users:  make(map[string]schema.UserConfig),
		state:  make(map[string][]byte),
		trades: nil,
	}
}

// SaveUserConfig implements Store.
func (m *Memory) SaveUserConfig(_ context.Context, cfg schema.UserConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[strings.TrimSpace(cfg.UserID)] = cfg.Clone()
	return nil
}

// LoadUserConfig implements Store.
func (m *Memory) LoadUserConfig(_ context.Context, userID string) (schema.UserConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.users[strings.TrimSpace(userID)]
	if !ok {
		return schema.UserConfig{}, ErrNotFound
	}
	return cfg.Clone(), nil
}

// SaveState implements Store.
func (m *Memory) SaveState(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = append([]byte(nil), value...)
	return nil
}

// LoadState implements Store.
func (m *Memory) LoadState(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.state[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// AppendTrade implements Store.
func (m *Memory) AppendTrade(_ context.Context, trade TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

// TradesSince implements Store. Results are ordered by close time; limit <= 0 means no limit.
func (m *Memory) TradesSince(_ context.Context, since time.Time, limit int) ([]TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TradeRecord, 0, len(m.trades))
	for _, tr := range m.trades {
		if tr.ClosedAt.After(since) {
			out = append(out, tr)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
