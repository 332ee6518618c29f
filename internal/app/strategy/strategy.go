// Package strategy supplies per-strategy entry parameters to the risk engine.
package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// Built-in strategy names.
const (
	NameDefault = "default"
	NameScalp   = "scalp"
	NameSwing   = "swing"
)

// Strategy derives stop and target parameters from market conditions.
type Strategy interface {
	Name() string
	CalculateEntryParams(market schema.MarketData) (schema.EntryParams, error)
}

// Fixed returns the same parameters regardless of market conditions.
type Fixed struct {
	name   string
	params schema.EntryParams
}

// NewFixed constructs a fixed-parameter strategy.
func NewFixed(name string, params schema.EntryParams) *Fixed {
	return &Fixed{name: normalizeName(name), params: params}
}

// Name implements Strategy.
func (f *Fixed) Name() string { return f.name }

// CalculateEntryParams implements Strategy.
func (f *Fixed) CalculateEntryParams(schema.MarketData) (schema.EntryParams, error) {
	return f.params, nil
}

// Builtins returns the default, scalp and swing strategies.
func Builtins() []Strategy {
	return []Strategy{
		NewFixed(NameDefault, schema.EntryParams{ATRMultiplier: 2.0, TPRatio: 2.0, StopPercent: 0.02}),
		NewFixed(NameScalp, schema.EntryParams{ATRMultiplier: 1.0, TPRatio: 1.5, StopPercent: 0.01}),
		NewFixed(NameSwing, schema.EntryParams{ATRMultiplier: 3.0, TPRatio: 3.0, StopPercent: 0.04}),
	}
}

// Registry holds strategies by lower-cased name.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	onError    func(name string, err error)
}

// NewRegistry creates a registry seeded with the given strategies.
func NewRegistry(seed ...Strategy) (*Registry, error) {
	r := &Registry{mu: sync.RWMutex{}, strategies: make(map[string]Strategy), onError: nil}
	for _, s := range seed {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// OnError installs a callback for strategies that fail to compute parameters.
func (r *Registry) OnError(fn func(name string, err error)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

// Register adds a strategy. Names must be unique.
func (r *Registry) Register(s Strategy) error {
	if s == nil {
		return fmt.Errorf("strategy registry: strategy required")
	}
	name := normalizeName(s.Name())
	if name == "" {
		return fmt.Errorf("strategy registry: name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[name]; exists {
		return fmt.Errorf("strategy registry: duplicate strategy %q", name)
	}
	r.strategies[name] = s
	return nil
}

// Replace registers s, overwriting any strategy of the same name.
func (r *Registry) Replace(s Strategy) {
	r.mu.Lock()
	r.strategies[normalizeName(s.Name())] = s
	r.mu.Unlock()
}

// Get resolves a strategy by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[normalizeName(name)]
	return s, ok
}

// Names lists registered strategies in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EntryParams returns the strategy's parameters. Unknown strategies and
// computation failures report false so callers fall back to their defaults.
func (r *Registry) EntryParams(name string, market schema.MarketData) (schema.EntryParams, bool) {
	s, ok := r.Get(name)
	if !ok {
		return schema.EntryParams{}, false
	}
	params, err := s.CalculateEntryParams(market)
	if err != nil {
		r.mu.RLock()
		onError := r.onError
		r.mu.RUnlock()
		if onError != nil {
			onError(s.Name(), err)
		}
		return schema.EntryParams{}, false
	}
	if params.ATRMultiplier <= 0 && params.StopPercent <= 0 {
		return schema.EntryParams{}, false
	}
	return params, true
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
