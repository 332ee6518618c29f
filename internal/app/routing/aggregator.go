package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/bastion/internal/domain/schema"
	"github.com/coachpo/bastion/internal/domain/venue"
)

const defaultRefreshConcurrency = 8

// venueState is the cached view of one venue. Entries are disjoint per venue.
type venueState struct {
	balance     schema.Balance
	positions   map[string]schema.Position
	refreshedAt time.Time
	err         error
}

type refreshResult struct {
	venue     string
	balance   schema.Balance
	positions []schema.Position
	err       error
}

// Snapshot is a point-in-time copy of the aggregated account.
type Snapshot struct {
	Equity      float64
	Available   float64
	Balances    map[string]schema.Balance
	Positions   []schema.Position
	Errors      map[string]string
	RefreshedAt time.Time
}

// Aggregator caches balances and positions from every registered venue.
type Aggregator struct {
	registry    *venue.Registry
	concurrency int
	clock       func() time.Time
	logger      *log.Logger

	mu     sync.RWMutex
	venues map[string]*venueState
}

// NewAggregator constructs an aggregator over the registry.
func NewAggregator(registry *venue.Registry, concurrency int, logger *log.Logger) *Aggregator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if concurrency <= 0 {
		concurrency = defaultRefreshConcurrency
	}
	return &Aggregator{
		registry:    registry,
		concurrency: concurrency,
		clock:       time.Now,
		logger:      logger,
		mu:          sync.RWMutex{},
		venues:      make(map[string]*venueState),
	}
}

// Refresh fetches every venue concurrently. A failing venue keeps its previous
// entry; the returned error joins all venue failures.
func (a *Aggregator) Refresh(ctx context.Context) error {
	adapters := a.registry.All()
	if len(adapters) == 0 {
		return nil
	}
	p := pool.NewWithResults[refreshResult]().WithMaxGoroutines(min(a.concurrency, len(adapters)))
	for _, adapter := range adapters {
		p.Go(func() refreshResult {
			return fetchVenue(ctx, adapter)
		})
	}
	results := p.Wait()

	now := a.clock()
	var failures []error
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, res := range results {
		state, ok := a.venues[res.venue]
		if !ok {
			state = &venueState{balance: schema.Balance{}, positions: map[string]schema.Position{}, refreshedAt: time.Time{}, err: nil}
			a.venues[res.venue] = state
		}
		if res.err != nil {
			state.err = res.err
			failures = append(failures, fmt.Errorf("venue %s: %w", res.venue, res.err))
			a.logger.Printf("refresh failed venue=%s err=%v", res.venue, res.err)
			continue
		}
		fresh := make(map[string]schema.Position, len(res.positions))
		for _, pos := range res.positions {
			if !pos.Open() {
				continue
			}
			pos.Venue = res.venue
			fresh[pos.Symbol] = pos
		}
		for symbol := range state.positions {
			if _, still := fresh[symbol]; !still {
				a.logger.Printf("position evicted venue=%s symbol=%s", res.venue, symbol)
			}
		}
		state.balance = res.balance
		state.positions = fresh
		state.refreshedAt = now
		state.err = nil
	}
	return errors.Join(failures...)
}

func fetchVenue(ctx context.Context, adapter venue.Adapter) refreshResult {
	res := refreshResult{venue: adapter.Name(), balance: schema.Balance{}, positions: nil, err: nil}
	balance, err := adapter.Balance(ctx)
	if err != nil {
		res.err = err
		return res
	}
	positions, err := adapter.Positions(ctx)
	if err != nil {
		res.err = err
		return res
	}
	balance.Venue = adapter.Name()
	res.balance = balance
	res.positions = positions
	return res
}

// Equity sums total balances across venues.
func (a *Aggregator) Equity() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	total := 0.0
	for _, state := range a.venues {
		total += state.balance.Total
	}
	return total
}

// Available returns the cached available balance of one venue.
func (a *Aggregator) Available(venueName string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if state, ok := a.venues[venueName]; ok {
		return state.balance.Available
	}
	return 0
}

// Positions returns every cached open position ordered by venue then symbol.
func (a *Aggregator) Positions() []schema.Position {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.positionsLocked()
}

// Position returns the cached position in symbol on any venue.
func (a *Aggregator) Position(symbol string) (schema.Position, bool) {
	symbol = schema.NormalizeSymbol(symbol)
	for _, pos := range a.Positions() {
		if pos.Symbol == symbol {
			return pos, true
		}
	}
	return schema.Position{}, false
}

// VenueOf returns the venue holding symbol, if any.
func (a *Aggregator) VenueOf(symbol string) (string, bool) {
	pos, ok := a.Position(symbol)
	return pos.Venue, ok
}

// Snapshot copies the full aggregated state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap := Snapshot{
		Equity:      0,
		Available:   0,
		Balances:    make(map[string]schema.Balance, len(a.venues)),
		Positions:   a.positionsLocked(),
		Errors:      make(map[string]string),
		RefreshedAt: time.Time{},
	}
	for name, state := range a.venues {
		snap.Equity += state.balance.Total
		snap.Available += state.balance.Available
		snap.Balances[name] = state.balance
		if state.err != nil {
			snap.Errors[name] = state.err.Error()
		}
		if state.refreshedAt.After(snap.RefreshedAt) {
			snap.RefreshedAt = state.refreshedAt
		}
	}
	return snap
}

func (a *Aggregator) positionsLocked() []schema.Position {
	out := make([]schema.Position, 0)
	for _, state := range a.venues {
		for _, pos := range state.positions {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
