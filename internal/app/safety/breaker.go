// Package safety holds the engine's protective state: the loss circuit breaker,
// per-key signal cooldowns and per-symbol operation locks.
package safety

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// DefaultMaxConsecutiveLosses trips the breaker.
const DefaultMaxConsecutiveLosses = 5

// ClosedTrade is a realised trade outcome fed to the breaker.
type ClosedTrade struct {
	Symbol      string
	Venue       string
	RealizedPnL float64
	ClosedAt    time.Time
}

// BreakerState is a point-in-time view of the breaker. It lives in process
// memory only; a restart starts a fresh window.
type BreakerState struct {
	ConsecutiveLosses int       `json:"consecutiveLosses"`
	IgnoreBefore      time.Time `json:"ignoreBefore"`
	Tripped           bool      `json:"tripped"`
	TrippedAt         time.Time `json:"trippedAt,omitempty"`
}

// ModeSetter downgrades the trading mode when the breaker trips.
type ModeSetter interface {
	SetMode(ctx context.Context, mode schema.Mode, reason string) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// BreakerOptions wires a CircuitBreaker.
type BreakerOptions struct {
	MaxConsecutiveLosses int
	Modes                ModeSetter
	Notifier             Notifier
	Logger               *log.Logger
	OnTrip               func()
}

// CircuitBreaker counts consecutive losing trades closed after the last reset
// and forces advisory mode once the limit is reached.
type CircuitBreaker struct {
	mu       sync.Mutex
	max      int
	state    BreakerState
	modes    ModeSetter
	notifier Notifier
	logger   *log.Logger
	onTrip   func()
}

// NewCircuitBreaker constructs a breaker with an empty loss window.
func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	maxLosses := opts.MaxConsecutiveLosses
	if maxLosses <= 0 {
		maxLosses = DefaultMaxConsecutiveLosses
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &CircuitBreaker{
		mu:       sync.Mutex{},
		max:      maxLosses,
		state:    BreakerState{},
		modes:    opts.Modes,
		notifier: opts.Notifier,
		logger:   logger,
		onTrip:   opts.OnTrip,
	}
}

// State returns the current snapshot.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Tripped reports whether the breaker has fired since the last reset.
func (b *CircuitBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Tripped
}

// RecordTrade folds a closed trade into the loss streak and reports whether
// this trade tripped the breaker. Trades closed before the last reset are ignored.
func (b *CircuitBreaker) RecordTrade(ctx context.Context, trade ClosedTrade) (bool, error) {
	b.mu.Lock()
	if !b.state.IgnoreBefore.IsZero() && !trade.ClosedAt.After(b.state.IgnoreBefore) {
		b.mu.Unlock()
		return false, nil
	}
	if trade.RealizedPnL >= 0 {
		b.state.ConsecutiveLosses = 0
	} else {
		b.state.ConsecutiveLosses++
	}
	trip := !b.state.Tripped && b.state.ConsecutiveLosses >= b.max
	if trip {
		b.state.Tripped = true
		b.state.TrippedAt = trade.ClosedAt
	}
	snapshot := b.state
	b.mu.Unlock()
	if !trip {
		return false, nil
	}

	reason := fmt.Sprintf("%d consecutive losing trades (last %s pnl=%.4f)", snapshot.ConsecutiveLosses, trade.Symbol, trade.RealizedPnL)
	b.logger.Printf("circuit breaker tripped: losses=%d symbol=%s", snapshot.ConsecutiveLosses, trade.Symbol)
	var modeErr error
	if b.modes != nil {
		if err := b.modes.SetMode(ctx, schema.ModeAdvisory, reason); err != nil {
			modeErr = fmt.Errorf("downgrade mode: %w", err)
		}
	}
	if b.notifier != nil {
		if err := b.notifier.Notify(ctx, "Circuit breaker tripped", reason+"; trading switched to advisory mode"); err != nil {
			b.logger.Printf("circuit breaker alert failed: err=%v", err)
		}
	}
	if b.onTrip != nil {
		b.onTrip()
	}
	return true, modeErr
}

// Reset clears the streak and ignores every trade closed at or before now. The
// ignore-before mark always moves strictly forward.
func (b *CircuitBreaker) Reset(now time.Time) BreakerState {
	b.mu.Lock()
	mark := now
	if !mark.After(b.state.IgnoreBefore) {
		mark = b.state.IgnoreBefore.Add(time.Nanosecond)
	}
	b.state = BreakerState{ConsecutiveLosses: 0, IgnoreBefore: mark, Tripped: false, TrippedAt: time.Time{}}
	snapshot := b.state
	b.mu.Unlock()
	b.logger.Printf("circuit breaker reset: ignore_before=%s", mark.Format(time.RFC3339Nano))
	return snapshot
}
