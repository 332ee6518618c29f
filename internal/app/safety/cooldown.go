package safety

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// CooldownKey scopes a cooldown. Empty fields widen the scope.
type CooldownKey struct {
	Symbol   string
	Venue    string
	Strategy string
	Regime   schema.Regime
}

func (k CooldownKey) normalised() CooldownKey {
	return CooldownKey{
		Symbol:   schema.NormalizeSymbol(k.Symbol),
		Venue:    strings.ToLower(strings.TrimSpace(k.Venue)),
		Strategy: strings.ToLower(strings.TrimSpace(k.Strategy)),
		Regime:   k.Regime,
	}
}

// fallbacks lists the key from most to least specific.
func (k CooldownKey) fallbacks() []CooldownKey {
	k = k.normalised()
	return []CooldownKey{
		k,
		{Symbol: k.Symbol, Venue: k.Venue, Strategy: k.Strategy},
		{Symbol: k.Symbol, Venue: k.Venue},
		{Symbol: k.Symbol},
	}
}

// CooldownConfig tunes cooldown durations.
type CooldownConfig struct {
	Base         time.Duration
	Min          time.Duration
	Max          time.Duration
	MaxFrequency float64
	MinVolFactor float64
	MaxVolFactor float64
}

// DefaultCooldownConfig returns the stock cooldown settings.
func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		Base:         15 * time.Minute,
		Min:          time.Minute,
		Max:          4 * time.Hour,
		MaxFrequency: 4,
		MinVolFactor: 0.5,
		MaxVolFactor: 1.5,
	}
}

// CooldownInputs are the market observations a cooldown is scaled by. Zero
// volatility figures leave the volatility factor at 1.
type CooldownInputs struct {
	SignalsPerHour   float64
	AvgVolatility    float64
	RecentVolatility float64
}

// Cooldowns tracks signal cooldowns. It is safe for concurrent use.
type Cooldowns struct {
	cfg     CooldownConfig
	mu      sync.Mutex
	until   map[CooldownKey]time.Time
	signals map[string][]time.Time
}

// NewCooldowns builds a cooldown tracker.
func NewCooldowns(cfg CooldownConfig) *Cooldowns {
	def := DefaultCooldownConfig()
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Min <= 0 {
		cfg.Min = def.Min
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.MaxFrequency <= 0 {
		cfg.MaxFrequency = def.MaxFrequency
	}
	if cfg.MinVolFactor <= 0 {
		cfg.MinVolFactor = def.MinVolFactor
	}
	if cfg.MaxVolFactor <= 0 {
		cfg.MaxVolFactor = def.MaxVolFactor
	}
	return &Cooldowns{cfg: cfg, mu: sync.Mutex{}, until: make(map[CooldownKey]time.Time), signals: make(map[string][]time.Time)}
}

// Duration computes the cooldown length for the given inputs.
func (c *Cooldowns) Duration(in CooldownInputs) time.Duration {
	freq := 1.0
	if in.SignalsPerHour > 1 {
		freq = math.Min(1+0.5*(in.SignalsPerHour-1), c.cfg.MaxFrequency)
	}
	vol := 1.0
	if in.AvgVolatility > 0 && in.RecentVolatility > 0 {
		vol = math.Max(c.cfg.MinVolFactor, math.Min(c.cfg.MaxVolFactor, in.AvgVolatility/in.RecentVolatility))
	}
	d := time.Duration(float64(c.cfg.Base) * freq * vol)
	if d < c.cfg.Min {
		d = c.cfg.Min
	}
	if d > c.cfg.Max {
		d = c.cfg.Max
	}
	return d
}

// RecordSignal notes a signal for symbol for frequency scaling.
func (c *Cooldowns) RecordSignal(symbol string, now time.Time) {
	symbol = schema.NormalizeSymbol(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals[symbol] = append(c.pruneLocked(symbol, now), now)
}

func (c *Cooldowns) pruneLocked(symbol string, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	kept := c.signals[symbol][:0]
	for _, ts := range c.signals[symbol] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// SetCooldown starts a cooldown on key and returns its expiry. When inputs carry
// no signal rate, the recorded signals of the last hour are used.
func (c *Cooldowns) SetCooldown(key CooldownKey, now time.Time, in CooldownInputs) time.Time {
	key = key.normalised()
	c.mu.Lock()
	defer c.mu.Unlock()
	if in.SignalsPerHour <= 0 {
		recent := c.pruneLocked(key.Symbol, now)
		c.signals[key.Symbol] = recent
		in.SignalsPerHour = float64(len(recent))
	}
	expiry := now.Add(c.Duration(in))
	c.until[key] = expiry
	return expiry
}

// IsOnCooldown checks the key and then each wider scope, returning the
// remaining time of the first active match.
func (c *Cooldowns) IsOnCooldown(key CooldownKey, now time.Time) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range key.fallbacks() {
		expiry, ok := c.until[k]
		if !ok {
			continue
		}
		if now.Before(expiry) {
			return true, expiry.Sub(now)
		}
		delete(c.until, k)
	}
	return false, 0
}

// Clear removes every cooldown for symbol.
func (c *Cooldowns) Clear(symbol string) {
	symbol = schema.NormalizeSymbol(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.until {
		if k.Symbol == symbol {
			delete(c.until, k)
		}
	}
}
