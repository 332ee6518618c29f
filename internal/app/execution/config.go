package execution

import (
	"time"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// Config tunes order placement, protection and the background engine.
type Config struct {
	// StopMatchTolerance is the relative distance within which an existing stop counts as in place.
	StopMatchTolerance float64
	VerifyPolls        int
	VerifyDelay        time.Duration
	FlipPolls          int
	FlipDelay          time.Duration
	// MinAvailableBalance is the liquidity gate on the target venue.
	MinAvailableBalance float64
	// TPSplit is the share of the position closed by the fixed take-profit leg.
	TPSplit float64
	// TrailingCallbackPercent is the callback rate of trailing legs, in percent.
	TrailingCallbackPercent float64
	SweepConcurrency        int

	LoopInterval       time.Duration
	ProtectionInterval time.Duration
	BreakevenInterval  time.Duration
	DefaultStrategy    string
	DefaultConfidence  float64
	// BenchmarkSymbol is sampled every loop pass; entries are dampened when
	// they move too closely with it.
	BenchmarkSymbol string
}

// DefaultConfig returns the stock execution settings.
func DefaultConfig() Config {
	return Config{
		StopMatchTolerance:      0.01,
		VerifyPolls:             3,
		VerifyDelay:             500 * time.Millisecond,
		FlipPolls:               3,
		FlipDelay:               500 * time.Millisecond,
		MinAvailableBalance:     10,
		TPSplit:                 0.5,
		TrailingCallbackPercent: 1.0,
		SweepConcurrency:        4,
		LoopInterval:            5 * time.Second,
		ProtectionInterval:      time.Minute,
		BreakevenInterval:       5 * time.Minute,
		DefaultStrategy:         "default",
		DefaultConfidence:       1.0,
		BenchmarkSymbol:         "BTCUSDT",
	}
}

func (c Config) normalised() Config {
	def := DefaultConfig()
	if c.StopMatchTolerance <= 0 {
		c.StopMatchTolerance = def.StopMatchTolerance
	}
	if c.VerifyPolls <= 0 {
		c.VerifyPolls = def.VerifyPolls
	}
	if c.VerifyDelay < 0 {
		c.VerifyDelay = 0
	}
	if c.FlipPolls <= 0 {
		c.FlipPolls = def.FlipPolls
	}
	if c.FlipDelay < 0 {
		c.FlipDelay = 0
	}
	if c.MinAvailableBalance < 0 {
		c.MinAvailableBalance = 0
	}
	if c.TPSplit <= 0 || c.TPSplit >= 1 {
		c.TPSplit = def.TPSplit
	}
	if c.TrailingCallbackPercent <= 0 {
		c.TrailingCallbackPercent = def.TrailingCallbackPercent
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = def.SweepConcurrency
	}
	if c.LoopInterval <= 0 {
		c.LoopInterval = def.LoopInterval
	}
	if c.ProtectionInterval <= 0 {
		c.ProtectionInterval = def.ProtectionInterval
	}
	if c.BreakevenInterval <= 0 {
		c.BreakevenInterval = def.BreakevenInterval
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = def.DefaultStrategy
	}
	if c.DefaultConfidence <= 0 {
		c.DefaultConfidence = def.DefaultConfidence
	}
	if c.BenchmarkSymbol == "" {
		c.BenchmarkSymbol = def.BenchmarkSymbol
	}
	c.BenchmarkSymbol = schema.NormalizeSymbol(c.BenchmarkSymbol)
	return c
}
