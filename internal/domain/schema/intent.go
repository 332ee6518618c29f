package schema

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/coachpo/bastion/errs"
)

// Action enumerates what an intent asks the engine to do.
type Action string

const (
	// ActionOpenLong opens or adds to a long position.
	ActionOpenLong Action = "open_long"
	// ActionOpenShort opens or adds to a short position.
	ActionOpenShort Action = "open_short"
	// ActionClose closes the position in the symbol.
	ActionClose Action = "close"
	// ActionExitAll closes every open position.
	ActionExitAll Action = "exit_all"
)

// Side returns the position side an opening action targets.
func (a Action) Side() (Side, bool) {
	switch a {
	case ActionOpenLong:
		return SideLong, true
	case ActionOpenShort:
		return SideShort, true
	default:
		return "", false
	}
}

// Origin distinguishes strategy signals from manual user commands.
type Origin string

const (
	// OriginSignal marks intents produced by the strategy layer.
	OriginSignal Origin = "signal"
	// OriginManual marks intents issued directly by the user.
	OriginManual Origin = "manual"
)

// Intent is a proposed trade action awaiting risk approval.
type Intent struct {
	Symbol     string            `json:"symbol"`
	Action     Action            `json:"action"`
	StrategyID string            `json:"strategyId"`
	Confidence float64           `json:"confidence"`
	Price      float64           `json:"price"`
	ATR        float64           `json:"atr,omitempty"`
	Origin     Origin            `json:"origin"`
	ForceVenue string            `json:"forceVenue,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// HasATR reports whether a usable volatility figure accompanies the intent.
func (i Intent) HasATR() bool {
	return i.ATR > 0 && !math.IsNaN(i.ATR) && !math.IsInf(i.ATR, 0)
}

// Validate rejects intents that cannot be evaluated. Confidence must already lie in [0,1].
func (i Intent) Validate(minConfidence float64) error {
	symbol := NormalizeSymbol(i.Symbol)
	if symbol == "" {
		return errs.Validation("symbol required")
	}
	switch i.Action {
	case ActionOpenLong, ActionOpenShort, ActionClose, ActionExitAll:
	default:
		return errs.Validation(fmt.Sprintf("unknown action %q", i.Action), errs.WithSymbol(symbol))
	}
	if math.IsNaN(i.Price) || i.Price <= 0 {
		return errs.Validation(fmt.Sprintf("%s: price must be positive, got %v", symbol, i.Price), errs.WithSymbol(symbol))
	}
	if math.IsNaN(i.Confidence) || i.Confidence < 0 || i.Confidence > 1 {
		return errs.Validation(fmt.Sprintf("%s: confidence %v outside [0,1]", symbol, i.Confidence), errs.WithSymbol(symbol))
	}
	if i.Confidence < minConfidence {
		return errs.Validation(
			fmt.Sprintf("%s: confidence %.2f below floor %.2f", symbol, i.Confidence, minConfidence),
			errs.WithSymbol(symbol),
		)
	}
	return nil
}

// ClampConfidence maps arbitrary caller input into [0,1]; NaN becomes 0.
func ClampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// NewIntent builds a normalised intent, clamping confidence at the boundary.
func NewIntent(symbol string, action Action, strategy string, confidence, price float64, now time.Time) Intent {
	return Intent{
		Symbol:     NormalizeSymbol(symbol),
		Action:     action,
		StrategyID: strings.ToLower(strings.TrimSpace(strategy)),
		Confidence: ClampConfidence(confidence),
		Price:      price,
		ATR:        0,
		Origin:     OriginSignal,
		ForceVenue: "",
		Metadata:   nil,
		CreatedAt:  now,
	}
}
