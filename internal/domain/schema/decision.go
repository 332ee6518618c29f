package schema

import "fmt"

// RiskMultipliers scales the five risk dimensions of a decision.
type RiskMultipliers struct {
	Leverage   float64 `json:"leverage"`
	Size       float64 `json:"size"`
	Stop       float64 `json:"stop"`
	TakeProfit float64 `json:"takeProfit"`
	Hold       float64 `json:"hold"`
}

// NeutralMultipliers returns the identity multiplier vector.
func NeutralMultipliers() RiskMultipliers {
	return RiskMultipliers{Leverage: 1, Size: 1, Stop: 1, TakeProfit: 1, Hold: 1}
}

// Mul multiplies two vectors component-wise.
func (m RiskMultipliers) Mul(o RiskMultipliers) RiskMultipliers {
	return RiskMultipliers{
		Leverage:   m.Leverage * o.Leverage,
		Size:       m.Size * o.Size,
		Stop:       m.Stop * o.Stop,
		TakeProfit: m.TakeProfit * o.TakeProfit,
		Hold:       m.Hold * o.Hold,
	}
}

// Clamp bounds every component to [lo, hi].
func (m RiskMultipliers) Clamp(lo, hi float64) RiskMultipliers {
	c := func(v float64) float64 {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	return RiskMultipliers{
		Leverage:   c(m.Leverage),
		Size:       c(m.Size),
		Stop:       c(m.Stop),
		TakeProfit: c(m.TakeProfit),
		Hold:       c(m.Hold),
	}
}

// ScalingStep records one adjustment applied while sizing a decision.
type ScalingStep struct {
	Stage  string  `json:"stage"`
	Factor float64 `json:"factor"`
	Note   string  `json:"note"`
}

// String renders the step for audit logs.
func (s ScalingStep) String() string {
	return fmt.Sprintf("%s x%.2f (%s)", s.Stage, s.Factor, s.Note)
}

// RiskDecision is the immutable output of the policy engine.
type RiskDecision struct {
	Allow        bool            `json:"allow"`
	Reason       string          `json:"reason"`
	Gate         string          `json:"gate,omitempty"`
	Preview      bool            `json:"preview"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Strategy     string          `json:"strategy"`
	Cluster      string          `json:"cluster"`
	Venue        string          `json:"venue"`
	Leverage     float64         `json:"leverage"`
	SizeFraction float64         `json:"sizeFraction"`
	Quantity     float64         `json:"quantity"`
	EntryPrice   float64         `json:"entryPrice"`
	StopLoss     float64         `json:"stopLoss"`
	TakeProfit   float64         `json:"takeProfit"`
	ATR          float64         `json:"atr,omitempty"`
	Regime       Regime          `json:"regime"`
	Multipliers  RiskMultipliers `json:"multipliers"`
	Audit        []ScalingStep   `json:"audit,omitempty"`
}

// Deny builds a rejected decision naming the gate.
func Deny(symbol, gate, reason string) RiskDecision {
	return RiskDecision{Allow: false, Symbol: symbol, Gate: gate, Reason: reason}
}

// Notional returns the position notional implied by the decision.
func (d RiskDecision) Notional() float64 {
	return d.Quantity * d.EntryPrice
}
