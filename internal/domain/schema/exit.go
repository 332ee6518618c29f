package schema

import "time"

// ExitRuleType enumerates exit-plan rule kinds.
type ExitRuleType string

const (
	// ExitRulePartialTP closes a fraction of the position at a profit tier.
	ExitRulePartialTP ExitRuleType = "partial_tp"
	// ExitRuleTrailing closes the remainder when the trailing level is crossed.
	ExitRuleTrailing ExitRuleType = "trailing"
	// ExitRuleTimeStop closes the remainder once the holding horizon elapses.
	ExitRuleTimeStop ExitRuleType = "time_stop"
)

// ExitRule is a single once-only exit trigger.
type ExitRule struct {
	ID           string       `json:"id"`
	Type         ExitRuleType `json:"type"`
	TriggerPrice float64      `json:"triggerPrice,omitempty"`
	// Fraction is relative to the initial quantity for partial TPs and to the remainder otherwise.
	Fraction float64   `json:"fraction"`
	Deadline time.Time `json:"deadline,omitempty"`
	// Fired is set once the rule has produced an action awaiting execution.
	Fired bool `json:"fired"`
}

// ExitPlan is the per-position exit state machine snapshot.
type ExitPlan struct {
	Symbol           string     `json:"symbol"`
	Side             Side       `json:"side"`
	EntryPrice       float64    `json:"entryPrice"`
	EntryTime        time.Time  `json:"entryTime"`
	InitialQuantity  float64    `json:"initialQuantity"`
	Remaining        float64    `json:"remaining"`
	Rules            []ExitRule `json:"rules"`
	TrailingArmed    bool       `json:"trailingArmed"`
	TrailingLevel    float64    `json:"trailingLevel,omitempty"`
	TrailingDistance float64    `json:"trailingDistance"`
}

// Clone returns a deep copy of the plan.
func (p ExitPlan) Clone() ExitPlan {
	out := p
	out.Rules = append([]ExitRule(nil), p.Rules...)
	return out
}

// ExitAction is an exit the manager wants executed.
type ExitAction struct {
	Symbol   string       `json:"symbol"`
	RuleID   string       `json:"ruleId"`
	Type     ExitRuleType `json:"type"`
	Side     Side         `json:"side"`
	Quantity float64      `json:"quantity"`
	Price    float64      `json:"price"`
	Reason   string       `json:"reason"`
}
