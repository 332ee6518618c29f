// Package exitplan maintains the per-position exit state machine: tiered
// partial take-profits, a trailing stop armed after the first partial, and a
// time stop.
package exitplan

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/schema"
)

// Tier is one partial take-profit level.
type Tier struct {
	ATRMultiple float64
	Percent     float64
	Fraction    float64
}

// Config tunes plan construction.
type Config struct {
	Tiers            []Tier
	TrailingATR      float64
	TrailingPercent  float64
	MaxHold          time.Duration
	BreakevenFee     float64
	BreakevenSlip    float64
	CaptureFraction  float64
	MinBufferPercent float64
}

// DefaultConfig returns the stock exit plan settings.
func DefaultConfig() Config {
	return Config{
		Tiers: []Tier{
			{ATRMultiple: 2, Percent: 0.02, Fraction: 0.5},
			{ATRMultiple: 4, Percent: 0.04, Fraction: 0.25},
		},
		TrailingATR:      1,
		TrailingPercent:  0.01,
		MaxHold:          24 * time.Hour,
		BreakevenFee:     0.0004,
		BreakevenSlip:    0.0005,
		CaptureFraction:  0.30,
		MinBufferPercent: 0.004,
	}
}

// Manager owns every live exit plan. It is safe for concurrent use.
type Manager struct {
	cfg   Config
	mu    sync.Mutex
	plans map[string]*schema.ExitPlan
}

// NewManager builds a manager.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = def.Tiers
	}
	if cfg.TrailingATR <= 0 {
		cfg.TrailingATR = def.TrailingATR
	}
	if cfg.TrailingPercent <= 0 {
		cfg.TrailingPercent = def.TrailingPercent
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = def.MaxHold
	}
	return &Manager{cfg: cfg, mu: sync.Mutex{}, plans: make(map[string]*schema.ExitPlan)}
}

// Config returns the manager settings.
func (m *Manager) Config() Config { return m.cfg }

// Create installs a fresh plan for symbol, replacing any existing one.
func (m *Manager) Create(symbol string, side schema.Side, entry, quantity, atr float64, mult *schema.RiskMultipliers, now time.Time) (schema.ExitPlan, error) {
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" || !side.Valid() {
		return schema.ExitPlan{}, errs.Validation("exit plan requires symbol and side")
	}
	if entry <= 0 || quantity <= schema.QuantityEpsilon {
		return schema.ExitPlan{}, errs.Validation(fmt.Sprintf("%s: exit plan requires positive entry and quantity", symbol), errs.WithSymbol(symbol))
	}
	hold := 1.0
	if mult != nil && mult.Hold > 0 {
		hold = mult.Hold
	}
	useATR := atr > 0 && !math.IsNaN(atr) && !math.IsInf(atr, 0)

	plan := &schema.ExitPlan{
		Symbol:          symbol,
		Side:            side,
		EntryPrice:      entry,
		EntryTime:       now,
		InitialQuantity: quantity,
		Remaining:       quantity,
		Rules:           make([]schema.ExitRule, 0, len(m.cfg.Tiers)+2),
		TrailingArmed:   false,
		TrailingLevel:   0,
	}
	for i, tier := range m.cfg.Tiers {
		dist := entry * tier.Percent
		if useATR {
			dist = atr * tier.ATRMultiple
		}
		plan.Rules = append(plan.Rules, schema.ExitRule{
			ID:           fmt.Sprintf("tp%d", i+1),
			Type:         schema.ExitRulePartialTP,
			TriggerPrice: entry + side.Sign()*dist,
			Fraction:     tier.Fraction,
		})
	}
	plan.TrailingDistance = entry * m.cfg.TrailingPercent
	if useATR {
		plan.TrailingDistance = atr * m.cfg.TrailingATR
	}
	plan.Rules = append(plan.Rules,
		schema.ExitRule{ID: "trail", Type: schema.ExitRuleTrailing, Fraction: 1},
		schema.ExitRule{ID: "time", Type: schema.ExitRuleTimeStop, Fraction: 1, Deadline: now.Add(time.Duration(float64(m.cfg.MaxHold) * hold))},
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[symbol] = plan
	return plan.Clone(), nil
}

// Plan returns a copy of the plan for symbol.
func (m *Manager) Plan(symbol string) (schema.ExitPlan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[schema.NormalizeSymbol(symbol)]
	if !ok {
		return schema.ExitPlan{}, false
	}
	return plan.Clone(), true
}

// Symbols lists symbols with live plans.
func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.plans))
	for sym := range m.plans {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Remove drops the plan for symbol.
func (m *Manager) Remove(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plans, schema.NormalizeSymbol(symbol))
}

func favourable(side schema.Side, price, trigger float64) bool {
	if side == schema.SideLong {
		return price >= trigger
	}
	return price <= trigger
}

// CheckExitConditions returns the exits triggered at price. The time stop wins
// outright; otherwise partial tiers fire before the trailing stop. Each rule is
// reported once.
func (m *Manager) CheckExitConditions(symbol string, price float64, now time.Time) []schema.ExitAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[schema.NormalizeSymbol(symbol)]
	if !ok || price <= 0 || plan.Remaining <= schema.QuantityEpsilon {
		return nil
	}
	for i := range plan.Rules {
		rule := &plan.Rules[i]
		if rule.Type == schema.ExitRuleTimeStop && !rule.Fired && !rule.Deadline.IsZero() && !now.Before(rule.Deadline) {
			rule.Fired = true
			return []schema.ExitAction{action(plan, *rule, plan.Remaining, price, "time stop reached")}
		}
	}

	var actions []schema.ExitAction
	pending := plan.Remaining
	for i := range plan.Rules {
		rule := &plan.Rules[i]
		if rule.Type != schema.ExitRulePartialTP || rule.Fired || !favourable(plan.Side, price, rule.TriggerPrice) {
			continue
		}
		qty := math.Min(plan.InitialQuantity*rule.Fraction, pending)
		if qty <= schema.QuantityEpsilon {
			continue
		}
		rule.Fired = true
		pending -= qty
		actions = append(actions, action(plan, *rule, qty, price, fmt.Sprintf("take-profit tier %s at %.6g", rule.ID, rule.TriggerPrice)))
	}
	if len(actions) > 0 {
		return actions
	}

	if plan.TrailingArmed && plan.TrailingLevel > 0 {
		crossed := price <= plan.TrailingLevel
		if plan.Side == schema.SideShort {
			crossed = price >= plan.TrailingLevel
		}
		if crossed {
			for i := range plan.Rules {
				rule := &plan.Rules[i]
				if rule.Type == schema.ExitRuleTrailing && !rule.Fired {
					rule.Fired = true
					return []schema.ExitAction{action(plan, *rule, plan.Remaining, price, fmt.Sprintf("trailing stop %.6g crossed", plan.TrailingLevel))}
				}
			}
		}
	}
	return nil
}

func action(plan *schema.ExitPlan, rule schema.ExitRule, qty, price float64, reason string) schema.ExitAction {
	return schema.ExitAction{
		Symbol:   plan.Symbol,
		RuleID:   rule.ID,
		Type:     rule.Type,
		Side:     plan.Side,
		Quantity: qty,
		Price:    price,
		Reason:   reason,
	}
}

// UpdateTrailingStop ratchets the trailing level in the position's favour. It
// is a no-op until the trail has been armed by a partial exit.
func (m *Manager) UpdateTrailingStop(symbol string, price float64) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[schema.NormalizeSymbol(symbol)]
	if !ok || !plan.TrailingArmed || price <= 0 {
		return 0, false
	}
	candidate := price - plan.Side.Sign()*plan.TrailingDistance
	improved := plan.TrailingLevel == 0 ||
		(plan.Side == schema.SideLong && candidate > plan.TrailingLevel) ||
		(plan.Side == schema.SideShort && candidate < plan.TrailingLevel)
	if improved && candidate > 0 {
		plan.TrailingLevel = candidate
	}
	return plan.TrailingLevel, improved
}

// ExecutePartialExit books an executed exit. The rule is consumed, the trail is
// armed, and the plan is destroyed once nothing remains. It returns the new remainder.
func (m *Manager) ExecutePartialExit(symbol, ruleID string, quantity float64) (float64, error) {
	symbol = schema.NormalizeSymbol(symbol)
	if quantity < 0 || math.IsNaN(quantity) {
		return 0, errs.Validation(fmt.Sprintf("%s: exit quantity must be non-negative", symbol), errs.WithSymbol(symbol))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[symbol]
	if !ok {
		return 0, errs.Validation(fmt.Sprintf("%s: no exit plan", symbol), errs.WithSymbol(symbol))
	}
	plan.Remaining = math.Max(0, plan.Remaining-quantity)
	kept := plan.Rules[:0]
	var consumed *schema.ExitRule
	for _, rule := range plan.Rules {
		if rule.ID == ruleID && consumed == nil {
			r := rule
			consumed = &r
			continue
		}
		kept = append(kept, rule)
	}
	plan.Rules = kept
	if consumed != nil && consumed.Type == schema.ExitRulePartialTP && !plan.TrailingArmed {
		plan.TrailingArmed = true
		plan.TrailingLevel = plan.EntryPrice
	}
	if plan.Remaining <= schema.QuantityEpsilon {
		delete(m.plans, symbol)
		return 0, nil
	}
	return plan.Remaining, nil
}

// Release clears the fired flag of a rule whose exit failed so it can retry.
func (m *Manager) Release(symbol, ruleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[schema.NormalizeSymbol(symbol)]
	if !ok {
		return
	}
	for i := range plan.Rules {
		if plan.Rules[i].ID == ruleID {
			plan.Rules[i].Fired = false
		}
	}
}

// ComputeBreakeven returns the price at which closing covers round-trip fees and slippage.
func ComputeBreakeven(entry, feeRate, slippage float64, side schema.Side) float64 {
	cost := 2*feeRate + slippage
	if side == schema.SideShort {
		return entry * (1 - cost)
	}
	return entry * (1 + cost)
}

// BreakevenStop returns the protective stop to move to once a position is in
// profit, or false when profit does not yet cover the buffer. The stop locks in
// CaptureFraction of the open profit and never sits closer to entry than the
// fee-adjusted breakeven.
func (m *Manager) BreakevenStop(side schema.Side, entry, price float64) (float64, bool) {
	if entry <= 0 || price <= 0 {
		return 0, false
	}
	profit := (price - entry) * side.Sign()
	buffer := price * m.cfg.MinBufferPercent
	if profit <= buffer {
		return 0, false
	}
	be := ComputeBreakeven(entry, m.cfg.BreakevenFee, m.cfg.BreakevenSlip, side)
	stop := entry + side.Sign()*profit*m.cfg.CaptureFraction
	if side == schema.SideLong {
		stop = math.Max(stop, be)
		if stop >= price-buffer {
			return 0, false
		}
	} else {
		stop = math.Min(stop, be)
		if stop <= price+buffer {
			return 0, false
		}
	}
	return stop, true
}
