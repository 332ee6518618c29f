// Package numeric provides tick and lot rounding helpers used by the execution layer.
package numeric

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// MinSeparationFraction is the minimum SL/TP distance from entry as a fraction of entry (0.01%).
const MinSeparationFraction = 0.0001

// MinSeparationTicks is the minimum SL/TP distance from entry in ticks.
const MinSeparationTicks = 2

// EffectiveTick returns the venue tick when usable, otherwise a tick derived from the
// price magnitude (five significant digits). A tick is unusable when missing or when it
// exceeds a tenth of the price.
func EffectiveTick(price, tick float64) float64 {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		if tick > 0 {
			return tick
		}
		return 0
	}
	if tick > 0 && !math.IsNaN(tick) && tick*10 <= price {
		return tick
	}
	exp := int32(math.Floor(math.Log10(price))) - 4
	return decimal.New(1, exp).InexactFloat64()
}

// RoundToTick rounds price to the nearest multiple of the effective tick.
// A positive input never yields a non-positive output.
func RoundToTick(price, tick float64) float64 {
	return roundWith(price, tick, func(d decimal.Decimal) decimal.Decimal { return d.Round(0) })
}

// FloorToTick rounds price down to a multiple of the effective tick.
func FloorToTick(price, tick float64) float64 {
	return roundWith(price, tick, func(d decimal.Decimal) decimal.Decimal { return d.Floor() })
}

// CeilToTick rounds price up to a multiple of the effective tick.
func CeilToTick(price, tick float64) float64 {
	return roundWith(price, tick, func(d decimal.Decimal) decimal.Decimal { return d.Ceil() })
}

func roundWith(price, tick float64, mode func(decimal.Decimal) decimal.Decimal) float64 {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return price
	}
	eff := EffectiveTick(price, tick)
	if eff <= 0 {
		return price
	}
	t := decimal.NewFromFloat(eff)
	steps := mode(decimal.NewFromFloat(price).Div(t))
	out := steps.Mul(t).InexactFloat64()
	if out <= 0 {
		return eff
	}
	return out
}

// MinSeparation returns the minimum distance between entry and a protective price.
func MinSeparation(entry, tick float64) float64 {
	eff := EffectiveTick(entry, tick)
	return math.Max(MinSeparationTicks*eff, entry*MinSeparationFraction)
}

// protectiveBelow reports whether the protective order sits below entry.
func protectiveBelow(side schema.Side, isStop bool) bool {
	return (side == schema.SideLong) == isStop
}

// EnsureSeparation forces a stop (isStop) or take-profit price onto the correct side of
// entry at least MinSeparation away, re-rounding away from entry after adjustment.
func EnsureSeparation(price, entry, tick float64, side schema.Side, isStop bool) float64 {
	if entry <= 0 {
		return price
	}
	dist := MinSeparation(entry, tick)
	eff := EffectiveTick(entry, tick)
	if protectiveBelow(side, isStop) {
		limit := entry - dist
		if price > limit || price <= 0 {
			price = limit
		}
		out := FloorToTick(price, eff)
		if out >= entry {
			out = FloorToTick(limit, eff)
		}
		return out
	}
	limit := entry + dist
	if price < limit {
		price = limit
	}
	return CeilToTick(price, eff)
}

// FloorToStep truncates a quantity down to the venue lot step.
func FloorToStep(qty, step float64) float64 {
	if qty <= 0 || step <= 0 {
		return qty
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(qty).Div(s).Floor().Mul(s).InexactFloat64()
}

// Format renders v with a fixed number of fractional digits.
func Format(v float64, scale int) string {
	if scale < 0 {
		scale = 0
	}
	return decimal.NewFromFloat(v).StringFixed(int32(scale))
}

// ScaleFromStep derives the effective fractional precision from a decimal "step" string.
func ScaleFromStep(step string) int {
	step = strings.TrimSpace(step)
	if step == "" {
		return 0
	}
	idx := strings.IndexByte(step, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(step[idx+1:], "0")
	return len(frac)
}

// PrecisionFromTick converts a tick size into the number of fractional digits it implies.
func PrecisionFromTick(tick float64) int {
	if tick <= 0 {
		return 0
	}
	return ScaleFromStep(decimal.NewFromFloat(tick).String())
}
