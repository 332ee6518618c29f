// Package fake provides an in-memory venue adapter with deterministic fills and
// failure injection, used by tests and the dry-run command.
package fake

import (
	"math"
	"strings"

	"github.com/coachpo/bastion/internal/domain/schema"
	"github.com/coachpo/bastion/internal/numeric"
)

const floatTolerance = 1e-9

func normalizeInstrument(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func defaultBasePrice(symbol string) float64 {
	symbol = normalizeInstrument(symbol)
	switch {
	case strings.HasPrefix(symbol, "BTC"):
		return 50000
	case strings.HasPrefix(symbol, "ETH"):
		return 3000
	case strings.HasPrefix(symbol, "SOL"):
		return 150
	case strings.HasPrefix(symbol, "DOGE"):
		return 0.07
	default:
		return 100
	}
}

// defaultSymbolInfo derives venue constraints from the instrument's price magnitude.
func defaultSymbolInfo(symbol string, price float64) schema.SymbolInfo {
	if price <= 0 {
		price = defaultBasePrice(symbol)
	}
	tick := numeric.EffectiveTick(price, 0) / 10
	step := 0.001
	switch {
	case price < 1:
		step = 1
	case price < 100:
		step = 0.1
	}
	return schema.SymbolInfo{
		Symbol:         normalizeInstrument(symbol),
		QtyPrecision:   numeric.PrecisionFromTick(step),
		PricePrecision: numeric.PrecisionFromTick(tick),
		MinNotional:    5,
		TickSize:       tick,
		MinQty:         step,
		StepSize:       step,
	}
}

func normalizeQuantity(info schema.SymbolInfo, qty float64) float64 {
	if info.StepSize <= 0 {
		return qty
	}
	steps := math.Round(qty / info.StepSize)
	return steps * info.StepSize
}
