package schema

// Regime classifies the current market environment.
type Regime string

const (
	// RegimeTrending marks directional markets.
	RegimeTrending Regime = "trending"
	// RegimeRanging marks mean-reverting markets.
	RegimeRanging Regime = "ranging"
	// RegimeVolatile marks markets with outsized volatility.
	RegimeVolatile Regime = "volatile"
	// RegimeUncertain is the fallback when classification fails.
	RegimeUncertain Regime = "uncertain"
)

// Regimes lists every known regime.
func Regimes() []Regime {
	return []Regime{RegimeTrending, RegimeRanging, RegimeVolatile, RegimeUncertain}
}

// MarketData bundles the market context consulted while sizing a trade.
type MarketData struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	ATR    float64 `json:"atr,omitempty"`
	ADX    float64 `json:"adx,omitempty"`
	// ATRRatio is current ATR divided by its longer-term average.
	ATRRatio             float64   `json:"atrRatio,omitempty"`
	Closes               []float64 `json:"closes,omitempty"`
	BenchmarkCorrelation float64   `json:"benchmarkCorrelation,omitempty"`
}
