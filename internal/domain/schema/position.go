package schema

import (
	"math"
	"sort"
	"time"
)

// Position is a venue-reported open position snapshot.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entryPrice"`
	MarkPrice     float64 `json:"markPrice"`
	Venue         string  `json:"venue"`
	Leverage      float64 `json:"leverage"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
}

// Notional returns quantity times the mark price, falling back to entry.
func (p Position) Notional() float64 {
	price := p.MarkPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return math.Abs(p.Quantity) * price
}

// Open reports whether the position holds a non-dust quantity.
func (p Position) Open() bool {
	return math.Abs(p.Quantity) > QuantityEpsilon
}

// Balance is a venue account balance snapshot.
type Balance struct {
	Venue     string    `json:"venue"`
	Asset     string    `json:"asset"`
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SymbolPair keys a pairwise correlation entry. A is always lexically <= B.
type SymbolPair struct {
	A string
	B string
}

// NewSymbolPair orders the two symbols so lookups are symmetric.
func NewSymbolPair(a, b string) SymbolPair {
	a, b = NormalizeSymbol(a), NormalizeSymbol(b)
	if b < a {
		a, b = b, a
	}
	return SymbolPair{A: a, B: b}
}

// PortfolioState is an immutable view of the account rebuilt for every evaluation.
type PortfolioState struct {
	Positions            []Position
	Equity               float64
	NotionalByVenue      map[string]float64
	NotionalByCluster    map[string]float64
	NotionalBySymbol     map[string]float64
	LongNotional         float64
	ShortNotional        float64
	Drawdown             float64
	Correlations         map[SymbolPair]float64
	BenchmarkCorrelation float64
}

// TotalNotional returns gross long plus short exposure.
func (p PortfolioState) TotalNotional() float64 {
	return p.LongNotional + p.ShortNotional
}

// OpenSymbols returns the sorted distinct symbols with open positions.
func (p PortfolioState) OpenSymbols() []string {
	seen := make(map[string]struct{}, len(p.Positions))
	out := make([]string, 0, len(p.Positions))
	for _, pos := range p.Positions {
		if !pos.Open() {
			continue
		}
		if _, ok := seen[pos.Symbol]; ok {
			continue
		}
		seen[pos.Symbol] = struct{}{}
		out = append(out, pos.Symbol)
	}
	sort.Strings(out)
	return out
}

// Correlation returns the recorded correlation between two symbols.
func (p PortfolioState) Correlation(a, b string) (float64, bool) {
	if p.Correlations == nil {
		return 0, false
	}
	v, ok := p.Correlations[NewSymbolPair(a, b)]
	return v, ok
}
