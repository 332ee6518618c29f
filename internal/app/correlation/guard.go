// Package correlation tracks recent price history per symbol and vetoes entries
// whose returns move too closely with open positions.
package correlation

import (
	"math"
	"sort"
	"sync"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// Config tunes the guard.
type Config struct {
	Window      int
	MinFill     float64
	MinPairs    int
	Threshold   float64
	MinVariance float64
}

// DefaultConfig returns the stock guard settings.
func DefaultConfig() Config {
	return Config{Window: 100, MinFill: 0.8, MinPairs: 10, Threshold: 0.85, MinVariance: 1e-18}
}

// Guard holds a bounded price history per symbol. It is safe for concurrent use.
type Guard struct {
	cfg     Config
	mu      sync.RWMutex
	history map[string][]float64
}

// NewGuard builds a guard, filling unset fields from DefaultConfig.
func NewGuard(cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinFill <= 0 || cfg.MinFill > 1 {
		cfg.MinFill = def.MinFill
	}
	if cfg.MinPairs <= 1 {
		cfg.MinPairs = def.MinPairs
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MinVariance <= 0 {
		cfg.MinVariance = def.MinVariance
	}
	return &Guard{cfg: cfg, mu: sync.RWMutex{}, history: make(map[string][]float64)}
}

// UpdateHistory replaces a symbol's history with the last Window positive prices.
func (g *Guard) UpdateHistory(symbol string, prices []float64) {
	symbol = schema.NormalizeSymbol(symbol)
	cleaned := g.tail(prices)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history[symbol] = cleaned
}

// Append adds one observation, discarding the oldest beyond Window.
func (g *Guard) Append(symbol string, price float64) {
	if !(price > 0) || math.IsInf(price, 0) {
		return
	}
	symbol = schema.NormalizeSymbol(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	series := append(g.history[symbol], price)
	if len(series) > g.cfg.Window {
		series = append([]float64(nil), series[len(series)-g.cfg.Window:]...)
	}
	g.history[symbol] = series
}

// History returns a copy of the stored series.
func (g *Guard) History(symbol string) []float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]float64(nil), g.history[schema.NormalizeSymbol(symbol)]...)
}

func (g *Guard) tail(prices []float64) []float64 {
	out := make([]float64, 0, len(prices))
	for _, p := range prices {
		if p > 0 && !math.IsInf(p, 0) {
			out = append(out, p)
		}
	}
	if len(out) > g.cfg.Window {
		out = out[len(out)-g.cfg.Window:]
	}
	return out
}

func (g *Guard) filled(series []float64) bool {
	return float64(len(series)) >= g.cfg.MinFill*float64(g.cfg.Window)
}

// IsSafe reports whether candidate may be opened alongside open. Prices, when
// given, supersede the stored history for the candidate. Insufficient data is
// treated as safe.
func (g *Guard) IsSafe(candidate string, prices []float64, open []string) bool {
	if len(open) == 0 {
		return true
	}
	candidate = schema.NormalizeSymbol(candidate)
	series := g.tail(prices)
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(series) == 0 {
		series = g.history[candidate]
	}
	if !g.filled(series) {
		return true
	}
	for _, sym := range open {
		sym = schema.NormalizeSymbol(sym)
		if sym == candidate {
			continue
		}
		other := g.history[sym]
		if !g.filled(other) {
			continue
		}
		corr, ok := g.correlate(series, other)
		if ok && math.Abs(corr) > g.cfg.Threshold {
			return false
		}
	}
	return true
}

// Matrix returns pairwise correlations for every symbol pair with enough data.
func (g *Guard) Matrix(symbols []string) map[schema.SymbolPair]float64 {
	norm := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm = append(norm, schema.NormalizeSymbol(s))
	}
	sort.Strings(norm)
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[schema.SymbolPair]float64)
	for i := 0; i < len(norm); i++ {
		a := g.history[norm[i]]
		if !g.filled(a) {
			continue
		}
		for j := i + 1; j < len(norm); j++ {
			if norm[i] == norm[j] {
				continue
			}
			b := g.history[norm[j]]
			if !g.filled(b) {
				continue
			}
			if corr, ok := g.correlate(a, b); ok {
				out[schema.NewSymbolPair(norm[i], norm[j])] = corr
			}
		}
	}
	return out
}

// Correlation returns the correlation between the stored histories of a and b.
// It reports false when either series is not yet filled.
func (g *Guard) Correlation(a, b string) (float64, bool) {
	a, b = schema.NormalizeSymbol(a), schema.NormalizeSymbol(b)
	if a == b {
		return 1, true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	sa, sb := g.history[a], g.history[b]
	if !g.filled(sa) || !g.filled(sb) {
		return 0, false
	}
	return g.correlate(sa, sb)
}

// correlate aligns the tails of both series and returns the Pearson correlation
// of their log returns.
func (g *Guard) correlate(a, b []float64) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	ra := logReturns(a[len(a)-n:])
	rb := logReturns(b[len(b)-n:])
	if len(ra) < g.cfg.MinPairs {
		return 0, false
	}
	return pearson(ra, rb, g.cfg.MinVariance)
}

func logReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		out = append(out, math.Log(prices[i]/prices[i-1]))
	}
	return out
}

// Pearson returns the correlation coefficient of two equal-length series.
func Pearson(a, b []float64) (float64, bool) {
	return pearson(a, b, DefaultConfig().MinVariance)
}

func pearson(a, b []float64, minVariance float64) (float64, bool) {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0, false
	}
	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)
	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA <= minVariance || varB <= minVariance {
		return 0, false
	}
	corr := cov / math.Sqrt(varA*varB)
	if math.IsNaN(corr) {
		return 0, false
	}
	return math.Max(-1, math.Min(1, corr)), true
}
