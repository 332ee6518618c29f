package risk

import (
	"github.com/coachpo/bastion/internal/domain/schema"
)

// PortfolioInput is the raw account view a PortfolioState is built from.
type PortfolioInput struct {
	Positions            []schema.Position
	Equity               float64
	PeakEquity           float64
	Correlations         map[schema.SymbolPair]float64
	BenchmarkCorrelation float64
}

// BuildPortfolio aggregates exposure by venue, cluster, symbol and direction.
// The returned state shares no maps with the input.
func BuildPortfolio(in PortfolioInput) schema.PortfolioState {
	state := schema.PortfolioState{
		Positions:            make([]schema.Position, 0, len(in.Positions)),
		Equity:               in.Equity,
		NotionalByVenue:      make(map[string]float64),
		NotionalByCluster:    make(map[string]float64),
		NotionalBySymbol:     make(map[string]float64),
		LongNotional:         0,
		ShortNotional:        0,
		Drawdown:             0,
		Correlations:         make(map[schema.SymbolPair]float64, len(in.Correlations)),
		BenchmarkCorrelation: in.BenchmarkCorrelation,
	}
	for _, pos := range in.Positions {
		if !pos.Open() {
			continue
		}
		pos.Symbol = schema.NormalizeSymbol(pos.Symbol)
		state.Positions = append(state.Positions, pos)
		notional := pos.Notional()
		state.NotionalByVenue[pos.Venue] += notional
		state.NotionalByCluster[string(Classify(pos.Symbol))] += notional
		state.NotionalBySymbol[pos.Symbol] += notional
		if pos.Side == schema.SideShort {
			state.ShortNotional += notional
		} else {
			state.LongNotional += notional
		}
	}
	for k, v := range in.Correlations {
		state.Correlations[k] = v
	}
	if in.PeakEquity > 0 && in.Equity < in.PeakEquity {
		state.Drawdown = (in.PeakEquity - in.Equity) / in.PeakEquity
	}
	return state
}
