package execution

import (
	"context"
	"math"

	"github.com/coachpo/bastion/internal/domain/schema"
)

const atrPeriod = 14

// MarketSource supplies the market context for sizing a trade.
type MarketSource interface {
	Market(ctx context.Context, symbol string, price float64) (schema.MarketData, error)
}

// HistorySource reports recent prices for a symbol and the correlation of two
// sampled series.
type HistorySource interface {
	History(symbol string) []float64
	Correlation(a, b string) (float64, bool)
}

// historyMarket derives volatility and trend figures from the sampled price
// history. With close-only samples the ATR proxy is the mean absolute
// close-to-close move, and ADX is computed with every move as its own range.
type historyMarket struct {
	history   HistorySource
	benchmark string
}

// NewHistoryMarket builds a MarketSource over a price history. benchmark, when
// set, is the symbol BenchmarkCorrelation is measured against.
func NewHistoryMarket(history HistorySource, benchmark string) MarketSource {
	return historyMarket{history: history, benchmark: schema.NormalizeSymbol(benchmark)}
}

func (h historyMarket) Market(_ context.Context, symbol string, price float64) (schema.MarketData, error) {
	md := schema.MarketData{Symbol: schema.NormalizeSymbol(symbol), Price: price}
	if h.history == nil {
		return md, nil
	}
	closes := h.history.History(md.Symbol)
	md.Closes = closes
	md.ADX = closeADX(closes, atrPeriod)
	if h.benchmark != "" && h.benchmark != md.Symbol {
		if corr, ok := h.history.Correlation(md.Symbol, h.benchmark); ok {
			md.BenchmarkCorrelation = corr
		}
	}
	recent := meanMove(closes, atrPeriod)
	if recent <= 0 {
		return md, nil
	}
	md.ATR = recent
	if long := meanMove(closes, len(closes)); long > 0 {
		md.ATRRatio = recent / long
	}
	return md, nil
}

func meanMove(closes []float64, period int) float64 {
	if len(closes) < 2 || period < 1 {
		return 0
	}
	start := len(closes) - period - 1
	if start < 0 {
		start = 0
	}
	sum := 0.0
	n := 0
	for i := start + 1; i < len(closes); i++ {
		sum += math.Abs(closes[i] - closes[i-1])
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// closeADX is Wilder's ADX over close-to-close moves. It returns 0 until there
// are 2*period moves, which the regime classifier treats as no reading.
func closeADX(closes []float64, period int) float64 {
	if period < 1 || len(closes) < 2*period+1 {
		return 0
	}
	p := float64(period)
	var up, down float64
	for i := 1; i <= period; i++ {
		move := closes[i] - closes[i-1]
		up += math.Max(move, 0)
		down += math.Max(-move, 0)
	}
	dx := func() float64 {
		if up+down == 0 {
			return 0
		}
		return 100 * math.Abs(up-down) / (up + down)
	}
	adx := dx()
	for i := period + 1; i < len(closes); i++ {
		move := closes[i] - closes[i-1]
		up = up - up/p + math.Max(move, 0)
		down = down - down/p + math.Max(-move, 0)
		if i < 2*period-1 {
			adx += dx()
			continue
		}
		if i == 2*period-1 {
			adx = (adx + dx()) / p
			continue
		}
		adx = (adx*(p-1) + dx()) / p
	}
	return adx
}
