package fake

import (
	"math"
	"sort"

	"github.com/coachpo/bastion/internal/domain/schema"
)

type positionState struct {
	side       schema.Side
	quantity   float64
	entryPrice float64
	leverage   int
}

func (p *positionState) open() bool {
	return p != nil && p.quantity > floatTolerance
}

// applyFill books a fill against the position and returns the realised PnL.
func (p *positionState) applyFill(side schema.OrderSide, qty, price float64, reduceOnly bool) float64 {
	if qty <= floatTolerance {
		return 0
	}
	fillSide := schema.SideLong
	if side == schema.OrderSideSell {
		fillSide = schema.SideShort
	}
	if !p.open() {
		if reduceOnly {
			return 0
		}
		p.side = fillSide
		p.quantity = qty
		p.entryPrice = price
		return 0
	}
	if p.side == fillSide {
		if reduceOnly {
			return 0
		}
		total := p.quantity + qty
		p.entryPrice = (p.entryPrice*p.quantity + price*qty) / total
		p.quantity = total
		return 0
	}
	closing := math.Min(qty, p.quantity)
	realised := closing * (price - p.entryPrice) * p.side.Sign()
	p.quantity -= closing
	remainder := qty - closing
	if p.quantity <= floatTolerance {
		p.quantity = 0
		p.entryPrice = 0
		if remainder > floatTolerance && !reduceOnly {
			p.side = fillSide
			p.quantity = remainder
			p.entryPrice = price
		}
	}
	return realised
}

func (p *positionState) snapshot(symbol, venue string, mark float64) schema.Position {
	return schema.Position{
		Symbol:        symbol,
		Side:          p.side,
		Quantity:      p.quantity,
		EntryPrice:    p.entryPrice,
		MarkPrice:     mark,
		Venue:         venue,
		Leverage:      float64(p.leverage),
		UnrealizedPnL: p.quantity * (mark - p.entryPrice) * p.side.Sign(),
	}
}

// triggered reports whether a resting protective order fires at price.
func triggered(order schema.Order, price float64) bool {
	if order.StopPrice <= 0 {
		return false
	}
	switch order.Type {
	case schema.OrderTypeStopMarket, schema.OrderTypeTrailingStop:
		if order.Side == schema.OrderSideSell {
			return price <= order.StopPrice
		}
		return price >= order.StopPrice
	case schema.OrderTypeTakeProfitMarket:
		if order.Side == schema.OrderSideSell {
			return price >= order.StopPrice
		}
		return price <= order.StopPrice
	default:
		return false
	}
}

func sortedSymbols[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
