package schema

import "time"

// OrderSide is the side of an individual order.
type OrderSide string

const (
	// OrderSideBuy buys the base asset.
	OrderSideBuy OrderSide = "BUY"
	// OrderSideSell sells the base asset.
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the other order side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType enumerates order kinds the engine submits.
type OrderType string

const (
	// OrderTypeMarket executes immediately at the best price.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit rests at a price.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeStopMarket is a protective stop-loss.
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	// OrderTypeTakeProfitMarket is a protective take-profit.
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
	// OrderTypeTrailingStop is a trailing stop with a callback rate.
	OrderTypeTrailingStop OrderType = "TRAILING_STOP_MARKET"
)

// Protective reports whether the order type is an algo/protective order.
func (t OrderType) Protective() bool {
	switch t {
	case OrderTypeStopMarket, OrderTypeTakeProfitMarket, OrderTypeTrailingStop:
		return true
	default:
		return false
	}
}

// OrderRequest represents an order submission to a venue adapter.
type OrderRequest struct {
	ClientOrderID string    `json:"clientOrderId"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price,omitempty"`
	StopPrice     float64   `json:"stopPrice,omitempty"`
	CallbackRate  float64   `json:"callbackRate,omitempty"`
	ReduceOnly    bool      `json:"reduceOnly"`
}

// Order is a venue acknowledged order.
type Order struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"clientOrderId"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price,omitempty"`
	StopPrice     float64   `json:"stopPrice,omitempty"`
	CallbackRate  float64   `json:"callbackRate,omitempty"`
	AvgFillPrice  float64   `json:"avgFillPrice,omitempty"`
	ReduceOnly    bool      `json:"reduceOnly"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SymbolInfo carries the venue trading constraints for an instrument.
type SymbolInfo struct {
	Symbol         string  `json:"symbol"`
	QtyPrecision   int     `json:"qtyPrecision"`
	PricePrecision int     `json:"pricePrecision"`
	MinNotional    float64 `json:"minNotional"`
	TickSize       float64 `json:"tickSize"`
	MinQty         float64 `json:"minQty"`
	StepSize       float64 `json:"stepSize"`
}

// AlgoOrderSet tracks venue-assigned ids of protective orders for one symbol.
type AlgoOrderSet struct {
	Stop       string `json:"stop,omitempty"`
	TakeProfit string `json:"takeProfit,omitempty"`
	Trailing   string `json:"trailing,omitempty"`
}

// Empty reports whether no protective ids are tracked.
func (a AlgoOrderSet) Empty() bool {
	return a.Stop == "" && a.TakeProfit == "" && a.Trailing == ""
}
