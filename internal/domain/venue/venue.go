// Package venue defines the contract every trading venue adapter implements.
package venue

import (
	"context"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// Adapter is the capability surface the engine needs from a venue. Implementations
// validate venue payloads and return typed records; downstream code never re-validates.
type Adapter interface {
	Name() string
	LastPrice(ctx context.Context, symbol string) (float64, error)
	Positions(ctx context.Context) ([]schema.Position, error)
	Balance(ctx context.Context) (schema.Balance, error)
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.Order, error)
	CancelOrders(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]schema.Order, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SymbolInfo(ctx context.Context, symbol string) (schema.SymbolInfo, error)
}

// PositionFor returns the open position in symbol on adapter, if any.
func PositionFor(ctx context.Context, adapter Adapter, symbol string) (schema.Position, bool, error) {
	positions, err := adapter.Positions(ctx)
	if err != nil {
		return schema.Position{}, false, err
	}
	symbol = schema.NormalizeSymbol(symbol)
	for _, pos := range positions {
		if pos.Symbol == symbol && pos.Open() {
			return pos, true, nil
		}
	}
	return schema.Position{}, false, nil
}
