package retry

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/coachpo/bastion/internal/domain/schema"
	"github.com/coachpo/bastion/internal/domain/venue"
)

// ThrottledAdapter decorates a venue adapter so every call is throttled and retried on
// transient failures. Order placement stays idempotent across retries because the
// client order id is fixed before the first attempt.
type ThrottledAdapter struct {
	inner   venue.Adapter
	policy  Policy
	limiter *rate.Limiter
}

// WrapAdapter applies policy and an optional limiter (nil disables throttling).
func WrapAdapter(inner venue.Adapter, policy Policy, limiter *rate.Limiter) *ThrottledAdapter {
	return &ThrottledAdapter{inner: inner, policy: policy, limiter: limiter}
}

// NewLimiter builds a per-venue limiter from requests-per-second and burst settings.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Unwrap exposes the decorated adapter.
func (a *ThrottledAdapter) Unwrap() venue.Adapter { return a.inner }

// Name implements venue.Adapter.
func (a *ThrottledAdapter) Name() string { return a.inner.Name() }

func call[T any](ctx context.Context, a *ThrottledAdapter, op func(context.Context) (T, error)) (T, error) {
	return Do(ctx, a.policy, func(ctx context.Context) (T, error) {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, err
			}
		}
		return op(ctx)
	})
}

// LastPrice implements venue.Adapter.
func (a *ThrottledAdapter) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return call(ctx, a, func(ctx context.Context) (float64, error) { return a.inner.LastPrice(ctx, symbol) })
}

// Positions implements venue.Adapter.
func (a *ThrottledAdapter) Positions(ctx context.Context) ([]schema.Position, error) {
	return call(ctx, a, a.inner.Positions)
}

// Balance implements venue.Adapter.
func (a *ThrottledAdapter) Balance(ctx context.Context) (schema.Balance, error) {
	return call(ctx, a, a.inner.Balance)
}

// PlaceOrder implements venue.Adapter.
func (a *ThrottledAdapter) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.Order, error) {
	return call(ctx, a, func(ctx context.Context) (schema.Order, error) { return a.inner.PlaceOrder(ctx, req) })
}

// CancelOrders implements venue.Adapter.
func (a *ThrottledAdapter) CancelOrders(ctx context.Context, symbol string) error {
	_, err := call(ctx, a, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.inner.CancelOrders(ctx, symbol)
	})
	return err
}

// OpenOrders implements venue.Adapter.
func (a *ThrottledAdapter) OpenOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	return call(ctx, a, func(ctx context.Context) ([]schema.Order, error) { return a.inner.OpenOrders(ctx, symbol) })
}

// SetLeverage implements venue.Adapter.
func (a *ThrottledAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := call(ctx, a, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.inner.SetLeverage(ctx, symbol, leverage)
	})
	return err
}

// SymbolInfo implements venue.Adapter.
func (a *ThrottledAdapter) SymbolInfo(ctx context.Context, symbol string) (schema.SymbolInfo, error) {
	return call(ctx, a, func(ctx context.Context) (schema.SymbolInfo, error) { return a.inner.SymbolInfo(ctx, symbol) })
}

var _ venue.Adapter = (*ThrottledAdapter)(nil)
