package execution

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/schema"
	"github.com/coachpo/bastion/internal/domain/venue"
	"github.com/coachpo/bastion/internal/infra/retry"
	"github.com/coachpo/bastion/internal/infra/telemetry"
	"github.com/coachpo/bastion/internal/numeric"
)

// legs are the protective prices actually placed.
type legs struct {
	StopLoss   float64
	TakeProfit float64
}

// SynchronizeProtection makes the venue's protective orders for symbol match
// the desired stop and take-profit. It is a no-op when they already do.
func (x *Executor) SynchronizeProtection(ctx context.Context, symbol string) error {
	var syncErr error
	x.exclusive(symbol, func() Result {
		_, syncErr = x.syncLocked(ctx, schema.NormalizeSymbol(symbol), false)
		return Result{}
	})
	return syncErr
}

func (x *Executor) syncLocked(ctx context.Context, symbol string, force bool) (legs, error) {
	started := x.clock()
	adapter, pos, found, err := x.locate(ctx, symbol)
	if err != nil {
		return legs{}, err
	}
	if !found {
		return legs{}, nil
	}
	target := x.targetFor(pos)
	orders, err := adapter.OpenOrders(ctx, symbol)
	if err != nil {
		return legs{}, err
	}
	if !force {
		if placed, inPlace := x.protectionInPlace(orders, target); inPlace {
			x.metrics.RecordSync(ctx, adapter.Name(), x.clock().Sub(started), telemetry.ResultNoop)
			return placed, nil
		}
	}
	if len(protectiveOrders(orders)) > 0 {
		if err := x.verifiedCancel(ctx, adapter, symbol); err != nil {
			x.metrics.RecordSync(ctx, adapter.Name(), x.clock().Sub(started), telemetry.ResultError)
			return legs{}, err
		}
	}
	placed, err := x.placeProtection(ctx, adapter, pos, target)
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	x.metrics.RecordSync(ctx, adapter.Name(), x.clock().Sub(started), result)
	return placed, err
}

// protectionInPlace reports whether a stop within tolerance of the target and
// a take-profit or trailing leg are already resting.
func (x *Executor) protectionInPlace(orders []schema.Order, target protectionTarget) (legs, bool) {
	var stop *schema.Order
	var tp float64
	hasTarget := false
	for i := range orders {
		switch orders[i].Type {
		case schema.OrderTypeStopMarket:
			if stop == nil {
				stop = &orders[i]
			}
		case schema.OrderTypeTakeProfitMarket:
			hasTarget = true
			tp = orders[i].StopPrice
		case schema.OrderTypeTrailingStop:
			hasTarget = true
		}
	}
	if stop == nil || !hasTarget || target.StopLoss <= 0 {
		return legs{}, false
	}
	if math.Abs(stop.StopPrice-target.StopLoss)/target.StopLoss > x.cfg.StopMatchTolerance {
		return legs{}, false
	}
	return legs{StopLoss: stop.StopPrice, TakeProfit: tp}, true
}

func protectiveOrders(orders []schema.Order) []schema.Order {
	out := make([]schema.Order, 0, len(orders))
	for _, o := range orders {
		if o.Type.Protective() {
			out = append(out, o)
		}
	}
	return out
}

// verifiedCancel cancels the symbol's orders and polls until none remain,
// re-issuing the cancel after each unconfirmed poll.
func (x *Executor) verifiedCancel(ctx context.Context, adapter venue.Adapter, symbol string) error {
	if err := adapter.CancelOrders(ctx, symbol); err != nil {
		return err
	}
	cleared, err := retry.Poll(ctx, x.cfg.VerifyPolls, x.cfg.VerifyDelay, func(ctx context.Context) (bool, error) {
		orders, err := adapter.OpenOrders(ctx, symbol)
		if err != nil {
			return false, err
		}
		if len(protectiveOrders(orders)) == 0 {
			return true, nil
		}
		if err := adapter.CancelOrders(ctx, symbol); err != nil {
			return false, err
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !cleared {
		return errs.New(errs.KindConsistency, errs.WithVenue(adapter.Name()), errs.WithSymbol(symbol),
			errs.WithMessage(fmt.Sprintf("protective orders still open after %d cancel checks", x.cfg.VerifyPolls)),
			errs.WithRemediation("check the venue order book manually"))
	}
	x.setAlgos(symbol, schema.AlgoOrderSet{})
	return nil
}

func stopCrossed(side schema.Side, price, stop float64) bool {
	if side == schema.SideLong {
		return stop >= price
	}
	return stop <= price
}

func targetCrossed(side schema.Side, price, tp float64) bool {
	if side == schema.SideLong {
		return tp <= price
	}
	return tp >= price
}

// placeProtection places the stop and either a split take-profit plus trailing
// remainder or one full-size trailing leg. Legs already crossed by the live
// price are re-anchored to it.
func (x *Executor) placeProtection(ctx context.Context, adapter venue.Adapter, pos schema.Position, target protectionTarget) (legs, error) {
	symbol := pos.Symbol
	side := pos.Side
	info, err := adapter.SymbolInfo(ctx, symbol)
	if err != nil {
		return legs{}, err
	}
	price, err := adapter.LastPrice(ctx, symbol)
	if err != nil {
		return legs{}, err
	}
	tick := info.TickSize
	entry := pos.EntryPrice
	qty := math.Abs(pos.Quantity)

	// A stop already moved past entry (breakeven) is separated from the live price instead.
	anchor := entry
	if target.StopLoss > 0 && (target.StopLoss-entry)*side.Sign() >= 0 {
		anchor = price
	}
	sl := numeric.EnsureSeparation(target.StopLoss, anchor, tick, side, true)
	if stopCrossed(side, price, sl) {
		sl = numeric.EnsureSeparation(sl, price, tick, side, true)
	}
	tp := numeric.EnsureSeparation(target.TakeProfit, entry, tick, side, false)
	if targetCrossed(side, price, tp) {
		tp = numeric.EnsureSeparation(tp, price, tick, side, false)
	}

	var failures []error
	algos := schema.AlgoOrderSet{}
	placed := legs{}
	place := func(kind schema.OrderType, q, stopPrice, callback float64) (string, bool) {
		order, err := adapter.PlaceOrder(ctx, schema.OrderRequest{
			ClientOrderID: newClientID(),
			Symbol:        symbol,
			Side:          side.ExitOrderSide(),
			Type:          kind,
			Quantity:      q,
			Price:         0,
			StopPrice:     stopPrice,
			CallbackRate:  callback,
			ReduceOnly:    true,
		})
		x.metrics.RecordOrder(ctx, adapter.Name(), kind, err)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", kind, err))
			return "", false
		}
		return order.ID, true
	}

	if id, okStop := place(schema.OrderTypeStopMarket, qty, sl, 0); okStop {
		algos.Stop = id
		placed.StopLoss = sl
	}
	legOK := func(q, px float64) bool {
		return q > schema.QuantityEpsilon && q >= info.MinQty && q*px >= info.MinNotional
	}
	tpQty := numeric.FloorToStep(qty*x.cfg.TPSplit, info.StepSize)
	trailQty := qty - tpQty
	if legOK(tpQty, tp) && legOK(trailQty, price) {
		if id, okTP := place(schema.OrderTypeTakeProfitMarket, tpQty, tp, 0); okTP {
			algos.TakeProfit = id
			placed.TakeProfit = tp
		}
		if id, okTrail := place(schema.OrderTypeTrailingStop, trailQty, 0, x.cfg.TrailingCallbackPercent); okTrail {
			algos.Trailing = id
		}
	} else if id, okTrail := place(schema.OrderTypeTrailingStop, qty, 0, x.cfg.TrailingCallbackPercent); okTrail {
		algos.Trailing = id
	}
	x.setAlgos(symbol, algos)
	x.logger.Printf("protection placed: symbol=%s venue=%s sl=%.8g tp=%.8g stop=%s tp_id=%s trailing=%s",
		symbol, adapter.Name(), placed.StopLoss, placed.TakeProfit, algos.Stop, algos.TakeProfit, algos.Trailing)

	if len(failures) > 0 {
		return placed, errs.New(errs.KindProtectionIncomplete, errs.WithVenue(adapter.Name()), errs.WithSymbol(symbol),
			errs.WithMessage(fmt.Sprintf("%d protective order(s) failed", len(failures))),
			errs.WithCause(errors.Join(failures...)))
	}
	return placed, nil
}

// setAlgos records the protective order ids of symbol. Tracking is process
// local; after a restart protection is re-synced from the venue order book.
func (x *Executor) setAlgos(symbol string, set schema.AlgoOrderSet) {
	symbol = schema.NormalizeSymbol(symbol)
	x.mu.Lock()
	defer x.mu.Unlock()
	if set.Empty() {
		delete(x.algos, symbol)
		return
	}
	x.algos[symbol] = set
}
