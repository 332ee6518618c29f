package execution

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/app/safety"
	"github.com/coachpo/bastion/internal/domain/configstore"
	"github.com/coachpo/bastion/internal/domain/schema"
	"github.com/coachpo/bastion/internal/domain/venue"
	"github.com/coachpo/bastion/internal/infra/retry"
)

// ClosePosition closes the open position in symbol. A non-empty onlySide
// refuses to close a position on the other side.
func (x *Executor) ClosePosition(ctx context.Context, symbol string, onlySide schema.Side) Result {
	symbol = schema.NormalizeSymbol(symbol)
	return x.guardedExit(symbol, func() Result {
		adapter, pos, found, err := x.locate(ctx, symbol)
		if err != nil {
			return failed(symbol, err)
		}
		if !found {
			return failed(symbol, errs.Validation(fmt.Sprintf("no open position in %s", symbol), errs.WithSymbol(symbol)))
		}
		if onlySide != "" && pos.Side != onlySide {
			return failed(symbol, errs.Validation(fmt.Sprintf("%s position is %s, not %s", symbol, pos.Side, onlySide), errs.WithSymbol(symbol)))
		}
		return x.closeLocked(ctx, adapter, pos, "manual close")
	})
}

// Flip closes the position in symbol and opens the opposite side. The new
// entry is only attempted once the venue confirms the account is flat.
func (x *Executor) Flip(ctx context.Context, symbol string, opts OpenOptions) Result {
	symbol = schema.NormalizeSymbol(symbol)
	return x.guarded(symbol, func() Result {
		adapter, pos, found, err := x.locate(ctx, symbol)
		if err != nil {
			return failed(symbol, err)
		}
		if !found {
			return failed(symbol, errs.Validation(fmt.Sprintf("no open position in %s to flip", symbol), errs.WithSymbol(symbol)))
		}
		closed := x.closeLocked(ctx, adapter, pos, "flip")
		if !closed.Success {
			closed.Message = "flip aborted: " + closed.Message
			return closed
		}
		action := schema.ActionOpenLong
		if pos.Side.Opposite() == schema.SideShort {
			action = schema.ActionOpenShort
		}
		if opts.ForceVenue == "" {
			opts.ForceVenue = adapter.Name()
		}
		intent := x.intentFor(symbol, action, opts)
		opened := x.openLocked(ctx, intent)
		if opened.Success {
			opened.Message = "flipped: " + opened.Message
		} else {
			opened.Message = "closed " + string(pos.Side) + " but opposite entry failed: " + opened.Message
		}
		return opened
	})
}

// closeLocked cancels protection, submits a reduce-only market close and
// polls until the venue reports the symbol flat.
func (x *Executor) closeLocked(ctx context.Context, adapter venue.Adapter, pos schema.Position, reason string) Result {
	symbol := pos.Symbol
	venueName := adapter.Name()
	if err := x.verifiedCancel(ctx, adapter, symbol); err != nil {
		return failed(symbol, err)
	}
	qty := math.Abs(pos.Quantity)
	order, err := adapter.PlaceOrder(ctx, schema.OrderRequest{
		ClientOrderID: newClientID(),
		Symbol:        symbol,
		Side:          pos.Side.ExitOrderSide(),
		Type:          schema.OrderTypeMarket,
		Quantity:      qty,
		Price:         0,
		StopPrice:     0,
		CallbackRate:  0,
		ReduceOnly:    true,
	})
	x.metrics.RecordOrder(ctx, venueName, schema.OrderTypeMarket, err)
	if err != nil {
		return failed(symbol, err)
	}
	flat, err := retry.Poll(ctx, x.cfg.FlipPolls, x.cfg.FlipDelay, func(ctx context.Context) (bool, error) {
		_, open, err := venue.PositionFor(ctx, adapter, symbol)
		return !open, err
	})
	if err != nil {
		return failed(symbol, err)
	}
	if !flat {
		return failed(symbol, errs.New(errs.KindConsistency, errs.WithVenue(venueName), errs.WithSymbol(symbol),
			errs.WithMessage(fmt.Sprintf("position still open after reduce-only close and %d checks", x.cfg.FlipPolls)),
			errs.WithRemediation("verify the position on the venue before retrying")))
	}
	exit := order.AvgFillPrice
	if exit <= 0 {
		exit = pos.MarkPrice
	}
	pnl := (exit - pos.EntryPrice) * qty * pos.Side.Sign()
	x.recordClose(ctx, pos, qty, exit, pnl, reason, true)
	x.clearSymbol(symbol)
	return ok(symbol, fmt.Sprintf("closed %s %s %.8g @ %.8g on %s (pnl %.4f)", pos.Side, symbol, qty, exit, venueName, pnl),
		Detail{EntryPrice: exit, Quantity: qty, StopLoss: 0, TakeProfit: 0, Venue: venueName, Leverage: pos.Leverage})
}

// recordClose journals a realised exit. Only final closes feed the circuit breaker.
func (x *Executor) recordClose(ctx context.Context, pos schema.Position, qty, exit, pnl float64, reason string, final bool) {
	now := x.clock()
	trade := configstore.TradeRecord{
		ID:          uuid.NewString(),
		Symbol:      pos.Symbol,
		Venue:       pos.Venue,
		Side:        pos.Side,
		Quantity:    qty,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exit,
		RealizedPnL: pnl,
		Reason:      reason,
		ClosedAt:    now,
	}
	if err := x.store.AppendTrade(ctx, trade); err != nil {
		x.logger.Printf("journal trade failed: symbol=%s err=%v", pos.Symbol, err)
	}
	x.logger.Printf("trade closed: symbol=%s venue=%s side=%s qty=%.8g exit=%.8g pnl=%.4f reason=%q",
		pos.Symbol, pos.Venue, pos.Side, qty, exit, pnl, reason)
	if !final || x.breaker == nil {
		return
	}
	tripped, err := x.breaker.RecordTrade(ctx, safety.ClosedTrade{Symbol: pos.Symbol, Venue: pos.Venue, RealizedPnL: pnl, ClosedAt: now})
	if err != nil {
		x.logger.Printf("circuit breaker update failed: err=%v", err)
	}
	if tripped {
		x.metrics.RecordBreakerTrip(ctx)
	}
}

// clearSymbol drops every piece of per-position state once it is flat.
func (x *Executor) clearSymbol(symbol string) {
	x.exits.Remove(symbol)
	x.mu.Lock()
	delete(x.targets, symbol)
	x.mu.Unlock()
	x.setAlgos(symbol, schema.AlgoOrderSet{})
}
