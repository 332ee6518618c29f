package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/schema"
)

// sweep runs fn for every symbol concurrently and collects the results.
func (x *Executor) sweep(symbols []string, fn func(symbol string) Result) []Result {
	if len(symbols) == 0 {
		return nil
	}
	p := pool.NewWithResults[Result]().WithMaxGoroutines(min(x.cfg.SweepConcurrency, len(symbols)))
	for _, symbol := range symbols {
		p.Go(func() Result { return fn(symbol) })
	}
	results := p.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Symbol < results[j].Symbol })
	return results
}

func (x *Executor) openSymbols(ctx context.Context) []string {
	if err := x.aggregator.Refresh(ctx); err != nil {
		x.logger.Printf("account refresh incomplete: err=%v", err)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, pos := range x.aggregator.Positions() {
		if _, dup := seen[pos.Symbol]; dup {
			continue
		}
		seen[pos.Symbol] = struct{}{}
		out = append(out, pos.Symbol)
	}
	return out
}

// CloseAll closes every open position. It bypasses the per-symbol cooldown
// but still serialises with in-flight operations.
func (x *Executor) CloseAll(ctx context.Context) []Result {
	return x.sweep(x.openSymbols(ctx), func(symbol string) Result {
		return x.exclusive(symbol, func() Result {
			adapter, pos, found, err := x.locate(ctx, symbol)
			if err != nil {
				return failed(symbol, err)
			}
			if !found {
				return ok(symbol, "already flat", Detail{})
			}
			return x.closeLocked(ctx, adapter, pos, "exit all")
		})
	})
}

// RefreshProtection re-synchronises protective orders for every open position.
func (x *Executor) RefreshProtection(ctx context.Context) []Result {
	return x.sweep(x.openSymbols(ctx), func(symbol string) Result {
		return x.exclusive(symbol, func() Result {
			placed, err := x.syncLocked(ctx, symbol, false)
			if err != nil {
				return failed(symbol, err)
			}
			return ok(symbol, "protection in place", Detail{StopLoss: placed.StopLoss, TakeProfit: placed.TakeProfit})
		})
	})
}

// MoveToBreakeven raises the stop of a profitable position to lock in part of
// the open profit, never below the fee-adjusted breakeven.
func (x *Executor) MoveToBreakeven(ctx context.Context, symbol string) Result {
	symbol = schema.NormalizeSymbol(symbol)
	return x.guarded(symbol, func() Result {
		res, _ := x.moveToBreakevenLocked(ctx, symbol)
		return res
	})
}

// BreakevenScan applies MoveToBreakeven to every eligible position. Only
// positions whose stop moved, or whose move failed on the venue, are reported.
func (x *Executor) BreakevenScan(ctx context.Context) []Result {
	var mu sync.Mutex
	moved := make(map[string]bool)
	results := x.sweep(x.openSymbols(ctx), func(symbol string) Result {
		return x.exclusive(symbol, func() Result {
			res, changed := x.moveToBreakevenLocked(ctx, symbol)
			mu.Lock()
			moved[symbol] = changed
			mu.Unlock()
			return res
		})
	})
	out := results[:0]
	for _, res := range results {
		if moved[res.Symbol] || (!res.Success && !errs.Is(res.Err, errs.KindValidation)) {
			out = append(out, res)
		}
	}
	return out
}

// moveToBreakevenLocked reports whether the stop was actually moved.
func (x *Executor) moveToBreakevenLocked(ctx context.Context, symbol string) (Result, bool) {
	adapter, pos, found, err := x.locate(ctx, symbol)
	if err != nil {
		return failed(symbol, err), false
	}
	if !found {
		return failed(symbol, errs.Validation(fmt.Sprintf("no open position in %s", symbol), errs.WithSymbol(symbol))), false
	}
	price, err := adapter.LastPrice(ctx, symbol)
	if err != nil {
		return failed(symbol, err), false
	}
	stop, eligible := x.exits.BreakevenStop(pos.Side, pos.EntryPrice, price)
	if !eligible {
		return failed(symbol, errs.Validation(fmt.Sprintf("%s profit does not yet cover the breakeven buffer", symbol), errs.WithSymbol(symbol))), false
	}
	target := x.targetFor(pos)
	if (stop-target.StopLoss)*pos.Side.Sign() <= 0 {
		return ok(symbol, fmt.Sprintf("stop %.8g already at or beyond breakeven", target.StopLoss), Detail{StopLoss: target.StopLoss, Venue: adapter.Name()}), false
	}
	target.StopLoss = stop
	x.setTarget(symbol, target)
	placed, err := x.syncLocked(ctx, symbol, true)
	if err != nil {
		return failed(symbol, err), true
	}
	return ok(symbol, fmt.Sprintf("stop moved to %.8g (entry %.8g, price %.8g)", placed.StopLoss, pos.EntryPrice, price),
		Detail{EntryPrice: pos.EntryPrice, Quantity: pos.Quantity, StopLoss: placed.StopLoss, TakeProfit: placed.TakeProfit, Venue: adapter.Name(), Leverage: pos.Leverage}), true
}
