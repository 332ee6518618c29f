package execution

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"time"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/schema"
	"github.com/coachpo/bastion/internal/domain/venue"
	"github.com/coachpo/bastion/internal/numeric"
)

// ProcessExits runs one pass of the exit loop: positions closed outside the
// engine are journaled, price history of open symbols and the benchmark is fed
// to the correlation guard, and
// triggered exit plan rules are executed. Symbols with nothing to do produce
// no result.
func (x *Executor) ProcessExits(ctx context.Context) []Result {
	if err := x.aggregator.Refresh(ctx); err != nil {
		x.logger.Printf("account refresh incomplete: err=%v", err)
	}
	live := make(map[string]schema.Position)
	for _, pos := range x.aggregator.Positions() {
		if _, dup := live[pos.Symbol]; !dup {
			live[pos.Symbol] = pos
		}
	}

	x.sampleBenchmark(ctx, live)

	var results []Result
	tracked := x.trackedSymbols()
	gone := make([]string, 0, len(tracked))
	for symbol := range tracked {
		if _, open := live[symbol]; !open {
			gone = append(gone, symbol)
		}
	}
	sort.Strings(gone)
	for _, symbol := range gone {
		res := x.exclusive(symbol, func() Result { return x.reconcileClosed(ctx, symbol) })
		if res.Message != "" {
			results = append(results, res)
		}
	}

	symbols := make([]string, 0, len(live))
	for symbol := range live {
		symbols = append(symbols, symbol)
	}
	for _, res := range x.sweep(symbols, func(symbol string) Result {
		return x.exclusive(symbol, func() Result { return x.processSymbol(ctx, live[symbol]) })
	}) {
		if res.Message != "" {
			results = append(results, res)
		}
	}
	return results
}

// sampleBenchmark feeds the benchmark price to the guard when no open position
// already does.
func (x *Executor) sampleBenchmark(ctx context.Context, live map[string]schema.Position) {
	symbol := x.cfg.BenchmarkSymbol
	if x.guard == nil || symbol == "" {
		return
	}
	if _, open := live[symbol]; open {
		return
	}
	adapter, err := x.quoteVenue(symbol, "")
	if err != nil {
		x.logger.Printf("benchmark sample skipped: symbol=%s err=%v", symbol, err)
		return
	}
	price, err := adapter.LastPrice(ctx, symbol)
	if err != nil {
		x.logger.Printf("benchmark sample skipped: symbol=%s venue=%s err=%v", symbol, adapter.Name(), err)
		return
	}
	x.guard.Append(symbol, price)
}

// reconcileClosed handles a tracked position that is no longer on its venue,
// typically because a protective order fired.
func (x *Executor) reconcileClosed(ctx context.Context, symbol string) Result {
	x.mu.Lock()
	target, tracked := x.targets[symbol]
	x.mu.Unlock()
	if !tracked {
		return Result{}
	}
	if _, _, found, err := x.locate(ctx, symbol); err != nil || found {
		return Result{}
	}
	exit := target.EntryPrice
	if adapter, found := x.venues.Get(target.Venue); found {
		if price, err := adapter.LastPrice(ctx, symbol); err == nil {
			exit = price
		}
	}
	pos := schema.Position{
		Symbol:     symbol,
		Venue:      target.Venue,
		Side:       target.Side,
		Quantity:   target.Quantity,
		EntryPrice: target.EntryPrice,
		MarkPrice:  exit,
	}
	pnl := (exit - target.EntryPrice) * target.Quantity * target.Side.Sign()
	x.recordClose(ctx, pos, target.Quantity, exit, pnl, "closed on venue", true)
	x.clearSymbol(symbol)
	return ok(symbol, fmt.Sprintf("%s %s closed on %s at about %.8g (pnl %.4f)", target.Side, symbol, target.Venue, exit, pnl),
		Detail{EntryPrice: exit, Quantity: target.Quantity, Venue: target.Venue})
}

func (x *Executor) processSymbol(ctx context.Context, pos schema.Position) Result {
	symbol := pos.Symbol
	adapter, found := x.venues.Get(pos.Venue)
	if !found {
		return Result{}
	}
	price, err := adapter.LastPrice(ctx, symbol)
	if err != nil {
		return failed(symbol, err)
	}
	now := x.clock()
	if x.guard != nil {
		x.guard.Append(symbol, price)
	}
	if _, has := x.exits.Plan(symbol); !has {
		if _, err := x.exits.Create(symbol, pos.Side, pos.EntryPrice, math.Abs(pos.Quantity), 0, nil, now); err != nil {
			x.logger.Printf("exit plan not created: symbol=%s err=%v", symbol, err)
			return Result{}
		}
		x.logger.Printf("exit plan adopted: symbol=%s side=%s venue=%s", symbol, pos.Side, pos.Venue)
	}
	x.exits.UpdateTrailingStop(symbol, price)

	actions := x.exits.CheckExitConditions(symbol, price, now)
	if len(actions) == 0 {
		return Result{}
	}
	results := make([]Result, 0, len(actions))
	for _, action := range actions {
		res := x.executeExit(ctx, adapter, pos, action)
		results = append(results, res)
		if !res.Success || action.Type != schema.ExitRulePartialTP {
			break
		}
		if refreshed, open, err := venue.PositionFor(ctx, adapter, symbol); err == nil && open {
			refreshed.Venue = adapter.Name()
			pos = refreshed
		} else {
			break
		}
	}
	if len(results) == 1 {
		return results[0]
	}
	merged := Merge(results)
	merged.Symbol = symbol
	return merged
}

// executeExit carries out one exit action. Partial exits are market
// reduce-only orders followed by a protection resync; anything else closes
// the whole position. A failed exit releases its rule for the next pass.
func (x *Executor) executeExit(ctx context.Context, adapter venue.Adapter, pos schema.Position, action schema.ExitAction) Result {
	symbol := pos.Symbol
	held := math.Abs(pos.Quantity)
	if action.Type != schema.ExitRulePartialTP || action.Quantity >= held-schema.QuantityEpsilon {
		res := x.closeLocked(ctx, adapter, pos, action.Reason)
		if !res.Success {
			x.exits.Release(symbol, action.RuleID)
		}
		return res
	}

	info, err := adapter.SymbolInfo(ctx, symbol)
	if err != nil {
		x.exits.Release(symbol, action.RuleID)
		return failed(symbol, err)
	}
	qty := numeric.FloorToStep(action.Quantity, info.StepSize)
	if qty <= schema.QuantityEpsilon || qty < info.MinQty || qty*action.Price < info.MinNotional {
		if _, err := x.exits.ExecutePartialExit(symbol, action.RuleID, 0); err != nil {
			x.logger.Printf("exit rule not consumed: symbol=%s rule=%s err=%v", symbol, action.RuleID, err)
		}
		x.logger.Printf("partial exit skipped below venue minimum: symbol=%s rule=%s qty=%.8g", symbol, action.RuleID, qty)
		return Result{}
	}
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
	x.metrics.RecordOrder(ctx, adapter.Name(), schema.OrderTypeMarket, err)
	if err != nil {
		x.exits.Release(symbol, action.RuleID)
		return failed(symbol, err)
	}
	exit := order.AvgFillPrice
	if exit <= 0 {
		exit = action.Price
	}
	pnl := (exit - pos.EntryPrice) * qty * pos.Side.Sign()
	x.recordClose(ctx, pos, qty, exit, pnl, action.Reason, false)
	remaining, err := x.exits.ExecutePartialExit(symbol, action.RuleID, qty)
	if err != nil {
		x.logger.Printf("exit plan update failed: symbol=%s rule=%s err=%v", symbol, action.RuleID, err)
	}
	detail := Detail{EntryPrice: exit, Quantity: qty, Venue: adapter.Name(), Leverage: pos.Leverage}
	placed, syncErr := x.syncLocked(ctx, symbol, true)
	detail.StopLoss = placed.StopLoss
	detail.TakeProfit = placed.TakeProfit
	if syncErr != nil {
		x.metrics.RecordProtectionIncomplete(ctx, adapter.Name(), symbol)
		res := failed(symbol, syncErr)
		res.Detail = detail
		return res
	}
	return ok(symbol, fmt.Sprintf("%s: closed %.8g @ %.8g, %.8g remaining (pnl %.4f)", action.Reason, qty, exit, remaining, pnl), detail)
}

// Engine drives the executor's background passes.
type Engine struct {
	exec   *Executor
	cfg    Config
	logger *log.Logger
}

// NewEngine wraps exec with the periodic exit, protection and breakeven loops.
func NewEngine(exec *Executor, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{exec: exec, cfg: exec.cfg, logger: logger}
}

// Run blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	exits := time.NewTicker(e.cfg.LoopInterval)
	defer exits.Stop()
	protection := time.NewTicker(e.cfg.ProtectionInterval)
	defer protection.Stop()
	breakeven := time.NewTicker(e.cfg.BreakevenInterval)
	defer breakeven.Stop()

	e.logger.Printf("engine started: loop=%s protection=%s breakeven=%s",
		e.cfg.LoopInterval, e.cfg.ProtectionInterval, e.cfg.BreakevenInterval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Printf("engine stopped")
			return nil
		case <-exits.C:
			e.report("exit", e.exec.ProcessExits(ctx))
		case <-protection.C:
			e.report("protection", e.exec.RefreshProtection(ctx))
		case <-breakeven.C:
			e.report("breakeven", e.exec.BreakevenScan(ctx))
		}
	}
}

func (e *Engine) report(pass string, results []Result) {
	for _, res := range results {
		if res.Success {
			e.logger.Printf("%s pass: symbol=%s %s", pass, res.Symbol, res.Message)
			continue
		}
		e.logger.Printf("%s pass failed: symbol=%s kind=%s %s", pass, res.Symbol, errs.KindOf(res.Err), res.Message)
	}
}
