// Package execution turns approved risk decisions into venue orders and keeps
// protective orders consistent with live positions.
package execution

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/app/correlation"
	"github.com/coachpo/bastion/internal/app/exitplan"
	"github.com/coachpo/bastion/internal/app/risk"
	"github.com/coachpo/bastion/internal/app/routing"
	"github.com/coachpo/bastion/internal/app/safety"
	"github.com/coachpo/bastion/internal/domain/configstore"
	"github.com/coachpo/bastion/internal/domain/schema"
	"github.com/coachpo/bastion/internal/domain/venue"
	"github.com/coachpo/bastion/internal/infra/telemetry"
	"github.com/coachpo/bastion/internal/numeric"
)

// OpenOptions are the caller-supplied parameters of a manual entry.
type OpenOptions struct {
	ATR        float64
	Strategy   string
	ForceVenue string
	Confidence float64
}

// Options wires an Executor. Venues and Risk are required.
type Options struct {
	Config     Config
	Venues     *venue.Registry
	Risk       *risk.Engine
	Router     risk.Router
	Aggregator *routing.Aggregator
	Guard      *correlation.Guard
	Exits      *exitplan.Manager
	Locks      *safety.OperationLocks
	Cooldowns  *safety.Cooldowns
	Breaker    *safety.CircuitBreaker
	Store      configstore.Store
	Market     MarketSource
	Metrics    *telemetry.EngineMetrics
	Clock      func() time.Time
	Logger     *log.Logger
}

// protectionTarget is the desired protective state of one position.
type protectionTarget struct {
	Venue      string
	Side       schema.Side
	EntryPrice float64
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
	Strategy   string
}

// Executor places entries and exits and owns the protective order state.
type Executor struct {
	cfg        Config
	venues     *venue.Registry
	risk       *risk.Engine
	router     risk.Router
	aggregator *routing.Aggregator
	guard      *correlation.Guard
	exits      *exitplan.Manager
	locks      *safety.OperationLocks
	cooldowns  *safety.Cooldowns
	breaker    *safety.CircuitBreaker
	store      configstore.Store
	market     MarketSource
	metrics    *telemetry.EngineMetrics
	clock      func() time.Time
	logger     *log.Logger

	mu         sync.Mutex
	targets    map[string]protectionTarget
	algos      map[string]schema.AlgoOrderSet
	peakEquity float64
	serial     map[string]*sync.Mutex
}

// NewExecutor constructs an executor, filling unset collaborators with defaults.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Venues == nil {
		return nil, fmt.Errorf("executor: venue registry required")
	}
	if opts.Risk == nil {
		return nil, fmt.Errorf("executor: risk engine required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	aggregator := opts.Aggregator
	if aggregator == nil {
		aggregator = routing.NewAggregator(opts.Venues, 0, logger)
	}
	exits := opts.Exits
	if exits == nil {
		exits = exitplan.NewManager(exitplan.DefaultConfig())
	}
	locks := opts.Locks
	if locks == nil {
		locks = safety.NewOperationLocks(safety.DefaultLockTimeout, safety.DefaultLockCooldown, clock)
	}
	store := opts.Store
	if store == nil {
		store = configstore.NewMemory()
	}
	cfg := opts.Config.normalised()
	market := opts.Market
	if market == nil {
		var history HistorySource
		if opts.Guard != nil {
			history = opts.Guard
		}
		market = NewHistoryMarket(history, cfg.BenchmarkSymbol)
	}
	return &Executor{
		cfg:        cfg,
		venues:     opts.Venues,
		risk:       opts.Risk,
		router:     opts.Router,
		aggregator: aggregator,
		guard:      opts.Guard,
		exits:      exits,
		locks:      locks,
		cooldowns:  opts.Cooldowns,
		breaker:    opts.Breaker,
		store:      store,
		market:     market,
		metrics:    opts.Metrics,
		clock:      clock,
		logger:     logger,
		mu:         sync.Mutex{},
		targets:    make(map[string]protectionTarget),
		algos:      make(map[string]schema.AlgoOrderSet),
		peakEquity: 0,
		serial:     make(map[string]*sync.Mutex),
	}, nil
}

// Restore reloads the equity high-water mark from the store. Exit plans,
// cooldowns, protective order ids and the breaker window start empty.
func (x *Executor) Restore(ctx context.Context) error {
	var peak float64
	if _, err := configstore.LoadJSON(ctx, x.store, configstore.StatePeakEquity, &peak); err != nil {
		return fmt.Errorf("restore peak equity: %w", err)
	}
	x.mu.Lock()
	x.peakEquity = math.Max(x.peakEquity, peak)
	x.mu.Unlock()
	x.logger.Printf("executor restored: peak_equity=%.2f", peak)
	return nil
}

// Aggregator exposes the cross-venue account view.
func (x *Executor) Aggregator() *routing.Aggregator { return x.aggregator }

// Exits exposes the exit plan manager.
func (x *Executor) Exits() *exitplan.Manager { return x.exits }

// Algos returns the tracked protective order ids for symbol.
func (x *Executor) Algos(symbol string) schema.AlgoOrderSet {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.algos[schema.NormalizeSymbol(symbol)]
}

// OpenLong opens or adds to a long position.
func (x *Executor) OpenLong(ctx context.Context, symbol string, opts OpenOptions) Result {
	return x.open(ctx, symbol, schema.ActionOpenLong, opts)
}

// OpenShort opens or adds to a short position.
func (x *Executor) OpenShort(ctx context.Context, symbol string, opts OpenOptions) Result {
	return x.open(ctx, symbol, schema.ActionOpenShort, opts)
}

func (x *Executor) open(ctx context.Context, symbol string, action schema.Action, opts OpenOptions) Result {
	intent := x.intentFor(symbol, action, opts)
	return x.guarded(intent.Symbol, func() Result { return x.openLocked(ctx, intent) })
}

func (x *Executor) intentFor(symbol string, action schema.Action, opts OpenOptions) schema.Intent {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = x.cfg.DefaultStrategy
	}
	confidence := opts.Confidence
	if confidence <= 0 {
		confidence = x.cfg.DefaultConfidence
	}
	intent := schema.NewIntent(symbol, action, strategy, confidence, 0, x.clock())
	intent.ATR = opts.ATR
	intent.ForceVenue = opts.ForceVenue
	intent.Origin = schema.OriginManual
	return intent
}

// ExecuteIntent runs an intent from the signal path.
func (x *Executor) ExecuteIntent(ctx context.Context, intent schema.Intent) Result {
	intent.Symbol = schema.NormalizeSymbol(intent.Symbol)
	switch intent.Action {
	case schema.ActionClose:
		return x.ClosePosition(ctx, intent.Symbol, "")
	case schema.ActionExitAll:
		return Merge(x.CloseAll(ctx))
	}
	if _, ok := intent.Action.Side(); !ok {
		return failed(intent.Symbol, errs.Validation(fmt.Sprintf("unknown action %q", intent.Action), errs.WithSymbol(intent.Symbol)))
	}
	if intent.Origin == "" {
		intent.Origin = schema.OriginSignal
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = x.clock()
	}
	if intent.Origin == schema.OriginSignal && x.cooldowns != nil {
		x.cooldowns.RecordSignal(intent.Symbol, x.clock())
	}
	return x.guarded(intent.Symbol, func() Result { return x.openLocked(ctx, intent) })
}

// guarded runs an open, update or flip under the operation lock and the
// symbol's serial mutex. A successful run starts the symbol cooldown.
func (x *Executor) guarded(symbol string, fn func() Result) Result {
	release, err := x.locks.Acquire(symbol)
	if err != nil {
		return failed(symbol, err)
	}
	res := x.exclusive(symbol, fn)
	release(res.Success)
	return res
}

// guardedExit runs a close under the operation lock without the cooldown, so
// risk-reducing exits are never held back by a recent entry.
func (x *Executor) guardedExit(symbol string, fn func() Result) Result {
	release, err := x.locks.AcquireExit(symbol)
	if err != nil {
		return failed(symbol, err)
	}
	res := x.exclusive(symbol, fn)
	release(res.Success)
	return res
}

// exclusive serialises fn with every other operation on symbol.
func (x *Executor) exclusive(symbol string, fn func() Result) Result {
	symbol = schema.NormalizeSymbol(symbol)
	x.mu.Lock()
	mu, ok := x.serial[symbol]
	if !ok {
		mu = &sync.Mutex{}
		x.serial[symbol] = mu
	}
	x.mu.Unlock()
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (x *Executor) openLocked(ctx context.Context, intent schema.Intent) Result {
	symbol := intent.Symbol
	side, _ := intent.Action.Side()
	now := x.clock()

	quote, err := x.quoteVenue(symbol, intent.ForceVenue)
	if err != nil {
		return failed(symbol, err)
	}
	if intent.Price <= 0 {
		price, err := quote.LastPrice(ctx, symbol)
		if err != nil {
			return failed(symbol, err)
		}
		intent.Price = price
	}
	portfolio := x.portfolio(ctx, symbol)
	market, err := x.market.Market(ctx, symbol, intent.Price)
	if err != nil {
		x.logger.Printf("market data unavailable: symbol=%s err=%v", symbol, err)
		market = schema.MarketData{Symbol: symbol, Price: intent.Price}
	}

	decision := x.risk.Evaluate(ctx, intent, portfolio, market)
	if decision.Allow && x.breaker != nil && x.breaker.Tripped() && intent.Origin != schema.OriginManual {
		decision.Preview = true
	}
	x.metrics.RecordDecision(ctx, decision)
	if !decision.Allow {
		res := failed(symbol, errs.Rejected(decision.Gate, decision.Reason, errs.WithSymbol(symbol)))
		res.Decision = &decision
		return res
	}
	if decision.Venue == "" {
		decision.Venue = quote.Name()
	}
	detail := Detail{
		EntryPrice: decision.EntryPrice,
		Quantity:   decision.Quantity,
		StopLoss:   decision.StopLoss,
		TakeProfit: decision.TakeProfit,
		Venue:      decision.Venue,
		Leverage:   decision.Leverage,
	}
	key := safety.CooldownKey{Symbol: symbol, Venue: decision.Venue, Strategy: intent.StrategyID, Regime: decision.Regime}
	if intent.Origin == schema.OriginSignal && x.cooldowns != nil {
		if on, remaining := x.cooldowns.IsOnCooldown(key, now); on {
			res := failed(symbol, errs.Rejected("cooldown", fmt.Sprintf("%s on cooldown for %s", symbol, remaining.Round(time.Second)), errs.WithSymbol(symbol)))
			res.Decision = &decision
			return res
		}
	}
	if decision.Preview {
		res := ok(symbol, "preview only: "+decision.Reason, detail)
		res.Decision = &decision
		return res
	}

	adapter, found := x.venues.Get(decision.Venue)
	if !found {
		return failed(symbol, errs.New(errs.KindPermanent, errs.WithVenue(decision.Venue), errs.WithMessage("venue not registered")))
	}
	existing, has, err := venue.PositionFor(ctx, adapter, symbol)
	if err != nil {
		return failed(symbol, err)
	}
	if has && existing.Side != side {
		return failed(symbol, errs.Rejected("position",
			fmt.Sprintf("%s %s position already open; flip it instead", symbol, existing.Side), errs.WithSymbol(symbol)))
	}

	res := x.enter(ctx, adapter, decision, intent.StrategyID, now)
	res.Decision = &decision
	if res.Success && x.cooldowns != nil {
		x.cooldowns.SetCooldown(key, now, cooldownInputs(market))
	}
	return res
}

// cooldownInputs expresses recent volatility relative to the long-run average,
// which ATRRatio already is. The signal rate comes from the recorded signals.
func cooldownInputs(market schema.MarketData) safety.CooldownInputs {
	in := safety.CooldownInputs{SignalsPerHour: 0, AvgVolatility: 0, RecentVolatility: 0}
	if market.ATRRatio > 0 {
		in.AvgVolatility = 1
		in.RecentVolatility = market.ATRRatio
	}
	return in
}

// enter submits the market entry and installs the exit plan and protection.
func (x *Executor) enter(ctx context.Context, adapter venue.Adapter, decision schema.RiskDecision, strategy string, now time.Time) Result {
	symbol := decision.Symbol
	side := decision.Side
	venueName := adapter.Name()

	balance, err := adapter.Balance(ctx)
	if err != nil {
		return failed(symbol, err)
	}
	if balance.Available < x.cfg.MinAvailableBalance {
		return failed(symbol, errs.New(errs.KindLiquidity, errs.WithVenue(venueName), errs.WithSymbol(symbol),
			errs.WithMessage(fmt.Sprintf("available %.2f %s below minimum %.2f", balance.Available, balance.Asset, x.cfg.MinAvailableBalance))))
	}
	info, err := adapter.SymbolInfo(ctx, symbol)
	if err != nil {
		return failed(symbol, err)
	}
	qty := numeric.FloorToStep(decision.Quantity, info.StepSize)
	if qty <= schema.QuantityEpsilon || qty < info.MinQty || qty*decision.EntryPrice < info.MinNotional {
		return failed(symbol, errs.Validation(
			fmt.Sprintf("%s: quantity %.8g below venue minimum (min qty %.8g, min notional %.2f)", symbol, qty, info.MinQty, info.MinNotional),
			errs.WithSymbol(symbol), errs.WithVenue(venueName)))
	}
	if err := adapter.SetLeverage(ctx, symbol, int(decision.Leverage)); err != nil {
		return failed(symbol, err)
	}
	order, err := adapter.PlaceOrder(ctx, schema.OrderRequest{
		ClientOrderID: newClientID(),
		Symbol:        symbol,
		Side:          side.EntryOrderSide(),
		Type:          schema.OrderTypeMarket,
		Quantity:      qty,
		Price:         0,
		StopPrice:     0,
		CallbackRate:  0,
		ReduceOnly:    false,
	})
	x.metrics.RecordOrder(ctx, venueName, schema.OrderTypeMarket, err)
	if err != nil {
		return failed(symbol, err)
	}
	fill := order.AvgFillPrice
	if fill <= 0 {
		fill = decision.EntryPrice
	}
	pos, has, err := venue.PositionFor(ctx, adapter, symbol)
	if err != nil {
		return failed(symbol, err)
	}
	if !has {
		return failed(symbol, errs.New(errs.KindConsistency, errs.WithVenue(venueName), errs.WithSymbol(symbol),
			errs.WithMessage(fmt.Sprintf("entry order %s not reflected in venue position", order.ID))))
	}
	x.logger.Printf("entry filled: symbol=%s side=%s venue=%s qty=%.8g price=%.8g order=%s", symbol, side, venueName, qty, fill, order.ID)

	stopDist := math.Abs(decision.EntryPrice - decision.StopLoss)
	tpDist := math.Abs(decision.TakeProfit - decision.EntryPrice)
	x.setTarget(symbol, protectionTarget{
		Venue:      venueName,
		Side:       side,
		EntryPrice: pos.EntryPrice,
		Quantity:   math.Abs(pos.Quantity),
		StopLoss:   fill - side.Sign()*stopDist,
		TakeProfit: fill + side.Sign()*tpDist,
		Strategy:   strategy,
	})
	mult := decision.Multipliers
	if _, err := x.exits.Create(symbol, side, pos.EntryPrice, math.Abs(pos.Quantity), decision.ATR, &mult, now); err != nil {
		x.logger.Printf("exit plan not created: symbol=%s err=%v", symbol, err)
	}

	detail := Detail{
		EntryPrice: fill,
		Quantity:   qty,
		StopLoss:   0,
		TakeProfit: 0,
		Venue:      venueName,
		Leverage:   decision.Leverage,
	}
	legs, syncErr := x.syncLocked(ctx, symbol, true)
	detail.StopLoss = legs.StopLoss
	detail.TakeProfit = legs.TakeProfit
	if syncErr != nil {
		x.metrics.RecordProtectionIncomplete(ctx, venueName, symbol)
		x.logger.Printf("protection incomplete: symbol=%s venue=%s err=%v", symbol, venueName, syncErr)
		cause := syncErr
		if !errs.Is(syncErr, errs.KindProtectionIncomplete) {
			cause = errs.New(errs.KindProtectionIncomplete, errs.WithVenue(venueName), errs.WithSymbol(symbol), errs.WithCause(syncErr))
		}
		res := failed(symbol, cause)
		res.Detail = detail
		return res
	}
	return ok(symbol, fmt.Sprintf("opened %s %s %.8g @ %.8g on %s with %.0fx leverage (SL %.8g, TP %.8g)",
		side, symbol, qty, fill, venueName, decision.Leverage, legs.StopLoss, legs.TakeProfit), detail)
}

// quoteVenue picks the venue used for price discovery before evaluation.
func (x *Executor) quoteVenue(symbol, force string) (venue.Adapter, error) {
	if force != "" {
		if adapter, ok := x.venues.Get(force); ok {
			return adapter, nil
		}
	}
	if x.router != nil {
		name, err := x.router.Route(symbol, schema.RoutePrefs{ForceVenue: force, EnabledVenues: nil})
		if err != nil {
			return nil, err
		}
		if adapter, ok := x.venues.Get(name); ok {
			return adapter, nil
		}
	}
	all := x.venues.All()
	if len(all) == 0 {
		return nil, errs.Rejected(routing.GateRouting, "no venues registered", errs.WithSymbol(symbol))
	}
	return all[0], nil
}

// portfolio rebuilds the immutable account view for one evaluation.
func (x *Executor) portfolio(ctx context.Context, candidate string) schema.PortfolioState {
	if err := x.aggregator.Refresh(ctx); err != nil {
		x.logger.Printf("account refresh incomplete: err=%v", err)
	}
	positions := x.aggregator.Positions()
	equity := x.aggregator.Equity()
	peak := x.observeEquity(ctx, equity)
	symbols := []string{candidate}
	for _, pos := range positions {
		symbols = append(symbols, pos.Symbol)
	}
	var correlations map[schema.SymbolPair]float64
	if x.guard != nil {
		correlations = x.guard.Matrix(symbols)
	}
	return risk.BuildPortfolio(risk.PortfolioInput{
		Positions:            positions,
		Equity:               equity,
		PeakEquity:           peak,
		Correlations:         correlations,
		BenchmarkCorrelation: x.benchmarkCorrelation(positions),
	})
}

// benchmarkCorrelation is the notional-weighted correlation of the open
// positions with the benchmark. Positions without enough history are skipped.
func (x *Executor) benchmarkCorrelation(positions []schema.Position) float64 {
	if x.guard == nil {
		return 0
	}
	var weighted, total float64
	for _, pos := range positions {
		corr, ok := x.guard.Correlation(pos.Symbol, x.cfg.BenchmarkSymbol)
		if !ok {
			continue
		}
		notional := pos.Notional()
		weighted += corr * notional
		total += notional
	}
	if total <= 0 {
		return 0
	}
	return weighted / total
}

func (x *Executor) observeEquity(ctx context.Context, equity float64) float64 {
	x.mu.Lock()
	raised := equity > x.peakEquity
	if raised {
		x.peakEquity = equity
	}
	peak := x.peakEquity
	x.mu.Unlock()
	if raised {
		if err := configstore.SaveJSON(ctx, x.store, configstore.StatePeakEquity, peak); err != nil {
			x.logger.Printf("persist peak equity failed: err=%v", err)
		}
	}
	return peak
}

func (x *Executor) setTarget(symbol string, target protectionTarget) {
	x.mu.Lock()
	x.targets[schema.NormalizeSymbol(symbol)] = target
	x.mu.Unlock()
}

// targetFor returns the desired protection for a live position, deriving
// default stops from the risk settings when none is tracked.
func (x *Executor) targetFor(pos schema.Position) protectionTarget {
	x.mu.Lock()
	defer x.mu.Unlock()
	target, ok := x.targets[pos.Symbol]
	if ok && target.Side == pos.Side {
		target.Venue = pos.Venue
		target.EntryPrice = pos.EntryPrice
		target.Quantity = math.Abs(pos.Quantity)
		x.targets[pos.Symbol] = target
		return target
	}
	cfg := x.risk.Config()
	params := schema.EntryParams{ATRMultiplier: cfg.ATRMultiplier, TPRatio: cfg.TPRatio, StopPercent: cfg.StopPercent}
	stop, tp, err := risk.ComputeStops(pos.Side, pos.EntryPrice, 0, params, schema.NeutralMultipliers())
	if err != nil {
		stop = pos.EntryPrice * (1 - pos.Side.Sign()*0.02)
		tp = pos.EntryPrice * (1 + pos.Side.Sign()*0.04)
	}
	target = protectionTarget{
		Venue:      pos.Venue,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		Quantity:   math.Abs(pos.Quantity),
		StopLoss:   stop,
		TakeProfit: tp,
		Strategy:   x.cfg.DefaultStrategy,
	}
	x.targets[pos.Symbol] = target
	return target
}

func (x *Executor) trackedSymbols() map[string]protectionTarget {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]protectionTarget, len(x.targets))
	for symbol, target := range x.targets {
		out[symbol] = target
	}
	return out
}

// locate finds the live position in symbol, trying the tracked venue first.
func (x *Executor) locate(ctx context.Context, symbol string) (venue.Adapter, schema.Position, bool, error) {
	symbol = schema.NormalizeSymbol(symbol)
	order := make([]string, 0)
	x.mu.Lock()
	if target, ok := x.targets[symbol]; ok && target.Venue != "" {
		order = append(order, target.Venue)
	}
	x.mu.Unlock()
	if name, ok := x.aggregator.VenueOf(symbol); ok {
		order = append(order, name)
	}
	order = append(order, x.venues.Names()...)

	seen := make(map[string]struct{}, len(order))
	var lastErr error
	for _, name := range order {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		adapter, ok := x.venues.Get(name)
		if !ok {
			continue
		}
		pos, has, err := venue.PositionFor(ctx, adapter, symbol)
		if err != nil {
			lastErr = err
			continue
		}
		if has {
			pos.Venue = adapter.Name()
			return adapter, pos, true, nil
		}
	}
	return nil, schema.Position{}, false, lastErr
}

func newClientID() string {
	return "bst-" + uuid.NewString()
}
