// Package risk implements the policy engine that turns trade intents into sized,
// protected decisions or named rejections.
package risk

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sort"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/schema"
)

// Gate names in evaluation order.
const (
	GateMode        = "mode"
	GateValidity    = "validity"
	GateCluster     = "cluster"
	GateSymbol      = "symbol"
	GateBias        = "bias"
	GateCorrelation = "correlation"
	GateRouting     = "routing"
	GateScaling     = "scaling"
	GateDampening   = "dampening"
	GateStops       = "sltp"
)

// DampingStep scales size once drawdown reaches AtLeast.
type DampingStep struct {
	AtLeast float64
	Factor  float64
}

// DefaultDrawdownSteps is ordered from the deepest drawdown down; the first match wins.
func DefaultDrawdownSteps() []DampingStep {
	return []DampingStep{
		{AtLeast: 0.20, Factor: 0.2},
		{AtLeast: 0.15, Factor: 0.4},
		{AtLeast: 0.10, Factor: 0.7},
		{AtLeast: 0.05, Factor: 1.0},
	}
}

// Config holds the policy thresholds.
type Config struct {
	MinConfidence        float64
	ClusterCaps          map[Cluster]float64
	MaxSymbolExposure    float64
	MaxDirectionalBias   float64
	MaxPerGroup          int
	CorrelationThreshold float64
	BaseLeverage         float64
	MaxLeverage          float64
	BaseSize             float64
	MaxSize              float64
	ATRMultiplier        float64
	TPRatio              float64
	StopPercent          float64
	DrawdownSteps        []DampingStep
	HighVolatility       float64
	HighVolatilityFactor float64
	MidVolatility        float64
	MidVolatilityFactor  float64
	BenchmarkCorrelation float64
	BenchmarkFactor      float64
}

// DefaultConfig returns the stock policy thresholds.
func DefaultConfig() Config {
	return Config{
		MinConfidence:        0.3,
		ClusterCaps:          DefaultClusterCaps(),
		MaxSymbolExposure:    0.25,
		MaxDirectionalBias:   0.8,
		MaxPerGroup:          2,
		CorrelationThreshold: 0.85,
		BaseLeverage:         5,
		MaxLeverage:          20,
		BaseSize:             0.05,
		MaxSize:              0.20,
		ATRMultiplier:        2.0,
		TPRatio:              2.0,
		StopPercent:          0.02,
		DrawdownSteps:        DefaultDrawdownSteps(),
		HighVolatility:       0.05,
		HighVolatilityFactor: 0.5,
		MidVolatility:        0.03,
		MidVolatilityFactor:  0.7,
		BenchmarkCorrelation: 0.8,
		BenchmarkFactor:      0.8,
	}
}

// Router resolves the venue an intent should execute on.
type Router interface {
	Route(symbol string, prefs schema.RoutePrefs) (string, error)
}

// CorrelationGuard vets a candidate's return series against open positions.
type CorrelationGuard interface {
	IsSafe(candidate string, prices []float64, open []string) bool
}

// StrategyBook supplies per-strategy entry parameters.
type StrategyBook interface {
	EntryParams(strategy string, market schema.MarketData) (schema.EntryParams, bool)
}

// UserSource returns the current per-user configuration.
type UserSource interface {
	Current() schema.UserConfig
}

// Options wires an Engine's collaborators. Nil collaborators disable the related checks.
type Options struct {
	Config     Config
	Scaler     *Scaler
	Router     Router
	Guard      CorrelationGuard
	Strategies StrategyBook
	Users      UserSource
	Logger     *log.Logger
}

// Engine evaluates intents. It holds no mutable state.
type Engine struct {
	cfg        Config
	scaler     *Scaler
	router     Router
	guard      CorrelationGuard
	strategies StrategyBook
	users      UserSource
	logger     *log.Logger
}

// NewEngine constructs a policy engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	cfg := opts.Config
	if cfg.ClusterCaps == nil {
		cfg.ClusterCaps = DefaultClusterCaps()
	}
	if cfg.DrawdownSteps == nil {
		cfg.DrawdownSteps = DefaultDrawdownSteps()
	}
	return &Engine{
		cfg:        cfg,
		scaler:     opts.Scaler,
		router:     opts.Router,
		guard:      opts.Guard,
		strategies: opts.Strategies,
		users:      opts.Users,
		logger:     logger,
	}
}

// Config returns the engine thresholds.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) user() schema.UserConfig {
	if e.users == nil {
		return schema.UserConfig{Mode: schema.ModeAutonomous}
	}
	return e.users.Current()
}

// Evaluate runs the gates in fixed order and returns the first rejection or a
// fully sized decision.
func (e *Engine) Evaluate(ctx context.Context, intent schema.Intent, portfolio schema.PortfolioState, market schema.MarketData) schema.RiskDecision {
	symbol := schema.NormalizeSymbol(intent.Symbol)
	user := e.user()
	cluster := Classify(symbol)

	decision := schema.RiskDecision{
		Symbol:      symbol,
		Strategy:    intent.StrategyID,
		Cluster:     string(cluster),
		EntryPrice:  intent.Price,
		Multipliers: schema.NeutralMultipliers(),
	}
	deny := func(gate, reason string) schema.RiskDecision {
		decision.Allow = false
		decision.Gate = gate
		decision.Reason = reason
		e.logger.Printf("decision rejected: symbol=%s strategy=%s gate=%s reason=%q", symbol, intent.StrategyID, gate, reason)
		return decision
	}

	// mode
	decision.Preview = user.Mode != schema.ModeAutonomous && intent.Origin != schema.OriginManual

	// validity
	if err := intent.Validate(e.cfg.MinConfidence); err != nil {
		return deny(GateValidity, errs.Reason(err))
	}
	side, ok := intent.Action.Side()
	if !ok {
		return deny(GateValidity, fmt.Sprintf("%s: action %s is not an entry", symbol, intent.Action))
	}
	decision.Side = side
	if user.AssetDisabled(symbol) {
		return deny(GateValidity, fmt.Sprintf("%s is disabled", symbol))
	}
	if intent.Origin != schema.OriginManual && !user.StrategyEnabled(intent.StrategyID) {
		return deny(GateValidity, fmt.Sprintf("strategy %s is disabled", intent.StrategyID))
	}
	if portfolio.Equity <= 0 {
		return deny(GateValidity, "account equity unavailable")
	}

	// cluster
	if capFrac, ok := e.cfg.ClusterCaps[cluster]; ok {
		share := portfolio.NotionalByCluster[string(cluster)] / portfolio.Equity
		if share >= capFrac {
			return deny(GateCluster, fmt.Sprintf("%s cluster exposure %.1f%% at cap %.1f%%", cluster, share*100, capFrac*100))
		}
	}

	// symbol
	symbolCap := e.cfg.MaxSymbolExposure
	if override, ok := user.SymbolCaps[symbol]; ok && override > 0 {
		symbolCap = override
	}
	if share := portfolio.NotionalBySymbol[symbol] / portfolio.Equity; symbolCap > 0 && share >= symbolCap {
		return deny(GateSymbol, fmt.Sprintf("%s exposure %.1f%% at cap %.1f%%", symbol, share*100, symbolCap*100))
	}

	// bias
	if reason, ok := e.checkBias(side, portfolio); !ok {
		return deny(GateBias, reason)
	}

	// correlation
	if reason, ok := e.checkCorrelation(symbol, portfolio, market); !ok {
		return deny(GateCorrelation, reason)
	}

	// routing
	if e.router != nil {
		venue, err := e.router.Route(symbol, schema.RoutePrefs{ForceVenue: intent.ForceVenue, EnabledVenues: user.EnabledVenues})
		if err != nil {
			return deny(GateRouting, errs.Reason(err))
		}
		decision.Venue = venue
	}

	// scaling
	mult := schema.NeutralMultipliers()
	regime := schema.RegimeUncertain
	if e.scaler != nil {
		mult, regime = e.scaler.Compute(ctx, intent.Confidence, intent.StrategyID, market)
	}
	decision.Multipliers = mult
	decision.Regime = regime
	maxLev := capValue(e.cfg.MaxLeverage, user.MaxLeverage)
	maxSize := capValue(e.cfg.MaxSize, user.MaxSize)
	leverage := math.Max(1, math.Floor(math.Min(e.cfg.BaseLeverage*mult.Leverage, maxLev)))
	size := math.Min(e.cfg.BaseSize*mult.Size, maxSize)
	decision.Audit = append(decision.Audit,
		schema.ScalingStep{Stage: "regime", Factor: mult.Size, Note: string(regime)},
		schema.ScalingStep{Stage: "leverage", Factor: leverage / e.cfg.BaseLeverage, Note: fmt.Sprintf("%.0fx (max %.0fx)", leverage, maxLev)},
	)
	if size <= 0 {
		return deny(GateScaling, "position size scaled to zero")
	}

	atr := intent.ATR
	if !intent.HasATR() {
		atr = market.ATR
	}
	decision.ATR = atr

	// dampening
	for _, step := range e.dampening(portfolio, market, atr, intent.Price) {
		size *= step.Factor
		decision.Audit = append(decision.Audit, step)
	}
	if size <= 0 {
		return deny(GateDampening, "position size dampened to zero")
	}

	// SL/TP
	params := schema.EntryParams{ATRMultiplier: e.cfg.ATRMultiplier, TPRatio: e.cfg.TPRatio, StopPercent: e.cfg.StopPercent}
	if e.strategies != nil {
		if p, ok := e.strategies.EntryParams(intent.StrategyID, market); ok {
			params = mergeParams(params, p)
		}
	}
	stop, target, err := ComputeStops(side, intent.Price, atr, params, mult)
	if err != nil {
		return deny(GateStops, errs.Reason(err))
	}

	decision.Allow = true
	decision.Leverage = leverage
	decision.SizeFraction = size
	decision.Quantity = portfolio.Equity * size * leverage / intent.Price
	decision.StopLoss = stop
	decision.TakeProfit = target
	decision.Reason = fmt.Sprintf("%s %s approved: %.0fx leverage, %.2f%% of equity", side, symbol, leverage, size*100)
	e.logger.Printf("decision approved: symbol=%s side=%s venue=%s leverage=%.0f size=%.4f sl=%.6g tp=%.6g preview=%t",
		symbol, side, decision.Venue, leverage, size, stop, target, decision.Preview)
	return decision
}

func capValue(system, user float64) float64 {
	if user > 0 && user < system {
		return user
	}
	return system
}

func mergeParams(base, override schema.EntryParams) schema.EntryParams {
	if override.ATRMultiplier > 0 {
		base.ATRMultiplier = override.ATRMultiplier
	}
	if override.TPRatio > 0 {
		base.TPRatio = override.TPRatio
	}
	if override.StopPercent > 0 {
		base.StopPercent = override.StopPercent
	}
	return base
}

func (e *Engine) checkBias(side schema.Side, portfolio schema.PortfolioState) (string, bool) {
	if e.cfg.MaxDirectionalBias <= 0 || len(portfolio.OpenSymbols()) < 2 {
		return "", true
	}
	long, short := portfolio.LongNotional, portfolio.ShortNotional
	increases := (side == schema.SideLong && long >= short) || (side == schema.SideShort && short >= long)
	if !increases {
		return "", true
	}
	candidate := portfolio.Equity * e.cfg.BaseSize * e.cfg.BaseLeverage
	if side == schema.SideLong {
		long += candidate
	} else {
		short += candidate
	}
	projected := bias(long, short)
	if projected > e.cfg.MaxDirectionalBias {
		return fmt.Sprintf("directional bias would reach %.0f%% (max %.0f%%)", projected*100, e.cfg.MaxDirectionalBias*100), false
	}
	return "", true
}

func bias(long, short float64) float64 {
	total := long + short
	if total <= 0 {
		return 0
	}
	return math.Abs(long-short) / total
}

func (e *Engine) checkCorrelation(symbol string, portfolio schema.PortfolioState, market schema.MarketData) (string, bool) {
	open := make([]string, 0, len(portfolio.Positions))
	for _, s := range portfolio.OpenSymbols() {
		if s != symbol {
			open = append(open, s)
		}
	}
	if len(open) == 0 {
		return "", true
	}
	if group := CorrelationGroup(symbol); group != "" && e.cfg.MaxPerGroup > 0 {
		held := 0
		for _, s := range open {
			if CorrelationGroup(s) == group {
				held++
			}
		}
		if held >= e.cfg.MaxPerGroup {
			return fmt.Sprintf("%s group already holds %d positions (max %d)", group, held, e.cfg.MaxPerGroup), false
		}
	}
	if e.cfg.CorrelationThreshold > 0 {
		sorted := append([]string(nil), open...)
		sort.Strings(sorted)
		for _, s := range sorted {
			if v, ok := portfolio.Correlation(symbol, s); ok && math.Abs(v) > e.cfg.CorrelationThreshold {
				return fmt.Sprintf("%s correlates %.2f with open %s (max %.2f)", symbol, v, s, e.cfg.CorrelationThreshold), false
			}
		}
	}
	if e.guard != nil && !e.guard.IsSafe(symbol, market.Closes, open) {
		return fmt.Sprintf("%s return series too correlated with open positions", symbol), false
	}
	return "", true
}

func (e *Engine) dampening(portfolio schema.PortfolioState, market schema.MarketData, atr, price float64) []schema.ScalingStep {
	var steps []schema.ScalingStep
	for _, step := range e.cfg.DrawdownSteps {
		if portfolio.Drawdown >= step.AtLeast {
			if step.Factor < 1 {
				steps = append(steps, schema.ScalingStep{Stage: "drawdown", Factor: step.Factor, Note: fmt.Sprintf("drawdown %.1f%%", portfolio.Drawdown*100)})
			}
			break
		}
	}
	if price > 0 && atr > 0 {
		ratio := atr / price
		switch {
		case e.cfg.HighVolatility > 0 && ratio > e.cfg.HighVolatility:
			steps = append(steps, schema.ScalingStep{Stage: "volatility", Factor: e.cfg.HighVolatilityFactor, Note: fmt.Sprintf("atr/price %.2f%%", ratio*100)})
		case e.cfg.MidVolatility > 0 && ratio > e.cfg.MidVolatility:
			steps = append(steps, schema.ScalingStep{Stage: "volatility", Factor: e.cfg.MidVolatilityFactor, Note: fmt.Sprintf("atr/price %.2f%%", ratio*100)})
		}
	}
	bench := market.BenchmarkCorrelation
	if bench == 0 {
		bench = portfolio.BenchmarkCorrelation
	}
	if e.cfg.BenchmarkCorrelation > 0 && bench > e.cfg.BenchmarkCorrelation {
		steps = append(steps, schema.ScalingStep{Stage: "benchmark", Factor: e.cfg.BenchmarkFactor, Note: fmt.Sprintf("benchmark correlation %.2f", bench)})
	}
	for i := range steps {
		if steps[i].Factor > 1 {
			steps[i].Factor = 1
		}
	}
	return steps
}

// ComputeStops derives stop-loss and take-profit prices. With a usable ATR the
// distances are ATR based; otherwise they are a percentage of price.
func ComputeStops(side schema.Side, price, atr float64, params schema.EntryParams, mult schema.RiskMultipliers) (float64, float64, error) {
	if price <= 0 || math.IsNaN(price) {
		return 0, 0, errs.Validation("price must be positive")
	}
	if !side.Valid() {
		return 0, 0, errs.Validation(fmt.Sprintf("invalid side %q", side))
	}
	var stopDist, tpDist float64
	if atr > 0 && !math.IsNaN(atr) && !math.IsInf(atr, 0) {
		stopDist = params.ATRMultiplier * atr * mult.Stop
		tpDist = params.ATRMultiplier * atr * params.TPRatio * mult.TakeProfit
	} else {
		stopDist = params.StopPercent * price * mult.Stop
		tpDist = params.StopPercent * price * params.TPRatio * mult.TakeProfit
	}
	if stopDist <= 0 || tpDist <= 0 {
		return 0, 0, errs.Validation("stop and target distances must be positive")
	}
	if stopDist >= price {
		return 0, 0, errs.Validation(fmt.Sprintf("stop distance %.6g exceeds price %.6g", stopDist, price))
	}
	if side == schema.SideLong {
		return price - stopDist, price + tpDist, nil
	}
	return price + stopDist, price - tpDist, nil
}
