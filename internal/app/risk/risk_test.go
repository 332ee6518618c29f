package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bastion/internal/domain/schema"
)

type stubRouter struct {
	venue string
	err   error
}

func (s stubRouter) Route(string, schema.RoutePrefs) (string, error) { return s.venue, s.err }

type stubGuard struct{ safe bool }

func (s stubGuard) IsSafe(string, []float64, []string) bool { return s.safe }

type staticUsers struct{ cfg schema.UserConfig }

func (s staticUsers) Current() schema.UserConfig { return s.cfg }

type fixedRegime struct {
	regime schema.Regime
	err    error
}

func (f fixedRegime) Classify(context.Context, schema.MarketData) (schema.Regime, error) {
	return f.regime, f.err
}

func newEngine(opts Options) *Engine {
	if opts.Config.MinConfidence == 0 {
		opts.Config = DefaultConfig()
	}
	if opts.Router == nil {
		opts.Router = stubRouter{venue: "paper"}
	}
	return NewEngine(opts)
}

func longIntent(symbol string, price, atr float64) schema.Intent {
	in := schema.NewIntent(symbol, schema.ActionOpenLong, "default", 0.6, price, testTime)
	in.ATR = atr
	return in
}

func position(symbol string, side schema.Side, notional float64) schema.Position {
	return schema.Position{Symbol: symbol, Side: side, Quantity: notional / 100, EntryPrice: 100, MarkPrice: 100, Venue: "paper"}
}

func TestComputeStopsATRScenario(t *testing.T) {
	params := schema.EntryParams{ATRMultiplier: 2.0, TPRatio: 2.0, StopPercent: 0.02}
	sl, tp, err := ComputeStops(schema.SideLong, 50000, 500, params, schema.NeutralMultipliers())
	require.NoError(t, err)
	require.InDelta(t, 49000, sl, 1e-9)
	require.InDelta(t, 52000, tp, 1e-9)

	sl, tp, err = ComputeStops(schema.SideShort, 50000, 500, params, schema.NeutralMultipliers())
	require.NoError(t, err)
	require.InDelta(t, 51000, sl, 1e-9)
	require.InDelta(t, 48000, tp, 1e-9)
}

func TestComputeStopsPercentFallback(t *testing.T) {
	params := schema.EntryParams{ATRMultiplier: 2.0, TPRatio: 2.0, StopPercent: 0.02}
	sl, tp, err := ComputeStops(schema.SideLong, 100, 0, params, schema.NeutralMultipliers())
	require.NoError(t, err)
	require.InDelta(t, 98, sl, 1e-9)
	require.InDelta(t, 104, tp, 1e-9)
}

func TestStopTargetOrdering(t *testing.T) {
	params := schema.EntryParams{ATRMultiplier: 2.0, TPRatio: 2.0, StopPercent: 0.02}
	for _, price := range []float64{0.00012, 0.07, 1.5, 150, 3000, 50000} {
		for _, atrFrac := range []float64{0, 0.001, 0.01, 0.1} {
			for _, mult := range []float64{MinMultiplier, 1, 2.5} {
				mv := schema.RiskMultipliers{Leverage: 1, Size: 1, Stop: mult, TakeProfit: mult, Hold: 1}
				sl, tp, err := ComputeStops(schema.SideLong, price, price*atrFrac, params, mv)
				require.NoError(t, err)
				require.Less(t, sl, price)
				require.Greater(t, tp, price)

				sl, tp, err = ComputeStops(schema.SideShort, price, price*atrFrac, params, mv)
				require.NoError(t, err)
				require.Greater(t, sl, price)
				require.Less(t, tp, price)
			}
		}
	}
}

func TestEvaluateApprovesAndSizes(t *testing.T) {
	engine := newEngine(Options{})
	portfolio := BuildPortfolio(PortfolioInput{Equity: 10000})

	decision := engine.Evaluate(context.Background(), longIntent("BTCUSDT", 50000, 500), portfolio, schema.MarketData{Symbol: "BTCUSDT", Price: 50000})
	require.True(t, decision.Allow, decision.Reason)
	require.Equal(t, "paper", decision.Venue)
	require.Equal(t, schema.SideLong, decision.Side)
	require.InDelta(t, 49000, decision.StopLoss, 1e-9)
	require.InDelta(t, 52000, decision.TakeProfit, 1e-9)
	require.Equal(t, 5.0, decision.Leverage)
	require.InDelta(t, 0.05, decision.SizeFraction, 1e-12)
	require.InDelta(t, 0.05, decision.Quantity, 1e-12)
	require.False(t, decision.Preview)
	require.NotEmpty(t, decision.Audit)
}

func TestEvaluateClusterCapRejects(t *testing.T) {
	engine := newEngine(Options{})
	portfolio := BuildPortfolio(PortfolioInput{
		Equity:    10000,
		Positions: []schema.Position{position("ETHUSDT", schema.SideLong, 4000)},
	})
	decision := engine.Evaluate(context.Background(), longIntent("BTCUSDT", 50000, 500), portfolio, schema.MarketData{})
	require.False(t, decision.Allow)
	require.Equal(t, GateCluster, decision.Gate)
	require.Contains(t, decision.Reason, "majors")
}

func TestEvaluateSymbolCap(t *testing.T) {
	engine := newEngine(Options{})
	portfolio := BuildPortfolio(PortfolioInput{
		Equity:    10000,
		Positions: []schema.Position{position("LINKUSDT", schema.SideLong, 2400)},
	})
	decision := engine.Evaluate(context.Background(), longIntent("LINKUSDT", 15, 0), portfolio, schema.MarketData{})
	require.True(t, decision.Allow, decision.Reason)

	users := staticUsers{cfg: schema.UserConfig{Mode: schema.ModeAutonomous, SymbolCaps: map[string]float64{"LINKUSDT": 0.2}}}
	engine = newEngine(Options{Users: users})
	decision = engine.Evaluate(context.Background(), longIntent("LINKUSDT", 15, 0), portfolio, schema.MarketData{})
	require.False(t, decision.Allow)
	require.Equal(t, GateSymbol, decision.Gate)
}

func TestEvaluateValidity(t *testing.T) {
	engine := newEngine(Options{})
	portfolio := BuildPortfolio(PortfolioInput{Equity: 10000})

	low := longIntent("BTCUSDT", 50000, 500)
	low.Confidence = 0.1
	decision := engine.Evaluate(context.Background(), low, portfolio, schema.MarketData{})
	require.Equal(t, GateValidity, decision.Gate)

	bad := longIntent("BTCUSDT", 0, 500)
	decision = engine.Evaluate(context.Background(), bad, portfolio, schema.MarketData{})
	require.Equal(t, GateValidity, decision.Gate)

	closeIntent := schema.NewIntent("BTCUSDT", schema.ActionClose, "default", 0.9, 50000, testTime)
	decision = engine.Evaluate(context.Background(), closeIntent, portfolio, schema.MarketData{})
	require.Equal(t, GateValidity, decision.Gate)

	users := staticUsers{cfg: schema.UserConfig{Mode: schema.ModeAutonomous, DisabledAssets: []string{"btcusdt"}}}
	decision = newEngine(Options{Users: users}).Evaluate(context.Background(), longIntent("BTCUSDT", 50000, 500), portfolio, schema.MarketData{})
	require.Equal(t, GateValidity, decision.Gate)
}

func TestEvaluateModePreview(t *testing.T) {
	users := staticUsers{cfg: schema.UserConfig{Mode: schema.ModeAdvisory}}
	engine := newEngine(Options{Users: users})
	portfolio := BuildPortfolio(PortfolioInput{Equity: 10000})

	signal := longIntent("BTCUSDT", 50000, 500)
	decision := engine.Evaluate(context.Background(), signal, portfolio, schema.MarketData{})
	require.True(t, decision.Allow)
	require.True(t, decision.Preview)

	manual := signal
	manual.Origin = schema.OriginManual
	decision = engine.Evaluate(context.Background(), manual, portfolio, schema.MarketData{})
	require.True(t, decision.Allow)
	require.False(t, decision.Preview)
}

func TestEvaluateDirectionalBias(t *testing.T) {
	engine := newEngine(Options{})
	portfolio := BuildPortfolio(PortfolioInput{
		Equity: 10000,
		Positions: []schema.Position{
			position("SOLUSDT", schema.SideLong, 1000),
			position("UNIUSDT", schema.SideLong, 1000),
		},
	})
	decision := engine.Evaluate(context.Background(), longIntent("XRPUSDT", 0.5, 0), portfolio, schema.MarketData{})
	require.False(t, decision.Allow)
	require.Equal(t, GateBias, decision.Gate)

	short := schema.NewIntent("XRPUSDT", schema.ActionOpenShort, "default", 0.6, 0.5, testTime)
	decision = engine.Evaluate(context.Background(), short, portfolio, schema.MarketData{})
	require.True(t, decision.Allow, decision.Reason)
}

func TestEvaluateCorrelationGroupAndGuard(t *testing.T) {
	engine := newEngine(Options{})
	portfolio := BuildPortfolio(PortfolioInput{
		Equity: 10000,
		Positions: []schema.Position{
			position("SOLUSDT", schema.SideLong, 500),
			position("AVAXUSDT", schema.SideShort, 500),
		},
	})
	decision := engine.Evaluate(context.Background(), longIntent("NEARUSDT", 5, 0), portfolio, schema.MarketData{})
	require.False(t, decision.Allow)
	require.Equal(t, GateCorrelation, decision.Gate)

	portfolio = BuildPortfolio(PortfolioInput{
		Equity:       10000,
		Positions:    []schema.Position{position("SOLUSDT", schema.SideLong, 500)},
		Correlations: map[schema.SymbolPair]float64{schema.NewSymbolPair("SOLUSDT", "UNIUSDT"): 0.9},
	})
	decision = engine.Evaluate(context.Background(), longIntent("UNIUSDT", 10, 0), portfolio, schema.MarketData{})
	require.Equal(t, GateCorrelation, decision.Gate)

	engine = newEngine(Options{Guard: stubGuard{safe: false}})
	decision = engine.Evaluate(context.Background(), longIntent("LINKUSDT", 15, 0), portfolio, schema.MarketData{})
	require.Equal(t, GateCorrelation, decision.Gate)
}

func TestEvaluateRoutingFailure(t *testing.T) {
	engine := newEngine(Options{Router: stubRouter{err: errors.New("no venue supports EURUSD")}})
	decision := engine.Evaluate(context.Background(), longIntent("EURUSD", 1.1, 0), BuildPortfolio(PortfolioInput{Equity: 10000}), schema.MarketData{})
	require.Equal(t, GateRouting, decision.Gate)
	require.Contains(t, decision.Reason, "EURUSD")
}

func TestEvaluateDampening(t *testing.T) {
	engine := newEngine(Options{})
	portfolio := BuildPortfolio(PortfolioInput{Equity: 8000, PeakEquity: 10000})
	require.InDelta(t, 0.2, portfolio.Drawdown, 1e-12)

	market := schema.MarketData{Price: 100, ATR: 6, BenchmarkCorrelation: 0.9}
	decision := engine.Evaluate(context.Background(), longIntent("XRPUSDT", 100, 6), portfolio, market)
	require.True(t, decision.Allow, decision.Reason)
	require.InDelta(t, 0.05*0.2*0.5*0.8, decision.SizeFraction, 1e-12)
}

func TestEvaluateDampensOnSuppliedATR(t *testing.T) {
	engine := newEngine(Options{})
	portfolio := BuildPortfolio(PortfolioInput{Equity: 10000})

	decision := engine.Evaluate(context.Background(), longIntent("XRPUSDT", 100, 4), portfolio, schema.MarketData{Price: 100})
	require.True(t, decision.Allow, decision.Reason)
	require.Equal(t, 4.0, decision.ATR)
	require.InDelta(t, 0.05*0.7, decision.SizeFraction, 1e-12)

	calm := engine.Evaluate(context.Background(), longIntent("XRPUSDT", 100, 1), portfolio, schema.MarketData{Price: 100, ATR: 6})
	require.True(t, calm.Allow, calm.Reason)
	require.InDelta(t, 0.05, calm.SizeFraction, 1e-12)
}

func TestEvaluateUserCaps(t *testing.T) {
	users := staticUsers{cfg: schema.UserConfig{Mode: schema.ModeAutonomous, MaxLeverage: 3, MaxSize: 0.01}}
	engine := newEngine(Options{Users: users})
	decision := engine.Evaluate(context.Background(), longIntent("BTCUSDT", 50000, 500), BuildPortfolio(PortfolioInput{Equity: 10000}), schema.MarketData{})
	require.True(t, decision.Allow)
	require.Equal(t, 3.0, decision.Leverage)
	require.InDelta(t, 0.01, decision.SizeFraction, 1e-12)
}

func TestMultiplierBounds(t *testing.T) {
	for _, regime := range schema.Regimes() {
		scaler := NewScaler(fixedRegime{regime: regime}, nil, nil)
		for _, strategy := range []string{"default", "scalp", "swing", "unknown"} {
			for c := 0.0; c <= 1.0; c += 0.05 {
				mult, got := scaler.Compute(context.Background(), c, strategy, schema.MarketData{})
				require.Equal(t, regime, got)
				for _, v := range []float64{mult.Leverage, mult.Size, mult.Stop, mult.TakeProfit, mult.Hold} {
					require.GreaterOrEqual(t, v, MinMultiplier)
					require.LessOrEqual(t, v, MaxMultiplier)
				}
			}
		}
	}
}

func TestScalerClassifierErrorFallsBackToUncertain(t *testing.T) {
	scaler := NewScaler(fixedRegime{err: errors.New("model offline")}, nil, nil)
	mult, regime := scaler.Compute(context.Background(), 0.6, "default", schema.MarketData{})
	require.Equal(t, schema.RegimeUncertain, regime)
	require.Equal(t, DefaultRegimeBases()[schema.RegimeUncertain], mult)
}

func TestScalerOverrideIsSparse(t *testing.T) {
	scaler := NewScaler(fixedRegime{regime: schema.RegimeVolatile}, nil, nil)
	scalp, _ := scaler.Compute(context.Background(), 0.6, "scalp", schema.MarketData{})
	plain, _ := scaler.Compute(context.Background(), 0.6, "default", schema.MarketData{})
	require.Equal(t, plain.Leverage, scalp.Leverage)
	require.InDelta(t, plain.Hold*0.5, scalp.Hold, 1e-12)
}

func TestHeuristicClassifier(t *testing.T) {
	h := DefaultHeuristicClassifier()
	cases := []struct {
		market schema.MarketData
		want   schema.Regime
	}{
		{schema.MarketData{ATRRatio: 2, ADX: 30}, schema.RegimeVolatile},
		{schema.MarketData{ATRRatio: 1, ADX: 30}, schema.RegimeTrending},
		{schema.MarketData{ATRRatio: 1, ADX: 15}, schema.RegimeRanging},
		{schema.MarketData{ATRRatio: 1, ADX: 22}, schema.RegimeUncertain},
		{schema.MarketData{}, schema.RegimeUncertain},
	}
	for _, tc := range cases {
		got, err := h.Classify(context.Background(), tc.market)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]Cluster{
		"BTCUSDT":      ClusterMajors,
		"ethusdc":      ClusterMajors,
		"DOGEUSDT":     ClusterMeme,
		"1000PEPEUSDT": ClusterMeme,
		"BTCDOGEUSDT":  ClusterMeme,
		"SOLUSDT":      ClusterLayer1,
		"AAVEUSDT":     ClusterDeFi,
		"XRPUSDT":      ClusterOther,
		"":             ClusterOther,
	}
	for symbol, want := range cases {
		require.Equal(t, want, Classify(symbol), symbol)
		require.Equal(t, Classify(symbol), Classify(symbol))
	}
}

func TestBuildPortfolioSkipsDust(t *testing.T) {
	state := BuildPortfolio(PortfolioInput{
		Equity: 1000,
		Positions: []schema.Position{
			position("BTCUSDT", schema.SideLong, 300),
			position("SOLUSDT", schema.SideShort, 100),
			{Symbol: "XRPUSDT", Side: schema.SideLong, Quantity: 0, EntryPrice: 1},
		},
	})
	require.Len(t, state.Positions, 2)
	require.InDelta(t, 300, state.LongNotional, 1e-9)
	require.InDelta(t, 100, state.ShortNotional, 1e-9)
	require.InDelta(t, 300, state.NotionalByCluster[string(ClusterMajors)], 1e-9)
	require.InDelta(t, 400, state.NotionalByVenue["paper"], 1e-9)
}
