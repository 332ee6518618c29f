package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/app/exitplan"
	"github.com/coachpo/bastion/internal/app/risk"
	"github.com/coachpo/bastion/internal/app/safety"
	"github.com/coachpo/bastion/internal/domain/configstore"
	"github.com/coachpo/bastion/internal/domain/schema"
	"github.com/coachpo/bastion/internal/domain/venue"
	"github.com/coachpo/bastion/internal/infra/adapters/fake"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	exec    *Executor
	venue   *fake.Venue
	store   *configstore.Memory
	breaker *safety.CircuitBreaker
}

func newHarness(t *testing.T, breaker *safety.CircuitBreaker) harness {
	t.Helper()
	return buildHarness(t, breaker, 0)
}

func buildHarness(t *testing.T, breaker *safety.CircuitBreaker, lockCooldown time.Duration) harness {
	t.Helper()
	clock := func() time.Time { return testTime }
	v := fake.New(fake.Options{
		Name:   "alpha",
		Cash:   10000,
		Prices: map[string]float64{"BTCUSDT": 50000},
		Clock:  clock,
	})
	registry := venue.NewRegistry()
	require.NoError(t, registry.Register(v))
	store := configstore.NewMemory()
	cfg := DefaultConfig()
	cfg.VerifyDelay = 0
	cfg.FlipDelay = 0
	exec, err := NewExecutor(Options{
		Config:  cfg,
		Venues:  registry,
		Risk:    risk.NewEngine(risk.Options{Config: risk.DefaultConfig()}),
		Exits:   exitplan.NewManager(exitplan.DefaultConfig()),
		Locks:   safety.NewOperationLocks(time.Second, lockCooldown, clock),
		Breaker: breaker,
		Store:   store,
		Clock:   clock,
	})
	require.NoError(t, err)
	return harness{exec: exec, venue: v, store: store, breaker: breaker}
}

func (h harness) seedLong(qty, entry, mark float64) {
	h.venue.SetPosition(schema.Position{
		Symbol:     "BTCUSDT",
		Side:       schema.SideLong,
		Quantity:   qty,
		EntryPrice: entry,
		MarkPrice:  mark,
		Leverage:   5,
	})
}

func countTypes(orders []schema.OrderRequest) map[schema.OrderType]int {
	out := make(map[schema.OrderType]int)
	for _, o := range orders {
		out[o.Type]++
	}
	return out
}

func TestOpenLongPlacesEntryAndProtection(t *testing.T) {
	h := newHarness(t, nil)
	res := h.exec.OpenLong(context.Background(), "btcusdt", OpenOptions{})
	require.True(t, res.Success, res.Message)
	require.Equal(t, "alpha", res.Detail.Venue)
	require.InDelta(t, 0.05, res.Detail.Quantity, 1e-9)
	require.InDelta(t, 49000, res.Detail.StopLoss, 0.5)
	require.InDelta(t, 52000, res.Detail.TakeProfit, 0.5)
	require.Equal(t, 5.0, res.Detail.Leverage)
	require.Equal(t, 5, h.venue.Leverage("BTCUSDT"))

	placed := h.venue.Placed()
	require.Len(t, placed, 4)
	require.Equal(t, schema.OrderTypeMarket, placed[0].Type)
	require.False(t, placed[0].ReduceOnly)
	types := countTypes(placed[1:])
	require.Equal(t, 1, types[schema.OrderTypeStopMarket])
	require.Equal(t, 1, types[schema.OrderTypeTakeProfitMarket])
	require.Equal(t, 1, types[schema.OrderTypeTrailingStop])
	for _, o := range placed[1:] {
		require.True(t, o.ReduceOnly)
		require.Equal(t, schema.OrderSideSell, o.Side)
	}

	algos := h.exec.Algos("BTCUSDT")
	require.NotEmpty(t, algos.Stop)
	require.NotEmpty(t, algos.TakeProfit)
	require.NotEmpty(t, algos.Trailing)
	_, ok := h.exec.Exits().Plan("BTCUSDT")
	require.True(t, ok)

}

func TestProtectiveOrderIDsStayInMemory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.exec.OpenLong(ctx, "BTCUSDT", OpenOptions{})
	require.True(t, res.Success, res.Message)
	require.NotEmpty(t, h.exec.Algos("BTCUSDT").Stop)

	_, err := h.store.LoadState(ctx, "algo_orders")
	require.ErrorIs(t, err, configstore.ErrNotFound)

	restarted, err := NewExecutor(Options{
		Config: DefaultConfig(),
		Venues: h.exec.venues,
		Risk:   risk.NewEngine(risk.Options{Config: risk.DefaultConfig()}),
		Store:  h.store,
		Clock:  func() time.Time { return testTime },
	})
	require.NoError(t, err)
	require.NoError(t, restarted.Restore(ctx))
	require.True(t, restarted.Algos("BTCUSDT").Empty())
	_, planned := restarted.Exits().Plan("BTCUSDT")
	require.False(t, planned)
}

func TestOpenRejectsLowAvailableBalance(t *testing.T) {
	h := newHarness(t, nil)
	h.venue.SetCash(5)
	res := h.exec.OpenLong(context.Background(), "BTCUSDT", OpenOptions{})
	require.False(t, res.Success)
	require.Equal(t, errs.KindLiquidity, errs.KindOf(res.Err))
	require.Empty(t, h.venue.Placed())
}

func TestCloseIsNotHeldByEntryCooldown(t *testing.T) {
	h := buildHarness(t, nil, safety.DefaultLockCooldown)
	ctx := context.Background()
	h.venue.FailNext(fake.OpPlaceOrder, nil, errs.New(errs.KindPermanent, errs.WithMessage("stop rejected")))

	res := h.exec.OpenLong(ctx, "BTCUSDT", OpenOptions{})
	require.Equal(t, errs.KindProtectionIncomplete, errs.KindOf(res.Err))

	closed := h.exec.ClosePosition(ctx, "BTCUSDT", "")
	require.True(t, closed.Success, closed.Message)
	_, has, err := venue.PositionFor(ctx, h.venue, "BTCUSDT")
	require.NoError(t, err)
	require.False(t, has)
}

func TestEntryCooldownBlocksRepeatUpdates(t *testing.T) {
	h := buildHarness(t, nil, safety.DefaultLockCooldown)
	ctx := context.Background()

	res := h.exec.OpenLong(ctx, "BTCUSDT", OpenOptions{})
	require.True(t, res.Success, res.Message)

	again := h.exec.OpenLong(ctx, "BTCUSDT", OpenOptions{})
	require.False(t, again.Success)
	require.Equal(t, errs.KindGateRejected, errs.KindOf(again.Err))
	require.Contains(t, again.Message, "cooling down")

	moved := h.exec.MoveToBreakeven(ctx, "BTCUSDT")
	require.False(t, moved.Success)
	require.Contains(t, moved.Message, "cooling down")

	closed := h.exec.ClosePosition(ctx, "BTCUSDT", schema.SideLong)
	require.True(t, closed.Success, closed.Message)
}

func TestFailedEntryStartsNoCooldown(t *testing.T) {
	h := buildHarness(t, nil, safety.DefaultLockCooldown)
	ctx := context.Background()
	h.venue.SetCash(5)
	res := h.exec.OpenLong(ctx, "BTCUSDT", OpenOptions{})
	require.Equal(t, errs.KindLiquidity, errs.KindOf(res.Err))

	h.venue.SetCash(10000)
	res = h.exec.OpenLong(ctx, "BTCUSDT", OpenOptions{})
	require.True(t, res.Success, res.Message)
}

func TestOpenRejectsOppositePosition(t *testing.T) {
	h := newHarness(t, nil)
	h.seedLong(0.02, 50000, 50000)
	res := h.exec.OpenShort(context.Background(), "BTCUSDT", OpenOptions{})
	require.False(t, res.Success)
	require.Equal(t, errs.KindGateRejected, errs.KindOf(res.Err))
	require.Contains(t, res.Message, "flip")
	require.Empty(t, h.venue.Placed())
}

func TestProtectionIncompleteKeepsDetail(t *testing.T) {
	h := newHarness(t, nil)
	h.venue.FailNext(fake.OpPlaceOrder, nil, errs.New(errs.KindPermanent, errs.WithMessage("stop rejected")))
	res := h.exec.OpenLong(context.Background(), "BTCUSDT", OpenOptions{})
	require.False(t, res.Success)
	require.Equal(t, errs.KindProtectionIncomplete, errs.KindOf(res.Err))
	require.InDelta(t, 0.05, res.Detail.Quantity, 1e-9)
	require.Equal(t, "alpha", res.Detail.Venue)

	positions, err := h.venue.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
}

func TestSynchronizeProtectionNoopWhenStopMatches(t *testing.T) {
	h := newHarness(t, nil)
	h.seedLong(0.05, 50000, 50000)
	h.venue.SeedOrder(schema.Order{Symbol: "BTCUSDT", Side: schema.OrderSideSell, Type: schema.OrderTypeStopMarket, Quantity: 0.05, StopPrice: 49100, ReduceOnly: true})
	h.venue.SeedOrder(schema.Order{Symbol: "BTCUSDT", Side: schema.OrderSideSell, Type: schema.OrderTypeTakeProfitMarket, Quantity: 0.025, StopPrice: 52000, ReduceOnly: true})

	require.NoError(t, h.exec.SynchronizeProtection(context.Background(), "BTCUSDT"))
	require.Empty(t, h.venue.Placed())
	require.Zero(t, h.venue.Calls(fake.OpCancelOrders))
	orders, err := h.venue.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
}

func TestSynchronizeProtectionReplacesStaleStop(t *testing.T) {
	h := newHarness(t, nil)
	h.seedLong(0.05, 50000, 50000)
	h.venue.SeedOrder(schema.Order{Symbol: "BTCUSDT", Side: schema.OrderSideSell, Type: schema.OrderTypeStopMarket, Quantity: 0.05, StopPrice: 45000, ReduceOnly: true})

	require.NoError(t, h.exec.SynchronizeProtection(context.Background(), "BTCUSDT"))
	orders, err := h.venue.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	for _, o := range orders {
		if o.Type == schema.OrderTypeStopMarket {
			require.InDelta(t, 49000, o.StopPrice, 0.5)
		}
	}
}

func TestSynchronizeProtectionFailsWhenCancelUnconfirmed(t *testing.T) {
	h := newHarness(t, nil)
	h.seedLong(0.05, 50000, 50000)
	h.venue.SeedOrder(schema.Order{Symbol: "BTCUSDT", Side: schema.OrderSideSell, Type: schema.OrderTypeStopMarket, Quantity: 0.05, StopPrice: 45000, ReduceOnly: true})
	h.venue.IgnoreCancels(10)

	err := h.exec.SynchronizeProtection(context.Background(), "BTCUSDT")
	require.Error(t, err)
	require.Equal(t, errs.KindConsistency, errs.KindOf(err))
	require.Empty(t, h.venue.Placed())
	require.Equal(t, 1+DefaultConfig().VerifyPolls, h.venue.Calls(fake.OpCancelOrders))
}

func TestFlipAbortsWhenCloseNotConfirmed(t *testing.T) {
	h := newHarness(t, nil)
	h.seedLong(0.05, 50000, 50000)
	h.venue.Freeze("BTCUSDT", true)

	res := h.exec.Flip(context.Background(), "BTCUSDT", OpenOptions{})
	require.False(t, res.Success)
	require.Contains(t, res.Message, "flip aborted")
	require.Equal(t, errs.KindConsistency, errs.KindOf(res.Err))

	placed := h.venue.Placed()
	require.Len(t, placed, 1)
	require.True(t, placed[0].ReduceOnly)
	require.Equal(t, schema.OrderSideSell, placed[0].Side)
}

func TestFlipOpensOppositeSide(t *testing.T) {
	h := newHarness(t, nil)
	h.seedLong(0.05, 50000, 50000)

	res := h.exec.Flip(context.Background(), "BTCUSDT", OpenOptions{})
	require.True(t, res.Success, res.Message)
	require.Equal(t, "alpha", res.Detail.Venue)

	pos, open, err := venue.PositionFor(context.Background(), h.venue, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, open)
	require.Equal(t, schema.SideShort, pos.Side)
	placed := h.venue.Placed()
	last := placed[len(placed)-1]
	require.True(t, last.ReduceOnly)
	require.Equal(t, schema.OrderSideBuy, last.Side)
	require.NotEmpty(t, h.exec.Algos("BTCUSDT").Stop)
}

func TestClosePositionJournalsAndFeedsBreaker(t *testing.T) {
	breaker := safety.NewCircuitBreaker(safety.BreakerOptions{MaxConsecutiveLosses: 1})
	h := newHarness(t, breaker)
	h.seedLong(0.05, 50000, 49000)

	res := h.exec.ClosePosition(context.Background(), "BTCUSDT", schema.SideShort)
	require.False(t, res.Success)
	require.Equal(t, errs.KindValidation, errs.KindOf(res.Err))

	res = h.exec.ClosePosition(context.Background(), "BTCUSDT", "")
	require.True(t, res.Success, res.Message)

	trades, err := h.store.TradesSince(context.Background(), time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.InDelta(t, -50, trades[0].RealizedPnL, 1e-6)
	require.Equal(t, "manual close", trades[0].Reason)
	require.True(t, breaker.Tripped())
	require.Empty(t, h.exec.Algos("BTCUSDT"))
	_, planned := h.exec.Exits().Plan("BTCUSDT")
	require.False(t, planned)
}

func TestTrippedBreakerForcesPreviewForSignals(t *testing.T) {
	breaker := safety.NewCircuitBreaker(safety.BreakerOptions{MaxConsecutiveLosses: 1})
	tripped, err := breaker.RecordTrade(context.Background(), safety.ClosedTrade{Symbol: "ETHUSDT", Venue: "alpha", RealizedPnL: -1, ClosedAt: testTime})
	require.NoError(t, err)
	require.True(t, tripped)
	h := newHarness(t, breaker)

	intent := schema.NewIntent("BTCUSDT", schema.ActionOpenLong, "default", 0.9, 0, testTime)
	res := h.exec.ExecuteIntent(context.Background(), intent)
	require.True(t, res.Success, res.Message)
	require.Contains(t, res.Message, "preview only")
	require.NotNil(t, res.Decision)
	require.True(t, res.Decision.Preview)
	require.Empty(t, h.venue.Placed())

	manual := h.exec.OpenLong(context.Background(), "BTCUSDT", OpenOptions{})
	require.True(t, manual.Success, manual.Message)
	require.NotEmpty(t, h.venue.Placed())
}

func TestProcessExitsTakesPartialProfit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.True(t, h.exec.OpenLong(ctx, "BTCUSDT", OpenOptions{}).Success)

	h.venue.SetPrice("BTCUSDT", 51000)
	results := h.exec.ProcessExits(ctx)
	require.Len(t, results, 1)
	require.True(t, results[0].Success, results[0].Message)
	require.InDelta(t, 0.025, results[0].Detail.Quantity, 1e-9)

	pos, open, err := venue.PositionFor(ctx, h.venue, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, open)
	require.InDelta(t, 0.025, pos.Quantity, 1e-9)

	plan, ok := h.exec.Exits().Plan("BTCUSDT")
	require.True(t, ok)
	require.True(t, plan.TrailingArmed)
	require.InDelta(t, 0.025, plan.Remaining, 1e-9)

	trades, err := h.store.TradesSince(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.InDelta(t, 25, trades[0].RealizedPnL, 1e-6)

	require.Empty(t, h.exec.ProcessExits(ctx))
}

func TestProcessExitsJournalsExternalClose(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.True(t, h.exec.OpenLong(ctx, "BTCUSDT", OpenOptions{}).Success)

	h.venue.SetPrice("BTCUSDT", 48000)
	_, open, err := venue.PositionFor(ctx, h.venue, "BTCUSDT")
	require.NoError(t, err)
	require.False(t, open)

	results := h.exec.ProcessExits(ctx)
	require.Len(t, results, 1)
	require.Contains(t, results[0].Message, "closed on alpha")
	trades, err := h.store.TradesSince(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, "closed on venue", trades[0].Reason)
	require.Empty(t, h.exec.ProcessExits(ctx))
}

func TestMoveToBreakevenRaisesStop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.True(t, h.exec.OpenLong(ctx, "BTCUSDT", OpenOptions{}).Success)

	res := h.exec.MoveToBreakeven(ctx, "BTCUSDT")
	require.False(t, res.Success)
	require.Equal(t, errs.KindValidation, errs.KindOf(res.Err))

	h.venue.SetPrice("BTCUSDT", 51000)
	res = h.exec.MoveToBreakeven(ctx, "BTCUSDT")
	require.True(t, res.Success, res.Message)
	require.InDelta(t, 50300, res.Detail.StopLoss, 0.5)

	orders, err := h.venue.OpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	var stops int
	for _, o := range orders {
		if o.Type == schema.OrderTypeStopMarket {
			stops++
			require.InDelta(t, 50300, o.StopPrice, 0.5)
		}
	}
	require.Equal(t, 1, stops)

	require.Empty(t, h.exec.BreakevenScan(ctx))
}

func TestCloseAllFlattensEverything(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seedLong(0.05, 50000, 50000)
	h.venue.SetPrice("ETHUSDT", 3000)
	h.venue.SetPosition(schema.Position{Symbol: "ETHUSDT", Side: schema.SideShort, Quantity: 1, EntryPrice: 3000, Leverage: 3})

	results := h.exec.CloseAll(ctx)
	require.Len(t, results, 2)
	require.Equal(t, "BTCUSDT", results[0].Symbol)
	require.Equal(t, "ETHUSDT", results[1].Symbol)
	for _, res := range results {
		require.True(t, res.Success, res.Message)
	}
	positions, err := h.venue.Positions(ctx)
	require.NoError(t, err)
	require.Empty(t, positions)
	require.True(t, Merge(results).Success)
}

type fixedMarket struct {
	md schema.MarketData
}

func (f fixedMarket) Market(_ context.Context, symbol string, price float64) (schema.MarketData, error) {
	md := f.md
	md.Symbol = symbol
	md.Price = price
	return md, nil
}

func TestSignalCooldownShrinksWithVolatility(t *testing.T) {
	cases := []struct {
		name     string
		atrRatio float64
		want     time.Duration
	}{
		{name: "volatile", atrRatio: 3, want: 7*time.Minute + 30*time.Second},
		{name: "calm", atrRatio: 0.5, want: 22*time.Minute + 30*time.Second},
		{name: "unknown", atrRatio: 0, want: 15 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			cooldowns := safety.NewCooldowns(safety.DefaultCooldownConfig())
			exec, err := NewExecutor(Options{
				Config:    h.exec.cfg,
				Venues:    h.exec.venues,
				Risk:      risk.NewEngine(risk.Options{Config: risk.DefaultConfig()}),
				Locks:     safety.NewOperationLocks(time.Second, 0, func() time.Time { return testTime }),
				Cooldowns: cooldowns,
				Store:     h.store,
				Market:    fixedMarket{md: schema.MarketData{ATR: 250, ATRRatio: tc.atrRatio}},
				Clock:     func() time.Time { return testTime },
			})
			require.NoError(t, err)

			intent := schema.NewIntent("BTCUSDT", schema.ActionOpenLong, "default", 0.9, 0, testTime)
			res := exec.ExecuteIntent(context.Background(), intent)
			require.True(t, res.Success, res.Message)
			require.NotNil(t, res.Decision)

			key := safety.CooldownKey{Symbol: "BTCUSDT", Venue: "alpha", Strategy: "default", Regime: res.Decision.Regime}
			on, remaining := cooldowns.IsOnCooldown(key, testTime)
			require.True(t, on)
			require.Equal(t, tc.want, remaining)
		})
	}
}
