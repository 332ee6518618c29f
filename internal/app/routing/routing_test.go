package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/schema"
	"github.com/coachpo/bastion/internal/domain/venue"
	"github.com/coachpo/bastion/internal/infra/adapters/fake"
)

type names []string

func (n names) Names() []string { return n }

func TestClassOf(t *testing.T) {
	require.Equal(t, AssetCryptoPerp, ClassOf("btcusdt"))
	require.Equal(t, AssetCryptoPerp, ClassOf("ETHUSDC"))
	require.Equal(t, AssetCryptoPerp, ClassOf("BTCUSD"))
	require.Equal(t, AssetFX, ClassOf("EURUSD"))
	require.Equal(t, AssetFX, ClassOf("usdjpy"))
	require.Equal(t, AssetEquity, ClassOf("AAPL"))
	require.Equal(t, AssetEquity, ClassOf("USD"))
}

func TestRouteFirstEnabledVenueWins(t *testing.T) {
	r := NewRouter(Config{Classes: map[AssetClass][]string{
		AssetCryptoPerp: {"Binance", "bybit", "paper"},
		AssetFX:         {"oanda"},
	}}, names{"bybit", "paper"}, nil)

	got, err := r.Route("BTCUSDT", schema.RoutePrefs{})
	require.NoError(t, err)
	require.Equal(t, "bybit", got)

	got, err = r.Route("BTCUSDT", schema.RoutePrefs{EnabledVenues: []string{"paper"}})
	require.NoError(t, err)
	require.Equal(t, "paper", got)

	_, err = r.Route("EURUSD", schema.RoutePrefs{})
	require.True(t, errs.Is(err, errs.KindGateRejected))
}

func TestRouteForceVenue(t *testing.T) {
	r := NewRouter(Config{Classes: map[AssetClass][]string{
		AssetCryptoPerp: {"bybit", "paper"},
	}}, names{"bybit", "paper"}, nil)

	got, err := r.Route("ETHUSDT", schema.RoutePrefs{ForceVenue: " PAPER "})
	require.NoError(t, err)
	require.Equal(t, "paper", got)

	_, err = r.Route("ETHUSDT", schema.RoutePrefs{ForceVenue: "oanda"})
	require.Error(t, err)
	var e *errs.E
	require.True(t, errors.As(err, &e))
	require.Equal(t, GateRouting, e.Gate)
}

func TestRouteUnmappedClassUsesRegistry(t *testing.T) {
	r := NewRouter(DefaultConfig(), names{"alpha", "beta"}, nil)
	got, err := r.Route("AAPL", schema.RoutePrefs{})
	require.NoError(t, err)
	require.Equal(t, "alpha", got)
}

func newRegistry(t *testing.T) (*venue.Registry, *fake.Venue, *fake.Venue) {
	t.Helper()
	alpha := fake.New(fake.Options{Name: "alpha", Cash: 1000})
	beta := fake.New(fake.Options{Name: "beta", Cash: 500})
	reg := venue.NewRegistry()
	require.NoError(t, reg.Register(alpha))
	require.NoError(t, reg.Register(beta))
	return reg, alpha, beta
}

func TestAggregatorRefreshAndEvict(t *testing.T) {
	reg, alpha, _ := newRegistry(t)
	alpha.SetPosition(schema.Position{Symbol: "BTCUSDT", Side: schema.SideLong, Quantity: 0.01, EntryPrice: 50000, MarkPrice: 50000, Leverage: 5})

	agg := NewAggregator(reg, 2, nil)
	require.NoError(t, agg.Refresh(context.Background()))
	require.InDelta(t, 1500, agg.Equity(), 1e-9)
	require.InDelta(t, 900, agg.Available("alpha"), 1e-9)
	require.InDelta(t, 500, agg.Available("beta"), 1e-9)

	pos, ok := agg.Position("btcusdt")
	require.True(t, ok)
	require.Equal(t, "alpha", pos.Venue)

	alpha.SetPosition(schema.Position{Symbol: "BTCUSDT", Side: schema.SideLong, Quantity: 0, EntryPrice: 50000})
	require.NoError(t, agg.Refresh(context.Background()))
	require.Empty(t, agg.Positions())
}

func TestAggregatorKeepsStaleEntryOnFailure(t *testing.T) {
	reg, _, beta := newRegistry(t)
	agg := NewAggregator(reg, 0, nil)
	require.NoError(t, agg.Refresh(context.Background()))

	beta.SetCash(800)
	beta.FailNext(fake.OpBalance, errs.New(errs.KindTransient, errs.WithMessage("timeout")))
	err := agg.Refresh(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "venue beta")

	snap := agg.Snapshot()
	require.InDelta(t, 500, snap.Balances["beta"].Total, 1e-9)
	require.Contains(t, snap.Errors, "beta")
	require.InDelta(t, 1500, snap.Equity, 1e-9)
	require.False(t, snap.RefreshedAt.IsZero())
}
