package numeric

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bastion/internal/domain/schema"
)

func TestRoundToTick(t *testing.T) {
	cases := []struct {
		name  string
		price float64
		tick  float64
		want  float64
	}{
		{"nearest up", 50000.07, 0.1, 50000.1},
		{"nearest down", 50000.04, 0.1, 50000.0},
		{"cents", 1.23456, 0.01, 1.23},
		{"missing tick uses magnitude", 50123.456, 0, 50123},
		{"tick too large falls back", 0.0731234, 0.1, 0.073123},
		{"tiny price never zero", 0.00000004, 0.01, 0.00000004},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RoundToTick(tc.price, tc.tick)
			require.InDelta(t, tc.want, got, 1e-12)
			require.Greater(t, got, 0.0)
		})
	}
}

func TestRoundToTickIdempotent(t *testing.T) {
	prices := []float64{0.000123456, 0.0731, 1.005, 9.99996, 99.995, 123.456789, 50000.05, 68421.123}
	ticks := []float64{0, 0.0001, 0.01, 0.1, 0.5, 1}
	for _, p := range prices {
		for _, tick := range ticks {
			once := RoundToTick(p, tick)
			twice := RoundToTick(once, tick)
			require.Equal(t, once, twice, "price=%v tick=%v", p, tick)
		}
	}
}

func TestEffectiveTick(t *testing.T) {
	require.Equal(t, 0.1, EffectiveTick(50000, 0.1))
	require.InDelta(t, 1.0, EffectiveTick(50000, 0), 1e-12)
	require.InDelta(t, 0.000001, EffectiveTick(0.07, 0.5), 1e-15)
}

func TestEnsureSeparationSides(t *testing.T) {
	entry := 100.0
	tick := 0.01
	cases := []struct {
		name   string
		side   schema.Side
		isStop bool
		price  float64
		below  bool
	}{
		{"long stop too close", schema.SideLong, true, 99.999, true},
		{"long stop wrong side", schema.SideLong, true, 101, true},
		{"long tp too close", schema.SideLong, false, 100.001, false},
		{"long tp wrong side", schema.SideLong, false, 95, false},
		{"short stop wrong side", schema.SideShort, true, 90, false},
		{"short tp wrong side", schema.SideShort, false, 120, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EnsureSeparation(tc.price, entry, tick, tc.side, tc.isStop)
			dist := MinSeparation(entry, tick)
			if tc.below {
				require.Less(t, got, entry)
				require.LessOrEqual(t, got, entry-dist+1e-9)
			} else {
				require.Greater(t, got, entry)
				require.GreaterOrEqual(t, got, entry+dist-1e-9)
			}
		})
	}
}

func TestEnsureSeparationKeepsValidPrice(t *testing.T) {
	require.Equal(t, 49000.0, EnsureSeparation(49000, 50000, 0.1, schema.SideLong, true))
	require.Equal(t, 52000.0, EnsureSeparation(52000, 50000, 0.1, schema.SideLong, false))
}

func TestEnsureSeparationNeverWrongSideSweep(t *testing.T) {
	for _, entry := range []float64{0.0005, 0.07, 3.3, 187.5, 50000} {
		for _, tick := range []float64{0, 0.00001, 0.01, 1} {
			for _, side := range []schema.Side{schema.SideLong, schema.SideShort} {
				for _, isStop := range []bool{true, false} {
					for _, mult := range []float64{0.5, 0.999, 1, 1.001, 1.5} {
						got := EnsureSeparation(entry*mult, entry, tick, side, isStop)
						if (side == schema.SideLong) == isStop {
							require.Less(t, got, entry)
						} else {
							require.Greater(t, got, entry)
						}
						require.False(t, math.IsNaN(got))
					}
				}
			}
		}
	}
}

func TestFloorToStep(t *testing.T) {
	require.InDelta(t, 0.123, FloorToStep(0.12399, 0.001), 1e-12)
	require.Equal(t, 5.0, FloorToStep(5, 0))
}

func TestScaleFromStep(t *testing.T) {
	require.Equal(t, 2, ScaleFromStep("0.01"))
	require.Equal(t, 0, ScaleFromStep("1"))
	require.Equal(t, 3, ScaleFromStep("0.00100"))
	require.Equal(t, 4, PrecisionFromTick(0.0001))
}
