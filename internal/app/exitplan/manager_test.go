package exitplan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/schema"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestCreateUsesATRTiers(t *testing.T) {
	m := NewManager(DefaultConfig())
	plan, err := m.Create("btcusdt", schema.SideLong, 50000, 1, 500, nil, t0)
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", plan.Symbol)
	require.Len(t, plan.Rules, 4)
	require.Equal(t, 51000.0, plan.Rules[0].TriggerPrice)
	require.Equal(t, 52000.0, plan.Rules[1].TriggerPrice)
	require.Equal(t, 500.0, plan.TrailingDistance)
	require.Equal(t, t0.Add(24*time.Hour), plan.Rules[3].Deadline)

	mult := schema.NeutralMultipliers()
	mult.Hold = 0.5
	plan, err = m.Create("ETHUSDT", schema.SideShort, 3000, 2, 0, &mult, t0)
	require.NoError(t, err)
	require.InDelta(t, 2940, plan.Rules[0].TriggerPrice, 1e-9)
	require.InDelta(t, 30, plan.TrailingDistance, 1e-9)
	require.Equal(t, t0.Add(12*time.Hour), plan.Rules[3].Deadline)
}

func TestCreateValidates(t *testing.T) {
	m := NewManager(DefaultConfig())
	_, err := m.Create("BTCUSDT", schema.SideLong, 0, 1, 0, nil, t0)
	require.True(t, errs.Is(err, errs.KindValidation))
	_, err = m.Create("BTCUSDT", schema.SideLong, 100, 0, 0, nil, t0)
	require.Error(t, err)
}

func TestPartialTiersFireOnceAndArmTrailing(t *testing.T) {
	m := NewManager(DefaultConfig())
	_, err := m.Create("BTCUSDT", schema.SideLong, 50000, 1, 500, nil, t0)
	require.NoError(t, err)

	require.Empty(t, m.CheckExitConditions("BTCUSDT", 50500, t0.Add(time.Minute)))

	actions := m.CheckExitConditions("BTCUSDT", 51100, t0.Add(time.Minute))
	require.Len(t, actions, 1)
	require.Equal(t, "tp1", actions[0].RuleID)
	require.InDelta(t, 0.5, actions[0].Quantity, 1e-12)
	require.Empty(t, m.CheckExitConditions("BTCUSDT", 51100, t0.Add(2*time.Minute)))

	remaining, err := m.ExecutePartialExit("BTCUSDT", "tp1", 0.5)
	require.NoError(t, err)
	require.InDelta(t, 0.5, remaining, 1e-12)

	plan, ok := m.Plan("BTCUSDT")
	require.True(t, ok)
	require.True(t, plan.TrailingArmed)
	require.Equal(t, 50000.0, plan.TrailingLevel)

	level, moved := m.UpdateTrailingStop("BTCUSDT", 51800)
	require.True(t, moved)
	require.Equal(t, 51300.0, level)
	level, moved = m.UpdateTrailingStop("BTCUSDT", 51500)
	require.False(t, moved)
	require.Equal(t, 51300.0, level)

	actions = m.CheckExitConditions("BTCUSDT", 51250, t0.Add(3*time.Minute))
	require.Len(t, actions, 1)
	require.Equal(t, schema.ExitRuleTrailing, actions[0].Type)
	require.InDelta(t, 0.5, actions[0].Quantity, 1e-12)

	remaining, err = m.ExecutePartialExit("BTCUSDT", actions[0].RuleID, actions[0].Quantity)
	require.NoError(t, err)
	require.Zero(t, remaining)
	_, ok = m.Plan("BTCUSDT")
	require.False(t, ok)
}

func TestTimeStopTakesPriority(t *testing.T) {
	m := NewManager(DefaultConfig())
	_, err := m.Create("ETHUSDT", schema.SideShort, 3000, 4, 30, nil, t0)
	require.NoError(t, err)
	actions := m.CheckExitConditions("ETHUSDT", 2800, t0.Add(25*time.Hour))
	require.Len(t, actions, 1)
	require.Equal(t, schema.ExitRuleTimeStop, actions[0].Type)
	require.Equal(t, 4.0, actions[0].Quantity)
}

func TestTrailingStopNotArmedBeforePartial(t *testing.T) {
	m := NewManager(DefaultConfig())
	_, err := m.Create("SOLUSDT", schema.SideLong, 100, 10, 2, nil, t0)
	require.NoError(t, err)
	_, moved := m.UpdateTrailingStop("SOLUSDT", 103)
	require.False(t, moved)
	require.Empty(t, m.CheckExitConditions("SOLUSDT", 90, t0.Add(time.Hour)))
}

func TestRemainingIsMonotonic(t *testing.T) {
	m := NewManager(DefaultConfig())
	_, err := m.Create("BTCUSDT", schema.SideLong, 100, 10, 1, nil, t0)
	require.NoError(t, err)
	prev := 10.0
	for _, qty := range []float64{1, 0, 2.5, 0.5, 3} {
		remaining, err := m.ExecutePartialExit("BTCUSDT", "none", qty)
		require.NoError(t, err)
		require.LessOrEqual(t, remaining, prev)
		prev = remaining
	}
	_, err = m.ExecutePartialExit("BTCUSDT", "none", -1)
	require.Error(t, err)
	remaining, err := m.ExecutePartialExit("BTCUSDT", "none", 100)
	require.NoError(t, err)
	require.Zero(t, remaining)
}

func TestReleaseAllowsRetry(t *testing.T) {
	m := NewManager(DefaultConfig())
	_, err := m.Create("BTCUSDT", schema.SideLong, 100, 1, 1, nil, t0)
	require.NoError(t, err)
	require.Len(t, m.CheckExitConditions("BTCUSDT", 102.5, t0), 1)
	require.Empty(t, m.CheckExitConditions("BTCUSDT", 102.5, t0))
	m.Release("BTCUSDT", "tp1")
	require.Len(t, m.CheckExitConditions("BTCUSDT", 102.5, t0), 1)
}

func TestComputeBreakeven(t *testing.T) {
	require.InDelta(t, 100*(1+2*0.001+0.0005), ComputeBreakeven(100, 0.001, 0.0005, schema.SideLong), 1e-12)
	require.InDelta(t, 100*(1-2*0.001-0.0005), ComputeBreakeven(100, 0.001, 0.0005, schema.SideShort), 1e-12)
}

func TestBreakevenStop(t *testing.T) {
	m := NewManager(DefaultConfig())
	_, ok := m.BreakevenStop(schema.SideLong, 100, 100.3)
	require.False(t, ok)

	stop, ok := m.BreakevenStop(schema.SideLong, 100, 110)
	require.True(t, ok)
	require.InDelta(t, 103, stop, 1e-9)

	stop, ok = m.BreakevenStop(schema.SideShort, 100, 90)
	require.True(t, ok)
	require.InDelta(t, 97, stop, 1e-9)

	stop, ok = m.BreakevenStop(schema.SideLong, 100, 101)
	require.True(t, ok)
	require.InDelta(t, 100.3, stop, 1e-9)

	_, ok = m.BreakevenStop(schema.SideLong, 100, 100.5)
	require.False(t, ok)
}
