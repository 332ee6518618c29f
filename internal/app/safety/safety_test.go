package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/schema"
)

var base = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type recordingModes struct {
	mode   schema.Mode
	reason string
	calls  int
}

func (r *recordingModes) SetMode(_ context.Context, mode schema.Mode, reason string) error {
	r.mode = mode
	r.reason = reason
	r.calls++
	return nil
}

type recordingNotifier struct {
	subjects []string
	err      error
}

func (r *recordingNotifier) Notify(_ context.Context, subject, _ string) error {
	r.subjects = append(r.subjects, subject)
	return r.err
}

func loss(i int) ClosedTrade {
	return ClosedTrade{Symbol: "BTCUSDT", Venue: "paper", RealizedPnL: -10, ClosedAt: base.Add(time.Duration(i) * time.Minute)}
}

func TestBreakerTripsAtExactlyFiveLosses(t *testing.T) {
	ctx := context.Background()
	modes := &recordingModes{}
	notifier := &recordingNotifier{err: errors.New("webhook down")}
	b := NewCircuitBreaker(BreakerOptions{
		Modes:    modes,
		Notifier: notifier,
	})

	for i := 1; i <= 4; i++ {
		tripped, err := b.RecordTrade(ctx, loss(i))
		require.NoError(t, err)
		require.False(t, tripped)
	}
	require.Zero(t, modes.calls)

	tripped, err := b.RecordTrade(ctx, loss(5))
	require.NoError(t, err)
	require.True(t, tripped)
	require.Equal(t, schema.ModeAdvisory, modes.mode)
	require.Contains(t, modes.reason, "5 consecutive")
	require.Equal(t, []string{"Circuit breaker tripped"}, notifier.subjects)
	require.Equal(t, 5, b.State().ConsecutiveLosses)
	require.Equal(t, loss(5).ClosedAt, b.State().TrippedAt)

	tripped, err = b.RecordTrade(ctx, loss(6))
	require.NoError(t, err)
	require.False(t, tripped)
	require.Equal(t, 1, modes.calls)
}

func TestBreakerStartsWithEmptyWindow(t *testing.T) {
	b := NewCircuitBreaker(BreakerOptions{MaxConsecutiveLosses: 2})
	require.Equal(t, BreakerState{}, b.State())
	require.False(t, b.Tripped())
}

func TestBreakerWinResetsStreak(t *testing.T) {
	ctx := context.Background()
	b := NewCircuitBreaker(BreakerOptions{})
	for i := 1; i <= 4; i++ {
		_, _ = b.RecordTrade(ctx, loss(i))
	}
	win := loss(5)
	win.RealizedPnL = 3
	_, _ = b.RecordTrade(ctx, win)
	tripped, _ := b.RecordTrade(ctx, loss(6))
	require.False(t, tripped)
	require.Equal(t, 1, b.State().ConsecutiveLosses)
}

func TestBreakerResetIgnoresEarlierTrades(t *testing.T) {
	ctx := context.Background()
	b := NewCircuitBreaker(BreakerOptions{})
	for i := 1; i <= 5; i++ {
		_, _ = b.RecordTrade(ctx, loss(i))
	}
	require.True(t, b.Tripped())

	state := b.Reset(base.Add(10 * time.Minute))
	require.False(t, state.Tripped)

	for i := 1; i <= 10; i++ {
		tripped, _ := b.RecordTrade(ctx, loss(i))
		require.False(t, tripped)
	}
	require.Zero(t, b.State().ConsecutiveLosses)

	again := b.Reset(base)
	require.True(t, again.IgnoreBefore.After(state.IgnoreBefore))
}

func TestCooldownDuration(t *testing.T) {
	c := NewCooldowns(DefaultCooldownConfig())
	require.Equal(t, 15*time.Minute, c.Duration(CooldownInputs{}))
	require.Equal(t, 30*time.Minute, c.Duration(CooldownInputs{SignalsPerHour: 3}))
	require.Equal(t, 60*time.Minute, c.Duration(CooldownInputs{SignalsPerHour: 20}))
	require.Equal(t, 90*time.Minute, c.Duration(CooldownInputs{SignalsPerHour: 20, AvgVolatility: 3, RecentVolatility: 1}))
	require.Equal(t, 7*time.Minute+30*time.Second, c.Duration(CooldownInputs{AvgVolatility: 1, RecentVolatility: 5}))

	tight := NewCooldowns(CooldownConfig{Base: 10 * time.Second})
	require.Equal(t, time.Minute, tight.Duration(CooldownInputs{}))
	wide := NewCooldowns(CooldownConfig{Base: 2 * time.Hour})
	require.Equal(t, 4*time.Hour, wide.Duration(CooldownInputs{SignalsPerHour: 10}))
}

func TestCooldownOnOffAndFallback(t *testing.T) {
	c := NewCooldowns(DefaultCooldownConfig())
	key := CooldownKey{Symbol: "btcusdt", Venue: "Paper", Strategy: "scalp", Regime: schema.RegimeTrending}

	on, _ := c.IsOnCooldown(key, base)
	require.False(t, on)

	expiry := c.SetCooldown(CooldownKey{Symbol: "BTCUSDT", Venue: "paper"}, base, CooldownInputs{})
	require.Equal(t, base.Add(15*time.Minute), expiry)

	on, remaining := c.IsOnCooldown(key, base.Add(5*time.Minute))
	require.True(t, on)
	require.Equal(t, 10*time.Minute, remaining)

	other := CooldownKey{Symbol: "BTCUSDT", Venue: "other"}
	on, _ = c.IsOnCooldown(other, base.Add(5*time.Minute))
	require.False(t, on)

	on, _ = c.IsOnCooldown(key, base.Add(15*time.Minute))
	require.False(t, on)
}

func TestCooldownUsesRecordedSignals(t *testing.T) {
	c := NewCooldowns(DefaultCooldownConfig())
	for i := 0; i < 3; i++ {
		c.RecordSignal("ETHUSDT", base.Add(time.Duration(i)*time.Minute))
	}
	c.RecordSignal("ETHUSDT", base.Add(-2*time.Hour))
	expiry := c.SetCooldown(CooldownKey{Symbol: "ETHUSDT"}, base.Add(10*time.Minute), CooldownInputs{})
	require.Equal(t, base.Add(10*time.Minute+30*time.Minute), expiry)

	c.Clear("ethusdt")
	on, _ := c.IsOnCooldown(CooldownKey{Symbol: "ETHUSDT"}, base.Add(11*time.Minute))
	require.False(t, on)
}

func TestOperationLocks(t *testing.T) {
	now := base
	locks := NewOperationLocks(10*time.Second, 30*time.Second, func() time.Time { return now })

	release, err := locks.Acquire("BTCUSDT")
	require.NoError(t, err)

	_, err = locks.Acquire("btcusdt")
	require.True(t, errs.Is(err, errs.KindGateRejected))

	other, err := locks.Acquire("ETHUSDT")
	require.NoError(t, err)
	other(true)

	release(true)
	release(true)
	now = now.Add(20 * time.Second)
	_, err = locks.Acquire("BTCUSDT")
	require.Error(t, err)
	require.True(t, locks.Busy("BTCUSDT"))

	now = now.Add(11 * time.Second)
	require.False(t, locks.Busy("BTCUSDT"))
	release, err = locks.Acquire("BTCUSDT")
	require.NoError(t, err)

	now = now.Add(11 * time.Second)
	stale, err := locks.Acquire("BTCUSDT")
	require.NoError(t, err)
	release(true)
	require.True(t, locks.Busy("BTCUSDT"))
	stale(false)
	require.False(t, locks.Busy("BTCUSDT"))
}

func TestOperationLocksUnchangedOperationSkipsCooldown(t *testing.T) {
	locks := NewOperationLocks(10*time.Second, 30*time.Second, func() time.Time { return base })

	release, err := locks.Acquire("BTCUSDT")
	require.NoError(t, err)
	release(false)

	again, err := locks.Acquire("BTCUSDT")
	require.NoError(t, err)
	again(true)
	_, err = locks.Acquire("BTCUSDT")
	require.Error(t, err)
}

func TestOperationLocksExitBypassesCooldown(t *testing.T) {
	locks := NewOperationLocks(10*time.Second, 30*time.Second, func() time.Time { return base })

	release, err := locks.Acquire("BTCUSDT")
	require.NoError(t, err)
	exitDuringOpen, err := locks.AcquireExit("BTCUSDT")
	require.Error(t, err)
	require.Nil(t, exitDuringOpen)
	release(true)

	_, err = locks.Acquire("BTCUSDT")
	require.Error(t, err)

	exit, err := locks.AcquireExit("BTCUSDT")
	require.NoError(t, err)
	exit(true)

	exitAgain, err := locks.AcquireExit("BTCUSDT")
	require.NoError(t, err)
	exitAgain(true)
	require.True(t, locks.Busy("BTCUSDT"))
}
