package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bastion/errs"
)

func fastPolicy() Policy {
	p := DefaultPolicy()
	p.BaseDelay = time.Millisecond
	return p
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errs.New(errs.KindTransient, errs.WithMessage("timeout"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)
	require.Equal(t, 3, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, errs.New(errs.KindTransient)
	})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindTransient))
	require.Equal(t, DefaultAttempts, calls)
}

func TestDoPermanentPropagatesImmediately(t *testing.T) {
	calls := 0
	perm := errs.New(errs.KindPermanent, errs.WithMessage("bad quantity"))
	_, err := Do(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, perm
	})
	require.ErrorIs(t, err, perm)
	require.Equal(t, 1, calls)
	var e *errs.E
	require.True(t, errors.As(err, &e))
	require.Equal(t, "bad quantity", e.Message)
}

func TestLinearBackOff(t *testing.T) {
	b := &LinearBackOff{Base: 10 * time.Millisecond}
	require.Equal(t, 10*time.Millisecond, b.NextBackOff())
	require.Equal(t, 20*time.Millisecond, b.NextBackOff())
	require.Equal(t, 30*time.Millisecond, b.NextBackOff())
	b.Reset()
	require.Equal(t, 10*time.Millisecond, b.NextBackOff())
}

func TestOnRetryObservesEachWait(t *testing.T) {
	var waits []time.Duration
	p := fastPolicy()
	p.OnRetry = func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) }
	_ = Run(context.Background(), p, func(context.Context) error { return errs.New(errs.KindTransient) })
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestPoll(t *testing.T) {
	n := 0
	ok, err := Poll(context.Background(), 3, time.Millisecond, func(context.Context) (bool, error) {
		n++
		return n == 2, nil
	})
	require.NoError(t, err)
	require.True(t, ok)

	n = 0
	ok, err = Poll(context.Background(), 3, time.Millisecond, func(context.Context) (bool, error) {
		n++
		return false, nil
	})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 3, n)

	boom := errors.New("boom")
	_, err = Poll(context.Background(), 3, time.Millisecond, func(context.Context) (bool, error) { return false, boom })
	require.ErrorIs(t, err, boom)
}
