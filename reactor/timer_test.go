// File: reactor/timer_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/asyncio/api"
	"github.com/momentics/asyncio/reactor"
)

// fakeClock is a hand-advanced millisecond counter for driving the poll-set
// backend's software timers deterministically.
type fakeClock struct {
	now uint32
}

func (c *fakeClock) Now() uint32 { return c.now }

func TestTimerFiresOnceAfterDelay(t *testing.T) {
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk)

		fired := 0
		tm, err := r.NewTimer(func(ev reactor.Event) {
			require.Equal(t, api.EventTimerFired, ev.Type)
			require.Equal(t, -1, ev.Ident)
			fired++
		}, nil)
		require.NoError(t, err)
		require.NoError(t, tm.EnableTimer(20*time.Millisecond))

		start := time.Now()
		n, err := r.Step(time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, 1, fired)
		require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

		// One-shot: no second delivery without re-enabling.
		n, err = r.Step(50 * time.Millisecond)
		require.NoError(t, err)
		require.Zero(t, n)
		require.Equal(t, 1, fired)

		require.NoError(t, tm.Release(false))
	})
}

func TestTimerZeroDelayFiresImmediately(t *testing.T) {
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk)

		fired := 0
		tm, err := r.NewTimer(func(reactor.Event) { fired++ }, nil)
		require.NoError(t, err)
		require.NoError(t, tm.EnableTimer(0))

		n, err := r.Step(time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, 1, fired)
		require.NoError(t, tm.Release(false))
	})
}

func TestTimerReenableReplacesDeadline(t *testing.T) {
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk)

		fired := 0
		tm, err := r.NewTimer(func(reactor.Event) { fired++ }, nil)
		require.NoError(t, err)
		require.NoError(t, tm.EnableTimer(10*time.Second))
		require.NoError(t, tm.EnableTimer(10*time.Millisecond))

		start := time.Now()
		n, err := r.Step(time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, 1, fired)
		require.Less(t, time.Since(start), 5*time.Second)
		require.NoError(t, tm.Release(false))
	})
}

func TestDisableTimerPreventsFiring(t *testing.T) {
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk)

		tm, err := r.NewTimer(func(reactor.Event) {
			t.Error("disabled timer fired")
		}, nil)
		require.NoError(t, err)
		require.NoError(t, tm.EnableTimer(20*time.Millisecond))
		require.NoError(t, tm.DisableTimer())

		n, err := r.Step(60 * time.Millisecond)
		require.NoError(t, err)
		require.Zero(t, n)

		// Disabling an unarmed or already-fired timer is success.
		require.NoError(t, tm.DisableTimer())
		require.NoError(t, tm.Release(false))
	})
}

func TestTimerCallbackCanReenable(t *testing.T) {
	r := newReactor(t, reactor.KernelQueue)

	fired := 0
	var tm *reactor.Source
	tm, err := r.NewTimer(func(reactor.Event) {
		fired++
		if fired < 3 {
			require.NoError(t, tm.EnableTimer(5*time.Millisecond))
		}
	}, nil)
	require.NoError(t, err)
	require.NoError(t, tm.EnableTimer(5*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for fired < 3 && time.Now().Before(deadline) {
		_, err := r.Step(200 * time.Millisecond)
		require.NoError(t, err)
	}
	require.Equal(t, 3, fired)
	require.NoError(t, tm.Release(false))
}

func TestPollSetTimerWaitsForClock(t *testing.T) {
	fc := &fakeClock{}
	r := newReactor(t, reactor.PollSet, reactor.WithClock(fc))

	fired := 0
	tm, err := r.NewTimer(func(reactor.Event) { fired++ }, nil)
	require.NoError(t, err)
	require.NoError(t, tm.EnableTimer(10*time.Millisecond))

	// The wait sleeps the full delay, but the hand-driven clock has not
	// moved, so the deadline has not arrived yet.
	n, err := r.Step(-1)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, fired)

	fc.now = 10
	n, err = r.Step(-1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, fired)
	require.NoError(t, tm.Release(false))
}

func TestPollSetTimersResolveOnePerWait(t *testing.T) {
	fc := &fakeClock{}
	r := newReactor(t, reactor.PollSet, reactor.WithClock(fc))

	var order []string
	t1, err := r.NewTimer(func(reactor.Event) { order = append(order, "short") }, nil)
	require.NoError(t, err)
	t2, err := r.NewTimer(func(reactor.Event) { order = append(order, "long") }, nil)
	require.NoError(t, err)

	require.NoError(t, t1.EnableTimer(10*time.Millisecond))
	require.NoError(t, t2.EnableTimer(50*time.Millisecond))

	// Both deadlines are overdue, yet each wait resolves exactly one
	// timer, nearest deadline first.
	fc.now = 60
	n, err := r.Step(-1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"short"}, order)

	n, err = r.Step(-1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"short", "long"}, order)

	require.NoError(t, t1.Release(false))
	require.NoError(t, t2.Release(false))
}

func TestPollSetBlockingWaitWithNothingToWatch(t *testing.T) {
	r := newReactor(t, reactor.PollSet)
	_, err := r.Wait(-1)
	require.ErrorIs(t, err, api.ErrNoSources)
}

func TestTimerOpsRejectWrongKind(t *testing.T) {
	r := newReactor(t, reactor.KernelQueue)
	a, _ := sockPair(t)

	s, err := r.NewConnection(a, func(reactor.Event) {}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, s.EnableTimer(time.Millisecond), api.ErrNotSupported)
	require.ErrorIs(t, s.DisableTimer(), api.ErrNotSupported)
	require.NoError(t, s.Release(false))
}
