// File: reactor/reactor_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/asyncio/api"
	"github.com/momentics/asyncio/reactor"
)

// eachBackend runs fn once per backend variant available on this platform.
func eachBackend(t *testing.T, fn func(t *testing.T, bk reactor.Backend)) {
	t.Helper()
	for _, tc := range []struct {
		name string
		bk   reactor.Backend
	}{
		{"kernel-queue", reactor.KernelQueue},
		{"poll-set", reactor.PollSet},
	} {
		t.Run(tc.name, func(t *testing.T) { fn(t, tc.bk) })
	}
}

func newReactor(t *testing.T, bk reactor.Backend, opts ...reactor.Option) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(append([]reactor.Option{reactor.WithBackend(bk)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// sockPair returns a connected AF_UNIX stream pair. Both ends are closed at
// test end; sources over them must be released with the descriptor left
// open.
func sockPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestDataAvailableOncePerArm(t *testing.T) {
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk)
		a, b := sockPair(t)

		var got []api.EventType
		s, err := r.NewConnection(a, func(ev reactor.Event) {
			got = append(got, ev.Type)
		}, nil)
		require.NoError(t, err)
		require.NoError(t, s.ArmRead())

		_, err = unix.Write(b, []byte("ping"))
		require.NoError(t, err)

		n, err := r.Step(time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, []api.EventType{api.EventDataAvailable}, got)

		// More bytes without re-arming must stay silent.
		_, err = unix.Write(b, []byte("more"))
		require.NoError(t, err)
		n, err = r.Step(50 * time.Millisecond)
		require.NoError(t, err)
		require.Zero(t, n)
		require.Len(t, got, 1)

		// Re-arming observes the still-pending bytes.
		require.NoError(t, s.ArmRead())
		n, err = r.Step(time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, []api.EventType{api.EventDataAvailable, api.EventDataAvailable}, got)

		require.NoError(t, s.Release(false))
	})
}

func TestReadyForWriteOncePerArm(t *testing.T) {
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk)
		a, _ := sockPair(t)

		var got []api.EventType
		s, err := r.NewConnection(a, func(ev reactor.Event) {
			got = append(got, ev.Type)
		}, nil)
		require.NoError(t, err)

		require.NoError(t, s.ArmWrite())
		n, err := r.Step(time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, []api.EventType{api.EventReadyForWrite}, got)

		// A fresh socket stays writable, but the interest was one-shot.
		n, err = r.Step(50 * time.Millisecond)
		require.NoError(t, err)
		require.Zero(t, n)

		require.NoError(t, s.Release(false))
	})
}

func TestConnectedAliasesReadyForWrite(t *testing.T) {
	require.Equal(t, api.EventReadyForWrite, api.EventConnected)
}

func TestPeerCloseDeliversConnectionClosed(t *testing.T) {
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk)
		a, b := sockPair(t)

		var got []api.EventType
		s, err := r.NewConnection(a, func(ev reactor.Event) {
			got = append(got, ev.Type)
		}, nil)
		require.NoError(t, err)
		require.NoError(t, s.ArmRead())

		require.NoError(t, unix.Close(b))
		n, err := r.Step(time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, []api.EventType{api.EventDataAvailable, api.EventConnectionClosed}, got)

		require.NoError(t, s.Release(false))
	})
}

func TestReleaseFromOwnCallbackSuppressesFollowUp(t *testing.T) {
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk)
		a, b := sockPair(t)

		var got []api.EventType
		s, err := r.NewConnection(a, func(ev reactor.Event) {
			got = append(got, ev.Type)
			require.NoError(t, ev.Source.Release(false))
		}, nil)
		require.NoError(t, err)
		require.NoError(t, s.ArmRead())

		require.NoError(t, unix.Close(b))
		_, err = r.Step(time.Second)
		require.NoError(t, err)

		// The end-of-file follow-up must not reach a released source.
		require.Equal(t, []api.EventType{api.EventDataAvailable}, got)
	})
}

func TestReleaseContract(t *testing.T) {
	r := newReactor(t, reactor.KernelQueue)
	a, _ := sockPair(t)

	var nilSrc *reactor.Source
	require.NoError(t, nilSrc.Release(false))

	s, err := r.NewConnection(a, func(reactor.Event) {}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Release(false))
	require.ErrorIs(t, s.Release(false), api.ErrReleased)
	require.ErrorIs(t, s.ArmRead(), api.ErrReleased)
	require.ErrorIs(t, s.ArmWrite(), api.ErrReleased)

	// The descriptor is free for a new source once the old one is gone.
	s2, err := r.NewConnection(a, func(reactor.Event) {}, nil)
	require.NoError(t, err)
	require.NoError(t, s2.Release(false))
}

func TestDuplicateDescriptorRejected(t *testing.T) {
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk)
		a, _ := sockPair(t)

		s, err := r.NewConnection(a, func(reactor.Event) {}, nil)
		require.NoError(t, err)
		_, err = r.NewConnection(a, func(reactor.Event) {}, nil)
		require.ErrorIs(t, err, api.ErrAlreadyExists)
		require.NoError(t, s.Release(false))
	})
}

func TestNilCallbackRejected(t *testing.T) {
	r := newReactor(t, reactor.KernelQueue)
	a, _ := sockPair(t)
	_, err := r.NewConnection(a, nil, nil)
	require.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = r.NewTimer(nil, nil)
	require.ErrorIs(t, err, api.ErrInvalidArgument)
}

func listenLoopback(t *testing.T) (int, int) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(fd, 8))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	return fd, sa.(*unix.SockaddrInet4).Port
}

func TestListenerDeliversNewConnections(t *testing.T) {
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk)
		lfd, port := listenLoopback(t)

		var accepted []int
		ls, err := r.NewListener(lfd, func(ev reactor.Event) {
			require.Equal(t, api.EventNewConnection, ev.Type)
			nfd, _, aerr := unix.Accept(ev.Ident)
			require.NoError(t, aerr)
			accepted = append(accepted, nfd)
			t.Cleanup(func() { _ = unix.Close(nfd) })
		}, nil)
		require.NoError(t, err)

		cfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		t.Cleanup(func() { _ = unix.Close(cfd) })
		require.NoError(t, unix.Connect(cfd, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}))

		n, err := r.Step(time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Len(t, accepted, 1)

		// The listener watch is persistent: a second client needs no re-arm.
		cfd2, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		t.Cleanup(func() { _ = unix.Close(cfd2) })
		require.NoError(t, unix.Connect(cfd2, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}))

		n, err = r.Step(time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Len(t, accepted, 2)

		require.ErrorIs(t, ls.ArmWrite(), api.ErrNotSupported)
		require.NoError(t, ls.Release(false))
	})
}

func TestBatchOverflowRedelivers(t *testing.T) {
	// Three ready descriptors against a two-entry batch: nothing is lost,
	// the surplus arrives on the next step.
	r := newReactor(t, reactor.PollSet, reactor.WithBatchSize(2))

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		a, b := sockPair(t)
		s, err := r.NewConnection(a, func(ev reactor.Event) {
			seen[ev.Ident] = true
		}, nil)
		require.NoError(t, err)
		require.NoError(t, s.ArmRead())
		_, err = unix.Write(b, []byte("x"))
		require.NoError(t, err)
	}

	n1, err := r.Step(time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, n1)
	n2, err := r.Step(time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n2)
	require.Len(t, seen, 3)
}

func TestDualReadinessSurvivesFullBatch(t *testing.T) {
	// One descriptor both readable and writable expands to two entries,
	// but a one-entry batch can only take the first. The second interest
	// must be redelivered, not lost with the consumed one-shot.
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk, reactor.WithBatchSize(1))
		a, b := sockPair(t)

		var got []api.EventType
		s, err := r.NewConnection(a, func(ev reactor.Event) {
			got = append(got, ev.Type)
		}, nil)
		require.NoError(t, err)
		require.NoError(t, s.ArmRead())
		require.NoError(t, s.ArmWrite())
		_, err = unix.Write(b, []byte("x"))
		require.NoError(t, err)

		deadline := time.Now().Add(2 * time.Second)
		for len(got) < 2 && time.Now().Before(deadline) {
			_, err := r.Step(100 * time.Millisecond)
			require.NoError(t, err)
		}
		require.ElementsMatch(t, []api.EventType{api.EventDataAvailable, api.EventReadyForWrite}, got)

		require.NoError(t, s.Release(false))
	})
}

func TestTimerSurvivesFullBatch(t *testing.T) {
	// A timer due while socket readiness already fills the batch must
	// arrive on a later step instead of being dropped.
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk, reactor.WithBatchSize(2))
		a, b := sockPair(t)

		var got []api.EventType
		s, err := r.NewConnection(a, func(ev reactor.Event) {
			got = append(got, ev.Type)
		}, nil)
		require.NoError(t, err)
		tm, err := r.NewTimer(func(ev reactor.Event) {
			got = append(got, ev.Type)
		}, nil)
		require.NoError(t, err)

		require.NoError(t, s.ArmRead())
		require.NoError(t, s.ArmWrite())
		_, err = unix.Write(b, []byte("x"))
		require.NoError(t, err)
		require.NoError(t, tm.EnableTimer(0))
		time.Sleep(10 * time.Millisecond)

		deadline := time.Now().Add(2 * time.Second)
		for len(got) < 3 && time.Now().Before(deadline) {
			_, err := r.Step(100 * time.Millisecond)
			require.NoError(t, err)
		}
		require.ElementsMatch(t,
			[]api.EventType{api.EventDataAvailable, api.EventReadyForWrite, api.EventTimerFired}, got)

		require.NoError(t, s.Release(false))
		require.NoError(t, tm.Release(false))
	})
}

func TestCallbackPanicContained(t *testing.T) {
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk)
		a, b := sockPair(t)

		calls := 0
		s, err := r.NewConnection(a, func(reactor.Event) {
			calls++
			panic("boom")
		}, nil)
		require.NoError(t, err)
		require.NoError(t, s.ArmRead())
		_, err = unix.Write(b, []byte("x"))
		require.NoError(t, err)

		n, err := r.Step(time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, 1, calls)

		// The reactor survives and keeps dispatching.
		require.NoError(t, s.ArmRead())
		n, err = r.Step(time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, 2, calls)

		require.NoError(t, s.Release(false))
	})
}

func TestClosedReactorRejectsEverything(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	a, _ := sockPair(t)
	require.NoError(t, r.Close())

	_, err = r.NewConnection(a, func(reactor.Event) {}, nil)
	require.ErrorIs(t, err, api.ErrReactorClosed)
	_, err = r.Wait(0)
	require.ErrorIs(t, err, api.ErrReactorClosed)
	require.ErrorIs(t, r.Close(), api.ErrReactorClosed)
}

func TestSubMillisecondWaitRoundsUp(t *testing.T) {
	// A 500µs wait must become a 1ms sleep, not a zero-timeout busy poll.
	eachBackend(t, func(t *testing.T, bk reactor.Backend) {
		r := newReactor(t, bk)
		start := time.Now()
		b, err := r.Wait(500 * time.Microsecond)
		require.NoError(t, err)
		require.Zero(t, b.Len())
		require.GreaterOrEqual(t, time.Since(start), 500*time.Microsecond)
	})
}

func TestSourceAccessors(t *testing.T) {
	r := newReactor(t, reactor.KernelQueue)
	a, _ := sockPair(t)

	type tag struct{ name string }
	ctx := &tag{name: "conn"}
	s, err := r.NewConnection(a, func(reactor.Event) {}, ctx)
	require.NoError(t, err)
	require.Equal(t, reactor.KindConnection, s.Kind())
	require.Equal(t, a, s.FD())
	require.Same(t, ctx, s.Data())
	require.NoError(t, s.Release(false))

	tm, err := r.NewTimer(func(reactor.Event) {}, nil)
	require.NoError(t, err)
	require.Equal(t, reactor.KindTimer, tm.Kind())
	require.Equal(t, -1, tm.FD())
	require.ErrorIs(t, tm.ArmRead(), api.ErrNotSupported)
	require.NoError(t, tm.Release(false))
}
