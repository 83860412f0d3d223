// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/asyncio/api"
)

// Timer idents start far above any plausible descriptor value so they never
// alias a live fd inside the kernel-queue ident space.
const timerIdentBase = 1 << 30

// ctxPollInterval bounds a blocking wait when Run must observe context
// cancellation.
const ctxPollInterval = 100 * time.Millisecond

// Reactor converts OS readiness signals into callback invocations. All state
// is per-instance; multiple independent reactors may coexist in one process.
// A Reactor and everything constructed from it belong to one goroutine:
// exactly one callback executes at a time and the only blocking point is the
// wait call inside Step.
type Reactor struct {
	log       zerolog.Logger
	clock     api.Clock
	be        backend
	batch     *Batch
	batchSize int
	bkind     Backend
	hostLoop  bool

	// inProgress is the active-callback guard: the source whose callback is
	// currently executing, so release can detect self-referential teardown.
	inProgress *Source

	// sources maps live descriptors to their sources, enforcing the
	// one-live-source-per-descriptor contract.
	sources map[int]*Source

	nextIdent int
	closed    bool
}

// New constructs a reactor over the selected backend. The default backend is
// KernelQueue with a 16-entry event batch and a no-op log sink.
func New(opts ...Option) (*Reactor, error) {
	r := &Reactor{
		log:       zerolog.Nop(),
		clock:     api.NewSystemClock(),
		batchSize: 16,
		bkind:     KernelQueue,
		sources:   make(map[int]*Source),
		nextIdent: timerIdentBase,
	}
	for _, o := range opts {
		o(r)
	}
	if r.batchSize < 1 {
		return nil, api.ErrInvalidArgument
	}
	r.batch = newBatch(r.batchSize)

	var err error
	switch r.bkind {
	case KernelQueue:
		r.be, err = newKernelQueueBackend(r)
	case PollSet:
		r.be, err = newPollSetBackend(r)
	default:
		err = api.ErrInvalidArgument
	}
	if err != nil {
		return nil, err
	}
	if r.hostLoop {
		// Host-run-loop integration needs a waitable handle; fail
		// construction instead of leaving a reactor nobody can drive.
		if _, err := r.be.waitHandle(); err != nil {
			_ = r.be.close()
			return nil, err
		}
	}
	return r, nil
}

// Close shuts the backend down. Sources created from this reactor are
// invalid afterwards.
func (r *Reactor) Close() error {
	if r.closed {
		return api.ErrReactorClosed
	}
	r.closed = true
	return r.be.close()
}

func (r *Reactor) newSource(kind Kind, fd int, cb Callback, data any) (*Source, error) {
	if cb == nil {
		return nil, api.ErrInvalidArgument
	}
	if r.closed {
		return nil, api.ErrReactorClosed
	}
	return &Source{r: r, kind: kind, fd: fd, ident: fd, cb: cb, data: data, auxFD: -1}, nil
}

// nonblock switches fd to non-blocking mode. Descriptor types that do not
// support the mode change report ENOTTY; that is tolerated as success, per
// the construction contract.
func (r *Reactor) nonblock(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		if err == unix.ENOTTY {
			return nil
		}
		r.log.Error().Int("fd", fd).Err(err).Msg("set non-blocking failed")
		return err
	}
	return nil
}

func (r *Reactor) claimFD(fd int, s *Source) error {
	if fd < 0 {
		return api.ErrInvalidArgument
	}
	if _, dup := r.sources[fd]; dup {
		r.log.Error().Int("fd", fd).Msg("descriptor already has a live event source")
		return api.ErrAlreadyExists
	}
	r.sources[fd] = s
	return nil
}

// NewListener wraps a listening socket. The read watch on a listener is
// persistent: every pending connection produces one EventNewConnection.
func (r *Reactor) NewListener(fd int, cb Callback, data any) (*Source, error) {
	s, err := r.newSource(KindListener, fd, cb, data)
	if err != nil {
		return nil, err
	}
	if err := r.claimFD(fd, s); err != nil {
		return nil, err
	}
	if err := r.nonblock(fd); err != nil {
		delete(r.sources, fd)
		return nil, err
	}
	if err := r.be.addListener(s); err != nil {
		delete(r.sources, fd)
		r.log.Error().Int("fd", fd).Err(err).Msg("listener registration failed")
		return nil, err
	}
	return s, nil
}

// NewConnection wraps a connected, connecting, or otherwise readable/
// writable descriptor. No interest is armed until ArmRead or ArmWrite.
func (r *Reactor) NewConnection(fd int, cb Callback, data any) (*Source, error) {
	s, err := r.newSource(KindConnection, fd, cb, data)
	if err != nil {
		return nil, err
	}
	if err := r.claimFD(fd, s); err != nil {
		return nil, err
	}
	if err := r.nonblock(fd); err != nil {
		delete(r.sources, fd)
		return nil, err
	}
	if err := r.be.addConnection(s); err != nil {
		delete(r.sources, fd)
		return nil, err
	}
	return s, nil
}

// NewTimer creates a disarmed one-shot timer with no backing descriptor.
func (r *Reactor) NewTimer(cb Callback, data any) (*Source, error) {
	s, err := r.newSource(KindTimer, -1, cb, data)
	if err != nil {
		return nil, err
	}
	r.nextIdent++
	s.ident = r.nextIdent
	return s, nil
}

// NewProcessMonitor delivers one EventProcessExited when pid terminates.
// Unavailable on the poll-set backend.
func (r *Reactor) NewProcessMonitor(pid int, cb Callback, data any) (*Source, error) {
	if pid <= 0 {
		return nil, api.ErrInvalidArgument
	}
	s, err := r.newSource(KindProcess, -1, cb, data)
	if err != nil {
		return nil, err
	}
	s.ident = pid
	if err := r.be.addProcess(s); err != nil {
		r.log.Error().Int("pid", pid).Err(err).Msg("process monitor registration failed")
		return nil, err
	}
	return s, nil
}

// NewSignalMonitor delivers one EventSignalDelivered for the given signal
// number. The signal's default disposition is suppressed for the process.
// Unavailable on the poll-set backend.
func (r *Reactor) NewSignalMonitor(sig int, cb Callback, data any) (*Source, error) {
	if sig <= 0 {
		return nil, api.ErrInvalidArgument
	}
	s, err := r.newSource(KindSignal, -1, cb, data)
	if err != nil {
		return nil, err
	}
	s.ident = sig
	if err := r.be.addSignal(s); err != nil {
		r.log.Error().Int("signal", sig).Err(err).Msg("signal monitor registration failed")
		return nil, err
	}
	return s, nil
}

// Wait blocks until readiness events arrive or the timeout elapses, and
// returns the reactor's reusable batch. A negative timeout blocks
// indefinitely; zero polls. The batch is valid only until the next Wait and
// must be passed to Dispatch before then.
func (r *Reactor) Wait(timeout time.Duration) (*Batch, error) {
	if r.closed {
		return nil, api.ErrReactorClosed
	}
	ms := -1
	if timeout >= 0 {
		// Round up, or a sub-millisecond wait degrades to a busy poll.
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	b := r.batch
	b.n = 0
	if err := r.be.wait(b, ms); err != nil {
		return nil, err
	}
	return b, nil
}

// Dispatch drains a batch into the owning callbacks. Each entry is checked
// for source liveness immediately before delivery, so a callback earlier in
// the batch may release sources with later entries. A panic inside one
// callback is contained and the remaining entries are still processed.
func (r *Reactor) Dispatch(b *Batch) error {
	if b == nil {
		return api.ErrInvalidArgument
	}
	for i := 0; i < b.n; i++ {
		e := &b.entries[i]
		s := e.src
		if s == nil || s.released {
			continue
		}
		r.inProgress = s
		switch e.class {
		case readyRead:
			if s.kind == KindListener {
				r.invoke(s, api.EventNewConnection, e.ident)
			} else {
				// Cleared before the callback so it may re-arm during it.
				s.armedRead = false
				r.invoke(s, api.EventDataAvailable, e.ident)
			}
		case readyWrite:
			s.armedWrite = false
			r.invoke(s, api.EventReadyForWrite, e.ident)
		case readyTimer:
			r.invoke(s, api.EventTimerFired, -1)
		case readyProcess:
			r.invoke(s, api.EventProcessExited, e.ident)
		case readySignal:
			r.invoke(s, api.EventSignalDelivered, e.ident)
		}
		if e.eof && e.class == readyRead && r.inProgress == s && !s.released {
			r.log.Debug().Int("fd", e.ident).Msg("end-of-file on read side")
			r.invoke(s, api.EventConnectionClosed, e.ident)
		}
		r.inProgress = nil
	}
	b.n = 0
	return nil
}

func (r *Reactor) invoke(s *Source, t api.EventType, ident int) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Any("panic", p).Stringer("event", t).Msg("callback panicked; continuing batch")
		}
	}()
	s.cb(Event{Type: t, Source: s, Ident: ident, Data: s.data})
}

// Step performs one wait-and-dispatch iteration and reports the number of
// entries delivered.
func (r *Reactor) Step(timeout time.Duration) (int, error) {
	b, err := r.Wait(timeout)
	if err != nil {
		return 0, err
	}
	n := b.Len()
	if err := r.Dispatch(b); err != nil {
		return 0, err
	}
	return n, nil
}

// Run drives wait-and-dispatch steps until ctx is canceled. When the
// reactor was built WithHostLoop the host owns the blocking step and Run
// refuses to compete with it. A cancelable context bounds each wait so
// cancellation is observed promptly.
func (r *Reactor) Run(ctx context.Context) error {
	if r.hostLoop {
		return api.ErrNotSupported
	}
	timeout := time.Duration(-1)
	if ctx.Done() != nil {
		timeout = ctxPollInterval
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.Step(timeout); err != nil {
			return err
		}
	}
}
