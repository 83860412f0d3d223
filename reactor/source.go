// File: reactor/source.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/asyncio/api"
)

// Kind discriminates what a Source observes.
type Kind int

const (
	// KindListener watches a listening socket for pending connections.
	KindListener Kind = iota + 1
	// KindConnection watches a connected (or connecting) descriptor.
	KindConnection
	// KindTimer is a one-shot software or kernel timer with no descriptor.
	KindTimer
	// KindProcess watches a child process for termination.
	KindProcess
	// KindSignal watches for delivery of one signal.
	KindSignal
)

// Event is the tagged value delivered to a source callback.
type Event struct {
	Type   api.EventType
	Source *Source
	// Ident is the descriptor the event concerns, the process id for
	// EventProcessExited, the signal number for EventSignalDelivered, and -1
	// for EventTimerFired.
	Ident int
	// Data is the opaque context given to the constructor.
	Data any
}

// Callback receives events for one Source. It runs on the reactor's dispatch
// thread; blocking here stalls the whole loop.
type Callback func(Event)

// Source is an opaque handle for one descriptor or logical notification
// source under observation. At most one live Source may exist per
// descriptor.
type Source struct {
	r    *Reactor
	kind Kind
	fd   int // -1 for timer, process and signal kinds
	// ident is the kernel-facing identity for non-descriptor kinds: the
	// timer ident (never aliasing a live descriptor), the pid, or the
	// signal number.
	ident int
	cb    Callback
	data  any

	armedRead  bool
	armedWrite bool
	released   bool

	// auxFD is the kernel-queue auxiliary descriptor on Linux (timerfd,
	// pidfd or signalfd); -1 elsewhere.
	auxFD int

	// Software timer emulation state, poll-set backend only.
	expiry    uint32
	nextTimer *Source
}

// Kind reports what this source observes.
func (s *Source) Kind() Kind { return s.kind }

// FD returns the observed descriptor, or -1 for non-descriptor kinds.
func (s *Source) FD() int { return s.fd }

// Data returns the opaque context bound at construction.
func (s *Source) Data() any { return s.data }

func (s *Source) usable() error {
	if s == nil {
		return api.ErrInvalidArgument
	}
	if s.released {
		return api.ErrReleased
	}
	if s.r.closed {
		return api.ErrReactorClosed
	}
	return nil
}

// ArmRead registers a one-shot read interest. The callback fires at most
// once per arm; continued notification requires re-arming. On listener
// sources the read watch is persistent and ArmRead is a no-op.
func (s *Source) ArmRead() error {
	if err := s.usable(); err != nil {
		return err
	}
	switch s.kind {
	case KindTimer, KindProcess, KindSignal:
		return api.ErrNotSupported
	case KindListener:
		return nil
	}
	if err := s.r.be.armRead(s); err != nil {
		s.r.log.Error().Int("fd", s.fd).Err(err).Msg("arm read interest failed")
		return err
	}
	s.armedRead = true
	return nil
}

// ArmWrite registers a one-shot write interest. A completed non-blocking
// connect is reported through the same readiness, as EventConnected.
func (s *Source) ArmWrite() error {
	if err := s.usable(); err != nil {
		return err
	}
	switch s.kind {
	case KindTimer, KindProcess, KindSignal, KindListener:
		return api.ErrNotSupported
	}
	if err := s.r.be.armWrite(s); err != nil {
		s.r.log.Error().Int("fd", s.fd).Err(err).Msg("arm write interest failed")
		return err
	}
	s.armedWrite = true
	return nil
}

// EnableTimer arms a one-shot timer to fire once after delay. Re-enabling a
// pending timer replaces its deadline. Recurring behavior is the caller's
// responsibility, by re-enabling from the fired callback.
func (s *Source) EnableTimer(delay time.Duration) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.kind != KindTimer {
		return api.ErrNotSupported
	}
	ms := delay.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if err := s.r.be.enableTimer(s, uint32(ms)); err != nil {
		s.r.log.Error().Int("ident", s.ident).Int64("ms", ms).Err(err).Msg("enable timer failed")
		return err
	}
	return nil
}

// DisableTimer cancels a pending timer. Disabling a timer that already fired
// or was never enabled is success.
func (s *Source) DisableTimer() error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.kind != KindTimer {
		return api.ErrNotSupported
	}
	return s.r.be.disableTimer(s)
}

// Release deregisters all armed interests, optionally closes the observed
// descriptor, and invalidates the handle. Releasing from within the source's
// own callback is safe: the dispatch loop checks liveness before every
// delivery, including the end-of-file follow-up. A nil receiver is a no-op,
// supporting the zero-after-release convention. A second release of the same
// handle is a contract violation and is reported loudly.
func (s *Source) Release(closeDescriptor bool) error {
	if s == nil {
		return nil
	}
	r := s.r
	if s.released {
		r.log.Error().Int("fd", s.fd).Msg("double release of event source")
		return api.ErrReleased
	}
	if s.kind == KindTimer {
		// Tolerates already-fired.
		_ = r.be.disableTimer(s)
	}
	r.be.remove(s)
	fd := s.fd
	if fd >= 0 {
		delete(r.sources, fd)
		if closeDescriptor {
			if err := unix.Close(fd); err != nil {
				r.log.Debug().Int("fd", fd).Err(err).Msg("close on release failed")
			}
		}
		s.fd = -1
	}
	if r.inProgress == s {
		r.inProgress = nil
	}
	s.armedRead = false
	s.armedWrite = false
	s.released = true
	return nil
}
