// File: redirect/redirect.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package redirect shuttles bytes from one descriptor to another on top of
// the public reactor API. One fixed-size relay buffer, two states: waiting
// for input, draining to output.
package redirect

import (
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/asyncio/api"
	"github.com/momentics/asyncio/pool"
	"github.com/momentics/asyncio/reactor"
)

// Event is the tagged value delivered to a redirect callback.
type Event struct {
	Type     api.RedirectEventType
	Redirect *Redirect
	Data     any
}

// Callback receives pump events. It runs on the reactor's dispatch thread.
type Callback func(Event)

type pumpState int

const (
	stateWaitingForInput pumpState = iota + 1
	stateDrainingToOutput
)

// relayBuffers serves the fixed-size relay buffers shared by all pumps.
var relayBuffers = pool.NewBufferPool(512, 4)

// Redirect relays bytes from an input descriptor to an output descriptor.
type Redirect struct {
	r     *reactor.Reactor
	log   zerolog.Logger
	state pumpState

	fdIn  int
	in    *reactor.Source
	fdOut int
	out   *reactor.Source

	bufPool *pool.BufferPool
	buf     []byte
	nbuf    int

	// inClosed dedupes closure reporting: a zero-length read and the
	// reactor's end-of-file follow-up can both observe the same close.
	inClosed bool

	cb   Callback
	data any
}

// Option customizes pump construction.
type Option func(*Redirect)

// WithBufferPool overrides the relay-buffer pool, mainly to shrink the
// relay buffer in tests.
func WithBufferPool(p *pool.BufferPool) Option {
	return func(rd *Redirect) {
		rd.bufPool = p
	}
}

// WithLogger attaches a diagnostic sink to the pump.
func WithLogger(log zerolog.Logger) Option {
	return func(rd *Redirect) {
		rd.log = log
	}
}

// New builds a pump over two descriptors, arms read interest on the input,
// and starts in the waiting-for-input state. Construction failure leaves no
// partially-alive sources behind.
func New(r *reactor.Reactor, fdIn, fdOut int, cb Callback, data any, opts ...Option) (*Redirect, error) {
	if cb == nil {
		return nil, api.ErrInvalidArgument
	}
	rd := &Redirect{
		r:     r,
		log:   zerolog.Nop(),
		state: stateWaitingForInput,
		fdIn:  fdIn,
		fdOut: fdOut,
		cb:    cb,
		data:  data,
	}
	for _, o := range opts {
		o(rd)
	}
	if rd.bufPool == nil {
		rd.bufPool = relayBuffers
	}
	rd.buf = rd.bufPool.Get()

	var err error
	rd.in, err = r.NewConnection(fdIn, rd.onEvent, nil)
	if err != nil {
		rd.bufPool.Put(rd.buf)
		return nil, err
	}
	rd.out, err = r.NewConnection(fdOut, rd.onEvent, nil)
	if err != nil {
		_ = rd.in.Release(false)
		rd.bufPool.Put(rd.buf)
		return nil, err
	}
	if err := rd.in.ArmRead(); err != nil {
		rd.Release(false, false)
		return nil, err
	}
	return rd, nil
}

// Release tears down both sub-sources. The caller decides per descriptor
// whether the underlying fd is closed. Safe to call from inside the pump's
// own callback; a nil receiver is a no-op.
func (rd *Redirect) Release(closeIn, closeOut bool) {
	if rd == nil {
		return
	}
	_ = rd.in.Release(closeIn)
	_ = rd.out.Release(closeOut)
	rd.in, rd.out = nil, nil
	if rd.buf != nil {
		rd.bufPool.Put(rd.buf)
		rd.buf = nil
	}
}

func (rd *Redirect) emit(t api.RedirectEventType) {
	rd.cb(Event{Type: t, Redirect: rd, Data: rd.data})
}

func (rd *Redirect) reportInputClosed() {
	if rd.inClosed {
		return
	}
	rd.inClosed = true
	rd.emit(api.RedirectInputClosed)
}

func (rd *Redirect) onEvent(ev reactor.Event) {
	switch ev.Type {
	case api.EventDataAvailable:
		rd.emit(api.RedirectDataReady)
		rd.pump()
	case api.EventReadyForWrite:
		rd.pump()
	case api.EventConnectionClosed:
		if ev.Source == rd.in {
			// The output side is deliberately left open; the caller owns
			// that decision.
			rd.reportInputClosed()
		}
	}
}

// pump loops until it would block or the relay terminates.
func (rd *Redirect) pump() {
	for {
		switch rd.state {
		case stateWaitingForInput:
			n, err := unix.Read(rd.fdIn, rd.buf)
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if aerr := rd.in.ArmRead(); aerr != nil {
					rd.log.Error().Err(aerr).Msg("re-arming input failed")
				}
				return
			}
			if err != nil {
				rd.log.Error().Int("fd", rd.fdIn).Err(err).Msg("reading from input failed")
				rd.emit(api.RedirectInputError)
				return
			}
			if n == 0 {
				rd.log.Debug().Int("fd", rd.fdIn).Msg("zero-length read from input")
				rd.reportInputClosed()
				return
			}
			rd.nbuf = n
			rd.state = stateDrainingToOutput

		case stateDrainingToOutput:
			n, err := unix.Write(rd.fdOut, rd.buf[:rd.nbuf])
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if aerr := rd.out.ArmWrite(); aerr != nil {
					rd.log.Error().Err(aerr).Msg("re-arming output failed")
				}
				return
			}
			if err != nil {
				rd.log.Error().Int("fd", rd.fdOut).Err(err).Msg("writing to output failed")
				rd.emit(api.RedirectOutputError)
				return
			}
			if n < rd.nbuf {
				// Shift the remainder to the front and try again at once.
				copy(rd.buf, rd.buf[n:rd.nbuf])
				rd.nbuf -= n
				continue
			}
			rd.nbuf = 0
			rd.emit(api.RedirectDataWritten)
			rd.state = stateWaitingForInput
		}
	}
}
