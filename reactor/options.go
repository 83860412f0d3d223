// File: reactor/options.go
// Package reactor defines functional options for reactor construction.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"github.com/rs/zerolog"

	"github.com/momentics/asyncio/api"
)

// Option customizes reactor initialization.
type Option func(*Reactor)

// WithBackend selects the multiplexing strategy. KernelQueue is the default.
func WithBackend(b Backend) Option {
	return func(r *Reactor) {
		r.bkind = b
	}
}

// WithLogger attaches the leveled diagnostic sink. Diagnostics never carry
// control flow; the default sink discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Reactor) {
		r.log = log
	}
}

// WithClock overrides the monotonic millisecond counter consumed by the
// software timer emulation.
func WithClock(c api.Clock) Option {
	return func(r *Reactor) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithBatchSize overrides the capacity of the reusable pending-event batch.
func WithBatchSize(n int) Option {
	return func(r *Reactor) {
		r.batchSize = n
	}
}

// WithHostLoop surrenders the blocking wait step to an externally driven
// host loop; the reactor then exposes a waitable handle through Bridge and
// Run becomes unavailable. Construction fails on backends without a
// persistent kernel object.
func WithHostLoop(enable bool) Option {
	return func(r *Reactor) {
		r.hostLoop = enable
	}
}
