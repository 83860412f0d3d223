// File: reactor/bridge.go
// Author: momentics <momentics@gmail.com>
//
// Host-run-loop integration: surrenders the blocking wait step to an
// externally driven loop.

package reactor

import "github.com/momentics/asyncio/api"

// RunLoopBridge exposes the backend's own pollable descriptor so a host loop
// can wake the reactor. The host watches Handle for readability and calls
// OnReadable each time it signals; armed interests live in the persistent
// kernel object, so the handle re-signals on the next event without any
// re-registration by the reactor. The host only keeps its own read callback
// enabled.
type RunLoopBridge struct {
	r      *Reactor
	handle int
}

// Bridge returns the run-loop bridge for a reactor constructed with
// WithHostLoop. Backends without a waitable handle report ErrNotSupported.
func (r *Reactor) Bridge() (*RunLoopBridge, error) {
	if !r.hostLoop {
		return nil, api.ErrNotSupported
	}
	h, err := r.be.waitHandle()
	if err != nil {
		return nil, err
	}
	return &RunLoopBridge{r: r, handle: h}, nil
}

// Handle is the descriptor the host loop watches for readability.
func (b *RunLoopBridge) Handle() int { return b.handle }

// OnReadable drains every pending batch without blocking and returns once
// the kernel object is empty.
func (b *RunLoopBridge) OnReadable() error {
	for {
		batch, err := b.r.Wait(0)
		if err != nil {
			return err
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := b.r.Dispatch(batch); err != nil {
			return err
		}
	}
}
