//go:build unix && !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd
// +build unix,!linux,!darwin,!dragonfly,!freebsd,!netbsd,!openbsd

// File: reactor/backend_stub.go
// Author: momentics <momentics@gmail.com>
//
// Platforms with poll(2) but no kqueue/epoll get the poll-set backend only.

package reactor

import "github.com/momentics/asyncio/api"

func newKernelQueueBackend(*Reactor) (backend, error) {
	return nil, api.ErrNotSupported
}
