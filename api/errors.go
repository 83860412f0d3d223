// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types shared across the asyncio library.

package api

import "fmt"

// Common errors used across the library.
var (
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrNotSupported    = fmt.Errorf("operation not supported by this backend")
	ErrAlreadyExists   = fmt.Errorf("descriptor already has a live source")
	ErrReleased        = fmt.Errorf("source already released")
	ErrReactorClosed   = fmt.Errorf("reactor is closed")
	ErrNoSources       = fmt.Errorf("no armed sources or pending timers")
)
