// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package api holds the shared contracts of the asyncio library: the event
// taxonomy, common error values, and the monotonic clock collaborator.
package api
