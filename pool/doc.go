// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package pool provides the fixed-size relay-buffer pool used by the
// redirect pump.
package pool
