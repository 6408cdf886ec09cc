// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package idgen provides process-local monotonic id generators for build
// ids, worker ids, and executor indices.
package idgen

import "sync/atomic"

// Counter hands out monotonically increasing int32 ids starting at 1. The
// zero value is ready to use.
type Counter struct {
	value int32
}

// Increment returns the next id in the sequence.
func (c *Counter) Increment() int32 {
	return atomic.AddInt32(&c.value, 1)
}

// Value returns the most recently handed-out id, or 0 if Increment has
// never been called.
func (c *Counter) Value() int32 {
	return atomic.LoadInt32(&c.value)
}
