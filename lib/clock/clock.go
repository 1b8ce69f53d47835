// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the current time for testability. Production code
// injects Real(); tests inject Fake() with deterministic time control.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// OrReal returns c, or Real() when c is nil. Structs with an optional
// Clock field use it so their zero value works.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}
