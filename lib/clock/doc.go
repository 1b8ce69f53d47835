// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for testability.
//
// Production code accepts a Clock instead of calling time.Now
// directly. In production, Real() provides the standard library
// behavior. In tests, Fake() provides a clock that moves only when
// Advance or Set is called, so timestamps in install records and the
// pacing of progress logs are deterministic.
//
// # Wiring Pattern
//
// Add a Clock field to structs that use time:
//
//	type Installer struct {
//	    Clock clock.Clock
//	    // ...
//	}
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	installer := &Installer{Clock: c}
//	c.Advance(5 * time.Second)
package clock
