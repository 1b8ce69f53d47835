// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RandomBytes] generates deterministic, incompressible payload data:
// the same seed always gives the same bytes, so block hashes and
// reuse counts in tests are stable. [WriteFile] and [ReadFile] wrap
// the os calls for fixtures, and [DiscardLogger] silences code under
// test that logs.
//
// All helpers call t.Fatal on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package depends on no other packages of this module.
package testutil
