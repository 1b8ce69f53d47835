// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process ends a binary after main's work is done. It is the
// one place that writes the final error to stderr and picks the exit
// status, since the structured logger may never have been set up when
// an early error occurs.
package process
