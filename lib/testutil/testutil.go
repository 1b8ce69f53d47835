// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"log/slog"
	"math/rand/v2"
	"os"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatal(args ...any)
}

// RandomBytes returns n bytes of deterministic data for seed.
func RandomBytes(seed uint64, n int) []byte {
	random := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(random.Uint32())
	}
	return data
}

// WriteFile writes a fixture file with mode 0644.
func WriteFile(t TB, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile reads a file the code under test wrote.
func ReadFile(t TB, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
