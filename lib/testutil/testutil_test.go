// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestRandomBytes(t *testing.T) {
	first := RandomBytes(7, 4096)
	if len(first) != 4096 {
		t.Fatalf("len = %d, want 4096", len(first))
	}
	if !bytes.Equal(first, RandomBytes(7, 4096)) {
		t.Error("same seed gave different data")
	}
	if bytes.Equal(first, RandomBytes(8, 4096)) {
		t.Error("different seeds gave the same data")
	}
	if !bytes.HasPrefix(RandomBytes(7, 8192), first) {
		t.Error("longer output does not extend the shorter one")
	}
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture")
	WriteFile(t, path, []byte("content"))
	if got := ReadFile(t, path); string(got) != "content" {
		t.Errorf("ReadFile = %q", got)
	}
}

type fatalRecorder struct {
	failed bool
}

func (f *fatalRecorder) Helper() {}
func (f *fatalRecorder) Fatal(...any) { f.failed = true }

func TestReadFile_Missing(t *testing.T) {
	var recorder fatalRecorder
	ReadFile(&recorder, filepath.Join(t.TempDir(), "absent"))
	if !recorder.failed {
		t.Error("ReadFile of a missing file did not fail the test")
	}
}
