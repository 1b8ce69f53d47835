// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package slotstate keeps a record of what was installed into each
// slot.
//
// A [Record] says which bundle an installation came from, the hash and
// size of the content written, and, for block-encoded payloads, the
// block index of that content. The installer uses the records of
// active slots as the base of incremental and delta updates: for an
// immutable slot, a matching record stands in for re-reading the
// whole slot.
//
// Records are CBOR files, one per slot, under <state>/slots/. They are
// written atomically (temporary file, fsync, rename, directory fsync)
// so a crash leaves either the old record or the new one. The
// installer clears a slot's record before writing the slot, so a
// record never describes content that was partially overwritten.
package slotstate
