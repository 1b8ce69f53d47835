// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package install applies update bundles to the slots of a system.
//
// An installation runs in two phases. Planning reads the bundle
// header and settles everything that can fail without touching a
// slot:
//
//   - the signature policy is applied to the bundle hash
//   - every payload target is resolved to a slot; a target naming an
//     A/B group ("system" for "system-a" and "system-b") resolves to
//     the group's inactive member, and active slots are never written
//   - incremental and delta payloads get their base, the active
//     member of the target's group, which is checked against the
//     bundle before any write
//   - handlers of custom slots and execute payloads must exist
//
// Writing then streams each payload into its target in bundle order.
// Block slots are written in place, reading each range first and
// skipping writes of unchanged data. File slots are written to a
// temporary file that replaces the slot file only once the payload
// verified. Custom slots and execute payloads are piped into their
// handler's stdin. Cancellation is checked between blocks.
//
// After a slot is written, its [slotstate.Record] is stored so a later
// incremental or delta update can use the slot as its base without
// re-reading it.
package install
