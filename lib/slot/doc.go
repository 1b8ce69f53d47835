// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package slot models the installation targets of a system.
//
// A [Slot] is a named target: a block device, a regular file, or a
// custom handler command. [FromConfig] builds the [SystemSlots] of a
// system from its configuration, or from the default A/B layout of the
// root disk's partition table when no slots are configured:
//
//	         MBR   GPT
//	boot-a    2     2
//	boot-b    3     3
//	system-a  5     4
//	system-b  6     5
//
// Slots are addressed by an [Idx], stable for the lifetime of one
// SystemSlots value and never persisted. The activation flag of a slot
// is in-memory bookkeeping only: marking a slot active does not touch
// the device.
package slot
