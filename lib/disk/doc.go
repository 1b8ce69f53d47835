// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package disk locates the block devices that update slots live on.
//
// A [BlockDevice] is a checked handle to a device node. A
// [PartitionTable] is read from the first sectors of a disk and
// describes either an MBR table (primary and logical partitions) or a
// GPT. The [SystemRoot] ties the disk holding the running root
// filesystem to its table, so slots configured by partition number can
// be resolved to device nodes with [SystemRoot.ResolvePartition].
//
// [FindSystemRoot] discovers the root disk the way the kernel reports
// it: the root mount's device number from /proc/self/mountinfo, then
// the parent disk through /sys/dev/block.
package disk
