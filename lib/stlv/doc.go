// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stlv implements the self-describing tag-length-value encoding
// used by the bundle format.
//
// Every record is a 4-byte big-endian [Tag], the value length as a
// minimal unsigned LEB128 varint, and the value bytes. The codec does
// not know whether a value is raw bytes or a nested sequence of
// records: that distinction is carried by convention per tag and
// supplied by the caller through a [Schema].
//
// The top bit of a tag classifies it. A reader that meets a tag it does
// not know may skip the record when the bit is set (optional tags) and
// must stop with [ErrNewerFormat] when it is clear (required tags). The
// distinction lets the format grow in both directions: additions that
// older readers can ignore, and additions that change the meaning of
// surrounding data and therefore must not be ignored.
//
// Two APIs are provided:
//
//   - [Node] with [Decode] and [Node.WriteTo] for small, fully buffered
//     trees such as a bundle header.
//   - [Reader] for forward-only streaming of arbitrarily large records,
//     such as payload data.
package stlv
