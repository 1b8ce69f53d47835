// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration for
// on-disk state.
//
// Two serialization formats are used with a clear boundary:
//
//   - JSON for external interfaces: bundle manifests and CLI output.
//   - CBOR for state the tooling keeps for itself: the install records
//     of each slot.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes, so a record can
// be compared byte-for-byte after a round trip.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats. Install records use this since
//     the CLI prints them as JSON.
//
// Never use both `cbor` and `json` tags on the same field.
package codec
