// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bundle reads and writes update bundles.
//
// A bundle is a single STLV record laid out for one forward pass:
//
//	BUNDLE
//	  BUNDLE_HEADER        manifest, hash algorithm, payload index
//	  SIGNATURES           optional, over the hash of BUNDLE_HEADER
//	  PAYLOADS
//	    PAYLOAD            one per payload index entry, in order
//	      PAYLOAD_HEADER   compression or block encoding
//	      PAYLOAD_DATA     the stored data
//
// The header is small and buffered whole. It commits to every payload
// through two hashes: the hash of the encoded PAYLOAD_HEADER record
// and the hash of the PAYLOAD_DATA value. Once the header is
// authenticated, usually by checking a signature over the bundle hash,
// every later byte is checked against it while streaming, so an
// installer never acts on unauthenticated data for longer than one
// block.
//
// The package is organized in layers:
//
//   - Model: [Header], [PayloadEntry], [PayloadHeader] and their STLV
//     encodings. Decoding is strict about known tags and relies on
//     the codec for skipping unknown optional ones.
//
//   - Reading: [Reader] and [Payload] stream payload data with hash
//     verification. [Payload.Content] undoes compression, block
//     encoding, or delta encoding.
//
//   - Encodings: whole-payload compression (xz, zstd, lz4); block
//     encoding with fixed or content-defined [Chunker]s, optional
//     deduplication, per-block compression, and omission of blocks an
//     incremental base already has; zstd deltas against a base file.
//
//   - Building: [Build] turns a JSONC [Manifest] into a bundle.
//
// Hash values are displayed as "algorithm:hex" digests.
package bundle
