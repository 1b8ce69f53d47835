// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tags is the registry of every STLV tag used by the bundle
// format.
//
// Tags are globally unique: a tag identifies its record without any
// context, so the same value is never reused for a field of another
// segment. The top bit of each tag says whether readers that do not
// know it may skip it (see [stlv.Tag.IsOptional]).
//
// New tags are drawn at random from the required or optional half of
// the 32-bit space, never allocated sequentially:
//
//	required: random.randint(0, 2**31 - 1)
//	optional: random.randint(2**31, 2**32 - 1)
//
// Random values keep the two classes indistinguishable except for the
// top bit, so optionality is always a deliberate annotation in the
// table below. The table is checked once at package initialization;
// a duplicate value or an annotation that disagrees with the top bit
// panics before any bundle is read.
package tags

import (
	"fmt"

	"github.com/bureau-foundation/ota/lib/stlv"
)

// Bundle structure.
const (
	Bundle                    stlv.Tag = 0x6b50741c
	BundleHeader              stlv.Tag = 0x49af6433
	BundleHeaderManifest      stlv.Tag = 0x161aa242
	BundleHeaderHashAlgorithm stlv.Tag = 0x5cb80dd6
	BundleHeaderPayloadIndex  stlv.Tag = 0x13737992
	BundleHeaderIsIncremental stlv.Tag = 0x20f3d16b
)

// Payload index entries.
const (
	PayloadEntryTypeSlot      stlv.Tag = 0x45ca7e7e
	PayloadEntryTypeExecute   stlv.Tag = 0x3adf32f5
	PayloadEntryHeaderHash    stlv.Tag = 0x5f6a60b1
	PayloadEntryFileHash      stlv.Tag = 0x0c8d1fd0
	PayloadEntryDeltaEncoding stlv.Tag = 0x272cdf9f
	PayloadTypeSlotSlot       stlv.Tag = 0x1b231de7
	PayloadTypeExecuteHandler stlv.Tag = 0x4b3836a2
)

// Block index of an incremental base.
const (
	BlockIndex              stlv.Tag = 0x1ae50c8e
	BlockIndexChunker       stlv.Tag = 0x5cdf21b0
	BlockIndexHashAlgorithm stlv.Tag = 0x1d92a080
	BlockIndexBlockHashes   stlv.Tag = 0x55e547d8
	BlockIndexBlockSizes    stlv.Tag = 0x4668c5ba
)

// Signatures.
const (
	Signatures               stlv.Tag = 0xa83936f1
	SignaturesCMSSignature   stlv.Tag = 0x9795498f
	SignaturesSSHSignature   stlv.Tag = 0xc4d21e86
	SignedMetadata           stlv.Tag = 0x61d0871e
	SignedMetadataHeaderHash stlv.Tag = 0x1f992dfc
)

// Payloads.
const (
	Payloads                   stlv.Tag = 0x01f38fba
	Payload                    stlv.Tag = 0x490cafaf
	PayloadHeader              stlv.Tag = 0x0959ca75
	PayloadData                stlv.Tag = 0x42fd641a
	PayloadHeaderBlockEncoding stlv.Tag = 0x40ed9314
	PayloadHeaderCompression   stlv.Tag = 0x2e7c9b41
)

// Compression schemes. Each is a segment so that parameters can be
// added later without a new tag.
const (
	CompressionXZ   stlv.Tag = 0x747df11b
	CompressionZstd stlv.Tag = 0x6a1f3d52
	CompressionLZ4  stlv.Tag = 0x3c95e0a7
)

// Block encoding.
const (
	BlockEncodingHashAlgorithm stlv.Tag = 0x7f1f994b
	BlockEncodingDeduplicated  stlv.Tag = 0x05902926
	BlockEncodingChunker       stlv.Tag = 0x55872cf8
	BlockEncodingCompression   stlv.Tag = 0x783217c6
	BlockEncodingBlockHashes   stlv.Tag = 0x76b3d7a0
	BlockEncodingBlockSizes    stlv.Tag = 0x27e5d3f2
)

// Delta encoding.
const (
	DeltaEncodingFormat       stlv.Tag = 0x3b8aeb9a
	DeltaEncodingInput        stlv.Tag = 0x4e08b9f1
	DeltaEncodingOriginalHash stlv.Tag = 0x64760e1c
	DeltaEncodingInputHash    stlv.Tag = 0x3a0d1307
)

// Definition is one row of the registry.
type Definition struct {
	Name     string
	Tag      stlv.Tag
	Optional bool
	Kind     stlv.Kind
	Doc      string
}

const (
	required = false
	optional = true
	value    = stlv.KindValue
	segment  = stlv.KindSegment
)

// definitions is the registry table. The Optional column is the
// authoritative annotation; init verifies that it matches the tag.
var definitions = []Definition{
	{"BUNDLE", Bundle, required, segment, "Bundle root segment."},
	{"BUNDLE_HEADER", BundleHeader, required, segment, "Bundle header segment, fully buffered before any payload."},
	{"BUNDLE_HEADER_MANIFEST", BundleHeaderManifest, required, value, "JSON manifest the bundle was built from."},
	{"BUNDLE_HEADER_HASH_ALGORITHM", BundleHeaderHashAlgorithm, required, value, "Hash algorithm of header, file, and delta hashes."},
	{"BUNDLE_HEADER_PAYLOAD_INDEX", BundleHeaderPayloadIndex, required, segment, "Entry in the payload index."},
	{"BUNDLE_HEADER_IS_INCREMENTAL", BundleHeaderIsIncremental, required, value, "Payloads omit blocks of a base version."},

	{"PAYLOAD_ENTRY_TYPE_SLOT", PayloadEntryTypeSlot, required, segment, "Payload is installed to a slot."},
	{"PAYLOAD_ENTRY_TYPE_EXECUTE", PayloadEntryTypeExecute, required, segment, "Payload is passed to a handler."},
	{"PAYLOAD_ENTRY_HEADER_HASH", PayloadEntryHeaderHash, required, value, "Hash of the payload's header record."},
	{"PAYLOAD_ENTRY_FILE_HASH", PayloadEntryFileHash, required, value, "Hash of the payload's data."},
	{"PAYLOAD_ENTRY_DELTA_ENCODING", PayloadEntryDeltaEncoding, required, segment, "Payload entry delta encoding."},
	{"PAYLOAD_TYPE_SLOT_SLOT", PayloadTypeSlotSlot, required, value, "Name of the target slot."},
	{"PAYLOAD_TYPE_EXECUTE_HANDLER", PayloadTypeExecuteHandler, required, value, "One argument of the handler command line."},

	{"BLOCK_INDEX", BlockIndex, required, segment, "Block index of an incremental base."},
	{"BLOCK_INDEX_CHUNKER", BlockIndexChunker, required, value, "Chunker of the block index."},
	{"BLOCK_INDEX_HASH_ALGORITHM", BlockIndexHashAlgorithm, required, value, "Hash algorithm of the block index."},
	{"BLOCK_INDEX_BLOCK_HASHES", BlockIndexBlockHashes, required, value, "Concatenated block hashes."},
	{"BLOCK_INDEX_BLOCK_SIZES", BlockIndexBlockSizes, required, value, "Concatenated big-endian block sizes."},

	{"SIGNATURES", Signatures, optional, segment, "Signatures segment of the bundle."},
	{"SIGNATURES_CMS_SIGNATURE", SignaturesCMSSignature, optional, value, "CMS signature."},
	{"SIGNATURES_SSH_SIGNATURE", SignaturesSSHSignature, optional, value, "SSH signature in wire format."},
	{"SIGNED_METADATA", SignedMetadata, required, segment, "Signed metadata."},
	{"SIGNED_METADATA_HEADER_HASH", SignedMetadataHeaderHash, required, value, "Signed metadata header hash."},

	{"PAYLOADS", Payloads, required, segment, "Payloads segment of the bundle."},
	{"PAYLOAD", Payload, required, segment, "Payload segment."},
	{"PAYLOAD_HEADER", PayloadHeader, required, segment, "Payload header segment."},
	{"PAYLOAD_DATA", PayloadData, required, value, "Data of the payload."},
	{"PAYLOAD_HEADER_BLOCK_ENCODING", PayloadHeaderBlockEncoding, required, segment, "Payload block encoding."},
	{"PAYLOAD_HEADER_COMPRESSION", PayloadHeaderCompression, required, segment, "Compression of the whole payload data."},

	{"COMPRESSION_XZ", CompressionXZ, required, segment, "XZ compression."},
	{"COMPRESSION_ZSTD", CompressionZstd, required, segment, "Zstandard compression."},
	{"COMPRESSION_LZ4", CompressionLZ4, required, segment, "LZ4 frame compression."},

	{"BLOCK_ENCODING_HASH_ALGORITHM", BlockEncodingHashAlgorithm, required, value, "Hash algorithm of the block hashes."},
	{"BLOCK_ENCODING_DEDUPLICATED", BlockEncodingDeduplicated, required, value, "Repeated blocks are stored once."},
	{"BLOCK_ENCODING_CHUNKER", BlockEncodingChunker, required, value, "Chunker used to split the payload."},
	{"BLOCK_ENCODING_COMPRESSION", BlockEncodingCompression, required, segment, "Compression of each stored block."},
	{"BLOCK_ENCODING_BLOCK_HASHES", BlockEncodingBlockHashes, required, value, "Block index."},
	{"BLOCK_ENCODING_BLOCK_SIZES", BlockEncodingBlockSizes, required, value, "Block sizes."},

	{"DELTA_ENCODING_FORMAT", DeltaEncodingFormat, required, value, "Delta encoding format."},
	{"DELTA_ENCODING_INPUT", DeltaEncodingInput, required, segment, "Delta encoding input."},
	{"DELTA_ENCODING_ORIGINAL_HASH", DeltaEncodingOriginalHash, required, value, "Hash of the reconstructed payload."},
	{"DELTA_ENCODING_INPUT_HASH", DeltaEncodingInputHash, required, value, "Hash to identify a delta encoding input."},
}

// byTag indexes definitions after the self-check.
var byTag map[stlv.Tag]*Definition

func init() {
	index, err := Check(definitions)
	if err != nil {
		panic("tags: invalid registry: " + err.Error())
	}
	byTag = index
}

// Check validates a tag table: every value and name must be unique and
// every Optional annotation must match the tag's top bit. It returns
// the table indexed by tag.
func Check(table []Definition) (map[stlv.Tag]*Definition, error) {
	index := make(map[stlv.Tag]*Definition, len(table))
	names := make(map[string]bool, len(table))
	for i := range table {
		definition := &table[i]
		if previous, ok := index[definition.Tag]; ok {
			return nil, fmt.Errorf("%s and %s share tag %s", previous.Name, definition.Name, definition.Tag)
		}
		if names[definition.Name] {
			return nil, fmt.Errorf("name %s is defined twice", definition.Name)
		}
		if definition.Optional && definition.Tag.IsRequired() {
			return nil, fmt.Errorf("%s is annotated optional but %s has the top bit clear", definition.Name, definition.Tag)
		}
		if !definition.Optional && definition.Tag.IsOptional() {
			return nil, fmt.Errorf("%s is annotated required but %s has the top bit set", definition.Name, definition.Tag)
		}
		index[definition.Tag] = definition
		names[definition.Name] = true
	}
	return index, nil
}

// IsOptional reports whether an unknown record with this tag may be
// skipped. Defined for all 2^32 values.
func IsOptional(tag stlv.Tag) bool {
	return tag.IsOptional()
}

// IsRequired reports whether an unknown record with this tag must
// abort decoding. Defined for all 2^32 values.
func IsRequired(tag stlv.Tag) bool {
	return tag.IsRequired()
}

// IsKnown reports whether the tag is in the registry.
func IsKnown(tag stlv.Tag) bool {
	_, ok := byTag[tag]
	return ok
}

// Name returns the symbolic name of a known tag.
func Name(tag stlv.Tag) (string, bool) {
	definition, ok := byTag[tag]
	if !ok {
		return "", false
	}
	return definition.Name, true
}

// NameOrHex returns the symbolic name of a tag, or its hex value when
// unknown. For diagnostics only.
func NameOrHex(tag stlv.Tag) string {
	if name, ok := Name(tag); ok {
		return name
	}
	return tag.String()
}

// Definitions returns a copy of the registry in table order.
func Definitions() []Definition {
	return append([]Definition(nil), definitions...)
}

// Schema is the bundle format's [stlv.Schema].
var Schema stlv.Schema = registrySchema{}

type registrySchema struct{}

func (registrySchema) Lookup(tag stlv.Tag) (string, stlv.Kind, bool) {
	definition, ok := byTag[tag]
	if !ok {
		return "", 0, false
	}
	return definition.Name, definition.Kind, true
}
