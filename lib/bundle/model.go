// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bureau-foundation/ota/lib/bundle/tags"
	"github.com/bureau-foundation/ota/lib/stlv"
)

// Header is the decoded BUNDLE_HEADER. It carries everything needed to
// authenticate the bundle and to plan an installation before any
// payload byte is read.
type Header struct {
	// Manifest is the JSON manifest the bundle was built from. It is
	// informational; installation is driven by Payloads.
	Manifest json.RawMessage

	// HashAlgorithm is used for header, file, and delta input hashes.
	HashAlgorithm HashAlgorithm

	// IsIncremental marks bundles whose payloads omit blocks of a
	// base version that the device already has.
	IsIncremental bool

	// Payloads is the payload index. The PAYLOADS segment holds
	// exactly one payload per entry, in the same order.
	Payloads []PayloadEntry
}

// TargetKind says where a payload goes.
type TargetKind uint8

const (
	// TargetSlot installs the payload into a named slot.
	TargetSlot TargetKind = iota + 1

	// TargetExecute streams the payload into a handler command.
	TargetExecute
)

// Target is the destination of a payload.
type Target struct {
	Kind TargetKind

	// Slot names the slot for TargetSlot.
	Slot string

	// Handler is the command line for TargetExecute.
	Handler []string
}

func (t Target) String() string {
	switch t.Kind {
	case TargetSlot:
		return "slot " + t.Slot
	case TargetExecute:
		return "execute " + strings.Join(t.Handler, " ")
	default:
		return "unknown target"
	}
}

// PayloadEntry describes one payload in the payload index.
type PayloadEntry struct {
	Target Target

	// HeaderHash is the hash of the payload's encoded PAYLOAD_HEADER
	// record.
	HeaderHash []byte

	// FileHash is the hash of the payload's PAYLOAD_DATA value, as
	// stored in the bundle.
	FileHash []byte

	// Delta is set when the payload data is a patch against content
	// that must already exist on the device.
	Delta *DeltaEncoding

	// BaseIndex is set in incremental bundles. Blocks listed in it are
	// omitted from the payload data and read from the base instead.
	BaseIndex *BlockIndex
}

// DeltaFormat names a delta encoding.
type DeltaFormat string

// DeltaZstd is a zstd frame compressed against the single input, which
// serves as a raw dictionary.
const DeltaZstd DeltaFormat = "zstd"

// DeltaEncoding describes how to reconstruct a delta-encoded payload.
type DeltaEncoding struct {
	Format DeltaFormat

	// Inputs are the base files the patch refers to. Each input is
	// identified by one or more acceptable hashes.
	Inputs []DeltaInput

	// OriginalHash is the hash of the reconstructed payload.
	OriginalHash []byte
}

// DeltaInput identifies one base file.
type DeltaInput struct {
	Hashes [][]byte
}

// BlockIndex lists the blocks of a file: the hash and size of each
// block, in order.
type BlockIndex struct {
	Chunker       Chunker
	HashAlgorithm HashAlgorithm
	Hashes        [][]byte
	Sizes         []uint32
}

// Len returns the number of blocks.
func (b *BlockIndex) Len() int {
	return len(b.Hashes)
}

// TotalSize returns the size of the indexed file.
func (b *BlockIndex) TotalSize() uint64 {
	var total uint64
	for _, size := range b.Sizes {
		total += uint64(size)
	}
	return total
}

// Append adds a block.
func (b *BlockIndex) Append(hash []byte, size int) {
	b.Hashes = append(b.Hashes, hash)
	b.Sizes = append(b.Sizes, uint32(size))
}

// BlockLocation is where a block sits within an indexed file.
type BlockLocation struct {
	Offset uint64
	Size   uint32
}

// Locations maps each distinct block hash to its first occurrence.
func (b *BlockIndex) Locations() map[string]BlockLocation {
	locations := make(map[string]BlockLocation, len(b.Hashes))
	var offset uint64
	for i, hash := range b.Hashes {
		if _, ok := locations[string(hash)]; !ok {
			locations[string(hash)] = BlockLocation{Offset: offset, Size: b.Sizes[i]}
		}
		offset += uint64(b.Sizes[i])
	}
	return locations
}

// compatible reports whether hashes of the two indexes are comparable.
func (b *BlockIndex) compatible(other *BlockIndex) bool {
	return b.Chunker == other.Chunker && b.HashAlgorithm == other.HashAlgorithm
}

// PayloadHeader is the decoded PAYLOAD_HEADER.
type PayloadHeader struct {
	// Compression applies to the payload data as a whole. It is never
	// combined with BlockEncoding, which compresses per block.
	Compression Compression

	BlockEncoding *BlockEncoding
}

// BlockEncoding describes payload data stored as a sequence of blocks.
type BlockEncoding struct {
	// Blocks indexes the decoded payload.
	Blocks BlockIndex

	// Deduplicated means a block whose hash already occurred earlier
	// in the payload is not stored again.
	Deduplicated bool

	// Compression is applied to each stored block separately.
	Compression Compression
}

// Signatures is the decoded SIGNATURES segment.
type Signatures struct {
	CMS [][]byte
	SSH [][]byte
}

// Empty reports whether there are no signatures at all.
func (s *Signatures) Empty() bool {
	return s == nil || len(s.CMS) == 0 && len(s.SSH) == 0
}

// SignedMetadata returns the encoded SIGNED_METADATA record covering a
// bundle hash. This is the message every signature signs. It is
// derived, never stored in the bundle.
func SignedMetadata(bundleHash []byte) []byte {
	return stlv.NewSegment(tags.SignedMetadata,
		stlv.NewValue(tags.SignedMetadataHeaderHash, bundleHash),
	).Encode()
}

// Node encodes the header.
func (h *Header) Node() *stlv.Node {
	node := stlv.NewSegment(tags.BundleHeader,
		stlv.NewValue(tags.BundleHeaderManifest, h.Manifest),
		stlv.NewString(tags.BundleHeaderHashAlgorithm, string(h.HashAlgorithm)),
	)
	if h.IsIncremental {
		node.Add(stlv.NewBool(tags.BundleHeaderIsIncremental, true))
	}
	for i := range h.Payloads {
		node.Add(h.Payloads[i].node())
	}
	return node
}

func (e *PayloadEntry) node() *stlv.Node {
	var target *stlv.Node
	switch e.Target.Kind {
	case TargetSlot:
		target = stlv.NewSegment(tags.PayloadEntryTypeSlot,
			stlv.NewString(tags.PayloadTypeSlotSlot, e.Target.Slot))
	case TargetExecute:
		target = stlv.NewSegment(tags.PayloadEntryTypeExecute)
		for _, argument := range e.Target.Handler {
			target.Add(stlv.NewString(tags.PayloadTypeExecuteHandler, argument))
		}
	}
	node := stlv.NewSegment(tags.BundleHeaderPayloadIndex,
		target,
		stlv.NewValue(tags.PayloadEntryHeaderHash, e.HeaderHash),
		stlv.NewValue(tags.PayloadEntryFileHash, e.FileHash),
	)
	if e.Delta != nil {
		node.Add(e.Delta.node())
	}
	if e.BaseIndex != nil {
		node.Add(e.BaseIndex.node(tags.BlockIndex, tags.BlockIndexChunker,
			tags.BlockIndexHashAlgorithm, tags.BlockIndexBlockHashes, tags.BlockIndexBlockSizes))
	}
	return node
}

func (d *DeltaEncoding) node() *stlv.Node {
	node := stlv.NewSegment(tags.PayloadEntryDeltaEncoding,
		stlv.NewString(tags.DeltaEncodingFormat, string(d.Format)))
	for _, input := range d.Inputs {
		inputNode := stlv.NewSegment(tags.DeltaEncodingInput)
		for _, hash := range input.Hashes {
			inputNode.Add(stlv.NewValue(tags.DeltaEncodingInputHash, hash))
		}
		node.Add(inputNode)
	}
	node.Add(stlv.NewValue(tags.DeltaEncodingOriginalHash, d.OriginalHash))
	return node
}

// node encodes a block list. The index and the block encoding share
// a layout under different tags.
func (b *BlockIndex) node(segment, chunker, algorithm, hashes, sizes stlv.Tag) *stlv.Node {
	concatenated := make([]byte, 0, len(b.Hashes)*b.HashAlgorithm.Size())
	for _, hash := range b.Hashes {
		concatenated = append(concatenated, hash...)
	}
	return stlv.NewSegment(segment,
		stlv.NewString(chunker, b.Chunker.String()),
		stlv.NewString(algorithm, string(b.HashAlgorithm)),
		stlv.NewValue(hashes, concatenated),
		stlv.NewUint32s(sizes, b.Sizes),
	)
}

// Node encodes the payload header.
func (p *PayloadHeader) Node() *stlv.Node {
	node := stlv.NewSegment(tags.PayloadHeader,
		p.Compression.node(tags.PayloadHeaderCompression))
	if p.BlockEncoding != nil {
		encoding := p.BlockEncoding
		blocks := encoding.Blocks.node(tags.PayloadHeaderBlockEncoding, tags.BlockEncodingChunker,
			tags.BlockEncodingHashAlgorithm, tags.BlockEncodingBlockHashes, tags.BlockEncodingBlockSizes)
		if encoding.Deduplicated {
			blocks.Add(stlv.NewBool(tags.BlockEncodingDeduplicated, true))
		}
		blocks.Add(encoding.Compression.node(tags.BlockEncodingCompression))
		node.Add(blocks)
	}
	return node
}

// Node encodes the signatures.
func (s *Signatures) Node() *stlv.Node {
	node := stlv.NewSegment(tags.Signatures)
	for _, signature := range s.CMS {
		node.Add(stlv.NewValue(tags.SignaturesCMSSignature, signature))
	}
	for _, signature := range s.SSH {
		node.Add(stlv.NewValue(tags.SignaturesSSHSignature, signature))
	}
	return node
}

// fieldTracker rejects repeated single-valued fields.
type fieldTracker struct {
	segment stlv.Tag
	seen    map[stlv.Tag]bool
}

func newFieldTracker(segment stlv.Tag) *fieldTracker {
	return &fieldTracker{segment: segment, seen: make(map[stlv.Tag]bool)}
}

func (f *fieldTracker) once(tag stlv.Tag) error {
	if f.seen[tag] {
		return duplicateTag(f.segment, tag)
	}
	f.seen[tag] = true
	return nil
}

func (f *fieldTracker) require(tags ...stlv.Tag) error {
	for _, tag := range tags {
		if !f.seen[tag] {
			return missingTag(f.segment, tag)
		}
	}
	return nil
}

func valueOf(node *stlv.Node) ([]byte, error) {
	if node.Kind != stlv.KindValue {
		return nil, corruptf("%s is a segment, expected a value", tags.NameOrHex(node.Tag))
	}
	return node.Value, nil
}

// DecodeHeader decodes a BUNDLE_HEADER node.
func DecodeHeader(node *stlv.Node) (*Header, error) {
	if node.Tag != tags.BundleHeader {
		return nil, corruptf("expected BUNDLE_HEADER, found %s", tags.NameOrHex(node.Tag))
	}
	header := &Header{}
	fields := newFieldTracker(node.Tag)
	var entries []*stlv.Node
	for _, child := range node.Children {
		switch child.Tag {
		case tags.BundleHeaderManifest:
			if err := fields.once(child.Tag); err != nil {
				return nil, err
			}
			manifest, err := valueOf(child)
			if err != nil {
				return nil, err
			}
			if !json.Valid(manifest) {
				return nil, corruptf("bundle manifest is not valid JSON")
			}
			header.Manifest = manifest
		case tags.BundleHeaderHashAlgorithm:
			if err := fields.once(child.Tag); err != nil {
				return nil, err
			}
			algorithm, err := decodeHashAlgorithm(child)
			if err != nil {
				return nil, err
			}
			header.HashAlgorithm = algorithm
		case tags.BundleHeaderIsIncremental:
			if err := fields.once(child.Tag); err != nil {
				return nil, err
			}
			incremental, err := child.AsBool()
			if err != nil {
				return nil, err
			}
			header.IsIncremental = incremental
		case tags.BundleHeaderPayloadIndex:
			entries = append(entries, child)
		default:
			return nil, unexpectedTag(node.Tag, child.Tag)
		}
	}
	if err := fields.require(tags.BundleHeaderManifest, tags.BundleHeaderHashAlgorithm); err != nil {
		return nil, err
	}

	header.Payloads = make([]PayloadEntry, 0, len(entries))
	for i, entryNode := range entries {
		entry, err := decodePayloadEntry(entryNode, header.HashAlgorithm)
		if err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}
		if entry.BaseIndex != nil && !header.IsIncremental {
			return nil, fmt.Errorf("payload %d: %w", i, corruptf("block index in a bundle that is not incremental"))
		}
		header.Payloads = append(header.Payloads, *entry)
	}
	return header, nil
}

func decodeHashAlgorithm(node *stlv.Node) (HashAlgorithm, error) {
	name, err := node.AsString()
	if err != nil {
		return "", err
	}
	algorithm, err := ParseHashAlgorithm(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", stlv.ErrNewerFormat, err)
	}
	return algorithm, nil
}

func decodeChunker(node *stlv.Node) (Chunker, error) {
	name, err := node.AsString()
	if err != nil {
		return Chunker{}, err
	}
	chunker, err := ParseChunker(name)
	if err != nil {
		return Chunker{}, fmt.Errorf("%w: %v", stlv.ErrNewerFormat, err)
	}
	return chunker, nil
}

func decodePayloadEntry(node *stlv.Node, algorithm HashAlgorithm) (*PayloadEntry, error) {
	entry := &PayloadEntry{}
	fields := newFieldTracker(node.Tag)
	targets := 0
	for _, child := range node.Children {
		switch child.Tag {
		case tags.PayloadEntryTypeSlot:
			targets++
			slot, err := decodeSlotTarget(child)
			if err != nil {
				return nil, err
			}
			entry.Target = Target{Kind: TargetSlot, Slot: slot}
		case tags.PayloadEntryTypeExecute:
			targets++
			handler, err := decodeExecuteTarget(child)
			if err != nil {
				return nil, err
			}
			entry.Target = Target{Kind: TargetExecute, Handler: handler}
		case tags.PayloadEntryHeaderHash, tags.PayloadEntryFileHash:
			if err := fields.once(child.Tag); err != nil {
				return nil, err
			}
			hash, err := valueOf(child)
			if err != nil {
				return nil, err
			}
			if err := algorithm.checkHash(tags.NameOrHex(child.Tag), hash); err != nil {
				return nil, err
			}
			if child.Tag == tags.PayloadEntryHeaderHash {
				entry.HeaderHash = hash
			} else {
				entry.FileHash = hash
			}
		case tags.PayloadEntryDeltaEncoding:
			if err := fields.once(child.Tag); err != nil {
				return nil, err
			}
			delta, err := decodeDeltaEncoding(child, algorithm)
			if err != nil {
				return nil, err
			}
			entry.Delta = delta
		case tags.BlockIndex:
			if err := fields.once(child.Tag); err != nil {
				return nil, err
			}
			index, err := decodeBlockIndex(child, tags.BlockIndexChunker,
				tags.BlockIndexHashAlgorithm, tags.BlockIndexBlockHashes, tags.BlockIndexBlockSizes)
			if err != nil {
				return nil, err
			}
			entry.BaseIndex = index
		default:
			return nil, unexpectedTag(node.Tag, child.Tag)
		}
	}
	if targets != 1 {
		return nil, corruptf("payload entry has %d targets, expected one", targets)
	}
	if err := fields.require(tags.PayloadEntryHeaderHash, tags.PayloadEntryFileHash); err != nil {
		return nil, err
	}
	return entry, nil
}

func decodeSlotTarget(node *stlv.Node) (string, error) {
	if len(node.Children) != 1 || node.Children[0].Tag != tags.PayloadTypeSlotSlot {
		return "", corruptf("%s must hold exactly one slot name", tags.NameOrHex(node.Tag))
	}
	slot, err := node.Children[0].AsString()
	if err != nil {
		return "", err
	}
	if slot == "" {
		return "", corruptf("empty slot name")
	}
	return slot, nil
}

func decodeExecuteTarget(node *stlv.Node) ([]string, error) {
	var handler []string
	for _, child := range node.Children {
		if child.Tag != tags.PayloadTypeExecuteHandler {
			return nil, unexpectedTag(node.Tag, child.Tag)
		}
		argument, err := child.AsString()
		if err != nil {
			return nil, err
		}
		handler = append(handler, argument)
	}
	if len(handler) == 0 {
		return nil, corruptf("execute target has no handler command")
	}
	return handler, nil
}

func decodeDeltaEncoding(node *stlv.Node, algorithm HashAlgorithm) (*DeltaEncoding, error) {
	delta := &DeltaEncoding{}
	fields := newFieldTracker(node.Tag)
	for _, child := range node.Children {
		switch child.Tag {
		case tags.DeltaEncodingFormat:
			if err := fields.once(child.Tag); err != nil {
				return nil, err
			}
			format, err := child.AsString()
			if err != nil {
				return nil, err
			}
			if DeltaFormat(format) != DeltaZstd {
				return nil, fmt.Errorf("%w: delta format %q", stlv.ErrNewerFormat, format)
			}
			delta.Format = DeltaFormat(format)
		case tags.DeltaEncodingInput:
			var input DeltaInput
			for _, hashNode := range child.Children {
				if hashNode.Tag != tags.DeltaEncodingInputHash {
					return nil, unexpectedTag(child.Tag, hashNode.Tag)
				}
				hash, err := valueOf(hashNode)
				if err != nil {
					return nil, err
				}
				if err := algorithm.checkHash("delta input hash", hash); err != nil {
					return nil, err
				}
				input.Hashes = append(input.Hashes, hash)
			}
			if len(input.Hashes) == 0 {
				return nil, corruptf("delta input without hashes")
			}
			delta.Inputs = append(delta.Inputs, input)
		case tags.DeltaEncodingOriginalHash:
			if err := fields.once(child.Tag); err != nil {
				return nil, err
			}
			hash, err := valueOf(child)
			if err != nil {
				return nil, err
			}
			if err := algorithm.checkHash("original hash", hash); err != nil {
				return nil, err
			}
			delta.OriginalHash = hash
		default:
			return nil, unexpectedTag(node.Tag, child.Tag)
		}
	}
	if err := fields.require(tags.DeltaEncodingFormat, tags.DeltaEncodingOriginalHash); err != nil {
		return nil, err
	}
	if len(delta.Inputs) != 1 {
		return nil, corruptf("%s delta needs exactly one input, found %d", delta.Format, len(delta.Inputs))
	}
	return delta, nil
}

// decodeBlockIndex decodes the fields shared by BLOCK_INDEX and
// PAYLOAD_HEADER_BLOCK_ENCODING. Other children are left to the
// caller through extra.
func decodeBlockIndex(node *stlv.Node, chunkerTag, algorithmTag, hashesTag, sizesTag stlv.Tag,
	extra ...func(child *stlv.Node, fields *fieldTracker) (bool, error)) (*BlockIndex, error) {
	index := &BlockIndex{}
	fields := newFieldTracker(node.Tag)
	var hashes []byte
	var sizes *stlv.Node
children:
	for _, child := range node.Children {
		switch child.Tag {
		case chunkerTag:
			if err := fields.once(child.Tag); err != nil {
				return nil, err
			}
			chunker, err := decodeChunker(child)
			if err != nil {
				return nil, err
			}
			index.Chunker = chunker
		case algorithmTag:
			if err := fields.once(child.Tag); err != nil {
				return nil, err
			}
			algorithm, err := decodeHashAlgorithm(child)
			if err != nil {
				return nil, err
			}
			index.HashAlgorithm = algorithm
		case hashesTag:
			if err := fields.once(child.Tag); err != nil {
				return nil, err
			}
			value, err := valueOf(child)
			if err != nil {
				return nil, err
			}
			hashes = value
		case sizesTag:
			if err := fields.once(child.Tag); err != nil {
				return nil, err
			}
			sizes = child
		default:
			for _, handle := range extra {
				handled, err := handle(child, fields)
				if err != nil {
					return nil, err
				}
				if handled {
					continue children
				}
			}
			return nil, unexpectedTag(node.Tag, child.Tag)
		}
	}
	if err := fields.require(chunkerTag, algorithmTag, hashesTag, sizesTag); err != nil {
		return nil, err
	}

	split, err := index.HashAlgorithm.splitHashes("block hashes", hashes)
	if err != nil {
		return nil, err
	}
	index.Hashes = split
	index.Sizes, err = sizes.AsUint32s()
	if err != nil {
		return nil, err
	}
	if len(index.Sizes) != len(index.Hashes) {
		return nil, corruptf("%d block hashes but %d block sizes", len(index.Hashes), len(index.Sizes))
	}
	maximum := uint32(index.Chunker.MaxBlockSize())
	for i, size := range index.Sizes {
		if size == 0 || size > maximum {
			return nil, corruptf("block %d has size %d, %s allows 1 to %d", i, size, index.Chunker, maximum)
		}
	}
	return index, nil
}

// DecodePayloadHeader decodes a PAYLOAD_HEADER node.
func DecodePayloadHeader(node *stlv.Node) (*PayloadHeader, error) {
	if node.Tag != tags.PayloadHeader {
		return nil, corruptf("expected PAYLOAD_HEADER, found %s", tags.NameOrHex(node.Tag))
	}
	header := &PayloadHeader{}
	fields := newFieldTracker(node.Tag)
	for _, child := range node.Children {
		if err := fields.once(child.Tag); err != nil {
			return nil, err
		}
		switch child.Tag {
		case tags.PayloadHeaderCompression:
			compression, err := decodeCompression(child)
			if err != nil {
				return nil, err
			}
			header.Compression = compression
		case tags.PayloadHeaderBlockEncoding:
			encoding, err := decodeBlockEncoding(child)
			if err != nil {
				return nil, err
			}
			header.BlockEncoding = encoding
		default:
			return nil, unexpectedTag(node.Tag, child.Tag)
		}
	}
	if header.BlockEncoding != nil && header.Compression != CompressionNone {
		return nil, corruptf("payload combines block encoding with whole-payload compression")
	}
	return header, nil
}

func decodeBlockEncoding(node *stlv.Node) (*BlockEncoding, error) {
	encoding := &BlockEncoding{}
	extra := func(child *stlv.Node, fields *fieldTracker) (bool, error) {
		switch child.Tag {
		case tags.BlockEncodingDeduplicated:
			if err := fields.once(child.Tag); err != nil {
				return true, err
			}
			deduplicated, err := child.AsBool()
			encoding.Deduplicated = deduplicated
			return true, err
		case tags.BlockEncodingCompression:
			if err := fields.once(child.Tag); err != nil {
				return true, err
			}
			compression, err := decodeCompression(child)
			encoding.Compression = compression
			return true, err
		}
		return false, nil
	}
	blocks, err := decodeBlockIndex(node, tags.BlockEncodingChunker, tags.BlockEncodingHashAlgorithm,
		tags.BlockEncodingBlockHashes, tags.BlockEncodingBlockSizes, extra)
	if err != nil {
		return nil, err
	}
	encoding.Blocks = *blocks
	return encoding, nil
}

// DecodeSignatures decodes a SIGNATURES node.
func DecodeSignatures(node *stlv.Node) (*Signatures, error) {
	if node.Tag != tags.Signatures {
		return nil, corruptf("expected SIGNATURES, found %s", tags.NameOrHex(node.Tag))
	}
	signatures := &Signatures{}
	for _, child := range node.Children {
		value, err := valueOf(child)
		if err != nil {
			return nil, err
		}
		switch child.Tag {
		case tags.SignaturesCMSSignature:
			signatures.CMS = append(signatures.CMS, value)
		case tags.SignaturesSSHSignature:
			signatures.SSH = append(signatures.SSH, value)
		default:
			return nil, unexpectedTag(node.Tag, child.Tag)
		}
	}
	return signatures, nil
}
