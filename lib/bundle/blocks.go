// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Block-encoded payload data is the concatenation of the stored
// blocks, each prefixed with its (possibly compressed) length as a
// uvarint. A block is stored unless one of two rules omits it, checked
// in this order:
//
//   - the payload entry carries a base index that lists the block's
//     hash: the block is read from the base on the device;
//   - the encoding is deduplicated and the hash occurred earlier in
//     this payload: the block is copied from the earlier occurrence.
//
// Encoder and decoder apply the same rules to the same hash sequence,
// so the data needs no per-block markers.

// blockPlan applies the omission rules.
type blockPlan struct {
	deduplicated bool
	base         map[string]bool
	seen         map[string]bool
}

type blockOrigin uint8

const (
	originStored blockOrigin = iota
	originBase
	originRepeat
)

func newBlockPlan(encoding *BlockEncoding, base *BlockIndex) *blockPlan {
	plan := &blockPlan{deduplicated: encoding.Deduplicated, seen: make(map[string]bool)}
	if base != nil {
		plan.base = make(map[string]bool, base.Len())
		for _, hash := range base.Hashes {
			plan.base[string(hash)] = true
		}
	}
	return plan
}

func (p *blockPlan) origin(hash []byte) blockOrigin {
	key := string(hash)
	defer func() { p.seen[key] = true }()
	if p.base[key] {
		return originBase
	}
	if p.deduplicated && p.seen[key] {
		return originRepeat
	}
	return originStored
}

// blockEncoder writes block-encoded payload data.
type blockEncoder struct {
	output   io.Writer
	encoding *BlockEncoding
	plan     *blockPlan

	stored  int
	omitted int
}

func newBlockEncoder(output io.Writer, encoding *BlockEncoding, base *BlockIndex) *blockEncoder {
	return &blockEncoder{output: output, encoding: encoding, plan: newBlockPlan(encoding, base)}
}

func (e *blockEncoder) add(block []byte) error {
	hash := e.encoding.Blocks.HashAlgorithm.Sum(block)
	e.encoding.Blocks.Append(hash, len(block))
	if e.plan.origin(hash) != originStored {
		e.omitted++
		return nil
	}
	compressed, err := e.encoding.Compression.CompressBlock(block)
	if err != nil {
		return err
	}
	prefix := binary.AppendUvarint(nil, uint64(len(compressed)))
	if _, err := e.output.Write(prefix); err != nil {
		return err
	}
	if _, err := e.output.Write(compressed); err != nil {
		return err
	}
	e.stored++
	return nil
}

// BlockSource supplies blocks that an incremental payload omits.
type BlockSource interface {
	// ReadBlock returns the block with the given hash and size. It
	// returns an error wrapping [ErrDeltaBaseUnavailable] when the
	// block cannot be found.
	ReadBlock(hash []byte, size uint32) ([]byte, error)
}

// IndexedSource serves blocks of a file described by a block index,
// typically the active slot of an A/B pair.
type IndexedSource struct {
	file      io.ReaderAt
	algorithm HashAlgorithm
	locations map[string]BlockLocation
}

// NewIndexedSource returns a source over file, whose content index
// describes.
func NewIndexedSource(file io.ReaderAt, index *BlockIndex) *IndexedSource {
	return &IndexedSource{file: file, algorithm: index.HashAlgorithm, locations: index.Locations()}
}

// ReadBlock reads the block and checks its hash, so a base that has
// changed since it was indexed is detected.
func (s *IndexedSource) ReadBlock(hash []byte, size uint32) ([]byte, error) {
	location, ok := s.locations[string(hash)]
	if !ok {
		return nil, fmt.Errorf("%w: block %s is not in the base", ErrDeltaBaseUnavailable, s.algorithm.Digest(hash))
	}
	if location.Size != size {
		return nil, fmt.Errorf("%w: block %s has size %d in the base, %d expected",
			ErrDeltaBaseUnavailable, s.algorithm.Digest(hash), location.Size, size)
	}
	block := make([]byte, size)
	if _, err := s.file.ReadAt(block, int64(location.Offset)); err != nil {
		return nil, fmt.Errorf("%w: reading base block at offset %d: %v", ErrDeltaBaseUnavailable, location.Offset, err)
	}
	if !bytes.Equal(s.algorithm.Sum(block), hash) {
		return nil, fmt.Errorf("%w: base block at offset %d does not match its index", ErrDeltaBaseUnavailable, location.Offset)
	}
	return block, nil
}

// Block is one decoded block.
type Block struct {
	Index  int
	Offset uint64
	Hash   []byte
	Data   []byte

	// Stored is false for blocks taken from the base or repeated from
	// an earlier offset.
	Stored bool
}

// BlockDecoder reconstructs block-encoded payload data block by block.
type BlockDecoder struct {
	ctx      context.Context
	data     *bufio.Reader
	encoding *BlockEncoding
	plan     *blockPlan
	source   BlockSource
	written  io.ReaderAt

	// first records where each hash first occurred; cache holds
	// block content when there is no written output to read back.
	first map[string]BlockLocation
	cache map[string][]byte

	index  int
	offset uint64
}

// BlockDecoderOptions supplies what decoding may need besides the
// payload data.
type BlockDecoderOptions struct {
	// Source serves blocks omitted by an incremental payload.
	Source BlockSource

	// Written reads back blocks already written to the destination,
	// for deduplicated payloads. When nil, repeated blocks are cached
	// in memory.
	Written io.ReaderAt
}

// NewBlockDecoder returns a decoder for a block-encoded payload.
func NewBlockDecoder(ctx context.Context, payload io.Reader, entry *PayloadEntry, header *PayloadHeader, options BlockDecoderOptions) (*BlockDecoder, error) {
	if header.BlockEncoding == nil {
		return nil, fmt.Errorf("payload is not block encoded")
	}
	if entry.BaseIndex != nil && options.Source == nil {
		return nil, fmt.Errorf("%w: incremental payload needs a base", ErrDeltaBaseUnavailable)
	}
	decoder := &BlockDecoder{
		ctx:      ctx,
		data:     bufio.NewReader(payload),
		encoding: header.BlockEncoding,
		plan:     newBlockPlan(header.BlockEncoding, entry.BaseIndex),
		source:   options.Source,
		written:  options.Written,
		first:    make(map[string]BlockLocation),
	}
	if decoder.written == nil && header.BlockEncoding.Deduplicated {
		decoder.cache = make(map[string][]byte)
	}
	return decoder, nil
}

// Next returns the next block. After the last block it makes sure the
// payload data is exhausted, which completes the file hash check, and
// returns io.EOF.
func (d *BlockDecoder) Next() (*Block, error) {
	if err := d.ctx.Err(); err != nil {
		return nil, err
	}
	blocks := &d.encoding.Blocks
	if d.index == blocks.Len() {
		var extra [1]byte
		n, err := io.ReadFull(d.data, extra[:])
		if n > 0 {
			return nil, corruptf("block data continues after the last block")
		}
		if !errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, io.EOF
	}

	hash := blocks.Hashes[d.index]
	size := blocks.Sizes[d.index]
	block := &Block{Index: d.index, Offset: d.offset, Hash: hash}
	var err error
	switch d.plan.origin(hash) {
	case originStored:
		block.Stored = true
		block.Data, err = d.readStored(size)
		if err == nil && !bytes.Equal(blocks.HashAlgorithm.Sum(block.Data), hash) {
			err = integrityf("block %d does not match its hash", d.index)
		}
	case originBase:
		block.Data, err = d.source.ReadBlock(hash, size)
	case originRepeat:
		block.Data, err = d.readRepeat(hash, size)
	}
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", d.index, err)
	}

	key := string(hash)
	if _, ok := d.first[key]; !ok {
		d.first[key] = BlockLocation{Offset: d.offset, Size: size}
		if d.cache != nil {
			d.cache[key] = block.Data
		}
	}
	d.index++
	d.offset += uint64(size)
	return block, nil
}

func (d *BlockDecoder) readStored(size uint32) ([]byte, error) {
	length, err := binary.ReadUvarint(d.data)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, corruptf("block data ends early")
		}
		return nil, err
	}
	limit := uint64(size)*2 + 4096
	if length > limit {
		return nil, corruptf("stored block is %d bytes for a %d byte block", length, size)
	}
	stored := make([]byte, length)
	if _, err := io.ReadFull(d.data, stored); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, corruptf("block data ends early")
		}
		return nil, err
	}
	return d.encoding.Compression.DecompressBlock(stored, int(size))
}

func (d *BlockDecoder) readRepeat(hash []byte, size uint32) ([]byte, error) {
	location, ok := d.first[string(hash)]
	if !ok {
		return nil, corruptf("repeated block has no earlier occurrence")
	}
	if d.cache != nil {
		return d.cache[string(hash)], nil
	}
	block := make([]byte, size)
	if _, err := d.written.ReadAt(block, int64(location.Offset)); err != nil {
		return nil, fmt.Errorf("reading back block at offset %d: %w", location.Offset, err)
	}
	if !bytes.Equal(d.encoding.Blocks.HashAlgorithm.Sum(block), hash) {
		return nil, integrityf("block written at offset %d reads back differently", location.Offset)
	}
	return block, nil
}

// blockReader adapts a BlockDecoder to io.Reader.
type blockReader struct {
	decoder *BlockDecoder
	pending []byte
}

func (r *blockReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		block, err := r.decoder.Next()
		if err != nil {
			return 0, err
		}
		r.pending = block.Data
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
