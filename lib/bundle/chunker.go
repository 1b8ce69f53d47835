// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"strconv"
	"strings"
)

// ChunkerKind selects how a payload is split into blocks.
type ChunkerKind uint8

const (
	// ChunkerFixed cuts blocks of exactly the configured size. Suited
	// to filesystem images, whose content moves in whole filesystem
	// blocks.
	ChunkerFixed ChunkerKind = iota + 1

	// ChunkerGear cuts blocks at content-defined boundaries found with
	// a GearHash rolling hash, so an insertion only disturbs the
	// blocks around it.
	ChunkerGear
)

// Chunker is a chunking configuration, written "fixed-<KiB>" or
// "gear-<KiB>". For gear the size is the expected average; blocks are
// never shorter than a quarter of it or longer than four times it.
//
// Chunking parameters are part of the format: two bundles can only
// share blocks when they were cut with the same chunker.
type Chunker struct {
	Kind ChunkerKind

	// Size is the block size (fixed) or target average (gear) in
	// bytes. Always a power of two.
	Size int
}

const (
	minChunkerSize = 1024
	maxChunkerSize = 16 * 1024 * 1024
)

// ParseChunker parses a chunker name.
func ParseChunker(name string) (Chunker, error) {
	kindName, sizeText, found := strings.Cut(name, "-")
	if !found {
		return Chunker{}, fmt.Errorf("invalid chunker %q: expected <kind>-<KiB>", name)
	}
	var chunker Chunker
	switch kindName {
	case "fixed":
		chunker.Kind = ChunkerFixed
	case "gear":
		chunker.Kind = ChunkerGear
	default:
		return Chunker{}, fmt.Errorf("invalid chunker %q: unknown kind %q", name, kindName)
	}
	kibibytes, err := strconv.Atoi(sizeText)
	if err != nil || kibibytes <= 0 || strconv.Itoa(kibibytes) != sizeText {
		return Chunker{}, fmt.Errorf("invalid chunker %q: size must be a positive decimal number of KiB", name)
	}
	chunker.Size = kibibytes * 1024
	if err := chunker.Validate(); err != nil {
		return Chunker{}, err
	}
	return chunker, nil
}

// Validate checks the size constraints.
func (c Chunker) Validate() error {
	if c.Kind != ChunkerFixed && c.Kind != ChunkerGear {
		return fmt.Errorf("invalid chunker kind %d", c.Kind)
	}
	if c.Size < minChunkerSize || c.Size > maxChunkerSize || c.Size&(c.Size-1) != 0 {
		return fmt.Errorf("invalid chunker %s: size must be a power of two between %d and %d KiB",
			c, minChunkerSize/1024, maxChunkerSize/1024)
	}
	return nil
}

// String returns the wire name.
func (c Chunker) String() string {
	switch c.Kind {
	case ChunkerFixed:
		return fmt.Sprintf("fixed-%d", c.Size/1024)
	case ChunkerGear:
		return fmt.Sprintf("gear-%d", c.Size/1024)
	default:
		return fmt.Sprintf("unknown-%d", c.Size/1024)
	}
}

// MinBlockSize is the smallest block the chunker cuts, except for the
// final block of a payload.
func (c Chunker) MinBlockSize() int {
	if c.Kind == ChunkerGear {
		return c.Size / 4
	}
	return c.Size
}

// MaxBlockSize is the largest block the chunker cuts.
func (c Chunker) MaxBlockSize() int {
	if c.Kind == ChunkerGear {
		return c.Size * 4
	}
	return c.Size
}

// boundary returns the length of the block starting at data[0]. data
// holds at least MaxBlockSize bytes unless the input ends sooner.
func (c Chunker) boundary(data []byte) int {
	limit := min(len(data), c.MaxBlockSize())
	if c.Kind == ChunkerFixed {
		return limit
	}

	minimum := c.MinBlockSize()
	if limit <= minimum {
		return limit
	}
	mask := ^uint64(0) << (64 - bits.TrailingZeros(uint(c.Size)))

	// The rolling hash only depends on the last 64 bytes, and no
	// boundary is allowed before minimum, so hashing can start just
	// ahead of that point without changing any boundary.
	var hash uint64
	position := max(0, minimum-64-1)
	for position < limit {
		hash = (hash << 1) + gearTable[data[position]]
		position++
		if position >= minimum && hash&mask == 0 {
			return position
		}
	}
	return limit
}

// ChunkReader splits a stream into blocks.
type ChunkReader struct {
	source  io.Reader
	chunker Chunker
	buffer  []byte
	start   int
	end     int
	eof     bool
	offset  uint64
}

// NewChunkReader returns a reader that cuts r into blocks.
func (c Chunker) NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{
		source:  r,
		chunker: c,
		buffer:  make([]byte, 2*c.MaxBlockSize()),
	}
}

// Next returns the next block and its offset in the stream. The slice
// is only valid until the following call. Returns io.EOF after the
// last block; an empty stream has no blocks.
func (r *ChunkReader) Next() ([]byte, uint64, error) {
	if err := r.fill(); err != nil {
		return nil, 0, err
	}
	if r.start == r.end {
		return nil, 0, io.EOF
	}
	length := r.chunker.boundary(r.buffer[r.start:r.end])
	block := r.buffer[r.start : r.start+length]
	offset := r.offset
	r.start += length
	r.offset += uint64(length)
	return block, offset, nil
}

// fill makes sure at least MaxBlockSize bytes are buffered, or
// everything up to the end of the stream.
func (r *ChunkReader) fill() error {
	want := r.chunker.MaxBlockSize()
	if r.eof || r.end-r.start >= want {
		return nil
	}
	if r.start > 0 {
		r.end = copy(r.buffer, r.buffer[r.start:r.end])
		r.start = 0
	}
	for r.end < want {
		n, err := r.source.Read(r.buffer[r.end:])
		r.end += n
		if errors.Is(err, io.EOF) {
			r.eof = true
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// gearTable holds the GearHash byte constants. It is generated once
// from a fixed splitmix64 sequence; changing the seed changes every
// gear block boundary.
var gearTable = func() [256]uint64 {
	var table [256]uint64
	state := uint64(0x6f74616368756e6b)
	for i := range table {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		table[i] = z ^ (z >> 31)
	}
	return table
}()
