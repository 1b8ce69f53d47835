// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stlv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Reader decodes records from a stream in a single forward pass. It
// never buffers more than one record header ahead, so values of any
// size can be streamed through [Reader.Read].
//
// The reader tracks nesting explicitly: after [Reader.Next] returns a
// segment tag, the caller either calls [Reader.Enter] to iterate its
// children or moves on, in which case the whole segment is skipped.
// [Reader.Next] returns io.EOF at the end of the current segment (or of
// the stream at top level), after which the caller calls
// [Reader.Leave].
type Reader struct {
	source *bufio.Reader

	// offset is the number of bytes consumed from source.
	offset uint64

	// ends holds the end offsets of the segments entered so far.
	ends []uint64

	// valueStart and valueEnd delimit the current record's value.
	valueStart uint64
	valueEnd   uint64

	// inRecord is set between Next and the following Next or Enter.
	inRecord bool

	tag Tag
}

// NewReader returns a reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{source: bufio.NewReaderSize(r, 64*1024)}
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() uint64 {
	return r.offset
}

// Depth returns the number of segments currently entered.
func (r *Reader) Depth() int {
	return len(r.ends)
}

// Next discards whatever is left of the current record and reads the
// next record header. It returns io.EOF when the enclosing segment (or
// the stream, at top level) has no more records.
func (r *Reader) Next() (Tag, uint64, error) {
	if err := r.discardValue(); err != nil {
		return 0, 0, err
	}

	if len(r.ends) > 0 {
		end := r.ends[len(r.ends)-1]
		if r.offset == end {
			return 0, 0, io.EOF
		}
	}

	var tagBytes [4]byte
	n, err := io.ReadFull(r.source, tagBytes[:])
	r.offset += uint64(n)
	if err != nil {
		if errors.Is(err, io.EOF) && len(r.ends) == 0 {
			return 0, 0, io.EOF
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, 0, corruptf("truncated record header at offset %d", r.offset)
		}
		return 0, 0, err
	}
	tag := TagFromBytes(tagBytes)

	length, n, err := readUvarint(r.source)
	r.offset += uint64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, 0, corruptf("truncated length of %s", tag)
		}
		return 0, 0, fmt.Errorf("length of %s: %w", tag, err)
	}

	end := r.offset + length
	if end < r.offset {
		return 0, 0, corruptf("length of %s overflows", tag)
	}
	if len(r.ends) > 0 && end > r.ends[len(r.ends)-1] {
		return 0, 0, corruptf("%s declares %d bytes beyond its enclosing segment", tag, end-r.ends[len(r.ends)-1])
	}

	r.tag = tag
	r.valueStart = r.offset
	r.valueEnd = end
	r.inRecord = true
	return tag, length, nil
}

// Enter descends into the current record, treating its value as a
// sequence of records.
func (r *Reader) Enter() error {
	if !r.inRecord {
		return fmt.Errorf("stlv: Enter called without a current record")
	}
	if r.offset != r.valueStart {
		return fmt.Errorf("stlv: Enter called after reading from %s", r.tag)
	}
	r.ends = append(r.ends, r.valueEnd)
	r.inRecord = false
	return nil
}

// Leave skips the rest of the innermost entered segment and returns to
// its parent.
func (r *Reader) Leave() error {
	if len(r.ends) == 0 {
		return fmt.Errorf("stlv: Leave called at top level")
	}
	if err := r.discardValue(); err != nil {
		return err
	}
	end := r.ends[len(r.ends)-1]
	if err := r.discard(end - r.offset); err != nil {
		return err
	}
	r.ends = r.ends[:len(r.ends)-1]
	return nil
}

// Read reads from the value of the current record. It returns io.EOF
// once the value is exhausted.
func (r *Reader) Read(p []byte) (int, error) {
	if !r.inRecord {
		return 0, io.EOF
	}
	remaining := r.remaining()
	if remaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := r.source.Read(p)
	r.offset += uint64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, corruptf("value of %s truncated, %d bytes missing", r.tag, r.remaining())
		}
		return n, err
	}
	return n, nil
}

// ReadValue reads the complete value of the current record. Values
// longer than limit are rejected without being read.
func (r *Reader) ReadValue(limit uint64) ([]byte, error) {
	remaining := r.remaining()
	if remaining > limit {
		return nil, fmt.Errorf("value of %s is %d bytes, limit is %d", r.tag, remaining, limit)
	}
	value := make([]byte, remaining)
	if _, err := io.ReadFull(r, value); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, corruptf("value of %s truncated", r.tag)
		}
		return nil, err
	}
	return value, nil
}

// ReadRecord reads the complete current record, header included, and
// decodes it with schema. The raw encoding is returned alongside so
// callers can hash exactly the bytes that were on the wire.
func (r *Reader) ReadRecord(schema Schema, limit uint64) (*Node, []byte, error) {
	tag, length := r.tag, r.remaining()
	value, err := r.ReadValue(limit)
	if err != nil {
		return nil, nil, err
	}
	raw := AppendHeader(make([]byte, 0, HeaderSize(length)+len(value)), tag, length)
	raw = append(raw, value...)
	node, err := Decode(raw, schema)
	if err != nil {
		return nil, nil, err
	}
	return node, raw, nil
}

// remaining returns the unread bytes of the current record's value.
func (r *Reader) remaining() uint64 {
	if !r.inRecord || r.offset >= r.valueEnd {
		return 0
	}
	return r.valueEnd - r.offset
}

// discardValue skips the unread part of the current record.
func (r *Reader) discardValue() error {
	if !r.inRecord {
		return nil
	}
	if err := r.discard(r.remaining()); err != nil {
		return err
	}
	r.inRecord = false
	return nil
}

// discard skips n bytes of the source.
func (r *Reader) discard(n uint64) error {
	for n > 0 {
		step := n
		if step > 1<<30 {
			step = 1 << 30
		}
		discarded, err := r.source.Discard(int(step))
		r.offset += uint64(discarded)
		n -= uint64(discarded)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return corruptf("stream ends %d bytes before the end of the current record", n)
			}
			return err
		}
	}
	return nil
}
