// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxVarintLength is the longest LEB128 encoding of a uint64.
const maxVarintLength = binary.MaxVarintLen64

// HeaderSize returns the encoded size of a record header (tag plus
// length prefix) for a value of the given length.
func HeaderSize(length uint64) int {
	size := 5
	for length >= 0x80 {
		length >>= 7
		size++
	}
	return size
}

// AppendHeader appends the encoded header of a record to dst.
func AppendHeader(dst []byte, tag Tag, length uint64) []byte {
	tagBytes := tag.Bytes()
	dst = append(dst, tagBytes[:]...)
	return binary.AppendUvarint(dst, length)
}

// WriteHeader writes the header of a record whose value of exactly
// length bytes the caller writes next.
func WriteHeader(w io.Writer, tag Tag, length uint64) error {
	var buffer [4 + maxVarintLength]byte
	encoded := AppendHeader(buffer[:0], tag, length)
	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("writing header of %s: %w", tag, err)
	}
	return nil
}

// parseHeader decodes a record header from the start of data and
// returns the tag, the value length, and the number of header bytes.
func parseHeader(data []byte) (Tag, uint64, int, error) {
	if len(data) < 4 {
		return 0, 0, 0, corruptf("truncated tag: %d bytes", len(data))
	}
	tag := TagFromBytes([4]byte(data[:4]))
	length, n, err := parseUvarint(data[4:])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("length of %s: %w", tag, err)
	}
	return tag, length, 4 + n, nil
}

// parseUvarint decodes a minimal LEB128 varint from data.
func parseUvarint(data []byte) (uint64, int, error) {
	var value uint64
	for i := 0; i < len(data) && i < maxVarintLength; i++ {
		b := data[i]
		if i == maxVarintLength-1 && b > 1 {
			return 0, 0, corruptf("varint overflows 64 bits")
		}
		value |= uint64(b&0x7f) << (7 * i)
		if b < 0x80 {
			if b == 0 && i > 0 {
				return 0, 0, corruptf("non-minimal varint")
			}
			return value, i + 1, nil
		}
	}
	if len(data) < maxVarintLength {
		return 0, 0, corruptf("truncated varint")
	}
	return 0, 0, corruptf("varint overflows 64 bits")
}

// readUvarint decodes a minimal LEB128 varint from r. A clean io.EOF
// before the first byte is returned unchanged.
func readUvarint(r io.ByteReader) (uint64, int, error) {
	var value uint64
	for i := 0; i < maxVarintLength; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if i == 0 {
					return 0, 0, io.EOF
				}
				return 0, i, corruptf("truncated varint")
			}
			return 0, i, err
		}
		if i == maxVarintLength-1 && b > 1 {
			return 0, i + 1, corruptf("varint overflows 64 bits")
		}
		value |= uint64(b&0x7f) << (7 * i)
		if b < 0x80 {
			if b == 0 && i > 0 {
				return 0, i + 1, corruptf("non-minimal varint")
			}
			return value, i + 1, nil
		}
	}
	return 0, maxVarintLength, corruptf("varint overflows 64 bits")
}
