// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stlv

import (
	"encoding/binary"
	"fmt"
)

// Tag is an opaque 4-byte record identifier. On the wire it is encoded
// big-endian, so the top bit of the uint32 is the top bit of the first
// byte.
type Tag uint32

// optionalBit marks a tag whose record may be skipped by readers that
// do not know it.
const optionalBit Tag = 1 << 31

// TagFromBytes decodes a tag from its wire representation.
func TagFromBytes(b [4]byte) Tag {
	return Tag(binary.BigEndian.Uint32(b[:]))
}

// Bytes returns the wire representation of the tag.
func (t Tag) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(t))
	return b
}

// IsOptional reports whether a reader that does not know the tag may
// skip its record.
func (t Tag) IsOptional() bool {
	return t&optionalBit != 0
}

// IsRequired reports whether a reader that does not know the tag must
// refuse to continue.
func (t Tag) IsRequired() bool {
	return !t.IsOptional()
}

// String formats the tag as 8 hex digits.
func (t Tag) String() string {
	return fmt.Sprintf("0x%08x", uint32(t))
}

// Kind says how the value of a record is interpreted.
type Kind uint8

const (
	// KindValue is a leaf record whose value is opaque bytes.
	KindValue Kind = iota

	// KindSegment is a record whose value is a sequence of records.
	KindSegment
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindSegment:
		return "segment"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Schema supplies per-tag conventions to the codec. Known reports
// false for tags the reader does not understand; those are subject to
// the optional/required skip rule.
type Schema interface {
	// Lookup returns the symbolic name and kind of a tag.
	Lookup(tag Tag) (name string, kind Kind, known bool)
}

// TagName returns the symbolic name of tag in schema, or the hex form
// when the tag is unknown. Intended for diagnostics only.
func TagName(schema Schema, tag Tag) string {
	if name, _, known := lookup(schema, tag); known {
		return name
	}
	return tag.String()
}

// lookup is schema.Lookup with a nil schema knowing no tags.
func lookup(schema Schema, tag Tag) (string, Kind, bool) {
	if schema == nil {
		return "", 0, false
	}
	return schema.Lookup(tag)
}
