// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stlv

import (
	"errors"
	"fmt"
)

// ErrCorrupt is returned for data that cannot be a valid encoding:
// truncated records, lengths that overflow their enclosing segment,
// non-minimal varints, or leaf values with the wrong shape.
var ErrCorrupt = errors.New("corrupt STLV data")

// ErrNewerFormat is returned when a required tag is not known to the
// reader. The data may well be intact; it was written by a newer
// version of the format, and the reader has to be updated.
var ErrNewerFormat = errors.New("data uses a newer format version than this reader supports")

// UnsupportedTagError reports an unknown required tag together with the
// segment it was found in. It matches [ErrNewerFormat] with errors.Is.
type UnsupportedTagError struct {
	// Tag is the unknown tag.
	Tag Tag

	// Segment is the name of the enclosing segment, empty at top level.
	Segment string
}

func (e *UnsupportedTagError) Error() string {
	location := "at top level"
	if e.Segment != "" {
		location = "in " + e.Segment
	}
	return fmt.Sprintf("unsupported required tag %s %s: %v (update this tool to read it)",
		e.Tag, location, ErrNewerFormat)
}

// Unwrap makes the error match ErrNewerFormat.
func (e *UnsupportedTagError) Unwrap() error {
	return ErrNewerFormat
}

// corruptf formats an error wrapping ErrCorrupt.
func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}
