// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stlv

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

// dumpPreviewBytes is how much of a leaf value Dump reads for display.
// Larger values are skipped without being buffered.
const dumpPreviewBytes = 48

// Dump writes an indented, human-readable listing of every record in r
// to w. Unknown tags are printed by value and marked optional or
// required; their contents are never interpreted. Dump streams, so it
// can list bundles far larger than memory.
func Dump(w io.Writer, r io.Reader, schema Schema) error {
	reader := NewReader(r)
	for {
		tag, length, err := reader.Next()
		if errors.Is(err, io.EOF) {
			if reader.Depth() == 0 {
				return nil
			}
			fmt.Fprintf(w, "%s}\n", strings.Repeat("  ", reader.Depth()-1))
			if err := reader.Leave(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		indent := strings.Repeat("  ", reader.Depth())
		name, kind, known := lookup(schema, tag)
		if !known {
			class := "required"
			if tag.IsOptional() {
				class = "optional"
			}
			fmt.Fprintf(w, "%s%s (unknown, %s) %d bytes\n", indent, tag, class, length)
			continue
		}

		if kind == KindSegment {
			fmt.Fprintf(w, "%s%s {  # %d bytes\n", indent, name, length)
			if err := reader.Enter(); err != nil {
				return err
			}
			continue
		}

		preview := make([]byte, min(length, dumpPreviewBytes))
		if _, err := io.ReadFull(reader, preview); err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		fmt.Fprintf(w, "%s%s = %s\n", indent, name, formatPreview(preview, length))
	}
}

// formatPreview renders a value prefix as quoted text when printable,
// hex otherwise, noting the full length when truncated.
func formatPreview(preview []byte, length uint64) string {
	var rendered string
	if isPrintable(preview) {
		rendered = fmt.Sprintf("%q", preview)
	} else {
		rendered = fmt.Sprintf("%x", preview)
	}
	if uint64(len(preview)) < length {
		rendered += fmt.Sprintf("... (%d bytes)", length)
	}
	return rendered
}

func isPrintable(data []byte) bool {
	if len(data) == 0 || !utf8.Valid(data) {
		return false
	}
	for _, r := range string(data) {
		if !unicode.IsPrint(r) && r != '\n' && r != '\t' {
			return false
		}
	}
	return true
}
