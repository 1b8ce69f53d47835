// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tags

import (
	"strings"
	"testing"

	"github.com/bureau-foundation/ota/lib/stlv"
)

func TestRegistryIsConsistent(t *testing.T) {
	seen := make(map[stlv.Tag]string)
	for _, definition := range Definitions() {
		if other, ok := seen[definition.Tag]; ok {
			t.Errorf("%s and %s share %s", other, definition.Name, definition.Tag)
		}
		seen[definition.Tag] = definition.Name

		if IsOptional(definition.Tag) != definition.Optional {
			t.Errorf("%s: IsOptional = %v, annotated %v", definition.Name, IsOptional(definition.Tag), definition.Optional)
		}
		if IsOptional(definition.Tag) == IsRequired(definition.Tag) {
			t.Errorf("%s: IsOptional and IsRequired agree", definition.Name)
		}
		if !IsKnown(definition.Tag) {
			t.Errorf("%s is not known", definition.Name)
		}
		if name, ok := Name(definition.Tag); !ok || name != definition.Name {
			t.Errorf("Name(%s) = %q, %v", definition.Tag, name, ok)
		}
		if definition.Doc == "" {
			t.Errorf("%s has no documentation", definition.Name)
		}
	}
}

func TestSignaturesAreOptional(t *testing.T) {
	// Older readers must be able to install bundles that gained
	// signatures they cannot check; the trust policy decides.
	for _, tag := range []stlv.Tag{Signatures, SignaturesCMSSignature, SignaturesSSHSignature} {
		if !IsOptional(tag) {
			t.Errorf("%s should be optional", NameOrHex(tag))
		}
	}
	for _, tag := range []stlv.Tag{Bundle, BundleHeader, Payloads, PayloadData, CompressionXZ, BlockIndex} {
		if !IsRequired(tag) {
			t.Errorf("%s should be required", NameOrHex(tag))
		}
	}
}

func TestUnknownTags(t *testing.T) {
	unknown := stlv.Tag(0x7abcdef0)
	if IsKnown(unknown) {
		t.Fatalf("%s unexpectedly known", unknown)
	}
	if _, ok := Name(unknown); ok {
		t.Error("Name resolved an unknown tag")
	}
	if NameOrHex(unknown) != "0x7abcdef0" {
		t.Errorf("NameOrHex = %q", NameOrHex(unknown))
	}
	if _, _, known := Schema.Lookup(unknown); known {
		t.Error("Schema knows an unknown tag")
	}
}

func TestPredicatesAreTotal(t *testing.T) {
	for _, tag := range []stlv.Tag{0, 1, 0x7fffffff, 0x80000000, 0xfffffffe, 0xffffffff} {
		if IsOptional(tag) == IsRequired(tag) {
			t.Errorf("%s: IsOptional == IsRequired", tag)
		}
		_ = IsKnown(tag)
	}
}

func TestCheckRejectsInconsistentTables(t *testing.T) {
	cases := []struct {
		name  string
		table []Definition
		want  string
	}{
		{
			name: "duplicate value",
			table: []Definition{
				{Name: "A", Tag: 0x11111111},
				{Name: "B", Tag: 0x11111111},
			},
			want: "share tag",
		},
		{
			name: "duplicate name",
			table: []Definition{
				{Name: "A", Tag: 0x11111111},
				{Name: "A", Tag: 0x22222222},
			},
			want: "defined twice",
		},
		{
			name:  "optional annotation on required tag",
			table: []Definition{{Name: "A", Tag: 0x11111111, Optional: true}},
			want:  "annotated optional",
		},
		{
			name:  "required annotation on optional tag",
			table: []Definition{{Name: "A", Tag: 0x91111111}},
			want:  "annotated required",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Check(c.table)
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("Check error = %v, want %q", err, c.want)
			}
		})
	}
}

func TestSchemaKinds(t *testing.T) {
	cases := map[stlv.Tag]stlv.Kind{
		Bundle:                   stlv.KindSegment,
		BundleHeaderManifest:     stlv.KindValue,
		PayloadData:              stlv.KindValue,
		CompressionXZ:            stlv.KindSegment,
		BlockEncodingBlockHashes: stlv.KindValue,
	}
	for tag, want := range cases {
		name, kind, known := Schema.Lookup(tag)
		if !known || kind != want {
			t.Errorf("Lookup(%s) = %s, %s, %v; want kind %s", tag, name, kind, known, want)
		}
	}
}
