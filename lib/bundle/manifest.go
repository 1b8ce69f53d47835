// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// Manifest describes the bundle to build. Manifests are authored as
// JSONC (JSON with comments and trailing commas); the normalized JSON
// is embedded in the bundle header.
type Manifest struct {
	// HashAlgorithm for header, file, and delta hashes. Defaults to
	// [DefaultHashAlgorithm].
	HashAlgorithm string `json:"hash_algorithm,omitempty"`

	Payloads []PayloadManifest `json:"payloads"`
}

// PayloadManifest describes one payload.
type PayloadManifest struct {
	// Filename is the payload content, relative to the manifest.
	Filename string `json:"filename"`

	// Exactly one of Slot and Execute names the target.
	Slot    string   `json:"slot,omitempty"`
	Execute []string `json:"execute,omitempty"`

	// Compression of the whole payload. Not combined with
	// BlockEncoding, which has its own.
	Compression string `json:"compression,omitempty"`

	BlockEncoding *BlockEncodingManifest `json:"block_encoding,omitempty"`
	DeltaEncoding *DeltaEncodingManifest `json:"delta_encoding,omitempty"`
}

// BlockEncodingManifest configures block encoding.
type BlockEncodingManifest struct {
	Chunker       string `json:"chunker"`
	HashAlgorithm string `json:"hash_algorithm,omitempty"`
	Deduplicate   bool   `json:"deduplicate,omitempty"`
	Compression   string `json:"compression,omitempty"`

	// Base is the version installed on the devices this bundle is
	// meant for. When set, blocks the base already has are left out
	// and the bundle is incremental.
	Base string `json:"base,omitempty"`
}

// DeltaEncodingManifest configures delta encoding.
type DeltaEncodingManifest struct {
	Format string `json:"format,omitempty"`

	// Base is the file the delta is computed against.
	Base string `json:"base"`
}

// ParseManifest parses JSONC manifest text. Unknown fields are
// rejected so that typos do not silently change a bundle.
func ParseManifest(data []byte) (*Manifest, error) {
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()
	var manifest Manifest
	if err := decoder.Decode(&manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return manifest, nil
}

// Validate checks the manifest without touching any payload file.
func (m *Manifest) Validate() error {
	var errs []error
	if m.HashAlgorithm != "" {
		if _, err := ParseHashAlgorithm(m.HashAlgorithm); err != nil {
			errs = append(errs, err)
		}
	}
	for i := range m.Payloads {
		if err := m.Payloads[i].validate(); err != nil {
			errs = append(errs, fmt.Errorf("payloads[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (p *PayloadManifest) validate() error {
	var errs []error
	if p.Filename == "" {
		errs = append(errs, fmt.Errorf("filename is required"))
	}
	if (p.Slot == "") == (len(p.Execute) == 0) {
		errs = append(errs, fmt.Errorf("exactly one of slot and execute is required"))
	}
	if _, err := ParseCompression(p.Compression); err != nil {
		errs = append(errs, err)
	}
	if p.BlockEncoding != nil {
		if p.Compression != "" && p.Compression != "none" {
			errs = append(errs, fmt.Errorf("compression cannot be combined with block_encoding; use block_encoding.compression"))
		}
		if p.DeltaEncoding != nil {
			errs = append(errs, fmt.Errorf("block_encoding and delta_encoding are exclusive"))
		}
		if _, err := ParseChunker(p.BlockEncoding.Chunker); err != nil {
			errs = append(errs, err)
		}
		if p.BlockEncoding.HashAlgorithm != "" {
			if _, err := ParseHashAlgorithm(p.BlockEncoding.HashAlgorithm); err != nil {
				errs = append(errs, err)
			}
		}
		if _, err := ParseCompression(p.BlockEncoding.Compression); err != nil {
			errs = append(errs, err)
		}
	}
	if p.DeltaEncoding != nil {
		if p.DeltaEncoding.Base == "" {
			errs = append(errs, fmt.Errorf("delta_encoding.base is required"))
		}
		if format := p.DeltaEncoding.Format; format != "" && DeltaFormat(format) != DeltaZstd {
			errs = append(errs, fmt.Errorf("unknown delta format %q", format))
		}
	}
	return errors.Join(errs...)
}

// incremental reports whether any payload has an incremental base.
func (m *Manifest) incremental() bool {
	for _, payload := range m.Payloads {
		if payload.BlockEncoding != nil && payload.BlockEncoding.Base != "" {
			return true
		}
	}
	return false
}

// resolve makes a manifest path absolute relative to dir.
func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
