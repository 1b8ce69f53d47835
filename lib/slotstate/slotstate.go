// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package slotstate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bureau-foundation/ota/lib/bundle"
	"github.com/bureau-foundation/ota/lib/codec"
)

// Record describes the content installed into a slot.
type Record struct {
	Slot string `json:"slot"`

	// InstallID identifies the installation run (a UUIDv7).
	InstallID string `json:"install_id"`

	InstalledAt time.Time `json:"installed_at"`

	// BundleHash is the digest of the bundle the content came from.
	BundleHash string `json:"bundle_hash"`

	// ContentHash is the digest of the content as written.
	ContentHash string `json:"content_hash"`

	// Size is the number of content bytes written.
	Size int64 `json:"size"`

	// Blocks is the block index of the content, when the payload was
	// block encoded.
	Blocks *BlockIndex `json:"blocks,omitempty"`
}

// BlockIndex is the stored form of a [bundle.BlockIndex].
type BlockIndex struct {
	Chunker       string `json:"chunker"`
	HashAlgorithm string `json:"hash_algorithm"`

	// Hashes is the concatenation of all block hashes.
	Hashes []byte   `json:"hashes"`
	Sizes  []uint32 `json:"sizes"`
}

// NewBlockIndex converts a block index for storage.
func NewBlockIndex(index *bundle.BlockIndex) *BlockIndex {
	stored := &BlockIndex{
		Chunker:       index.Chunker.String(),
		HashAlgorithm: string(index.HashAlgorithm),
		Sizes:         append([]uint32(nil), index.Sizes...),
	}
	for _, hash := range index.Hashes {
		stored.Hashes = append(stored.Hashes, hash...)
	}
	return stored
}

// Decode converts the stored index back.
func (b *BlockIndex) Decode() (*bundle.BlockIndex, error) {
	chunker, err := bundle.ParseChunker(b.Chunker)
	if err != nil {
		return nil, err
	}
	algorithm, err := bundle.ParseHashAlgorithm(b.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	size := algorithm.Size()
	if len(b.Hashes) != size*len(b.Sizes) {
		return nil, fmt.Errorf("stored block index has %d hash bytes for %d blocks", len(b.Hashes), len(b.Sizes))
	}
	index := &bundle.BlockIndex{Chunker: chunker, HashAlgorithm: algorithm}
	for i, blockSize := range b.Sizes {
		index.Append(b.Hashes[i*size:(i+1)*size], int(blockSize))
	}
	return index, nil
}

// Content returns the algorithm and raw hash of the recorded content.
func (r *Record) Content() (bundle.HashAlgorithm, []byte, error) {
	return bundle.ParseDigest(r.ContentHash)
}

// Store reads and writes the records under a state directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at the state directory. The
// directory is created on the first write.
func NewStore(stateDir string) *Store {
	return &Store{dir: filepath.Join(stateDir, "slots")}
}

func (s *Store) path(slot string) (string, error) {
	if slot == "" || slot == "." || slot == ".." || strings.ContainsAny(slot, `/\`) {
		return "", fmt.Errorf("slot name %q cannot name a state file", slot)
	}
	return filepath.Join(s.dir, slot+".cbor"), nil
}

// Read returns the record of a slot. When there is none, the error
// wraps os.ErrNotExist.
func (s *Store) Read(slot string) (*Record, error) {
	path, err := s.path(slot)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record Record
	if err := codec.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parsing slot record %s: %w", path, err)
	}
	if record.Slot != slot {
		return nil, fmt.Errorf("slot record %s belongs to slot %q", path, record.Slot)
	}
	return &record, nil
}

// Raw returns the encoded record of a slot.
func (s *Store) Raw(slot string) ([]byte, error) {
	path, err := s.path(slot)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Write atomically replaces the record of record.Slot.
func (s *Store) Write(record *Record) error {
	path, err := s.path(record.Slot)
	if err != nil {
		return err
	}
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding slot record: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temporary slot record: %w", err)
	}
	// Write, sync, close, in that order. If any step fails, remove the
	// temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary slot record: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary slot record: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary slot record: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming slot record into place: %w", err)
	}

	// The rename is only durable once the directory is.
	if directory, err := os.Open(s.dir); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

// Clear removes the record of a slot. Idempotent: returns nil when
// there is no record.
func (s *Store) Clear(slot string) error {
	path, err := s.path(slot)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing slot record: %w", err)
	}
	return nil
}
