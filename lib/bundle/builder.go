// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bureau-foundation/ota/lib/bundle/tags"
	"github.com/bureau-foundation/ota/lib/stlv"
)

// Signer produces one signature over a bundle's signed metadata.
type Signer interface {
	// Sign signs message and returns the tag of the signature record
	// (for example SIGNATURES_SSH_SIGNATURE) with its value.
	Sign(message []byte) (stlv.Tag, []byte, error)
}

// BuildOptions configures [Build].
type BuildOptions struct {
	// Dir is the directory manifest paths are relative to.
	Dir string

	// TempDir holds encoded payload data until the header is
	// complete. Empty means the system default.
	TempDir string

	Signers []Signer

	Logger *slog.Logger
}

// BuildResult summarizes a built bundle.
type BuildResult struct {
	Header     *Header
	BundleHash []byte
	Size       uint64
}

// builtPayload is an encoded payload waiting for the header.
type builtPayload struct {
	entry     PayloadEntry
	headerRaw []byte
	data      *os.File
	size      uint64
}

// Build encodes the payloads described by manifest and writes the
// bundle to w.
//
// Payload data is encoded into temporary files first: the header,
// which must precede the payloads, holds the hash of every payload's
// data.
func Build(ctx context.Context, manifest *Manifest, w io.Writer, options BuildOptions) (*BuildResult, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	algorithm := DefaultHashAlgorithm
	if manifest.HashAlgorithm != "" {
		algorithm = HashAlgorithm(manifest.HashAlgorithm)
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	header := &Header{
		Manifest:      manifestJSON,
		HashAlgorithm: algorithm,
		IsIncremental: manifest.incremental(),
	}

	var payloads []*builtPayload
	defer func() {
		for _, payload := range payloads {
			payload.data.Close()
			os.Remove(payload.data.Name())
		}
	}()
	for i := range manifest.Payloads {
		payload, err := buildPayload(ctx, &manifest.Payloads[i], algorithm, options)
		if payload != nil {
			payloads = append(payloads, payload)
		}
		if err != nil {
			return nil, fmt.Errorf("payload %d (%s): %w", i, manifest.Payloads[i].Filename, err)
		}
		header.Payloads = append(header.Payloads, payload.entry)
		logger.Info("encoded payload",
			"index", i,
			"file", manifest.Payloads[i].Filename,
			"target", payload.entry.Target.String(),
			"size", payload.size,
			"file_hash", algorithm.Digest(payload.entry.FileHash).String(),
		)
	}

	headerRaw := header.Node().Encode()
	bundleHash := algorithm.Sum(headerRaw)

	var signaturesRaw []byte
	if len(options.Signers) > 0 {
		message := SignedMetadata(bundleHash)
		signatures := stlv.NewSegment(tags.Signatures)
		for _, signer := range options.Signers {
			tag, signature, err := signer.Sign(message)
			if err != nil {
				return nil, fmt.Errorf("signing bundle: %w", err)
			}
			signatures.Add(stlv.NewValue(tag, signature))
		}
		signaturesRaw = signatures.Encode()
	}

	var payloadsLength uint64
	for _, payload := range payloads {
		payloadsLength += payload.recordLength()
	}
	bundleLength := uint64(len(headerRaw)) + uint64(len(signaturesRaw)) +
		uint64(stlv.HeaderSize(payloadsLength)) + payloadsLength

	counter := &countingWriter{w: w}
	if err := stlv.WriteHeader(counter, tags.Bundle, bundleLength); err != nil {
		return nil, err
	}
	if _, err := counter.Write(headerRaw); err != nil {
		return nil, err
	}
	if _, err := counter.Write(signaturesRaw); err != nil {
		return nil, err
	}
	if err := stlv.WriteHeader(counter, tags.Payloads, payloadsLength); err != nil {
		return nil, err
	}
	for _, payload := range payloads {
		if err := payload.writeTo(counter); err != nil {
			return nil, err
		}
	}

	logger.Info("built bundle",
		"payloads", len(payloads),
		"size", counter.n,
		"incremental", header.IsIncremental,
		"signatures", len(options.Signers),
		"bundle_hash", algorithm.Digest(bundleHash).String(),
	)
	return &BuildResult{Header: header, BundleHash: bundleHash, Size: counter.n}, nil
}

func (p *builtPayload) contentLength() uint64 {
	return uint64(len(p.headerRaw)) + uint64(stlv.HeaderSize(p.size)) + p.size
}

func (p *builtPayload) recordLength() uint64 {
	length := p.contentLength()
	return uint64(stlv.HeaderSize(length)) + length
}

func (p *builtPayload) writeTo(w io.Writer) error {
	if err := stlv.WriteHeader(w, tags.Payload, p.contentLength()); err != nil {
		return err
	}
	if _, err := w.Write(p.headerRaw); err != nil {
		return err
	}
	if err := stlv.WriteHeader(w, tags.PayloadData, p.size); err != nil {
		return err
	}
	if _, err := p.data.Seek(0, io.SeekStart); err != nil {
		return err
	}
	copied, err := io.Copy(w, p.data)
	if err != nil {
		return err
	}
	if uint64(copied) != p.size {
		return fmt.Errorf("payload data changed size while building: %d bytes, expected %d", copied, p.size)
	}
	return nil
}

func buildPayload(ctx context.Context, manifest *PayloadManifest, algorithm HashAlgorithm, options BuildOptions) (*builtPayload, error) {
	data, err := os.CreateTemp(options.TempDir, "payload-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary file: %w", err)
	}
	payload := &builtPayload{data: data}

	input, err := os.Open(resolve(options.Dir, manifest.Filename))
	if err != nil {
		return payload, err
	}
	defer input.Close()

	fileHasher := algorithm.New()
	output := &countingWriter{w: io.MultiWriter(data, fileHasher)}
	source := &contextReader{ctx: ctx, r: input}

	payloadHeader := &PayloadHeader{}
	entry := &payload.entry
	if manifest.Slot != "" {
		entry.Target = Target{Kind: TargetSlot, Slot: manifest.Slot}
	} else {
		entry.Target = Target{Kind: TargetExecute, Handler: manifest.Execute}
	}
	payloadHeader.Compression, _ = ParseCompression(manifest.Compression)

	switch {
	case manifest.BlockEncoding != nil:
		err = encodeBlocks(ctx, source, output, manifest.BlockEncoding, options.Dir, payloadHeader, entry)
	case manifest.DeltaEncoding != nil:
		err = encodeDeltaPayload(source, output, manifest.DeltaEncoding, options.Dir, algorithm, payloadHeader, entry)
	default:
		err = compressPayload(source, output, payloadHeader.Compression)
	}
	if err != nil {
		return payload, err
	}

	payload.headerRaw = payloadHeader.Node().Encode()
	payload.size = output.n
	entry.HeaderHash = algorithm.Sum(payload.headerRaw)
	entry.FileHash = fileHasher.Sum(nil)
	return payload, nil
}

func compressPayload(input io.Reader, output io.Writer, compression Compression) error {
	compressor, err := compression.NewCompressor(output)
	if err != nil {
		return err
	}
	if _, err := io.Copy(compressor, input); err != nil {
		compressor.Close()
		return err
	}
	return compressor.Close()
}

func encodeBlocks(ctx context.Context, input io.Reader, output io.Writer, manifest *BlockEncodingManifest, dir string, payloadHeader *PayloadHeader, entry *PayloadEntry) error {
	chunker, _ := ParseChunker(manifest.Chunker)
	blockAlgorithm := DefaultHashAlgorithm
	if manifest.HashAlgorithm != "" {
		blockAlgorithm = HashAlgorithm(manifest.HashAlgorithm)
	}
	compression, _ := ParseCompression(manifest.Compression)
	encoding := &BlockEncoding{
		Blocks:       BlockIndex{Chunker: chunker, HashAlgorithm: blockAlgorithm},
		Deduplicated: manifest.Deduplicate,
		Compression:  compression,
	}

	if manifest.Base != "" {
		base, err := os.Open(resolve(dir, manifest.Base))
		if err != nil {
			return fmt.Errorf("opening incremental base: %w", err)
		}
		index, err := ComputeBlockIndex(ctx, base, chunker, blockAlgorithm)
		base.Close()
		if err != nil {
			return fmt.Errorf("indexing incremental base: %w", err)
		}
		entry.BaseIndex = index
	}

	encoder := newBlockEncoder(output, encoding, entry.BaseIndex)
	blocks := chunker.NewChunkReader(input)
	for {
		block, _, err := blocks.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := encoder.add(block); err != nil {
			return err
		}
	}
	payloadHeader.BlockEncoding = encoding
	return nil
}

func encodeDeltaPayload(input io.Reader, output io.Writer, manifest *DeltaEncodingManifest, dir string, algorithm HashAlgorithm, payloadHeader *PayloadHeader, entry *PayloadEntry) error {
	base, err := os.ReadFile(resolve(dir, manifest.Base))
	if err != nil {
		return fmt.Errorf("reading delta base: %w", err)
	}
	originalHasher := algorithm.New()
	compressor, err := payloadHeader.Compression.NewCompressor(output)
	if err != nil {
		return err
	}
	if err := encodeDelta(compressor, base, io.TeeReader(input, originalHasher)); err != nil {
		compressor.Close()
		return err
	}
	if err := compressor.Close(); err != nil {
		return err
	}
	entry.Delta = &DeltaEncoding{
		Format:       DeltaZstd,
		Inputs:       []DeltaInput{{Hashes: [][]byte{algorithm.Sum(base)}}},
		OriginalHash: originalHasher.Sum(nil),
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// contextReader stops a long encode when ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
