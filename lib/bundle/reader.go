// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/bureau-foundation/ota/lib/bundle/tags"
	"github.com/bureau-foundation/ota/lib/stlv"
)

// MaxHeaderSize bounds the BUNDLE_HEADER record, which is buffered in
// memory before anything else happens.
const MaxHeaderSize = 64 * 1024 * 1024

// maxPayloadHeaderSize bounds a PAYLOAD_HEADER record. Block hashes of
// a multi-gigabyte image at 4 KiB blocks fit comfortably.
const maxPayloadHeaderSize = 256 * 1024 * 1024

// maxSignaturesSize bounds the SIGNATURES record.
const maxSignaturesSize = 16 * 1024 * 1024

// Reader reads a bundle in a single forward pass.
//
// Reading happens in two phases. [NewReader] consumes the bundle
// header and any signatures placed before the payloads, so the caller
// can authenticate the bundle and plan the installation first. The
// payloads are then streamed one at a time with [Reader.NextPayload].
// Every byte of payload data is checked against the header before the
// reader reports the payload as complete.
type Reader struct {
	stream *stlv.Reader

	header     *Header
	headerNode *stlv.Node
	bundleHash []byte
	signatures *Signatures

	payloadsSeen bool
	done         bool

	next    int
	current *Payload
}

// NewReader reads the bundle header of r and positions the reader
// before the first payload.
func NewReader(r io.Reader) (*Reader, error) {
	reader := &Reader{stream: stlv.NewReader(r)}

	tag, _, err := reader.stream.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, corruptf("empty bundle")
		}
		return nil, err
	}
	if tag != tags.Bundle {
		return nil, corruptf("expected BUNDLE, found %s", tags.NameOrHex(tag))
	}
	if err := reader.stream.Enter(); err != nil {
		return nil, err
	}

	tag, length, err := reader.stream.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, missingTag(tags.Bundle, tags.BundleHeader)
		}
		return nil, err
	}
	if tag != tags.BundleHeader {
		return nil, corruptf("bundle starts with %s, expected BUNDLE_HEADER", tags.NameOrHex(tag))
	}
	if length > MaxHeaderSize {
		return nil, fmt.Errorf("bundle header is %d bytes, limit is %d", length, MaxHeaderSize)
	}
	node, raw, err := reader.stream.ReadRecord(tags.Schema, MaxHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("reading bundle header: %w", err)
	}
	header, err := DecodeHeader(node)
	if err != nil {
		return nil, fmt.Errorf("decoding bundle header: %w", err)
	}
	reader.header = header
	reader.headerNode = node
	reader.bundleHash = header.HashAlgorithm.Sum(raw)

	if err := reader.advanceToPayloads(); err != nil {
		return nil, err
	}
	return reader, nil
}

// Header returns the decoded bundle header.
func (r *Reader) Header() *Header {
	return r.header
}

// HeaderNode returns the bundle header as decoded records.
func (r *Reader) HeaderNode() *stlv.Node {
	return r.headerNode
}

// BundleHash returns the hash of the encoded BUNDLE_HEADER record.
// Signatures cover this value through [SignedMetadata].
func (r *Reader) BundleHash() []byte {
	return r.bundleHash
}

// Signatures returns the signatures read so far, or nil. Signatures
// written after the payloads only become available once all payloads
// have been read.
func (r *Reader) Signatures() *Signatures {
	return r.signatures
}

// advanceToPayloads reads top-level records until PAYLOADS is entered
// or the bundle ends.
func (r *Reader) advanceToPayloads() error {
	for {
		tag, length, err := r.stream.Next()
		if errors.Is(err, io.EOF) {
			return r.finish()
		}
		if err != nil {
			return err
		}
		switch tag {
		case tags.Signatures:
			if err := r.readSignatures(length); err != nil {
				return err
			}
		case tags.Payloads:
			if r.payloadsSeen {
				return duplicateTag(tags.Bundle, tags.Payloads)
			}
			if err := r.stream.Enter(); err != nil {
				return err
			}
			r.payloadsSeen = true
			return nil
		case tags.BundleHeader:
			return duplicateTag(tags.Bundle, tags.BundleHeader)
		default:
			if err := r.skipUnknown(tags.Bundle, tag); err != nil {
				return err
			}
		}
	}
}

func (r *Reader) readSignatures(length uint64) error {
	if r.signatures != nil {
		return duplicateTag(tags.Bundle, tags.Signatures)
	}
	if length > maxSignaturesSize {
		return fmt.Errorf("signatures are %d bytes, limit is %d", length, maxSignaturesSize)
	}
	node, _, err := r.stream.ReadRecord(tags.Schema, maxSignaturesSize)
	if err != nil {
		return fmt.Errorf("reading signatures: %w", err)
	}
	signatures, err := DecodeSignatures(node)
	if err != nil {
		return err
	}
	r.signatures = signatures
	return nil
}

// skipUnknown lets unknown optional records pass and rejects
// everything else.
func (r *Reader) skipUnknown(segment, tag stlv.Tag) error {
	if tags.IsKnown(tag) {
		return unexpectedTag(segment, tag)
	}
	if tag.IsOptional() {
		return nil
	}
	return &stlv.UnsupportedTagError{Tag: tag, Segment: tags.NameOrHex(segment)}
}

// finish validates the end of the bundle.
func (r *Reader) finish() error {
	if r.next != len(r.header.Payloads) {
		return integrityf("bundle holds %d payloads, header lists %d", r.next, len(r.header.Payloads))
	}
	if err := r.stream.Leave(); err != nil {
		return err
	}
	if _, _, err := r.stream.Next(); !errors.Is(err, io.EOF) {
		if err != nil {
			return err
		}
		return corruptf("trailing data after bundle")
	}
	r.done = true
	return nil
}

// NextPayload returns the next payload, or io.EOF after the last one.
// The previous payload, if not read to the end, is drained and
// verified first.
func (r *Reader) NextPayload(ctx context.Context) (*Payload, error) {
	if r.current != nil {
		if err := r.current.drain(); err != nil {
			return nil, err
		}
		r.current = nil
	}
	if r.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for {
		tag, _, err := r.stream.Next()
		if errors.Is(err, io.EOF) {
			if err := r.stream.Leave(); err != nil {
				return nil, err
			}
			// Only the end of the bundle or a second PAYLOADS, which is
			// an error, can follow.
			if err := r.advanceToPayloads(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		if tag == tags.Payload {
			break
		}
		if err := r.skipUnknown(tags.Payloads, tag); err != nil {
			return nil, err
		}
	}

	index := r.next
	r.next++
	if index >= len(r.header.Payloads) {
		return nil, integrityf("bundle holds more payloads than the %d its header lists", len(r.header.Payloads))
	}
	entry := &r.header.Payloads[index]
	if err := r.stream.Enter(); err != nil {
		return nil, err
	}

	payloadHeader, err := r.readPayloadHeader(entry)
	if err != nil {
		return nil, fmt.Errorf("payload %d: %w", index, err)
	}

	for {
		tag, length, err := r.stream.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("payload %d: %w", index, missingTag(tags.Payload, tags.PayloadData))
		}
		if err != nil {
			return nil, err
		}
		if tag == tags.PayloadData {
			payload := &Payload{
				Index:  index,
				Entry:  entry,
				Header: payloadHeader,
				size:   length,
				reader: r,
				ctx:    ctx,
				hasher: r.header.HashAlgorithm.New(),
			}
			r.current = payload
			return payload, nil
		}
		if err := r.skipUnknown(tags.Payload, tag); err != nil {
			return nil, err
		}
	}
}

func (r *Reader) readPayloadHeader(entry *PayloadEntry) (*PayloadHeader, error) {
	for {
		tag, length, err := r.stream.Next()
		if errors.Is(err, io.EOF) {
			return nil, missingTag(tags.Payload, tags.PayloadHeader)
		}
		if err != nil {
			return nil, err
		}
		if tag != tags.PayloadHeader {
			if err := r.skipUnknown(tags.Payload, tag); err != nil {
				return nil, err
			}
			continue
		}
		if length > maxPayloadHeaderSize {
			return nil, fmt.Errorf("payload header is %d bytes, limit is %d", length, maxPayloadHeaderSize)
		}
		node, raw, err := r.stream.ReadRecord(tags.Schema, maxPayloadHeaderSize)
		if err != nil {
			return nil, err
		}
		if sum := r.header.HashAlgorithm.Sum(raw); !bytes.Equal(sum, entry.HeaderHash) {
			return nil, integrityf("payload header hash is %s, index says %s",
				r.header.HashAlgorithm.Digest(sum), r.header.HashAlgorithm.Digest(entry.HeaderHash))
		}
		header, err := DecodePayloadHeader(node)
		if err != nil {
			return nil, err
		}
		if err := checkPayloadHeader(entry, header); err != nil {
			return nil, err
		}
		return header, nil
	}
}

// checkPayloadHeader cross-checks a payload header against its index
// entry.
func checkPayloadHeader(entry *PayloadEntry, header *PayloadHeader) error {
	if entry.BaseIndex != nil {
		if header.BlockEncoding == nil {
			return corruptf("incremental payload is not block encoded")
		}
		if !header.BlockEncoding.Blocks.compatible(entry.BaseIndex) {
			return corruptf("base index uses %s/%s, block encoding uses %s/%s",
				entry.BaseIndex.Chunker, entry.BaseIndex.HashAlgorithm,
				header.BlockEncoding.Blocks.Chunker, header.BlockEncoding.Blocks.HashAlgorithm)
		}
	}
	if entry.Delta != nil && header.BlockEncoding != nil {
		return corruptf("payload combines delta and block encoding")
	}
	return nil
}

// Verify reads and verifies every remaining payload.
func (r *Reader) Verify(ctx context.Context) error {
	for {
		payload, err := r.NextPayload(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := payload.drain(); err != nil {
			return fmt.Errorf("payload %d: %w", payload.Index, err)
		}
	}
}

// Payload is one payload being streamed out of a bundle. Its data is
// read through [Payload.Read], which returns io.EOF only after the
// file hash has been verified.
type Payload struct {
	Index  int
	Entry  *PayloadEntry
	Header *PayloadHeader

	size     uint64
	consumed uint64
	reader   *Reader
	ctx      context.Context
	hasher   hash.Hash
	verified bool
	drained  bool
	err      error
}

// Size returns the length of the payload data as stored.
func (p *Payload) Size() uint64 {
	return p.size
}

// Read reads payload data as stored in the bundle: still compressed,
// block encoded, or delta encoded as the header says. A hash mismatch
// is reported as an [ErrIntegrity] error in place of io.EOF.
func (p *Payload) Read(buffer []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.reader.current != p {
		return 0, fmt.Errorf("payload %d read after the reader moved on", p.Index)
	}
	if err := p.ctx.Err(); err != nil {
		p.err = err
		return 0, err
	}
	n, err := p.reader.stream.Read(buffer)
	p.hasher.Write(buffer[:n])
	p.consumed += uint64(n)
	if errors.Is(err, io.EOF) {
		if verifyErr := p.verify(); verifyErr != nil {
			p.err = verifyErr
			return n, verifyErr
		}
		return n, io.EOF
	}
	if err != nil {
		p.err = err
	}
	return n, err
}

func (p *Payload) verify() error {
	if p.verified {
		return nil
	}
	if p.consumed != p.size {
		return corruptf("payload data ended after %d of %d bytes", p.consumed, p.size)
	}
	algorithm := p.reader.header.HashAlgorithm
	if sum := p.hasher.Sum(nil); !bytes.Equal(sum, p.Entry.FileHash) {
		return integrityf("payload %d file hash is %s, index says %s",
			p.Index, algorithm.Digest(sum), algorithm.Digest(p.Entry.FileHash))
	}
	p.verified = true
	return nil
}

// drain reads the rest of the data, verifies it, and leaves the
// PAYLOAD segment.
func (p *Payload) drain() error {
	if p.drained {
		return nil
	}
	if !p.verified {
		if _, err := io.Copy(io.Discard, p); err != nil {
			return err
		}
		if err := p.verify(); err != nil {
			return err
		}
	}
	// Records after PAYLOAD_DATA must be unknown optional ones.
	for {
		tag, _, err := p.reader.stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := p.reader.skipUnknown(tags.Payload, tag); err != nil {
			return err
		}
	}
	p.drained = true
	return p.reader.stream.Leave()
}
