// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ComputeBlockIndex cuts r with chunker and hashes every block.
func ComputeBlockIndex(ctx context.Context, r io.Reader, chunker Chunker, algorithm HashAlgorithm) (*BlockIndex, error) {
	index := &BlockIndex{Chunker: chunker, HashAlgorithm: algorithm}
	blocks := chunker.NewChunkReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		block, _, err := blocks.Next()
		if errors.Is(err, io.EOF) {
			return index, nil
		}
		if err != nil {
			return nil, err
		}
		index.Append(algorithm.Sum(block), len(block))
	}
}

// ContentOptions supplies what decoding a payload may need from the
// device.
type ContentOptions struct {
	// Base is the content an incremental or delta payload was built
	// against, usually the active slot of the target's A/B pair.
	Base     io.ReaderAt
	BaseSize int64

	// Written reads back what has been written to the destination so
	// far. See [BlockDecoderOptions].
	Written io.ReaderAt
}

// Content returns a reader of the decoded payload: decompressed,
// reassembled from blocks, or patched, as the payload header says.
// The reader only returns io.EOF once the stored data has been read to
// its end and matched the file hash; any mismatch is returned in its
// place.
func (p *Payload) Content(ctx context.Context, options ContentOptions) (io.ReadCloser, error) {
	inner, err := p.decoder(ctx, options)
	if err != nil {
		return nil, err
	}
	return &contentReader{inner: inner, payload: p}, nil
}

func (p *Payload) decoder(ctx context.Context, options ContentOptions) (io.ReadCloser, error) {
	algorithm := p.reader.header.HashAlgorithm

	if p.Entry.Delta != nil {
		if options.Base == nil {
			return nil, fmt.Errorf("%w: delta payload needs a base", ErrDeltaBaseUnavailable)
		}
		if options.BaseSize > MaxDeltaBase {
			return nil, fmt.Errorf("%w: base is %d bytes, delta limit is %d", ErrDeltaBaseUnavailable, options.BaseSize, MaxDeltaBase)
		}
		base, err := io.ReadAll(io.NewSectionReader(options.Base, 0, options.BaseSize))
		if err != nil {
			return nil, fmt.Errorf("%w: reading base: %v", ErrDeltaBaseUnavailable, err)
		}
		patch, err := p.Header.Compression.NewDecompressor(p)
		if err != nil {
			return nil, err
		}
		reader, err := newDeltaReader(patch, p.Entry.Delta, algorithm, base)
		if err != nil {
			patch.Close()
			return nil, err
		}
		return reader, nil
	}

	if p.Header.BlockEncoding != nil {
		blockOptions := BlockDecoderOptions{Written: options.Written}
		if p.Entry.BaseIndex != nil && options.Base != nil {
			blockOptions.Source = NewIndexedSource(options.Base, p.Entry.BaseIndex)
		}
		decoder, err := NewBlockDecoder(ctx, p, p.Entry, p.Header, blockOptions)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(&blockReader{decoder: decoder}), nil
	}

	return p.Header.Compression.NewDecompressor(p)
}

// contentReader makes sure the stored data is consumed and verified
// even when the decoder stops reading early, as a decompressor does
// at the end of its frame.
type contentReader struct {
	inner   io.ReadCloser
	payload *Payload
}

func (r *contentReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if errors.Is(err, io.EOF) {
		if _, drainErr := io.Copy(io.Discard, r.payload); drainErr != nil {
			return n, drainErr
		}
		if r.payload.consumed != r.payload.size || !r.payload.verified {
			return n, corruptf("payload %d data was not consumed to its end", r.payload.Index)
		}
	}
	return n, err
}

func (r *contentReader) Close() error {
	return r.inner.Close()
}
