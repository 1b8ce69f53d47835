// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"hash"
	"io"
	"math/bits"

	"github.com/klauspost/compress/zstd"
)

// MaxDeltaBase bounds the base of a zstd delta. The whole base is held
// in memory as the dictionary, and the window must reach back over
// all of it.
const MaxDeltaBase = zstd.MaxWindowSize / 2

// deltaWindow returns a window large enough to reference the whole
// base from anywhere in a target of similar size.
func deltaWindow(baseSize int) int {
	window := 1 << bits.Len(uint(2*baseSize))
	return min(max(window, zstd.MinWindowSize), zstd.MaxWindowSize)
}

// encodeDelta writes target as a zstd patch against base.
func encodeDelta(w io.Writer, base []byte, target io.Reader) error {
	if len(base) > MaxDeltaBase {
		return fmt.Errorf("delta base is %d bytes, limit is %d", len(base), MaxDeltaBase)
	}
	encoder, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		zstd.WithWindowSize(deltaWindow(len(base))),
		zstd.WithEncoderDictRaw(0, base),
	)
	if err != nil {
		return fmt.Errorf("creating delta encoder: %w", err)
	}
	if _, err := io.Copy(encoder, target); err != nil {
		encoder.Close()
		return fmt.Errorf("encoding delta: %w", err)
	}
	return encoder.Close()
}

// deltaReader reconstructs a delta-encoded payload and checks the
// result against the original hash.
type deltaReader struct {
	decoder   *zstd.Decoder
	hasher    hash.Hash
	tee       io.Reader
	expected  []byte
	algorithm HashAlgorithm
	done      bool
}

// newDeltaReader checks base against the declared input hashes and
// returns a reader of the reconstructed payload.
func newDeltaReader(patch io.Reader, delta *DeltaEncoding, algorithm HashAlgorithm, base []byte) (*deltaReader, error) {
	if delta.Format != DeltaZstd {
		return nil, fmt.Errorf("unsupported delta format %q", delta.Format)
	}
	baseHash := algorithm.Sum(base)
	matched := false
	for _, hash := range delta.Inputs[0].Hashes {
		if bytes.Equal(hash, baseHash) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: base hashes to %s, which the delta does not accept",
			ErrDeltaBaseUnavailable, algorithm.Digest(baseHash))
	}
	decoder, err := zstd.NewReader(patch,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderDictRaw(0, base),
		zstd.WithDecoderMaxWindow(uint64(zstd.MaxWindowSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating delta decoder: %w", err)
	}
	hasher := algorithm.New()
	return &deltaReader{
		decoder:   decoder,
		hasher:    hasher,
		tee:       io.TeeReader(decoder, hasher),
		expected:  delta.OriginalHash,
		algorithm: algorithm,
	}, nil
}

func (r *deltaReader) Read(p []byte) (int, error) {
	n, err := r.tee.Read(p)
	if errors.Is(err, io.EOF) {
		if !r.done {
			r.done = true
			if sum := r.hasher.Sum(nil); !bytes.Equal(sum, r.expected) {
				return n, integrityf("reconstructed payload hashes to %s, expected %s",
					r.algorithm.Digest(sum), r.algorithm.Digest(r.expected))
			}
		}
		return n, io.EOF
	}
	if err != nil {
		return n, fmt.Errorf("decoding delta: %w", err)
	}
	return n, nil
}

func (r *deltaReader) Close() error {
	r.decoder.Close()
	return nil
}
