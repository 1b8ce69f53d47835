// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"
)

// HashAlgorithm names a hash function. The name is what goes on the
// wire.
type HashAlgorithm string

const (
	HashSHA256    HashAlgorithm = "sha256"
	HashSHA512    HashAlgorithm = "sha512"
	HashSHA512256 HashAlgorithm = "sha512-256"
	HashBlake3    HashAlgorithm = "blake3"
)

// DefaultHashAlgorithm is used when a manifest does not choose one.
const DefaultHashAlgorithm = HashSHA512256

// ParseHashAlgorithm validates a hash algorithm name.
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	algorithm := HashAlgorithm(name)
	switch algorithm {
	case HashSHA256, HashSHA512, HashSHA512256, HashBlake3:
		return algorithm, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", name)
	}
}

// New returns a fresh hasher. Panics for unknown algorithms, which
// cannot get past ParseHashAlgorithm.
func (a HashAlgorithm) New() hash.Hash {
	switch a {
	case HashSHA256:
		return sha256.New()
	case HashSHA512:
		return sha512.New()
	case HashSHA512256:
		return sha512.New512_256()
	case HashBlake3:
		return blake3.New()
	default:
		panic("bundle: unknown hash algorithm " + string(a))
	}
}

// Size returns the digest length in bytes.
func (a HashAlgorithm) Size() int {
	switch a {
	case HashSHA512:
		return sha512.Size
	default:
		return 32
	}
}

// Sum hashes data in one call.
func (a HashAlgorithm) Sum(data []byte) []byte {
	hasher := a.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}

// SumReader hashes everything r yields.
func (a HashAlgorithm) SumReader(r io.Reader) ([]byte, int64, error) {
	hasher := a.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return nil, n, err
	}
	return hasher.Sum(nil), n, nil
}

// Digest formats a hash as an "algorithm:hex" digest string.
func (a HashAlgorithm) Digest(sum []byte) digest.Digest {
	return digest.NewDigestFromEncoded(digest.Algorithm(a), hex.EncodeToString(sum))
}

// ParseDigest parses an "algorithm:hex" string, checking that the
// algorithm is known and the length matches.
func ParseDigest(text string) (HashAlgorithm, []byte, error) {
	parsed := digest.Digest(text)
	algorithm, err := ParseHashAlgorithm(string(parsed.Algorithm()))
	if err != nil {
		return "", nil, fmt.Errorf("parsing digest %q: %w", text, err)
	}
	sum, err := hex.DecodeString(parsed.Encoded())
	if err != nil {
		return "", nil, fmt.Errorf("parsing digest %q: %w", text, err)
	}
	if len(sum) != algorithm.Size() {
		return "", nil, fmt.Errorf("digest %q is %d bytes, %s needs %d", text, len(sum), algorithm, algorithm.Size())
	}
	return algorithm, sum, nil
}

// checkHash validates the length of a hash read from the wire.
func (a HashAlgorithm) checkHash(what string, sum []byte) error {
	if len(sum) != a.Size() {
		return corruptf("%s is %d bytes, %s produces %d", what, len(sum), a, a.Size())
	}
	return nil
}

// splitHashes splits concatenated digests.
func (a HashAlgorithm) splitHashes(what string, data []byte) ([][]byte, error) {
	size := a.Size()
	if len(data)%size != 0 {
		return nil, corruptf("%s length %d is not a multiple of %d", what, len(data), size)
	}
	hashes := make([][]byte, len(data)/size)
	for i := range hashes {
		hashes[i] = data[i*size : (i+1)*size]
	}
	return hashes, nil
}
