// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signature signs bundles and decides whether a bundle's
// signatures are trusted.
//
// Every signature covers the bundle's signed metadata (see
// [bundle.SignedMetadata]), which commits to the bundle hash and
// through it to every payload. Only SSH signatures are produced and
// checked here. CMS signatures are carried by the format but are not
// verified; a bundle signed only with CMS is treated as unsigned.
package signature

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/bureau-foundation/ota/lib/bundle"
	"github.com/bureau-foundation/ota/lib/bundle/tags"
	"github.com/bureau-foundation/ota/lib/stlv"
)

// ErrUntrusted is returned when a trust policy requires a signature
// and none of the bundle's signatures was made by a trusted key.
var ErrUntrusted = errors.New("bundle is not signed by a trusted key")

// namespace separates bundle signatures from any other use of the
// same SSH key.
const namespace = "ota-bundle-v1\x00"

// wireSignature is the value of a SIGNATURES_SSH_SIGNATURE record:
// the signing public key and the signature, both in SSH wire format.
type wireSignature struct {
	PublicKey []byte
	Format    string
	Blob      []byte
}

// SSHSigner signs bundles with an SSH private key.
type SSHSigner struct {
	signer ssh.Signer
}

// NewSSHSigner wraps an ssh.Signer.
func NewSSHSigner(signer ssh.Signer) *SSHSigner {
	return &SSHSigner{signer: signer}
}

// LoadSSHSigner reads an OpenSSH or PEM private key file. passphrase
// may be empty for unencrypted keys.
func LoadSSHSigner(path string, passphrase []byte) (*SSHSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	var signer ssh.Signer
	if len(passphrase) > 0 {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, passphrase)
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing signing key %s: %w", path, err)
	}
	return NewSSHSigner(signer), nil
}

// PublicKey returns the key that verifies this signer's signatures.
func (s *SSHSigner) PublicKey() ssh.PublicKey {
	return s.signer.PublicKey()
}

// Sign implements [bundle.Signer].
func (s *SSHSigner) Sign(message []byte) (stlv.Tag, []byte, error) {
	signature, err := s.signer.Sign(rand.Reader, namespaced(message))
	if err != nil {
		return 0, nil, fmt.Errorf("ssh sign: %w", err)
	}
	return tags.SignaturesSSHSignature, ssh.Marshal(wireSignature{
		PublicKey: s.signer.PublicKey().Marshal(),
		Format:    signature.Format,
		Blob:      signature.Blob,
	}), nil
}

func namespaced(message []byte) []byte {
	return append([]byte(namespace), message...)
}

// Verifier decides whether the signatures of a bundle are sufficient
// to install it. [*Policy] is the implementation backed by SSH keys.
type Verifier interface {
	Check(bundleHash []byte, signatures *bundle.Signatures) (*Result, error)
}

// Policy decides which signatures are trusted.
type Policy struct {
	// Keys are the trusted public keys.
	Keys []ssh.PublicKey

	// Require rejects bundles without a signature from one of Keys.
	// When false, signatures are still checked and reported, and an
	// invalid signature from a trusted key is still an error.
	Require bool
}

// Result reports the outcome of a policy check.
type Result struct {
	// Trusted is set when a trusted key verified the bundle.
	Trusted bool `json:"trusted"`

	// Fingerprint identifies the key that verified the bundle.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Unverified counts signatures that could not be attributed to a
	// trusted key, including all CMS signatures.
	Unverified int `json:"unverified"`
}

// LoadAuthorizedKeys reads trusted keys in authorized_keys format.
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trusted keys: %w", err)
	}
	return ParseAuthorizedKeys(data)
}

// ParseAuthorizedKeys parses every key in authorized_keys text.
func ParseAuthorizedKeys(data []byte) ([]ssh.PublicKey, error) {
	var keys []ssh.PublicKey
	rest := data
	for len(bytes.TrimSpace(rest)) > 0 {
		key, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return nil, fmt.Errorf("parsing trusted key %d: %w", len(keys)+1, err)
		}
		keys = append(keys, key)
		rest = next
	}
	return keys, nil
}

// Check evaluates the signatures of a bundle whose bundle hash is
// bundleHash.
func (p *Policy) Check(bundleHash []byte, signatures *bundle.Signatures) (*Result, error) {
	result := &Result{}
	message := namespaced(bundle.SignedMetadata(bundleHash))
	if signatures != nil {
		result.Unverified += len(signatures.CMS)
		for i, value := range signatures.SSH {
			var wire wireSignature
			if err := ssh.Unmarshal(value, &wire); err != nil {
				return nil, fmt.Errorf("ssh signature %d: %w", i, err)
			}
			key := p.trusted(wire.PublicKey)
			if key == nil {
				result.Unverified++
				continue
			}
			signature := &ssh.Signature{Format: wire.Format, Blob: wire.Blob}
			if err := key.Verify(message, signature); err != nil {
				return nil, fmt.Errorf("%w: signature by %s does not verify: %v",
					ErrUntrusted, ssh.FingerprintSHA256(key), err)
			}
			if !result.Trusted {
				result.Trusted = true
				result.Fingerprint = ssh.FingerprintSHA256(key)
			}
		}
	}
	if p.Require && !result.Trusted {
		return result, ErrUntrusted
	}
	return result, nil
}

func (p *Policy) trusted(marshaled []byte) ssh.PublicKey {
	for _, key := range p.Keys {
		if bytes.Equal(key.Marshal(), marshaled) {
			return key
		}
	}
	return nil
}
