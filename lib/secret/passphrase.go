// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// maxPassphrase bounds what ReadFile accepts.
const maxPassphrase = 4096

// ErrEmpty is returned for a passphrase source with nothing in it.
var ErrEmpty = errors.New("passphrase is empty")

// Passphrase is a secret held in locked memory. It must not be copied.
type Passphrase struct {
	mu     sync.Mutex
	region []byte
	length int
}

// lock maps a locked region of at least size bytes.
func lock(size int) ([]byte, error) {
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping passphrase memory: %w", err)
	}
	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("locking passphrase memory: %w", err)
	}
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(region)
		unix.Munmap(region)
		return nil, fmt.Errorf("excluding passphrase memory from core dumps: %w", err)
	}
	return region, nil
}

// FromBytes moves source into locked memory and zeroes source.
func FromBytes(source []byte) (*Passphrase, error) {
	defer Zero(source)
	if len(source) == 0 {
		return nil, ErrEmpty
	}
	region, err := lock(len(source))
	if err != nil {
		return nil, err
	}
	copy(region, source)
	return &Passphrase{region: region, length: len(source)}, nil
}

// ReadFile reads a passphrase from the first line of a file. The line
// ending is dropped; other whitespace belongs to the passphrase.
func ReadFile(path string) (*Passphrase, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	// One spare byte tells an overlong file from one at the limit.
	data := make([]byte, maxPassphrase+1)
	defer Zero(data)
	n, err := io.ReadFull(file, data)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading passphrase file %s: %w", path, err)
	}
	if n > maxPassphrase {
		return nil, fmt.Errorf("passphrase file %s is longer than %d bytes", path, maxPassphrase)
	}
	line := data[:n]
	if end := bytes.IndexByte(line, '\n'); end >= 0 {
		line = line[:end]
	}
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 {
		return nil, fmt.Errorf("passphrase file %s: %w", path, ErrEmpty)
	}
	return FromBytes(line)
}

// ReadTerminal prompts on w and reads a passphrase from the terminal
// fd without echo.
func ReadTerminal(fd int, w io.Writer, prompt string) (*Passphrase, error) {
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("cannot prompt for a passphrase: not a terminal")
	}
	fmt.Fprint(w, prompt)
	data, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		Zero(data)
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return FromBytes(data)
}

// Bytes returns the passphrase. The slice aliases the locked region
// and is invalid after Close. Bytes panics on a closed Passphrase.
func (p *Passphrase) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.region == nil {
		panic("secret: passphrase used after Close")
	}
	return p.region[:p.length]
}

// Len returns the passphrase length in bytes.
func (p *Passphrase) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.length
}

// Close zeroes and releases the passphrase. It is safe to call twice.
func (p *Passphrase) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.region == nil {
		return nil
	}
	Zero(p.region)
	err := errors.Join(unix.Munlock(p.region), unix.Munmap(p.region))
	p.region = nil
	if err != nil {
		return fmt.Errorf("releasing passphrase memory: %w", err)
	}
	return nil
}

// Zero overwrites b with zeroes.
func Zero(b []byte) {
	clear(b)
}
