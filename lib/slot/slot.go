// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package slot

import (
	"fmt"
	"slices"
	"sync"

	"github.com/bureau-foundation/ota/lib/config"
	"github.com/bureau-foundation/ota/lib/disk"
)

// Kind is how a slot is backed.
type Kind uint8

const (
	KindBlock Kind = iota + 1
	KindFile
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindFile:
		return "file"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Slot is one installation target.
type Slot struct {
	name   string
	kind   Kind
	config config.SlotConfig

	device  *disk.BlockDevice
	path    string
	handler []string

	mu     sync.Mutex
	active bool
}

// Name returns the configured slot name.
func (s *Slot) Name() string {
	return s.name
}

// Kind returns how the slot is backed.
func (s *Slot) Kind() Kind {
	return s.kind
}

// Config returns the configuration the slot was built from.
func (s *Slot) Config() config.SlotConfig {
	return s.config
}

// Device returns the block device of a block slot, nil otherwise.
func (s *Slot) Device() *disk.BlockDevice {
	return s.device
}

// Path returns the file of a file slot, empty otherwise.
func (s *Slot) Path() string {
	return s.path
}

// Handler returns the command line of a custom slot, nil otherwise.
func (s *Slot) Handler() []string {
	return slices.Clone(s.handler)
}

// IsBlock reports whether the slot is a block device.
func (s *Slot) IsBlock() bool {
	return s.kind == KindBlock
}

// IsImmutable reports whether the slot's content stays unmodified
// after installation. Custom slots are never immutable.
func (s *Slot) IsImmutable() bool {
	if s.kind == KindCustom || s.config.Immutable == nil {
		return false
	}
	return *s.config.Immutable
}

// Active reports whether the slot has been marked active.
func (s *Slot) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// MarkActive marks the slot as active.
func (s *Slot) MarkActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
}

// Target describes what the slot writes to, for logs and listings.
func (s *Slot) Target() string {
	switch s.kind {
	case KindBlock:
		return s.device.Path()
	case KindFile:
		return s.path
	default:
		return fmt.Sprint(s.handler)
	}
}

func (s *Slot) String() string {
	return s.name
}
