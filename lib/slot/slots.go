// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package slot

import (
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/ota/lib/config"
	"github.com/bureau-foundation/ota/lib/disk"
)

// ErrResolution is returned when a slot's device cannot be found: a
// missing device node or partition, or a missing root disk or table.
var ErrResolution = errors.New("slot resolution failed")

// ErrInvalidConfig is returned for slot configurations that are
// incomplete or contradictory.
var ErrInvalidConfig = errors.New("invalid slot configuration")

// Root is the disk that partition-numbered slots live on.
// *disk.SystemRoot implements it.
type Root interface {
	TableType() (disk.TableType, bool)
	ResolvePartition(number uint32) (*disk.BlockDevice, error)
}

// openBlockDevice checks explicitly configured device paths.
var openBlockDevice = disk.NewBlockDevice

// deviceNumber reports the device number behind a block device handle.
var deviceNumber = (*disk.BlockDevice).Number

// deviceKey identifies the device a handle writes to. Handles without
// a known device number fall back to their cleaned path.
func deviceKey(device *disk.BlockDevice) string {
	if number, ok := deviceNumber(device); ok {
		return fmt.Sprintf("device %d:%d", unix.Major(number), unix.Minor(number))
	}
	return filepath.Clean(device.Path())
}

// Idx addresses a slot within one [SystemSlots].
type Idx struct {
	i int
}

func (i Idx) String() string {
	return strconv.Itoa(i.i)
}

// SystemSlots is the ordered set of slots of a system.
type SystemSlots struct {
	slots []*Slot
}

// DefaultSlots returns the default A/B layout for a partition table.
func DefaultSlots(table disk.TableType) *config.SlotsConfig {
	if table == disk.MBR {
		return config.NewSlotsConfig(
			config.NamedSlot{Name: "boot-a", Config: config.BlockSlot(2, false)},
			config.NamedSlot{Name: "boot-b", Config: config.BlockSlot(3, false)},
			config.NamedSlot{Name: "system-a", Config: config.BlockSlot(5, true)},
			config.NamedSlot{Name: "system-b", Config: config.BlockSlot(6, true)},
		)
	}
	return config.NewSlotsConfig(
		config.NamedSlot{Name: "boot-a", Config: config.BlockSlot(2, false)},
		config.NamedSlot{Name: "boot-b", Config: config.BlockSlot(3, false)},
		config.NamedSlot{Name: "system-a", Config: config.BlockSlot(4, true)},
		config.NamedSlot{Name: "system-b", Config: config.BlockSlot(5, true)},
	)
}

// FromConfig builds the slots of a system. With slots nil, the default
// layout of root's partition table is used. Root may be nil when no
// slot refers to a partition number.
func FromConfig(root Root, slots *config.SlotsConfig) (*SystemSlots, error) {
	if slots == nil {
		if root == nil {
			return nil, fmt.Errorf("%w: no system root", ErrResolution)
		}
		table, ok := root.TableType()
		if !ok {
			return nil, fmt.Errorf("%w: unable to determine slots: no table", ErrResolution)
		}
		slots = DefaultSlots(table)
	}

	system := &SystemSlots{}
	targets := make(map[string]string)
	for _, entry := range slots.Entries() {
		slot, err := newSlot(root, entry.Name, entry.Config)
		if err != nil {
			return nil, err
		}
		var key string
		switch slot.kind {
		case KindBlock:
			key = deviceKey(slot.device)
		case KindFile:
			key = filepath.Clean(slot.path)
		}
		if key != "" {
			if other, ok := targets[key]; ok {
				return nil, fmt.Errorf("%w: slots %q and %q both resolve to %s",
					ErrInvalidConfig, other, slot.name, filepath.Clean(slot.Target()))
			}
			targets[key] = slot.name
		}
		system.slots = append(system.slots, slot)
	}
	return system, nil
}

func newSlot(root Root, name string, slotConfig config.SlotConfig) (*Slot, error) {
	if err := slotConfig.Validate(); err != nil {
		return nil, fmt.Errorf("%w: slot %q: %w", ErrInvalidConfig, name, err)
	}
	slot := &Slot{name: name, config: slotConfig}
	switch slotConfig.Type {
	case config.SlotBlock:
		device, err := resolveDevice(root, name, slotConfig)
		if err != nil {
			return nil, err
		}
		slot.kind = KindBlock
		slot.device = device
	case config.SlotFile:
		slot.kind = KindFile
		slot.path = slotConfig.Path
	case config.SlotCustom:
		slot.kind = KindCustom
		slot.handler = slotConfig.Handler
	}
	return slot, nil
}

func resolveDevice(root Root, name string, slotConfig config.SlotConfig) (*disk.BlockDevice, error) {
	switch {
	case slotConfig.Device != "":
		device, err := openBlockDevice(slotConfig.Device)
		if err != nil {
			return nil, fmt.Errorf("%w: slot %q: slot device is not a block device (device: %s): %w",
				ErrResolution, name, slotConfig.Device, err)
		}
		return device, nil
	case slotConfig.Partition != nil:
		partition := *slotConfig.Partition
		if root == nil {
			return nil, fmt.Errorf("%w: slot %q: no system root", ErrResolution, name)
		}
		if _, ok := root.TableType(); !ok {
			return nil, fmt.Errorf("%w: partition %d for slot %q: root disk has no partition table",
				ErrResolution, partition, name)
		}
		device, err := root.ResolvePartition(partition)
		if err != nil {
			return nil, fmt.Errorf("%w: partition %d for slot %q: %w", ErrResolution, partition, name, err)
		}
		if device == nil {
			return nil, fmt.Errorf("%w: partition %d for slot %q not found", ErrResolution, partition, name)
		}
		return device, nil
	default:
		return nil, fmt.Errorf("%w: no device and partition for %s", ErrInvalidConfig, name)
	}
}

// Len returns the number of slots.
func (s *SystemSlots) Len() int {
	return len(s.slots)
}

// FindByName returns the slot with the given name.
func (s *SystemSlots) FindByName(name string) (Idx, *Slot, bool) {
	for idx, slot := range s.All() {
		if slot.name == name {
			return idx, slot, true
		}
	}
	return Idx{}, nil, false
}

// All yields the slots in construction order.
func (s *SystemSlots) All() iter.Seq2[Idx, *Slot] {
	return func(yield func(Idx, *Slot) bool) {
		for i, slot := range s.slots {
			if !yield(Idx{i: i}, slot) {
				return
			}
		}
	}
}

// At returns the slot at idx. It panics for an index not obtained from
// this SystemSlots.
func (s *SystemSlots) At(idx Idx) *Slot {
	return s.slots[idx.i]
}

// MarkActiveDevice marks the block slot on the given device node as
// active, returning false when no slot uses it. A path naming the
// slot's device through another node or link matches too.
func (s *SystemSlots) MarkActiveDevice(path string) (Idx, bool) {
	key := filepath.Clean(path)
	if device, err := openBlockDevice(path); err == nil {
		key = deviceKey(device)
	}
	for idx, slot := range s.All() {
		if slot.kind == KindBlock && deviceKey(slot.device) == key {
			slot.MarkActive()
			return idx, true
		}
	}
	return Idx{}, false
}
