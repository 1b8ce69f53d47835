// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// SlotType selects how a slot is backed.
type SlotType string

const (
	// SlotBlock is a block device: a whole disk or a partition.
	SlotBlock SlotType = "block"

	// SlotFile is a regular file, replaced atomically on install.
	SlotFile SlotType = "file"

	// SlotCustom hands the payload to a command on stdin.
	SlotCustom SlotType = "custom"
)

// SlotConfig configures one slot. Which fields apply depends on Type.
type SlotConfig struct {
	Type SlotType `yaml:"type"`

	// Device is the block device path of a block slot.
	Device string `yaml:"device,omitempty"`

	// Partition is the partition number of a block slot on the root
	// disk, used when Device is empty.
	Partition *uint32 `yaml:"partition,omitempty"`

	// Immutable marks block and file slots whose content is never
	// modified after installation, so it can serve as a base for
	// incremental updates.
	Immutable *bool `yaml:"immutable,omitempty"`

	// Path is the file of a file slot.
	Path string `yaml:"path,omitempty"`

	// Handler is the command line of a custom slot.
	Handler []string `yaml:"handler,omitempty"`
}

// Validate checks that the fields fit the slot type. A block slot
// without device and partition is left to slot construction, which
// reports it with the slot's name.
func (c *SlotConfig) Validate() error {
	var errs []error
	switch c.Type {
	case SlotBlock:
		if c.Device != "" && c.Partition != nil {
			errs = append(errs, fmt.Errorf("device and partition are exclusive"))
		}
		if c.Path != "" || len(c.Handler) > 0 {
			errs = append(errs, fmt.Errorf("block slots take device or partition, not path or handler"))
		}
	case SlotFile:
		if c.Path == "" {
			errs = append(errs, fmt.Errorf("file slots require path"))
		}
		if c.Device != "" || c.Partition != nil || len(c.Handler) > 0 {
			errs = append(errs, fmt.Errorf("file slots take path only"))
		}
	case SlotCustom:
		if len(c.Handler) == 0 {
			errs = append(errs, fmt.Errorf("custom slots require handler"))
		}
		if c.Immutable != nil {
			errs = append(errs, fmt.Errorf("custom slots cannot be immutable"))
		}
		if c.Device != "" || c.Partition != nil || c.Path != "" {
			errs = append(errs, fmt.Errorf("custom slots take handler only"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid type %q: must be one of block, file, custom", c.Type))
	}
	return errors.Join(errs...)
}

// BlockSlot returns a block slot configuration for a partition of the
// root disk.
func BlockSlot(partition uint32, immutable bool) SlotConfig {
	return SlotConfig{Type: SlotBlock, Partition: &partition, Immutable: &immutable}
}

// NamedSlot is one entry of a [SlotsConfig].
type NamedSlot struct {
	Name   string
	Config SlotConfig
}

// SlotsConfig is an ordered mapping of slot names to configurations.
type SlotsConfig struct {
	entries []NamedSlot
}

// NewSlotsConfig returns a mapping with the given entries in order.
func NewSlotsConfig(entries ...NamedSlot) *SlotsConfig {
	return &SlotsConfig{entries: entries}
}

// Entries returns the slots in configuration order.
func (s *SlotsConfig) Entries() []NamedSlot {
	return s.entries
}

// Len returns the number of slots.
func (s *SlotsConfig) Len() int {
	return len(s.entries)
}

// UnmarshalYAML decodes a mapping node, keeping document order and
// rejecting duplicate names.
func (s *SlotsConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: slots must be a mapping of slot names", node.Line)
	}
	seen := make(map[string]bool)
	s.entries = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]
		var name string
		if err := keyNode.Decode(&name); err != nil {
			return err
		}
		if name == "" {
			return fmt.Errorf("line %d: empty slot name", keyNode.Line)
		}
		if seen[name] {
			return fmt.Errorf("line %d: slot %q defined twice", keyNode.Line, name)
		}
		seen[name] = true
		var config SlotConfig
		if err := valueNode.Decode(&config); err != nil {
			return fmt.Errorf("slot %q: %w", name, err)
		}
		s.entries = append(s.entries, NamedSlot{Name: name, Config: config})
	}
	return nil
}

// MarshalYAML encodes the mapping in order.
func (s SlotsConfig) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, entry := range s.entries {
		value := &yaml.Node{}
		if err := value.Encode(entry.Config); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: entry.Name}, value)
	}
	return node, nil
}
