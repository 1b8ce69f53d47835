// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/bureau-foundation/ota/lib/bundle"
	"github.com/bureau-foundation/ota/lib/slot"
	"github.com/bureau-foundation/ota/lib/slotstate"
)

// payloadPlan is the resolved destination of one payload.
type payloadPlan struct {
	index int
	entry *bundle.PayloadEntry

	// slot is nil for execute payloads.
	slot *slot.Slot

	// base is set for incremental and delta payloads.
	base *base
}

// base is the active content a payload was built against.
type base struct {
	slot *slot.Slot
	file *os.File
	size int64
}

func closePlans(plans []*payloadPlan) {
	for _, plan := range plans {
		if plan.base != nil && plan.base.file != nil {
			plan.base.file.Close()
		}
	}
}

// plan resolves and checks every payload before anything is written.
// The returned plans must be closed even when an error is returned.
func (i *Installer) plan(ctx context.Context, header *bundle.Header, options Options) ([]*payloadPlan, error) {
	var plans []*payloadPlan
	claimed := make(map[*slot.Slot]int)
	for index := range header.Payloads {
		entry := &header.Payloads[index]
		plan := &payloadPlan{index: index, entry: entry}
		plans = append(plans, plan)

		switch entry.Target.Kind {
		case bundle.TargetExecute:
			if err := checkHandler(entry.Target.Handler); err != nil {
				return plans, fmt.Errorf("payload %d: %w", index, err)
			}
			if entry.Delta != nil || entry.BaseIndex != nil {
				return plans, fmt.Errorf("payload %d: execute payloads cannot depend on a base", index)
			}
			continue
		case bundle.TargetSlot:
		default:
			return plans, fmt.Errorf("payload %d: unsupported target", index)
		}

		target, err := i.resolveTarget(entry.Target.Slot, options)
		if err != nil {
			return plans, fmt.Errorf("payload %d: %w", index, err)
		}
		if other, ok := claimed[target]; ok {
			return plans, fmt.Errorf("payloads %d and %d both install into slot %s", other, index, target.Name())
		}
		claimed[target] = index
		plan.slot = target
		if target.Kind() == slot.KindCustom {
			if err := checkHandler(target.Handler()); err != nil {
				return plans, fmt.Errorf("payload %d: slot %s: %w", index, target.Name(), err)
			}
		}
		if target.IsBlock() {
			if _, err := target.Device().Size(); err != nil {
				return plans, fmt.Errorf("payload %d: slot %s: %w", index, target.Name(), err)
			}
		}

		if entry.Delta == nil && entry.BaseIndex == nil {
			continue
		}
		plan.base, err = i.openBase(target, entry)
		if err != nil {
			return plans, fmt.Errorf("payload %d: %w", index, err)
		}
		if err := i.checkBase(ctx, plan.base, entry, header.HashAlgorithm); err != nil {
			return plans, fmt.Errorf("payload %d: base slot %s: %w", index, plan.base.slot.Name(), err)
		}
	}
	return plans, nil
}

// resolveTarget maps a payload's slot name to the slot to write.
func (i *Installer) resolveTarget(name string, options Options) (*slot.Slot, error) {
	if override, ok := options.Targets[name]; ok {
		name = override
	}
	target, err := i.lookup(name)
	if err != nil {
		return nil, err
	}
	if target.Active() {
		return nil, fmt.Errorf("%w: refusing to overwrite %s", ErrActiveSlot, target.Name())
	}
	return target, nil
}

func (i *Installer) lookup(name string) (*slot.Slot, error) {
	if _, target, ok := i.Slots.FindByName(name); ok {
		return target, nil
	}
	_, a, okA := i.Slots.FindByName(name + "-a")
	_, b, okB := i.Slots.FindByName(name + "-b")
	if !okA || !okB {
		return nil, fmt.Errorf("%w: no slot or A/B group named %q", ErrUnknownTarget, name)
	}
	switch activeA, activeB := a.Active(), b.Active(); {
	case activeA && !activeB:
		return b, nil
	case activeB && !activeA:
		return a, nil
	default:
		return nil, fmt.Errorf("cannot choose the spare of group %q: %s", name, activeState(a))
	}
}

// activeState explains an ambiguous group whose members are either
// both active or both inactive.
func activeState(a *slot.Slot) string {
	if a.Active() {
		return "both slots are active"
	}
	return "neither slot is active"
}

// sibling returns the other member of the A/B group of s.
func (i *Installer) sibling(s *slot.Slot) (*slot.Slot, bool) {
	name := s.Name()
	var other string
	switch {
	case strings.HasSuffix(name, "-a"):
		other = strings.TrimSuffix(name, "-a") + "-b"
	case strings.HasSuffix(name, "-b"):
		other = strings.TrimSuffix(name, "-b") + "-a"
	default:
		return nil, false
	}
	_, sibling, ok := i.Slots.FindByName(other)
	return sibling, ok
}

// openBase opens the active sibling of target as the base of entry.
func (i *Installer) openBase(target *slot.Slot, entry *bundle.PayloadEntry) (*base, error) {
	source, ok := i.sibling(target)
	if !ok || !source.Active() {
		return nil, fmt.Errorf("%w: slot %s has no active sibling to serve as base", bundle.ErrDeltaBaseUnavailable, target.Name())
	}
	var file *os.File
	var err error
	switch source.Kind() {
	case slot.KindBlock:
		file, err = source.Device().Open(os.O_RDONLY)
	case slot.KindFile:
		file, err = os.Open(source.Path())
	default:
		return nil, fmt.Errorf("%w: %s slot %s cannot be read back", bundle.ErrDeltaBaseUnavailable, source.Kind(), source.Name())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening slot %s: %v", bundle.ErrDeltaBaseUnavailable, source.Name(), err)
	}
	b := &base{slot: source, file: file}

	switch {
	case entry.BaseIndex != nil:
		b.size = int64(entry.BaseIndex.TotalSize())
	default:
		b.size, err = i.contentSize(source, file)
		if err != nil {
			file.Close()
			return nil, err
		}
	}
	return b, nil
}

// contentSize determines how much of a slot is content. Block devices
// are larger than what was written to them, so their size comes from
// the install record.
func (i *Installer) contentSize(source *slot.Slot, file *os.File) (int64, error) {
	if record, err := i.record(source); err == nil && record != nil {
		return record.Size, nil
	} else if err != nil {
		return 0, err
	}
	if source.Kind() == slot.KindFile {
		info, err := file.Stat()
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}
	return 0, fmt.Errorf("%w: no install record for slot %s, its content size is unknown",
		bundle.ErrDeltaBaseUnavailable, source.Name())
}

// record returns the install record of a slot, or nil when records
// are disabled or the slot has none.
func (i *Installer) record(s *slot.Slot) (*slotstate.Record, error) {
	if i.State == nil {
		return nil, nil
	}
	record, err := i.State.Read(s.Name())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// checkBase makes sure the base is the content the payload was built
// against. An immutable slot whose install record matches is trusted
// without reading it.
func (i *Installer) checkBase(ctx context.Context, b *base, entry *bundle.PayloadEntry, algorithm bundle.HashAlgorithm) error {
	record, err := i.record(b.slot)
	if err != nil {
		return err
	}
	trustRecord := record != nil && b.slot.IsImmutable()

	if entry.BaseIndex != nil {
		if trustRecord && record.Blocks != nil {
			stored, err := record.Blocks.Decode()
			if err == nil && sameIndex(stored, entry.BaseIndex) {
				return nil
			}
		}
		return verifyIndex(ctx, b, entry.BaseIndex)
	}

	var inputs [][]byte
	for _, input := range entry.Delta.Inputs {
		inputs = append(inputs, input.Hashes...)
	}
	if trustRecord {
		recorded, sum, err := record.Content()
		if err == nil && recorded == algorithm && containsHash(inputs, sum) {
			return nil
		}
	}
	if b.size > bundle.MaxDeltaBase {
		return fmt.Errorf("%w: base is %d bytes, delta limit is %d", bundle.ErrDeltaBaseUnavailable, b.size, bundle.MaxDeltaBase)
	}
	sum, _, err := algorithm.SumReader(&contextReader{ctx: ctx, r: io.NewSectionReader(b.file, 0, b.size)})
	if err != nil {
		return fmt.Errorf("%w: reading base: %v", bundle.ErrDeltaBaseUnavailable, err)
	}
	if !containsHash(inputs, sum) {
		return fmt.Errorf("%w: base hash %s is not an input of the delta", bundle.ErrDeltaBaseUnavailable, algorithm.Digest(sum))
	}
	return nil
}

// verifyIndex checks every block of index against the base.
func verifyIndex(ctx context.Context, b *base, index *bundle.BlockIndex) error {
	var offset int64
	var block []byte
	for n, hash := range index.Hashes {
		if err := ctx.Err(); err != nil {
			return err
		}
		size := int64(index.Sizes[n])
		if int64(cap(block)) < size {
			block = make([]byte, size)
		}
		data := block[:size]
		if _, err := b.file.ReadAt(data, offset); err != nil {
			return fmt.Errorf("%w: reading block %d: %v", bundle.ErrDeltaBaseUnavailable, n, err)
		}
		if !bytes.Equal(index.HashAlgorithm.Sum(data), hash) {
			return fmt.Errorf("%w: block %d at offset %d differs from the bundle's base", bundle.ErrDeltaBaseUnavailable, n, offset)
		}
		offset += size
	}
	return nil
}

func sameIndex(a, b *bundle.BlockIndex) bool {
	if a.Chunker != b.Chunker || a.HashAlgorithm != b.HashAlgorithm || a.Len() != b.Len() {
		return false
	}
	for n := range a.Hashes {
		if a.Sizes[n] != b.Sizes[n] || !bytes.Equal(a.Hashes[n], b.Hashes[n]) {
			return false
		}
	}
	return true
}

func containsHash(hashes [][]byte, sum []byte) bool {
	return slices.ContainsFunc(hashes, func(hash []byte) bool { return bytes.Equal(hash, sum) })
}

func checkHandler(handler []string) error {
	if len(handler) == 0 {
		return fmt.Errorf("empty handler command")
	}
	if _, err := exec.LookPath(handler[0]); err != nil {
		return fmt.Errorf("handler %s: %w", handler[0], err)
	}
	return nil
}

// contextReader stops reading once ctx is done.
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
