// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/ota/lib/bundle"
	"github.com/bureau-foundation/ota/lib/clock"
	"github.com/bureau-foundation/ota/lib/slot"
	"github.com/bureau-foundation/ota/lib/slotstate"
)

// copyBufferSize is the read size for payloads that are not block
// encoded.
const copyBufferSize = 1 << 20

// run is the write phase of one installation.
type run struct {
	installer *Installer
	logger    *slog.Logger
	header    *bundle.Header
	result    *Result
}

func (r *run) apply(ctx context.Context, payload *bundle.Payload, plan *payloadPlan) (*PayloadResult, error) {
	result := &PayloadResult{Index: plan.index, Target: plan.entry.Target.String()}
	if plan.slot == nil {
		if err := r.execute(ctx, payload, plan, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	target := plan.slot
	result.Slot = target.Name()
	state := r.installer.State
	if state != nil {
		// A record must never describe content that is being replaced.
		if err := state.Clear(target.Name()); err != nil {
			return nil, err
		}
	}

	logger := r.logger.With("payload", plan.index, "slot", target.Name(), "target", target.Target())
	logger.Info("writing slot", "kind", target.Kind().String(), "stored_bytes", payload.Size())

	var sum []byte
	var err error
	switch target.Kind() {
	case slot.KindBlock:
		sum, err = r.writeBlock(ctx, payload, plan, result)
	case slot.KindFile:
		sum, err = r.writeFile(ctx, payload, plan, result)
	case slot.KindCustom:
		sum, err = r.writeCustom(ctx, payload, plan, result)
	default:
		err = fmt.Errorf("slot %s has unsupported kind %s", target.Name(), target.Kind())
	}
	if err != nil {
		return nil, err
	}

	if state != nil {
		record := &slotstate.Record{
			Slot:        target.Name(),
			InstallID:   r.result.InstallID,
			InstalledAt: clock.OrReal(r.installer.Clock).Now().UTC(),
			BundleHash:  r.result.BundleHash,
			ContentHash: r.header.HashAlgorithm.Digest(sum).String(),
			Size:        result.Bytes,
		}
		if encoding := payload.Header.BlockEncoding; encoding != nil {
			record.Blocks = slotstate.NewBlockIndex(&encoding.Blocks)
		}
		if err := state.Write(record); err != nil {
			return nil, err
		}
	}
	logger.Info("wrote slot",
		"bytes", result.Bytes,
		"written", result.Written,
		"blocks", result.Blocks,
		"reused", result.Reused,
	)
	return result, nil
}

// writeBlock writes a block slot in place.
func (r *run) writeBlock(ctx context.Context, payload *bundle.Payload, plan *payloadPlan, result *PayloadResult) ([]byte, error) {
	device := plan.slot.Device()
	size, err := device.Size()
	if err != nil {
		return nil, err
	}
	file, err := device.Open(os.O_RDWR)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	writer := &deviceWriter{file: file, limit: size}
	sum, err := r.stream(ctx, payload, plan, writer, file, result)
	result.Written = writer.written
	if err != nil {
		return nil, err
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("syncing %s: %w", device.Path(), err)
	}
	return sum, nil
}

// writeFile replaces a file slot atomically.
func (r *run) writeFile(ctx context.Context, payload *bundle.Payload, plan *payloadPlan, result *PayloadResult) (sum []byte, err error) {
	target := plan.slot.Path()
	dir := r.installer.TempDir
	if dir == "" {
		dir = filepath.Dir(target)
	}
	temp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			temp.Close()
			os.Remove(temp.Name())
		}
	}()

	counter := &countingWriter{w: temp}
	sum, err = r.stream(ctx, payload, plan, counter, temp, result)
	result.Written = counter.n
	if err != nil {
		return nil, err
	}
	if err = temp.Chmod(0o644); err != nil {
		return nil, err
	}
	if err = temp.Sync(); err != nil {
		return nil, err
	}
	if err = temp.Close(); err != nil {
		return nil, err
	}
	if err = os.Rename(temp.Name(), target); err != nil {
		return nil, err
	}
	if err = syncDir(filepath.Dir(target)); err != nil {
		return nil, err
	}
	return sum, nil
}

// writeCustom pipes the content into the slot's handler.
func (r *run) writeCustom(ctx context.Context, payload *bundle.Payload, plan *payloadPlan, result *PayloadResult) ([]byte, error) {
	return r.pipe(ctx, payload, plan, plan.slot.Handler(), result)
}

// execute pipes an execute payload into its handler.
func (r *run) execute(ctx context.Context, payload *bundle.Payload, plan *payloadPlan, result *PayloadResult) error {
	r.logger.Info("running payload handler", "payload", plan.index, "handler", plan.entry.Target.Handler)
	_, err := r.pipe(ctx, payload, plan, plan.entry.Target.Handler, result)
	if err != nil {
		return err
	}
	r.logger.Info("payload handler finished", "payload", plan.index, "bytes", result.Bytes)
	return nil
}

func (r *run) pipe(ctx context.Context, payload *bundle.Payload, plan *payloadPlan, command []string, result *PayloadResult) ([]byte, error) {
	h, err := startHandler(ctx, command, r.handlerEnv(plan))
	if err != nil {
		return nil, err
	}
	counter := &countingWriter{w: h}
	sum, err := r.stream(ctx, payload, plan, counter, nil, result)
	result.Written = counter.n
	if err != nil {
		h.abort()
		return nil, err
	}
	if err := h.finish(); err != nil {
		return nil, err
	}
	if h.exited {
		r.logger.Warn("handler exited before reading all content",
			"payload", plan.index, "handler", command[0], "bytes", result.Bytes)
	}
	return sum, nil
}

// stream decodes a payload into w and returns the hash of the decoded
// content. written reads back what w wrote, for deduplicated payloads;
// nil keeps repeated blocks in memory instead.
func (r *run) stream(ctx context.Context, payload *bundle.Payload, plan *payloadPlan, w io.Writer, written io.ReaderAt, result *PayloadResult) ([]byte, error) {
	hasher := r.header.HashAlgorithm.New()
	out := io.MultiWriter(w, hasher)
	progress := r.newProgress(plan)

	if payload.Header.BlockEncoding != nil {
		options := bundle.BlockDecoderOptions{Written: written}
		if plan.base != nil {
			options.Source = bundle.NewIndexedSource(plan.base.file, plan.entry.BaseIndex)
		}
		decoder, err := bundle.NewBlockDecoder(ctx, payload, plan.entry, payload.Header, options)
		if err != nil {
			return nil, err
		}
		for {
			block, err := decoder.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			if _, err := out.Write(block.Data); err != nil {
				return nil, err
			}
			result.Blocks++
			if !block.Stored {
				result.Reused++
			}
			result.Bytes += int64(len(block.Data))
			progress.update(result.Bytes)
		}
		return hasher.Sum(nil), nil
	}

	options := bundle.ContentOptions{Written: written}
	if plan.base != nil {
		options.Base = plan.base.file
		options.BaseSize = plan.base.size
	}
	content, err := payload.Content(ctx, options)
	if err != nil {
		return nil, err
	}
	defer content.Close()
	buffer := make([]byte, copyBufferSize)
	for {
		n, err := content.Read(buffer)
		if n > 0 {
			if _, err := out.Write(buffer[:n]); err != nil {
				return nil, err
			}
			result.Bytes += int64(n)
			progress.update(result.Bytes)
		}
		if errors.Is(err, io.EOF) {
			return hasher.Sum(nil), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// progress logs how far a payload got, at most once per interval.
type progress struct {
	logger   *slog.Logger
	clock    clock.Clock
	interval time.Duration
	next     time.Time
}

func (r *run) newProgress(plan *payloadPlan) *progress {
	interval := r.installer.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	c := clock.OrReal(r.installer.Clock)
	return &progress{
		logger:   r.logger.With("payload", plan.index),
		clock:    c,
		interval: interval,
		next:     c.Now().Add(interval),
	}
}

func (p *progress) update(bytes int64) {
	now := p.clock.Now()
	if now.Before(p.next) {
		return
	}
	p.next = now.Add(p.interval)
	p.logger.Info("install progress", "bytes", bytes)
}

// deviceWriter writes sequentially to a block device, skipping ranges
// that already hold the same data.
type deviceWriter struct {
	file    *os.File
	limit   int64
	offset  int64
	written int64
	scratch []byte
}

func (w *deviceWriter) Write(data []byte) (int, error) {
	end := w.offset + int64(len(data))
	if end > w.limit {
		return 0, fmt.Errorf("content exceeds the %d byte device %s", w.limit, w.file.Name())
	}
	if cap(w.scratch) < len(data) {
		w.scratch = make([]byte, len(data))
	}
	existing := w.scratch[:len(data)]
	if n, _ := w.file.ReadAt(existing, w.offset); n == len(data) && bytes.Equal(existing, data) {
		w.offset = end
		return len(data), nil
	}
	n, err := w.file.WriteAt(data, w.offset)
	w.offset += int64(n)
	w.written += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func syncDir(dir string) error {
	handle, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer handle.Close()
	return handle.Sync()
}
