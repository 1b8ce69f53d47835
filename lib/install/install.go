// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/ota/lib/bundle"
	"github.com/bureau-foundation/ota/lib/clock"
	"github.com/bureau-foundation/ota/lib/signature"
	"github.com/bureau-foundation/ota/lib/slot"
	"github.com/bureau-foundation/ota/lib/slotstate"
)

// ErrActiveSlot is returned when a payload targets a slot that is
// currently active.
var ErrActiveSlot = errors.New("slot is active")

// ErrUnknownTarget is returned when a payload names a slot the system
// does not have.
var ErrUnknownTarget = errors.New("unknown install target")

// defaultProgressInterval paces progress logs of long writes.
const defaultProgressInterval = 10 * time.Second

// Installer applies bundles to a system's slots.
type Installer struct {
	Slots *slot.SystemSlots

	// Verifier decides whether a bundle's signatures are sufficient.
	// Nil accepts any bundle, signed or not.
	Verifier signature.Verifier

	// State keeps install records. Nil disables records, so bases of
	// incremental and delta updates are always read in full.
	State *slotstate.Store

	// TempDir holds file slot content until it replaces the slot
	// file. Empty means the directory of the slot file.
	TempDir string

	Logger *slog.Logger
	Clock  clock.Clock

	// ProgressInterval paces progress logs. Zero means ten seconds.
	ProgressInterval time.Duration
}

// Options adjusts one installation.
type Options struct {
	// Targets maps payload slot names to the slot to install into,
	// overriding A/B resolution.
	Targets map[string]string

	// DryRun plans the installation and verifies every payload
	// without writing anything.
	DryRun bool
}

// Result summarizes an installation.
type Result struct {
	InstallID  string            `json:"install_id"`
	BundleHash string            `json:"bundle_hash"`
	Trust      *signature.Result `json:"trust"`
	Payloads   []PayloadResult   `json:"payloads"`
}

// PayloadResult summarizes one installed payload.
type PayloadResult struct {
	Index  int    `json:"index"`
	Target string `json:"target"`

	// Slot is the slot written, empty for execute payloads.
	Slot string `json:"slot,omitempty"`

	// Bytes is the size of the installed content.
	Bytes int64 `json:"bytes"`

	// Written is how many of those bytes were actually written. Block
	// slots skip ranges that already hold the right data.
	Written int64 `json:"written"`

	// Blocks counts the blocks of a block-encoded payload. Reused
	// counts those not stored in the bundle: taken from the base or
	// repeated from earlier in the payload.
	Blocks int `json:"blocks,omitempty"`
	Reused int `json:"reused,omitempty"`
}

func (i *Installer) logger() *slog.Logger {
	if i.Logger == nil {
		return slog.Default()
	}
	return i.Logger
}

// Install reads a bundle from r and applies it. Either every payload
// is installed or an error is returned; an error after the first write
// leaves the slots written so far in an unspecified state, which is
// safe since only inactive slots are written.
func (i *Installer) Install(ctx context.Context, r io.Reader, options Options) (*Result, error) {
	logger := i.logger()
	reader, err := bundle.NewReader(r)
	if err != nil {
		return nil, err
	}
	header := reader.Header()
	bundleDigest := header.HashAlgorithm.Digest(reader.BundleHash())

	var verifier signature.Verifier = &signature.Policy{}
	if i.Verifier != nil {
		verifier = i.Verifier
	}
	trust, err := verifier.Check(reader.BundleHash(), reader.Signatures())
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", bundleDigest, err)
	}

	plans, err := i.plan(ctx, header, options)
	defer closePlans(plans)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating install id: %w", err)
	}
	result := &Result{
		InstallID:  id.String(),
		BundleHash: bundleDigest.String(),
		Trust:      trust,
	}
	logger.Info("installing bundle",
		"bundle", result.BundleHash,
		"install_id", result.InstallID,
		"payloads", len(plans),
		"trusted", trust.Trusted,
		"dry_run", options.DryRun,
	)

	if options.DryRun {
		if err := reader.Verify(ctx); err != nil {
			return nil, err
		}
		return result, nil
	}

	run := &run{installer: i, logger: logger, header: header, result: result}
	for _, plan := range plans {
		payload, err := reader.NextPayload(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading payload %d: %w", plan.index, err)
		}
		payloadResult, err := run.apply(ctx, payload, plan)
		if err != nil {
			return nil, fmt.Errorf("installing payload %d (%s): %w", plan.index, plan.entry.Target, err)
		}
		result.Payloads = append(result.Payloads, *payloadResult)
	}
	if _, err := reader.NextPayload(ctx); !errors.Is(err, io.EOF) {
		if err == nil {
			err = fmt.Errorf("bundle has more payloads than its index")
		}
		return nil, err
	}

	logger.Info("installed bundle", "bundle", result.BundleHash, "install_id", result.InstallID)
	return result, nil
}
