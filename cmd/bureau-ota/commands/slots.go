// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/bureau-foundation/ota/cmd/bureau-ota/cli"
	"github.com/bureau-foundation/ota/lib/codec"
	"github.com/bureau-foundation/ota/lib/slotstate"
)

func slotsCommand() *cli.Command {
	return &cli.Command{
		Name:    "slots",
		Summary: "Show the device's slots and what they hold",
		Subcommands: []*cli.Command{
			slotsListCommand(),
			slotsStateCommand(),
		},
	}
}

// slotEntry is one row of "slots list".
type slotEntry struct {
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Target    string     `json:"target"`
	Active    bool       `json:"active"`
	Immutable bool       `json:"immutable"`
	Installed *installed `json:"installed,omitempty"`
}

type installed struct {
	InstallID   string    `json:"install_id"`
	InstalledAt time.Time `json:"installed_at"`
	BundleHash  string    `json:"bundle_hash"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
}

type slotsListParams struct {
	cli.JSONOutput
	systemParams
}

func slotsListCommand() *cli.Command {
	var params slotsListParams
	return &cli.Command{
		Name:    "list",
		Summary: "List slots with their install records",
		Usage:   "bureau-ota slots list [flags]",
		Params:  func() any { return &params },
		Run: func(_ context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			system, err := loadSystem(params.systemParams, logger)
			if err != nil {
				return err
			}
			store := slotstate.NewStore(system.config.Paths.State)

			var entries []slotEntry
			for _, slot := range system.slots.All() {
				entry := slotEntry{
					Name:      slot.Name(),
					Kind:      slot.Kind().String(),
					Target:    slot.Target(),
					Active:    slot.Active(),
					Immutable: slot.IsImmutable(),
				}
				record, err := store.Read(slot.Name())
				switch {
				case err == nil:
					entry.Installed = &installed{
						InstallID:   record.InstallID,
						InstalledAt: record.InstalledAt,
						BundleHash:  record.BundleHash,
						ContentHash: record.ContentHash,
						Size:        record.Size,
					}
				case !errors.Is(err, fs.ErrNotExist):
					logger.Warn("unreadable slot record", "slot", slot.Name(), "error", err)
				}
				entries = append(entries, entry)
			}

			if done, err := params.EmitJSON(entries); done {
				return err
			}
			table := newTable(cli.Stdout)
			fmt.Fprintln(table, "SLOT\tKIND\tTARGET\tSTATE\tCONTENT")
			for _, entry := range entries {
				state := "inactive"
				if entry.Active {
					state = "active"
				}
				content := "-"
				if entry.Installed != nil {
					content = fmt.Sprintf("%s (%s)", entry.Installed.ContentHash,
						entry.Installed.InstalledAt.Format(time.RFC3339))
				}
				fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\n", entry.Name, entry.Kind, entry.Target, state, content)
			}
			return table.Flush()
		},
	}
}

type slotsStateParams struct {
	Config string `flag:"config" desc:"system config file (default: $BUREAU_OTA_CONFIG)"`
}

func slotsStateCommand() *cli.Command {
	var params slotsStateParams
	return &cli.Command{
		Name:    "state",
		Summary: "Print a slot's raw install record",
		Description: `Print the install record of a slot in CBOR diagnostic notation, as
stored in the state directory.`,
		Usage:  "bureau-ota slots state [--config <file>] <slot>",
		Params: func() any { return &params },
		Run: func(_ context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one slot name")
			}
			system, err := loadSystem(systemParams{Config: params.Config}, logger)
			if err != nil {
				return err
			}
			if _, _, ok := system.slots.FindByName(args[0]); !ok {
				return fmt.Errorf("no slot named %q", args[0])
			}
			raw, err := slotstate.NewStore(system.config.Paths.State).Raw(args[0])
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("slot %s has no install record", args[0])
			}
			if err != nil {
				return err
			}
			diagnostic, err := codec.Diagnose(raw)
			if err != nil {
				return fmt.Errorf("decoding record of slot %s: %w", args[0], err)
			}
			fmt.Fprintln(cli.Stdout, diagnostic)
			return nil
		},
	}
}
