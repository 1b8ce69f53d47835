// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the bureau-ota command tree.
//
// Bundle commands (create, inspect, verify, dump) work on files and
// need no device. The install and slots commands operate on the
// running system: they load the system configuration, find the root
// disk, build the slots and mark the one holding the root filesystem
// active.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/ota/cmd/bureau-ota/cli"
	"github.com/bureau-foundation/ota/lib/version"
)

// Root builds and returns the complete bureau-ota command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "bureau-ota",
		Description: `bureau-ota: over-the-air updates for A/B devices.

Build signed update bundles, inspect and verify them, and install them
into the inactive slots of a device.`,
		Subcommands: []*cli.Command{
			bundleCommand(),
			installCommand(),
			projectCommand(),
			slotsCommand(),
			tagsCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, _ []string, _ *slog.Logger) error {
					fmt.Fprintf(cli.Stdout, "bureau-ota %s\n", version.Full())
					return nil
				},
			},
		},
	}
}
