// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/bureau-foundation/ota/cmd/bureau-ota/cli"
	"github.com/bureau-foundation/ota/lib/install"
	"github.com/bureau-foundation/ota/lib/signature"
	"github.com/bureau-foundation/ota/lib/slotstate"
	"github.com/bureau-foundation/ota/lib/version"
)

type installParams struct {
	cli.JSONOutput
	systemParams
	Targets map[string]string `flag:"target" desc:"install a payload's slot into another slot, as payload-slot=slot"`
	DryRun  bool              `flag:"dry-run" desc:"verify the bundle and plan the installation without writing"`
}

func installCommand() *cli.Command {
	var params installParams
	return &cli.Command{
		Name:    "install",
		Summary: "Install a bundle into the inactive slots",
		Description: `Install every payload of a bundle. A payload addressed to an A/B group
such as "system" goes into the group's inactive member; active slots
are never written. The bundle is read once, from a file or from stdin
("-"), and each payload's hashes are checked as it streams.

Signatures are checked against the trust section of the system config
before any slot is touched.`,
		Usage:  "bureau-ota install [flags] <bundle | ->",
		Params: func() any { return &params },
		Examples: []cli.Example{
			{
				Description: "Install a bundle",
				Command:     "bureau-ota install update.bundle",
			},
			{
				Description: "Stream a bundle from a server, forcing the system payload into system-b",
				Command:     "curl -s https://updates.example/latest.bundle | bureau-ota install --target system=system-b -",
			},
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one bundle path (\"-\" for stdin)")
			}
			return runInstall(ctx, args[0], params, logger)
		},
	}
}

func runInstall(ctx context.Context, path string, params installParams, logger *slog.Logger) error {
	system, err := loadSystem(params.systemParams, logger)
	if err != nil {
		return err
	}
	verifier, err := signature.PolicyFromConfig(system.config.Trust)
	if err != nil {
		return err
	}
	installer := &install.Installer{
		Slots:    system.slots,
		Verifier: verifier,
		TempDir:  system.config.Paths.Temp,
		Logger:   logger.With(version.Attr()),
	}
	// A dry run leaves the filesystem alone, including the state
	// directory; records are still read when it exists.
	if !params.DryRun {
		if err := system.config.EnsurePaths(); err != nil {
			return err
		}
	}
	installer.State = slotstate.NewStore(system.config.Paths.State)

	input, err := openInput(path)
	if err != nil {
		return err
	}
	defer input.Close()

	result, err := installer.Install(ctx, input, install.Options{
		Targets: params.Targets,
		DryRun:  params.DryRun,
	})
	if err != nil {
		return err
	}
	if done, err := params.EmitJSON(result); done {
		return err
	}
	printInstallResult(cli.Stdout, result, params.DryRun)
	return nil
}

func printInstallResult(w io.Writer, result *install.Result, dryRun bool) {
	verb := "installed"
	if dryRun {
		verb = "verified (dry run)"
	}
	fmt.Fprintf(w, "bundle %s %s\n", result.BundleHash, verb)
	if result.InstallID != "" {
		fmt.Fprintf(w, "install id: %s\n", result.InstallID)
	}
	if result.Trust != nil && result.Trust.Trusted {
		fmt.Fprintf(w, "signed by:  %s\n", result.Trust.Fingerprint)
	}
	table := newTable(w)
	fmt.Fprintln(table, "PAYLOAD\tTARGET\tSLOT\tBYTES\tWRITTEN\tBLOCKS")
	for _, payload := range result.Payloads {
		slotName := payload.Slot
		if slotName == "" {
			slotName = "-"
		}
		blocks := "-"
		if payload.Blocks > 0 {
			blocks = fmt.Sprintf("%d (%d reused)", payload.Blocks, payload.Reused)
		}
		fmt.Fprintf(table, "%d\t%s\t%s\t%d\t%d\t%s\n",
			payload.Index, payload.Target, slotName, payload.Bytes, payload.Written, blocks)
	}
	table.Flush()
}
