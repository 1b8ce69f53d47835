// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/ota/cmd/bureau-ota/cli"
	"github.com/bureau-foundation/ota/lib/config"
)

func projectCommand() *cli.Command {
	return &cli.Command{
		Name:    "project",
		Summary: "Show the systems a project builds for",
		Subcommands: []*cli.Command{
			projectSystemsCommand(),
		},
	}
}

type projectSystem struct {
	Name         string   `json:"name"`
	Architecture string   `json:"architecture"`
	Target       string   `json:"target,omitempty"`
	Slots        []string `json:"slots"`
}

type projectSystemsParams struct {
	cli.JSONOutput
}

func projectSystemsCommand() *cli.Command {
	var params projectSystemsParams
	return &cli.Command{
		Name:    "systems",
		Summary: "List the systems of a project file",
		Description: `List every system of a project file with its architecture and slot
names. A system without a slots section uses the default layout of its
device's partition table, shown as "(default)". Pass --project and
--system to "slots list" to see a system's slots resolved.`,
		Usage:  "bureau-ota project systems [--json] <project.yaml>",
		Params: func() any { return &params },
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one project file")
			}
			project, err := config.LoadProjectFile(args[0])
			if err != nil {
				return err
			}
			var systems []projectSystem
			for _, name := range project.SystemNames() {
				target := project.Systems[name]
				system := projectSystem{
					Name:         name,
					Architecture: string(target.Architecture),
					Target:       target.Target,
					Slots:        []string{},
				}
				if target.Config.Slots != nil {
					for _, slot := range target.Config.Slots.Entries() {
						system.Slots = append(system.Slots, slot.Name)
					}
				}
				systems = append(systems, system)
			}
			if done, err := params.EmitJSON(systems); done {
				return err
			}
			table := newTable(cli.Stdout)
			fmt.Fprintln(table, "SYSTEM\tARCHITECTURE\tTARGET\tSLOTS")
			for _, system := range systems {
				slots := "(default)"
				if len(system.Slots) > 0 {
					slots = strings.Join(system.Slots, ",")
				}
				target := system.Target
				if target == "" {
					target = "-"
				}
				fmt.Fprintf(table, "%s\t%s\t%s\t%s\n", system.Name, system.Architecture, target, slots)
			}
			return table.Flush()
		},
	}
}
