// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/ota/cmd/bureau-ota/cli"
	"github.com/bureau-foundation/ota/lib/bundle/tags"
)

func tagsCommand() *cli.Command {
	return &cli.Command{
		Name:    "tags",
		Summary: "Show the bundle tag registry",
		Subcommands: []*cli.Command{
			tagsListCommand(),
		},
	}
}

type tagEntry struct {
	Name     string `json:"name"`
	Tag      string `json:"tag"`
	Optional bool   `json:"optional"`
	Kind     string `json:"kind"`
	Doc      string `json:"doc"`
}

type tagsListParams struct {
	cli.JSONOutput
}

func tagsListCommand() *cli.Command {
	var params tagsListParams
	return &cli.Command{
		Name:    "list",
		Summary: "List every registered tag",
		Description: `List the tags this tool understands with their numeric value, whether
readers may skip them, and whether they hold a value or a segment.`,
		Usage:  "bureau-ota tags list [--json]",
		Params: func() any { return &params },
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			var entries []tagEntry
			for _, definition := range tags.Definitions() {
				entries = append(entries, tagEntry{
					Name:     definition.Name,
					Tag:      definition.Tag.String(),
					Optional: definition.Optional,
					Kind:     definition.Kind.String(),
					Doc:      definition.Doc,
				})
			}
			if done, err := params.EmitJSON(entries); done {
				return err
			}
			table := newTable(cli.Stdout)
			fmt.Fprintln(table, "TAG\tNAME\tKIND\tSKIPPABLE")
			for _, entry := range entries {
				fmt.Fprintf(table, "%s\t%s\t%s\t%t\n", entry.Tag, entry.Name, entry.Kind, entry.Optional)
			}
			return table.Flush()
		},
	}
}
