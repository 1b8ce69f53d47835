// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// Command represents a CLI command or subcommand.
type Command struct {
	// Name is the command name as typed by the user (e.g., "bundle", "create").
	Name string

	// Summary is a one-line description shown in the parent's help listing.
	Summary string

	// Description is a detailed multi-line description shown in the command's
	// own help output.
	Description string

	// Usage is the usage string (e.g., "bureau-ota install [flags] <bundle>").
	// If empty, it is synthesized from the command path and subcommands.
	Usage string

	// Examples are shown in the help output after the description.
	Examples []Example

	// Params returns a pointer to the command's parameter struct. Its
	// tagged fields are bound as flags (see [BindFlags]) and populated
	// before Run is called. If nil, the command accepts no flags.
	Params func() any

	// Subcommands are nested commands dispatched by the first positional arg.
	Subcommands []*Command

	// Run executes the command with the remaining args (after flag parsing).
	// Exactly one of Run or Subcommands should be set. If both are set,
	// Run is used when no subcommand matches.
	Run func(ctx context.Context, args []string, logger *slog.Logger) error

	// Logger overrides the logger handed to Run. Nil means
	// [NewCommandLogger]. Set on the root; subcommands inherit it.
	Logger *slog.Logger

	// parent is set during dispatch to build the full command path for help.
	parent *Command
}

// Example is a usage example shown in help output.
type Example struct {
	// Description explains what the example does.
	Description string
	// Command is the literal command line.
	Command string
}

// Execute parses args and runs the command they select. A leading
// argument naming a subcommand descends into it; everything else is
// parsed against Params and handed to Run.
func (c *Command) Execute(ctx context.Context, args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.PrintHelp(os.Stderr)
		return nil
	}

	if len(c.Subcommands) > 0 {
		if sub, err := c.dispatch(args); sub != nil || err != nil {
			if err != nil {
				return err
			}
			return sub.Execute(ctx, args[1:])
		}
	}

	if c.Params != nil {
		remaining, err := c.parseFlags(args)
		if err != nil || remaining == nil {
			return err
		}
		args = remaining
	}

	if c.Run == nil {
		c.PrintHelp(os.Stderr)
		return fmt.Errorf("no action defined for %q", c.fullName())
	}
	return c.Run(ctx, args, c.logger())
}

// dispatch finds the subcommand args[0] names. It returns neither a
// subcommand nor an error when c handles args itself, which only a
// command with a Run of its own can.
func (c *Command) dispatch(args []string) (*Command, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		if c.Run != nil {
			return nil, nil
		}
		c.PrintHelp(os.Stderr)
		if len(args) == 0 {
			return nil, fmt.Errorf("subcommand required")
		}
		return nil, fmt.Errorf("subcommand required (got flag %q)", args[0])
	}
	name := args[0]
	for _, sub := range c.Subcommands {
		if sub.Name == name {
			sub.parent = c
			return sub, nil
		}
	}
	if c.Run != nil {
		return nil, nil
	}
	if suggestion := suggestCommand(name, c.Subcommands); suggestion != "" {
		return nil, c.usageError("unknown command %q (did you mean %q?)", name, suggestion)
	}
	return nil, c.usageError("unknown command %q", name)
}

// parseFlags binds c's params to args and returns the positional
// arguments. After --help it prints help and returns nil for both.
func (c *Command) parseFlags(args []string) ([]string, error) {
	flagSet := FlagsFromParams(c.Name, c.Params())
	// pflag's own error output and usage dump are replaced by
	// messages with suggestions.
	flagSet.SetOutput(io.Discard)

	err := flagSet.Parse(args)
	switch {
	case err == nil:
		// Non-nil so that a command without arguments still runs.
		return append([]string{}, flagSet.Args()...), nil
	case errors.Is(err, pflag.ErrHelp):
		c.PrintHelp(os.Stderr)
		return nil, nil
	}
	message := err.Error()
	if strings.Contains(message, "unknown flag") || strings.Contains(message, "unknown shorthand") {
		if suggestion := suggestFlag(args, flagSet); suggestion != "" {
			return nil, c.usageError("%s (did you mean %s?)", message, suggestion)
		}
	}
	return nil, c.usageError("%s", message)
}

// usageError formats a command line mistake with a pointer to help.
func (c *Command) usageError(format string, args ...any) error {
	return fmt.Errorf(format+"\n\nRun '%s --help' for usage.", append(args, c.fullName())...)
}

// logger returns the nearest configured logger up the command path.
func (c *Command) logger() *slog.Logger {
	for command := c; command != nil; command = command.parent {
		if command.Logger != nil {
			return command.Logger
		}
	}
	return NewCommandLogger()
}

// PrintHelp writes structured help output to w.
func (c *Command) PrintHelp(w io.Writer) {
	name := c.fullName()

	// Description or summary.
	if c.Description != "" {
		fmt.Fprintf(w, "%s\n\n", c.Description)
	} else if c.Summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.Summary)
	}

	// Usage line.
	if c.Usage != "" {
		fmt.Fprintf(w, "Usage:\n  %s\n", c.Usage)
	} else if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", name)
	} else {
		fmt.Fprintf(w, "Usage:\n  %s [flags]\n", name)
	}

	// Subcommands.
	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		tw.Flush()
	}

	// Flags.
	if c.Params != nil {
		flagSet := FlagsFromParams(c.Name, c.Params())
		var flagHelp strings.Builder
		flagSet.SetOutput(&flagHelp)
		flagSet.PrintDefaults()
		if flagHelp.Len() > 0 {
			fmt.Fprintf(w, "\nFlags:\n%s", flagHelp.String())
		}
	}

	// Examples.
	if len(c.Examples) > 0 {
		fmt.Fprintf(w, "\nExamples:\n")
		for _, example := range c.Examples {
			if example.Description != "" {
				fmt.Fprintf(w, "  # %s\n", example.Description)
			}
			fmt.Fprintf(w, "  %s\n", example.Command)
			if example.Description != "" {
				fmt.Fprintln(w)
			}
		}
	}

	// Footer: help hint for subcommands.
	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", name)
	}
}

// fullName returns the complete command path (e.g., "bureau-ota bundle create").
func (c *Command) fullName() string {
	if c.parent == nil {
		return c.Name
	}
	return c.parent.fullName() + " " + c.Name
}

// isHelpFlag returns true for common help flag variants.
func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

// flagNames lists the long names defined in flagSet.
func flagNames(flagSet *pflag.FlagSet) []string {
	var names []string
	flagSet.VisitAll(func(f *pflag.Flag) {
		names = append(names, f.Name)
	})
	return names
}
