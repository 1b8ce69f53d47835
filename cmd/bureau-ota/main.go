// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/ota/cmd/bureau-ota/commands"
	"github.com/bureau-foundation/ota/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Exit(err)
	}
}

func run() error {
	// An interrupted install stops between blocks and leaves only the
	// inactive slot half written.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return commands.Root().Execute(ctx, os.Args[1:])
}
