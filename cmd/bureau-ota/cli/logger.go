// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// LogLevelVariable overrides the level of command logs: debug, info,
// warn or error.
const LogLevelVariable = "BUREAU_OTA_LOG_LEVEL"

// NewCommandLogger creates the logger commands run with. On a terminal
// the records are text for people to read; when stderr is piped, as
// under provisioning scripts or journald, they are JSON.
//
// Commands scope it further with With:
//
//	logger = logger.With("bundle", path)
func NewCommandLogger() *slog.Logger {
	return newLogger(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), os.Getenv(LogLevelVariable))
}

func newLogger(w io.Writer, text bool, level string) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	var parsed slog.Level
	if level != "" && parsed.UnmarshalText([]byte(level)) == nil {
		options.Level = parsed
	}
	if text {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}
