// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitCoder is an error carrying its own exit status. Commands that
// already printed their result, like a failed trust check, return one
// so that no extra "error:" line follows.
type ExitCoder interface {
	error
	ExitCode() int
}

// Report writes err to w unless it is an [ExitCoder] and returns the
// exit status for it. A nil err is status 0.
func Report(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	fmt.Fprintf(w, "error: %v\n", err)
	return 1
}

// Exit reports err on stderr and exits with the matching status.
func Exit(err error) {
	os.Exit(Report(os.Stderr, err))
}
