// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Environment variables passed to handlers.
const (
	envSlot         = "BUREAU_OTA_SLOT"
	envBundleHash   = "BUREAU_OTA_BUNDLE_HASH"
	envInstallID    = "BUREAU_OTA_INSTALL_ID"
	envPayloadIndex = "BUREAU_OTA_PAYLOAD_INDEX"
)

// handler is a running handler command reading content on stdin.
type handler struct {
	command []string
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	output  bytes.Buffer

	// exited is set once the handler stopped reading. The rest of the
	// content is still decoded, so it is verified, but dropped.
	exited bool
}

func startHandler(ctx context.Context, command []string, env []string) (*handler, error) {
	ctx, cancel := context.WithCancel(ctx)
	h := &handler{command: command, cancel: cancel}
	h.cmd = exec.CommandContext(ctx, command[0], command[1:]...)
	h.cmd.Env = append(os.Environ(), env...)
	h.cmd.Stdout = &h.output
	h.cmd.Stderr = &h.output
	stdin, err := h.cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	h.stdin = stdin
	if err := h.cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", command[0], err)
	}
	return h, nil
}

func (h *handler) Write(data []byte) (int, error) {
	if h.exited {
		return len(data), nil
	}
	n, err := h.stdin.Write(data)
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
		h.exited = true
		return len(data), nil
	}
	return n, err
}

// finish closes stdin and waits for the handler to exit.
func (h *handler) finish() error {
	defer h.cancel()
	h.stdin.Close()
	if err := h.cmd.Wait(); err != nil {
		return formatError(h.command, &h.output, err)
	}
	return nil
}

// abort kills the handler, whose input turned out to be invalid.
func (h *handler) abort() {
	h.cancel()
	h.stdin.Close()
	h.cmd.Wait()
}

// formatError prefers the handler's own output over the exit status.
func formatError(command []string, output *bytes.Buffer, err error) error {
	commandString := strings.Join(command, " ")
	text := strings.TrimSpace(output.String())
	if text != "" {
		return fmt.Errorf("%s: %w: %s", commandString, err, text)
	}
	return fmt.Errorf("%s: %w", commandString, err)
}

// handlerEnv describes the payload being handled.
func (r *run) handlerEnv(plan *payloadPlan) []string {
	env := []string{
		envBundleHash + "=" + r.result.BundleHash,
		envInstallID + "=" + r.result.InstallID,
		envPayloadIndex + "=" + strconv.Itoa(plan.index),
	}
	if plan.slot != nil {
		env = append(env, envSlot+"="+plan.slot.Name())
	}
	return env
}
