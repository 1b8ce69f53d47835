// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds signing key passphrases outside the Go heap.
//
// A [Passphrase] lives in an anonymous mmap region that is locked into
// RAM (mlock) and excluded from core dumps (MADV_DONTDUMP). The garbage
// collector never sees the region, so it cannot leave copies behind.
// Close zeroes and unmaps it.
//
// Passphrases come from a file ([ReadFile]) or are typed on a terminal
// ([ReadTerminal]). Neither path keeps the plaintext in a Go string.
package secret
