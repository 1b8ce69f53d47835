// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the update
// tooling.
//
// Device configuration ([SystemConfig]) is loaded from a single file
// specified by either the BUREAU_OTA_CONFIG environment variable (via
// [Load]) or a --config flag (via [LoadFile]). There are no fallbacks
// and no automatic file search, so the configuration in effect is
// always the one named explicitly.
//
// The slots section is an ordered mapping: slot indices follow the
// order of the file. When the section is absent, the device's default
// A/B layout is derived from its partition table instead.
//
// Variable expansion is performed on path fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded.
//
// Key exports:
//
//   - [SystemConfig] -- slots, trust policy, and paths of one device
//   - [SlotConfig] -- one slot: block device, file, or custom handler
//   - [ProjectConfig] -- the systems a project builds, with their
//     [Architecture]
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other packages of this module.
package config
