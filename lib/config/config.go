// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the configuration file for [Load].
const EnvironmentVariable = "BUREAU_OTA_CONFIG"

// SystemConfig is the configuration of one device.
type SystemConfig struct {
	// Slots lists the installation targets. Nil means the default
	// layout for the root disk's partition table.
	Slots *SlotsConfig `yaml:"slots,omitempty"`

	// Trust configures signature checking.
	Trust TrustConfig `yaml:"trust"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`
}

// TrustConfig configures which bundles may be installed.
type TrustConfig struct {
	// AuthorizedKeys is a file of trusted SSH public keys in
	// authorized_keys format.
	AuthorizedKeys string `yaml:"authorized_keys"`

	// RequireSignature refuses bundles without a signature by one of
	// the trusted keys.
	RequireSignature bool `yaml:"require_signature"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// State is where install records of each slot are kept.
	// Default: /var/lib/bureau-ota
	State string `yaml:"state"`

	// Temp holds partially written file slots. Empty means next to
	// the slot file, which keeps the final rename atomic.
	Temp string `yaml:"temp"`
}

// Default returns the default configuration, used as a base before
// loading the config file.
func Default() *SystemConfig {
	return &SystemConfig{
		Trust: TrustConfig{
			AuthorizedKeys: "/etc/bureau-ota/trusted_keys",
		},
		Paths: PathsConfig{
			State: "/var/lib/bureau-ota",
		},
	}
}

// Load loads configuration from the file named by BUREAU_OTA_CONFIG.
func Load() (*SystemConfig, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your system config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*SystemConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// Parse parses configuration text over the defaults and validates it.
func Parse(data []byte) (*SystemConfig, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	config.expandVariables()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *SystemConfig) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Trust.AuthorizedKeys = expandVars(c.Trust.AuthorizedKeys, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Temp = expandVars(c.Paths.Temp, vars)
	if c.Slots != nil {
		for i := range c.Slots.entries {
			slot := &c.Slots.entries[i].Config
			slot.Device = expandVars(slot.Device, vars)
			slot.Path = expandVars(slot.Path, vars)
		}
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *SystemConfig) Validate() error {
	var errs []error
	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Trust.RequireSignature && c.Trust.AuthorizedKeys == "" {
		errs = append(errs, fmt.Errorf("trust.require_signature needs trust.authorized_keys"))
	}
	if c.Slots != nil {
		for _, slot := range c.Slots.entries {
			if err := slot.Config.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("slots.%s: %w", slot.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// EnsurePaths creates the configured directories if they don't exist.
func (c *SystemConfig) EnsurePaths() error {
	for _, path := range []string{c.Paths.State, c.Paths.Temp} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
