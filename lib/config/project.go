// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

// Architecture is a target CPU architecture.
type Architecture string

const (
	Amd64 Architecture = "amd64"
	Arm64 Architecture = "arm64"
	Armv7 Architecture = "armv7"
	Armhf Architecture = "armhf"
	Arm   Architecture = "arm"
)

var architectures = []Architecture{Amd64, Arm64, Armv7, Armhf, Arm}

// ParseArchitecture validates an architecture name.
func ParseArchitecture(name string) (Architecture, error) {
	architecture := Architecture(name)
	if !slices.Contains(architectures, architecture) {
		return "", fmt.Errorf("invalid architecture %q: must be one of %v", name, architectures)
	}
	return architecture, nil
}

// UnmarshalYAML rejects unknown architectures at load time.
func (a *Architecture) UnmarshalYAML(node *yaml.Node) error {
	var name string
	if err := node.Decode(&name); err != nil {
		return err
	}
	architecture, err := ParseArchitecture(name)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*a = architecture
	return nil
}

// ProjectConfig lists the systems a project builds bundles for.
type ProjectConfig struct {
	Systems map[string]SystemTarget `yaml:"systems"`
}

// SystemTarget is one system of a project.
type SystemTarget struct {
	Architecture Architecture `yaml:"architecture"`

	// Target names the device family, for example "generic-grub-efi"
	// or "rpi-tryboot".
	Target string `yaml:"target,omitempty"`

	// Config is the device configuration the system's image ships.
	Config SystemConfig `yaml:"config"`
}

// LoadProjectFile loads and validates a project file.
func LoadProjectFile(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var project ProjectConfig
	if err := yaml.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := project.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &project, nil
}

// Validate checks every system.
func (p *ProjectConfig) Validate() error {
	var errs []error
	if len(p.Systems) == 0 {
		errs = append(errs, fmt.Errorf("systems: at least one system is required"))
	}
	for _, name := range p.SystemNames() {
		system := p.Systems[name]
		if system.Architecture == "" {
			errs = append(errs, fmt.Errorf("systems.%s.architecture is required", name))
		}
		if system.Config.Slots != nil {
			for _, slot := range system.Config.Slots.entries {
				if err := slot.Config.Validate(); err != nil {
					errs = append(errs, fmt.Errorf("systems.%s.config.slots.%s: %w", name, slot.Name, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// SystemNames returns the system names in sorted order.
func (p *ProjectConfig) SystemNames() []string {
	names := make([]string, 0, len(p.Systems))
	for name := range p.Systems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveSystemConfig returns the device configuration of a system,
// filled in with defaults.
func (p *ProjectConfig) ResolveSystemConfig(name string) (*SystemConfig, Architecture, error) {
	system, ok := p.Systems[name]
	if !ok {
		return nil, "", fmt.Errorf("unknown system %q (have %v)", name, p.SystemNames())
	}
	config := Default()
	config.Slots = system.Config.Slots
	if system.Config.Trust.AuthorizedKeys != "" {
		config.Trust.AuthorizedKeys = system.Config.Trust.AuthorizedKeys
	}
	config.Trust.RequireSignature = system.Config.Trust.RequireSignature
	if system.Config.Paths.State != "" {
		config.Paths.State = system.Config.Paths.State
	}
	if system.Config.Paths.Temp != "" {
		config.Paths.Temp = system.Config.Paths.Temp
	}
	config.expandVariables()
	if err := config.Validate(); err != nil {
		return nil, "", fmt.Errorf("system %q: %w", name, err)
	}
	return config, system.Architecture, nil
}
