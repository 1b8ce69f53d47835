// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/ota/lib/config"
	"github.com/bureau-foundation/ota/lib/disk"
	"github.com/bureau-foundation/ota/lib/slot"
)

// systemParams locate the running system's configuration and slots.
type systemParams struct {
	Config  string   `flag:"config" desc:"system config file (default: $BUREAU_OTA_CONFIG)"`
	Project string   `flag:"project" desc:"take the configuration of --system from this project file"`
	System  string   `flag:"system" desc:"system of --project to use"`
	Active  []string `flag:"active" desc:"mark a slot active instead of detecting the root partition (repeatable)"`
}

// loadConfig loads the configuration params select.
func loadConfig(params systemParams) (*config.SystemConfig, error) {
	switch {
	case params.Project != "":
		if params.Config != "" {
			return nil, fmt.Errorf("--config and --project are mutually exclusive")
		}
		if params.System == "" {
			return nil, fmt.Errorf("--project needs --system")
		}
		project, err := config.LoadProjectFile(params.Project)
		if err != nil {
			return nil, err
		}
		systemConfig, _, err := project.ResolveSystemConfig(params.System)
		return systemConfig, err
	case params.System != "":
		return nil, fmt.Errorf("--system needs --project")
	case params.Config != "":
		return config.LoadFile(params.Config)
	default:
		return config.Load()
	}
}

// system is the loaded configuration and slots of the running device.
type system struct {
	config *config.SystemConfig
	slots  *slot.SystemSlots
}

func loadSystem(params systemParams, logger *slog.Logger) (*system, error) {
	systemConfig, err := loadConfig(params)
	if err != nil {
		return nil, err
	}

	// A configuration that names every slot device explicitly works
	// without a root disk, as in containers and on development hosts.
	var root slot.Root
	systemRoot, err := disk.FindSystemRoot()
	switch {
	case err == nil:
		root = systemRoot
	case systemConfig.Slots == nil:
		return nil, fmt.Errorf("finding the root disk for the default slot layout: %w", err)
	default:
		logger.Debug("no root disk", "error", err)
	}

	slots, err := slot.FromConfig(root, systemConfig.Slots)
	if err != nil {
		return nil, err
	}

	if len(params.Active) > 0 {
		for _, name := range params.Active {
			_, active, ok := slots.FindByName(name)
			if !ok {
				return nil, fmt.Errorf("--active: no slot named %q", name)
			}
			active.MarkActive()
		}
	} else if systemRoot != nil && systemRoot.Partition != nil {
		if idx, ok := slots.MarkActiveDevice(systemRoot.Partition.Path()); ok {
			logger.Debug("root partition is active", "slot", slots.At(idx).Name())
		} else {
			logger.Warn("root partition is not a configured slot", "device", systemRoot.Partition.Path())
		}
	}
	return &system{config: systemConfig, slots: slots}, nil
}
