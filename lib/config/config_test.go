// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Slots != nil {
		t.Error("expected no slots so the partition table decides")
	}
	if cfg.Paths.State != "/var/lib/bureau-ota" {
		t.Errorf("expected state=/var/lib/bureau-ota, got %s", cfg.Paths.State)
	}
	if cfg.Trust.RequireSignature {
		t.Error("expected require_signature=false by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_RequiresConfigVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when BUREAU_OTA_CONFIG not set, got nil")
	}
	expectedMsg := "BUREAU_OTA_CONFIG environment variable not set"
	if !strings.HasPrefix(err.Error(), expectedMsg) {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoad_WithConfigVariable(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "system.yaml")
	configContent := `
paths:
  state: /test/state
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv(EnvironmentVariable, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Paths.State != "/test/state" {
		t.Errorf("expected state=/test/state, got %s", cfg.Paths.State)
	}
	if cfg.Trust.AuthorizedKeys != "/etc/bureau-ota/trusted_keys" {
		t.Errorf("expected default authorized_keys, got %s", cfg.Trust.AuthorizedKeys)
	}
}

func TestLoadFile_Slots(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "system.yaml")
	configContent := `
slots:
  system-b:
    type: block
    partition: 6
    immutable: true
  system-a:
    type: block
    device: /dev/mmcblk0p5
  app:
    type: file
    path: ${OTA_TEST_DATA:-/data}/app.img
  firmware:
    type: custom
    handler: [/usr/bin/flash-firmware, --verbose]
trust:
  authorized_keys: /etc/keys
  require_signature: true
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Slots == nil {
		t.Fatal("expected slots")
	}

	entries := cfg.Slots.Entries()
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	if got := strings.Join(names, ","); got != "system-b,system-a,app,firmware" {
		t.Fatalf("slot order = %s, want file order", got)
	}

	systemB := entries[0].Config
	if systemB.Type != SlotBlock || systemB.Partition == nil || *systemB.Partition != 6 {
		t.Errorf("system-b = %+v", systemB)
	}
	if systemB.Immutable == nil || !*systemB.Immutable {
		t.Error("expected system-b immutable")
	}
	if entries[1].Config.Device != "/dev/mmcblk0p5" || entries[1].Config.Immutable != nil {
		t.Errorf("system-a = %+v", entries[1].Config)
	}
	if entries[2].Config.Path != "/data/app.img" {
		t.Errorf("expected expanded path /data/app.img, got %s", entries[2].Config.Path)
	}
	if len(entries[3].Config.Handler) != 2 {
		t.Errorf("expected two handler arguments, got %v", entries[3].Config.Handler)
	}
	if !cfg.Trust.RequireSignature || cfg.Trust.AuthorizedKeys != "/etc/keys" {
		t.Errorf("trust = %+v", cfg.Trust)
	}
}

func TestLoadFile_EmptySlots(t *testing.T) {
	cfg, err := Parse([]byte("slots: {}\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Slots == nil || cfg.Slots.Len() != 0 {
		t.Errorf("expected an explicit empty slot list, got %+v", cfg.Slots)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "duplicate slot",
			content: `
slots:
  a: {type: file, path: /a}
  a: {type: file, path: /b}
`,
			want: "defined twice",
		},
		{
			name:    "slots not a mapping",
			content: "slots: [a, b]\n",
			want:    "must be a mapping",
		},
		{
			name: "unknown type",
			content: `
slots:
  a: {type: tape}
`,
			want: "invalid type",
		},
		{
			name: "file without path",
			content: `
slots:
  a: {type: file}
`,
			want: "file slots require path",
		},
		{
			name: "immutable custom",
			content: `
slots:
  a: {type: custom, handler: [x], immutable: true}
`,
			want: "cannot be immutable",
		},
		{
			name: "device and partition",
			content: `
slots:
  a: {type: block, device: /dev/sda2, partition: 2}
`,
			want: "exclusive",
		},
		{
			name:    "empty state",
			content: "paths:\n  state: \"\"\n",
			want:    "paths.state is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestSlotsConfig_MarshalKeepsOrder(t *testing.T) {
	slots := NewSlotsConfig(
		NamedSlot{Name: "zeta", Config: BlockSlot(3, false)},
		NamedSlot{Name: "alpha", Config: BlockSlot(2, true)},
	)
	data, err := yaml.Marshal(map[string]any{"slots": slots})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v\n%s", err, data)
	}
	entries := cfg.Slots.Entries()
	if len(entries) != 2 || entries[0].Name != "zeta" || entries[1].Name != "alpha" {
		t.Fatalf("round trip lost order: %+v", entries)
	}
	if *entries[1].Config.Partition != 2 || !*entries[1].Config.Immutable {
		t.Errorf("alpha = %+v", entries[1].Config)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/ota",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/ota",
		},
		{
			input:    "${OTA_TEST_MISSING:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*SystemConfig)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *SystemConfig) {},
			wantErr: false,
		},
		{
			name: "require signature without keys",
			modify: func(c *SystemConfig) {
				c.Trust.RequireSignature = true
				c.Trust.AuthorizedKeys = ""
			},
			wantErr: true,
		},
		{
			name: "block slot without device or partition",
			modify: func(c *SystemConfig) {
				c.Slots = NewSlotsConfig(NamedSlot{Name: "a", Config: SlotConfig{Type: SlotBlock}})
			},
			wantErr: false,
		},
		{
			name: "custom slot without handler",
			modify: func(c *SystemConfig) {
				c.Slots = NewSlotsConfig(NamedSlot{Name: "a", Config: SlotConfig{Type: SlotCustom}})
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Default()
	cfg.Paths.State = filepath.Join(tmpDir, "state")
	cfg.Paths.Temp = filepath.Join(tmpDir, "tmp")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}
	for _, path := range []string{cfg.Paths.State, cfg.Paths.Temp} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("path %s not created: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("path %s is not a directory", path)
		}
	}
}

func TestParseArchitecture(t *testing.T) {
	for _, name := range []string{"amd64", "arm64", "armv7", "armhf", "arm"} {
		if _, err := ParseArchitecture(name); err != nil {
			t.Errorf("ParseArchitecture(%q): %v", name, err)
		}
	}
	for _, name := range []string{"", "x86_64", "AMD64", "riscv64"} {
		_, err := ParseArchitecture(name)
		if err == nil || !strings.Contains(err.Error(), "invalid architecture") {
			t.Errorf("ParseArchitecture(%q) = %v, want invalid architecture", name, err)
		}
	}
}

func TestProjectConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "project.yaml")
	content := `
systems:
  customized-arm64:
    architecture: arm64
    target: rpi-tryboot
    config:
      slots:
        boot-a: {type: block, partition: 2}
        boot-b: {type: block, partition: 3}
      paths:
        state: /data/ota
  generic-amd64:
    architecture: amd64
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write project: %v", err)
	}
	project, err := LoadProjectFile(path)
	if err != nil {
		t.Fatalf("LoadProjectFile failed: %v", err)
	}
	if got := strings.Join(project.SystemNames(), ","); got != "customized-arm64,generic-amd64" {
		t.Errorf("SystemNames = %s", got)
	}

	cfg, architecture, err := project.ResolveSystemConfig("customized-arm64")
	if err != nil {
		t.Fatalf("ResolveSystemConfig failed: %v", err)
	}
	if architecture != Arm64 {
		t.Errorf("architecture = %s, want arm64", architecture)
	}
	if cfg.Slots.Len() != 2 || cfg.Paths.State != "/data/ota" {
		t.Errorf("resolved config = %+v", cfg)
	}
	if cfg.Trust.AuthorizedKeys != "/etc/bureau-ota/trusted_keys" {
		t.Errorf("expected default authorized_keys, got %s", cfg.Trust.AuthorizedKeys)
	}

	generic, _, err := project.ResolveSystemConfig("generic-amd64")
	if err != nil {
		t.Fatalf("ResolveSystemConfig failed: %v", err)
	}
	if generic.Slots != nil {
		t.Error("expected default slots for generic system")
	}

	if _, _, err := project.ResolveSystemConfig("missing"); err == nil {
		t.Error("expected error for unknown system")
	}
}

func TestProjectConfig_InvalidArchitecture(t *testing.T) {
	var project ProjectConfig
	err := yaml.Unmarshal([]byte("systems:\n  x:\n    architecture: sparc\n"), &project)
	if err == nil || !strings.Contains(err.Error(), "invalid architecture") {
		t.Fatalf("expected invalid architecture error, got %v", err)
	}
}
