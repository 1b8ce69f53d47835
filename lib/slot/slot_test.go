// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package slot

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/ota/lib/config"
	"github.com/bureau-foundation/ota/lib/disk"
)

// fakeRoot is a root disk with a fixed set of partitions.
type fakeRoot struct {
	disk       string
	table      disk.TableType
	hasTable   bool
	partitions map[uint32]bool
	err        error
}

func (r *fakeRoot) TableType() (disk.TableType, bool) {
	return r.table, r.hasTable
}

func (r *fakeRoot) ResolvePartition(number uint32) (*disk.BlockDevice, error) {
	if r.err != nil {
		return nil, r.err
	}
	if !r.hasTable || !r.partitions[number] {
		return nil, nil
	}
	return disk.DeviceAt(disk.PartitionPath(r.disk, number)), nil
}

func newRoot(table disk.TableType, partitions ...uint32) *fakeRoot {
	root := &fakeRoot{disk: "/dev/mmcblk0", table: table, hasTable: true, partitions: make(map[uint32]bool)}
	for _, number := range partitions {
		root.partitions[number] = true
	}
	return root
}

// fakeDevices replaces the device node check for the test's duration.
func fakeDevices(t *testing.T, paths ...string) {
	t.Helper()
	known := make(map[string]bool)
	for _, path := range paths {
		known[path] = true
	}
	original := openBlockDevice
	openBlockDevice = func(path string) (*disk.BlockDevice, error) {
		if !known[path] {
			return nil, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
		}
		return disk.DeviceAt(path), nil
	}
	t.Cleanup(func() { openBlockDevice = original })
}

// fakeDeviceNumbers assigns device numbers to paths for the test's
// duration. Other handles keep an unknown number.
func fakeDeviceNumbers(t *testing.T, numbers map[string]uint64) {
	t.Helper()
	original := deviceNumber
	deviceNumber = func(device *disk.BlockDevice) (uint64, bool) {
		number, ok := numbers[device.Path()]
		return number, ok
	}
	t.Cleanup(func() { deviceNumber = original })
}

func names(slots *SystemSlots) string {
	var list []string
	for _, slot := range slots.All() {
		list = append(list, slot.Name())
	}
	return strings.Join(list, ",")
}

func TestFromConfig_Defaults(t *testing.T) {
	tests := []struct {
		table   disk.TableType
		devices []string
	}{
		{disk.MBR, []string{"/dev/mmcblk0p2", "/dev/mmcblk0p3", "/dev/mmcblk0p5", "/dev/mmcblk0p6"}},
		{disk.GPT, []string{"/dev/mmcblk0p2", "/dev/mmcblk0p3", "/dev/mmcblk0p4", "/dev/mmcblk0p5"}},
	}
	for _, tt := range tests {
		t.Run(tt.table.String(), func(t *testing.T) {
			slots, err := FromConfig(newRoot(tt.table, 1, 2, 3, 4, 5, 6), nil)
			if err != nil {
				t.Fatalf("FromConfig: %v", err)
			}
			if got := names(slots); got != "boot-a,boot-b,system-a,system-b" {
				t.Fatalf("slots = %s", got)
			}
			i := 0
			for _, slot := range slots.All() {
				if !slot.IsBlock() {
					t.Errorf("%s is not a block slot", slot.Name())
				}
				if got := slot.Device().Path(); got != tt.devices[i] {
					t.Errorf("%s device = %s, want %s", slot.Name(), got, tt.devices[i])
				}
				wantImmutable := strings.HasPrefix(slot.Name(), "system-")
				if slot.IsImmutable() != wantImmutable {
					t.Errorf("%s immutable = %v, want %v", slot.Name(), slot.IsImmutable(), wantImmutable)
				}
				if slot.Active() {
					t.Errorf("%s active before marking", slot.Name())
				}
				i++
			}
		})
	}
}

func TestFromConfig_DefaultsNeedRoot(t *testing.T) {
	_, err := FromConfig(nil, nil)
	if !errors.Is(err, ErrResolution) || !strings.Contains(err.Error(), "no system root") {
		t.Errorf("FromConfig(nil, nil) = %v", err)
	}

	noTable := &fakeRoot{disk: "/dev/sda"}
	_, err = FromConfig(noTable, nil)
	if !errors.Is(err, ErrResolution) || !strings.Contains(err.Error(), "unable to determine slots: no table") {
		t.Errorf("FromConfig without table = %v", err)
	}

	// Defaults on a disk missing partition 6.
	_, err = FromConfig(newRoot(disk.MBR, 2, 3, 5), nil)
	if !errors.Is(err, ErrResolution) || !strings.Contains(err.Error(), `partition 6 for slot "system-b" not found`) {
		t.Errorf("FromConfig with missing partition = %v", err)
	}
}

func TestFromConfig_Explicit(t *testing.T) {
	fakeDevices(t, "/dev/sdb1")
	immutable := true
	slots := config.NewSlotsConfig(
		config.NamedSlot{Name: "rootfs", Config: config.SlotConfig{Type: config.SlotBlock, Device: "/dev/sdb1", Immutable: &immutable}},
		config.NamedSlot{Name: "data", Config: config.BlockSlot(7, false)},
		config.NamedSlot{Name: "app", Config: config.SlotConfig{Type: config.SlotFile, Path: "/data/app.img", Immutable: &immutable}},
		config.NamedSlot{Name: "firmware", Config: config.SlotConfig{Type: config.SlotCustom, Handler: []string{"/usr/bin/flash", "-v"}}},
	)
	system, err := FromConfig(newRoot(disk.GPT, 7), slots)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if got := names(system); got != "rootfs,data,app,firmware" {
		t.Fatalf("slots = %s", got)
	}

	tests := []struct {
		name      string
		kind      Kind
		target    string
		immutable bool
	}{
		{"rootfs", KindBlock, "/dev/sdb1", true},
		{"data", KindBlock, "/dev/mmcblk0p7", false},
		{"app", KindFile, "/data/app.img", true},
		{"firmware", KindCustom, "[/usr/bin/flash -v]", false},
	}
	for _, tt := range tests {
		_, slot, ok := system.FindByName(tt.name)
		if !ok {
			t.Errorf("slot %s not found", tt.name)
			continue
		}
		if slot.Kind() != tt.kind || slot.Target() != tt.target || slot.IsImmutable() != tt.immutable {
			t.Errorf("%s = %s %s immutable=%v, want %s %s immutable=%v",
				tt.name, slot.Kind(), slot.Target(), slot.IsImmutable(), tt.kind, tt.target, tt.immutable)
		}
	}
}

func TestFromConfig_Errors(t *testing.T) {
	fakeDevices(t, "/dev/sdb1")
	one := func(name string, slotConfig config.SlotConfig) *config.SlotsConfig {
		return config.NewSlotsConfig(config.NamedSlot{Name: name, Config: slotConfig})
	}

	tests := []struct {
		name  string
		root  Root
		slots *config.SlotsConfig
		want  error
		text  string
	}{
		{
			name:  "block without device or partition",
			root:  newRoot(disk.MBR),
			slots: one("system", config.SlotConfig{Type: config.SlotBlock}),
			want:  ErrInvalidConfig,
			text:  "no device and partition for system",
		},
		{
			name:  "partition without root",
			root:  nil,
			slots: one("system", config.BlockSlot(2, false)),
			want:  ErrResolution,
			text:  "no system root",
		},
		{
			name:  "partition without table",
			root:  &fakeRoot{disk: "/dev/sda"},
			slots: one("system", config.BlockSlot(2, false)),
			want:  ErrResolution,
			text:  "no partition table",
		},
		{
			name:  "missing partition",
			root:  newRoot(disk.MBR, 2),
			slots: one("system", config.BlockSlot(9, false)),
			want:  ErrResolution,
			text:  `partition 9 for slot "system" not found`,
		},
		{
			name:  "partition lookup failure",
			root:  &fakeRoot{disk: "/dev/sda", table: disk.MBR, hasTable: true, err: fmt.Errorf("permission denied")},
			slots: one("system", config.BlockSlot(2, false)),
			want:  ErrResolution,
			text:  "permission denied",
		},
		{
			name:  "device not a block device",
			slots: one("system", config.SlotConfig{Type: config.SlotBlock, Device: "/dev/missing"}),
			want:  ErrResolution,
			text:  "slot device is not a block device (device: /dev/missing)",
		},
		{
			name:  "contradictory block config",
			slots: one("system", config.SlotConfig{Type: config.SlotBlock, Device: "/dev/sdb1", Partition: new(uint32)}),
			want:  ErrInvalidConfig,
			text:  "exclusive",
		},
		{
			name:  "custom without handler",
			slots: one("firmware", config.SlotConfig{Type: config.SlotCustom}),
			want:  ErrInvalidConfig,
			text:  `slot "firmware"`,
		},
		{
			name: "two slots on one device",
			root: newRoot(disk.MBR, 2),
			slots: config.NewSlotsConfig(
				config.NamedSlot{Name: "a", Config: config.BlockSlot(2, false)},
				config.NamedSlot{Name: "b", Config: config.SlotConfig{Type: config.SlotBlock, Device: "/dev/sdb1"}},
				config.NamedSlot{Name: "c", Config: config.BlockSlot(2, true)},
			),
			want: ErrInvalidConfig,
			text: `slots "a" and "c" both resolve to /dev/mmcblk0p2`,
		},
		{
			name: "two slots on one file",
			slots: config.NewSlotsConfig(
				config.NamedSlot{Name: "a", Config: config.SlotConfig{Type: config.SlotFile, Path: "/data/x.img"}},
				config.NamedSlot{Name: "b", Config: config.SlotConfig{Type: config.SlotFile, Path: "/data/./x.img"}},
			),
			want: ErrInvalidConfig,
			text: "both resolve to /data/x.img",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromConfig(tt.root, tt.slots)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if !strings.Contains(err.Error(), tt.text) {
				t.Errorf("error %q does not contain %q", err, tt.text)
			}
		})
	}
}

func TestFromConfig_SameDeviceThroughLink(t *testing.T) {
	const link = "/dev/disk/by-partuuid/6c3a0e1f-05"
	fakeDevices(t, "/dev/sdb5", link, "/dev/sdb6")
	fakeDeviceNumbers(t, map[string]uint64{
		"/dev/sdb5": unix.Mkdev(8, 21),
		link:        unix.Mkdev(8, 21),
		"/dev/sdb6": unix.Mkdev(8, 22),
	})
	block := func(device string) config.SlotConfig {
		return config.SlotConfig{Type: config.SlotBlock, Device: device}
	}

	_, err := FromConfig(nil, config.NewSlotsConfig(
		config.NamedSlot{Name: "system-a", Config: block("/dev/sdb5")},
		config.NamedSlot{Name: "system-b", Config: block(link)},
	))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("error = %v, want ErrInvalidConfig", err)
	}
	if !strings.Contains(err.Error(), `slots "system-a" and "system-b"`) {
		t.Errorf("error %q does not name both slots", err)
	}

	system, err := FromConfig(nil, config.NewSlotsConfig(
		config.NamedSlot{Name: "system-a", Config: block("/dev/sdb5")},
		config.NamedSlot{Name: "system-b", Config: block("/dev/sdb6")},
	))
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	idx, ok := system.MarkActiveDevice(link)
	if !ok || system.At(idx).Name() != "system-a" {
		t.Errorf("MarkActiveDevice(%s) = %v, %v, want system-a", link, idx, ok)
	}
}

func TestFindByName(t *testing.T) {
	system, err := FromConfig(newRoot(disk.MBR, 2, 3, 5, 6), nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	if _, slot, ok := system.FindByName("system-c"); ok || slot != nil {
		t.Errorf("FindByName(system-c) = %v, %v", slot, ok)
	}

	idx, slot, ok := system.FindByName("system-a")
	if !ok || slot.Name() != "system-a" {
		t.Fatalf("FindByName(system-a) = %v, %v", slot, ok)
	}
	if system.At(idx) != slot {
		t.Error("At(idx) returned a different slot")
	}
	if idx.String() != "2" {
		t.Errorf("idx = %s, want 2", idx)
	}
	if system.Len() != 4 {
		t.Errorf("Len = %d", system.Len())
	}
}

func TestMarkActive(t *testing.T) {
	system, err := FromConfig(newRoot(disk.GPT, 2, 3, 4, 5), nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	_, slot, _ := system.FindByName("system-b")
	slot.MarkActive()
	if !slot.Active() {
		t.Error("system-b not active after MarkActive")
	}
	for _, other := range system.All() {
		if other != slot && other.Active() {
			t.Errorf("%s became active", other.Name())
		}
	}

	idx, ok := system.MarkActiveDevice("/dev/mmcblk0p2")
	if !ok || system.At(idx).Name() != "boot-a" || !system.At(idx).Active() {
		t.Errorf("MarkActiveDevice = %v, %v", idx, ok)
	}
	if _, ok := system.MarkActiveDevice("/dev/sda1"); ok {
		t.Error("MarkActiveDevice matched an unknown device")
	}
}

func TestMarkActive_Concurrent(t *testing.T) {
	system, err := FromConfig(newRoot(disk.MBR, 2, 3, 5, 6), nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	_, slot, _ := system.FindByName("boot-a")

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			slot.MarkActive()
		}()
		go func() {
			defer wg.Done()
			slot.Active()
		}()
	}
	wg.Wait()
	if !slot.Active() {
		t.Error("slot not active")
	}
}

func TestAllStopsEarly(t *testing.T) {
	system, err := FromConfig(newRoot(disk.MBR, 2, 3, 5, 6), nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	count := 0
	for range system.All() {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Errorf("iterated %d slots", count)
	}
}
