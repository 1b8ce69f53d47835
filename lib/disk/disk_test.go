// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf16"

	"github.com/google/uuid"
)

const sector = 512

type mbrPart struct {
	partitionType byte
	start         uint32
	sectors       uint32
}

func putMBR(image []byte, lba uint64, parts ...mbrPart) {
	record := image[lba*sector:]
	for i, part := range parts {
		entry := record[mbrEntriesOffset+i*mbrEntrySize:]
		entry[4] = part.partitionType
		binary.LittleEndian.PutUint32(entry[8:], part.start)
		binary.LittleEndian.PutUint32(entry[12:], part.sectors)
	}
	record[mbrSignatureOffset] = 0x55
	record[mbrSignatureOffset+1] = 0xaa
}

// mbrImage lays out boot (1), boot-a (2), boot-b (3), an extended
// partition (4) and two logical partitions (5, 6).
func mbrImage() []byte {
	image := make([]byte, 64*sector)
	binary.LittleEndian.PutUint32(image[mbrDiskIDOffset:], 0xdeadbeef)
	putMBR(image, 0,
		mbrPart{0x0c, 2, 4},
		mbrPart{0x0c, 6, 4},
		mbrPart{0x0c, 10, 4},
		mbrPart{0x05, 20, 40},
	)
	// First EBR at sector 20: logical at 20+2, link to next EBR at 20+20.
	putMBR(image, 20,
		mbrPart{0x83, 2, 10},
		mbrPart{0x05, 20, 12},
	)
	putMBR(image, 40, mbrPart{0x83, 2, 8})
	return image
}

func gptGUID(id uuid.UUID) []byte {
	raw := make([]byte, 16)
	copy(raw, id[:])
	raw[0], raw[1], raw[2], raw[3] = id[3], id[2], id[1], id[0]
	raw[4], raw[5] = id[5], id[4]
	raw[6], raw[7] = id[7], id[6]
	return raw
}

var (
	linuxType = uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")
	diskGUID  = uuid.MustParse("6a7b2c11-0000-4c3d-9e1f-123456789abc")
)

func gptImage(t *testing.T, names ...string) []byte {
	t.Helper()
	image := make([]byte, 64*sector)
	putMBR(image, 0, mbrPart{mbrTypeProtective, 1, 63})

	const entrySize, count = 128, 8
	array := make([]byte, entrySize*count)
	for i, name := range names {
		if name == "" {
			continue
		}
		entry := array[i*entrySize:]
		copy(entry[0:], gptGUID(linuxType))
		copy(entry[16:], gptGUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))))
		binary.LittleEndian.PutUint64(entry[32:], uint64(10+i*4))
		binary.LittleEndian.PutUint64(entry[40:], uint64(10+i*4+3))
		for j, unit := range utf16.Encode([]rune(name)) {
			binary.LittleEndian.PutUint16(entry[56+j*2:], unit)
		}
	}
	copy(image[2*sector:], array)

	header := image[sector:]
	copy(header, gptSignature)
	binary.LittleEndian.PutUint32(header[12:], 92)
	copy(header[56:], gptGUID(diskGUID))
	binary.LittleEndian.PutUint64(header[72:], 2)
	binary.LittleEndian.PutUint32(header[80:], count)
	binary.LittleEndian.PutUint32(header[84:], entrySize)
	binary.LittleEndian.PutUint32(header[88:], crc32.ChecksumIEEE(array))
	binary.LittleEndian.PutUint32(header[16:], crc32.ChecksumIEEE(header[:92]))
	return image
}

func TestReadPartitionTable_MBR(t *testing.T) {
	table, err := ReadPartitionTable(bytes.NewReader(mbrImage()), sector)
	if err != nil {
		t.Fatalf("ReadPartitionTable: %v", err)
	}
	if table.Type != MBR {
		t.Fatalf("type = %s, want mbr", table.Type)
	}
	if table.DiskID != "deadbeef" {
		t.Errorf("disk id = %s", table.DiskID)
	}

	want := []struct {
		number uint32
		start  uint64
		size   uint64
		kind   string
	}{
		{1, 2 * sector, 4 * sector, "0x0c"},
		{2, 6 * sector, 4 * sector, "0x0c"},
		{3, 10 * sector, 4 * sector, "0x0c"},
		{4, 20 * sector, 40 * sector, "0x05"},
		{5, 22 * sector, 10 * sector, "0x83"},
		{6, 42 * sector, 8 * sector, "0x83"},
	}
	if len(table.Partitions) != len(want) {
		t.Fatalf("got %d partitions, want %d: %+v", len(table.Partitions), len(want), table.Partitions)
	}
	for i, w := range want {
		got := table.Partitions[i]
		if got.Number != w.number || got.Start != w.start || got.Size != w.size || got.Type != w.kind {
			t.Errorf("partition %d = %+v, want %+v", i, got, w)
		}
	}
	if _, ok := table.Partition(7); ok {
		t.Error("partition 7 should not exist")
	}
}

func TestReadPartitionTable_GPT(t *testing.T) {
	table, err := ReadPartitionTable(bytes.NewReader(gptImage(t, "efi", "boot-a", "", "system-a")), sector)
	if err != nil {
		t.Fatalf("ReadPartitionTable: %v", err)
	}
	if table.Type != GPT {
		t.Fatalf("type = %s, want gpt", table.Type)
	}
	if table.DiskID != diskGUID.String() {
		t.Errorf("disk id = %s, want %s", table.DiskID, diskGUID)
	}
	if len(table.Partitions) != 3 {
		t.Fatalf("got %d partitions: %+v", len(table.Partitions), table.Partitions)
	}
	partition, ok := table.Partition(4)
	if !ok {
		t.Fatal("partition 4 missing")
	}
	if partition.Name != "system-a" || partition.Type != linuxType.String() {
		t.Errorf("partition 4 = %+v", partition)
	}
	if partition.Start != 22*sector || partition.Size != 4*sector {
		t.Errorf("partition 4 extent = %d+%d", partition.Start, partition.Size)
	}
	if _, ok := table.Partition(3); ok {
		t.Error("unused entry 3 reported as partition")
	}
}

func TestReadPartitionTable_Errors(t *testing.T) {
	corruptHeader := gptImage(t, "a")
	corruptHeader[sector+60] ^= 0xff

	corruptEntries := gptImage(t, "a")
	corruptEntries[2*sector+60] ^= 0xff

	loop := mbrImage()
	putMBR(loop, 40, mbrPart{0x83, 2, 8}, mbrPart{0x05, 20, 12})

	tests := []struct {
		name  string
		image []byte
		want  error
	}{
		{"blank disk", make([]byte, 4*sector), ErrNoTable},
		{"gpt header checksum", corruptHeader, ErrCorruptTable},
		{"gpt entries checksum", corruptEntries, ErrCorruptTable},
		{"looping EBR chain", loop, ErrCorruptTable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPartitionTable(bytes.NewReader(tt.image), sector)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPartitionPath(t *testing.T) {
	tests := []struct {
		disk   string
		number uint32
		want   string
	}{
		{"/dev/sda", 2, "/dev/sda2"},
		{"/dev/vdb", 12, "/dev/vdb12"},
		{"/dev/mmcblk0", 5, "/dev/mmcblk0p5"},
		{"/dev/nvme0n1", 3, "/dev/nvme0n1p3"},
	}
	for _, tt := range tests {
		if got := PartitionPath(tt.disk, tt.number); got != tt.want {
			t.Errorf("PartitionPath(%q, %d) = %q, want %q", tt.disk, tt.number, got, tt.want)
		}
	}
}

func TestSystemRoot_ResolvePartition(t *testing.T) {
	table, err := ReadPartitionTable(bytes.NewReader(mbrImage()), sector)
	if err != nil {
		t.Fatalf("ReadPartitionTable: %v", err)
	}
	nodes := map[string]bool{"/dev/mmcblk0p2": true, "/dev/mmcblk0p5": true}
	root := &SystemRoot{
		Disk:  DeviceAt("/dev/mmcblk0"),
		Table: table,
		open: func(path string) (*BlockDevice, error) {
			if !nodes[path] {
				return nil, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
			}
			return &BlockDevice{path: path}, nil
		},
	}

	if kind, ok := root.TableType(); !ok || kind != MBR {
		t.Errorf("TableType = %s, %v", kind, ok)
	}
	device, err := root.ResolvePartition(5)
	if err != nil || device == nil || device.Path() != "/dev/mmcblk0p5" {
		t.Errorf("ResolvePartition(5) = %v, %v", device, err)
	}
	for _, number := range []uint32{3, 9} {
		device, err := root.ResolvePartition(number)
		if err != nil || device != nil {
			t.Errorf("ResolvePartition(%d) = %v, %v; want nil, nil", number, device, err)
		}
	}

	bare := &SystemRoot{Disk: root.Disk}
	if _, ok := bare.TableType(); ok {
		t.Error("root without table reports a table type")
	}
	if device, err := bare.ResolvePartition(2); device != nil || err != nil {
		t.Errorf("ResolvePartition without table = %v, %v", device, err)
	}
}

func TestNewBlockDevice_RegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewBlockDevice(path); !errors.Is(err, ErrNotBlockDevice) {
		t.Errorf("error = %v, want ErrNotBlockDevice", err)
	}
	if _, err := NewBlockDevice(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error = %v, want not exist", err)
	}
}

func TestFindRootDisk(t *testing.T) {
	sys := t.TempDir()
	partitionDir := filepath.Join(sys, "devices", "platform", "block", "mmcblk0", "mmcblk0p5")
	if err := os.MkdirAll(partitionDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(partitionDir, "partition"), []byte("5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	diskDir := filepath.Dir(partitionDir)
	devBlock := filepath.Join(sys, "dev", "block")
	if err := os.MkdirAll(devBlock, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(partitionDir, filepath.Join(devBlock, "179:5")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(diskDir, filepath.Join(devBlock, "179:0")); err != nil {
		t.Fatal(err)
	}

	mountinfo := `22 1 0:21 / /proc rw,nosuid - proc proc rw
25 1 179:2 / / rw,relatime - ext4 /dev/root rw
30 25 179:5 / / rw,relatime - ext4 /dev/mmcblk0p5 rw
31 30 179:1 / /boot rw,relatime - vfat /dev/mmcblk0p1 rw
`
	disk, partition, err := findRootDisk(strings.NewReader(mountinfo), devBlock, "/dev")
	if err != nil {
		t.Fatalf("findRootDisk: %v", err)
	}
	if disk != "/dev/mmcblk0" || partition != "/dev/mmcblk0p5" {
		t.Errorf("root = %s, %s; want /dev/mmcblk0, /dev/mmcblk0p5", disk, partition)
	}

	tests := []struct {
		name      string
		mountinfo string
	}{
		{"no root mount", "22 1 0:21 / /proc rw - proc proc rw\n"},
		{"virtual root", "25 1 0:30 / / rw - overlay overlay rw\n"},
		{"whole disk root", "25 1 179:0 / / rw - ext4 /dev/mmcblk0 rw\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := findRootDisk(strings.NewReader(tt.mountinfo), devBlock, "/dev")
			if !errors.Is(err, ErrNoSystemRoot) {
				t.Errorf("error = %v, want ErrNoSystemRoot", err)
			}
		})
	}
}
