// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package disk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoSystemRoot is returned when the root filesystem does not live
// on a partition of a block device, as inside containers or on
// network roots.
var ErrNoSystemRoot = errors.New("no system root")

// SystemRoot is the disk holding the root filesystem.
type SystemRoot struct {
	// Disk is the whole-disk device.
	Disk *BlockDevice

	// Partition is the partition the root filesystem is mounted from.
	// Nil when the root was constructed from a disk alone.
	Partition *BlockDevice

	// Table is the disk's partition table, nil when it has none.
	Table *PartitionTable

	// open checks partition device nodes; replaced in tests.
	open func(path string) (*BlockDevice, error)
}

// NewSystemRoot reads the partition table of disk. A disk without a
// table is not an error: the root is returned with a nil Table.
func NewSystemRoot(disk *BlockDevice) (*SystemRoot, error) {
	table, err := disk.ReadPartitionTable()
	if err != nil && !errors.Is(err, ErrNoTable) {
		return nil, err
	}
	return &SystemRoot{Disk: disk, Table: table, open: NewBlockDevice}, nil
}

// TableType returns the type of the partition table, if there is one.
func (r *SystemRoot) TableType() (TableType, bool) {
	if r.Table == nil {
		return 0, false
	}
	return r.Table.Type, true
}

// ResolvePartition returns the device node of a partition of the root
// disk. It returns nil without error when the disk has no table, the
// table has no such partition, or the kernel has no node for it.
func (r *SystemRoot) ResolvePartition(number uint32) (*BlockDevice, error) {
	if r.Table == nil {
		return nil, nil
	}
	if _, ok := r.Table.Partition(number); !ok {
		return nil, nil
	}
	open := r.open
	if open == nil {
		open = NewBlockDevice
	}
	device, err := open(PartitionPath(r.Disk.Path(), number))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

// FindSystemRoot locates the disk of the running root filesystem.
func FindSystemRoot() (*SystemRoot, error) {
	mountinfo, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, err
	}
	defer mountinfo.Close()
	diskPath, partitionPath, err := findRootDisk(mountinfo, "/sys/dev/block", "/dev")
	if err != nil {
		return nil, err
	}
	disk, err := NewBlockDevice(diskPath)
	if err != nil {
		return nil, err
	}
	root, err := NewSystemRoot(disk)
	if err != nil {
		return nil, err
	}
	if partition, err := NewBlockDevice(partitionPath); err == nil {
		root.Partition = partition
	}
	return root, nil
}

// findRootDisk resolves the root mount to the device paths of its disk
// and partition.
func findRootDisk(mountinfo io.Reader, sysDevBlock, devDir string) (disk, partition string, err error) {
	deviceNumber, err := rootDeviceNumber(mountinfo)
	if err != nil {
		return "", "", err
	}
	// /sys/dev/block/MAJ:MIN links to .../block/<disk>/<partition>.
	link := filepath.Join(sysDevBlock, deviceNumber)
	sysPath, err := filepath.EvalSymlinks(link)
	if errors.Is(err, fs.ErrNotExist) {
		return "", "", fmt.Errorf("%w: root device %s is not a block device", ErrNoSystemRoot, deviceNumber)
	}
	if err != nil {
		return "", "", err
	}
	if _, err := os.Stat(filepath.Join(sysPath, "partition")); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", "", fmt.Errorf("%w: root device %s is not a partition", ErrNoSystemRoot, filepath.Base(sysPath))
		}
		return "", "", err
	}
	disk = filepath.Join(devDir, filepath.Base(filepath.Dir(sysPath)))
	partition = filepath.Join(devDir, filepath.Base(sysPath))
	return disk, partition, nil
}

// rootDeviceNumber returns the MAJ:MIN of the filesystem mounted at /.
// The last such line wins since later mounts shadow earlier ones.
func rootDeviceNumber(mountinfo io.Reader) (string, error) {
	var deviceNumber string
	scanner := bufio.NewScanner(mountinfo)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		if fields[4] == "/" {
			deviceNumber = fields[2]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading mountinfo: %w", err)
	}
	if deviceNumber == "" {
		return "", fmt.Errorf("%w: no root mount", ErrNoSystemRoot)
	}
	return deviceNumber, nil
}
