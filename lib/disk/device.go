// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"unicode"

	"golang.org/x/sys/unix"
)

// ErrNotBlockDevice is returned when a path exists but is not a block
// device node.
var ErrNotBlockDevice = errors.New("not a block device")

// defaultSectorSize is the logical sector size assumed when the kernel
// cannot be asked, as for disk images in regular files.
const defaultSectorSize = 512

// BlockDevice is a block device node that was verified to exist.
type BlockDevice struct {
	path string

	// number is the st_rdev of the node, when it was checked.
	number    uint64
	hasNumber bool
}

// NewBlockDevice checks that path is a block device.
func NewBlockDevice(path string) (*BlockDevice, error) {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return nil, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFBLK {
		return nil, fmt.Errorf("%s: %w", path, ErrNotBlockDevice)
	}
	return &BlockDevice{path: path, number: uint64(stat.Rdev), hasNumber: true}, nil
}

// DeviceAt returns a handle for path without checking that it is a
// block device node. Disk images in regular files are addressed this
// way.
func DeviceAt(path string) *BlockDevice {
	return &BlockDevice{path: path}
}

// Path returns the device node path.
func (d *BlockDevice) Path() string {
	return d.path
}

// Number returns the device number of the node. Two paths naming the
// same device, such as /dev/sda5 and a /dev/disk/by-partuuid link,
// share it. It is unknown for handles made by [DeviceAt].
func (d *BlockDevice) Number() (uint64, bool) {
	return d.number, d.hasNumber
}

// Name returns the kernel name of the device, e.g. "mmcblk0p2".
func (d *BlockDevice) Name() string {
	return filepath.Base(d.path)
}

func (d *BlockDevice) String() string {
	return d.path
}

// Open opens the device node with the given flags.
func (d *BlockDevice) Open(flag int) (*os.File, error) {
	return os.OpenFile(d.path, flag, 0)
}

// Size returns the device size in bytes.
func (d *BlockDevice) Size() (int64, error) {
	file, err := os.Open(d.path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("determining size of %s: %w", d.path, err)
	}
	return size, nil
}

// SectorSize returns the logical sector size reported by the kernel.
func (d *BlockDevice) SectorSize() (int, error) {
	file, err := os.Open(d.path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	size, err := unix.IoctlGetInt(int(file.Fd()), unix.BLKSSZGET)
	if err != nil {
		return 0, fmt.Errorf("querying sector size of %s: %w", d.path, err)
	}
	return size, nil
}

// ReadPartitionTable reads the partition table of the device.
func (d *BlockDevice) ReadPartitionTable() (*PartitionTable, error) {
	sectorSize, err := d.SectorSize()
	if err != nil {
		sectorSize = defaultSectorSize
	}
	file, err := os.Open(d.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	table, err := ReadPartitionTable(file, sectorSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.path, err)
	}
	return table, nil
}

// PartitionPath returns the device node of partition number of disk,
// following the kernel's naming: disks whose name ends in a digit get
// a "p" separator ("mmcblk0p2"), others do not ("sda2").
func PartitionPath(disk string, number uint32) string {
	separator := ""
	if name := filepath.Base(disk); name != "" && unicode.IsDigit(rune(name[len(name)-1])) {
		separator = "p"
	}
	return disk + separator + strconv.FormatUint(uint64(number), 10)
}
