// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"
)

// ErrNoTable is returned when the first sector carries no partition
// table signature.
var ErrNoTable = errors.New("no partition table")

// ErrCorruptTable is returned for tables whose structure or checksums
// are inconsistent.
var ErrCorruptTable = errors.New("corrupt partition table")

// TableType is the kind of partition table on a disk.
type TableType uint8

const (
	MBR TableType = iota + 1
	GPT
)

func (t TableType) String() string {
	switch t {
	case MBR:
		return "mbr"
	case GPT:
		return "gpt"
	default:
		return fmt.Sprintf("TableType(%d)", uint8(t))
	}
}

// Partition is one entry of a partition table. Offsets are in bytes.
type Partition struct {
	// Number is the kernel's partition number: MBR primaries are 1-4
	// and logical partitions start at 5; GPT entries are numbered by
	// their position in the entry array.
	Number uint32
	Start  uint64
	Size   uint64

	// Type is "0x83"-style for MBR and the type GUID for GPT.
	Type string

	// ID is the GPT unique partition GUID. Empty for MBR.
	ID string

	// Name is the GPT partition name. Empty for MBR.
	Name string
}

// PartitionTable is a parsed partition table.
type PartitionTable struct {
	Type TableType

	// DiskID is the MBR disk signature as hex, or the GPT disk GUID.
	DiskID string

	Partitions []Partition
}

// Partition returns the partition with the given number.
func (t *PartitionTable) Partition(number uint32) (Partition, bool) {
	for _, partition := range t.Partitions {
		if partition.Number == number {
			return partition, true
		}
	}
	return Partition{}, false
}

const (
	mbrSignatureOffset = 510
	mbrEntriesOffset   = 446
	mbrEntrySize       = 16
	mbrDiskIDOffset    = 440

	mbrTypeProtective = 0xee

	// Extended partitions are followed as a chain of EBRs; this bounds
	// the walk on looping chains.
	maxLogicalPartitions = 128

	gptSignature     = "EFI PART"
	gptMinEntrySize  = 128
	gptMaxEntryBytes = 1 << 20
)

func isExtended(partitionType byte) bool {
	return partitionType == 0x05 || partitionType == 0x0f || partitionType == 0x85
}

type mbrEntry struct {
	partitionType byte
	start         uint32
	sectors       uint32
}

func readSector(r io.ReaderAt, lba uint64, sectorSize int) ([]byte, error) {
	sector := make([]byte, sectorSize)
	if _, err := r.ReadAt(sector, int64(lba)*int64(sectorSize)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: sector %d beyond end of disk", ErrCorruptTable, lba)
		}
		return nil, err
	}
	return sector, nil
}

func parseMBREntries(sector []byte) ([4]mbrEntry, bool) {
	var entries [4]mbrEntry
	if sector[mbrSignatureOffset] != 0x55 || sector[mbrSignatureOffset+1] != 0xaa {
		return entries, false
	}
	for i := range entries {
		raw := sector[mbrEntriesOffset+i*mbrEntrySize:]
		entries[i] = mbrEntry{
			partitionType: raw[4],
			start:         binary.LittleEndian.Uint32(raw[8:]),
			sectors:       binary.LittleEndian.Uint32(raw[12:]),
		}
	}
	return entries, true
}

// ReadPartitionTable parses the partition table at the start of r.
// A protective MBR is followed to the GPT behind it.
func ReadPartitionTable(r io.ReaderAt, sectorSize int) (*PartitionTable, error) {
	if sectorSize < defaultSectorSize {
		return nil, fmt.Errorf("invalid sector size %d", sectorSize)
	}
	sector, err := readSector(r, 0, sectorSize)
	if err != nil {
		return nil, err
	}
	entries, ok := parseMBREntries(sector)
	if !ok {
		return nil, ErrNoTable
	}
	for _, entry := range entries {
		if entry.partitionType == mbrTypeProtective {
			return readGPT(r, sectorSize)
		}
	}
	return readMBR(r, sector, entries, sectorSize)
}

func readMBR(r io.ReaderAt, sector []byte, entries [4]mbrEntry, sectorSize int) (*PartitionTable, error) {
	table := &PartitionTable{
		Type:   MBR,
		DiskID: fmt.Sprintf("%08x", binary.LittleEndian.Uint32(sector[mbrDiskIDOffset:])),
	}
	unit := uint64(sectorSize)
	var extended *mbrEntry
	for i, entry := range entries {
		if entry.partitionType == 0 {
			continue
		}
		table.Partitions = append(table.Partitions, Partition{
			Number: uint32(i + 1),
			Start:  uint64(entry.start) * unit,
			Size:   uint64(entry.sectors) * unit,
			Type:   fmt.Sprintf("0x%02x", entry.partitionType),
		})
		if isExtended(entry.partitionType) {
			if extended != nil {
				return nil, fmt.Errorf("%w: more than one extended partition", ErrCorruptTable)
			}
			extended = &entries[i]
		}
	}
	if extended == nil {
		return table, nil
	}

	number := uint32(5)
	next := uint64(0)
	for {
		if number-5 >= maxLogicalPartitions {
			return nil, fmt.Errorf("%w: extended partition chain too long", ErrCorruptTable)
		}
		ebrLBA := uint64(extended.start) + next
		ebr, err := readSector(r, ebrLBA, sectorSize)
		if err != nil {
			return nil, fmt.Errorf("reading EBR at sector %d: %w", ebrLBA, err)
		}
		links, ok := parseMBREntries(ebr)
		if !ok {
			return nil, fmt.Errorf("%w: EBR at sector %d has no signature", ErrCorruptTable, ebrLBA)
		}
		if logical := links[0]; logical.partitionType != 0 {
			table.Partitions = append(table.Partitions, Partition{
				Number: number,
				Start:  (ebrLBA + uint64(logical.start)) * unit,
				Size:   uint64(logical.sectors) * unit,
				Type:   fmt.Sprintf("0x%02x", logical.partitionType),
			})
			number++
		}
		link := links[1]
		if !isExtended(link.partitionType) || link.start == 0 {
			return table, nil
		}
		if uint64(link.start) <= next {
			return nil, fmt.Errorf("%w: EBR chain does not advance at sector %d", ErrCorruptTable, ebrLBA)
		}
		next = uint64(link.start)
	}
}

// guidFromDisk converts the mixed-endian on-disk GUID layout.
func guidFromDisk(raw []byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], raw[:16])
	id[0], id[1], id[2], id[3] = raw[3], raw[2], raw[1], raw[0]
	id[4], id[5] = raw[5], raw[4]
	id[6], id[7] = raw[7], raw[6]
	return id
}

func readGPT(r io.ReaderAt, sectorSize int) (*PartitionTable, error) {
	header, err := readSector(r, 1, sectorSize)
	if err != nil {
		return nil, fmt.Errorf("reading GPT header: %w", err)
	}
	if string(header[:8]) != gptSignature {
		return nil, fmt.Errorf("%w: protective MBR without GPT header", ErrCorruptTable)
	}
	headerSize := binary.LittleEndian.Uint32(header[12:])
	if headerSize < 92 || int(headerSize) > sectorSize {
		return nil, fmt.Errorf("%w: GPT header size %d", ErrCorruptTable, headerSize)
	}
	check := bytes.Clone(header[:headerSize])
	binary.LittleEndian.PutUint32(check[16:], 0)
	if crc32.ChecksumIEEE(check) != binary.LittleEndian.Uint32(header[16:]) {
		return nil, fmt.Errorf("%w: GPT header checksum mismatch", ErrCorruptTable)
	}

	entriesLBA := binary.LittleEndian.Uint64(header[72:])
	count := binary.LittleEndian.Uint32(header[80:])
	entrySize := binary.LittleEndian.Uint32(header[84:])
	if entrySize < gptMinEntrySize || entrySize%8 != 0 {
		return nil, fmt.Errorf("%w: GPT entry size %d", ErrCorruptTable, entrySize)
	}
	total := uint64(count) * uint64(entrySize)
	if total > gptMaxEntryBytes {
		return nil, fmt.Errorf("%w: GPT entry array of %d bytes", ErrCorruptTable, total)
	}
	array := make([]byte, total)
	if _, err := r.ReadAt(array, int64(entriesLBA)*int64(sectorSize)); err != nil {
		return nil, fmt.Errorf("reading GPT entries: %w", err)
	}
	if crc32.ChecksumIEEE(array) != binary.LittleEndian.Uint32(header[88:]) {
		return nil, fmt.Errorf("%w: GPT entry array checksum mismatch", ErrCorruptTable)
	}

	table := &PartitionTable{
		Type:   GPT,
		DiskID: guidFromDisk(header[56:72]).String(),
	}
	unit := uint64(sectorSize)
	for i := range count {
		entry := array[uint64(i)*uint64(entrySize):][:entrySize]
		partitionType := guidFromDisk(entry[0:16])
		if partitionType == uuid.Nil {
			continue
		}
		first := binary.LittleEndian.Uint64(entry[32:])
		last := binary.LittleEndian.Uint64(entry[40:])
		if last < first {
			return nil, fmt.Errorf("%w: GPT entry %d ends before it starts", ErrCorruptTable, i+1)
		}
		table.Partitions = append(table.Partitions, Partition{
			Number: i + 1,
			Start:  first * unit,
			Size:   (last - first + 1) * unit,
			Type:   partitionType.String(),
			ID:     guidFromDisk(entry[16:32]).String(),
			Name:   decodeName(entry[56:128]),
		})
	}
	return table, nil
}

func decodeName(raw []byte) string {
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		unit := binary.LittleEndian.Uint16(raw[i:])
		if unit == 0 {
			break
		}
		units = append(units, unit)
	}
	return strings.TrimSpace(string(utf16.Decode(units)))
}
