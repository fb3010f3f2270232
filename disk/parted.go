// disk/parted.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

// Package disk models the partition geometry of the client disk: a small
// boot/EFI region followed by a btrfs data partition.  Geometry is
// discovered by running parted in machine-readable mode on the client and
// parsing its output here.
package disk

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNoBtrfsPartition = errors.New("no btrfs partition found on the device")

// Partition is one entry of the client disk's partition table.  Offsets
// and sizes are in bytes.
type Partition struct {
	Number int
	Start  int64
	End    int64
	Size   int64
	FSType string
}

// Table describes the whole client disk.
type Table struct {
	Device     string
	Size       int64
	Partitions []Partition
}

// Layout is the part of the geometry the assembler needs: how big the
// image must be and where the boot region ends / the data region begins.
type Layout struct {
	// DiskSize is the size of the whole disk, and thus of every image
	// file.
	DiskSize int64
	// DataOffset is the byte offset of the btrfs data partition; bytes
	// in [0, DataOffset) are the boot region (partition table, EFI/boot
	// partition) and are recopied in full on every generation.
	DataOffset int64
	// DataSize is the length of the data partition.  The partition may
	// stop short of the disk's end (backup GPT header, alignment slack),
	// so reads from the partition device must be capped at DataSize, not
	// at DiskSize-DataOffset.
	DataSize int64
}

// DataLength returns the byte length of the data region: DataSize when
// known, otherwise everything from DataOffset to the end of the disk.
func (l Layout) DataLength() int64 {
	if l.DataSize > 0 {
		return l.DataSize
	}
	return l.DiskSize - l.DataOffset
}

// ParseParted parses the output of "parted --machine <dev> unit B print".
// The format is line-oriented with colon-separated fields: a "BYT;"
// header, one line describing the disk, then one line per partition.
func ParseParted(output string) (Table, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return Table{}, fmt.Errorf("invalid parted output: %d lines", len(lines))
	}

	diskFields := strings.Split(lines[1], ":")
	if len(diskFields) < 2 {
		return Table{}, fmt.Errorf("invalid parted disk line: %q", lines[1])
	}
	size, err := parseBytes(diskFields[1])
	if err != nil {
		return Table{}, fmt.Errorf("disk size: %w", err)
	}

	t := Table{Device: diskFields[0], Size: size}
	for _, line := range lines[2:] {
		fields := strings.Split(strings.TrimSuffix(line, ";"), ":")
		if len(fields) < 5 {
			continue
		}
		num, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		start, err := parseBytes(fields[1])
		if err != nil {
			return Table{}, fmt.Errorf("partition %d start: %w", num, err)
		}
		end, err := parseBytes(fields[2])
		if err != nil {
			return Table{}, fmt.Errorf("partition %d end: %w", num, err)
		}
		// parted's End is the last byte of the partition, so Size is
		// End-Start+1; take parted's own size field rather than
		// rederiving it.
		size, err := parseBytes(fields[3])
		if err != nil {
			return Table{}, fmt.Errorf("partition %d size: %w", num, err)
		}
		t.Partitions = append(t.Partitions, Partition{
			Number: num,
			Start:  start,
			End:    end,
			Size:   size,
			FSType: fields[4],
		})
	}
	if len(t.Partitions) == 0 {
		return Table{}, errors.New("no partitions found on the device")
	}
	return t, nil
}

func parseBytes(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSuffix(s, "B"), 10, 64)
}

// BtrfsPartition returns the first btrfs partition on the disk.
func (t Table) BtrfsPartition() (Partition, error) {
	for _, p := range t.Partitions {
		if p.FSType == "btrfs" {
			return p, nil
		}
	}
	return Partition{}, ErrNoBtrfsPartition
}

// Layout derives the assembler's view of the disk from the partition
// table.
func (t Table) Layout() (Layout, error) {
	p, err := t.BtrfsPartition()
	if err != nil {
		return Layout{}, err
	}
	return Layout{DiskSize: t.Size, DataOffset: p.Start, DataSize: p.Size}, nil
}

// PartitionDevice returns the device node for the numbered partition of
// the given disk device: mmcblk and nvme devices insert a "p" between
// device name and partition number.
func PartitionDevice(device string, num int) string {
	if strings.HasPrefix(device, "/dev/mmcblk") || strings.HasPrefix(device, "/dev/nvme") {
		return fmt.Sprintf("%sp%d", device, num)
	}
	return fmt.Sprintf("%s%d", device, num)
}
