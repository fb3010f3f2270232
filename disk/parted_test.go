// disk/parted_test.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package disk

import (
	"errors"
	"testing"
)

const partedOutput = `BYT;
/dev/mmcblk0:31914983424B:sd/mmc:512:512:msdos:SD SC32G:;
1:4194304B:541065215B:536870912B:fat32::lba;
2:541065216B:31914983423B:31373918208B:btrfs::;
`

func TestParseParted(t *testing.T) {
	tab, err := ParseParted(partedOutput)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tab.Device != "/dev/mmcblk0" {
		t.Errorf("device = %q", tab.Device)
	}
	if tab.Size != 31914983424 {
		t.Errorf("size = %d", tab.Size)
	}
	if len(tab.Partitions) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(tab.Partitions))
	}
	p1 := tab.Partitions[0]
	if p1.Number != 1 || p1.Start != 4194304 || p1.Size != 536870912 {
		t.Errorf("partition 1 = %+v", p1)
	}
	if tab.Partitions[1].FSType != "btrfs" {
		t.Errorf("partition 2 fstype = %q", tab.Partitions[1].FSType)
	}
}

func TestLayout(t *testing.T) {
	tab, err := ParseParted(partedOutput)
	if err != nil {
		t.Fatal(err)
	}
	l, err := tab.Layout()
	if err != nil {
		t.Fatal(err)
	}
	if l.DiskSize != 31914983424 || l.DataOffset != 541065216 {
		t.Errorf("layout = %+v", l)
	}
	if l.DataSize != 31373918208 || l.DataLength() != 31373918208 {
		t.Errorf("data size = %d, length %d", l.DataSize, l.DataLength())
	}
}

func TestLayoutShortPartition(t *testing.T) {
	// GPT disks keep a backup header at the end, so the data partition
	// routinely stops short of the disk; the data region must not be
	// assumed to run to DiskSize.
	tab, err := ParseParted(`BYT;
/dev/sda:1000000000B:scsi:512:512:gpt::;
1:1048576B:537919487B:536870912B:fat32::boot;
2:537919488B:999964671B:462045184B:btrfs::;
`)
	if err != nil {
		t.Fatal(err)
	}
	l, err := tab.Layout()
	if err != nil {
		t.Fatal(err)
	}
	if l.DataSize != 462045184 {
		t.Errorf("data size = %d, want 462045184", l.DataSize)
	}
	if l.DataOffset+l.DataLength() >= l.DiskSize {
		t.Errorf("data region runs to the end of the disk: %+v", l)
	}
}

func TestNoBtrfs(t *testing.T) {
	tab, err := ParseParted(`BYT;
/dev/sda:1000B:scsi:512:512:msdos::;
1:0B:1000B:1000B:ext4::;
`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tab.Layout(); !errors.Is(err, ErrNoBtrfsPartition) {
		t.Errorf("err = %v, want ErrNoBtrfsPartition", err)
	}
}

func TestParseGarbage(t *testing.T) {
	if _, err := ParseParted("BYT;\n"); err == nil {
		t.Errorf("expected error for truncated output")
	}
	if _, err := ParseParted(""); err == nil {
		t.Errorf("expected error for empty output")
	}
}

func TestPartitionDevice(t *testing.T) {
	for _, tc := range []struct {
		dev  string
		num  int
		want string
	}{
		{"/dev/sda", 2, "/dev/sda2"},
		{"/dev/mmcblk0", 1, "/dev/mmcblk0p1"},
		{"/dev/nvme0n1", 2, "/dev/nvme0n1p2"},
	} {
		if got := PartitionDevice(tc.dev, tc.num); got != tc.want {
			t.Errorf("PartitionDevice(%q, %d) = %q, want %q", tc.dev, tc.num, got, tc.want)
		}
	}
}
