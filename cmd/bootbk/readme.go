// cmd/bootbk/readme.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReadmeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readme",
		Short: "Print a description of the repository format",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(readmeText)
		},
	}
}

var readmeText = `

This document describes the on-disk format of a bootbk repository in
enough detail that a backup can be restored without the bootbk source
code.

# Image files

The repository root holds one directory per backed-up source; path
separators and colons in the source name are flattened to underscores
("pi:/dev/mmcblk0" becomes "pi__dev_mmcblk0").  Each directory holds
image files named

    gen-000000.img, gen-000001.img, ...

Every image file is a complete raw disk image: the client's partition
table, its boot/EFI partition, and its btrfs data partition, byte for
byte.  Nothing is deduplicated or delta-encoded across generations, so
restoring any generation without bootbk is just

    dd if=gen-000042.img of=/dev/sdX bs=1M

or loop-mounting the file to pull out individual partitions.  A
"gen-*.img.partial" file is assembly scratch space from an interrupted
run and can always be deleted.

# Chain metadata

chains.db in the repository root is a bbolt (github.com/etcd-io/bbolt)
key-value database.  Each top-level bucket is named for a source and
contains:

  - a "generations" sub-bucket, keyed by the 8-byte big-endian
    generation number, holding one Go gob-encoded Generation record
    per committed image: its number, parent number, snapshot name, the
    image file path, size, and a 32-byte SHAKE256 checksum of the
    image file;
  - optionally a "pending" key holding the generation currently being
    assembled.

Consecutive generations that ran when nothing had changed share a
single image file; their records carry the same path and checksum.
The metadata is advisory for restoring: the image files stand alone,
and checksums can be recomputed from the files directly.

# Parity sidecars

When enabled, each image file has a "gen-*.img.rs" sidecar holding
Reed-Solomon parity so that bit rot on the destination can be repaired
in place.  A sidecar is a Go gob stream: one header

    FileSize int64
    NDataShards, NParityShards int
    HashRate int

followed by one segment record per NDataShards*HashRate bytes of the
image.  Within a segment the image bytes are split into NDataShards
shards of HashRate bytes (the file zero-padded at its end), and the
record stores a 32-byte SHAKE256 hash of every data and parity shard
followed by the parity shards themselves.

# Replica objects

When a replica bucket is configured, each committed image and sidecar
is uploaded as <source>/<filename>.  With encryption enabled, every
object is a random 16-byte AES initialization vector followed by the
AES-256-CFB encrypted file contents.  The 32-byte encryption key is
random; it is stored only in the local "replica.key" file, encrypted
with a key derived from the passphrase via PBKDF2 (65536 rounds of
SHA-256).  replica.key is four hex-encoded lines: the PBKDF2 salt, the
first 32 bytes of the derived key (to detect a wrong passphrase), the
encrypted encryption key, and its IV.  Without the passphrase and one
of replica.key or the local repository, replica objects are not
recoverable.
`
