// cmd/bootbk/backup.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bootbk/bootbk/backup"
	"github.com/bootbk/bootbk/chain"
	"github.com/bootbk/bootbk/disk"
	"github.com/bootbk/bootbk/image"
	"github.com/bootbk/bootbk/parity"
	"github.com/bootbk/bootbk/replica"
	"github.com/bootbk/bootbk/snapshot"
	"github.com/bootbk/bootbk/source"
	u "github.com/bootbk/bootbk/util"
)

type backupOptions struct {
	sourceName string
	device     string
	subvolume  string

	sshTarget   string
	sshPort     int
	sshIdentity string
	sshInsecure bool

	full        bool
	blockSize   int
	concurrency int
	grace       time.Duration

	parityShards int
	dataShards   int

	keep    int
	keepAge time.Duration

	replicaBucket  string
	replicaProject string
	encrypt        bool
}

func newBackupCmd(g *globalOptions) *cobra.Command {
	opts := &backupOptions{}
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot a client and commit the next image generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(g, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.sourceName, "source", "", "source name in the repository (default <host>:<device>)")
	f.StringVar(&opts.device, "device", "", "client disk device, e.g. /dev/mmcblk0")
	f.StringVar(&opts.subvolume, "subvolume", "", "btrfs subvolume to snapshot, e.g. /")
	f.StringVar(&opts.sshTarget, "ssh", "", "back up a remote client, as user@host")
	f.IntVar(&opts.sshPort, "port", 22, "ssh port")
	f.StringVar(&opts.sshIdentity, "identity", "", "ssh private key file (default ~/.ssh/id_ed25519)")
	f.BoolVar(&opts.sshInsecure, "insecure-ignore-host-key", false, "skip ssh host key verification")
	f.BoolVar(&opts.full, "full", false, "skip diffing and copy the whole data partition")
	f.IntVar(&opts.blockSize, "block-size", snapshot.DefaultDiffBlockSize, "diff granularity in bytes")
	f.IntVar(&opts.concurrency, "concurrency", 4, "parallel extent copies during assembly")
	f.DurationVar(&opts.grace, "grace", 6*time.Hour, "age after which a pending generation is considered crashed")
	f.IntVar(&opts.parityShards, "parity", 0, "Reed-Solomon parity shards per image (0 disables sidecars)")
	f.IntVar(&opts.dataShards, "data-shards", parity.DefaultDataShards, "Reed-Solomon data shards per image")
	f.IntVar(&opts.keep, "keep", 0, "prune to at most this many generations after commit (0 keeps all)")
	f.DurationVar(&opts.keepAge, "keep-age", 0, "prune generations older than this after commit (0 keeps all)")
	f.StringVar(&opts.replicaBucket, "replica-bucket", "", "mirror committed images to this GCS bucket")
	f.StringVar(&opts.replicaProject, "replica-project", "", "GCS project id, for creating the bucket")
	f.BoolVar(&opts.encrypt, "encrypt", false, "encrypt replica uploads (passphrase from $BOOTBK_PASSPHRASE)")
	cmd.MarkFlagRequired("device")
	cmd.MarkFlagRequired("subvolume")
	return cmd
}

func runBackup(g *globalOptions, opts *backupOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()

	dest, store, tracker, err := g.openEnv()
	if err != nil {
		return err
	}
	defer store.Close()
	tracker.Grace = opts.grace

	runner, client, err := connect(opts)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
	}

	layout, dataDevice, err := probeLayout(ctx, runner, opts.device)
	if err != nil {
		return err
	}
	log.Verbose("%s: disk is %s, data partition %s at offset %s", opts.device,
		u.FmtBytes(layout.DiskSize), dataDevice, u.FmtBytes(layout.DataOffset))

	deviceSrc := retrying(newSource(client, opts.device))
	dataSrc := retrying(newSource(client, dataDevice))

	sourceName := opts.sourceName
	if sourceName == "" {
		sourceName = defaultSourceName(opts)
	}

	mirror, err := newReplicaTarget(ctx, g, opts)
	if err != nil {
		return err
	}

	orch := backup.NewOrchestrator(backup.Config{
		SourceName: sourceName,
		Subvolume:  opts.subvolume,
		Provider:   &snapshot.ExecProvider{Runner: runner},
		Differ: &snapshot.BlockDiffer{
			Open:      openSnapshotForDiff(tracker, sourceName, layout, dataSrc),
			BlockSize: int64(opts.blockSize),
		},
		// Creating the read-only snapshot flushed the filesystem state
		// being captured, so the partition device is what gets read.
		SnapshotSource: func(snapshot.Snapshot) source.Source { return dataSrc },
		Assembler: &image.Assembler{
			Dest:            dest,
			Device:          deviceSrc,
			Layout:          layout,
			CopyConcurrency: opts.concurrency,
		},
		Tracker:      tracker,
		Dest:         dest,
		ForceFull:    opts.full,
		ParityShards: opts.parityShards,
		DataShards:   opts.dataShards,
		Replica:      mirror,
		Notify: func(s backup.State) {
			log.Verbose("%s: %s", sourceName, s)
		},
	})

	gen, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	kind := "incremental"
	if gen.Full {
		kind = "full"
	}
	log.Print("%s: committed gen %d (%s, %s)", sourceName, gen.Number, kind,
		u.FmtBytes(gen.Size))

	if opts.keep > 0 || opts.keepAge > 0 {
		removed, err := orch.Prune(ctx, backup.RetentionPolicy{
			MaxCount: opts.keep,
			MaxAge:   opts.keepAge,
		})
		if err != nil {
			return err
		}
		if len(removed) > 0 {
			log.Print("%s: pruned %d old generation(s)", sourceName, len(removed))
		}
	}
	return nil
}

func defaultSourceName(opts *backupOptions) string {
	host := "localhost"
	if opts.sshTarget != "" {
		if _, h, ok := strings.Cut(opts.sshTarget, "@"); ok {
			host = h
		} else {
			host = opts.sshTarget
		}
	} else if h, err := os.Hostname(); err == nil {
		host = h
	}
	return host + ":" + opts.device
}

// connect returns the command runner for the client, and the SSH client
// when the client is remote.
func connect(opts *backupOptions) (snapshot.Runner, *ssh.Client, error) {
	if opts.sshTarget == "" {
		return snapshot.LocalRunner{}, nil, nil
	}

	user, host, ok := strings.Cut(opts.sshTarget, "@")
	if !ok {
		return nil, nil, fmt.Errorf("%s: --ssh target must be user@host", opts.sshTarget)
	}

	identity := opts.sshIdentity
	if identity == "" {
		identity = filepath.Join(os.Getenv("HOME"), ".ssh", "id_ed25519")
	}
	key, err := os.ReadFile(identity)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", identity, err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if !opts.sshInsecure {
		hostKeys, err = knownhosts.New(filepath.Join(os.Getenv("HOME"),
			".ssh", "known_hosts"))
		if err != nil {
			return nil, nil, err
		}
	}

	client, err := ssh.Dial("tcp",
		net.JoinHostPort(host, fmt.Sprintf("%d", opts.sshPort)),
		&ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         30 * time.Second,
		})
	if err != nil {
		return nil, nil, err
	}
	return &snapshot.SSHRunner{Client: client}, client, nil
}

func newSource(client *ssh.Client, path string) source.Source {
	if client != nil {
		return &source.SSH{Client: client, Path: path}
	}
	return &source.File{Path: path}
}

func retrying(s source.Source) source.Source {
	return &source.Retrying{Source: s}
}

// probeLayout reads the client's partition table and locates the btrfs
// data partition.
func probeLayout(ctx context.Context, runner snapshot.Runner, device string) (
	disk.Layout, string, error) {
	out, err := runner.Run(ctx, "parted", "--machine", "--script", device,
		"unit", "B", "print")
	if err != nil {
		return disk.Layout{}, "", err
	}
	table, err := disk.ParseParted(string(out))
	if err != nil {
		return disk.Layout{}, "", err
	}
	part, err := table.BtrfsPartition()
	if err != nil {
		return disk.Layout{}, "", err
	}
	layout, err := table.Layout()
	if err != nil {
		return disk.Layout{}, "", err
	}
	return layout, disk.PartitionDevice(device, part.Number), nil
}

// openSnapshotForDiff gives the differ readable views of snapshots.  The
// newer snapshot is the live data partition; the older one is read back
// out of the last committed image, whose data region holds exactly the
// partition contents as of that snapshot.
func openSnapshotForDiff(tracker *chain.Tracker, sourceName string,
	layout disk.Layout, live source.Source) func(context.Context, snapshot.Snapshot) (io.ReadCloser, error) {
	return func(ctx context.Context, s snapshot.Snapshot) (io.ReadCloser, error) {
		last, err := tracker.LastCompleted(sourceName)
		if err != nil {
			return nil, err
		}
		if last != nil && s.ID == last.Snapshot.ID {
			f, err := os.Open(last.ImagePath)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", snapshot.ErrDiffUnavailable, err)
			}
			sr := io.NewSectionReader(f, layout.DataOffset, layout.DataLength())
			return &readerAndCloser{sr, f}, nil
		}
		return live.ReadRange(ctx, 0, layout.DataLength())
	}
}

type readerAndCloser struct {
	io.Reader
	io.Closer
}

func newReplicaTarget(ctx context.Context, g *globalOptions,
	opts *backupOptions) (replica.Target, error) {
	if opts.replicaBucket == "" {
		if opts.encrypt {
			return nil, fmt.Errorf("--encrypt needs --replica-bucket")
		}
		return nil, nil
	}
	target, err := replica.NewGCS(ctx, replica.GCSOptions{
		BucketName: opts.replicaBucket,
		ProjectId:  opts.replicaProject,
	})
	if err != nil {
		return nil, err
	}
	if !opts.encrypt {
		return target, nil
	}
	pass := os.Getenv("BOOTBK_PASSPHRASE")
	if pass == "" {
		return nil, fmt.Errorf("--encrypt needs a passphrase in $BOOTBK_PASSPHRASE")
	}
	return replica.NewEncrypted(target, filepath.Join(g.dest, "replica.key"), pass)
}
