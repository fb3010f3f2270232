// snapshot/exec.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Runner executes a command on the host that owns the subvolumes, either
// locally or over a remote shell.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// LocalRunner runs commands on the local host.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err,
			strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// SSHRunner runs commands on a remote host over an established SSH
// connection.  Authentication and host-key policy are the caller's
// business; we only consume the client.
type SSHRunner struct {
	Client *ssh.Client
}

func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	sess, err := r.Client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var out, stderr bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &stderr

	cmdline := shellJoin(append([]string{name}, args...))

	// ssh sessions have no context support; run in a goroutine and kill
	// the session if the context expires first.
	done := make(chan error, 1)
	go func() { done <- sess.Run(cmdline) }()
	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %s", name, err,
				strings.TrimSpace(stderr.String()))
		}
		return out.Bytes(), nil
	}
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t'\"\\$&|;<>()*?!~`") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}

///////////////////////////////////////////////////////////////////////////
// btrfs provider

// ExecProvider creates and deletes read-only btrfs snapshots by running
// the btrfs tool through a Runner.  Snapshots are placed alongside the
// subvolume, named <subvolume>.<yyyymmddThhmmss> in the style the original
// btrbk-based tooling used.
type ExecProvider struct {
	Runner Runner
	// Now exists so tests can pin snapshot names; nil means time.Now.
	Now func() time.Time
}

func (p *ExecProvider) CreateSnapshot(ctx context.Context, subvolume string) (Snapshot, error) {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	id := fmt.Sprintf("%s.%s", subvolume, now.UTC().Format("20060102T150405"))

	if _, err := p.Runner.Run(ctx, "btrfs", "subvolume", "snapshot", "-r",
		subvolume, id); err != nil {
		return Snapshot{}, &ProviderError{Op: "create " + id, Err: err}
	}

	gen, err := p.subvolumeGeneration(ctx, id)
	if err != nil {
		// Don't leave the snapshot behind if we can't describe it.
		p.Runner.Run(ctx, "btrfs", "subvolume", "delete", id)
		return Snapshot{}, &ProviderError{Op: "describe " + id, Err: err}
	}

	log.Verbose("%s: created snapshot %s (generation %d)", subvolume, id, gen)
	return Snapshot{Subvolume: subvolume, ID: id, Generation: gen, Created: now}, nil
}

func (p *ExecProvider) DeleteSnapshot(ctx context.Context, s Snapshot) error {
	if _, err := p.Runner.Run(ctx, "btrfs", "subvolume", "delete", s.ID); err != nil {
		// Deleting an already-deleted snapshot is fine; that's what makes
		// delete idempotent-on-retry.
		if strings.Contains(err.Error(), "No such file or directory") {
			return nil
		}
		return &ProviderError{Op: "delete " + s.ID, Err: err}
	}
	log.Verbose("%s: deleted snapshot", s.ID)
	return nil
}

// subvolumeGeneration extracts the btrfs generation counter from
// "btrfs subvolume show" output.
func (p *ExecProvider) subvolumeGeneration(ctx context.Context, path string) (uint64, error) {
	out, err := p.Runner.Run(ctx, "btrfs", "subvolume", "show", path)
	if err != nil {
		return 0, err
	}
	return ParseSubvolumeGeneration(out)
}

// ParseSubvolumeGeneration pulls the "Generation:" field out of btrfs
// subvolume show output.
func ParseSubvolumeGeneration(out []byte) (uint64, error) {
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "Generation:" {
			return strconv.ParseUint(fields[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("no Generation field in subvolume show output")
}
