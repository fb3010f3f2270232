// source/ssh.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"

	u "github.com/bootbk/bootbk/util"
)

// SSH reads ranges from a block device on a remote host by running dd
// over an established SSH connection.  Connection setup, authentication,
// and host-key policy are the caller's problem; we only consume the
// client.
type SSH struct {
	Client *ssh.Client
	// Path of the device or file on the remote host, e.g. /dev/mmcblk0.
	Path string
}

func (s *SSH) String() string {
	return fmt.Sprintf("ssh: %s:%s", s.Client.RemoteAddr(), s.Path)
}

func (s *SSH) Size(ctx context.Context) (int64, error) {
	// blockdev for devices, stat for regular files.
	out, err := s.output(ctx, fmt.Sprintf("blockdev --getsize64 %s || stat -c %%s %s",
		s.Path, s.Path))
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrSourceRead, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse size: %s", ErrSourceRead, err)
	}
	return size, nil
}

func (s *SSH) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceRead, err)
	}

	sess, err := s.Client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceRead, err)
	}

	cmd := fmt.Sprintf("dd if=%s iflag=skip_bytes,count_bytes skip=%d count=%d bs=1M status=none",
		s.Path, offset, length)

	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("%w: %s", ErrSourceRead, err)
	}
	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return nil, fmt.Errorf("%w: %s", ErrSourceRead, err)
	}

	rr := &sshRange{
		r:      u.NewLimitedDownloadReader(io.LimitReader(stdout, length)),
		sess:   sess,
		remain: length,
	}

	// Tear the session down if the caller's deadline expires mid-read;
	// the next Read then fails and the assembler aborts the run.
	done := make(chan struct{})
	rr.done = done
	go func() {
		select {
		case <-ctx.Done():
			sess.Signal(ssh.SIGKILL)
			sess.Close()
		case <-done:
		}
	}()

	return rr, nil
}

// sshSession is the part of ssh.Session that sshRange drives, split
// out so tests can stand in for a live server.
type sshSession interface {
	Signal(ssh.Signal) error
	Close() error
	Wait() error
}

type sshRange struct {
	r      io.Reader
	sess   sshSession
	remain int64
	done   chan struct{}
	closed bool
}

func (sr *sshRange) Read(b []byte) (int, error) {
	n, err := sr.r.Read(b)
	sr.remain -= int64(n)
	if err == io.EOF && sr.remain > 0 {
		// dd exited before producing the whole range.
		err = fmt.Errorf("%w: short read, %s missing", ErrSourceRead,
			u.FmtBytes(sr.remain))
	}
	return n, err
}

func (sr *sshRange) Close() error {
	if sr.closed {
		return nil
	}
	sr.closed = true
	close(sr.done)
	if sr.remain > 0 {
		// The consumer abandoned the stream mid-range.  dd is still
		// writing into a channel window nobody drains, so the session
		// has to be torn down before Wait or Wait never returns.
		sr.sess.Signal(ssh.SIGKILL)
		sr.sess.Close()
		sr.sess.Wait()
		return nil
	}
	// The whole range arrived; dd's exit status no longer matters.
	sr.sess.Wait()
	sr.sess.Close()
	return nil
}

// output runs a shell command on the remote host and returns its stdout.
func (s *SSH) output(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := s.Client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var out, stderr bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()
	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %s", cmd, err,
				strings.TrimSpace(stderr.String()))
		}
		return out.Bytes(), nil
	}
}
