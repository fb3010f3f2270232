// cmd/bootbk/mount.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package main

// Read-only FUSE view of the repository: one directory per source, one
// file per committed generation.  Handy for loop-mounting an image's
// partitions or pulling single files out of a backup without restoring
// the whole disk.

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	_ "bazil.org/fuse/fs/fstestutil"
	"github.com/spf13/cobra"

	"github.com/bootbk/bootbk/chain"
	"github.com/bootbk/bootbk/image"
)

func newMountCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mount <dir>",
		Short: "Mount the repository read-only via FUSE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := g.openEnv()
			if err != nil {
				return err
			}
			defer store.Close()
			return mountRepository(store, args[0])
		},
	}
}

func mountRepository(store chain.Store, dir string) error {
	root, err := buildMountTree(store)
	if err != nil {
		return err
	}

	conn, err := fuse.Mount(
		dir,
		fuse.FSName("bootbk"),
		fuse.Subtype("bootbk"),
		fuse.VolumeName("bootbk images"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Print("%s: serving; unmount to exit", dir)
	if err := fs.Serve(conn, root); err != nil {
		return err
	}

	<-conn.Ready
	return conn.MountError
}

// buildMountTree snapshots the chain metadata into an in-memory
// directory tree.  Generations committed after the mount won't appear
// until a remount; images are immutable once committed, so the
// contents of what is listed never go stale.
func buildMountTree(store chain.Store) (*rootDir, error) {
	sources, err := store.Sources()
	if err != nil {
		return nil, err
	}

	root := &rootDir{}
	for _, src := range sources {
		c, err := store.Chain(src)
		if err != nil {
			return nil, err
		}
		if len(c) == 0 {
			continue
		}
		sd := &sourceDir{name: image.FlattenSource(src)}
		for _, gen := range c {
			sd.images = append(sd.images, &imageNode{
				name: filepath.Base(gen.ImagePath),
				gen:  gen,
			})
		}
		root.sources = append(root.sources, sd)
	}
	return root, nil
}

///////////////////////////////////////////////////////////////////////////

type rootDir struct {
	sources []*sourceDir
}

func (r *rootDir) Root() (fs.Node, error) {
	return r, nil
}

func (r *rootDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

func (r *rootDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, sd := range r.sources {
		if sd.name == name {
			return sd, nil
		}
	}
	return nil, fuse.ENOENT
}

func (r *rootDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, sd := range r.sources {
		de = append(de, fuse.Dirent{Name: sd.name, Type: fuse.DT_Dir})
	}
	return de, nil
}

type sourceDir struct {
	name   string
	images []*imageNode
}

func (sd *sourceDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

func (sd *sourceDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, img := range sd.images {
		if img.name == name {
			return img, nil
		}
	}
	return nil, fuse.ENOENT
}

func (sd *sourceDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	seen := make(map[string]bool)
	for _, img := range sd.images {
		// No-op generations share a file with their parent; list it
		// once.
		if seen[img.name] {
			continue
		}
		seen[img.name] = true
		de = append(de, fuse.Dirent{Name: img.name, Type: fuse.DT_File})
	}
	return de, nil
}

type imageNode struct {
	name string
	gen  chain.Generation
}

func (n *imageNode) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = 0400
	a.Size = uint64(n.gen.Size)
	a.Mtime = n.gen.Completed
	return nil
}

// Open hands out a handle with its own *os.File; images are tens of
// gigabytes, so reads have to be ranged rather than whole-file.
func (n *imageNode) Open(ctx context.Context, req *fuse.OpenRequest,
	resp *fuse.OpenResponse) (fs.Handle, error) {
	f, err := os.Open(n.gen.ImagePath)
	if err != nil {
		return nil, err
	}
	return &imageHandle{f: f}, nil
}

type imageHandle struct {
	f *os.File
}

func (h *imageHandle) Read(ctx context.Context, req *fuse.ReadRequest,
	resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := h.f.ReadAt(buf, req.Offset)
	if err != nil && err != io.EOF {
		return err
	}
	resp.Data = buf[:n]
	return nil
}

func (h *imageHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return h.f.Close()
}
