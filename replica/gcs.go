// replica/gcs.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package replica

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	u "github.com/bootbk/bootbk/util"
)

// GCS mirrors objects to a Google Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
}

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

// NewGCS returns a Target backed by the given bucket, creating the
// bucket if it doesn't exist.
func NewGCS(ctx context.Context, options GCSOptions) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}

	bucket := client.Bucket(options.BucketName)
	if _, err := bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectId == "" {
			return nil, fmt.Errorf("%s: need a project id to create the bucket",
				options.BucketName)
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		if err := bucket.Create(ctx, options.ProjectId,
			&gcs.BucketAttrs{Location: loc}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if options.MaxUploadBytesPerSecond > 0 ||
		options.MaxDownloadBytesPerSecond > 0 {
		u.InitBandwidthLimit(options.MaxUploadBytesPerSecond,
			options.MaxDownloadBytesPerSecond)
	}

	return &GCS{client: client, bucket: bucket, name: options.BucketName}, nil
}

func (g *GCS) String() string {
	return "gs://" + g.name
}

func retry(n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		time.Sleep(time.Duration(100*(tries+1)) * time.Millisecond)
	}
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Put uploads to a temporary object, cross-checks the CRC32C that GCS
// computed against one computed locally during the upload, and only
// then copies the temporary object to its final name.  A crashed or
// corrupted upload never leaves a final-named object behind.
func (g *GCS) Put(ctx context.Context, name string,
	open func() (io.ReadCloser, error), length int64) error {
	return retry(name, func() error {
		return g.upload(ctx, name, open, length)
	})
}

func (g *GCS) upload(ctx context.Context, name string,
	open func() (io.ReadCloser, error), length int64) error {
	rc, err := open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmpObj := g.bucket.Object(name + ".tmp")
	w := tmpObj.NewWriter(ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(ctx)

	log.Verbose("%s: starting upload (%s)", name, u.FmtBytes(length))

	crc := crc32.New(castagnoliTable)
	r := u.NewLimitedUploadReader(io.TeeReader(rc, crc))
	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if n != length {
		return fmt.Errorf("%s: uploaded %d bytes, expected %d", name, n, length)
	}
	if local, remote := crc.Sum32(), w.Attrs().CRC32C; local != remote {
		return fmt.Errorf("%s: CRC32 checksum mismatch. Local: %d, GCS: %d",
			name, local, remote)
	}

	log.Verbose("%s: finished upload", name)

	// Make the final object by copying from the temporary one.
	copier := g.bucket.Object(name).CopierFrom(tmpObj)
	copier.ContentType = "application/octet-stream"
	_, err = copier.Run(ctx)
	return err
}

func (g *GCS) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return &readerAndCloser{u.NewLimitedDownloadReader(r), r}, nil
}

type readerAndCloser struct {
	io.Reader
	io.Closer
}

func (g *GCS) Delete(ctx context.Context, name string) error {
	return retry(name, func() error {
		return g.bucket.Object(name).Delete(ctx)
	})
}

func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, obj.Name)
	}
}
