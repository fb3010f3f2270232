// image/copy.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package image

import (
	"io"
	"os"
)

func byteCopy(dst *os.File, src *os.File) error {
	buf := make([]byte, copyChunkSize)
	_, err := io.CopyBuffer(dst, src, buf)
	return err
}
