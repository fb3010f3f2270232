// image/reflink_other.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

//go:build !linux

package image

import "os"

func cloneOrCopyFile(dst, src string) error {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sf.Close()

	df, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := byteCopy(df, sf); err != nil {
		df.Close()
		os.Remove(dst)
		return err
	}
	return df.Close()
}
