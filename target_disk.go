// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
)

// TargetDisk is the struct type that holds all information for interacting with the filesystem
type TargetDisk struct{}

// NewTargetDisk creates a new disk target
func NewTargetDisk() *TargetDisk {
	return &TargetDisk{}
}

// CreateDir creates a directory at the specified path with the specified mode. If the directory already
// exists, nothing is done.
func (d *TargetDisk) CreateDir(path string, mode fs.FileMode) error {

	// create dirs
	if err := os.MkdirAll(path, mode.Perm()); err != nil {
		return fmt.Errorf("failed to create directory (%w)", err)
	}

	return nil
}

// CreateFile creates a file at the specified path with src as content.
// The mode parameter is the file mode that should be set on the file. If the file already exists and
// overwrite is false, an error is returned. An existing file is removed before src is written.
// The size of the file does not exceed maxSize, if maxSize >= 0. The number of bytes written is
// returned, also together with an error.
func (d *TargetDisk) CreateFile(path string, src io.Reader, mode fs.FileMode, overwrite bool, maxSize int64) (int64, error) {
	// Check for path validity and if file existence+overwrite
	if stat, err := os.Lstat(path); !os.IsNotExist(err) {

		// something wrong with path
		if err != nil {
			return 0, fmt.Errorf("invalid path: %w", err)
		}

		// check for overwrite
		if !overwrite {
			return 0, fmt.Errorf("file already exists: %w", fs.ErrExist)
		}

		// directories are never replaced by files
		if stat.IsDir() {
			return 0, fmt.Errorf("cannot overwrite directory with file: %w", fs.ErrExist)
		}

		// replace the file, so that a read-only file can be overwritten and mode is applied
		if err := os.Remove(path); err != nil {
			return 0, fmt.Errorf("failed to remove existing file: %w", err)
		}
	}

	// create dst file
	dstFile, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		dstFile.Close()
	}()

	// write data to file
	writer := limitWriter(dstFile, maxSize)
	n, err := io.Copy(writer, src)
	if err != nil {
		return n, fmt.Errorf("failed to write file: %w", err)
	}

	return n, dstFile.Close()
}

// Lstat returns the FileInfo structure describing the named file.
// If there is an error, it will be of type *PathError.
func (d *TargetDisk) Lstat(name string) (fs.FileInfo, error) {
	return os.Lstat(name)
}

// Stat returns the FileInfo structure describing the named file.
// If there is an error, it will be of type *PathError.
func (d *TargetDisk) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

// Chtimes changes the access and modification times of the named file.
func (d *TargetDisk) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(name, atime, mtime)
}

// Open opens the named file for reading.
func (d *TargetDisk) Open(name string) (io.ReadCloser, error) {
	return os.Open(name)
}

// ReadDir reads the named directory, returning all its directory entries sorted by filename.
func (d *TargetDisk) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(name)
}

// Rename renames (moves) oldpath to newpath.
func (d *TargetDisk) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// RemoveAll removes path and any children it contains.
func (d *TargetDisk) RemoveAll(path string) error {
	return os.RemoveAll(path)
}
