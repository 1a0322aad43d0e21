// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Target specifies the filesystem primitives the codecs need to materialize and
// to read file trees.
//
//go:generate mockgen -destination=mock_target_test.go -package=archive_test github.com/hashicorp/go-archive Target
type Target interface {
	// CreateFile creates a file at the specified path with src as content. The mode parameter is the file mode that
	// should be set on the file. If the file already exists and overwrite is false, an error should be returned.
	// The size of the file should not exceed maxSize. The number of bytes written is returned, also together
	// with an error. If maxSize < 0, the file size is not limited.
	CreateFile(path string, src io.Reader, mode fs.FileMode, overwrite bool, maxSize int64) (int64, error)

	// CreateDir creates a directory and all missing parents at the specified path with the specified mode.
	// If the directory already exists, nothing is done.
	CreateDir(path string, mode fs.FileMode) error

	// Lstat see docs for os.Lstat. Main purpose is to check for symlinks in the extraction path.
	Lstat(path string) (fs.FileInfo, error)

	// Stat see docs for os.Stat.
	Stat(path string) (fs.FileInfo, error)

	// Chtimes see docs for os.Chtimes. Main purpose is to restore modification times.
	Chtimes(name string, atime, mtime time.Time) error

	// Open opens the named file for reading.
	Open(path string) (io.ReadCloser, error)

	// ReadDir see docs for os.ReadDir. Entries are sorted by filename.
	ReadDir(path string) ([]fs.DirEntry, error)

	// Rename see docs for os.Rename. An existing file at newpath is replaced.
	Rename(oldpath, newpath string) error

	// RemoveAll see docs for os.RemoveAll.
	RemoveAll(path string) error
}

// entryReadError tags failures while reading the entry content that is handed to
// the target, so that they can be told apart from failures of the target itself.
type entryReadError struct {
	err error
}

func (e *entryReadError) Error() string { return e.err.Error() }
func (e *entryReadError) Unwrap() error { return e.err }

// entryReader wraps the content of an entry before it is passed to a [Target].
type entryReader struct {
	r io.Reader
}

func (e *entryReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &entryReadError{err: err}
	}
	return n, err
}

// createFile is a wrapper around the CreateFile function
//
// If the directory for the file does not exist, it will be created with the config.CustomCreateDirMode().
//
// If the name is empty, absolute, escapes dst or contains a symlink, the function returns an error
// before anything is created.
//
// If the file is created successfully, the function returns the number of bytes written and nil.
func createFile(t Target, dst string, name string, src io.Reader, mode fs.FileMode, maxSize int64, cfg *Config) (int64, error) {
	// ensures that the directory exists and is safe to write to
	if err := createDir(t, dst, path.Dir(name), cfg.CustomCreateDirMode(), cfg); err != nil {
		return 0, err
	}

	// ensure that if the file exist that it is not a symlink
	if err := securityCheck(t, dst, name, cfg); err != nil {
		return 0, err
	}

	// write the file
	p := filepath.Join(dst, filepath.FromSlash(name))
	n, err := t.CreateFile(p, &entryReader{r: src}, mode, cfg.Overwrite(), maxSize)
	if err != nil {
		var re *entryReadError
		if errors.As(err, &re) {
			return n, classifyReadError("read entry", name, re.err)
		}
		if errors.Is(err, ErrMaxExtractionSizeExceeded) {
			return n, classifyReadError("create file", name, ErrMaxExtractionSizeExceeded)
		}
		return n, filesystemError("create file", name, err)
	}
	return n, nil
}

// createDir is a wrapper around the CreateDir function
//
// If the path contains path traversal or a symlink, the function returns an error.
//
// If the path contains a symlink and config.TraverseSymlinks() returns true, a warning is logged and the
// function continues.
//
// If the directory is created successfully, the function returns nil.
func createDir(t Target, dst string, name string, mode fs.FileMode, cfg *Config) error {
	// no action needed
	if name == "." || name == "" {
		return nil
	}

	// perform security check to ensure that the path is safe to write to
	if err := securityCheck(t, dst, name, cfg); err != nil {
		return err
	}

	// combine the path
	p := filepath.Join(dst, filepath.FromSlash(name))
	if err := t.CreateDir(p, mode); err != nil {
		return filesystemError("create directory", name, err)
	}
	return nil
}

// securityCheck checks if name is a valid entry name, does not escape dst
// and if the path below dst contains a symlink.
//
// If the path contains a symlink and config.TraverseSymlinks() returns true,
// a warning is logged and the function continues.
func securityCheck(t Target, dst string, name string, config *Config) error {
	// an entry needs a name
	if len(name) == 0 {
		return formatError("check path", name, fmt.Errorf("empty name"))
	}

	// absolute paths are never accepted, regardless of the host convention
	local := filepath.FromSlash(name)
	if path.IsAbs(name) || filepath.IsAbs(local) || filepath.VolumeName(local) != "" {
		return formatError("check path", name, fmt.Errorf("absolute path: %w", ErrPathTraversal))
	}

	// check if the path stays below dst
	if !filepath.IsLocal(local) {
		return formatError("check path", name, ErrPathTraversal)
	}

	// check each dir in path
	parts := strings.Split(filepath.Clean(local), string(os.PathSeparator))
	for i := range parts {

		// assemble path
		subDirs := filepath.Join(parts[0 : i+1]...)
		if subDirs == "." {
			continue
		}
		checkDir := filepath.Join(dst, subDirs)

		// check for symlink
		stat, err := t.Lstat(checkDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// nothing below a missing element can be a symlink
				return nil
			}
			return filesystemError("check path", subDirs, err)
		}
		if stat.Mode()&os.ModeSymlink == os.ModeSymlink {
			if config.TraverseSymlinks() {
				config.Logger().Warn("traverse symlink", "sub-dir", subDirs)
				continue
			}
			return formatError("check path", name, fmt.Errorf("symlink in path (%s): %w", subDirs, ErrPathTraversal))
		}
	}

	return nil
}
