// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"io"
	"io/fs"
	"time"
)

// archiveWalker is an interface that represents a forward-only walk over the
// entries of an archive. Next returns io.EOF after the last entry.
type archiveWalker interface {
	Type() string
	Next() (archiveEntry, error)
}

// archiveEntry is an interface that represents an entry in an archive.
type archiveEntry interface {
	// Name is the relative path of the entry, with forward slashes.
	Name() string
	IsDir() bool
	IsRegular() bool
	Mode() fs.FileMode
	ModTime() time.Time

	// Size returns the uncompressed size, or -1 if it is not known up front.
	Size() int64

	// Open returns the body of the entry. It is only valid until the walker
	// advances.
	Open() (io.ReadCloser, error)
}
