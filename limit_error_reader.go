// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"io"
)

// limitErrorReader is the boundary between the caller's input and the decoders.
// It returns [ErrMaxInputSizeExceeded] if more than L bytes are requested and tags
// every failure of the underlying reader (except io.EOF), so that stream errors
// stay distinguishable from format errors further down.
// If the limit is negative, all data from the original reader is read.
type limitErrorReader struct {
	R io.Reader // underlying reader
	L int64     // limit
	N int64     // number of bytes read
}

// Read reads from the underlying reader and fills up p.
// It returns an error if the limit is exceeded, even if the underlying reader is not fully read.
func (l *limitErrorReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	// determine how many bytes to read
	m := int64(len(p))
	if l.L >= 0 && l.L-l.N < m {
		m = l.L - l.N
	}

	// limit reached, an input of exactly L bytes is still fine
	if m <= 0 {
		var probe [1]byte
		n, err := l.R.Read(probe[:])
		switch {
		case n > 0:
			return 0, ErrMaxInputSizeExceeded
		case err == io.EOF:
			return 0, io.EOF
		case err != nil:
			return 0, &sourceError{err: err}
		}
		return 0, nil
	}

	n, err := l.R.Read(p[:m])
	l.N += int64(n)
	if err != nil && err != io.EOF {
		return n, &sourceError{err: err}
	}
	return n, err
}

// ReadBytes returns how many bytes have been read from the underlying reader
func (l *limitErrorReader) ReadBytes() int64 {
	return l.N
}

// newLimitErrorReader returns a new limitErrorReader that reads from r
func newLimitErrorReader(r io.Reader, limit int64) *limitErrorReader {
	return &limitErrorReader{R: r, L: limit, N: 0}
}
