// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import "io"

// limitErrorWriter is a wrapper around an io.Writer that returns
// [ErrMaxExtractionSizeExceeded] when the limit is reached.
type limitErrorWriter struct {
	W io.Writer // underlying writer
	L int64     // limit
	N int64     // number of bytes written
}

// Write writes up to len(p) bytes from p to the underlying data stream. It returns
// the number of bytes written from p (0 <= n <= len(p)) and any error encountered
// that caused the write to stop early. The limit is enforced by writing up to the
// limit and returning [ErrMaxExtractionSizeExceeded].
func (l *limitErrorWriter) Write(p []byte) (n int, err error) {
	// check if we reached the limit
	if l.N >= l.L {
		return 0, ErrMaxExtractionSizeExceeded
	}

	// write until we reach the limit
	if int64(len(p)) > l.L-l.N {
		p = p[0 : l.L-l.N]
		n, err = l.W.Write(p)
		if err == nil {
			err = ErrMaxExtractionSizeExceeded
		}
		l.N += int64(n)
		return n, err
	}

	// write normally
	n, err = l.W.Write(p)
	l.N += int64(n)
	return n, err
}

// limitWriter returns a new writer that wraps the given writer and enforces maxSize.
// If maxSize < 0, w is returned as is.
func limitWriter(w io.Writer, maxSize int64) io.Writer {
	if maxSize < 0 {
		return w
	}
	return &limitErrorWriter{W: w, L: maxSize}
}

// countingWriter counts the bytes written to the output of a build call.
type countingWriter struct {
	W io.Writer
	N int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	c.N += int64(n)
	if err != nil {
		return n, newError(ErrStream, "write output", "", err)
	}
	return n, nil
}
