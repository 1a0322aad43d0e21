// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStream is the kind of errors raised by the caller supplied reader or writer.
	ErrStream = errors.New("stream error")

	// ErrFormat is the kind of errors caused by structurally invalid input, e.g., a broken
	// compression header, a checksum mismatch, a truncated entry header or an entry name
	// that cannot be used.
	ErrFormat = errors.New("format error")

	// ErrFilesystem is the kind of errors raised by the [Target] while materializing or
	// reading the file tree.
	ErrFilesystem = errors.New("filesystem error")
)

var (
	// ErrPathTraversal is returned if an entry would be written outside of the destination.
	ErrPathTraversal = errors.New("path traversal detected")

	// ErrMaxFilesExceeded is returned if the number of entries exceeds the configured maximum.
	ErrMaxFilesExceeded = errors.New("maximum files exceeded")

	// ErrMaxExtractionSizeExceeded is returned if the extracted bytes exceed the configured maximum.
	ErrMaxExtractionSizeExceeded = errors.New("maximum extraction size exceeded")

	// ErrMaxInputSizeExceeded is returned if more bytes than allowed are read from the input.
	ErrMaxInputSizeExceeded = errors.New("maximum input size exceeded")

	// ErrUnsupportedFile is returned for entries that are neither regular files nor directories.
	ErrUnsupportedFile = errors.New("unsupported file type")

	// ErrUnsupportedFormat is returned if the input format cannot be determined.
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrStaleCursor is returned if a zip stream cursor or entry is used after ownership
	// of the stream has been handed on.
	ErrStaleCursor = errors.New("zip stream cursor already advanced")
)

// Error carries the kind of a failure together with the operation and path it
// happened at. Use [errors.Is] with [ErrStream], [ErrFormat] or [ErrFilesystem]
// to check the kind, and with the more specific sentinel errors to check the cause.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s %s: %s", e.Kind, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Err)
}

// Unwrap returns the kind and the cause.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func formatError(op, path string, err error) error {
	return newError(ErrFormat, op, path, err)
}

func filesystemError(op, path string, err error) error {
	return newError(ErrFilesystem, op, path, err)
}

// sourceError tags a failure of the caller's input reader, so that it can be told
// apart from errors the decoders raise while interpreting the bytes.
type sourceError struct {
	err error
}

func (s *sourceError) Error() string { return s.err.Error() }
func (s *sourceError) Unwrap() error { return s.err }

// classifyReadError assigns a kind to an error that surfaced while reading
// (and decoding) the input.
func classifyReadError(op, path string, err error) error {
	var (
		se *sourceError
		ae *Error
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &ae):
		return err
	case errors.Is(err, ErrMaxInputSizeExceeded), errors.Is(err, ErrMaxExtractionSizeExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.As(err, &se):
		return newError(ErrStream, op, path, se.err)
	default:
		return formatError(op, path, err)
	}
}
