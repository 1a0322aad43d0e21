// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Format is an archive format this module can build and extract.
type Format string

const (
	// FormatGzip is a single gzip compressed file.
	FormatGzip Format = "gz"

	// FormatTarGzip is a gzip compressed tar archive.
	FormatTarGzip Format = "tar.gz"

	// FormatZip is a zip archive.
	FormatZip Format = "zip"
)

// formatSuffixes maps file name suffixes to formats.
var formatSuffixes = []struct {
	suffix string
	format Format
}{
	{".gz", FormatGzip},
	{".tgz", FormatTarGzip},
	{".tar.gz", FormatTarGzip},
	{".zip", FormatZip},
}

// FormatFromName determines the format from the file name with the longest
// matching suffix. Matching is case insensitive.
func FormatFromName(name string) (Format, error) {
	lower := strings.ToLower(name)

	var (
		match    Format
		matchLen int
	)
	for _, fs := range formatSuffixes {
		if strings.HasSuffix(lower, fs.suffix) && len(fs.suffix) > matchLen {
			match, matchLen = fs.format, len(fs.suffix)
		}
	}
	if matchLen == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	return match, nil
}

// ParseFormat parses the name of a format as used on the command line.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.TrimPrefix(strings.ToLower(s), ".")); f {
	case FormatGzip, FormatTarGzip, FormatZip:
		return f, nil
	case "tgz":
		return FormatTarGzip, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
}

// Build creates dst from src in the given format. For [FormatGzip], src is a file,
// otherwise it is a directory.
func Build(ctx context.Context, format Format, src, dst string, cfg *Config) error {
	switch format {
	case FormatGzip:
		return BuildSingle(ctx, src, dst, cfg)
	case FormatTarGzip:
		return BuildTar(ctx, src, dst, cfg)
	case FormatZip:
		return BuildZip(ctx, src, dst, cfg)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// Extract extracts src in the given format to dst.
func Extract(ctx context.Context, format Format, dst string, src io.Reader, cfg *Config) error {
	switch format {
	case FormatGzip:
		return ExtractSingle(ctx, dst, src, cfg)
	case FormatTarGzip:
		return ExtractTar(ctx, dst, src, cfg)
	case FormatZip:
		return ExtractZip(ctx, dst, src, cfg)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// buildFile streams the output of write into the file dst on the target.
func buildFile(t Target, dst string, cfg *Config, write func(io.Writer) error) error {

	// ensure the parent of the output exists
	if cfg.CreateDestination() {
		if err := t.CreateDir(filepath.Dir(dst), cfg.CustomCreateDirMode()); err != nil {
			return filesystemError("create directory", filepath.Dir(dst), err)
		}
	}

	pr, pw := io.Pipe()
	var createErr error

	g := new(errgroup.Group)
	g.Go(func() error {
		err := write(pw)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		_, createErr = t.CreateFile(dst, &entryReader{r: pr}, cfg.CustomDecompressFileMode(), cfg.Overwrite(), -1)
		pr.CloseWithError(createErr)
		return nil
	})
	writeErr := g.Wait()

	// a failing writer also fails the target, so its error wins
	var re *entryReadError
	switch {
	case writeErr != nil && (createErr == nil || errors.As(createErr, &re)):
		return writeErr
	case createErr != nil:
		return filesystemError("create file", dst, createErr)
	}
	return writeErr
}

// writeError assigns a kind to an error of the output writer.
func writeError(op, path string, err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return newError(ErrStream, op, path, err)
}
