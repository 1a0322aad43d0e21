// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
)

const (
	// fileExtensionGZip is the file extension for gzip files.
	fileExtensionGZip = "gz"

	// fileExtensionTarGZip is the type of tar archives compressed with gzip.
	fileExtensionTarGZip = "tar.gz"

	// defaultDecompressionName is the default name for the extracted content
	defaultDecompressionName = "goarchive-decompressed-content"

	// defaultDecompressedSuffix is the suffix for the extracted content if
	// the filename does not end with the file extension
	defaultDecompressedSuffix = "decompressed"
)

// magicBytesGZip are the magic bytes for gzip compressed files.
var magicBytesGZip = [][]byte{
	{0x1f, 0x8b},
}

// isGZip checks if the header matches the magic bytes for gzip compressed files.
func isGZip(header []byte) bool {
	return matchesMagicBytes(header, 0, magicBytesGZip)
}

// newGzipReader returns a lazily inflating reader over src. Concatenated
// members are read as one stream.
func newGzipReader(src io.Reader) (*gzip.Reader, error) {
	return gzip.NewReader(src)
}

// newGzipWriter returns a writer that compresses into w with the configured level.
// The trailer is written on Close.
func newGzipWriter(w io.Writer, cfg *Config) (*gzip.Writer, error) {
	return gzip.NewWriterLevel(w, cfg.CompressionLevel())
}

// ExtractSingle decompresses the gzip stream src into the file dst. If dst is an
// existing directory, the output is placed inside of it, named after the input file,
// the name stored in the gzip header or a default name.
func ExtractSingle(ctx context.Context, dst string, src io.Reader, cfg *Config) error {
	cfg = orDefault(cfg)

	// prepare telemetry capturing
	td := &TelemetryData{Operation: OperationExtract, ExtractedType: fileExtensionGZip}
	defer cfg.TelemetryHook()(ctx, td)
	defer captureExtractionDuration(td, now())

	// limit input size
	limitedReader := newLimitErrorReader(src, cfg.MaxInputSize())
	defer captureInputSize(td, limitedReader)

	return processGzip(ctx, cfg.Target(), limitedReader, dst, inputName(src), cfg, td, false)
}

// inputName returns the base name of src, if it is a file.
func inputName(src io.Reader) string {
	if f, ok := src.(*os.File); ok {
		return filepath.Base(f.Name())
	}
	return ""
}

// processGzip decompresses src. If untar is set and the decompressed stream is a tar
// archive, it is extracted below dst, otherwise the content is written to a single file.
func processGzip(ctx context.Context, t Target, src io.Reader, dst string, name string, cfg *Config, td *TelemetryData, untar bool) error {
	cfg.Logger().Info("decompress", "fileExt", fileExtensionGZip)

	// start decompression
	zr, err := newGzipReader(src)
	if err != nil {
		return failCall(td, "cannot start decompression", classifyReadError("read gzip header", "", err))
	}
	defer zr.Close()

	// check if context is canceled
	if err := ctx.Err(); err != nil {
		return failCall(td, "context error", err)
	}

	// check if uncompressed stream is tar
	if untar {
		headerReader, err := newHeaderReader(zr, maxHeaderLength)
		if err != nil {
			return failCall(td, "cannot read uncompressed header", classifyReadError("read gzip", "", err))
		}
		if isTar(headerReader.PeekHeader()) {
			td.ExtractedType = fileExtensionTarGZip
			return withStaging(t, dst, cfg, func(dst string) error {
				if err := processTar(ctx, t, headerReader, dst, cfg, td); err != nil {
					return err
				}

				// read up to the gzip trailer, so that its checksum is verified
				if _, err := io.Copy(io.Discard, zr); err != nil {
					return failCall(td, "cannot finish decompression", classifyReadError("read gzip", "", err))
				}
				return nil
			})
		}
		return decompressFile(ctx, t, dst, name, zr.Header, headerReader, cfg, td)
	}

	return decompressFile(ctx, t, dst, name, zr.Header, zr, cfg, td)
}

// decompressFile writes the decompressed content r to a single file.
func decompressFile(ctx context.Context, t Target, dst string, name string, hdr gzip.Header, r io.Reader, cfg *Config, td *TelemetryData) error {
	// check if context is canceled
	if err := ctx.Err(); err != nil {
		return failCall(td, "context error", err)
	}

	// prefer the input name over the name in the header
	if name == "" && hdr.Name != "" {
		if base := filepath.Base(hdr.Name); filepath.IsLocal(base) {
			name = base + "." + fileExtensionGZip
		}
	}
	dir, outputName := determineOutputName(t, dst, name, "."+fileExtensionGZip)
	cfg.Logger().Debug("determined output name", "dir", dir, "name", outputName)

	// ensure the output directory exists
	if cfg.CreateDestination() {
		if err := t.CreateDir(dir, cfg.CustomCreateDirMode()); err != nil {
			return failCall(td, "cannot create destination", filesystemError("create destination", dir, err))
		}
	}

	// write the file, directly or through a staging file that replaces the output once complete
	writeName := outputName
	if cfg.Staging() {
		if _, err := t.Lstat(filepath.Join(dir, outputName)); err == nil && !cfg.Overwrite() {
			return failCall(td, "cannot create file", filesystemError("create file", outputName, fmt.Errorf("file already exists: %w", fs.ErrExist)))
		}
		writeName = filepath.Base(stagingName(filepath.Join(dir, outputName)))
		defer func() {
			if err := t.RemoveAll(filepath.Join(dir, writeName)); err != nil {
				cfg.Logger().Warn("cannot remove staging file", "name", writeName, "error", err)
			}
		}()
	}

	n, err := createFile(t, dir, writeName, r, cfg.CustomDecompressFileMode(), cfg.MaxExtractionSize(), cfg)
	td.ExtractionSize = n
	if err != nil {
		return failCall(td, "cannot create file", err)
	}

	if cfg.Staging() {
		if err := t.Rename(filepath.Join(dir, writeName), filepath.Join(dir, outputName)); err != nil {
			return failCall(td, "cannot move file", filesystemError("move file", outputName, err))
		}
	}

	// restore modification time
	if !cfg.DropFileAttributes() && !hdr.ModTime.IsZero() {
		if err := t.Chtimes(filepath.Join(dir, outputName), hdr.ModTime, hdr.ModTime); err != nil {
			if err := handleError(cfg, td, "failed to set modification time", filesystemError("set times", outputName, err)); err != nil {
				return err
			}
		}
	}
	td.ExtractedFiles++

	// finished
	return nil
}

// determineOutputName determines the output directory and name for decompressed content.
func determineOutputName(t Target, dst string, inputName string, fileExt string) (string, string) {

	// check if dst is specified and not a directory
	if dst != "." && dst != "" {
		stat, err := t.Stat(dst)

		// dst is the output file, existing or not
		if errors.Is(err, fs.ErrNotExist) || (err == nil && !stat.IsDir()) {
			return filepath.Dir(dst), filepath.Base(dst)
		}
	}
	if dst == "" {
		dst = "."
	}

	// is src for decompression a file?
	if len(inputName) == 0 {
		return dst, defaultDecompressionName
	}

	// remove file extension, or add a suffix if there is none
	newName := inputName
	if strings.HasSuffix(strings.ToLower(inputName), strings.ToLower(fileExt)) {
		newName = newName[:len(newName)-len(fileExt)]
	}
	if newName == inputName {
		newName = fmt.Sprintf("%s.%s", inputName, defaultDecompressedSuffix)
	}

	// check that the name can be used
	if !utf8.ValidString(newName) || !filepath.IsLocal(newName) || strings.ContainsAny(newName, `/\`) {
		return dst, defaultDecompressionName
	}
	return dst, newName
}

// BuildSingle compresses the file src into the gzip file dst.
func BuildSingle(ctx context.Context, src, dst string, cfg *Config) error {
	cfg = orDefault(cfg)
	return buildFile(cfg.Target(), dst, cfg, func(w io.Writer) error {
		return WriteSingle(ctx, w, src, cfg)
	})
}

// WriteSingle compresses the file src into w. The gzip header carries the base
// name and the modification time of src.
func WriteSingle(ctx context.Context, w io.Writer, src string, cfg *Config) error {
	cfg = orDefault(cfg)
	t := cfg.Target()

	// prepare telemetry capturing
	td := &TelemetryData{Operation: OperationBuild, ExtractedType: fileExtensionGZip}
	defer cfg.TelemetryHook()(ctx, td)
	defer captureExtractionDuration(td, now())

	cw := &countingWriter{W: w}
	defer func() { td.InputSize = cw.N }()

	// check if context is canceled
	if err := ctx.Err(); err != nil {
		return failCall(td, "context error", err)
	}

	info, err := t.Stat(src)
	if err != nil {
		return failCall(td, "cannot stat source", filesystemError("stat", src, err))
	}
	if !info.Mode().IsRegular() {
		return failCall(td, "cannot compress source", filesystemError("open", src, fmt.Errorf("not a regular file: %w", fs.ErrInvalid)))
	}

	f, err := t.Open(src)
	if err != nil {
		return failCall(td, "cannot open source", filesystemError("open", src, err))
	}
	defer f.Close()

	cfg.Logger().Info("start build", "type", fileExtensionGZip, "src", src)
	zw, err := newGzipWriter(cw, cfg)
	if err != nil {
		return failCall(td, "cannot start compression", formatError("compress", src, err))
	}
	zw.Name = filepath.Base(src)
	zw.ModTime = info.ModTime().Truncate(time.Second)

	n, err := io.Copy(zw, &entryReader{r: f})
	td.ExtractionSize = n
	if err != nil {
		var re *entryReadError
		if errors.As(err, &re) {
			return failCall(td, "cannot read source", filesystemError("read", src, re.err))
		}
		return failCall(td, "cannot compress source", writeError("write gzip", src, err))
	}
	if err := zw.Close(); err != nil {
		return failCall(td, "cannot finish compression", writeError("write gzip", src, err))
	}
	td.ExtractedFiles++
	return nil
}
