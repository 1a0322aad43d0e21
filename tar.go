// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"io/fs"
	"time"
)

// fileExtensionTar is the file extension for tar files
const fileExtensionTar = "tar"

// offsetTar is the offset where the magic bytes are located in the file
const offsetTar = 257

// magicBytesTar are the magic bytes for tar files
var magicBytesTar = [][]byte{
	[]byte("ustar\x00tar\x00"),
	[]byte("ustar\x00"),
	[]byte("ustar  \x00"),
}

// isTar checks if the header matches the magic bytes for tar files
func isTar(data []byte) bool {
	return matchesMagicBytes(data, offsetTar, magicBytesTar)
}

// ExtractTar decompresses the gzip stream src and extracts the tar archive it
// contains below dst. Entry bodies are streamed into their files.
func ExtractTar(ctx context.Context, dst string, src io.Reader, cfg *Config) error {
	cfg = orDefault(cfg)
	return withStaging(cfg.Target(), dst, cfg, func(dst string) error {
		return unpackTarGzip(ctx, cfg.Target(), dst, src, cfg)
	})
}

// unpackTarGzip prepares telemetry and the input limit and extracts the tar.gz archive src to dst.
func unpackTarGzip(ctx context.Context, t Target, dst string, src io.Reader, cfg *Config) error {
	// prepare telemetry capturing
	td := &TelemetryData{Operation: OperationExtract, ExtractedType: fileExtensionTarGZip}
	defer cfg.TelemetryHook()(ctx, td)
	defer captureExtractionDuration(td, now())

	// prepare reader
	limitedReader := newLimitErrorReader(src, cfg.MaxInputSize())
	defer captureInputSize(td, limitedReader)

	// start decompression
	zr, err := newGzipReader(limitedReader)
	if err != nil {
		return failCall(td, "cannot start decompression", classifyReadError("read gzip header", "", err))
	}
	defer zr.Close()

	if err := processTar(ctx, t, zr, dst, cfg, td); err != nil {
		return err
	}

	// read up to the gzip trailer, so that its checksum is verified
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return failCall(td, "cannot finish decompression", classifyReadError("read gzip", "", err))
	}
	return nil
}

// processTar extracts the tar archive from src to dst
func processTar(ctx context.Context, t Target, src io.Reader, dst string, c *Config, td *TelemetryData) error {
	return extract(ctx, t, dst, newTarWalker(src), c, td)
}

// tarWalker is a walker for tar files
type tarWalker struct {
	tr *tar.Reader
}

func newTarWalker(r io.Reader) *tarWalker {
	return &tarWalker{tr: tar.NewReader(r)}
}

// Type returns the file extension for tar files
func (t *tarWalker) Type() string {
	return fileExtensionTar
}

// Next returns the next entry in the tar archive. PAX global headers only
// carry defaults for the following entries and are skipped.
func (t *tarWalker) Next() (archiveEntry, error) {
	for {
		hdr, err := t.tr.Next()
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		return &tarEntry{hdr, t.tr}, nil
	}
}

// tarEntry is an entry in a tar archive
type tarEntry struct {
	hdr *tar.Header
	tr  *tar.Reader
}

// Name returns the name of the entry
func (t *tarEntry) Name() string {
	return t.hdr.Name
}

// Size returns the size of the entry
func (t *tarEntry) Size() int64 {
	return t.hdr.Size
}

// Mode returns the mode of the entry
func (t *tarEntry) Mode() fs.FileMode {
	return t.hdr.FileInfo().Mode()
}

// ModTime returns the modification time of the entry
func (t *tarEntry) ModTime() time.Time {
	return t.hdr.ModTime
}

// IsRegular returns true if the entry is a regular file
func (t *tarEntry) IsRegular() bool {
	return t.hdr.Typeflag == tar.TypeReg
}

// IsDir returns true if the entry is a directory
func (t *tarEntry) IsDir() bool {
	return t.hdr.Typeflag == tar.TypeDir
}

// Open returns a reader for the entry
func (t *tarEntry) Open() (io.ReadCloser, error) {
	return &noopReaderCloser{t.tr}, nil
}

// BuildTar writes the directory tree below srcDir as tar.gz archive to the file dst.
func BuildTar(ctx context.Context, srcDir, dst string, cfg *Config) error {
	cfg = orDefault(cfg)
	return buildFile(cfg.Target(), dst, cfg, func(w io.Writer) error {
		return writeTar(ctx, w, srcDir, dst, cfg)
	})
}

// WriteTar writes the directory tree below srcDir as tar.gz archive to w. Entry
// names are relative to srcDir, directories end with a slash.
func WriteTar(ctx context.Context, w io.Writer, srcDir string, cfg *Config) error {
	return writeTar(ctx, w, srcDir, "", cfg)
}

// writeTar is WriteTar, leaving out the file at skip, which is the archive being written.
func writeTar(ctx context.Context, w io.Writer, srcDir, skip string, cfg *Config) error {
	cfg = orDefault(cfg)
	t := cfg.Target()

	// prepare telemetry capturing
	td := &TelemetryData{Operation: OperationBuild, ExtractedType: fileExtensionTarGZip}
	defer cfg.TelemetryHook()(ctx, td)
	defer captureExtractionDuration(td, now())

	cw := &countingWriter{W: w}
	defer func() { td.InputSize = cw.N }()

	cfg.Logger().Info("start build", "type", fileExtensionTarGZip, "src", srcDir)
	zw, err := newGzipWriter(cw, cfg)
	if err != nil {
		return failCall(td, "cannot start compression", formatError("compress", srcDir, err))
	}
	tw := tar.NewWriter(zw)

	walker := newDirWalker(t, srcDir, cfg.Logger())
	if skip != "" {
		walker.exclude(skip)
	}
	for {
		// check if context is canceled
		if err := ctx.Err(); err != nil {
			return failCall(td, "context error", err)
		}

		we, err := walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return failCall(td, "cannot walk source", err)
		}

		hdr, err := tar.FileInfoHeader(we.Info, "")
		if err != nil {
			return failCall(td, "cannot create header", filesystemError("stat", we.Path, err))
		}
		hdr.Name = we.Name
		cfg.Logger().Debug("add", "name", we.Name)

		if we.Info.IsDir() {
			hdr.Name += "/"
			if err := tw.WriteHeader(hdr); err != nil {
				return failCall(td, "cannot add directory", writeError("write header", we.Name, err))
			}
			td.ExtractedDirs++
			continue
		}

		n, err := writeTarFile(t, tw, hdr, we)
		td.ExtractionSize += n
		if err != nil {
			return failCall(td, "cannot add file", err)
		}
		td.ExtractedFiles++
	}

	// close tar, then gzip
	if err := tw.Close(); err != nil {
		return failCall(td, "cannot finish tar", writeError("write tar", "", err))
	}
	if err := zw.Close(); err != nil {
		return failCall(td, "cannot finish compression", writeError("write gzip", "", err))
	}
	return nil
}

// writeTarFile writes hdr and the content of the file described by we to tw.
func writeTarFile(t Target, tw *tar.Writer, hdr *tar.Header, we walkEntry) (int64, error) {
	f, err := t.Open(we.Path)
	if err != nil {
		return 0, filesystemError("open", we.Path, err)
	}
	defer f.Close()

	if err := tw.WriteHeader(hdr); err != nil {
		return 0, writeError("write header", we.Name, err)
	}

	n, err := io.Copy(tw, &entryReader{r: f})
	if err != nil {
		var re *entryReadError
		if errors.As(err, &re) {
			return n, filesystemError("read", we.Path, re.err)
		}
		return n, writeError("write entry", we.Name, err)
	}
	return n, nil
}
