// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"io/fs"
	"time"

	"github.com/klauspost/compress/flate"
)

// fileExtensionZip is the file extension for zip files.
const fileExtensionZip = "zip"

// magicBytesZip contains the magic bytes for a zip archive, which starts
// with the local file header of the first entry.
var magicBytesZip = [][]byte{
	{0x50, 0x4B, 0x03, 0x04},
}

// isZip checks if data is a zip archive.
func isZip(data []byte) bool {
	return matchesMagicBytes(data, 0, magicBytesZip)
}

// ExtractZip reads a zip archive from src and extracts it below dst. The
// archive is decoded from its local file headers, so src is read exactly once
// from start to end and never needs to support seeking.
func ExtractZip(ctx context.Context, dst string, src io.Reader, cfg *Config) error {
	cfg = orDefault(cfg)
	return withStaging(cfg.Target(), dst, cfg, func(dst string) error {
		return unpackZip(ctx, cfg.Target(), dst, src, cfg)
	})
}

// unpackZip prepares telemetry and the input limit and extracts the zip archive from src to dst.
func unpackZip(ctx context.Context, t Target, dst string, src io.Reader, cfg *Config) error {
	// prepare telemetry data collection and emit
	td := &TelemetryData{Operation: OperationExtract, ExtractedType: fileExtensionZip}
	defer cfg.TelemetryHook()(ctx, td)
	defer captureExtractionDuration(td, now())

	// limit input size
	limitedReader := newLimitErrorReader(src, cfg.MaxInputSize())
	defer captureInputSize(td, limitedReader)

	return processZip(ctx, t, limitedReader, dst, cfg, td)
}

// processZip extracts the zip archive from src to dst. src must tag its own read failures.
func processZip(ctx context.Context, t Target, src io.Reader, dst string, cfg *Config, td *TelemetryData) error {
	return extract(ctx, t, dst, &zipWalker{cur: newZipStream(src)}, cfg, td)
}

// zipWalker drives a [ZipStream] for the extraction loop.
type zipWalker struct {
	cur   *ZipStream
	entry *ZipEntry
}

// Type returns the file extension for zip files
func (z *zipWalker) Type() string {
	return fileExtensionZip
}

// Next finishes the current entry and returns the next one.
func (z *zipWalker) Next() (archiveEntry, error) {
	if z.entry != nil {
		next, err := z.entry.Done()
		z.entry = nil
		if err != nil {
			return nil, err
		}
		z.cur = next
	}

	e, err := z.cur.Next()
	if err != nil {
		return nil, err
	}
	z.entry = e
	return &zipEntry{e}, nil
}

// zipEntry adapts a [ZipEntry] to the extraction loop. Local file headers
// carry no permissions, so Mode only reports the type.
type zipEntry struct {
	e *ZipEntry
}

func (z *zipEntry) Name() string {
	return z.e.Name()
}

func (z *zipEntry) IsDir() bool {
	return z.e.IsDir()
}

func (z *zipEntry) IsRegular() bool {
	return !z.e.IsDir()
}

func (z *zipEntry) Mode() fs.FileMode {
	if z.e.IsDir() {
		return fs.ModeDir
	}
	return 0
}

func (z *zipEntry) ModTime() time.Time {
	return z.e.Modified()
}

func (z *zipEntry) Size() int64 {
	return z.e.Size()
}

func (z *zipEntry) Open() (io.ReadCloser, error) {
	return &noopReaderCloser{z.e.Reader()}, nil
}

// BuildZip writes the directory tree below srcDir as zip archive to the file dst.
func BuildZip(ctx context.Context, srcDir, dst string, cfg *Config) error {
	cfg = orDefault(cfg)
	return buildFile(cfg.Target(), dst, cfg, func(w io.Writer) error {
		return writeZip(ctx, w, srcDir, dst, cfg)
	})
}

// WriteZip writes the directory tree below srcDir as zip archive to w. Every file is
// compressed in memory before its entry is written, so all sizes are known up front
// and the archive carries no data descriptors.
func WriteZip(ctx context.Context, w io.Writer, srcDir string, cfg *Config) error {
	return writeZip(ctx, w, srcDir, "", cfg)
}

// writeZip is WriteZip, leaving out the file at skip, which is the archive being written.
func writeZip(ctx context.Context, w io.Writer, srcDir, skip string, cfg *Config) error {
	cfg = orDefault(cfg)

	// prepare telemetry data collection and emit
	td := &TelemetryData{Operation: OperationBuild, ExtractedType: fileExtensionZip}
	defer cfg.TelemetryHook()(ctx, td)
	defer captureExtractionDuration(td, now())

	cw := &countingWriter{W: w}
	defer func() { td.InputSize = cw.N }()

	cfg.Logger().Info("start build", "type", fileExtensionZip, "src", srcDir)
	zw := zip.NewWriter(cw)
	walker := newDirWalker(cfg.Target(), srcDir, cfg.Logger())
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

		cfg.Logger().Debug("add", "name", we.Name)
		if we.Info.IsDir() {
			hdr := &zip.FileHeader{Name: we.Name + "/", Method: zip.Store, Modified: we.Info.ModTime()}
			hdr.SetMode(we.Info.Mode())
			if _, err := zw.CreateHeader(hdr); err != nil {
				return failCall(td, "cannot add directory", writeError("write entry", we.Name, err))
			}
			td.ExtractedDirs++
			continue
		}

		n, err := writeZipFile(cfg, zw, we)
		if err != nil {
			return failCall(td, "cannot add file", err)
		}
		td.ExtractionSize += n
		td.ExtractedFiles++
	}

	// write the central directory
	if err := zw.Close(); err != nil {
		return failCall(td, "cannot finish zip", writeError("write central directory", "", err))
	}
	return nil
}

// writeZipFile adds the file described by we as deflated raw entry to zw.
func writeZipFile(cfg *Config, zw *zip.Writer, we walkEntry) (int64, error) {
	f, err := cfg.Target().Open(we.Path)
	if err != nil {
		return 0, filesystemError("open", we.Path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return 0, filesystemError("read", we.Path, err)
	}

	// compress
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, cfg.CompressionLevel())
	if err != nil {
		return 0, formatError("compress", we.Name, err)
	}
	if _, err := fw.Write(data); err != nil {
		return 0, formatError("compress", we.Name, err)
	}
	if err := fw.Close(); err != nil {
		return 0, formatError("compress", we.Name, err)
	}

	hdr := &zip.FileHeader{
		Name:               we.Name,
		Method:             zip.Deflate,
		Flags:              zipFlagUTF8,
		CRC32:              crc32.ChecksumIEEE(data),
		CompressedSize64:   uint64(buf.Len()),
		UncompressedSize64: uint64(len(data)),
	}
	setZipModTime(hdr, we.Info.ModTime())
	hdr.SetMode(we.Info.Mode())

	raw, err := zw.CreateRaw(hdr)
	if err != nil {
		return 0, writeError("write entry", we.Name, err)
	}
	if _, err := raw.Write(buf.Bytes()); err != nil {
		return 0, writeError("write entry", we.Name, err)
	}
	return int64(len(data)), nil
}

// setZipModTime stores t as MS-DOS time and as extended timestamp, which
// keeps a resolution of one second. Raw entries are written as they are,
// so this is not done by the zip writer.
func setZipModTime(hdr *zip.FileHeader, t time.Time) {
	if t.IsZero() {
		return
	}
	hdr.Modified = t
	hdr.ModifiedDate, hdr.ModifiedTime = timeToMsDosTime(t.UTC())

	var ext [9]byte
	binary.LittleEndian.PutUint16(ext[0:], zipExtendedTimestampID)
	binary.LittleEndian.PutUint16(ext[2:], 5)
	ext[4] = 0x1 // modification time present
	binary.LittleEndian.PutUint32(ext[5:], uint32(t.Unix()))
	hdr.Extra = append(hdr.Extra, ext[:]...)
}

// timeToMsDosTime converts a time.Time to an MS-DOS date and time.
func timeToMsDosTime(t time.Time) (uint16, uint16) {
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	fDate := uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	fTime := uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return fDate, fTime
}
