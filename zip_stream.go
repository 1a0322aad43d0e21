// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"archive/zip"
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
)

// zip record signatures and layout
const (
	zipLocalHeaderSignature              = 0x04034b50
	zipCentralDirectorySignature         = 0x02014b50
	zipEndOfCentralDirectorySignature    = 0x06054b50
	zip64EndOfCentralDirectorySignature  = 0x06064b50
	zip64EndOfCentralDirLocatorSignature = 0x07064b50
	zipDataDescriptorSignature           = 0x08074b50

	zipLocalHeaderLen = 26 // fixed part after the signature

	zipFlagEncrypted      = 0x1
	zipFlagDataDescriptor = 0x8
	zipFlagUTF8           = 0x800

	zip64ExtraID             = 0x0001
	zipExtendedTimestampID   = 0x5455
	zipUint32Max             = 0xffffffff
	zipUnknownUncompressSize = -1
)

// zipLocalHeader is the decoded local file header of an entry.
type zipLocalHeader struct {
	flags            uint16
	method           uint16
	modified         time.Time
	crc32            uint32
	compressedSize   uint64
	uncompressedSize uint64
	zip64            bool
	name             string
}

// zipState is the input shared by all cursors of one zip stream.
type zipState struct {
	r       *bufio.Reader
	records int
	done    bool
	err     error
}

// ZipStream decodes a zip archive from a forward-only stream by following the
// local file headers. It never seeks and never reads the central directory,
// which is treated as the end of the archive.
//
// A ZipStream is a cursor that is positioned before the next entry. Calling
// [ZipStream.Next] hands the stream over to the returned [ZipEntry], which
// hands it back through [ZipEntry.Done]. Cursors and entries that handed the
// stream on return [ErrStaleCursor].
type ZipStream struct {
	s     *zipState
	stale bool
}

// NewZipStream returns a cursor positioned before the first entry of r.
// The stream is only read, never closed.
func NewZipStream(r io.Reader) *ZipStream {
	return newZipStream(newLimitErrorReader(r, -1))
}

// newZipStream expects r to tag its own failures as stream errors.
func newZipStream(r io.Reader) *ZipStream {
	return &ZipStream{s: &zipState{r: bufio.NewReader(r)}}
}

// Next reads the next local file header. It returns io.EOF once the central
// directory, the end of central directory record, or the end of the input at
// a record boundary is reached.
func (z *ZipStream) Next() (*ZipEntry, error) {
	if z.stale {
		return nil, ErrStaleCursor
	}
	s := z.s
	if s.err != nil {
		return nil, s.err
	}
	if s.done {
		return nil, io.EOF
	}

	// read record signature
	var sig [4]byte
	if _, err := io.ReadFull(s.r, sig[:]); err != nil {
		switch {
		case err == io.EOF && s.records > 0:
			s.done = true
			return nil, io.EOF
		case err == io.EOF:
			return nil, s.fail(formatError("read signature", "", errors.New("empty input")))
		case err == io.ErrUnexpectedEOF:
			return nil, s.fail(formatError("read signature", "", errors.New("truncated record signature")))
		}
		return nil, s.fail(classifyReadError("read signature", "", err))
	}
	s.records++

	switch signature := binary.LittleEndian.Uint32(sig[:]); signature {
	case zipLocalHeaderSignature:
	case zipCentralDirectorySignature,
		zipEndOfCentralDirectorySignature,
		zip64EndOfCentralDirectorySignature,
		zip64EndOfCentralDirLocatorSignature:
		s.done = true
		return nil, io.EOF
	default:
		return nil, s.fail(formatError("read signature", "", fmt.Errorf("unexpected signature 0x%08x: %w", signature, zip.ErrFormat)))
	}

	h, err := readLocalHeader(s.r)
	if err != nil {
		return nil, s.fail(err)
	}

	e, err := newZipEntry(s, h)
	if err != nil {
		return nil, s.fail(err)
	}

	z.stale = true
	return e, nil
}

// fail makes err sticky for all following cursors.
func (s *zipState) fail(err error) error {
	s.err = err
	return err
}

// readLocalHeader parses the fixed part of a local file header, the name and the extra field.
func readLocalHeader(r io.Reader) (*zipLocalHeader, error) {
	var buf [zipLocalHeaderLen]byte
	if err := readFull(r, buf[:], "read local header", ""); err != nil {
		return nil, err
	}

	b := readBuf(buf[:])
	_ = b.uint16() // version needed to extract
	h := &zipLocalHeader{}
	h.flags = b.uint16()
	h.method = b.uint16()
	modTime := b.uint16()
	modDate := b.uint16()
	h.crc32 = b.uint32()
	h.compressedSize = uint64(b.uint32())
	h.uncompressedSize = uint64(b.uint32())
	nameLen := int(b.uint16())
	extraLen := int(b.uint16())

	name := make([]byte, nameLen)
	if err := readFull(r, name, "read entry name", ""); err != nil {
		return nil, err
	}
	extra := make([]byte, extraLen)
	if err := readFull(r, extra, "read extra field", string(name)); err != nil {
		return nil, err
	}

	// names must be valid UTF-8, whether flagged or not
	if !utf8.Valid(name) {
		return nil, formatError("read entry name", "", fmt.Errorf("name is not valid UTF-8: %q", name))
	}
	h.name = strings.ReplaceAll(string(name), `\`, "/")
	if h.name == "" {
		return nil, formatError("read entry name", "", errors.New("empty name"))
	}

	if modDate != 0 || modTime != 0 {
		h.modified = msDosTimeToTime(modDate, modTime)
	}

	if err := h.parseExtra(extra); err != nil {
		return nil, err
	}
	return h, nil
}

// parseExtra reads the zip64 sizes and the extended timestamp from the extra field.
func (h *zipLocalHeader) parseExtra(extra []byte) error {
	b := readBuf(extra)
	for len(b) >= 4 {
		id := b.uint16()
		size := int(b.uint16())
		if len(b) < size {
			return formatError("read extra field", h.name, errors.New("truncated extra field"))
		}
		field := b.sub(size)

		switch id {
		case zip64ExtraID:
			h.zip64 = true

			// the fields are only present if the 32-bit header value is saturated
			if h.uncompressedSize == zipUint32Max {
				if len(field) < 8 {
					return formatError("read zip64 extra", h.name, zip.ErrFormat)
				}
				h.uncompressedSize = field.uint64()
			}
			if h.compressedSize == zipUint32Max {
				if len(field) < 8 {
					return formatError("read zip64 extra", h.name, zip.ErrFormat)
				}
				h.compressedSize = field.uint64()
			}

		case zipExtendedTimestampID:
			if len(field) < 5 {
				continue
			}
			if flags := field.uint8(); flags&0x1 == 0 {
				continue
			}
			h.modified = time.Unix(int64(field.uint32()), 0)
		}
	}
	return nil
}

// readFull reads len(p) bytes, a premature end of the input is a format error.
func readFull(r io.Reader, p []byte, op, name string) error {
	if _, err := io.ReadFull(r, p); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return formatError(op, name, fmt.Errorf("truncated record: %w", io.ErrUnexpectedEOF))
		}
		return classifyReadError(op, name, err)
	}
	return nil
}

// msDosTimeToTime converts an MS-DOS date and time into a time.Time.
// The resolution is 2s.
func msDosTimeToTime(dosDate, dosTime uint16) time.Time {
	return time.Date(
		int(dosDate>>9+1980),
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f*2),
		0,
		time.UTC,
	)
}

// ZipEntry is a zip entry whose header has been read. It owns the stream
// until [ZipEntry.Done] is called.
type ZipEntry struct {
	s      *zipState
	h      *zipLocalHeader
	stale  bool
	sized  bool // the uncompressed size is known from the header
	region *io.LimitedReader
	flate  io.ReadCloser
	src    io.Reader
	crc    hash.Hash32
	n      uint64
	eof    bool
	err    error
}

func newZipEntry(s *zipState, h *zipLocalHeader) (*ZipEntry, error) {
	if h.flags&zipFlagEncrypted != 0 {
		return nil, formatError("open entry", h.name, errors.New("encrypted entries are not supported"))
	}

	// with a data descriptor, a size of 0 in the header means unknown
	e := &ZipEntry{s: s, h: h, crc: crc32.NewIEEE()}
	descriptor := h.flags&zipFlagDataDescriptor != 0
	e.sized = !descriptor || h.uncompressedSize != 0

	switch h.method {
	case zip.Store:
		if descriptor && h.compressedSize == 0 && !e.IsDir() {
			empty, err := atRecordBoundary(s.r)
			if err != nil {
				return nil, classifyReadError("open entry", h.name, err)
			}
			if !empty {
				return nil, formatError("open entry", h.name, errors.New("stored entry without known size"))
			}
		}
		e.region = &io.LimitedReader{R: s.r, N: int64(h.compressedSize)}
		e.src = e.region

	case zip.Deflate:
		if descriptor {
			// the buffered reader is an io.ByteReader, so the decompressor
			// stops exactly at the end of the deflate stream
			e.flate = flate.NewReader(s.r)
		} else {
			e.region = &io.LimitedReader{R: s.r, N: int64(h.compressedSize)}
			e.flate = flate.NewReader(e.region)
		}
		e.src = e.flate

	default:
		return nil, formatError("open entry", h.name, fmt.Errorf("unsupported compression method %d: %w", h.method, zip.ErrAlgorithm))
	}
	return e, nil
}

// atRecordBoundary reports whether r continues with a data descriptor or the
// next record, without consuming anything.
func atRecordBoundary(r *bufio.Reader) (bool, error) {
	sig, err := r.Peek(4)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch binary.LittleEndian.Uint32(sig) {
	case zipDataDescriptorSignature,
		zipLocalHeaderSignature,
		zipCentralDirectorySignature,
		zipEndOfCentralDirectorySignature:
		return true, nil
	}
	return false, nil
}

// Name returns the relative path of the entry with forward slashes.
func (e *ZipEntry) Name() string {
	return e.h.name
}

// IsDir reports whether the entry is a directory.
func (e *ZipEntry) IsDir() bool {
	return strings.HasSuffix(e.h.name, "/")
}

// Method returns the compression method.
func (e *ZipEntry) Method() uint16 {
	return e.h.method
}

// Modified returns the modification time, or the zero time if it is not set.
func (e *ZipEntry) Modified() time.Time {
	return e.h.modified
}

// Size returns the uncompressed size, or -1 if it follows the body.
func (e *ZipEntry) Size() int64 {
	if !e.sized {
		return zipUnknownUncompressSize
	}
	return int64(e.h.uncompressedSize)
}

// Reader returns the decompressed body. Checksum and size are verified when the
// body reaches io.EOF. The reader is invalid after [ZipEntry.Done].
func (e *ZipEntry) Reader() io.Reader {
	return zipEntryReader{e}
}

type zipEntryReader struct {
	e *ZipEntry
}

func (r zipEntryReader) Read(p []byte) (int, error) {
	return r.e.read(p)
}

func (e *ZipEntry) read(p []byte) (int, error) {
	switch {
	case e.stale:
		return 0, ErrStaleCursor
	case e.err != nil:
		return 0, e.err
	case e.eof:
		return 0, io.EOF
	}

	n, err := e.src.Read(p)
	e.crc.Write(p[:n])
	e.n += uint64(n)

	if e.sized && e.n > e.h.uncompressedSize {
		e.err = formatError("read entry", e.h.name, fmt.Errorf("entry is larger than declared %d bytes", e.h.uncompressedSize))
		return n, e.err
	}

	switch {
	case err == io.EOF:
		if err := e.finish(); err != nil {
			e.err = err
			return n, err
		}
		e.eof = true
		return n, io.EOF
	case err != nil:
		if err == io.ErrUnexpectedEOF {
			err = fmt.Errorf("truncated entry: %w", err)
		}
		e.err = classifyReadError("read entry", e.h.name, err)
		return n, e.err
	}
	return n, nil
}

// finish reads the data descriptor, if any, and verifies checksum and size.
func (e *ZipEntry) finish() error {
	if e.h.method == zip.Store && e.region.N > 0 {
		return formatError("read entry", e.h.name, fmt.Errorf("truncated entry: %w", io.ErrUnexpectedEOF))
	}

	if e.h.flags&zipFlagDataDescriptor != 0 {
		if err := e.readDataDescriptor(); err != nil {
			return err
		}
	}

	if e.n != e.h.uncompressedSize {
		return formatError("verify entry", e.h.name, fmt.Errorf("size mismatch: got %d, expected %d: %w", e.n, e.h.uncompressedSize, zip.ErrFormat))
	}
	if e.h.crc32 != 0 && e.crc.Sum32() != e.h.crc32 {
		return formatError("verify entry", e.h.name, zip.ErrChecksum)
	}
	return nil
}

// readDataDescriptor reads the descriptor that follows the body. Its
// signature is optional.
func (e *ZipEntry) readDataDescriptor() error {

	// sized entries are fully consumed before the descriptor
	if e.region != nil && e.region.N > 0 {
		if _, err := io.Copy(io.Discard, e.region); err != nil {
			return classifyReadError("read entry", e.h.name, err)
		}
	}

	sizeLen := 4
	if e.h.zip64 {
		sizeLen = 8
	}

	var buf [4 + 4 + 8 + 8]byte
	if err := readFull(e.s.r, buf[:4], "read data descriptor", e.h.name); err != nil {
		return err
	}
	b := readBuf(buf[:4])
	crc := b.uint32()
	if crc == zipDataDescriptorSignature {
		if err := readFull(e.s.r, buf[:4], "read data descriptor", e.h.name); err != nil {
			return err
		}
		b = readBuf(buf[:4])
		crc = b.uint32()
	}

	sizes := buf[4 : 4+2*sizeLen]
	if err := readFull(e.s.r, sizes, "read data descriptor", e.h.name); err != nil {
		return err
	}
	b = readBuf(sizes)
	var compressed, uncompressed uint64
	if e.h.zip64 {
		compressed, uncompressed = b.uint64(), b.uint64()
	} else {
		compressed, uncompressed = uint64(b.uint32()), uint64(b.uint32())
	}

	// sizes in the header are optional, but must match if present
	if (e.h.compressedSize != 0 && compressed != e.h.compressedSize) ||
		(e.h.uncompressedSize != 0 && uncompressed != e.h.uncompressedSize) {
		return formatError("read data descriptor", e.h.name, fmt.Errorf("sizes do not match local header: %w", zip.ErrFormat))
	}
	e.h.crc32 = crc
	e.h.compressedSize = compressed
	e.h.uncompressedSize = uncompressed
	return nil
}

// Done drains the remaining body, verifies it and hands the stream on to the
// returned cursor. The entry and its reader are invalid afterwards.
func (e *ZipEntry) Done() (*ZipStream, error) {
	if e.stale {
		return nil, ErrStaleCursor
	}

	// drain and verify the body
	if !e.eof && e.err == nil {
		if _, err := io.Copy(io.Discard, e.Reader()); err != nil {
			e.err = err
		}
	}
	e.stale = true
	if e.flate != nil {
		e.flate.Close()
	}
	if e.err != nil {
		return nil, e.s.fail(e.err)
	}

	// skip what is left of the compressed region
	if e.region != nil && e.region.N > 0 {
		if _, err := io.Copy(io.Discard, e.region); err != nil {
			return nil, e.s.fail(classifyReadError("skip entry", e.h.name, err))
		}
		if e.region.N > 0 {
			return nil, e.s.fail(formatError("skip entry", e.h.name, fmt.Errorf("truncated entry: %w", io.ErrUnexpectedEOF)))
		}
	}

	return &ZipStream{s: e.s}, nil
}

// readBuf is a little-endian cursor over a byte slice.
type readBuf []byte

func (b *readBuf) uint8() uint8 {
	v := (*b)[0]
	*b = (*b)[1:]
	return v
}

func (b *readBuf) uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *readBuf) uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

func (b *readBuf) uint64() uint64 {
	v := binary.LittleEndian.Uint64(*b)
	*b = (*b)[8:]
	return v
}

func (b *readBuf) sub(n int) readBuf {
	b2 := (*b)[:n]
	*b = (*b)[n:]
	return b2
}
