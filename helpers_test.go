// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	archive "github.com/hashicorp/go-archive"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

const (
	testContent = "Hello world."
	fooContent  = "Foo bar."
)

// createTestTree creates the directory tree used by most tests:
//
//	test          "Hello world."
//	foo/bar.txt   "Foo bar."
func createTestTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test"), []byte(testContent), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "foo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo", "bar.txt"), []byte(fooContent), 0o644))
	return dir
}

// requireTestTree checks that dir contains the tree of createTestTree.
func requireTestTree(t *testing.T, dir string) {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(dir, "test"))
	require.NoError(t, err)
	require.Equal(t, testContent, string(content))

	content, err = os.ReadFile(filepath.Join(dir, "foo", "bar.txt"))
	require.NoError(t, err)
	require.Equal(t, fooContent, string(content))
}

// forwardOnly hides every interface of the wrapped reader but io.Reader.
type forwardOnly struct {
	r io.Reader
}

func (f *forwardOnly) Read(p []byte) (int, error) {
	return f.r.Read(p)
}

// failingReader returns data and then err.
type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

// failingWriter fails every write.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (int, error) {
	return 0, f.err
}

// buildZip returns the zip archive of the test tree.
func buildZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, archive.WriteZip(context.Background(), &buf, createTestTree(t), nil))
	return buf.Bytes()
}

// buildTarGz returns the tar.gz archive of the test tree.
func buildTarGz(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, archive.WriteTar(context.Background(), &buf, createTestTree(t), nil))
	return buf.Bytes()
}

// tarEntry describes an entry written by createTar.
type tarEntry struct {
	name     string
	typeflag byte
	content  string
	linkname string
	mode     int64
}

// createTar writes the entries as tar archive, gzip compressed if compress is set.
func createTar(t *testing.T, compress bool, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.Writer = &buf
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(&buf)
		w = zw
	}

	tw := tar.NewWriter(w)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     mode,
			Size:     int64(len(e.content)),
			ModTime:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		if e.typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	if zw != nil {
		require.NoError(t, zw.Close())
	}
	return buf.Bytes()
}

// localFileHeader describes a zip local file header written by rawZipEntry.
type localFileHeader struct {
	name     string
	flags    uint16
	method   uint16
	crc      uint32
	csize    uint32
	usize    uint32
	extra    []byte
	body     []byte
	trailing []byte
}

// rawZipEntry encodes a local file header followed by body and trailing bytes.
func rawZipEntry(h localFileHeader) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&buf, le, uint32(0x04034b50))
	_ = binary.Write(&buf, le, uint16(20)) // version
	_ = binary.Write(&buf, le, h.flags)
	_ = binary.Write(&buf, le, h.method)
	_ = binary.Write(&buf, le, uint16(0)) // time
	_ = binary.Write(&buf, le, uint16(0)) // date
	_ = binary.Write(&buf, le, h.crc)
	_ = binary.Write(&buf, le, h.csize)
	_ = binary.Write(&buf, le, h.usize)
	_ = binary.Write(&buf, le, uint16(len(h.name)))
	_ = binary.Write(&buf, le, uint16(len(h.extra)))
	buf.WriteString(h.name)
	buf.Write(h.extra)
	buf.Write(h.body)
	buf.Write(h.trailing)
	return buf.Bytes()
}

// storedEntry returns a stored zip entry with correct checksum and sizes.
func storedEntry(name, content string) []byte {
	return rawZipEntry(localFileHeader{
		name:  name,
		crc:   crc32.ChecksumIEEE([]byte(content)),
		csize: uint32(len(content)),
		usize: uint32(len(content)),
		body:  []byte(content),
	})
}

// streamedEntry returns an entry as written by Info-ZIP to a pipe: a data
// descriptor with signature follows the body, the local header carries no
// checksum and no compressed size. Files are deflated and carry the
// uncompressed size, empty files and directories are stored with no sizes.
func streamedEntry(t *testing.T, name, content string) []byte {
	t.Helper()
	h := localFileHeader{name: name, flags: 0x8}

	if content != "" {
		var body bytes.Buffer
		fw, err := flate.NewWriter(&body, flate.DefaultCompression)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, fw.Close())

		h.method = 8
		h.usize = uint32(len(content))
		h.body = body.Bytes()
	}
	h.trailing = dataDescriptor(crc32.ChecksumIEEE([]byte(content)), uint32(len(h.body)), uint32(len(content)))
	return rawZipEntry(h)
}

// dataDescriptor encodes a data descriptor with signature.
func dataDescriptor(crc, csize, usize uint32) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], 0x08074b50)
	binary.LittleEndian.PutUint32(b[4:], crc)
	binary.LittleEndian.PutUint32(b[8:], csize)
	binary.LittleEndian.PutUint32(b[12:], usize)
	return b
}

// endOfCentralDirectory returns an empty end of central directory record.
func endOfCentralDirectory() []byte {
	b := make([]byte, 22)
	binary.LittleEndian.PutUint32(b, 0x06054b50)
	return b
}

// concat joins byte slices.
func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}
