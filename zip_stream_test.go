// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive_test

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"testing"
	"testing/iotest"
	"time"

	archive "github.com/hashicorp/go-archive"
	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/require"
)

// readZipStream collects all entries of the stream as name to content.
func readZipStream(t *testing.T, r io.Reader) ([]string, map[string]string) {
	t.Helper()
	var names []string
	contents := make(map[string]string)

	cur := archive.NewZipStream(r)
	for {
		e, err := cur.Next()
		if err == io.EOF {
			return names, contents
		}
		require.NoError(t, err)

		data, err := io.ReadAll(e.Reader())
		require.NoError(t, err)
		names = append(names, e.Name())
		contents[e.Name()] = string(data)

		cur, err = e.Done()
		require.NoError(t, err)
	}
}

func TestZipStreamRoundTrip(t *testing.T) {
	data := buildZip(t)

	// a forward-only reader, that returns one byte per call
	names, contents := readZipStream(t, &forwardOnly{iotest.OneByteReader(bytes.NewReader(data))})

	require.Equal(t, []string{"foo/", "foo/bar.txt", "test"}, names)
	require.Equal(t, fooContent, contents["foo/bar.txt"])
	require.Equal(t, testContent, contents["test"])
	require.Empty(t, contents["foo/"])
}

func TestZipStreamEntryAttributes(t *testing.T) {
	cur := archive.NewZipStream(bytes.NewReader(buildZip(t)))

	dir, err := cur.Next()
	require.NoError(t, err)
	require.True(t, dir.IsDir())
	require.Equal(t, zip.Store, dir.Method())
	require.False(t, dir.Modified().IsZero())

	cur, err = dir.Done()
	require.NoError(t, err)

	file, err := cur.Next()
	require.NoError(t, err)
	require.False(t, file.IsDir())
	require.Equal(t, "foo/bar.txt", file.Name())
	require.Equal(t, zip.Deflate, file.Method())
	require.Equal(t, int64(len(fooContent)), file.Size())
	require.False(t, file.Modified().IsZero())
}

func TestZipStreamDoneSkipsBody(t *testing.T) {
	cur := archive.NewZipStream(bytes.NewReader(buildZip(t)))

	var names []string
	for {
		e, err := cur.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, e.Name())

		// the body is never read
		cur, err = e.Done()
		require.NoError(t, err)
	}
	require.Equal(t, []string{"foo/", "foo/bar.txt", "test"}, names)
}

func TestZipStreamDataDescriptor(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range []struct{ name, content string }{
		{"a.txt", "first entry"},
		{"empty", ""},
		{"dir/b.txt", "second entry"},
	} {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	names, contents := readZipStream(t, &forwardOnly{bytes.NewReader(buf.Bytes())})
	require.Equal(t, []string{"a.txt", "empty", "dir/b.txt"}, names)
	require.Equal(t, "first entry", contents["a.txt"])
	require.Equal(t, "", contents["empty"])
	require.Equal(t, "second entry", contents["dir/b.txt"])
}

func TestZipStreamDataDescriptorWithoutSignature(t *testing.T) {
	content := []byte("descriptor without signature")

	var body bytes.Buffer
	fw, err := flate.NewWriter(&body, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	descriptor := make([]byte, 12)
	binary.LittleEndian.PutUint32(descriptor[0:], crc32.ChecksumIEEE(content))
	binary.LittleEndian.PutUint32(descriptor[4:], uint32(body.Len()))
	binary.LittleEndian.PutUint32(descriptor[8:], uint32(len(content)))

	data := concat(
		rawZipEntry(localFileHeader{
			name:     "streamed.txt",
			flags:    0x8,
			method:   zip.Deflate,
			body:     body.Bytes(),
			trailing: descriptor,
		}),
		storedEntry("next.txt", "next"),
		endOfCentralDirectory(),
	)

	names, contents := readZipStream(t, bytes.NewReader(data))
	require.Equal(t, []string{"streamed.txt", "next.txt"}, names)
	require.Equal(t, string(content), contents["streamed.txt"])
	require.Equal(t, "next", contents["next.txt"])
}

func TestZipStreamPipedInfoZip(t *testing.T) {
	data := concat(
		streamedEntry(t, "foo/", ""),
		streamedEntry(t, "foo/bar.txt", fooContent),
		streamedEntry(t, "empty", ""),
		streamedEntry(t, "test", testContent),
		endOfCentralDirectory(),
	)

	names, contents := readZipStream(t, &forwardOnly{iotest.OneByteReader(bytes.NewReader(data))})
	require.Equal(t, []string{"foo/", "foo/bar.txt", "empty", "test"}, names)
	require.Equal(t, fooContent, contents["foo/bar.txt"])
	require.Equal(t, "", contents["empty"])
	require.Equal(t, testContent, contents["test"])
}

func TestZipStreamPipedInfoZipSize(t *testing.T) {
	data := concat(streamedEntry(t, "test", testContent), streamedEntry(t, "empty", ""))
	cur := archive.NewZipStream(bytes.NewReader(data))

	e, err := cur.Next()
	require.NoError(t, err)
	require.Equal(t, int64(len(testContent)), e.Size())

	// the body is skipped up to the descriptor
	cur, err = e.Done()
	require.NoError(t, err)

	e, err = cur.Next()
	require.NoError(t, err)
	require.Equal(t, int64(-1), e.Size())

	cur, err = e.Done()
	require.NoError(t, err)
	_, err = cur.Next()
	require.Equal(t, io.EOF, err)
}

func TestZipStreamDescriptorSizeMismatch(t *testing.T) {
	entry := streamedEntry(t, "test", testContent)

	// the uncompressed size in the local header disagrees with the descriptor
	binary.LittleEndian.PutUint32(entry[22:], uint32(len(testContent)+1))

	cur := archive.NewZipStream(bytes.NewReader(entry))
	e, err := cur.Next()
	require.NoError(t, err)

	_, err = io.ReadAll(e.Reader())
	require.ErrorIs(t, err, archive.ErrFormat)
	require.ErrorIs(t, err, zip.ErrFormat)
}

func TestZipStreamStaleCursor(t *testing.T) {
	data := concat(storedEntry("a", "hello"), storedEntry("b", "world"))
	cur := archive.NewZipStream(bytes.NewReader(data))

	e, err := cur.Next()
	require.NoError(t, err)

	// the cursor handed the stream to the entry
	_, err = cur.Next()
	require.ErrorIs(t, err, archive.ErrStaleCursor)

	r := e.Reader()
	next, err := e.Done()
	require.NoError(t, err)

	// the entry handed the stream to the next cursor
	_, err = e.Done()
	require.ErrorIs(t, err, archive.ErrStaleCursor)
	_, err = r.Read(make([]byte, 1))
	require.ErrorIs(t, err, archive.ErrStaleCursor)

	e, err = next.Next()
	require.NoError(t, err)
	require.Equal(t, "b", e.Name())
}

func TestZipStreamEnd(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		names []string
	}{
		{
			name:  "empty archive",
			input: endOfCentralDirectory(),
		},
		{
			name:  "entries without central directory",
			input: storedEntry("a", "hello"),
			names: []string{"a"},
		},
		{
			name:  "entries with end of central directory",
			input: concat(storedEntry("a", "hello"), endOfCentralDirectory()),
			names: []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names, _ := readZipStream(t, bytes.NewReader(tt.input))
			require.Equal(t, tt.names, names)
		})
	}
}

func TestZipStreamMalformedHeader(t *testing.T) {
	valid := storedEntry("a", "hello")

	tests := []struct {
		name  string
		input []byte
		cause error
	}{
		{
			name:  "empty input",
			input: nil,
		},
		{
			name:  "truncated signature",
			input: []byte("PK"),
		},
		{
			name:  "unknown signature",
			input: []byte("this is not a zip archive"),
			cause: zip.ErrFormat,
		},
		{
			name:  "truncated local header",
			input: valid[:12],
			cause: io.ErrUnexpectedEOF,
		},
		{
			name:  "truncated name",
			input: storedEntry("abcdef", "hello")[:32],
			cause: io.ErrUnexpectedEOF,
		},
		{
			name:  "invalid utf-8 name",
			input: storedEntry("\xff\xfe", "hello"),
		},
		{
			name:  "empty name",
			input: storedEntry("", "hello"),
		},
		{
			name: "encrypted entry",
			input: rawZipEntry(localFileHeader{
				name:  "secret",
				flags: 0x1,
				csize: 5,
				usize: 5,
				body:  []byte("xxxxx"),
			}),
		},
		{
			name: "unsupported method",
			input: rawZipEntry(localFileHeader{
				name:   "bzip2",
				method: 12,
				csize:  5,
				usize:  5,
				body:   []byte("xxxxx"),
			}),
			cause: zip.ErrAlgorithm,
		},
		{
			name: "stored entry without size",
			input: rawZipEntry(localFileHeader{
				name:   "stored",
				flags:  0x8,
				method: zip.Store,
				body:   []byte("xxxxx"),
			}),
		},
		{
			name: "truncated extra field",
			input: rawZipEntry(localFileHeader{
				name:  "extra",
				extra: []byte{0x01, 0x00, 0x10, 0x00, 0x00},
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := archive.NewZipStream(bytes.NewReader(tt.input))
			_, err := cur.Next()
			require.ErrorIs(t, err, archive.ErrFormat)
			require.NotErrorIs(t, err, archive.ErrStream)
			if tt.cause != nil {
				require.ErrorIs(t, err, tt.cause)
			}

			// the error is sticky
			_, err2 := cur.Next()
			require.Equal(t, err, err2)
		})
	}
}

func TestZipStreamMalformedBody(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		cause error
	}{
		{
			name: "checksum mismatch",
			input: rawZipEntry(localFileHeader{
				name:  "a",
				crc:   0xdeadbeef,
				csize: 5,
				usize: 5,
				body:  []byte("hello"),
			}),
			cause: zip.ErrChecksum,
		},
		{
			name: "larger than declared",
			input: rawZipEntry(localFileHeader{
				name:  "a",
				crc:   crc32.ChecksumIEEE([]byte("hello")),
				csize: 5,
				usize: 3,
				body:  []byte("hello"),
			}),
		},
		{
			name:  "truncated body",
			input: storedEntry("a", "hello world")[:30+1+4],
			cause: io.ErrUnexpectedEOF,
		},
		{
			name: "broken deflate stream",
			input: rawZipEntry(localFileHeader{
				name:   "a",
				method: zip.Deflate,
				csize:  4,
				usize:  4,
				body:   []byte{0xff, 0xff, 0xff, 0xff},
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := archive.NewZipStream(bytes.NewReader(tt.input))
			e, err := cur.Next()
			require.NoError(t, err)

			_, err = io.ReadAll(e.Reader())
			require.ErrorIs(t, err, archive.ErrFormat)
			if tt.cause != nil {
				require.ErrorIs(t, err, tt.cause)
			}

			// the failure is kept by the entry
			_, err = e.Done()
			require.ErrorIs(t, err, archive.ErrFormat)
		})
	}
}

func TestZipStreamVerifyOnDone(t *testing.T) {
	input := rawZipEntry(localFileHeader{
		name:  "a",
		crc:   0xdeadbeef,
		csize: 5,
		usize: 5,
		body:  []byte("hello"),
	})

	cur := archive.NewZipStream(bytes.NewReader(input))
	e, err := cur.Next()
	require.NoError(t, err)

	// the body is verified, even if it is not read
	_, err = e.Done()
	require.ErrorIs(t, err, archive.ErrFormat)
	require.ErrorIs(t, err, zip.ErrChecksum)
}

func TestZipStreamSourceError(t *testing.T) {
	failure := errors.New("connection reset")

	t.Run("between entries", func(t *testing.T) {
		cur := archive.NewZipStream(&failingReader{data: storedEntry("a", "hello"), err: failure})
		e, err := cur.Next()
		require.NoError(t, err)
		cur, err = e.Done()
		require.NoError(t, err)

		_, err = cur.Next()
		require.ErrorIs(t, err, archive.ErrStream)
		require.ErrorIs(t, err, failure)
	})

	t.Run("within entry", func(t *testing.T) {
		cur := archive.NewZipStream(&failingReader{data: storedEntry("a", "hello world")[:30+1+5], err: failure})
		e, err := cur.Next()
		require.NoError(t, err)

		_, err = io.ReadAll(e.Reader())
		require.ErrorIs(t, err, archive.ErrStream)
		require.ErrorIs(t, err, failure)
		require.NotErrorIs(t, err, archive.ErrFormat)
	})
}

func TestZipStreamNames(t *testing.T) {
	cur := archive.NewZipStream(bytes.NewReader(storedEntry(`dir\file.txt`, "content")))
	e, err := cur.Next()
	require.NoError(t, err)
	require.Equal(t, "dir/file.txt", e.Name())
}

func TestZipStreamZip64Extra(t *testing.T) {
	content := "zip64 sized entry"

	extra := make([]byte, 4+16)
	binary.LittleEndian.PutUint16(extra[0:], 0x0001)
	binary.LittleEndian.PutUint16(extra[2:], 16)
	binary.LittleEndian.PutUint64(extra[4:], uint64(len(content)))  // uncompressed
	binary.LittleEndian.PutUint64(extra[12:], uint64(len(content))) // compressed

	input := rawZipEntry(localFileHeader{
		name:  "big",
		crc:   crc32.ChecksumIEEE([]byte(content)),
		csize: 0xffffffff,
		usize: 0xffffffff,
		extra: extra,
		body:  []byte(content),
	})

	cur := archive.NewZipStream(bytes.NewReader(input))
	e, err := cur.Next()
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), e.Size())

	data, err := io.ReadAll(e.Reader())
	require.NoError(t, err)
	require.Equal(t, content, string(data))

	cur, err = e.Done()
	require.NoError(t, err)
	_, err = cur.Next()
	require.Equal(t, io.EOF, err)
}

func TestZipStreamExtendedTimestamp(t *testing.T) {
	modified := time.Date(2023, 4, 5, 6, 7, 9, 0, time.UTC)

	extra := make([]byte, 4+5)
	binary.LittleEndian.PutUint16(extra[0:], 0x5455)
	binary.LittleEndian.PutUint16(extra[2:], 5)
	extra[4] = 0x1
	binary.LittleEndian.PutUint32(extra[5:], uint32(modified.Unix()))

	input := rawZipEntry(localFileHeader{
		name:  "dated",
		crc:   crc32.ChecksumIEEE([]byte("x")),
		csize: 1,
		usize: 1,
		extra: extra,
		body:  []byte("x"),
	})

	cur := archive.NewZipStream(bytes.NewReader(input))
	e, err := cur.Next()
	require.NoError(t, err)
	require.True(t, modified.Equal(e.Modified()), "got %v, want %v", e.Modified(), modified)
}
