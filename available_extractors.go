// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"context"
	"io"
)

// init calculates the maximum header length
func init() {
	for _, ex := range availableExtractors {
		needs := ex.Offset
		for _, mb := range ex.MagicBytes {
			if len(mb)+ex.Offset > needs {
				needs = len(mb) + ex.Offset
			}
		}
		if needs > maxHeaderLength {
			maxHeaderLength = needs
		}
	}
}

// maxHeaderLength is the number of bytes that need to be peeked to detect a format.
var maxHeaderLength int

// processFunc extracts the already limited input src to dst. name is the
// base name of the input file, if known.
type processFunc func(ctx context.Context, t Target, dst string, src io.Reader, name string, cfg *Config, td *TelemetryData) error

// headerCheck is a function that checks if the given header matches the expected magic bytes.
type headerCheck func([]byte) bool

type availableExtractor struct {
	Process     processFunc
	HeaderCheck headerCheck
	MagicBytes  [][]byte
	Offset      int
}

// availableExtractors is the collection of formats that can be detected
// from their magic bytes
var availableExtractors = map[string]availableExtractor{
	fileExtensionGZip: {
		Process: func(ctx context.Context, t Target, dst string, src io.Reader, name string, cfg *Config, td *TelemetryData) error {
			return processGzip(ctx, t, src, dst, name, cfg, td, true)
		},
		HeaderCheck: isGZip,
		MagicBytes:  magicBytesGZip,
	},
	fileExtensionTar: {
		Process: func(ctx context.Context, t Target, dst string, src io.Reader, _ string, cfg *Config, td *TelemetryData) error {
			return withStaging(t, dst, cfg, func(dst string) error {
				return processTar(ctx, t, src, dst, cfg, td)
			})
		},
		HeaderCheck: isTar,
		MagicBytes:  magicBytesTar,
		Offset:      offsetTar,
	},
	fileExtensionZip: {
		Process: func(ctx context.Context, t Target, dst string, src io.Reader, _ string, cfg *Config, td *TelemetryData) error {
			return withStaging(t, dst, cfg, func(dst string) error {
				return processZip(ctx, t, src, dst, cfg, td)
			})
		},
		HeaderCheck: isZip,
		MagicBytes:  magicBytesZip,
	},
}
