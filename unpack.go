// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"context"
	"fmt"
	"io"
)

// Unpack detects the format of src from its magic bytes and extracts it to dst.
// Zip archives and tar archives, plain or gzip compressed, are extracted below dst.
// Other gzip compressed content is decompressed into a single file, see [ExtractSingle].
// If the format cannot be detected, [ErrUnsupportedFormat] is returned.
func Unpack(ctx context.Context, dst string, src io.Reader, cfg *Config) error {
	cfg = orDefault(cfg)

	// prepare telemetry capturing
	td := &TelemetryData{Operation: OperationExtract}
	defer cfg.TelemetryHook()(ctx, td)
	defer captureExtractionDuration(td, now())

	// limit input size
	limitedReader := newLimitErrorReader(src, cfg.MaxInputSize())
	defer captureInputSize(td, limitedReader)

	// peek the header without consuming it
	headerReader, err := newHeaderReader(limitedReader, maxHeaderLength)
	if err != nil {
		return failCall(td, "cannot read header", classifyReadError("read header", "", err))
	}

	// find extractor
	header := headerReader.PeekHeader()
	for ext, ex := range availableExtractors {
		if !ex.HeaderCheck(header) {
			continue
		}
		cfg.Logger().Debug("detected format", "type", ext)
		td.ExtractedType = ext
		return ex.Process(ctx, cfg.Target(), dst, headerReader, inputName(src), cfg, td)
	}

	return failCall(td, "cannot detect format", fmt.Errorf("detect format: %w", ErrUnsupportedFormat))
}
