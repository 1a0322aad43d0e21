// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/aws/aws-lambda-go/events"
	archive "github.com/hashicorp/go-archive"
	"github.com/hashicorp/go-archive/fetch"
	"github.com/hashicorp/go-archive/telemetry"
	"github.com/pkg/errors"
)

// Result summarizes the extraction of one object.
type Result struct {
	Bucket         string `json:"bucket"`
	Key            string `json:"key"`
	Destination    string `json:"destination"`
	ExtractedFiles int64  `json:"extracted_files"`
	ExtractedDirs  int64  `json:"extracted_dirs"`
	ExtractionSize int64  `json:"extraction_size"`
	Error          string `json:"error,omitempty"`
}

// handler extracts every object of an S3 notification below root.
type handler struct {
	fetcher *fetch.Fetcher
	root    string
	logger  *slog.Logger
	hook    archive.TelemetryHook
	opts    []archive.ConfigOption
}

func (h *handler) handle(ctx context.Context, event events.S3Event) ([]Result, error) {
	var (
		results []Result
		failed  int
	)

	for _, record := range event.Records {
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			return results, errors.Wrapf(err, "decode key %q", record.S3.Object.Key)
		}

		res := Result{
			Bucket:      record.S3.Bucket.Name,
			Key:         key,
			Destination: fetch.DestinationFor(h.root, key),
		}

		// capture the telemetry of this object for the result
		var td archive.TelemetryData
		capture := func(ctx context.Context, d *archive.TelemetryData) { td = *d }
		opts := append([]archive.ConfigOption{
			archive.WithLogger(h.logger),
			archive.WithTelemetryHook(telemetry.Chain(capture, h.hook)),
		}, h.opts...)

		err = h.fetcher.Fetch(ctx, fetch.Request{
			Bucket:      res.Bucket,
			Key:         res.Key,
			Destination: res.Destination,
		}, archive.NewConfig(opts...))

		res.ExtractedFiles = td.ExtractedFiles
		res.ExtractedDirs = td.ExtractedDirs
		res.ExtractionSize = td.ExtractionSize
		if err != nil {
			failed++
			res.Error = err.Error()
			h.logger.ErrorContext(ctx, "extraction failed", "bucket", res.Bucket, "key", res.Key, "error", err)
		}
		results = append(results, res)
	}

	if failed > 0 {
		return results, errors.Errorf("%d of %d archives failed", failed, len(event.Records))
	}
	return results, nil
}
