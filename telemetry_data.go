// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// OperationExtract marks telemetry data of an extraction call.
	OperationExtract = "extract"

	// OperationBuild marks telemetry data of a build call.
	OperationBuild = "build"
)

// TelemetryData holds all telemetry data of an extraction or build call.
type TelemetryData struct {
	// Operation is either [OperationExtract] or [OperationBuild]
	Operation string `json:"operation"`

	// ExtractedDirs is the number of processed directories
	ExtractedDirs int64 `json:"extracted_dirs"`

	// ExtractionDuration is the time the call took
	ExtractionDuration time.Duration `json:"extraction_duration"`

	// ExtractionErrors is the number of errors during the call
	ExtractionErrors int64 `json:"extraction_errors"`

	// ExtractedFiles is the number of processed files
	ExtractedFiles int64 `json:"extracted_files"`

	// ExtractionSize is the uncompressed size of the processed files
	ExtractionSize int64 `json:"extraction_size"`

	// ExtractedType is the type of the archive
	ExtractedType string `json:"extracted_type"`

	// InputSize is the number of bytes read from the input (extraction)
	// or written to the output (build)
	InputSize int64 `json:"input_size"`

	// LastExtractionError is the last error during the call
	LastExtractionError error `json:"last_extraction_error"`

	// PatternMismatches is the number of skipped files
	PatternMismatches int64 `json:"pattern_mismatches"`

	// UnsupportedFiles is the number of skipped unsupported files
	UnsupportedFiles int64 `json:"unsupported_files"`

	// LastUnsupportedFile is the last skipped unsupported file
	LastUnsupportedFile string `json:"last_unsupported_file"`
}

// String returns a string representation of [TelemetryData].
func (m TelemetryData) String() string {
	b, _ := json.Marshal(m)
	return string(b)
}

// MarshalJSON implements the [encoding/json.Marshaler] interface.
func (m TelemetryData) MarshalJSON() ([]byte, error) {
	var lastError string
	if m.LastExtractionError != nil {
		lastError = m.LastExtractionError.Error()
	}

	type Alias TelemetryData
	return json.Marshal(&struct {
		LastExtractionError string `json:"last_extraction_error"`
		*Alias
	}{
		LastExtractionError: lastError,
		Alias:               (*Alias)(&m),
	})
}

// TelemetryHook is a function type that performs operations on [TelemetryData]
// after a call has finished which can be used to submit the [TelemetryData]
// to a telemetry service, for example.
type TelemetryHook func(context.Context, *TelemetryData)

// now is a function point that returns time.Now to the caller.
var now = time.Now

// captureExtractionDuration captures the duration of the call
func captureExtractionDuration(td *TelemetryData, start time.Time) {
	td.ExtractionDuration = now().Sub(start)
}

// captureInputSize captures the input size of the extraction
func captureInputSize(td *TelemetryData, ler *limitErrorReader) {
	td.InputSize = ler.ReadBytes()
}
