// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package archive extracts and builds gzip files, gzip compressed tar archives and
// zip archives while reading the input as a forward-only stream.
//
// Zip archives are decoded from their local file headers with [ZipStream], so an
// archive can be extracted while it is downloaded. Every entry is checked to stay
// below the destination before anything is written.
//
// Configuration is done using the [Config], which can be used to set the limits, the
// logger, the [Target] and the telemetry hook. [TelemetryData] is captured for every
// call and handed to the hook once the call finished.
package archive
