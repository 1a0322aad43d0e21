// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package telemetry provides [archive.TelemetryHook] implementations that consume
// the telemetry data captured during a build or extraction call.
//
// The cloudwatch sub-package publishes the data as CloudWatch Events.
package telemetry
