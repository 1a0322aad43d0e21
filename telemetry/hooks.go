// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package telemetry

import (
	"context"
	"log/slog"

	archive "github.com/hashicorp/go-archive"
)

// NoopHook is a no operation telemetry hook.
func NoopHook(ctx context.Context, d *archive.TelemetryData) {
	// noop
}

// LogHook returns a hook that logs the telemetry data with level info, or
// with level error if the call failed.
func LogHook(logger *slog.Logger) archive.TelemetryHook {
	return func(ctx context.Context, d *archive.TelemetryData) {
		if d.LastExtractionError != nil {
			logger.ErrorContext(ctx, d.Operation+" failed", "telemetry", d)
			return
		}
		logger.InfoContext(ctx, d.Operation+" finished", "telemetry", d)
	}
}

// Chain returns a hook that calls all non-nil hooks in order.
func Chain(hooks ...archive.TelemetryHook) archive.TelemetryHook {
	var active []archive.TelemetryHook
	for _, h := range hooks {
		if h != nil {
			active = append(active, h)
		}
	}

	switch len(active) {
	case 0:
		return NoopHook
	case 1:
		return active[0]
	}

	return func(ctx context.Context, d *archive.TelemetryData) {
		for _, h := range active {
			h(ctx, d)
		}
	}
}
