// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package cloudwatch publishes telemetry data as CloudWatch Events.
package cloudwatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchevents"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchevents/types"
	archive "github.com/hashicorp/go-archive"
)

// DetailType is the detail type of the published events.
const DetailType = "go-archive telemetry"

// PutEventsAPI is the part of the CloudWatch Events client the hook needs.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *cloudwatchevents.PutEventsInput, optFns ...func(*cloudwatchevents.Options)) (*cloudwatchevents.PutEventsOutput, error)
}

// now is a function point that returns time.Now to the caller.
var now = time.Now

// NewHook returns a telemetry hook that publishes every [archive.TelemetryData] as
// one event with the given source. Publishing failures are logged with logger and
// never fail the call that produced the data.
func NewHook(client PutEventsAPI, source string, logger *slog.Logger) archive.TelemetryHook {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, d *archive.TelemetryData) {
		detail, err := json.Marshal(d)
		if err != nil {
			logger.WarnContext(ctx, "cannot encode telemetry data", "error", err)
			return
		}

		out, err := client.PutEvents(ctx, &cloudwatchevents.PutEventsInput{
			Entries: []types.PutEventsRequestEntry{
				{
					Source:     aws.String(source),
					DetailType: aws.String(DetailType),
					Detail:     aws.String(string(detail)),
					Time:       aws.Time(now()),
				},
			},
		})
		if err != nil {
			logger.WarnContext(ctx, "cannot publish telemetry data", "error", err)
			return
		}

		for _, e := range out.Entries {
			if e.ErrorCode != nil {
				logger.WarnContext(ctx, "telemetry event rejected", "code", aws.ToString(e.ErrorCode), "message", aws.ToString(e.ErrorMessage))
			}
		}
	}
}
