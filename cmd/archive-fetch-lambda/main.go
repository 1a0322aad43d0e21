// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Command archive-fetch-lambda is an AWS Lambda function that extracts archives
// uploaded to S3 while they are downloaded.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchevents"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	archive "github.com/hashicorp/go-archive"
	"github.com/hashicorp/go-archive/fetch"
	"github.com/hashicorp/go-archive/telemetry/cloudwatch"
)

const (
	// envDestination is the directory the archives are extracted to
	envDestination = "ARCHIVE_DESTINATION"

	// envEventSource enables publishing telemetry to CloudWatch Events with this source
	envEventSource = "ARCHIVE_EVENT_SOURCE"

	defaultDestination = "/tmp/archives"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	awsCfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Error("cannot load aws config", "error", err)
		os.Exit(1)
	}

	h := &handler{
		fetcher: fetch.New(s3.NewFromConfig(awsCfg)),
		root:    defaultDestination,
		logger:  logger,
		opts:    []archive.ConfigOption{archive.WithStaging(true)},
	}
	if root := os.Getenv(envDestination); root != "" {
		h.root = root
	}
	if source := os.Getenv(envEventSource); source != "" {
		h.hook = cloudwatch.NewHook(cloudwatchevents.NewFromConfig(awsCfg), source, logger)
	}

	lambda.Start(h.handle)
}
