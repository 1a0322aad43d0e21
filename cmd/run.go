// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchevents"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	archive "github.com/hashicorp/go-archive"
	"github.com/hashicorp/go-archive/fetch"
	"github.com/hashicorp/go-archive/telemetry"
	"github.com/hashicorp/go-archive/telemetry/cloudwatch"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// CLI are the cli parameters for the goarchive binary
type CLI struct {
	Extract ExtractCmd `cmd:"" help:"Extract an archive."`
	Build   BuildCmd   `cmd:"" help:"Build one or more archives from a file or directory."`
	Fetch   FetchCmd   `cmd:"" help:"Extract an archive from S3 while it is downloaded."`

	CompressionLevel  int              `optional:"" default:"-1" help:"Compression level for builds (-2: huffman only, -1: default, 0-9)."`
	ContinueOnError   bool             `short:"C" help:"Continue extraction on error."`
	ContinueOnUnsup   bool             `name:"continue-on-unsupported" help:"Skip unsupported entries instead of failing."`
	CreateDestination bool             `short:"c" negatable:"" default:"true" help:"Create destination directory if it does not exist."`
	DropAttributes    bool             `short:"D" name:"drop-attributes" help:"Do not restore permissions and modification times."`
	FollowSymlinks    bool             `short:"F" help:"[Dangerous!] Follow symlinks to directories during extraction."`
	MaxFiles          int64            `optional:"" default:"100000" help:"Maximum files that are extracted before stop. (disable check: -1)"`
	MaxExtractionSize int64            `optional:"" default:"1073741824" help:"Maximum extraction size that allowed is (in bytes). (disable check: -1)"`
	MaxExtractionTime int64            `optional:"" default:"60" help:"Maximum time that an extraction should take (in seconds). (disable check: -1)"`
	MaxInputSize      int64            `optional:"" default:"1073741824" help:"Maximum input size that allowed is (in bytes). (disable check: -1)"`
	Overwrite         bool             `short:"O" negatable:"" default:"true" help:"Overwrite if exist."`
	Pattern           []string         `short:"P" optional:"" name:"pattern" help:"Extract only entries matching the pattern (can be given multiple times)."`
	Staging           bool             `short:"S" help:"Extract into a staging directory first, leave the destination untouched on failure."`
	Telemetry         bool             `short:"T" optional:"" default:"false" help:"Print telemetry data to log after the call."`
	TelemetrySource   string           `name:"cloudwatch-source" optional:"" help:"Publish telemetry data as CloudWatch Events with this source."`
	Verbose           bool             `short:"v" optional:"" help:"Verbose logging."`
	Version           kong.VersionFlag `short:"V" optional:"" help:"Print release version information."`
}

// ExtractCmd extracts an archive from a file or STDIN.
type ExtractCmd struct {
	Archive     string `arg:"" name:"archive" help:"Path to archive. (\"-\" for STDIN)"`
	Destination string `arg:"" name:"destination" default:"." help:"Output directory/file."`
	Format      string `short:"f" optional:"" help:"Archive format (gz, tar.gz, zip). Detected from the content if empty."`
}

// BuildCmd builds archives, the format of each output is derived from its extension.
type BuildCmd struct {
	Source  string   `arg:"" name:"source" help:"File (gz) or directory (tar.gz, zip) to archive."`
	Outputs []string `arg:"" name:"output" help:"Archives to create, the format is taken from the file extension."`
}

// FetchCmd extracts an archive from S3.
type FetchCmd struct {
	URL         string `arg:"" name:"url" help:"Location of the archive (s3://bucket/key)."`
	Destination string `arg:"" name:"destination" default:"." help:"Output directory."`
	Format      string `short:"f" optional:"" help:"Archive format (gz, tar.gz, zip). Detected from the content if empty."`
	Endpoint    string `optional:"" name:"s3-endpoint" help:"Custom S3 endpoint."`
	PathStyle   bool   `optional:"" name:"s3-path-style" help:"Use path style S3 addressing."`
}

// runContext is handed to the commands.
type runContext struct {
	ctx    context.Context
	cfg    *archive.Config
	logger *slog.Logger
	awsCfg func() (aws.Config, error)
}

// Run the entrypoint into go-archive as a cli tool
func Run(version, commit, date string) {
	ctx := context.Background()
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("goarchive"),
		kong.Description("A secure, streaming archive utility"),
		kong.UsageOnError(),
		kong.Vars{
			"version": fmt.Sprintf("%s (%s), commit %s, built at %s", filepath.Base(os.Args[0]), version, commit, date),
		},
	)

	// Check for verbose output
	logLevel := slog.LevelError
	if cli.Verbose {
		logLevel = slog.LevelDebug
	}

	// setup logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// check for time limit
	if cli.MaxExtractionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Second*time.Duration(cli.MaxExtractionTime))
		defer cancel()
	}

	rc := &runContext{ctx: ctx, logger: logger, awsCfg: loadAWSConfig(ctx)}

	// setup telemetry hooks
	var hooks []archive.TelemetryHook
	if cli.Telemetry {
		hooks = append(hooks, telemetry.LogHook(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	}
	if cli.TelemetrySource != "" {
		awsCfg, err := rc.awsCfg()
		kctx.FatalIfErrorf(err)
		hooks = append(hooks, cloudwatch.NewHook(cloudwatchevents.NewFromConfig(awsCfg), cli.TelemetrySource, logger))
	}

	// process cli params
	rc.cfg = archive.NewConfig(
		archive.WithCompressionLevel(cli.CompressionLevel),
		archive.WithContinueOnError(cli.ContinueOnError),
		archive.WithContinueOnUnsupportedFiles(cli.ContinueOnUnsup),
		archive.WithCreateDestination(cli.CreateDestination),
		archive.WithDropFileAttributes(cli.DropAttributes),
		archive.WithInsecureTraverseSymlinks(cli.FollowSymlinks),
		archive.WithLogger(logger),
		archive.WithMaxExtractionSize(cli.MaxExtractionSize),
		archive.WithMaxFiles(cli.MaxFiles),
		archive.WithMaxInputSize(cli.MaxInputSize),
		archive.WithOverwrite(cli.Overwrite),
		archive.WithPatterns(cli.Pattern...),
		archive.WithStaging(cli.Staging),
		archive.WithTelemetryHook(telemetry.Chain(hooks...)),
	)

	kctx.FatalIfErrorf(kctx.Run(rc))
}

// loadAWSConfig returns a function that loads the default aws config once.
func loadAWSConfig(ctx context.Context) func() (aws.Config, error) {
	var (
		cfg    aws.Config
		err    error
		loaded bool
	)
	return func() (aws.Config, error) {
		if !loaded {
			cfg, err = config.LoadDefaultConfig(ctx)
			loaded = true
		}
		return cfg, errors.Wrap(err, "load aws config")
	}
}

// Run extracts the archive.
func (e *ExtractCmd) Run(rc *runContext) error {

	// open archive
	var src io.Reader
	if e.Archive == "-" {
		src = bufio.NewReader(os.Stdin)
	} else {
		f, err := os.Open(e.Archive)
		if err != nil {
			return errors.Wrap(err, "opening archive failed")
		}
		defer f.Close()
		src = f
	}

	// extract archive
	if e.Format == "" {
		return errors.Wrap(archive.Unpack(rc.ctx, e.Destination, src, rc.cfg), "error during extraction")
	}
	format, err := archive.ParseFormat(e.Format)
	if err != nil {
		return err
	}
	return errors.Wrap(archive.Extract(rc.ctx, format, e.Destination, src, rc.cfg), "error during extraction")
}

// Run builds all outputs concurrently.
func (b *BuildCmd) Run(rc *runContext) error {
	formats := make([]archive.Format, len(b.Outputs))
	for i, out := range b.Outputs {
		format, err := archive.FormatFromName(out)
		if err != nil {
			return err
		}
		formats[i] = format
	}

	g, ctx := errgroup.WithContext(rc.ctx)
	for i, out := range b.Outputs {
		out, format := out, formats[i]
		g.Go(func() error {
			rc.logger.Debug("build", "output", out, "format", format)
			return errors.Wrapf(archive.Build(ctx, format, b.Source, out, rc.cfg), "build %s", out)
		})
	}
	return g.Wait()
}

// Run fetches and extracts the archive.
func (f *FetchCmd) Run(rc *runContext) error {
	bucket, key, err := fetch.ParseURL(f.URL)
	if err != nil {
		return err
	}

	var format archive.Format
	if f.Format != "" {
		if format, err = archive.ParseFormat(f.Format); err != nil {
			return err
		}
	}

	awsCfg, err := rc.awsCfg()
	if err != nil {
		return err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if f.Endpoint != "" {
			o.BaseEndpoint = aws.String(f.Endpoint)
		}
		o.UsePathStyle = f.PathStyle
	})

	return fetch.New(client).Fetch(rc.ctx, fetch.Request{
		Bucket:      bucket,
		Key:         key,
		Destination: f.Destination,
		Format:      format,
	}, rc.cfg)
}
