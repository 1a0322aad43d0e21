// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"context"
	"io"
	"io/fs"
	"log/slog"

	"github.com/klauspost/compress/flate"
)

// ConfigOption is a function pointer to implement the option pattern
type ConfigOption func(*Config)

// Config provides a configuration struct and options to adjust the configuration.
//
// The configuration struct holds all configuration options for extraction and build calls.
// The configuration options can be adjusted using the option pattern style. A Config is
// only read during a call, so one Config can be shared by concurrent calls.
//
// The default configuration is designed to be secure by default and prevent exhaustion
// and path traversal attacks.
type Config struct {
	// compressionLevel is the gzip and deflate level used by the builders
	compressionLevel int

	// continueOnError decides if the extraction should be continued even if an error occurred
	continueOnError bool

	// continueOnUnsupportedFiles offers the option to enable/disable skipping unsupported files
	continueOnUnsupportedFiles bool

	// create destination directory if it does not exist
	createDestination bool

	// customCreateDirMode is the file mode for created directories, that are not defined in the archive (respecting umask)
	customCreateDirMode fs.FileMode

	// customDecompressFileMode is the file mode for files without mode information (respecting umask)
	customDecompressFileMode fs.FileMode

	// dropFileAttributes is a flag drop the file attributes of the extracted files
	dropFileAttributes bool

	// traverseSymlinks traverses symlinks to directories during extraction
	traverseSymlinks bool

	// logger stream for extraction
	logger logger

	// maxExtractionSize is the maximum size of all files after decompression.
	// Set value to -1 to disable the check.
	maxExtractionSize int64

	// maxFiles is the maximum of files (including folders) in an archive.
	// Set value to -1 to disable the check.
	maxFiles int64

	// maxInputSize is the maximum size of the input
	// Set value to -1 to disable the check.
	maxInputSize int64

	// overwrite defines if files should be overwritten in the destination
	overwrite bool

	// patterns is a list of file patterns to match files to extract
	patterns []string

	// staging extracts into a temporary sibling directory and moves the result in place on success
	staging bool

	// target is the filesystem the codecs read from and write to
	target Target

	// telemetryHook is a function to consume telemetry data after a finished call
	telemetryHook TelemetryHook
}

// CheckMaxFiles checks if counter exceeds the configured maximum. If the maximum is exceeded,
// a [ErrMaxFilesExceeded] error is returned.
func (c *Config) CheckMaxFiles(counter int64) error {

	// check if disabled
	if c.MaxFiles() < 0 {
		return nil
	}

	// check value
	if counter > c.MaxFiles() {
		return ErrMaxFilesExceeded
	}
	return nil
}

// CheckExtractionSize checks if fileSize exceeds configured maximum. If the maximum is exceeded,
// a [ErrMaxExtractionSizeExceeded] error is returned.
func (c *Config) CheckExtractionSize(fileSize int64) error {

	// check if disabled
	if c.MaxExtractionSize() < 0 {
		return nil
	}

	// check value
	if fileSize > c.MaxExtractionSize() {
		return ErrMaxExtractionSizeExceeded
	}
	return nil
}

// CompressionLevel returns the compression level used by the builders.
func (c *Config) CompressionLevel() int {
	return c.compressionLevel
}

// ContinueOnError returns true if the extraction should continue on error.
func (c *Config) ContinueOnError() bool {
	return c.continueOnError
}

// ContinueOnUnsupportedFiles returns true if unsupported entries, e.g., symlinks, FIFO,
// block or character devices, should be skipped.
func (c *Config) ContinueOnUnsupportedFiles() bool {
	return c.continueOnUnsupportedFiles
}

// CreateDestination returns true if the destination directory should be
// created if it does not exist.
func (c *Config) CreateDestination() bool {
	return c.createDestination
}

// CustomCreateDirMode returns the file mode for created directories,
// that are not defined in the archive. (respecting umask)
func (c *Config) CustomCreateDirMode() fs.FileMode {
	return c.customCreateDirMode
}

// CustomDecompressFileMode returns the file mode for files that carry no mode
// information, i.e., decompressed single files and zip entries. (respecting umask)
func (c *Config) CustomDecompressFileMode() fs.FileMode {
	return c.customDecompressFileMode
}

// DropFileAttributes returns true if the file attributes should be dropped.
func (c *Config) DropFileAttributes() bool {
	return c.dropFileAttributes
}

// TraverseSymlinks returns true if symlinks should be traversed during extraction.
func (c *Config) TraverseSymlinks() bool {
	return c.traverseSymlinks
}

// Logger returns the logger.
func (c *Config) Logger() logger {
	return c.logger
}

// MaxExtractionSize returns the maximum size over all decompressed and extracted files.
func (c *Config) MaxExtractionSize() int64 {
	return c.maxExtractionSize
}

// MaxFiles returns the maximum of files (including folders) in an archive.
func (c *Config) MaxFiles() int64 {
	return c.maxFiles
}

// MaxInputSize returns the maximum size of the input.
func (c *Config) MaxInputSize() int64 {
	return c.maxInputSize
}

// Overwrite returns true if files should be overwritten in the destination.
func (c *Config) Overwrite() bool {
	return c.overwrite
}

// Patterns returns a list of unix-filepath patterns to match files to extract
// Patterns are matched against the forward slash separated entry name using [path.Match].
func (c *Config) Patterns() []string {
	return c.patterns
}

// Staging returns true if extractions are staged in a temporary directory
// and only moved into the destination after the whole input was decoded.
func (c *Config) Staging() bool {
	return c.staging
}

// Target returns the filesystem target.
func (c *Config) Target() Target {
	if c.target == nil {
		return NewTargetDisk()
	}
	return c.target
}

// TelemetryHook returns the telemetry hook.
func (c *Config) TelemetryHook() TelemetryHook {
	if c.telemetryHook == nil {
		return func(ctx context.Context, d *TelemetryData) {
			// noop
		}
	}
	return c.telemetryHook
}

const (
	defaultCompressionLevel           = flate.DefaultCompression // library default
	defaultContinueOnError            = false                    // stop on error and return error
	defaultContinueOnUnsupportedFiles = false                    // stop on unsupported files and return error
	defaultCreateDestination          = true                     // create destination directory
	defaultCustomCreateDirMode        = 0750                     // default directory permissions rwxr-x---
	defaultCustomDecompressFileMode   = 0640                     // default decompression permissions rw-r-----
	defaultDropFileAttributes         = false                    // restore file attributes from archive
	defaultMaxFiles                   = 100000                   // 100k files
	defaultMaxExtractionSize          = 1 << (10 * 3)            // 1 Gb
	defaultMaxInputSize               = 1 << (10 * 3)            // 1 Gb
	defaultOverwrite                  = true                     // re-extraction replaces files
	defaultStaging                    = false                    // best effort, no rollback
	defaultTraverseSymlinks           = false                    // don't traverse symlinks
)

var (
	// slog to discard
	defaultLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	// no operation telemetry hook
	defaultTelemetryHook = func(ctx context.Context, d *TelemetryData) {
		// noop
	}
)

// NewConfig is a generator option that takes opts as adjustments of the
// default configuration in an option pattern style.
func NewConfig(opts ...ConfigOption) *Config {

	// setup default values
	config := &Config{
		compressionLevel:           defaultCompressionLevel,
		continueOnError:            defaultContinueOnError,
		continueOnUnsupportedFiles: defaultContinueOnUnsupportedFiles,
		createDestination:          defaultCreateDestination,
		customCreateDirMode:        defaultCustomCreateDirMode,
		customDecompressFileMode:   defaultCustomDecompressFileMode,
		dropFileAttributes:         defaultDropFileAttributes,
		logger:                     defaultLogger,
		maxFiles:                   defaultMaxFiles,
		maxExtractionSize:          defaultMaxExtractionSize,
		maxInputSize:               defaultMaxInputSize,
		overwrite:                  defaultOverwrite,
		staging:                    defaultStaging,
		target:                     NewTargetDisk(),
		telemetryHook:              defaultTelemetryHook,
		traverseSymlinks:           defaultTraverseSymlinks,
	}

	// Loop through each option
	for _, opt := range opts {
		opt(config)
	}

	return config
}

// orDefault returns c, or the default configuration if c is nil.
func orDefault(c *Config) *Config {
	if c == nil {
		return NewConfig()
	}
	return c
}

// WithCompressionLevel options pattern function to set the gzip and deflate
// compression level of the builders. Levels follow [compress/flate], values
// outside of the valid range fall back to the default level.
func WithCompressionLevel(level int) ConfigOption {
	return func(c *Config) {
		if level < flate.HuffmanOnly || level > flate.BestCompression {
			level = flate.DefaultCompression
		}
		c.compressionLevel = level
	}
}

// WithContinueOnError options pattern function to continue on error during extraction. If set to true,
// the error is logged and the extraction continues. If set to false, the extraction stops and returns the error.
func WithContinueOnError(yes bool) ConfigOption {
	return func(c *Config) {
		c.continueOnError = yes
	}
}

// WithContinueOnUnsupportedFiles options pattern function to
// enable/disable skipping unsupported files. An unsupported file is an
// entry that is neither a regular file nor a directory.
func WithContinueOnUnsupportedFiles(ctd bool) ConfigOption {
	return func(c *Config) {
		c.continueOnUnsupportedFiles = ctd
	}
}

// WithCreateDestination options pattern function to create
// destination directory if it does not exist.
func WithCreateDestination(create bool) ConfigOption {
	return func(c *Config) {
		c.createDestination = create
	}
}

// WithCustomCreateDirMode options pattern function to set the file mode
// for created directories, that are not defined in the archive. (respecting umask)
func WithCustomCreateDirMode(mode fs.FileMode) ConfigOption {
	return func(c *Config) {
		c.customCreateDirMode = mode
	}
}

// WithCustomDecompressFileMode options pattern function to set the file mode for
// files without mode information. (respecting umask)
func WithCustomDecompressFileMode(mode fs.FileMode) ConfigOption {
	return func(c *Config) {
		c.customDecompressFileMode = mode
	}
}

// WithDropFileAttributes options pattern function to drop the
// file attributes of the extracted files.
func WithDropFileAttributes(drop bool) ConfigOption {
	return func(c *Config) {
		c.dropFileAttributes = drop
	}
}

// WithInsecureTraverseSymlinks options pattern function to traverse symlinks during extraction.
func WithInsecureTraverseSymlinks(traverse bool) ConfigOption {
	return func(c *Config) {
		c.traverseSymlinks = traverse
	}
}

// WithLogger options pattern function to set a custom logger.
func WithLogger(logger logger) ConfigOption {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithMaxExtractionSize options pattern function to set maximum size over all decompressed
// and extracted files. (-1 to disable check)
func WithMaxExtractionSize(maxExtractionSize int64) ConfigOption {
	return func(c *Config) {
		c.maxExtractionSize = maxExtractionSize
	}
}

// WithMaxFiles options pattern function to set maximum number of extracted files
// and directories during the extraction. (-1 to disable check)
func WithMaxFiles(maxFiles int64) ConfigOption {
	return func(c *Config) {
		c.maxFiles = maxFiles
	}
}

// WithMaxInputSize options pattern function to set MaxInputSize for extraction input file. (-1 to disable check)
func WithMaxInputSize(maxInputSize int64) ConfigOption {
	return func(c *Config) {
		c.maxInputSize = maxInputSize
	}
}

// WithOverwrite options pattern function specify if files should be overwritten in the destination.
func WithOverwrite(enable bool) ConfigOption {
	return func(c *Config) {
		c.overwrite = enable
	}
}

// WithPatterns options pattern function to set filepath pattern, that files need to match to be extracted.
// Patterns are matched against the forward slash separated entry name using [path.Match].
func WithPatterns(pattern ...string) ConfigOption {
	return func(c *Config) {
		c.patterns = append(c.patterns, pattern...)
	}
}

// WithStaging options pattern function to extract into a temporary directory next to the
// destination and move the entries into the destination only after the complete input has
// been decoded. On failure the destination is left untouched.
func WithStaging(enable bool) ConfigOption {
	return func(c *Config) {
		c.staging = enable
	}
}

// WithTarget options pattern function to set the filesystem [Target].
func WithTarget(t Target) ConfigOption {
	return func(c *Config) {
		if t != nil {
			c.target = t
		}
	}
}

// WithTelemetryHook options pattern function to set a [TelemetryHook], which is called after
// each extraction or build call.
func WithTelemetryHook(hook TelemetryHook) ConfigOption {
	return func(c *Config) {
		c.telemetryHook = hook
	}
}
