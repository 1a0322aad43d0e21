// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// checkPatterns checks if the given path matches any of the given patterns.
// If no patterns are given, the function returns true.
func checkPatterns(patterns []string, name string) (bool, error) {

	// no patterns given
	if len(patterns) == 0 {
		return true, nil
	}

	// check if path matches any pattern
	for _, pattern := range patterns {
		if match, err := path.Match(pattern, name); err != nil {
			return false, fmt.Errorf("failed to match pattern: %w", err)
		} else if match {
			return true, nil
		}
	}
	return false, nil
}

// handleError increases the error counter, sets the latest error and
// decides if the call should continue. Stream and context errors always end the call.
func handleError(c *Config, td *TelemetryData, msg string, err error) error {

	// increase error counter and set error
	td.ExtractionErrors++
	td.LastExtractionError = fmt.Errorf("%s: %w", msg, err)

	// do not end on error
	if c.ContinueOnError() && !errors.Is(err, ErrStream) && !isContextError(err) {
		c.Logger().Error(msg, "error", err)
		return nil
	}

	// end call on error
	return td.LastExtractionError
}

// failCall records err in the telemetry data and returns it, regardless of
// the continue-on-error setting.
func failCall(td *TelemetryData, msg string, err error) error {
	td.ExtractionErrors++
	td.LastExtractionError = fmt.Errorf("%s: %w", msg, err)
	return td.LastExtractionError
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// prepareDestination creates dst if configured, ensures that it is a directory
// and returns its absolute, canonical path.
func prepareDestination(t Target, dst string, c *Config) (string, error) {
	if dst == "" {
		dst = "."
	}

	abs, err := filepath.Abs(dst)
	if err != nil {
		return "", filesystemError("resolve destination", dst, err)
	}

	// check if dst needs to be created
	if c.CreateDestination() {
		if err := t.CreateDir(abs, c.CustomCreateDirMode()); err != nil {
			return "", filesystemError("create destination", dst, err)
		}
	}

	// check if dst exist and is a directory
	stat, err := t.Stat(abs)
	if err != nil {
		return "", filesystemError("check destination", dst, err)
	}
	if !stat.IsDir() {
		return "", filesystemError("check destination", dst, fmt.Errorf("not a directory: %w", fs.ErrInvalid))
	}

	// resolve symlinks once, so that the containment checks below dst operate
	// on the real location
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// entryMode returns the mode an extracted entry is created with.
func entryMode(ae archiveEntry, fallback fs.FileMode, c *Config) fs.FileMode {
	if c.DropFileAttributes() {
		return fallback
	}
	if perm := ae.Mode().Perm(); perm != 0 {
		return perm
	}
	return fallback
}

// extract checks ctx for cancellation, while it walks through the entries of src and
// materializes them below dst.
func extract(ctx context.Context, t Target, dst string, src archiveWalker, c *Config, td *TelemetryData) error {

	dst, err := prepareDestination(t, dst, c)
	if err != nil {
		return failCall(td, "cannot prepare destination", err)
	}

	// start extraction
	c.Logger().Info("start extraction", "type", src.Type(), "dst", dst)
	var objectCounter int64
	var extractedBytes int64

	for {
		// check if context is canceled
		if err := ctx.Err(); err != nil {
			return failCall(td, "context error", err)
		}

		// get next entry
		ae, err := src.Next()

		switch {

		// entries are exhausted
		case err == io.EOF:
			c.Logger().Info("extraction finished", "type", src.Type(), "files", td.ExtractedFiles, "dirs", td.ExtractedDirs)
			return nil

		// the walker cannot recover from a broken header
		case err != nil:
			return failCall(td, "cannot read next entry", classifyReadError("read entry header", "", err))
		}

		// check for to many objects in archive
		objectCounter++
		if err := c.CheckMaxFiles(objectCounter); err != nil {
			return failCall(td, "max files check failed", err)
		}

		name := ae.Name()

		// check if file needs to match patterns
		match, err := checkPatterns(c.Patterns(), strings.TrimSuffix(name, "/"))
		if err != nil {
			return failCall(td, "cannot check pattern", err)
		}
		if !match {
			c.Logger().Info("skipping file (pattern mismatch)", "name", name)
			td.PatternMismatches++
			continue
		}

		c.Logger().Debug("extract", "name", name)
		switch {

		// if its a dir, create it with all missing parents
		case ae.IsDir():
			dirName := strings.TrimSuffix(name, "/")
			if dirName == "" {
				dirName = name
			}
			if err := createDir(t, dst, dirName, entryMode(ae, c.CustomCreateDirMode(), c), c); err != nil {
				if err := handleError(c, td, "failed to create safe directory", err); err != nil {
					return err
				}

				// do not end on error
				continue
			}

			// store telemetry and continue
			td.ExtractedDirs++
			continue

		// if it's a file create it
		case ae.IsRegular():

			// check extraction size up front if the size is known
			if size := ae.Size(); size >= 0 {
				if err := c.CheckExtractionSize(extractedBytes + size); err != nil {
					return failCall(td, "max extraction size exceeded", err)
				}
			}

			// open file in archive
			fin, err := ae.Open()
			if err != nil {
				return failCall(td, "failed to open file", classifyReadError("open entry", name, err))
			}

			// remaining budget for this entry
			remaining := int64(-1)
			if c.MaxExtractionSize() >= 0 {
				remaining = c.MaxExtractionSize() - extractedBytes
			}

			// create file
			writtenBytes, err := createFile(t, dst, name, fin, entryMode(ae, c.CustomDecompressFileMode(), c), remaining, c)
			fin.Close()
			extractedBytes += writtenBytes
			td.ExtractionSize = extractedBytes
			if err != nil {

				// limits are never skipped
				if errors.Is(err, ErrMaxExtractionSizeExceeded) {
					return failCall(td, "max extraction size exceeded", err)
				}

				// increase error counter, set error and end if necessary
				if err := handleError(c, td, "failed to create file", err); err != nil {
					return err
				}

				// do not end on error
				continue
			}

			// restore modification time
			if !c.DropFileAttributes() && !ae.ModTime().IsZero() {
				p := filepath.Join(dst, filepath.FromSlash(name))
				if err := t.Chtimes(p, ae.ModTime(), ae.ModTime()); err != nil {
					if err := handleError(c, td, "failed to set modification time", filesystemError("set times", name, err)); err != nil {
						return err
					}
				}
			}

			// store telemetry
			td.ExtractedFiles++
			continue

		default:

			// check if unsupported files should be skipped
			if c.ContinueOnUnsupportedFiles() {
				c.Logger().Info("skipped unsupported file", "name", name, "mode", ae.Mode().String())
				td.UnsupportedFiles++
				td.LastUnsupportedFile = name
				continue
			}

			// increase error counter, set error and end if necessary
			err := formatError("extract entry", name, fmt.Errorf("%w (%s)", ErrUnsupportedFile, ae.Mode().Type()))
			if err := handleError(c, td, "cannot extract file", err); err != nil {
				return err
			}

			// do not end on error
			continue
		}
	}
}
