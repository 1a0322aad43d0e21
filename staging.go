// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/google/uuid"
)

// stagingName returns a hidden sibling of dst that is unique per call.
func stagingName(dst string) string {
	return filepath.Join(filepath.Dir(dst), fmt.Sprintf(".%s.staging-%s", filepath.Base(dst), uuid.NewString()))
}

// withStaging runs extract on dst, or, if staging is enabled, on a fresh sibling
// of dst whose content is moved into dst once extract succeeded. The staging
// directory is removed in any case.
func withStaging(t Target, dst string, cfg *Config, extract func(dst string) error) error {
	if !cfg.Staging() {
		return extract(dst)
	}

	abs, err := filepath.Abs(dst)
	if err != nil {
		return filesystemError("resolve destination", dst, err)
	}

	// the parent must exist to hold the staging directory
	if cfg.CreateDestination() {
		if err := t.CreateDir(filepath.Dir(abs), cfg.CustomCreateDirMode()); err != nil {
			return filesystemError("create destination", dst, err)
		}
	}

	staging := stagingName(abs)
	cfg.Logger().Debug("stage extraction", "staging", staging, "dst", abs)
	if err := t.CreateDir(staging, cfg.CustomCreateDirMode()); err != nil {
		return filesystemError("create staging directory", staging, err)
	}
	defer func() {
		if err := t.RemoveAll(staging); err != nil {
			cfg.Logger().Warn("cannot remove staging directory", "staging", staging, "error", err)
		}
	}()

	if err := extract(staging); err != nil {
		return err
	}
	return commitStaging(t, staging, abs, cfg)
}

// commitStaging moves every file below staging to the same relative path
// below dst and creates the directories on the way.
func commitStaging(t Target, staging, dst string, cfg *Config) error {
	if cfg.CreateDestination() {
		if err := t.CreateDir(dst, cfg.CustomCreateDirMode()); err != nil {
			return filesystemError("create destination", dst, err)
		}
	}
	stat, err := t.Stat(dst)
	if err != nil {
		return filesystemError("check destination", dst, err)
	}
	if !stat.IsDir() {
		return filesystemError("check destination", dst, fmt.Errorf("not a directory: %w", fs.ErrInvalid))
	}

	// check all entries before anything is moved
	if err := walkStaging(t, staging, dst, cfg, true); err != nil {
		return err
	}
	return walkStaging(t, staging, dst, cfg, false)
}

// walkStaging checks (dryRun) or moves every entry below staging into dst.
func walkStaging(t Target, staging, dst string, cfg *Config, dryRun bool) error {
	walker := newDirWalker(t, staging, cfg.Logger())
	for {
		we, err := walker.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if err := securityCheck(t, dst, we.Name, cfg); err != nil {
			return err
		}
		p := filepath.Join(dst, filepath.FromSlash(we.Name))
		existing, err := t.Lstat(p)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return filesystemError("check entry", we.Name, err)
		}

		if we.Info.IsDir() {
			if existing != nil && !existing.IsDir() {
				return filesystemError("create directory", we.Name, fmt.Errorf("file in the way: %w", fs.ErrExist))
			}
			if dryRun || existing != nil {
				continue
			}
			if err := t.CreateDir(p, we.Info.Mode().Perm()); err != nil {
				return filesystemError("create directory", we.Name, err)
			}
			continue
		}

		if existing != nil {
			if existing.IsDir() {
				return filesystemError("move file", we.Name, fmt.Errorf("cannot overwrite directory with file: %w", fs.ErrExist))
			}
			if !cfg.Overwrite() {
				return filesystemError("move file", we.Name, fmt.Errorf("file already exists: %w", fs.ErrExist))
			}
		}
		if dryRun {
			continue
		}
		if err := t.Rename(we.Path, p); err != nil {
			return filesystemError("move file", we.Name, err)
		}
	}
}
