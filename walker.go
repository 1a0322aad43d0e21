// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
)

// walkEntry is a file or directory found below the root of a [dirWalker].
type walkEntry struct {
	// Path is the location on the target.
	Path string

	// Name is the path relative to the root, with forward slashes.
	Name string

	// Info describes the entry without following symlinks.
	Info fs.FileInfo
}

// dirWalker walks a directory tree on a [Target] depth-first in pre-order.
// Children are visited sorted by name. The root itself is not returned.
type dirWalker struct {
	t       Target
	root    string
	log     logger
	pending []walkEntry
	started bool
	skip    string
}

func newDirWalker(t Target, root string, log logger) *dirWalker {
	return &dirWalker{t: t, root: root, log: log}
}

// exclude makes the walker skip the file at p, if p is located below the root.
func (w *dirWalker) exclude(p string) {
	root, err := filepath.Abs(w.root)
	if err != nil {
		return
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || !filepath.IsLocal(rel) {
		return
	}
	w.skip = filepath.ToSlash(rel)
}

// Next returns the next regular file or directory, or io.EOF when the tree
// has been walked.
func (w *dirWalker) Next() (walkEntry, error) {
	if !w.started {
		w.started = true
		if err := w.push(w.root, ""); err != nil {
			return walkEntry{}, err
		}
	}

	for len(w.pending) > 0 {
		e := w.pending[len(w.pending)-1]
		w.pending = w.pending[:len(w.pending)-1]

		if w.skip != "" && e.Name == w.skip {
			w.log.Warn("skip output file", "name", e.Name)
			continue
		}

		switch {
		case e.Info.IsDir():
			if err := w.push(e.Path, e.Name); err != nil {
				return walkEntry{}, err
			}
			return e, nil
		case e.Info.Mode().IsRegular():
			return e, nil
		default:
			w.log.Warn("skip unsupported file", "name", e.Name, "mode", e.Info.Mode().Type().String())
		}
	}
	return walkEntry{}, io.EOF
}

// push queues the children of dir, so that they are popped in name order.
func (w *dirWalker) push(dir, name string) error {
	entries, err := w.t.ReadDir(dir)
	if err != nil {
		return filesystemError("read directory", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for i := len(entries) - 1; i >= 0; i-- {
		p := filepath.Join(dir, entries[i].Name())
		info, err := w.t.Lstat(p)
		if err != nil {
			return filesystemError("stat", p, err)
		}
		w.pending = append(w.pending, walkEntry{
			Path: p,
			Name: path.Join(name, entries[i].Name()),
			Info: info,
		})
	}
	return nil
}
