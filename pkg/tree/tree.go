// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tree models the flat file listing of one ingestion run and the
// providers that fetch it from a local directory, an S3-compatible bucket or
// memory.
package tree

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/kraklabs/acat/pkg/catalog"
)

// Opener lazily opens the raw content of one entry.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// Entry is one file of a source tree. Entries are immutable for the life of
// a run.
type Entry struct {
	Path    string
	Size    int64
	ModTime time.Time
	Open    Opener
}

// ReadAll reads the whole content of the entry.
func (e Entry) ReadAll(ctx context.Context) ([]byte, error) {
	if e.Open == nil {
		return nil, fmt.Errorf("entry %s has no content accessor", e.Path)
	}
	rc, err := e.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var buf bytes.Buffer
	if e.Size > 0 {
		buf.Grow(int(e.Size))
	}
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("read %s: %w", e.Path, err)
	}
	return buf.Bytes(), nil
}

// Tree is an immutable, path-sorted set of file entries.
type Tree struct {
	entries []Entry
	index   map[string]int
	dirs    []string
	dirSet  map[string]struct{}

	// SkipReasons counts files the provider left out, keyed by reason.
	SkipReasons map[string]int
}

// New builds a tree from entries. Paths are normalized; duplicate paths and
// paths escaping the root are rejected.
func New(entries []Entry) (*Tree, error) {
	t := &Tree{
		entries:     make([]Entry, 0, len(entries)),
		index:       make(map[string]int, len(entries)),
		dirSet:      make(map[string]struct{}),
		SkipReasons: make(map[string]int),
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		clean := catalog.CleanPath(e.Path)
		if clean == "" {
			return nil, fmt.Errorf("invalid tree path %q", e.Path)
		}
		if _, dup := seen[clean]; dup {
			return nil, fmt.Errorf("duplicate tree path %q", clean)
		}
		seen[clean] = struct{}{}
		e.Path = clean
		t.entries = append(t.entries, e)
	}
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].Path < t.entries[j].Path })

	for i, e := range t.entries {
		t.index[e.Path] = i
		for dir := parentDir(e.Path); dir != ""; dir = parentDir(dir) {
			if _, ok := t.dirSet[dir]; ok {
				break
			}
			t.dirSet[dir] = struct{}{}
		}
	}
	for _, e := range t.entries {
		if _, clash := t.dirSet[e.Path]; clash {
			return nil, fmt.Errorf("path %q is both a file and a directory", e.Path)
		}
	}
	t.dirs = make([]string, 0, len(t.dirSet))
	for d := range t.dirSet {
		t.dirs = append(t.dirs, d)
	}
	sort.Strings(t.dirs)
	return t, nil
}

// Len returns the number of files.
func (t *Tree) Len() int { return len(t.entries) }

// Get returns the file at p.
func (t *Tree) Get(p string) (Entry, bool) {
	i, ok := t.index[p]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Files returns all files in path order. The slice must not be modified.
func (t *Tree) Files() []Entry { return t.entries }

// Dirs returns every directory implied by the file paths, sorted. The root
// is not included.
func (t *Tree) Dirs() []string { return t.dirs }

// IsDir reports whether p is a directory of the tree. The root "" is a
// directory of any non-empty tree.
func (t *Tree) IsDir(p string) bool {
	if p == "" {
		return len(t.entries) > 0
	}
	_, ok := t.dirSet[p]
	return ok
}

// Under returns the files beneath dir at any depth, in path order. An empty
// dir means the whole tree.
func (t *Tree) Under(dir string) []Entry {
	if dir == "" {
		return t.entries
	}
	prefix := dir + "/"
	lo := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Path >= prefix })
	hi := lo
	for hi < len(t.entries) && strings.HasPrefix(t.entries[hi].Path, prefix) {
		hi++
	}
	return t.entries[lo:hi]
}

// Children returns the files directly inside dir.
func (t *Tree) Children(dir string) []Entry {
	var out []Entry
	for _, e := range t.Under(dir) {
		if parentDir(e.Path) == dir {
			out = append(out, e)
		}
	}
	return out
}

// TotalSize sums the sizes of the files beneath dir.
func (t *Tree) TotalSize(dir string) int64 {
	var n int64
	for _, e := range t.Under(dir) {
		n += e.Size
	}
	return n
}

// Depth returns the number of segments in p; the root has depth 0.
func Depth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// Parent returns the directory containing p, or "" for top-level paths.
func Parent(p string) string { return parentDir(p) }

// RelPath returns p relative to dir. p must lie beneath dir.
func RelPath(dir, p string) string {
	if dir == "" {
		return p
	}
	return strings.TrimPrefix(p, dir+"/")
}

func parentDir(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}
