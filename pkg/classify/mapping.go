// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package classify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kraklabs/acat/pkg/catalog"
	"github.com/kraklabs/acat/pkg/tree"
)

// DefaultMaxMappings caps the number of manual mapping rows per source.
const DefaultMaxMappings = 100

// MappingRow forces a directory, and its unmapped descendants, to a type.
type MappingRow struct {
	Dir  string               `json:"dir" yaml:"dir"`
	Type catalog.ArtifactType `json:"type" yaml:"type"`
}

// ParseMappingRow parses the "dir=type" form used on the command line.
func ParseMappingRow(s string) (MappingRow, error) {
	dir, typ, ok := strings.Cut(s, "=")
	if !ok {
		return MappingRow{}, &catalog.InvalidMappingError{Path: s, Reason: "expected dir=type"}
	}
	t, err := catalog.ParseArtifactType(typ)
	if err != nil {
		return MappingRow{}, &catalog.InvalidMappingError{Path: dir, Reason: err.Error()}
	}
	return MappingRow{Dir: dir, Type: t}, nil
}

// Mapping is a validated manual mapping table. Lookups are longest-prefix
// matches over the sorted directory list. A nil *Mapping maps nothing.
type Mapping struct {
	rows []MappingRow
}

// NewMapping validates rows. Directories are normalized; empty, absolute or
// escaping paths, unknown types, duplicates and more than maxRows rows are
// rejected with *catalog.InvalidMappingError. maxRows <= 0 uses
// DefaultMaxMappings.
func NewMapping(rows []MappingRow, maxRows int) (*Mapping, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxMappings
	}
	if len(rows) > maxRows {
		return nil, &catalog.InvalidMappingError{Reason: fmt.Sprintf("%d rows exceed the limit of %d", len(rows), maxRows)}
	}
	out := make([]MappingRow, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		raw := strings.TrimSpace(r.Dir)
		if strings.HasPrefix(raw, "/") {
			return nil, &catalog.InvalidMappingError{Path: r.Dir, Reason: "must be relative"}
		}
		for _, seg := range strings.Split(strings.ReplaceAll(raw, "\\", "/"), "/") {
			if seg == ".." {
				return nil, &catalog.InvalidMappingError{Path: r.Dir, Reason: "must not contain .."}
			}
		}
		dir := catalog.CleanPath(raw)
		if dir == "" {
			return nil, &catalog.InvalidMappingError{Path: r.Dir, Reason: "directory is required"}
		}
		if !r.Type.Valid() {
			return nil, &catalog.InvalidMappingError{Path: r.Dir, Reason: fmt.Sprintf("unknown artifact type %q", r.Type)}
		}
		if _, dup := seen[dir]; dup {
			return nil, &catalog.InvalidMappingError{Path: r.Dir, Reason: "directory mapped more than once"}
		}
		seen[dir] = struct{}{}
		out = append(out, MappingRow{Dir: dir, Type: r.Type})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return &Mapping{rows: out}, nil
}

// Len returns the number of rows.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rows)
}

// Rows returns the normalized rows in directory order.
func (m *Mapping) Rows() []MappingRow {
	if m == nil {
		return nil
	}
	out := make([]MappingRow, len(m.rows))
	copy(out, m.rows)
	return out
}

// Direct returns the type mapped exactly at dir.
func (m *Mapping) Direct(dir string) (catalog.ArtifactType, bool) {
	if m == nil {
		return "", false
	}
	i := sort.Search(len(m.rows), func(i int) bool { return m.rows[i].Dir >= dir })
	if i < len(m.rows) && m.rows[i].Dir == dir {
		return m.rows[i].Type, true
	}
	return "", false
}

// Resolve returns the mapping that governs p: a direct row for p itself, or
// the row of its nearest mapped ancestor.
func (m *Mapping) Resolve(p string) (catalog.ArtifactType, catalog.MappingOrigin, bool) {
	if m.Len() == 0 {
		return "", catalog.OriginNone, false
	}
	if t, ok := m.Direct(p); ok {
		return t, catalog.OriginDirect, true
	}
	for dir := tree.Parent(p); dir != ""; dir = tree.Parent(dir) {
		if t, ok := m.Direct(dir); ok {
			return t, catalog.OriginInherited, true
		}
	}
	return "", catalog.OriginNone, false
}

// CheckAgainst rejects rows whose directory does not exist in t.
func (m *Mapping) CheckAgainst(t *tree.Tree) error {
	if m == nil {
		return nil
	}
	for _, r := range m.rows {
		if !t.IsDir(r.Dir) {
			return &catalog.InvalidMappingError{Path: r.Dir, Reason: "directory not found in source tree"}
		}
	}
	return nil
}
