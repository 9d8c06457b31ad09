// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package tree

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// SourceRef identifies one source tree. URI is a local path, a file:// URL
// or an s3://bucket/prefix URL.
type SourceRef struct {
	ID  string
	URI string
}

// Provider fetches the flat listing of a source. Failures are reported as
// *catalog.FetchError so callers can tell not found, unauthorized and rate
// limited apart.
type Provider interface {
	Fetch(ctx context.Context, ref SourceRef) (*Tree, error)
}

// Skip reasons recorded in Tree.SkipReasons.
const (
	SkipExcluded   = "excluded"
	SkipSymlink    = "symlink"
	SkipNotRegular = "not_regular"
	SkipUnreadable = "unreadable"
)

// Excluder matches slash-separated relative paths against doublestar globs.
// Patterns without a slash also match the base name at any depth.
type Excluder struct {
	patterns []string
}

// NewExcluder validates the patterns.
func NewExcluder(patterns []string) (*Excluder, error) {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
		out = append(out, p)
	}
	return &Excluder{patterns: out}, nil
}

// Match reports whether rel is excluded. isDir also matches "dir/**" style
// patterns against the directory itself.
func (x *Excluder) Match(rel string, isDir bool) bool {
	if x == nil {
		return false
	}
	base := rel
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		base = rel[i+1:]
	}
	for _, p := range x.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if isDir {
			if ok, _ := doublestar.Match(p, rel+"/"); ok {
				return true
			}
		}
		if !strings.Contains(p, "/") {
			if ok, _ := doublestar.Match(p, base); ok {
				return true
			}
		}
	}
	return false
}
