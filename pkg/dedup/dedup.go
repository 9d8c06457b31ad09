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

// Package dedup collapses duplicate artifact candidates. Stage one groups a
// run's candidates by (type, content hash) and keeps one per group; stage two
// excludes survivors whose content the user already imported. Nothing is
// dropped: duplicates are returned as excluded entries with a reason so they
// can be inspected and restored.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kraklabs/acat/pkg/catalog"
	"github.com/kraklabs/acat/pkg/tree"
)

// maxSearchText bounds the derived search text.
const maxSearchText = 4096

// Existing is read access to the catalog for the cross-source stage.
type Existing interface {
	// ImportedByHash returns imported entries keyed by content hash, each
	// list ordered by entry ID.
	ImportedByHash(ctx context.Context, hashes []string) (map[string][]catalog.Entry, error)

	// Prior returns the entries of a source from earlier runs, keyed by path.
	Prior(ctx context.Context, sourceID string) (map[string]catalog.Entry, error)
}

// Result partitions one run's candidates into entries ready to persist.
type Result struct {
	Survivors []catalog.Entry
	Excluded  []catalog.Entry

	// Unhashed lists candidate paths that had no hash and bypassed grouping.
	Unhashed []string

	WithinSource  int
	AcrossSources int
}

// Entries returns survivors and exclusions together in path order.
func (r *Result) Entries() []catalog.Entry {
	out := make([]catalog.Entry, 0, len(r.Survivors)+len(r.Excluded))
	out = append(out, r.Survivors...)
	out = append(out, r.Excluded...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Engine runs the two dedup stages.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time
}

// New returns an engine stamping entries with the current time.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, now: time.Now}
}

// WithClock replaces the clock used for DetectedAt.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

type groupKey struct {
	typ  catalog.ArtifactType
	hash string
}

// Deduplicate partitions candidates of sourceID. Candidate order does not
// matter: survivors are chosen by prior import, then score, then depth, then
// path. An entry the user imported that still has the same content is never
// excluded.
func (e *Engine) Deduplicate(ctx context.Context, sourceID string, candidates []catalog.Candidate, existing Existing) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, catalog.Cancelled(err)
	}
	now := e.now().UTC()
	res := &Result{}

	prior := map[string]catalog.Entry{}
	if existing != nil {
		var err error
		if prior, err = existing.Prior(ctx, sourceID); err != nil {
			return nil, fmt.Errorf("load prior entries: %w", err)
		}
	}
	stillImported := func(c *catalog.Candidate) bool {
		p, ok := prior[c.Path]
		return ok && p.Status == catalog.StatusImported && p.HashValue() != "" && p.HashValue() == c.HashValue()
	}

	// Stage 1: within source.
	groups := make(map[groupKey][]int)
	inRun := make(map[string]bool, len(candidates))
	var survivors []int
	for i := range candidates {
		c := &candidates[i]
		inRun[c.Path] = true
		if c.Hash == nil {
			res.Unhashed = append(res.Unhashed, c.Path)
			survivors = append(survivors, i)
			e.logger.Info("dedup.unhashed", "source_id", sourceID, "path", c.Path, "reason", c.SkipReason)
			continue
		}
		k := groupKey{typ: c.ArtifactType, hash: *c.Hash}
		groups[k] = append(groups[k], i)
	}
	sort.Strings(res.Unhashed)

	for _, members := range groups {
		sort.Slice(members, func(a, b int) bool {
			ca, cb := &candidates[members[a]], &candidates[members[b]]
			if ia, ib := stillImported(ca), stillImported(cb); ia != ib {
				return ia
			}
			return better(ca, cb)
		})
		keep := &candidates[members[0]]
		survivors = append(survivors, members[0])
		for _, idx := range members[1:] {
			dup := &candidates[idx]
			if stillImported(dup) {
				survivors = append(survivors, idx)
				e.logger.Debug("dedup.imported_kept", "source_id", sourceID, "path", dup.Path, "kept", keep.Path)
				continue
			}
			entry := e.entry(sourceID, dup, now)
			entry.Exclude("duplicate within source; kept " + keep.Path)
			res.Excluded = append(res.Excluded, entry)
			res.WithinSource++
			e.logger.Debug("dedup.within_source", "source_id", sourceID, "path", dup.Path, "kept", keep.Path)
		}
	}

	// Stage 2: across sources.
	hashSet := make(map[string]struct{})
	for _, idx := range survivors {
		if h := candidates[idx].HashValue(); h != "" {
			hashSet[h] = struct{}{}
		}
	}
	hashes := make([]string, 0, len(hashSet))
	for h := range hashSet {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	var imported map[string][]catalog.Entry
	if existing != nil && len(hashes) > 0 {
		var err error
		if imported, err = existing.ImportedByHash(ctx, hashes); err != nil {
			return nil, fmt.Errorf("load imported hashes: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, catalog.Cancelled(err)
	}

	for _, idx := range survivors {
		c := &candidates[idx]
		entry := e.entry(sourceID, c, now)
		if match, ok := firstOther(imported[c.HashValue()], sourceID, inRun); ok && !stillImported(c) {
			entry.Exclude("duplicate of existing artifact " + match.ID)
			res.Excluded = append(res.Excluded, entry)
			res.AcrossSources++
			e.logger.Debug("dedup.across_sources", "source_id", sourceID, "path", c.Path, "existing_id", match.ID)
			continue
		}
		if p, ok := prior[c.Path]; ok {
			unchanged := p.HashValue() != "" && p.HashValue() == c.HashValue()
			switch {
			case !unchanged:
				entry.Status = catalog.StatusUpdated
			case p.Status == catalog.StatusImported:
				entry.Status = catalog.StatusImported
				entry.ImportedAt = p.ImportedAt
			case p.Status == catalog.StatusUpdated:
				entry.Status = catalog.StatusUpdated
			}
		}
		res.Survivors = append(res.Survivors, entry)
	}

	sort.Slice(res.Survivors, func(i, j int) bool { return res.Survivors[i].Path < res.Survivors[j].Path })
	sort.Slice(res.Excluded, func(i, j int) bool { return res.Excluded[i].Path < res.Excluded[j].Path })
	return res, nil
}

// better orders group members: higher score, then shallower, then shorter,
// then lexicographically first.
func better(a, b *catalog.Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if da, db := tree.Depth(a.Path), tree.Depth(b.Path); da != db {
		return da < db
	}
	if len(a.Path) != len(b.Path) {
		return len(a.Path) < len(b.Path)
	}
	return a.Path < b.Path
}

// firstOther returns the first imported entry not represented in this run.
// Entries of sourceID at paths in inRun are rebuilt by the run itself, and
// stage one already settled duplicates among them.
func firstOther(entries []catalog.Entry, sourceID string, inRun map[string]bool) (catalog.Entry, bool) {
	for _, m := range entries {
		if m.SourceID == sourceID && inRun[m.Path] {
			continue
		}
		return m, true
	}
	return catalog.Entry{}, false
}

func (e *Engine) entry(sourceID string, c *catalog.Candidate, now time.Time) catalog.Entry {
	entry := catalog.Entry{
		ID:              catalog.EntryID(sourceID, c.Path),
		SourceID:        sourceID,
		Path:            c.Path,
		Name:            catalog.NameFromPath(c.Path),
		ArtifactType:    c.ArtifactType,
		ConfidenceScore: c.Score,
		ContentHash:     c.Hash,
		Status:          catalog.StatusNew,
		DetectedAt:      now,
	}
	if m := c.Metadata; m != nil {
		if m.Name != "" {
			entry.Name = m.Name
		}
		entry.Title = catalog.StringPtr(m.Title)
		entry.Description = catalog.StringPtr(m.Description)
		entry.Tags = append([]string(nil), m.Tags...)
	}
	entry.SearchText = catalog.StringPtr(SearchText(entry.Name, c.Path, c.Metadata))
	return entry
}

// SearchText is the free text indexed next to name, title, description and
// tags: the name, the path segments and an excerpt of the primary file body.
func SearchText(name, p string, meta *catalog.Metadata) string {
	parts := []string{name, strings.ReplaceAll(p, "/", " ")}
	if meta != nil && meta.Body != "" {
		parts = append(parts, meta.Body)
	}
	text := strings.Join(parts, " ")
	if len(text) > maxSearchText {
		text = text[:maxSearchText]
		for !utf8.ValidString(text) {
			text = text[:len(text)-1]
		}
	}
	return text
}

// Deduplicate runs both stages with a default engine.
func Deduplicate(ctx context.Context, sourceID string, candidates []catalog.Candidate, existing Existing) (*Result, error) {
	return New(nil).Deduplicate(ctx, sourceID, candidates, existing)
}
