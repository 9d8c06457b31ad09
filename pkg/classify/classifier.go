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

// Package classify finds artifact roots in a source tree and scores them.
//
// Scoring is a pure function of the tree shape, the primary file metadata
// and the manual mapping: no clock, no I/O beyond the tree listing. The same
// input always yields the same candidates, types and scores.
package classify

import (
	"path"
	"sort"
	"strings"

	"github.com/kraklabs/acat/pkg/catalog"
	"github.com/kraklabs/acat/pkg/tree"
)

// Signal names recorded on candidates.
const (
	SignalManualDirect    = "manual_direct"
	SignalManualInherited = "manual_inherited"
	SignalCanonicalName   = "canonical_name"
	SignalMarker          = "marker"
	SignalExtensions      = "extensions"
	SignalParentHint      = "parent_hint"
	SignalMetadata        = "metadata"
	SignalDepthPenalty    = "depth_penalty"
)

// Root is a path that may hold one artifact.
type Root struct {
	Path string
	Kind catalog.RootKind
}

// Classifier scores candidate roots with a weight table.
type Classifier struct {
	w Weights
}

// New returns a classifier using w.
func New(w Weights) *Classifier {
	return &Classifier{w: w}
}

// Weights returns the weight table in use.
func (c *Classifier) Weights() Weights { return c.w }

// Roots enumerates candidate roots in path order.
//
// Heuristic directory roots are directories holding a marker file and
// directories whose parent is a container. Single files directly inside a
// container of a single-file type are file roots. A heuristic root nested in
// another directory root is dropped; the outer root owns its files.
//
// For each directly mapped directory, heuristic roots at or beneath it take
// the mapping. When there are none, the directory itself is a root if it
// directly holds files, otherwise the shallowest directories beneath it that
// do. Directly mapped roots are never dropped for nesting.
func (c *Classifier) Roots(t *tree.Tree, m *Mapping) []Root {
	dirRoots := make(map[string]struct{})
	for _, d := range t.Dirs() {
		if hasMarker(t, d) || isAnyContainer(path.Base(tree.Parent(d))) {
			dirRoots[d] = struct{}{}
		}
	}
	kept := dropNested(dirRoots)

	fileRoots := make(map[string]struct{})
	for _, e := range t.Files() {
		if c.isFileRoot(e.Path) && !hasAncestorIn(e.Path, kept) {
			fileRoots[e.Path] = struct{}{}
		}
	}

	for _, row := range m.Rows() {
		if !t.IsDir(row.Dir) || coveredBy(row.Dir, kept, fileRoots) {
			continue
		}
		direct := make(map[string]struct{})
		if len(t.Children(row.Dir)) > 0 {
			direct[row.Dir] = struct{}{}
		} else {
			for _, d := range t.Dirs() {
				if strings.HasPrefix(d, row.Dir+"/") && len(t.Children(d)) > 0 {
					direct[d] = struct{}{}
				}
			}
		}
		for d := range dropNested(direct) {
			kept[d] = struct{}{}
		}
	}

	out := make([]Root, 0, len(kept)+len(fileRoots))
	for d := range kept {
		out = append(out, Root{Path: d, Kind: catalog.KindDir})
	}
	for f := range fileRoots {
		out = append(out, Root{Path: f, Kind: catalog.KindFile})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (c *Classifier) isFileRoot(p string) bool {
	if tree.Depth(p) > c.w.MaxFileCandidateDepth {
		return false
	}
	parent := path.Base(tree.Parent(p))
	for _, typ := range catalog.AllTypes() {
		s := signalTable[typ]
		if s.SingleFile && s.isContainer(parent) && s.hasExtension(p) {
			return true
		}
	}
	return false
}

func hasMarker(t *tree.Tree, dir string) bool {
	for _, e := range t.Children(dir) {
		if isAnyMarker(path.Base(e.Path)) {
			return true
		}
	}
	return false
}

// dropNested keeps the roots that have no ancestor among the kept roots.
func dropNested(roots map[string]struct{}) map[string]struct{} {
	paths := make([]string, 0, len(roots))
	for p := range roots {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	keep := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if !hasAncestorIn(p, keep) {
			keep[p] = struct{}{}
		}
	}
	return keep
}

func hasAncestorIn(p string, set map[string]struct{}) bool {
	for dir := tree.Parent(p); dir != ""; dir = tree.Parent(dir) {
		if _, ok := set[dir]; ok {
			return true
		}
	}
	return false
}

// coveredBy reports whether a root lies at or beneath dir.
func coveredBy(dir string, sets ...map[string]struct{}) bool {
	prefix := dir + "/"
	for _, set := range sets {
		for p := range set {
			if p == dir || strings.HasPrefix(p, prefix) {
				return true
			}
		}
	}
	return false
}

// PrimaryFile picks the file whose metadata describes the root: a marker,
// else a README, else the first markdown or script file. File roots are their
// own primary file.
func PrimaryFile(t *tree.Tree, r Root) string {
	if r.Kind == catalog.KindFile {
		return r.Path
	}
	children := t.Children(r.Path)
	for _, e := range children {
		if isAnyMarker(path.Base(e.Path)) {
			return e.Path
		}
	}
	for _, e := range children {
		if strings.EqualFold(path.Base(e.Path), "README.md") {
			return e.Path
		}
	}
	for _, e := range t.Under(r.Path) {
		if isDescriptive(e.Path) {
			return e.Path
		}
	}
	return ""
}

func isDescriptive(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".md", ".markdown", ".py", ".js", ".ts", ".sh", ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Score classifies one root. It returns false when the best score is below
// the confidence floor. A manual mapping replaces the heuristic score.
func (c *Classifier) Score(t *tree.Tree, m *Mapping, r Root, meta *catalog.Metadata) (catalog.Candidate, bool) {
	cand := catalog.Candidate{
		Path:        r.Path,
		Kind:        r.Kind,
		PrimaryFile: PrimaryFile(t, r),
		Metadata:    meta,
	}
	if r.Kind == catalog.KindFile {
		if e, ok := t.Get(r.Path); ok {
			cand.Size = e.Size
		}
	} else {
		cand.Size = t.TotalSize(r.Path)
	}

	if typ, origin, ok := m.Resolve(r.Path); ok {
		cand.ArtifactType = typ
		cand.Origin = origin
		if origin == catalog.OriginDirect {
			cand.Score = c.w.ManualDirect
			cand.Signals = []catalog.Signal{{Name: SignalManualDirect, Points: c.w.ManualDirect}}
		} else {
			cand.Score = c.w.ManualInherited
			cand.Signals = []catalog.Signal{{Name: SignalManualInherited, Points: c.w.ManualInherited}}
		}
		return cand, true
	}

	best := -1
	for _, typ := range catalog.AllTypes() {
		score, signals := c.scoreType(t, r, meta, typ)
		if score > best {
			best = score
			cand.ArtifactType = typ
			cand.Score = score
			cand.Signals = signals
		}
	}
	if best < c.w.MinConfidence {
		return cand, false
	}
	return cand, true
}

func (c *Classifier) scoreType(t *tree.Tree, r Root, meta *catalog.Metadata, typ catalog.ArtifactType) (int, []catalog.Signal) {
	s := signalTable[typ]
	var signals []catalog.Signal
	add := func(name string, pts int) {
		if pts != 0 {
			signals = append(signals, catalog.Signal{Name: name, Points: pts})
		}
	}

	canonical := s.hasSuffix(catalog.NameFromPath(r.Path))
	for _, seg := range strings.Split(r.Path, "/") {
		if s.isContainer(seg) {
			canonical = true
			break
		}
	}
	if canonical {
		add(SignalCanonicalName, c.w.CanonicalName)
	}

	var files []tree.Entry
	if r.Kind == catalog.KindFile {
		if e, ok := t.Get(r.Path); ok {
			files = []tree.Entry{e}
		}
		if s.isMarker(path.Base(r.Path)) {
			add(SignalMarker, c.w.Marker)
		}
	} else {
		files = t.Under(r.Path)
		for _, e := range t.Children(r.Path) {
			if s.isMarker(path.Base(e.Path)) {
				add(SignalMarker, c.w.Marker)
				break
			}
		}
	}

	if len(files) > 0 {
		matching := 0
		for _, e := range files {
			if s.hasExtension(e.Path) {
				matching++
			}
		}
		add(SignalExtensions, c.w.Extensions*matching/len(files))
	}

	if s.isContainer(path.Base(tree.Parent(r.Path))) {
		add(SignalParentHint, c.w.ParentHint)
	}
	if meta != nil && meta.TypeHint == typ {
		add(SignalMetadata, c.w.Metadata)
	}
	if over := tree.Depth(r.Path) - c.w.BaselineDepth; over > 0 {
		add(SignalDepthPenalty, -c.w.DepthPenalty*over)
	}

	score := 0
	for _, sig := range signals {
		score += sig.Points
	}
	return clamp(score), signals
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Classify enumerates roots and scores each with the metadata found for its
// primary file. metadata may be nil. Candidates are returned in path order.
func (c *Classifier) Classify(t *tree.Tree, m *Mapping, metadata map[string]*catalog.Metadata) []catalog.Candidate {
	roots := c.Roots(t, m)
	out := make([]catalog.Candidate, 0, len(roots))
	for _, r := range roots {
		var meta *catalog.Metadata
		if primary := PrimaryFile(t, r); primary != "" {
			meta = metadata[primary]
		}
		if cand, ok := c.Score(t, m, r, meta); ok {
			out = append(out, cand)
		}
	}
	return out
}
