// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package classify

import (
	"reflect"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/kraklabs/acat/pkg/catalog"
)

var (
	dirSegments = []string{"skills", "commands", "agents", "hooks", "mcp", "tools", "a", "b", "lib"}
	fileNames   = []string{"SKILL.md", "README.md", "deploy.md", "run.py", "pre.sh", "server.json", "hooks.json", "data.bin"}
)

func drawFiles(rt *rapid.T) map[string]string {
	n := rapid.IntRange(1, 25).Draw(rt, "files")
	files := make(map[string]string, n)
	for i := 0; i < n; i++ {
		depth := rapid.IntRange(0, 4).Draw(rt, "depth")
		segs := make([]string, 0, depth+1)
		for j := 0; j < depth; j++ {
			segs = append(segs, rapid.SampledFrom(dirSegments).Draw(rt, "seg"))
		}
		segs = append(segs, rapid.SampledFrom(fileNames).Draw(rt, "name"))
		files[strings.Join(segs, "/")] = rapid.SampledFrom([]string{"x", "y", "---\ntype: hook\n---\n"}).Draw(rt, "content")
	}
	return files
}

// TestProperty_ClassifyDeterministic checks that classification of a fixed
// tree and mapping is reproducible.
func TestProperty_ClassifyDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		files := drawFiles(rt)
		tr := buildTree(t, files)
		var m *Mapping
		if dirs := tr.Dirs(); len(dirs) > 0 && rapid.Bool().Draw(rt, "mapped") {
			dir := rapid.SampledFrom(dirs).Draw(rt, "mapdir")
			typ := rapid.SampledFrom(catalog.AllTypes()).Draw(rt, "maptype")
			var err error
			m, err = NewMapping([]MappingRow{{Dir: dir, Type: typ}}, 0)
			if err != nil {
				rt.Fatalf("mapping: %v", err)
			}
		}
		c := New(DefaultWeights())
		first := c.Classify(tr, m, nil)
		second := c.Classify(buildTree(t, files), m, nil)
		if !reflect.DeepEqual(first, second) {
			rt.Fatalf("classification differs between runs:\n%v\n%v", first, second)
		}
	})
}

// TestProperty_MappingPrecedence checks that every candidate governed by a
// mapping carries the fixed override score and type.
func TestProperty_MappingPrecedence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tr := buildTree(t, drawFiles(rt))
		dirs := tr.Dirs()
		if len(dirs) == 0 {
			rt.Skip("no directories")
		}
		dir := rapid.SampledFrom(dirs).Draw(rt, "mapdir")
		typ := rapid.SampledFrom(catalog.AllTypes()).Draw(rt, "maptype")
		m, err := NewMapping([]MappingRow{{Dir: dir, Type: typ}}, 0)
		if err != nil {
			rt.Fatalf("mapping: %v", err)
		}

		w := DefaultWeights()
		cands := New(w).Classify(tr, m, nil)
		covered := 0
		for _, c := range cands {
			switch {
			case c.Path == dir:
				covered++
				if c.Score != w.ManualDirect || c.ArtifactType != typ {
					rt.Fatalf("%s: got %s/%d, want %s/%d", c.Path, c.ArtifactType, c.Score, typ, w.ManualDirect)
				}
			case strings.HasPrefix(c.Path, dir+"/"):
				covered++
				if c.Score != w.ManualInherited || c.ArtifactType != typ {
					rt.Fatalf("%s: got %s/%d, want %s/%d", c.Path, c.ArtifactType, c.Score, typ, w.ManualInherited)
				}
			}
		}
		if covered == 0 {
			rt.Fatalf("mapped directory %s produced no candidate", dir)
		}
	})
}
