// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package hashing

import (
	"testing"

	"pgregory.net/rapid"
)

// TestProperty_DirHashOrderInvariant checks that the directory digest does
// not depend on file enumeration order.
func TestProperty_DirHashOrderInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		names := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,6}(/[a-z]{1,6})?\.md`), 1, 12, rapid.ID[string]).Draw(rt, "names")
		pairs := make([]FilePair, len(names))
		for i, n := range names {
			content := rapid.StringMatching(`[a-z ]{0,20}`).Draw(rt, "content")
			pairs[i] = FilePair{RelPath: n, Hash: FileHash([]byte(content))}
		}
		shuffled := rapid.Permutation(pairs).Draw(rt, "order")

		if DirHash(pairs) != DirHash(shuffled) {
			rt.Fatalf("digest changed under reordering")
		}
	})
}

// TestProperty_DirHashContentSensitive checks that changing one file's
// content changes the directory digest.
func TestProperty_DirHashContentSensitive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		names := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,8}\.md`), 1, 8, rapid.ID[string]).Draw(rt, "names")
		pairs := make([]FilePair, len(names))
		for i, n := range names {
			pairs[i] = FilePair{RelPath: n, Hash: FileHash([]byte(n))}
		}
		i := rapid.IntRange(0, len(pairs)-1).Draw(rt, "victim")
		changed := make([]FilePair, len(pairs))
		copy(changed, pairs)
		changed[i].Hash = FileHash([]byte(pairs[i].RelPath + "!"))

		if DirHash(pairs) == DirHash(changed) {
			rt.Fatalf("digest unchanged after editing %s", pairs[i].RelPath)
		}
	})
}
