// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/acat/pkg/catalog"
)

var detected = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mkEntry(source, p string, typ catalog.ArtifactType, conf int) catalog.Entry {
	return catalog.Entry{
		ID:              catalog.EntryID(source, p),
		SourceID:        source,
		Path:            p,
		Name:            catalog.NameFromPath(p),
		ArtifactType:    typ,
		ConfidenceScore: conf,
		Status:          catalog.StatusNew,
		DetectedAt:      detected,
	}
}

func TestOpen_SchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")

	s, err := Open(ctx, path, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, mkEntry("src", "skills/a", catalog.TypeSkill, 80)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, Options{})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.Get(ctx, catalog.EntryID("src", "skills/a"))
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)

	v, err := s.getMeta(ctx, s.db, metaSchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:", Options{})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.True(t, s.Capabilities().FTS5)
	assert.Equal(t, EngineFTS, s.Engine())
}

func TestUpsertGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	imported := detected.Add(time.Hour)
	e := mkEntry("src", "skills/pdf", catalog.TypeSkill, 85)
	e.ContentHash = catalog.StringPtr("abc")
	e.Title = catalog.StringPtr("PDF tools")
	e.Description = catalog.StringPtr("Extract text from PDF files")
	e.Tags = []string{"pdf", "docs"}
	e.SearchText = catalog.StringPtr("pdf skills pdf extract")
	e.Status = catalog.StatusImported
	e.ImportedAt = &imported

	require.NoError(t, s.Upsert(ctx, e))
	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	e.ConfidenceScore = 60
	e.Tags = nil
	require.NoError(t, s.Upsert(ctx, e))
	got, err = s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, got.ConfidenceScore)
	assert.Empty(t, got.Tags)

	report, err := s.CheckIndex(ctx)
	require.NoError(t, err)
	assert.False(t, report.Drift())
	assert.Equal(t, 1, report.Indexed)
}

func TestUpsert_RejectsInvalidEntry(t *testing.T) {
	s := openTestStore(t, Options{})
	e := mkEntry("src", "skills/a", catalog.TypeSkill, 80)
	e.Status = catalog.StatusExcluded

	err := s.Upsert(context.Background(), e)
	require.Error(t, err)

	_, err = s.Get(context.Background(), e.ID)
	var nf *catalog.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestUpsert_IndexFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	_, err := s.DB().ExecContext(ctx, `DROP TABLE catalog_fts`)
	require.NoError(t, err)

	e := mkEntry("src", "skills/a", catalog.TypeSkill, 80)
	err = s.Upsert(ctx, e)
	var syncErr *catalog.IndexSyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "upsert", syncErr.Op)

	_, err = s.Get(ctx, e.ID)
	var nf *catalog.NotFoundError
	assert.ErrorAs(t, err, &nf, "primary row must be rolled back")
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	excluded := mkEntry("src", "skills/dup", catalog.TypeSkill, 80)
	excluded.Exclude("duplicate within source; kept skills/orig")
	imported := mkEntry("src", "skills/orig", catalog.TypeSkill, 80)
	imported.Status = catalog.StatusImported
	require.NoError(t, s.Upsert(ctx, excluded, imported))

	got, err := s.Restore(ctx, excluded.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusNew, got.Status)
	assert.Nil(t, got.ExcludedReason)

	stored, err := s.Get(ctx, excluded.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusNew, stored.Status)
	assert.Nil(t, stored.ExcludedReason)

	// Restoring again is a no-op.
	got, err = s.Restore(ctx, excluded.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusNew, got.Status)
	assert.Nil(t, got.ExcludedReason)

	got, err = s.Restore(ctx, imported.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusImported, got.Status)

	_, err = s.Restore(ctx, "missing")
	var nf *catalog.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
}

func TestImportedByHash(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	var entries []catalog.Entry
	for i, h := range []string{"h1", "h1", "h2", "h1"} {
		e := mkEntry(fmt.Sprintf("src%d", i), "skills/a", catalog.TypeSkill, 80)
		e.ContentHash = catalog.StringPtr(h)
		e.Status = catalog.StatusImported
		if i == 3 {
			e.Status = catalog.StatusNew
		}
		entries = append(entries, e)
	}
	require.NoError(t, s.Upsert(ctx, entries...))

	got, err := s.ImportedByHash(ctx, []string{"h1", "h2", "h3"})
	require.NoError(t, err)
	require.Len(t, got["h1"], 2)
	assert.Len(t, got["h2"], 1)
	assert.NotContains(t, got, "h3")
	assert.Less(t, got["h1"][0].ID, got["h1"][1].ID)
}

func TestPrior(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	require.NoError(t, s.Upsert(ctx,
		mkEntry("a", "skills/x", catalog.TypeSkill, 80),
		mkEntry("a", "hooks/pre.sh", catalog.TypeHook, 60),
		mkEntry("b", "skills/x", catalog.TypeSkill, 80),
	))

	got, err := s.Prior(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, catalog.TypeHook, got["hooks/pre.sh"].ArtifactType)
}

func TestApplyRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	require.NoError(t, s.Upsert(ctx, mkEntry("a", "skills/old", catalog.TypeSkill, 80)))

	err := s.ApplyRun(ctx, "a", RunWrite{
		RunID:       "run-1",
		Entries:     []catalog.Entry{mkEntry("a", "skills/new", catalog.TypeSkill, 80)},
		RemovePaths: []string{"skills/old"},
		FinishedAt:  detected,
	})
	require.NoError(t, err)

	prior, err := s.Prior(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, prior, 1)
	assert.Contains(t, prior, "skills/new")

	rec, err := s.LastRun(ctx, "a")
	require.NoError(t, err)
	assert.Contains(t, rec, `"run_id":"run-1"`)

	err = s.ApplyRun(ctx, "a", RunWrite{Entries: []catalog.Entry{mkEntry("b", "skills/z", catalog.TypeSkill, 80)}})
	require.Error(t, err)
}

func TestApplyRun_CancelledWritesNothing(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.ApplyRun(ctx, "a", RunWrite{Entries: []catalog.Entry{mkEntry("a", "skills/x", catalog.TypeSkill, 80)}})
	require.ErrorIs(t, err, catalog.ErrRunCancelled)

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestCheckAndRebuildIndex(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	a := mkEntry("src", "skills/a", catalog.TypeSkill, 80)
	b := mkEntry("src", "skills/b", catalog.TypeSkill, 80)
	require.NoError(t, s.Upsert(ctx, a, b))

	_, err := s.DB().ExecContext(ctx, `DELETE FROM catalog_fts WHERE entry_id = ?`, a.ID)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `INSERT INTO catalog_fts (entry_id, name) VALUES ('ghost', 'ghost')`)
	require.NoError(t, err)

	report, err := s.CheckIndex(ctx)
	require.NoError(t, err)
	assert.True(t, report.Drift())
	assert.Equal(t, []string{a.ID}, report.Missing)
	assert.Equal(t, []string{"ghost"}, report.Orphaned)

	n, err := s.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	report, err = s.CheckIndex(ctx)
	require.NoError(t, err)
	assert.False(t, report.Drift())
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{ForceFallback: true})
	ex := mkEntry("b", "skills/y", catalog.TypeSkill, 80)
	ex.Exclude("duplicate")
	require.NoError(t, s.Upsert(ctx,
		mkEntry("a", "skills/x", catalog.TypeSkill, 80),
		mkEntry("a", "hooks/pre.sh", catalog.TypeHook, 60),
		ex,
	))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Sources)
	assert.Equal(t, 2, st.ByType["skill"])
	assert.Equal(t, 1, st.ByStatus["excluded"])
	assert.Equal(t, EngineFallback, st.Engine)
}

func TestDetectCapabilities(t *testing.T) {
	s := openTestStore(t, Options{})
	caps := DetectCapabilities(context.Background(), s.DB())
	assert.True(t, caps.FTS5)
}

func TestOpen_WithoutFTS(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{Capabilities: &Capabilities{FTS5: false}})
	require.NoError(t, s.Upsert(ctx, mkEntry("a", "skills/deploy", catalog.TypeSkill, 80)))

	page, err := s.Search(ctx, Query{Text: "deploy"})
	require.NoError(t, err)
	assert.Equal(t, EngineFallback, page.PageInfo.Engine)
	assert.Len(t, page.Items, 1)

	report, err := s.CheckIndex(ctx)
	require.NoError(t, err)
	assert.False(t, report.Available)

	_, err = s.RebuildIndex(ctx)
	assert.Error(t, err)
}
