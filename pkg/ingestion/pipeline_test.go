// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/acat/pkg/catalog"
	"github.com/kraklabs/acat/pkg/classify"
	"github.com/kraklabs/acat/pkg/storage"
	"github.com/kraklabs/acat/pkg/tree"
)

var modTime = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

const skillMD = "---\nname: pdf\ndescription: Work with PDF files\ntags: [pdf, docs]\n---\n# PDF\n"

// faultProvider serves a fixed file list and fails the first fetches.
type faultProvider struct {
	mu        sync.Mutex
	entries   []tree.Entry
	failures  int
	failKind  catalog.FetchKind
	fetches   int
	fetchHook func()
}

func (f *faultProvider) Fetch(ctx context.Context, ref tree.SourceRef) (*tree.Tree, error) {
	f.mu.Lock()
	f.fetches++
	n := f.fetches
	f.mu.Unlock()
	if f.fetchHook != nil {
		f.fetchHook()
	}
	if n <= f.failures {
		return nil, &catalog.FetchError{Kind: f.failKind, Path: ref.URI, Err: errors.New("upstream says no")}
	}
	return tree.New(f.entries)
}

func file(p, content string) tree.Entry {
	return tree.Entry{
		Path:    p,
		Size:    int64(len(content)),
		ModTime: modTime,
		Open: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte(content))), nil
		},
	}
}

func failing(p string, size int64, err error) tree.Entry {
	return tree.Entry{
		Path:    p,
		Size:    size,
		ModTime: modTime,
		Open:    func(context.Context) (io.ReadCloser, error) { return nil, err },
	}
}

type zeros struct{}

func (zeros) Read(b []byte) (int, error) {
	clear(b)
	return len(b), nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Concurrency = 4
	cfg.Retry = RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
	return cfg
}

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), ":memory:", storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	p, err := NewPipeline(cfg, store, nil, nil, nil)
	require.NoError(t, err)
	return p, store
}

func run(t *testing.T, p *Pipeline, sourceID string, prov tree.Provider, mapping ...classify.MappingRow) *RunResult {
	t.Helper()
	res, err := p.Run(context.Background(), RunRequest{
		SourceID: sourceID,
		Provider: prov,
		Ref:      tree.SourceRef{URI: "mem://" + sourceID},
		Mapping:  mapping,
	})
	require.NoError(t, err)
	return res
}

func TestRun_DuplicateSkillsWithinSource(t *testing.T) {
	p, store := newTestPipeline(t, testConfig())
	prov := &faultProvider{entries: []tree.Entry{
		file("skills/a/SKILL.md", skillMD),
		file("skills/b/SKILL.md", skillMD),
	}}

	res := run(t, p, "src", prov)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 1, res.Survivors)
	assert.Equal(t, 1, res.DuplicatesWithinSource)
	assert.Equal(t, map[catalog.ArtifactType]int{catalog.TypeSkill: 1}, res.CountsByType)
	assert.Empty(t, res.Errors)

	a, err := store.Get(context.Background(), catalog.EntryID("src", "skills/a"))
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusNew, a.Status)
	assert.GreaterOrEqual(t, a.ConfidenceScore, 80)
	assert.Equal(t, "pdf", a.Name)
	assert.Equal(t, []string{"pdf", "docs"}, a.Tags)

	b, err := store.Get(context.Background(), catalog.EntryID("src", "skills/b"))
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusExcluded, b.Status)
	require.NotNil(t, b.ExcludedReason)
	assert.Equal(t, "duplicate within source; kept skills/a", *b.ExcludedReason)
	assert.Equal(t, a.ContentHash, b.ContentHash)
}

func TestRun_InheritedMapping(t *testing.T) {
	p, store := newTestPipeline(t, testConfig())
	prov := &faultProvider{entries: []tree.Entry{
		file("tools/sub/x.md", "# X\n\nA tool.\n"),
	}}

	res := run(t, p, "src", prov, classify.MappingRow{Dir: "tools", Type: catalog.TypeConnector})
	assert.Equal(t, 1, res.Survivors)

	e, err := store.Get(context.Background(), catalog.EntryID("src", "tools/sub"))
	require.NoError(t, err)
	assert.Equal(t, catalog.TypeConnector, e.ArtifactType)
	assert.Equal(t, 90, e.ConfidenceScore)
}

func TestRun_OversizedFileIsFlagged(t *testing.T) {
	p, store := newTestPipeline(t, testConfig())
	const big = 50 << 20
	prov := &faultProvider{entries: []tree.Entry{
		file("skills/model/SKILL.md", skillMD),
		{
			Path: "skills/model/weights.bin", Size: big, ModTime: modTime,
			Open: func(context.Context) (io.ReadCloser, error) {
				return io.NopCloser(io.LimitReader(zeros{}, big)), nil
			},
		},
	}}

	res := run(t, p, "src", prov)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.HashSkipped)
	assert.Empty(t, res.Errors)

	e, err := store.Get(context.Background(), catalog.EntryID("src", "skills/model"))
	require.NoError(t, err)
	assert.Equal(t, catalog.TypeSkill, e.ArtifactType)
	assert.Nil(t, e.ContentHash)
	assert.Equal(t, catalog.StatusNew, e.Status)
}

func TestRun_HashErrorIsRecorded(t *testing.T) {
	p, store := newTestPipeline(t, testConfig())
	prov := &faultProvider{entries: []tree.Entry{
		file("skills/ok/SKILL.md", skillMD),
		file("skills/broken/SKILL.md", "# Broken\n"),
		failing("skills/broken/run.py", 10, errors.New("disk on fire")),
	}}

	res := run(t, p, "src", prov)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, RunError{
		Path:    "skills/broken/run.py",
		Kind:    ErrKindHash,
		Message: "hash skills/broken/run.py: disk on fire",
	}, res.Errors[0])
	assert.Equal(t, 2, res.Survivors)
	assert.Equal(t, 1, res.HashSkipped)
	assert.False(t, res.Empty())

	e, err := store.Get(context.Background(), catalog.EntryID("src", "skills/broken"))
	require.NoError(t, err)
	assert.Nil(t, e.ContentHash)
}

func TestRun_ContentFetchRetried(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig())
	var calls atomic.Int32
	flaky := file("skills/a/SKILL.md", skillMD)
	open := flaky.Open
	flaky.Open = func(ctx context.Context) (io.ReadCloser, error) {
		if calls.Add(1) == 1 {
			return nil, &catalog.FetchError{Kind: catalog.FetchRateLimited, Path: flaky.Path, Err: errors.New("slow down")}
		}
		return open(ctx)
	}
	prov := &faultProvider{entries: []tree.Entry{flaky}}

	res := run(t, p, "src", prov)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, 1, res.Survivors)
}

func TestRun_TreeFetchRetried(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig())
	prov := &faultProvider{
		entries:  []tree.Entry{file("skills/a/SKILL.md", skillMD)},
		failures: 2,
		failKind: catalog.FetchRateLimited,
	}

	res := run(t, p, "src", prov)
	assert.Equal(t, 3, prov.fetches)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, 1, res.Survivors)
}

func TestRun_TreeFetchExhausted(t *testing.T) {
	p, store := newTestPipeline(t, testConfig())
	prov := &faultProvider{failures: 100, failKind: catalog.FetchUnavailable}

	res, err := p.Run(context.Background(), RunRequest{SourceID: "src", Provider: prov, Ref: tree.SourceRef{URI: "s3://b/p/"}})
	var fe *catalog.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, catalog.FetchUnavailable, fe.Kind)
	assert.Equal(t, 4, prov.fetches)
	require.NotNil(t, res)
	assert.Zero(t, res.Survivors)

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestRun_NotFoundIsNotRetried(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig())
	prov := &faultProvider{failures: 100, failKind: catalog.FetchNotFound}

	_, err := p.Run(context.Background(), RunRequest{SourceID: "src", Provider: prov})
	var fe *catalog.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, catalog.FetchNotFound, fe.Kind)
	assert.Equal(t, 1, prov.fetches)
}

func TestRun_InvalidMappingRejectedBeforeFetch(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig())
	prov := &faultProvider{}

	_, err := p.Run(context.Background(), RunRequest{
		SourceID: "src",
		Provider: prov,
		Mapping:  []classify.MappingRow{{Dir: "../escape", Type: catalog.TypeSkill}},
	})
	var im *catalog.InvalidMappingError
	require.ErrorAs(t, err, &im)
	assert.Zero(t, prov.fetches)
}

func TestRun_MappingToMissingDirectory(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig())
	prov := &faultProvider{entries: []tree.Entry{file("skills/a/SKILL.md", skillMD)}}

	_, err := p.Run(context.Background(), RunRequest{
		SourceID: "src",
		Provider: prov,
		Mapping:  []classify.MappingRow{{Dir: "nope", Type: catalog.TypeSkill}},
	})
	var im *catalog.InvalidMappingError
	require.ErrorAs(t, err, &im)
}

func TestRun_CancelledWritesNothing(t *testing.T) {
	p, store := newTestPipeline(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entries := []tree.Entry{
		file("skills/a/SKILL.md", skillMD),
		file("skills/b/SKILL.md", "# B\n"),
		{
			Path: "skills/b/data.txt", Size: 4, ModTime: modTime,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				cancel()
				return nil, ctx.Err()
			},
		},
	}
	prov := &faultProvider{entries: entries}

	_, err := p.Run(ctx, RunRequest{SourceID: "src", Provider: prov})
	require.ErrorIs(t, err, catalog.ErrRunCancelled)

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestRun_RerunUpdatesAndRemoves(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, testConfig())
	prov := tree.NewMemProvider()
	prov.Put("mem://src", "skills/a/SKILL.md", []byte(skillMD), modTime)
	prov.Put("mem://src", "skills/b/SKILL.md", []byte("# B\n"), modTime)

	first := run(t, p, "src", prov)
	assert.Equal(t, 2, first.Survivors)

	a, err := store.Get(ctx, catalog.EntryID("src", "skills/a"))
	require.NoError(t, err)
	importedAt := modTime.Add(time.Hour)
	a.Status = catalog.StatusImported
	a.ImportedAt = &importedAt
	require.NoError(t, store.Upsert(ctx, a))

	prov.Remove("mem://src", "skills/b/SKILL.md")
	prov.Put("mem://src", "skills/c/SKILL.md", []byte("# C\n"), modTime)

	second := run(t, p, "src", prov)
	assert.Equal(t, 1, second.Removed)
	assert.Equal(t, 2, second.Survivors)

	a, err = store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusImported, a.Status)
	require.NotNil(t, a.ImportedAt)
	assert.True(t, importedAt.Equal(*a.ImportedAt))

	_, err = store.Get(ctx, catalog.EntryID("src", "skills/b"))
	var nf *catalog.NotFoundError
	assert.ErrorAs(t, err, &nf)

	prior, err := store.Prior(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusNew, prior["skills/c"].Status)

	last, err := store.LastRun(ctx, "src")
	require.NoError(t, err)
	assert.Contains(t, last, second.RunID)
}

func TestRun_RerunMarksChangedEntriesUpdated(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, testConfig())
	prov := tree.NewMemProvider()
	prov.Put("mem://src", "skills/a/SKILL.md", []byte(skillMD), modTime)
	run(t, p, "src", prov)

	prov.Put("mem://src", "skills/a/SKILL.md", []byte(skillMD+"more\n"), modTime.Add(time.Minute))
	run(t, p, "src", prov)

	a, err := store.Get(ctx, catalog.EntryID("src", "skills/a"))
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusUpdated, a.Status)
}

func TestRun_ImportedEntrySurvivesNewDuplicate(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, testConfig())
	prov := tree.NewMemProvider()
	prov.Put("mem://src", "skills/b/SKILL.md", []byte(skillMD), modTime)
	run(t, p, "src", prov)

	b, err := store.Get(ctx, catalog.EntryID("src", "skills/b"))
	require.NoError(t, err)
	importedAt := modTime.Add(time.Hour)
	b.Status = catalog.StatusImported
	b.ImportedAt = &importedAt
	require.NoError(t, store.Upsert(ctx, b))

	// A copy appears at a path that would win the usual tie-break.
	prov.Put("mem://src", "skills/a/SKILL.md", []byte(skillMD), modTime)
	res := run(t, p, "src", prov)
	assert.Equal(t, 1, res.Survivors)
	assert.Equal(t, 1, res.DuplicatesWithinSource)
	assert.Zero(t, res.DuplicatesAcrossSources)

	b, err = store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusImported, b.Status)
	require.NotNil(t, b.ImportedAt)
	assert.True(t, importedAt.Equal(*b.ImportedAt))

	a, err := store.Get(ctx, catalog.EntryID("src", "skills/a"))
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusExcluded, a.Status)
	assert.Equal(t, "duplicate within source; kept skills/b", *a.ExcludedReason)

	// A third run changes nothing.
	res = run(t, p, "src", prov)
	assert.Equal(t, 1, res.Survivors)
	assert.Zero(t, res.DuplicatesAcrossSources)
	b, err = store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusImported, b.Status)
}

func TestRun_DuplicateAcrossSources(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, testConfig())
	prov := tree.NewMemProvider()
	prov.Put("mem://a", "skills/pdf/SKILL.md", []byte(skillMD), modTime)
	prov.Put("mem://b", "vendor-skills/skills/pdf2/SKILL.md", []byte(skillMD), modTime)

	run(t, p, "a", prov)
	imported, err := store.Get(ctx, catalog.EntryID("a", "skills/pdf"))
	require.NoError(t, err)
	imported.Status = catalog.StatusImported
	require.NoError(t, store.Upsert(ctx, imported))

	res := run(t, p, "b", prov)
	assert.Equal(t, 1, res.DuplicatesAcrossSources)
	assert.Zero(t, res.Survivors)

	dup, err := store.Get(ctx, catalog.EntryID("b", "vendor-skills/skills/pdf2"))
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusExcluded, dup.Status)
	assert.Equal(t, "duplicate of existing artifact "+imported.ID, *dup.ExcludedReason)

	restored, err := store.Restore(ctx, dup.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusNew, restored.Status)
}

func TestRun_EmptyTree(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig())
	prov := &faultProvider{entries: []tree.Entry{file("README.md", "# nothing here\n")}}

	res := run(t, p, "src", prov)
	assert.True(t, res.Empty())
	assert.Equal(t, 1, res.Files)
}

func TestRun_ConcurrentSources(t *testing.T) {
	p, store := newTestPipeline(t, testConfig())
	prov := tree.NewMemProvider()
	for _, src := range []string{"s1", "s2", "s3", "s4"} {
		prov.Put("mem://"+src, "skills/a/SKILL.md", []byte(skillMD), modTime)
		prov.Put("mem://"+src, "commands/deploy.md", []byte("# Deploy\n"), modTime)
	}

	var wg sync.WaitGroup
	for _, src := range []string{"s1", "s2", "s3", "s4"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Run(context.Background(), RunRequest{SourceID: src, Provider: prov, Ref: tree.SourceRef{URI: "mem://" + src}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, st.Total)
	assert.Equal(t, 4, st.Sources)
}

func TestRun_MetricsAndProgress(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	store, err := storage.Open(context.Background(), ":memory:", storage.Options{})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	p, err := NewPipeline(testConfig(), store, nil, nil, metrics)
	require.NoError(t, err)

	var mu sync.Mutex
	phases := map[string]int64{}
	p.SetProgressCallback(func(current, total int64, phase string) {
		mu.Lock()
		defer mu.Unlock()
		if current > phases[phase] {
			phases[phase] = current
		}
	})

	prov := tree.NewMemProvider()
	prov.Put("mem://src", "skills/a/SKILL.md", []byte(skillMD), modTime)
	prov.Put("mem://src", "skills/b/SKILL.md", []byte(skillMD), modTime)
	run(t, p, "src", prov)
	run(t, p, "src", prov)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Runs.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Candidates.WithLabelValues("skill")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Duplicates.WithLabelValues("within_source")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.HashCacheLookups.WithLabelValues("hit")))
	assert.Equal(t, int64(2), phases["classifying"])
	assert.Equal(t, int64(1), phases["writing"])
}

func TestRun_ProgressCallsAreSerialized(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 8
	p, _ := newTestPipeline(t, cfg)

	var inside, overlaps, calls atomic.Int64
	p.SetProgressCallback(func(current, total int64, phase string) {
		if inside.Add(1) > 1 {
			overlaps.Add(1)
		}
		calls.Add(1)
		time.Sleep(50 * time.Microsecond)
		inside.Add(-1)
	})

	prov := tree.NewMemProvider()
	for i := range 40 {
		prov.Put("mem://src", fmt.Sprintf("skills/s%02d/SKILL.md", i), []byte(skillMD+fmt.Sprintf("step %d\n", i)), modTime)
	}
	run(t, p, "src", prov)

	assert.Zero(t, overlaps.Load())
	assert.GreaterOrEqual(t, calls.Load(), int64(40))
}

func TestRun_WritesRunLog(t *testing.T) {
	cfg := testConfig()
	cfg.RunLogDir = t.TempDir()
	p, _ := newTestPipeline(t, cfg)
	prov := &faultProvider{entries: []tree.Entry{
		file("skills/a/SKILL.md", skillMD),
		file("skills/b/SKILL.md", skillMD),
	}}

	res := run(t, p, "team/src", prov)

	b, err := os.ReadFile(filepath.Join(cfg.RunLogDir, "runs", "team_src.log"))
	require.NoError(t, err)
	log := string(b)
	assert.Contains(t, log, "run started "+res.RunID)
	assert.Contains(t, log, "excluded skills/b: duplicate within source; kept skills/a")
	assert.Contains(t, log, "completed: 1 survivors, 1 duplicates, 0 errors")
}

func TestNewPipeline_Validation(t *testing.T) {
	_, err := NewPipeline(testConfig(), nil, nil, nil, nil)
	require.Error(t, err)

	store, err := storage.Open(context.Background(), ":memory:", storage.Options{})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	cfg := testConfig()
	cfg.Concurrency = -1
	_, err = NewPipeline(cfg, store, nil, nil, nil)
	require.Error(t, err)

	p, err := NewPipeline(Config{}, store, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Concurrency, p.Config().Concurrency)
}
