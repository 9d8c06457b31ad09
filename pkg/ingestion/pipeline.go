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

// Package ingestion runs one source through the catalog: fetch the tree,
// classify candidate roots, hash them in a bounded worker pool, deduplicate
// behind a barrier and commit the run as one transaction.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/acat/pkg/catalog"
	"github.com/kraklabs/acat/pkg/classify"
	"github.com/kraklabs/acat/pkg/dedup"
	"github.com/kraklabs/acat/pkg/hashing"
	"github.com/kraklabs/acat/pkg/storage"
	"github.com/kraklabs/acat/pkg/tree"
)

// ProgressCallback is called to report progress during a run.
// Parameters:
//   - current: items done so far
//   - total: total number of items in the phase
//   - phase: "fetching", "classifying", "deduplicating" or "writing"
//
// Calls are serialized, even when hashing workers report concurrently.
type ProgressCallback func(current, total int64, phase string)

// Catalog is the store a pipeline reads prior state from and commits to.
type Catalog interface {
	dedup.Existing
	ApplyRun(ctx context.Context, sourceID string, w storage.RunWrite) error
}

// RunRequest names one source to ingest.
type RunRequest struct {
	SourceID string
	Provider tree.Provider
	Ref      tree.SourceRef
	Mapping  []classify.MappingRow
}

// Run error kinds reported in RunResult.Errors.
const (
	ErrKindFetch = "fetch"
	ErrKindHash  = "hash"
)

// RunError is a per-candidate failure that did not abort the run.
type RunError struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunResult summarizes an ingestion run. It is returned even when the run
// fails, with zero writes.
type RunResult struct {
	RunID    string `json:"run_id"`
	SourceID string `json:"source_id"`

	// Files is the number of files in the fetched tree.
	Files int `json:"files"`

	// Roots is the number of candidate roots considered.
	Roots int `json:"roots"`

	// Candidates is the number of roots at or above the confidence floor.
	Candidates int `json:"candidates"`

	// CountsByType counts surviving entries per artifact type.
	CountsByType map[catalog.ArtifactType]int `json:"counts_by_type"`

	Survivors               int `json:"survivors"`
	DuplicatesWithinSource  int `json:"duplicates_within_source"`
	DuplicatesAcrossSources int `json:"duplicates_across_sources"`

	// HashSkipped counts candidates left without a hash (oversized or unreadable).
	HashSkipped int `json:"hash_skipped"`

	// Removed counts entries of earlier runs whose paths disappeared.
	Removed int `json:"removed"`

	// Retries counts retried upstream fetches.
	Retries int `json:"retries"`

	// SkipReasons maps tree provider skip reasons to counts.
	SkipReasons map[string]int `json:"skip_reasons,omitempty"`

	Errors []RunError `json:"errors"`

	FetchDuration    time.Duration `json:"-"`
	ClassifyDuration time.Duration `json:"-"`
	WriteDuration    time.Duration `json:"-"`
	Duration         time.Duration `json:"-"`
	DurationMs       int64         `json:"duration_ms"`
}

// Empty reports a run that produced nothing and recorded no errors.
func (r *RunResult) Empty() bool {
	return r.Survivors == 0 && r.DuplicatesWithinSource == 0 && r.DuplicatesAcrossSources == 0 && len(r.Errors) == 0
}

// Pipeline ingests sources into a catalog. One Pipeline may run several
// sources concurrently.
type Pipeline struct {
	cfg        Config
	catalog    Catalog
	hasher     *hashing.Hasher
	classifier *classify.Classifier
	extractor  *classify.Extractor
	dedup      *dedup.Engine
	logger     *slog.Logger
	metrics    *Metrics
	onProgress ProgressCallback
	progressMu sync.Mutex
	now        func() time.Time
}

// NewPipeline creates a pipeline. A nil hasher is created from cfg; a nil
// metrics value disables metrics.
func NewPipeline(cfg Config, cat Catalog, hasher *hashing.Hasher, logger *slog.Logger, metrics *Metrics) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cat == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ingestion config: %w", err)
	}
	if hasher == nil {
		h, err := hashing.New(hashing.Options{
			MaxBytes:  cfg.MaxHashBytes,
			CacheSize: cfg.HashCacheSize,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		hasher = h
	}
	metrics.ObserveHasher(hasher)

	return &Pipeline{
		cfg:        cfg,
		catalog:    cat,
		hasher:     hasher,
		classifier: classify.New(cfg.Weights),
		extractor:  classify.NewExtractor(),
		dedup:      dedup.New(logger),
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// SetProgressCallback sets an optional callback for progress reporting.
func (p *Pipeline) SetProgressCallback(cb ProgressCallback) {
	p.onProgress = cb
}

// reportProgress calls the progress callback, if set, one call at a time.
func (p *Pipeline) reportProgress(current, total int64, phase string) {
	if p.onProgress == nil {
		return
	}
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	p.onProgress(current, total, phase)
}

// rootOutcome is what one worker produced for one root.
type rootOutcome struct {
	cand    catalog.Candidate
	emitted bool
	retries int
	errs    []RunError
}

// Run ingests one source. Per-candidate fetch and hash failures are
// collected in the result; run-level failures return an error and nothing
// is written.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	start := p.now()
	res := &RunResult{
		RunID:        uuid.NewString(),
		SourceID:     req.SourceID,
		CountsByType: make(map[catalog.ArtifactType]int),
		Errors:       []RunError{},
	}
	logger := p.logger.With("source_id", req.SourceID, "run_id", res.RunID)
	logger.Info("ingest.run.start", "uri", req.Ref.URI)
	p.runLog(req.SourceID, "run started %s (%s)", res.RunID, req.Ref.URI)

	err := p.run(ctx, req, res, logger)

	res.Duration = time.Since(start)
	res.DurationMs = res.Duration.Milliseconds()
	p.finish(req.SourceID, res, err, logger)
	return res, err
}

func (p *Pipeline) run(ctx context.Context, req RunRequest, res *RunResult, logger *slog.Logger) error {
	if req.SourceID == "" {
		return fmt.Errorf("source id is required")
	}
	if req.Provider == nil {
		return fmt.Errorf("tree provider is required")
	}
	if req.Ref.ID == "" {
		req.Ref.ID = req.SourceID
	}

	// Step 1: validate the mapping before touching the source.
	mapping, err := classify.NewMapping(req.Mapping, p.cfg.MaxMappings)
	if err != nil {
		return err
	}

	// Step 2: fetch the tree.
	logger.Info("ingest.step.fetch_tree")
	fetchStart := time.Now()
	p.reportProgress(0, 1, "fetching")
	t, retries, err := withRetry(ctx, p.cfg.Retry, logger, "fetch_tree", req.Ref.URI,
		func(ctx context.Context) (*tree.Tree, error) { return req.Provider.Fetch(ctx, req.Ref) })
	res.Retries += retries
	if err != nil {
		return fmt.Errorf("fetch tree: %w", err)
	}
	res.FetchDuration = time.Since(fetchStart)
	res.Files = t.Len()
	res.SkipReasons = t.SkipReasons
	p.reportProgress(1, 1, "fetching")
	logger.Info("ingest.tree.fetched", "files", t.Len(), "dirs", len(t.Dirs()), "duration_ms", res.FetchDuration.Milliseconds())

	if err := mapping.CheckAgainst(t); err != nil {
		return err
	}

	// Step 3: classify and hash every root in parallel.
	roots := p.classifier.Roots(t, mapping)
	res.Roots = len(roots)
	logger.Info("ingest.step.classify", "roots", len(roots), "concurrency", p.cfg.Concurrency)
	classifyStart := time.Now()

	outcomes, err := p.processRoots(ctx, req.SourceID, t, mapping, roots, logger)
	if err != nil {
		return err
	}
	res.ClassifyDuration = time.Since(classifyStart)

	var candidates []catalog.Candidate
	for _, o := range outcomes {
		res.Retries += o.retries
		res.Errors = append(res.Errors, o.errs...)
		if !o.emitted {
			continue
		}
		if o.cand.Hash == nil {
			res.HashSkipped++
		}
		candidates = append(candidates, o.cand)
	}
	res.Candidates = len(candidates)
	sort.Slice(res.Errors, func(i, j int) bool {
		if res.Errors[i].Path != res.Errors[j].Path {
			return res.Errors[i].Path < res.Errors[j].Path
		}
		return res.Errors[i].Kind < res.Errors[j].Kind
	})

	// Step 4: dedup runs only once every root is done.
	logger.Info("ingest.step.dedup", "candidates", len(candidates))
	p.reportProgress(0, 1, "deduplicating")
	dd, err := p.dedup.Deduplicate(ctx, req.SourceID, candidates, p.catalog)
	if err != nil {
		return fmt.Errorf("deduplicate: %w", err)
	}
	p.reportProgress(1, 1, "deduplicating")
	for _, e := range dd.Excluded {
		p.runLog(req.SourceID, "excluded %s: %s", e.Path, *e.ExcludedReason)
	}

	// Step 5: commit survivors, exclusions and removals together.
	prior, err := p.catalog.Prior(ctx, req.SourceID)
	if err != nil {
		return fmt.Errorf("read prior entries: %w", err)
	}
	entries := dd.Entries()
	current := make(map[string]bool, len(entries))
	for _, e := range entries {
		current[e.Path] = true
	}
	var remove []string
	for path, e := range prior {
		if !current[path] && e.Status != catalog.StatusImported {
			remove = append(remove, path)
		}
	}
	sort.Strings(remove)

	logger.Info("ingest.step.write", "entries", len(entries), "removed", len(remove))
	writeStart := time.Now()
	p.reportProgress(0, 1, "writing")
	if err := ctx.Err(); err != nil {
		return catalog.Cancelled(err)
	}
	if err := p.catalog.ApplyRun(ctx, req.SourceID, storage.RunWrite{
		RunID:       res.RunID,
		Entries:     entries,
		RemovePaths: remove,
		FinishedAt:  p.now(),
	}); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	res.WriteDuration = time.Since(writeStart)
	p.reportProgress(1, 1, "writing")

	res.Survivors = len(dd.Survivors)
	res.DuplicatesWithinSource = dd.WithinSource
	res.DuplicatesAcrossSources = dd.AcrossSources
	res.Removed = len(remove)
	for _, e := range dd.Survivors {
		res.CountsByType[e.ArtifactType]++
	}
	return nil
}

// processRoots classifies and hashes roots with at most Concurrency
// workers. Results are indexed by root so emission order does not matter.
// Only cancellation aborts; everything else is recorded per root.
func (p *Pipeline) processRoots(ctx context.Context, sourceID string, t *tree.Tree, m *classify.Mapping, roots []classify.Root, logger *slog.Logger) ([]rootOutcome, error) {
	outcomes := make([]rootOutcome, len(roots))
	total := int64(len(roots))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, r := range roots {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return catalog.Cancelled(gctx.Err())
			default:
			}
			o, err := p.processRoot(gctx, sourceID, t, m, r, logger)
			if err != nil {
				return err
			}
			outcomes[i] = o
			p.reportProgress(done.Add(1), total, "classifying")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, catalog.Cancelled(err)
	}
	return outcomes, nil
}

// processRoot reads primary metadata, scores the root and hashes it when a
// candidate is emitted. The returned error is non-nil only on cancellation.
func (p *Pipeline) processRoot(ctx context.Context, sourceID string, t *tree.Tree, m *classify.Mapping, r classify.Root, logger *slog.Logger) (rootOutcome, error) {
	var o rootOutcome

	var meta *catalog.Metadata
	if primary := classify.PrimaryFile(t, r); primary != "" {
		if e, ok := t.Get(primary); ok {
			content, retries, err := withRetry(ctx, p.cfg.Retry, logger, "fetch_content", primary,
				func(ctx context.Context) ([]byte, error) { return p.readPrimary(ctx, e) })
			o.retries += retries
			switch {
			case errors.Is(err, catalog.ErrRunCancelled):
				return o, err
			case err != nil:
				logger.Warn("ingest.fetch_content.error", "path", primary, "err", err)
				o.errs = append(o.errs, RunError{Path: primary, Kind: ErrKindFetch, Message: err.Error()})
				p.countError(ErrKindFetch)
			default:
				meta = p.extractor.Parse(primary, content)
			}
		}
	}

	cand, ok := p.classifier.Score(t, m, r, meta)
	if !ok {
		logger.Debug("ingest.classify.below_floor", "path", r.Path, "best_type", cand.ArtifactType, "score", cand.Score)
		return o, nil
	}

	hr, retries, err := withRetry(ctx, p.cfg.Retry, logger, "hash", r.Path,
		func(ctx context.Context) (hashing.Result, error) { return p.hash(ctx, sourceID, t, r) })
	o.retries += retries
	var hashErr *catalog.HashError
	switch {
	case errors.Is(err, catalog.ErrRunCancelled):
		return o, err
	case errors.As(err, &hashErr):
		logger.Warn("ingest.hash.error", "path", r.Path, "err", err)
		o.errs = append(o.errs, RunError{Path: hashErr.Path, Kind: ErrKindHash, Message: err.Error()})
		p.countError(ErrKindHash)
		p.runLog(sourceID, "hash_failed %s", r.Path)
		cand.HashSkipped = true
		cand.SkipReason = "hash failed: " + hashErr.Err.Error()
	case err != nil:
		o.errs = append(o.errs, RunError{Path: r.Path, Kind: ErrKindHash, Message: err.Error()})
		p.countError(ErrKindHash)
		cand.HashSkipped = true
		cand.SkipReason = "hash failed: " + err.Error()
	case hr.Skipped:
		cand.HashSkipped = true
		cand.SkipReason = hr.Reason
		p.runLog(sourceID, "hash_skipped %s: %s", r.Path, hr.Reason)
	default:
		cand.Hash = hr.Hash
	}

	o.cand = cand
	o.emitted = true
	return o, nil
}

func (p *Pipeline) hash(ctx context.Context, sourceID string, t *tree.Tree, r classify.Root) (hashing.Result, error) {
	if r.Kind == catalog.KindFile {
		e, ok := t.Get(r.Path)
		if !ok {
			return hashing.Result{}, &catalog.HashError{Path: r.Path, Err: fmt.Errorf("not in tree")}
		}
		return p.hasher.HashFile(ctx, sourceID, e)
	}
	return p.hasher.HashDir(ctx, sourceID, t, r.Path)
}

// readPrimary reads at most MaxMetadataBytes of e.
func (p *Pipeline) readPrimary(ctx context.Context, e tree.Entry) ([]byte, error) {
	if e.Open == nil {
		return nil, fmt.Errorf("no content accessor for %s", e.Path)
	}
	rc, err := e.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, catalog.Cancelled(ctx.Err())
		}
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(io.LimitReader(rc, p.cfg.MaxMetadataBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, catalog.Cancelled(ctx.Err())
		}
		return nil, fmt.Errorf("read %s: %w", e.Path, err)
	}
	return b, nil
}

func (p *Pipeline) finish(sourceID string, res *RunResult, err error, logger *slog.Logger) {
	outcome := "ok"
	switch {
	case errors.Is(err, catalog.ErrRunCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	case len(res.Errors) > 0:
		outcome = "partial"
	}

	if p.metrics != nil {
		p.metrics.Runs.WithLabelValues(outcome).Inc()
		p.metrics.RunDuration.Observe(res.Duration.Seconds())
		if err == nil {
			for typ, n := range res.CountsByType {
				p.metrics.Candidates.WithLabelValues(string(typ)).Add(float64(n))
			}
			p.metrics.Duplicates.WithLabelValues("within_source").Add(float64(res.DuplicatesWithinSource))
			p.metrics.Duplicates.WithLabelValues("across_sources").Add(float64(res.DuplicatesAcrossSources))
		}
	}

	if err != nil {
		logger.Error("ingest.run.failed", "outcome", outcome, "err", err, "duration_ms", res.DurationMs)
		p.runLog(sourceID, "run %s %s: %v", res.RunID, outcome, err)
		return
	}
	logger.Info("ingest.run.complete",
		"outcome", outcome,
		"files", res.Files,
		"candidates", res.Candidates,
		"survivors", res.Survivors,
		"duplicates_within_source", res.DuplicatesWithinSource,
		"duplicates_across_sources", res.DuplicatesAcrossSources,
		"hash_skipped", res.HashSkipped,
		"removed", res.Removed,
		"errors", len(res.Errors),
		"duration_ms", res.DurationMs,
	)
	p.runLog(sourceID, "run %s completed: %d survivors, %d duplicates, %d errors",
		res.RunID, res.Survivors, res.DuplicatesWithinSource+res.DuplicatesAcrossSources, len(res.Errors))
}

func (p *Pipeline) countError(kind string) {
	if p.metrics != nil {
		p.metrics.Errors.WithLabelValues(kind).Inc()
	}
}

func (p *Pipeline) runLog(sourceID, format string, args ...any) {
	AppendRunLog(p.cfg.RunLogDir, sourceID, fmt.Sprintf(format, args...))
}
