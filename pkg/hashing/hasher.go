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

// Package hashing computes content digests for artifact candidates: the
// sha256 of a file's raw bytes, and for a directory the sha256 of its
// path-sorted (relative path, file digest) listing.
package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kraklabs/acat/pkg/catalog"
	"github.com/kraklabs/acat/pkg/tree"
)

// DefaultMaxBytes is the per-file hashing ceiling (10 MiB).
const DefaultMaxBytes int64 = 10 << 20

// Options configures a Hasher.
type Options struct {
	// MaxBytes is the largest file that is hashed. Candidates holding a
	// larger file are flagged and left without a hash.
	MaxBytes int64

	// CacheSize bounds the number of cached file digests.
	CacheSize int

	Logger *slog.Logger
}

// DefaultOptions returns the defaults used by the CLI.
func DefaultOptions() Options {
	return Options{
		MaxBytes:  DefaultMaxBytes,
		CacheSize: 16384,
	}
}

// Result is the outcome of hashing one candidate.
type Result struct {
	Hash    *string
	Skipped bool
	Reason  string
	Size    int64
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits   int64
	Misses int64
}

// FilePair is one line of a directory digest.
type FilePair struct {
	RelPath string
	Hash    string
}

type cacheKey struct {
	sourceID string
	path     string
	size     int64
	modTime  int64
}

// Hasher hashes tree entries and caches file digests across runs. It is
// safe for concurrent use.
type Hasher struct {
	maxBytes int64
	logger   *slog.Logger
	cache    *lru.Cache[cacheKey, string]

	hits     atomic.Int64
	misses   atomic.Int64
	onLookup atomic.Pointer[func(hit bool)]
}

// New creates a Hasher. Zero option fields take their defaults.
func New(opts Options) (*Hasher, error) {
	def := DefaultOptions()
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = def.CacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cache, err := lru.New[cacheKey, string](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create hash cache: %w", err)
	}
	return &Hasher{maxBytes: opts.MaxBytes, logger: opts.Logger, cache: cache}, nil
}

// MaxBytes returns the configured ceiling.
func (h *Hasher) MaxBytes() int64 { return h.maxBytes }

// Stats returns cumulative cache hits and misses.
func (h *Hasher) Stats() Stats {
	return Stats{Hits: h.hits.Load(), Misses: h.misses.Load()}
}

// OnCacheLookup registers fn to be called on every cache lookup.
func (h *Hasher) OnCacheLookup(fn func(hit bool)) {
	h.onLookup.Store(&fn)
}

// FileHash returns the hex sha256 of data.
func FileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DirHash returns the digest of the path-sorted, newline-joined
// "relPath\tfileHash" lines. Input order does not matter.
func DirHash(pairs []FilePair) string {
	sorted := make([]FilePair, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelPath < sorted[j].RelPath })

	lines := make([]string, len(sorted))
	for i, p := range sorted {
		lines[i] = p.RelPath + "\t" + p.Hash
	}
	return FileHash([]byte(strings.Join(lines, "\n")))
}

// HashFile hashes a single-file candidate.
func (h *Hasher) HashFile(ctx context.Context, sourceID string, e tree.Entry) (Result, error) {
	if e.Size > h.maxBytes {
		return h.skip(sourceID, e.Path, e.Size, e.Path), nil
	}
	sum, oversized, err := h.fileDigest(ctx, sourceID, e)
	if err != nil {
		return Result{Size: e.Size}, err
	}
	if oversized {
		return h.skip(sourceID, e.Path, e.Size, e.Path), nil
	}
	return Result{Hash: &sum, Size: e.Size}, nil
}

// HashDir hashes every file beneath dir. A directory holding any file above
// the ceiling is skipped as a whole so large binaries are never deduplicated
// on a partial digest.
func (h *Hasher) HashDir(ctx context.Context, sourceID string, t *tree.Tree, dir string) (Result, error) {
	files := t.Under(dir)
	var size int64
	for _, e := range files {
		size += e.Size
	}
	for _, e := range files {
		if e.Size > h.maxBytes {
			return h.skip(sourceID, dir, size, e.Path), nil
		}
	}

	pairs := make([]FilePair, 0, len(files))
	for _, e := range files {
		sum, oversized, err := h.fileDigest(ctx, sourceID, e)
		if err != nil {
			return Result{Size: size}, err
		}
		if oversized {
			return h.skip(sourceID, dir, size, e.Path), nil
		}
		pairs = append(pairs, FilePair{RelPath: tree.RelPath(dir, e.Path), Hash: sum})
	}
	sum := DirHash(pairs)
	return Result{Hash: &sum, Size: size}, nil
}

func (h *Hasher) skip(sourceID, candidate string, size int64, offender string) Result {
	reason := fmt.Sprintf("file %s exceeds %d bytes", offender, h.maxBytes)
	h.logger.Info("hash.skipped_oversize", "source_id", sourceID, "path", candidate, "file", offender, "max_bytes", h.maxBytes)
	return Result{Skipped: true, Reason: reason, Size: size}
}

// fileDigest returns the cached or freshly computed digest of e. oversized
// is set when the content turned out larger than its listed size allowed.
func (h *Hasher) fileDigest(ctx context.Context, sourceID string, e tree.Entry) (sum string, oversized bool, err error) {
	cacheable := !e.ModTime.IsZero()
	key := cacheKey{sourceID: sourceID, path: e.Path, size: e.Size}
	if cacheable {
		key.modTime = e.ModTime.UnixNano()
		if v, ok := h.cache.Get(key); ok {
			h.observe(true)
			return v, false, nil
		}
		h.observe(false)
	}

	if err := ctx.Err(); err != nil {
		return "", false, catalog.Cancelled(err)
	}
	if e.Open == nil {
		return "", false, &catalog.HashError{Path: e.Path, Err: fmt.Errorf("no content accessor")}
	}
	rc, err := e.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, catalog.Cancelled(ctx.Err())
		}
		return "", false, &catalog.HashError{Path: e.Path, Err: err}
	}
	defer func() { _ = rc.Close() }()

	hw := sha256.New()
	n, err := io.Copy(hw, io.LimitReader(rc, h.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return "", false, catalog.Cancelled(ctx.Err())
		}
		return "", false, &catalog.HashError{Path: e.Path, Err: err}
	}
	if n > h.maxBytes {
		return "", true, nil
	}
	sum = hex.EncodeToString(hw.Sum(nil))
	if cacheable {
		h.cache.Add(key, sum)
	}
	return sum, false, nil
}

func (h *Hasher) observe(hit bool) {
	if hit {
		h.hits.Add(1)
	} else {
		h.misses.Add(1)
	}
	if fn := h.onLookup.Load(); fn != nil && *fn != nil {
		(*fn)(hit)
	}
}
