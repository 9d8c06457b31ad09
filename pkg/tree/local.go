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

package tree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kraklabs/acat/pkg/catalog"
)

// LocalProvider reads a source tree from the local filesystem.
type LocalProvider struct {
	logger   *slog.Logger
	excluder *Excluder
}

// NewLocalProvider creates a provider that skips paths matching excludes.
func NewLocalProvider(excludes []string, logger *slog.Logger) (*LocalProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	x, err := NewExcluder(excludes)
	if err != nil {
		return nil, err
	}
	return &LocalProvider{logger: logger, excluder: x}, nil
}

// Fetch walks ref.URI and returns its regular files. Symlinks are skipped.
func (p *LocalProvider) Fetch(ctx context.Context, ref SourceRef) (*Tree, error) {
	root := strings.TrimPrefix(ref.URI, "file://")
	if root == "" {
		return nil, &catalog.FetchError{Kind: catalog.FetchNotFound, Err: errors.New("empty source path")}
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, localFetchError(root, err)
	}
	if !info.IsDir() {
		return nil, &catalog.FetchError{Kind: catalog.FetchNotFound, Path: root, Err: errors.New("not a directory")}
	}

	var entries []Entry
	skips := make(map[string]int)
	walkErr := filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if full == root {
			return err
		}
		rel, relErr := filepath.Rel(root, full)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if err != nil {
			p.logger.Warn("tree.local.walk_error", "path", rel, "err", err)
			skips[SkipUnreadable]++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if p.excluder.Match(rel, d.IsDir()) {
			skips[SkipExcluded]++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			skips[SkipSymlink]++
			return nil
		}
		if !d.Type().IsRegular() {
			skips[SkipNotRegular]++
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			skips[SkipUnreadable]++
			return nil
		}
		entries = append(entries, Entry{
			Path:    rel,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			Open:    openLocal(full),
		})
		return nil
	})
	if walkErr != nil {
		if ctx.Err() != nil {
			return nil, catalog.Cancelled(ctx.Err())
		}
		return nil, localFetchError(root, walkErr)
	}

	t, err := New(entries)
	if err != nil {
		return nil, fmt.Errorf("build tree: %w", err)
	}
	t.SkipReasons = skips
	p.logger.Debug("tree.local.fetched", "source_id", ref.ID, "root", root, "files", t.Len(), "skipped", skips)
	return t, nil
}

func openLocal(full string) Opener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := os.Open(full)
		if err != nil {
			return nil, localFetchError(full, err)
		}
		return f, nil
	}
}

func localFetchError(p string, err error) error {
	kind := catalog.FetchUnavailable
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = catalog.FetchNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = catalog.FetchUnauthorized
	}
	return &catalog.FetchError{Kind: kind, Path: p, Err: err}
}
