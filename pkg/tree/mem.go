// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package tree

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/kraklabs/acat/pkg/catalog"
)

// MemProvider serves trees held in memory, keyed by source URI.
type MemProvider struct {
	mu    sync.RWMutex
	files map[string]map[string]memFile
}

type memFile struct {
	data    []byte
	modTime time.Time
}

// NewMemProvider returns an empty provider.
func NewMemProvider() *MemProvider {
	return &MemProvider{files: make(map[string]map[string]memFile)}
}

// Put stores content at path under uri, replacing any previous content.
func (m *MemProvider) Put(uri, p string, data []byte, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.files[uri]
	if !ok {
		src = make(map[string]memFile)
		m.files[uri] = src
	}
	src[p] = memFile{data: append([]byte(nil), data...), modTime: modTime}
}

// Remove deletes one path under uri.
func (m *MemProvider) Remove(uri, p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files[uri], p)
}

// Fetch returns a snapshot of the files under ref.URI.
func (m *MemProvider) Fetch(ctx context.Context, ref SourceRef) (*Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, catalog.Cancelled(err)
	}
	m.mu.RLock()
	src, ok := m.files[ref.URI]
	if !ok {
		m.mu.RUnlock()
		return nil, &catalog.FetchError{Kind: catalog.FetchNotFound, Path: ref.URI, Err: errors.New("no such source")}
	}
	paths := make([]string, 0, len(src))
	for p := range src {
		paths = append(paths, p)
	}
	snapshot := make(map[string]memFile, len(src))
	for p, f := range src {
		snapshot[p] = f
	}
	m.mu.RUnlock()

	sort.Strings(paths)
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		f := snapshot[p]
		data := f.data
		entries = append(entries, Entry{
			Path:    p,
			Size:    int64(len(data)),
			ModTime: f.modTime,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return io.NopCloser(bytes.NewReader(data)), nil
			},
		})
	}
	return New(entries)
}
