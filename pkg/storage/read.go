// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kraklabs/acat/pkg/catalog"
)

// maxParams bounds the number of bound parameters per IN list.
const maxParams = 500

// Get returns the entry with the given ID.
func (s *Store) Get(ctx context.Context, id string) (catalog.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries e WHERE e.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Entry{}, &catalog.NotFoundError{ID: id}
	}
	if err != nil {
		return catalog.Entry{}, fmt.Errorf("read entry %s: %w", id, err)
	}
	return e, nil
}

// Prior returns the stored entries of sourceID keyed by path.
func (s *Store) Prior(ctx context.Context, sourceID string) (map[string]catalog.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM catalog_entries e WHERE e.source_id = ?`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query prior entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]catalog.Entry)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prior entry: %w", err)
		}
		out[e.Path] = e
	}
	return out, rows.Err()
}

// ImportedByHash returns the imported entries carrying any of hashes, grouped
// by hash and ordered by ID within each group.
func (s *Store) ImportedByHash(ctx context.Context, hashes []string) (map[string][]catalog.Entry, error) {
	out := make(map[string][]catalog.Entry)
	for start := 0; start < len(hashes); start += maxParams {
		end := min(start+maxParams, len(hashes))
		chunk := hashes[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, string(catalog.StatusImported))
		for _, h := range chunk {
			args = append(args, h)
		}
		rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM catalog_entries e
			WHERE e.status = ? AND e.content_hash IN (`+placeholders(len(chunk))+`)
			ORDER BY e.id`, args...)
		if err != nil {
			return nil, fmt.Errorf("query imported entries: %w", err)
		}
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan imported entry: %w", err)
			}
			h := e.HashValue()
			out[h] = append(out[h], e)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("query imported entries: %w", err)
		}
	}
	return out, nil
}

// Stats summarizes the catalog.
type Stats struct {
	Total    int            `json:"total"`
	Sources  int            `json:"sources"`
	ByType   map[string]int `json:"by_type"`
	ByStatus map[string]int `json:"by_status"`
	Engine   string         `json:"engine"`
}

// Stats counts entries by type and status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		ByType:   make(map[string]int),
		ByStatus: make(map[string]int),
		Engine:   s.Engine(),
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*), count(DISTINCT source_id) FROM catalog_entries`).Scan(&st.Total, &st.Sources); err != nil {
		return st, fmt.Errorf("count entries: %w", err)
	}
	if err := s.countBy(ctx, "artifact_type", st.ByType); err != nil {
		return st, err
	}
	if err := s.countBy(ctx, "status", st.ByStatus); err != nil {
		return st, err
	}
	return st, nil
}

func (s *Store) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, count(*) FROM catalog_entries GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("count by %s: %w", column, err)
		}
		into[k] = n
	}
	return rows.Err()
}
