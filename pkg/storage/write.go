// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kraklabs/acat/pkg/catalog"
)

// RunWrite is the result of one ingestion run for a source, applied
// atomically.
type RunWrite struct {
	RunID       string
	Entries     []catalog.Entry
	RemovePaths []string
	FinishedAt  time.Time
}

// runRecord is the catalog_meta value stored per source after a run.
type runRecord struct {
	RunID      string    `json:"run_id"`
	FinishedAt time.Time `json:"finished_at"`
	Entries    int       `json:"entries"`
	Removed    int       `json:"removed"`
}

// Upsert inserts or replaces entries together with their index rows in a
// single transaction.
func (s *Store) Upsert(ctx context.Context, entries ...catalog.Entry) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		for i := range entries {
			if err := s.upsertTx(ctx, tx, &entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes entries and their index rows. Unknown IDs are ignored.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := s.deleteTx(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyRun persists the entries of one run for sourceID and removes the
// listed paths of that source, all in one transaction. A failure leaves the
// catalog as it was before the run.
func (s *Store) ApplyRun(ctx context.Context, sourceID string, w RunWrite) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		for i := range w.Entries {
			if w.Entries[i].SourceID != sourceID {
				return fmt.Errorf("entry %s belongs to source %q, not %q", w.Entries[i].ID, w.Entries[i].SourceID, sourceID)
			}
			if err := s.upsertTx(ctx, tx, &w.Entries[i]); err != nil {
				return err
			}
		}
		for _, p := range w.RemovePaths {
			if err := s.deleteTx(ctx, tx, catalog.EntryID(sourceID, p)); err != nil {
				return err
			}
		}

		finished := w.FinishedAt
		if finished.IsZero() {
			finished = time.Now()
		}
		rec, err := json.Marshal(runRecord{
			RunID:      w.RunID,
			FinishedAt: finished.UTC(),
			Entries:    len(w.Entries),
			Removed:    len(w.RemovePaths),
		})
		if err != nil {
			return fmt.Errorf("encode run record: %w", err)
		}
		return s.setMeta(ctx, tx, metaLastRunPrefix+sourceID, string(rec))
	})
}

// Restore moves an excluded entry back to new and clears its reason.
// Entries in any other status are returned unchanged.
func (s *Store) Restore(ctx context.Context, id string) (catalog.Entry, error) {
	var out catalog.Entry
	err := s.write(ctx, func(tx *sql.Tx) error {
		e, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM catalog_entries e WHERE e.id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return &catalog.NotFoundError{ID: id}
		}
		if err != nil {
			return fmt.Errorf("read entry %s: %w", id, err)
		}
		if e.Status == catalog.StatusExcluded {
			if _, err := tx.ExecContext(ctx,
				`UPDATE catalog_entries SET status = ?, excluded_reason = NULL WHERE id = ?`,
				string(catalog.StatusNew), id); err != nil {
				return fmt.Errorf("restore entry %s: %w", id, err)
			}
			e.Status = catalog.StatusNew
			e.ExcludedReason = nil
			s.logger.Info("catalog.restore", "id", id, "path", e.Path)
		}
		out = e
		return nil
	})
	return out, err
}

// RebuildIndex recreates every index row from the primary table.
func (s *Store) RebuildIndex(ctx context.Context) (int, error) {
	if !s.caps.FTS5 {
		return 0, fmt.Errorf("rebuild index: fts5 is not available")
	}
	var n int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_fts`); err != nil {
			return &catalog.IndexSyncError{Op: "rebuild", Err: err}
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO catalog_fts (entry_id, name, title, description, tags, search_text)
			SELECT id, name, coalesce(title, ''), coalesce(description, ''),
				coalesce((SELECT group_concat(value, ' ') FROM json_each(tags)), ''),
				coalesce(search_text, '')
			FROM catalog_entries`)
		if err != nil {
			return &catalog.IndexSyncError{Op: "rebuild", Err: err}
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("catalog.index.rebuilt", "rows", n)
	return int(n), nil
}

// IndexReport describes drift between the primary table and the index.
type IndexReport struct {
	Available  bool
	Entries    int
	Indexed    int
	Missing    []string // entries without an index row
	Orphaned   []string // index rows without an entry
	Duplicated []string // entries with more than one index row
}

// Drift reports whether the index disagrees with the primary table.
func (r IndexReport) Drift() bool {
	return len(r.Missing) > 0 || len(r.Orphaned) > 0 || len(r.Duplicated) > 0
}

// CheckIndex compares the index with the primary table.
func (s *Store) CheckIndex(ctx context.Context) (IndexReport, error) {
	var r IndexReport
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM catalog_entries`).Scan(&r.Entries); err != nil {
		return r, fmt.Errorf("count entries: %w", err)
	}
	if !s.caps.FTS5 {
		return r, nil
	}
	r.Available = true
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM catalog_fts`).Scan(&r.Indexed); err != nil {
		return r, fmt.Errorf("count index rows: %w", err)
	}

	var err error
	if r.Missing, err = s.ids(ctx, `SELECT id FROM catalog_entries
		WHERE id NOT IN (SELECT entry_id FROM catalog_fts) ORDER BY id`); err != nil {
		return r, err
	}
	if r.Orphaned, err = s.ids(ctx, `SELECT DISTINCT entry_id FROM catalog_fts
		WHERE entry_id NOT IN (SELECT id FROM catalog_entries) ORDER BY entry_id`); err != nil {
		return r, err
	}
	if r.Duplicated, err = s.ids(ctx, `SELECT entry_id FROM catalog_fts
		GROUP BY entry_id HAVING count(*) > 1 ORDER BY entry_id`); err != nil {
		return r, err
	}
	return r, nil
}

func (s *Store) ids(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("check index: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("check index: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// write runs fn in a transaction under the writer lock.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.closeMu.Lock()
	closed := s.closed
	s.closeMu.Unlock()
	if closed {
		return fmt.Errorf("catalog is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-ctx.Done():
		return catalog.Cancelled(ctx.Err())
	default:
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) upsertTx(ctx context.Context, tx *sql.Tx, e *catalog.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	tags, err := tagsJSON(e.Tags)
	if err != nil {
		return fmt.Errorf("encode tags of %s: %w", e.ID, err)
	}
	detected := e.DetectedAt
	if detected.IsZero() {
		detected = time.Now()
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO catalog_entries (
			id, source_id, path, name, artifact_type, confidence, content_hash, status,
			excluded_reason, title, description, tags, search_text, detected_at, imported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source_id = excluded.source_id,
			path = excluded.path,
			name = excluded.name,
			artifact_type = excluded.artifact_type,
			confidence = excluded.confidence,
			content_hash = excluded.content_hash,
			status = excluded.status,
			excluded_reason = excluded.excluded_reason,
			title = excluded.title,
			description = excluded.description,
			tags = excluded.tags,
			search_text = excluded.search_text,
			detected_at = excluded.detected_at,
			imported_at = excluded.imported_at`,
		e.ID, e.SourceID, e.Path, e.Name, string(e.ArtifactType), e.ConfidenceScore,
		ptrArg(e.ContentHash), string(e.Status), reasonArg(e),
		ptrArg(e.Title), ptrArg(e.Description), tags, ptrArg(e.SearchText),
		detected.UTC().Format(time.RFC3339Nano), timeArg(e.ImportedAt))
	if err != nil {
		return fmt.Errorf("upsert entry %s: %w", e.ID, err)
	}

	if !s.caps.FTS5 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_fts WHERE entry_id = ?`, e.ID); err != nil {
		return &catalog.IndexSyncError{Op: "upsert", Err: err}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO catalog_fts (entry_id, name, title, description, tags, search_text) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, deref(e.Title), deref(e.Description), strings.Join(e.Tags, " "), deref(e.SearchText))
	if err != nil {
		return &catalog.IndexSyncError{Op: "upsert", Err: err}
	}
	return nil
}

func (s *Store) deleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	if !s.caps.FTS5 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_fts WHERE entry_id = ?`, id); err != nil {
		return &catalog.IndexSyncError{Op: "delete", Err: err}
	}
	return nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// reasonArg stores the exclusion reason only for excluded entries.
func reasonArg(e *catalog.Entry) any {
	if e.Status != catalog.StatusExcluded {
		return nil
	}
	return ptrArg(e.ExcludedReason)
}
