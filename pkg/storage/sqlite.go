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

// Package storage is the persistent catalog index: a SQLite primary table
// of catalog entries, an FTS5 lexical index kept in step with it inside the
// same transactions, and a scan fallback that applies the same word-prefix
// matching when FTS5 is unavailable or disabled.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	_ "modernc.org/sqlite"
)

// SchemaVersion is stored in catalog_meta and bumped on incompatible changes.
const SchemaVersion = 1

// Options configures a Store.
type Options struct {
	// ForceFallback disables the indexed search path even when FTS5 is
	// available. The lexical index is still maintained.
	ForceFallback bool

	// Capabilities is the result of DetectCapabilities computed once at
	// process start. When nil, Open probes the opened database.
	Capabilities *Capabilities

	Logger *slog.Logger
}

// Store is the catalog index. Writers are serialized; readers run
// concurrently.
type Store struct {
	db            *sql.DB
	caps          Capabilities
	forceFallback bool
	logger        *slog.Logger

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Open opens (creating if needed) the catalog at path. ":memory:" opens a
// private in-memory catalog.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	inMemory := path == ":memory:"
	dsn := path
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}

	var caps Capabilities
	if opts.Capabilities != nil {
		caps = *opts.Capabilities
	} else {
		caps = DetectCapabilities(ctx, db)
	}
	if !caps.FTS5 {
		opts.Logger.Warn("catalog.fts.unavailable", "msg", "lexical index disabled, using scan search")
	}

	s := &Store{
		db:            db,
		caps:          caps,
		forceFallback: opts.ForceFallback,
		logger:        opts.Logger,
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// DB returns the underlying database for maintenance tooling and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Capabilities returns the capabilities the store was opened with.
func (s *Store) Capabilities() Capabilities { return s.caps }

// IndexedSearch reports whether text queries use the FTS5 path.
func (s *Store) IndexedSearch() bool { return s.caps.FTS5 && !s.forceFallback }

// Engine names the search path used for text queries.
func (s *Store) Engine() string {
	if s.IndexedSearch() {
		return EngineFTS
	}
	return EngineFallback
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS catalog_entries (
		id              TEXT PRIMARY KEY,
		source_id       TEXT NOT NULL,
		path            TEXT NOT NULL,
		name            TEXT NOT NULL,
		artifact_type   TEXT NOT NULL,
		confidence      INTEGER NOT NULL CHECK (confidence BETWEEN 0 AND 100),
		content_hash    TEXT,
		status          TEXT NOT NULL,
		excluded_reason TEXT,
		title           TEXT,
		description     TEXT,
		tags            TEXT NOT NULL DEFAULT '[]',
		search_text     TEXT,
		detected_at     TEXT NOT NULL,
		imported_at     TEXT,
		UNIQUE (source_id, path),
		CHECK ((status = 'excluded') = (excluded_reason IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_catalog_entries_hash ON catalog_entries (content_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_catalog_entries_status_conf ON catalog_entries (status, confidence)`,
	`CREATE TABLE IF NOT EXISTS catalog_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

const ftsSchema = `CREATE VIRTUAL TABLE IF NOT EXISTS catalog_fts USING fts5(
	entry_id UNINDEXED, name, title, description, tags, search_text,
	tokenize = 'unicode61 remove_diacritics 0'
)`

// ensureSchema creates the tables. It is idempotent.
func (s *Store) ensureSchema(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stmts := schema
	if s.caps.FTS5 {
		stmts = append(append([]string(nil), schema...), ftsSchema)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	v, err := s.getMeta(ctx, s.db, metaSchemaVersion)
	if err != nil {
		return err
	}
	switch {
	case v == "":
		return s.setMeta(ctx, s.db, metaSchemaVersion, strconv.Itoa(SchemaVersion))
	case v != strconv.Itoa(SchemaVersion):
		return fmt.Errorf("catalog schema version %s is not supported (want %d)", v, SchemaVersion)
	}
	return nil
}

const (
	metaSchemaVersion = "schema_version"
	metaLastRunPrefix = "last_run:"
)

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getMeta(ctx context.Context, q execQuerier, key string) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM catalog_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) setMeta(ctx context.Context, q execQuerier, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO catalog_meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// LastRun returns the run record stored by ApplyRun for sourceID.
func (s *Store) LastRun(ctx context.Context, sourceID string) (string, error) {
	return s.getMeta(ctx, s.db, metaLastRunPrefix+sourceID)
}
