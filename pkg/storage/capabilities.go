// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
)

// Capabilities describes optional SQLite features of the runtime.
type Capabilities struct {
	FTS5 bool
}

// DetectCapabilities probes db for FTS5 by creating and dropping a
// temporary virtual table. Call it once at startup and pass the result to
// Open through Options.Capabilities.
func DetectCapabilities(ctx context.Context, db *sql.DB) Capabilities {
	conn, err := db.Conn(ctx)
	if err != nil {
		return Capabilities{}
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `CREATE VIRTUAL TABLE temp.acat_fts_probe USING fts5(x)`); err != nil {
		return Capabilities{}
	}
	_, _ = conn.ExecContext(ctx, `DROP TABLE temp.acat_fts_probe`)
	return Capabilities{FTS5: true}
}
