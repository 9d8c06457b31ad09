// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kraklabs/acat/pkg/catalog"
)

const entryColumns = `e.id, e.source_id, e.path, e.name, e.artifact_type, e.confidence,
	e.content_hash, e.status, e.excluded_reason, e.title, e.description, e.tags,
	e.search_text, e.detected_at, e.imported_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry reads entryColumns plus any extra destinations.
func scanEntry(r rowScanner, extra ...any) (catalog.Entry, error) {
	var (
		e          catalog.Entry
		typ        string
		status     string
		hash       sql.NullString
		reason     sql.NullString
		title      sql.NullString
		desc       sql.NullString
		tags       string
		searchText sql.NullString
		detected   string
		imported   sql.NullString
	)
	dest := []any{
		&e.ID, &e.SourceID, &e.Path, &e.Name, &typ, &e.ConfidenceScore,
		&hash, &status, &reason, &title, &desc, &tags,
		&searchText, &detected, &imported,
	}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return catalog.Entry{}, err
	}

	e.ArtifactType = catalog.ArtifactType(typ)
	e.Status = catalog.Status(status)
	e.ContentHash = nullPtr(hash)
	e.ExcludedReason = nullPtr(reason)
	e.Title = nullPtr(title)
	e.Description = nullPtr(desc)
	e.SearchText = nullPtr(searchText)
	if tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return catalog.Entry{}, fmt.Errorf("decode tags of %s: %w", e.ID, err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, detected)
	if err != nil {
		return catalog.Entry{}, fmt.Errorf("decode detected_at of %s: %w", e.ID, err)
	}
	e.DetectedAt = t
	if imported.Valid {
		t, err := time.Parse(time.RFC3339Nano, imported.String)
		if err != nil {
			return catalog.Entry{}, fmt.Errorf("decode imported_at of %s: %w", e.ID, err)
		}
		e.ImportedAt = &t
	}
	return e, nil
}

func nullPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func ptrArg(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func tagsJSON(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
