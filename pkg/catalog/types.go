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

// Package catalog defines the artifact catalog data model shared by the
// classifier, the deduplication engine and the catalog index.
package catalog

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// ArtifactType is the closed set of artifact kinds the classifier can emit.
type ArtifactType string

const (
	TypeSkill     ArtifactType = "skill"
	TypeCommand   ArtifactType = "command"
	TypeAgent     ArtifactType = "agent"
	TypeConnector ArtifactType = "connector"
	TypeHook      ArtifactType = "hook"
)

// allTypes is ordered; the order breaks classification ties.
var allTypes = []ArtifactType{TypeSkill, TypeCommand, TypeAgent, TypeConnector, TypeHook}

// AllTypes returns every artifact type in tie-break order.
func AllTypes() []ArtifactType {
	out := make([]ArtifactType, len(allTypes))
	copy(out, allTypes)
	return out
}

// Valid reports whether t is a member of the closed set.
func (t ArtifactType) Valid() bool {
	for _, known := range allTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Rank returns the tie-break position of t, or len(AllTypes()) for unknown types.
func (t ArtifactType) Rank() int {
	for i, known := range allTypes {
		if t == known {
			return i
		}
	}
	return len(allTypes)
}

// ParseArtifactType parses a user supplied type name. "mcp" is accepted as an
// alias for connector.
func ParseArtifactType(s string) (ArtifactType, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "mcp" {
		return TypeConnector, nil
	}
	t := ArtifactType(v)
	if !t.Valid() {
		return "", fmt.Errorf("unknown artifact type %q", s)
	}
	return t, nil
}

// Status is the lifecycle state of a catalog entry.
type Status string

const (
	StatusNew      Status = "new"
	StatusUpdated  Status = "updated"
	StatusImported Status = "imported"
	StatusExcluded Status = "excluded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusUpdated, StatusImported, StatusExcluded:
		return true
	}
	return false
}

// Entry is a detected artifact record (one row of the catalog).
type Entry struct {
	ID              string       `json:"id"`
	SourceID        string       `json:"source_id"`
	Path            string       `json:"path"`
	Name            string       `json:"name"`
	ArtifactType    ArtifactType `json:"artifact_type"`
	ConfidenceScore int          `json:"confidence_score"`
	ContentHash     *string      `json:"content_hash,omitempty"`
	Status          Status       `json:"status"`
	ExcludedReason  *string      `json:"excluded_reason,omitempty"`
	Title           *string      `json:"title,omitempty"`
	Description     *string      `json:"description,omitempty"`
	Tags            []string     `json:"tags,omitempty"`
	SearchText      *string      `json:"search_text,omitempty"`
	DetectedAt      time.Time    `json:"detected_at"`
	ImportedAt      *time.Time   `json:"imported_at,omitempty"`
}

// Validate checks the record invariants: excludedReason is set iff the entry
// is excluded, and the confidence score lies in [0, 100].
func (e *Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entry id is required")
	}
	if e.SourceID == "" || e.Path == "" {
		return fmt.Errorf("entry %s: source_id and path are required", e.ID)
	}
	if !e.ArtifactType.Valid() {
		return fmt.Errorf("entry %s: invalid artifact type %q", e.ID, e.ArtifactType)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("entry %s: invalid status %q", e.ID, e.Status)
	}
	if e.ConfidenceScore < 0 || e.ConfidenceScore > 100 {
		return fmt.Errorf("entry %s: confidence %d out of range", e.ID, e.ConfidenceScore)
	}
	hasReason := e.ExcludedReason != nil && *e.ExcludedReason != ""
	if hasReason != (e.Status == StatusExcluded) {
		return fmt.Errorf("entry %s: excluded_reason must be set exactly when status is excluded", e.ID)
	}
	return nil
}

// Exclude marks the entry excluded with the given reason.
func (e *Entry) Exclude(reason string) {
	e.Status = StatusExcluded
	e.ExcludedReason = &reason
}

// HashValue returns the content hash or "" when hashing was skipped.
func (e *Entry) HashValue() string {
	if e.ContentHash == nil {
		return ""
	}
	return *e.ContentHash
}

// NameFromPath derives the display name of an artifact: the last path
// segment without its extension.
func NameFromPath(p string) string {
	base := path.Base(p)
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// StringPtr returns a pointer to s, or nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
