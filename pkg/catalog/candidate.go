// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

// RootKind tells whether a candidate is rooted at a directory or a single file.
type RootKind string

const (
	KindDir  RootKind = "dir"
	KindFile RootKind = "file"
)

// MappingOrigin records how a manual mapping applied to a candidate.
type MappingOrigin string

const (
	OriginNone      MappingOrigin = ""
	OriginDirect    MappingOrigin = "direct"
	OriginInherited MappingOrigin = "inherited"
)

// Signal is one scored contribution to a candidate's confidence.
type Signal struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// Metadata is the structured header found in an artifact's primary file.
type Metadata struct {
	Name        string
	Title       string
	Description string
	Tags        []string
	TypeHint    ArtifactType
	Body        string
}

// Candidate is a classified artifact root produced during one run. It is
// never persisted directly; the dedup engine turns it into an Entry.
type Candidate struct {
	Path         string
	Kind         RootKind
	ArtifactType ArtifactType
	Score        int
	Signals      []Signal
	Origin       MappingOrigin
	PrimaryFile  string
	Metadata     *Metadata
	Size         int64

	Hash        *string
	HashSkipped bool
	SkipReason  string
}

// HashValue returns the content hash or "" when none was computed.
func (c *Candidate) HashValue() string {
	if c.Hash == nil {
		return ""
	}
	return *c.Hash
}
