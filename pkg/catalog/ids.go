// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

// entryNamespace scopes entry UUIDs so they never collide with other v5 IDs.
var entryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://kraklabs.com/acat/catalog-entry"))

// EntryID returns the deterministic ID of the entry for (sourceID, path).
// Re-ingesting the same path of the same source keeps the same ID.
func EntryID(sourceID, p string) string {
	return uuid.NewSHA1(entryNamespace, []byte(sourceID+"\x00"+CleanPath(p))).String()
}

// CleanPath normalizes a relative slash-separated path. It returns "" for the
// root and for paths escaping the root.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(path.Clean(p), "/")
	if p == "." || p == "" || p == ".." || strings.HasPrefix(p, "../") {
		return ""
	}
	return p
}
