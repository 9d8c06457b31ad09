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

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kraklabs/acat/pkg/catalog"
)

// Search engines reported in PageInfo.
const (
	EngineFTS      = "fts5"
	EngineFallback = "fallback"
)

const (
	DefaultLimit = 20
	MaxLimit     = 200

	snippetRadius = 40
)

// ErrInvalidQuery marks malformed search input.
var ErrInvalidQuery = errors.New("invalid query")

// Query filters and pages the catalog.
type Query struct {
	Text          string
	Type          catalog.ArtifactType
	SourceIDs     []string
	MinConfidence int
	Tags          []string // all must be present
	Statuses      []catalog.Status
	Limit         int
	Cursor        string

	// Fallback forces the scan path for this query.
	Fallback bool
}

// Hit is one search result.
type Hit struct {
	Entry   catalog.Entry `json:"entry"`
	Snippet string        `json:"snippet,omitempty"`
	Rank    float64       `json:"rank"`
}

// PageInfo describes how to fetch the next page.
type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
	Engine     string `json:"engine"`
}

// Page is one page of search results.
type Page struct {
	Items    []Hit    `json:"items"`
	PageInfo PageInfo `json:"page_info"`
}

// Tokenize splits text the way the index tokenizer does: runs of letters,
// numbers and private-use characters, lowercased, without stemming or
// diacritic folding. Duplicates are dropped.
func Tokenize(text string) []string {
	spans := wordSpans(text)
	seen := make(map[string]bool, len(spans))
	out := make([]string, 0, len(spans))
	for _, sp := range spans {
		w := strings.ToLower(text[sp[0]:sp[1]])
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Co, r)
}

// wordSpans returns the byte offsets of every word in text.
func wordSpans(text string) [][2]int {
	var spans [][2]int
	start := -1
	for i, r := range text {
		switch {
		case isWordRune(r) && start < 0:
			start = i
		case !isWordRune(r) && start >= 0:
			spans = append(spans, [2]int{start, i})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, [2]int{start, len(text)})
	}
	return spans
}

// Search runs q on the indexed path when FTS5 is available and not
// disabled, otherwise on the scan fallback. Both paths match the same rows:
// every query token must be a prefix of some word in the searchable fields.
// Queries without text terms always use the fallback ordering (confidence,
// then id).
func (s *Store) Search(ctx context.Context, q Query) (Page, error) {
	if q.Type != "" && !q.Type.Valid() {
		return Page{}, fmt.Errorf("%w: unknown artifact type %q", ErrInvalidQuery, q.Type)
	}
	if q.MinConfidence < 0 || q.MinConfidence > 100 {
		return Page{}, fmt.Errorf("%w: min confidence %d out of range", ErrInvalidQuery, q.MinConfidence)
	}
	for _, st := range q.Statuses {
		if !st.Valid() {
			return Page{}, fmt.Errorf("%w: unknown status %q", ErrInvalidQuery, st)
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	tokens := Tokenize(q.Text)
	engine := EngineFallback
	if len(tokens) > 0 && s.IndexedSearch() && !q.Fallback {
		engine = EngineFTS
	}
	cur, err := decodeCursor(q.Cursor, engine)
	if err != nil {
		return Page{}, err
	}

	var hits []Hit
	if engine == EngineFTS {
		hits, err = s.searchIndexed(ctx, q, tokens, cur, limit+1)
	} else {
		hits, err = s.searchFallback(ctx, q, tokens, cur, limit+1)
	}
	if err != nil {
		return Page{}, err
	}

	page := Page{Items: hits, PageInfo: PageInfo{Engine: engine}}
	if len(hits) > limit {
		page.Items = hits[:limit]
		last := page.Items[limit-1]
		key := last.Rank
		if engine == EngineFallback {
			key = float64(last.Entry.ConfidenceScore)
		}
		page.PageInfo.HasMore = true
		page.PageInfo.NextCursor = cursor{Engine: engine, Key: key, ID: last.Entry.ID}.encode()
	}
	if page.Items == nil {
		page.Items = []Hit{}
	}
	return page, nil
}

// filters builds the shared WHERE clauses over catalog_entries e.
func filters(q Query) ([]string, []any) {
	var where []string
	var args []any

	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = []catalog.Status{catalog.StatusNew, catalog.StatusUpdated, catalog.StatusImported}
	}
	where = append(where, "e.status IN ("+placeholders(len(statuses))+")")
	for _, st := range statuses {
		args = append(args, string(st))
	}
	if q.Type != "" {
		where = append(where, "e.artifact_type = ?")
		args = append(args, string(q.Type))
	}
	if len(q.SourceIDs) > 0 {
		where = append(where, "e.source_id IN ("+placeholders(len(q.SourceIDs))+")")
		for _, id := range q.SourceIDs {
			args = append(args, id)
		}
	}
	if q.MinConfidence > 0 {
		where = append(where, "e.confidence >= ?")
		args = append(args, q.MinConfidence)
	}
	for _, tag := range q.Tags {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(e.tags) WHERE json_each.value = ?)")
		args = append(args, strings.ToLower(tag))
	}
	return where, args
}

// matchExpr ANDs one quoted prefix term per token.
func matchExpr(tokens []string) string {
	terms := make([]string, len(tokens))
	for i, t := range tokens {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"*`
	}
	return strings.Join(terms, " AND ")
}

func (s *Store) searchIndexed(ctx context.Context, q Query, tokens []string, cur *cursor, limit int) ([]Hit, error) {
	where, args := filters(q)
	args = append([]any{matchExpr(tokens)}, args...)
	if cur != nil {
		where = append(where, "(h.score > ? OR (h.score = ? AND e.id > ?))")
		args = append(args, cur.Key, cur.Key, cur.ID)
	}
	args = append(args, limit)

	query := `WITH h AS (
			SELECT entry_id, bm25(catalog_fts) AS score,
				snippet(catalog_fts, -1, '[', ']', '...', 12) AS snip
			FROM catalog_fts WHERE catalog_fts MATCH ?
		)
		SELECT ` + entryColumns + `, h.score, h.snip
		FROM h JOIN catalog_entries e ON e.id = h.entry_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY h.score, e.id
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var h Hit
		e, err := scanEntry(rows, &h.Rank, &h.Snippet)
		if err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		h.Entry = e
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// searchFields lists the searchable text of e in index column order.
func searchFields(e catalog.Entry) []string {
	return []string{e.Name, deref(e.Title), deref(e.Description), strings.Join(e.Tags, " "), deref(e.SearchText)}
}

// findWord returns the span of the first word in field that starts with
// token.
func findWord(field, token string) ([2]int, bool) {
	for _, sp := range wordSpans(field) {
		if strings.HasPrefix(strings.ToLower(field[sp[0]:sp[1]]), token) {
			return sp, true
		}
	}
	return [2]int{}, false
}

// matchesAll reports whether every token prefixes a word of e.
func matchesAll(e catalog.Entry, tokens []string) bool {
	fields := searchFields(e)
	for _, t := range tokens {
		found := false
		for _, f := range fields {
			if _, ok := findWord(f, t); ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// searchFallback scans the filtered rows in confidence order and keeps those
// matching every token. Matching runs in Go so it follows Tokenize exactly;
// LIKE folds only ASCII case and has no notion of word starts.
func (s *Store) searchFallback(ctx context.Context, q Query, tokens []string, cur *cursor, limit int) ([]Hit, error) {
	where, args := filters(q)
	if cur != nil {
		where = append(where, "(e.confidence < ? OR (e.confidence = ? AND e.id > ?))")
		args = append(args, int(cur.Key), int(cur.Key), cur.ID)
	}
	query := `SELECT ` + entryColumns + ` FROM catalog_entries e
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY e.confidence DESC, e.id`
	if len(tokens) == 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search catalog: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for len(hits) < limit && rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		if !matchesAll(e, tokens) {
			continue
		}
		hits = append(hits, Hit{Entry: e, Snippet: fallbackSnippet(e, tokens)})
	}
	return hits, rows.Err()
}

// fallbackSnippet returns a window of text around the first matching word,
// with the word wrapped in brackets.
func fallbackSnippet(e catalog.Entry, tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	for _, field := range searchFields(e) {
		for _, t := range tokens {
			sp, ok := findWord(field, t)
			if !ok {
				continue
			}
			start := max(0, sp[0]-snippetRadius)
			end := min(len(field), sp[1]+snippetRadius)
			for start > 0 && !utf8.RuneStart(field[start]) {
				start--
			}
			for end < len(field) && !utf8.RuneStart(field[end]) {
				end++
			}
			var b strings.Builder
			if start > 0 {
				b.WriteString("...")
			}
			b.WriteString(field[start:sp[0]])
			b.WriteString("[")
			b.WriteString(field[sp[0]:sp[1]])
			b.WriteString("]")
			b.WriteString(field[sp[1]:end])
			if end < len(field) {
				b.WriteString("...")
			}
			return b.String()
		}
	}
	return ""
}
