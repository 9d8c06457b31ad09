// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/acat/internal/errors"
	"github.com/kraklabs/acat/internal/ui"
	"github.com/kraklabs/acat/pkg/catalog"
	"github.com/kraklabs/acat/pkg/storage"
)

// searchParams are the user-facing search options shared by the CLI and
// the HTTP API.
type searchParams struct {
	Text          string
	Type          string
	Sources       []string
	MinConfidence int
	Tags          []string
	ShowExcluded  bool
	Limit         int
	Cursor        string
	Fallback      bool
}

// query validates p and converts it to a storage query.
func (p searchParams) query() (storage.Query, error) {
	q := storage.Query{
		Text:          p.Text,
		SourceIDs:     p.Sources,
		MinConfidence: p.MinConfidence,
		Tags:          p.Tags,
		Limit:         p.Limit,
		Cursor:        p.Cursor,
		Fallback:      p.Fallback,
	}
	if p.Type != "" {
		t, err := catalog.ParseArtifactType(p.Type)
		if err != nil {
			return q, errors.NewInputError(
				"Unknown artifact type",
				err.Error(),
				"Use one of: skill, command, agent, connector, hook",
			)
		}
		q.Type = t
	}
	if p.ShowExcluded {
		q.Statuses = []catalog.Status{catalog.StatusNew, catalog.StatusUpdated, catalog.StatusImported, catalog.StatusExcluded}
	}
	return q, nil
}

// search runs q and maps bad input to user errors.
func search(ctx context.Context, store *storage.Store, q storage.Query) (storage.Page, error) {
	page, err := store.Search(ctx, q)
	switch {
	case err == nil:
		return page, nil
	case stderrors.Is(err, storage.ErrInvalidCursor):
		return page, errors.NewInputError("Invalid cursor", err.Error(), "Pass the next_cursor of the previous page unchanged, with the same query")
	case stderrors.Is(err, storage.ErrInvalidQuery):
		return page, errors.NewInputError("Invalid search query", err.Error(), "Check --limit and --min-confidence")
	default:
		return page, errors.NewDatabaseError("Search failed", "The catalog query failed", "Run 'acat status' to check the index", err)
	}
}

// runSearch executes the 'search' CLI command.
func runSearch(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	var p searchParams
	fs.StringVarP(&p.Type, "type", "t", "", "Artifact type (skill, command, agent, connector, hook)")
	fs.StringSliceVar(&p.Sources, "source", nil, "Limit to source IDs (repeatable)")
	fs.IntVar(&p.MinConfidence, "min-confidence", 0, "Minimum confidence score (0-100)")
	fs.StringSliceVar(&p.Tags, "tag", nil, "Required tag (repeatable, all must match)")
	fs.BoolVar(&p.ShowExcluded, "show-excluded", false, "Include entries excluded as duplicates")
	fs.IntVarP(&p.Limit, "limit", "n", storage.DefaultLimit, fmt.Sprintf("Results per page (max %d)", storage.MaxLimit))
	fs.StringVar(&p.Cursor, "cursor", "", "Continue from a previous page")
	fs.BoolVar(&p.Fallback, "fallback", false, "Scan the catalog instead of using the full-text index")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: acat search [query] [options]

Description:
  Search the catalog by name, title, description, tags and content.

  Every query word must match the start of a word in the entry. With the
  full-text index results are ranked by relevance; without it (or with
  --fallback) the same matches are ordered by confidence. An empty query
  lists entries by confidence.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  acat search deploy
  acat search "pull request" --type command --min-confidence 50
  acat search --tag ops --tag k8s --json
  acat search deploy --cursor eyJlIjoiZnRzNSIsImsiOi0xLjIsImlkIjoiYSJ9

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	p.Text = strings.Join(fs.Args(), " ")

	q, err := p.query()
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	ctx := context.Background()
	store, _, err := openCatalog(ctx, cfg, newLogger(globals))
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer func() { _ = store.Close() }()

	page, err := search(ctx, store, q)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(page)
		return
	}
	printPage(page)
}

func printPage(page storage.Page) {
	if len(page.Items) == 0 {
		fmt.Println("No matching artifacts.")
		return
	}
	for _, h := range page.Items {
		e := h.Entry
		status := string(e.Status)
		if e.Status == catalog.StatusExcluded {
			status = ui.ErrorText(status)
		}
		fmt.Printf("%s %s %s %s\n", ui.Label(e.Name), ui.DimText("("+string(e.ArtifactType)+")"),
			ui.CountText(e.ConfidenceScore), status)
		fmt.Printf("  %s:%s\n", e.SourceID, e.Path)
		if h.Snippet != "" {
			fmt.Printf("  %s\n", h.Snippet)
		}
		if e.ExcludedReason != nil {
			fmt.Printf("  %s\n", ui.DimText(*e.ExcludedReason))
		}
		fmt.Printf("  %s\n", ui.DimText(e.ID))
	}
	fmt.Println()
	fmt.Printf("%s %d results via %s\n", ui.Label("Page:"), len(page.Items), page.PageInfo.Engine)
	if page.PageInfo.HasMore {
		fmt.Printf("%s --cursor %s\n", ui.Label("Next:"), page.PageInfo.NextCursor)
	}
}
