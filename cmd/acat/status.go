// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/acat/internal/errors"
	"github.com/kraklabs/acat/internal/ui"
	"github.com/kraklabs/acat/pkg/storage"
)

// StatusResult represents the catalog status for JSON output.
type StatusResult struct {
	ProjectID string         `json:"project_id"`
	Catalog   string         `json:"catalog"`
	Total     int            `json:"total"`
	Sources   int            `json:"sources"`
	ByType    map[string]int `json:"by_type"`
	ByStatus  map[string]int `json:"by_status"`
	Engine    string         `json:"engine"`
	Index     IndexStatus    `json:"index"`
	Timestamp time.Time      `json:"timestamp"`
}

// IndexStatus summarizes full-text index health.
type IndexStatus struct {
	Available bool `json:"available"`
	Indexed   int  `json:"indexed"`
	Missing   int  `json:"missing"`
	Orphaned  int  `json:"orphaned"`
	Duplicate int  `json:"duplicated"`
	Drift     bool `json:"drift"`
	Rebuilt   int  `json:"rebuilt,omitempty"`
}

func collectStatus(ctx context.Context, store *storage.Store) (*StatusResult, error) {
	st, err := store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog stats: %w", err)
	}
	rep, err := store.CheckIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("check index: %w", err)
	}
	return &StatusResult{
		Total:    st.Total,
		Sources:  st.Sources,
		ByType:   st.ByType,
		ByStatus: st.ByStatus,
		Engine:   st.Engine,
		Index: IndexStatus{
			Available: rep.Available,
			Indexed:   rep.Indexed,
			Missing:   len(rep.Missing),
			Orphaned:  len(rep.Orphaned),
			Duplicate: len(rep.Duplicated),
			Drift:     rep.Drift(),
		},
		Timestamp: time.Now(),
	}, nil
}

// runStatus executes the 'status' CLI command, displaying catalog counts and
// the health of the full-text index.
//
// Examples:
//
//	acat status            Display formatted status
//	acat status --json     Output as JSON
//	acat status --repair   Rebuild the index when it drifted
func runStatus(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	repair := fs.Bool("repair", false, "Rebuild the full-text index if it disagrees with the catalog")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: acat status [options]

Description:
  Display catalog counts by artifact type and status, the search engine
  in use and whether the full-text index matches the catalog.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  acat status
  acat status --json | jq '.by_type'
  acat status --repair

`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	ctx := context.Background()
	store, path, err := openCatalog(ctx, cfg, newLogger(globals))
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer func() { _ = store.Close() }()

	result, err := collectStatus(ctx, store)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError("Cannot read catalog status", "Querying the catalog failed", "Check the catalog file permissions", err), globals.JSON)
	}
	result.ProjectID = cfg.ProjectID
	result.Catalog = path

	if *repair && result.Index.Drift {
		n, err := store.RebuildIndex(ctx)
		if err != nil {
			errors.FatalError(errors.NewDatabaseError("Cannot rebuild index", "Rebuilding the full-text index failed", "Remove the catalog file and ingest again", err), globals.JSON)
		}
		result.Index.Rebuilt = n
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}
	printStatus(result)
}

func printStatus(r *StatusResult) {
	ui.Header("Catalog Status")
	fmt.Printf("%s %s\n", ui.Label("Project:"), r.ProjectID)
	fmt.Printf("%s %s\n", ui.Label("Catalog:"), ui.DimText(r.Catalog))
	fmt.Printf("%s %s in %s source(s)\n", ui.Label("Entries:"), ui.CountText(r.Total), ui.CountText(r.Sources))

	printCounts("By type", r.ByType)
	printCounts("By status", r.ByStatus)

	fmt.Println()
	fmt.Printf("%s %s\n", ui.Label("Search engine:"), r.Engine)
	switch {
	case !r.Index.Available:
		fmt.Printf("%s not available (scan search only)\n", ui.Label("Full-text index:"))
	case r.Index.Rebuilt > 0:
		ui.Successf("Full-text index rebuilt (%d entries)", r.Index.Rebuilt)
	case r.Index.Drift:
		ui.Warningf("Full-text index drift: %d missing, %d orphaned, %d duplicated. Run 'acat status --repair'",
			r.Index.Missing, r.Index.Orphaned, r.Index.Duplicate)
	default:
		fmt.Printf("%s in sync (%d rows)\n", ui.Label("Full-text index:"), r.Index.Indexed)
	}
}

func printCounts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	ui.SubHeader(title)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-10s %s\n", k, ui.CountText(counts[k]))
	}
}
