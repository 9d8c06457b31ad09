// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/acat/internal/errors"
	"github.com/kraklabs/acat/internal/ui"
	"github.com/kraklabs/acat/pkg/catalog"
	"github.com/kraklabs/acat/pkg/classify"
	"github.com/kraklabs/acat/pkg/ingestion"
	"github.com/kraklabs/acat/pkg/tree"
)

// runIngest executes the 'ingest' CLI command: fetch one source, classify,
// deduplicate and write the result to the catalog.
//
// Flags:
//   - --source: Source ID (default: directory name or bucket/prefix)
//   - --map: Manual mapping dir=type, repeatable
//   - --concurrency: Parallel classify/hash workers
//   - --metrics-addr: Expose Prometheus metrics while the run is active
func runIngest(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	source := fs.String("source", "", "Source ID (default: directory name or bucket/prefix)")
	maps := fs.StringArray("map", nil, "Manual mapping dir=type (repeatable)")
	concurrency := fs.Int("concurrency", 0, "Parallel classify/hash workers (default from config)")
	metricsAddr := fs.String("metrics-addr", "", "Expose Prometheus metrics at this address (e.g. :9090)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: acat ingest [path|s3://bucket/prefix] [options]

Description:
  Scan one source for agent artifacts and write the result to the catalog.

  Every candidate directory or file is scored against the artifact types
  (skill, command, agent, connector, hook). Candidates are hashed, and
  duplicates inside the source and of already imported artifacts are
  excluded with a reason. Excluded entries can be brought back with
  'acat restore'.

  Without a path, the configured URI of --source is used, then the
  default bucket (ACAT_S3_BUCKET), then the current directory.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Ingest a local plugin checkout
  acat ingest ./plugins --source team-plugins

  # Force a directory to be read as connectors
  acat ingest ./vendor-tools --map tools=connector

  # Ingest an object store prefix and expose metrics
  acat ingest s3://artifacts/shared --metrics-addr :9090

Notes:
  Interrupting the run (Ctrl+C) discards it; nothing is written.

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() > 1 {
		errors.FatalError(errors.NewInputError(
			"Too many arguments",
			fmt.Sprintf("Expected at most one source, got %d", fs.NArg()),
			"Run one 'acat ingest' per source",
		), globals.JSON)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if *concurrency > 0 {
		cfg.Ingestion.Concurrency = *concurrency
	}

	logger := newLogger(globals)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			logger.Info("metrics.http.start", "addr", *metricsAddr, "path", "/metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics.http.error", "err", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown.signal", "signal", sig.String())
		cancel()
	}()

	store, _, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer func() { _ = store.Close() }()

	pipeline, err := newPipeline(cfg, store, prometheus.DefaultRegisterer, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	progress := ui.NewPhaseProgress(ui.NewProgressConfig(globals.Quiet), phaseDescription)
	pipeline.SetProgressCallback(progress.Update)

	result, err := ingestSource(ctx, pipeline, cfg, fs.Arg(0), *source, *maps, logger)
	progress.Finish()
	if err != nil {
		errors.FatalError(ingestError(err), globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}
	printRunResult(result)
}

// ingestSource resolves the source, its mapping and provider, then runs
// one ingestion. Shared by the CLI and the HTTP API.
func ingestSource(ctx context.Context, p *ingestion.Pipeline, cfg *Config, arg, sourceID string, maps []string, logger *slog.Logger) (*ingestion.RunResult, error) {
	uri := sourceURI(cfg, arg, sourceID)
	provider, ref, err := newProvider(cfg, uri, logger)
	if err != nil {
		return nil, err
	}
	if sourceID == "" {
		sourceID = defaultSourceID(ref)
	}

	rows := append([]classify.MappingRow(nil), cfg.Sources[sourceID].Mappings...)
	for _, m := range maps {
		row, err := classify.ParseMappingRow(m)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	return p.Run(ctx, ingestion.RunRequest{
		SourceID: sourceID,
		Provider: provider,
		Ref:      tree.SourceRef{ID: sourceID, URI: ref},
		Mapping:  rows,
	})
}

// ingestError maps run failures to user errors.
func ingestError(err error) error {
	var (
		ue      *errors.UserError
		fetch   *catalog.FetchError
		mapping *catalog.InvalidMappingError
	)
	switch {
	case stderrors.As(err, &ue):
		return ue
	case stderrors.Is(err, catalog.ErrRunCancelled):
		return errors.NewInputError("Ingestion cancelled", "The run was interrupted; nothing was written", "Run the command again")
	case stderrors.As(err, &mapping):
		return errors.NewInputError("Invalid mapping", mapping.Error(), "Use --map dir=type with a directory that exists in the source")
	case stderrors.As(err, &fetch):
		switch fetch.Kind {
		case catalog.FetchNotFound:
			return errors.NewInputError("Source not found", fetch.Error(), "Check the path or bucket/prefix")
		case catalog.FetchUnauthorized:
			return errors.NewPermissionError("Access denied", fetch.Error(), "Check credentials (ACAT_S3_ACCESS_KEY / ACAT_S3_SECRET_KEY) or file permissions", err)
		default:
			return errors.NewNetworkError("Source unavailable", fetch.Error(), "Retry later; the upstream is rate limiting or down", err)
		}
	default:
		return errors.NewDatabaseError(
			"Ingestion failed",
			"An error occurred while writing the catalog",
			"Check the error details above. 'acat status' reports index drift",
			err,
		)
	}
}

// phaseDescription returns a human-readable description for each pipeline phase.
func phaseDescription(phase string) string {
	switch phase {
	case "fetching":
		return "Fetching tree"
	case "classifying":
		return "Classifying candidates"
	case "deduplicating":
		return "Deduplicating"
	case "writing":
		return "Writing catalog"
	default:
		return phase
	}
}

// printRunResult prints the run summary to stdout.
func printRunResult(r *ingestion.RunResult) {
	fmt.Println()
	if r.Empty() {
		ui.Header("Nothing Found")
		fmt.Printf("No artifacts detected in %s (%d files scanned).\n", r.SourceID, r.Files)
		return
	}

	ui.Header("Ingestion Complete")
	fmt.Printf("%s %s\n", ui.Label("Source:"), r.SourceID)
	fmt.Printf("%s %s\n", ui.Label("Run:"), ui.DimText(r.RunID))
	fmt.Printf("%s %s\n", ui.Label("Files scanned:"), ui.CountText(r.Files))
	fmt.Printf("%s %s\n", ui.Label("Candidates:"), ui.CountText(r.Candidates))
	fmt.Printf("%s %s\n", ui.Label("Cataloged:"), ui.CountText(r.Survivors))

	types := make([]string, 0, len(r.CountsByType))
	for t := range r.CountsByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %-10s %s\n", t, ui.CountText(r.CountsByType[catalog.ArtifactType(t)]))
	}

	fmt.Printf("%s %s within source, %s of imported artifacts\n", ui.Label("Duplicates:"),
		ui.CountText(r.DuplicatesWithinSource), ui.CountText(r.DuplicatesAcrossSources))
	if r.Removed > 0 {
		fmt.Printf("%s %s\n", ui.Label("Removed:"), ui.CountText(r.Removed))
	}
	if r.HashSkipped > 0 {
		fmt.Printf("%s %s (not deduplicated)\n", ui.Label("Unhashed:"), ui.CountText(r.HashSkipped))
	}
	fmt.Printf("%s %s\n", ui.Label("Duration:"), time.Duration(r.DurationMs)*time.Millisecond)

	if len(r.Errors) > 0 {
		fmt.Println()
		ui.Warningf("%d candidate(s) had errors:", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Printf("  %s %s: %s\n", ui.ErrorText(e.Kind), e.Path, e.Message)
		}
	}
}
