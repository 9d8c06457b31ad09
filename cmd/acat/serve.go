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
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/acat/internal/errors"
	"github.com/kraklabs/acat/pkg/catalog"
	"github.com/kraklabs/acat/pkg/ingestion"
	"github.com/kraklabs/acat/pkg/storage"
)

// catalogServer serves the catalog over HTTP.
type catalogServer struct {
	cfg      *Config
	store    *storage.Store
	pipeline *ingestion.Pipeline
	logger   *slog.Logger

	// sourceLocks serializes runs of the same source; different sources
	// ingest concurrently.
	sourceLocks sync.Map // source ID -> *sync.Mutex
}

// ingestRequest is the body of POST /v1/ingest.
type ingestRequest struct {
	SourceID string   `json:"source_id"`
	URI      string   `json:"uri"`
	Map      []string `json:"map"`
}

// runServe starts the HTTP API and blocks until SIGINT/SIGTERM.
func runServe(args []string, configPath string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", getEnv("ACAT_SERVE_ADDR", ":8080"), "Listen address")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: acat serve [options]

Description:
  Serve the catalog as a JSON API.

Endpoints:
  GET  /health                    Health check
  GET  /v1/search                 Search (q, type, source, min_confidence,
                                  tag, show_excluded, limit, cursor, fallback)
  POST /v1/entries/{id}/restore   Restore an excluded entry
  POST /v1/ingest                 Run an ingestion synchronously
                                  {"source_id": "...", "uri": "...", "map": ["dir=type"]}
  GET  /metrics                   Prometheus metrics

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.Write(os.Stderr, err, globals.JSON)
		return 1
	}
	logger := newLogger(GlobalFlags{Verbose: max(globals.Verbose, 1)})

	ctx := context.Background()
	store, path, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		errors.Write(os.Stderr, err, globals.JSON)
		return 1
	}
	defer func() { _ = store.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := newCatalogServer(cfg, store, reg, logger)
	if err != nil {
		errors.Write(os.Stderr, err, globals.JSON)
		return 1
	}

	server := &http.Server{
		Addr:              *addr,
		Handler:           srv.routes(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("serve.shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	logger.Info("serve.start", "addr", *addr, "project_id", cfg.ProjectID, "catalog", path, "engine", store.Engine())
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return 1
	}
	return 0
}

func newCatalogServer(cfg *Config, store *storage.Store, reg prometheus.Registerer, logger *slog.Logger) (*catalogServer, error) {
	p, err := newPipeline(cfg, store, reg, logger)
	if err != nil {
		return nil, err
	}
	return &catalogServer{cfg: cfg, store: store, pipeline: p, logger: logger}, nil
}

func (s *catalogServer) routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/search", s.handleSearch)
	mux.HandleFunc("POST /v1/entries/{id}/restore", s.handleRestore)
	mux.HandleFunc("POST /v1/ingest", s.handleIngest)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *catalogServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"project_id": s.cfg.ProjectID,
		"engine":     s.store.Engine(),
	})
}

func (s *catalogServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	p, err := searchParamsFromURL(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := p.query()
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := search(r.Context(), s.store, q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *catalogServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.Restore(r.Context(), r.PathValue("id"))
	var nf *catalog.NotFoundError
	switch {
	case stderrors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": nf.Error(), "category": string(errors.CategoryInput)})
	case err != nil:
		writeError(w, errors.NewDatabaseError("Cannot restore entry", "The catalog update failed", "", err))
	default:
		writeJSON(w, http.StatusOK, e)
	}
}

func (s *catalogServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewInputError("Invalid request body", err.Error(), `Send {"source_id": "...", "uri": "..."}`))
		return
	}
	if req.URI == "" && s.cfg.Sources[req.SourceID].URI == "" {
		writeError(w, errors.NewInputError("Missing source", "uri is required unless source_id is configured", "Set uri to a path or s3://bucket/prefix"))
		return
	}

	lockKey := req.SourceID
	if lockKey == "" {
		lockKey = defaultSourceID(req.URI)
	}
	mu, _ := s.sourceLocks.LoadOrStore(lockKey, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	res, err := ingestSource(r.Context(), s.pipeline, s.cfg, req.URI, req.SourceID, req.Map, s.logger)
	if err != nil {
		writeError(w, ingestError(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// searchParamsFromURL reads search options from query parameters.
func searchParamsFromURL(v url.Values) (searchParams, error) {
	p := searchParams{
		Text:    v.Get("q"),
		Type:    v.Get("type"),
		Sources: v["source"],
		Tags:    v["tag"],
		Cursor:  v.Get("cursor"),
		Limit:   storage.DefaultLimit,
	}
	var err error
	if p.MinConfidence, err = intParam(v, "min_confidence", 0); err != nil {
		return p, err
	}
	if p.Limit, err = intParam(v, "limit", storage.DefaultLimit); err != nil {
		return p, err
	}
	if p.ShowExcluded, err = boolParam(v, "show_excluded"); err != nil {
		return p, err
	}
	if p.Fallback, err = boolParam(v, "fallback"); err != nil {
		return p, err
	}
	return p, nil
}

func intParam(v url.Values, key string, def int) (int, error) {
	s := v.Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.NewInputError("Invalid parameter", fmt.Sprintf("%s must be an integer, got %q", key, s), "")
	}
	return n, nil
}

func boolParam(v url.Values, key string) (bool, error) {
	s := v.Get(key)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.NewInputError("Invalid parameter", fmt.Sprintf("%s must be true or false, got %q", key, s), "")
	}
	return b, nil
}

// httpStatus maps an error category to a response code.
func httpStatus(err error) int {
	var ue *errors.UserError
	if !stderrors.As(err, &ue) {
		return http.StatusInternalServerError
	}
	switch ue.Category {
	case errors.CategoryInput, errors.CategoryConfig:
		return http.StatusBadRequest
	case errors.CategoryPermission:
		return http.StatusForbidden
	case errors.CategoryNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(err))
	errors.Write(w, err, true)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
