// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/acat/pkg/catalog"
	"github.com/kraklabs/acat/pkg/ingestion"
	"github.com/kraklabs/acat/pkg/storage"
)

const deploySkill = "---\nname: deploy\ndescription: Roll out services\ntags: [ops]\n---\n# Deploy\n"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	clearEnv(t)
	t.Setenv("ACAT_DATA_DIR", t.TempDir())

	store, err := storage.Open(context.Background(), ":memory:", storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := newCatalogServer(DefaultConfig("demo"), store, reg, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.routes(reg))
	t.Cleanup(ts.Close)
	return ts
}

// writeSource lays out a source with two identical skills.
func writeSource(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, p := range []string{"skills/a/SKILL.md", "skills/b/SKILL.md"} {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0750))
		require.NoError(t, os.WriteFile(full, []byte(deploySkill), 0600))
	}
	return dir
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServe_Health(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "demo", body["project_id"])
	assert.Equal(t, storage.EngineFTS, body["engine"])
}

func TestServe_IngestSearchRestore(t *testing.T) {
	ts := newTestServer(t)
	src := writeSource(t)

	var res ingestion.RunResult
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/ingest", ingestRequest{SourceID: "local", URI: src}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, res.Survivors)
	assert.Equal(t, 1, res.DuplicatesWithinSource)

	var page storage.Page
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/search?q=roll", nil, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "skills/a", page.Items[0].Entry.Path)
	assert.Equal(t, storage.EngineFTS, page.PageInfo.Engine)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/search?q=roll&show_excluded=true&fallback=true", nil, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, storage.EngineFallback, page.PageInfo.Engine)

	excludedID := catalog.EntryID("local", "skills/b")
	var restored catalog.Entry
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/v1/entries/"+excludedID+"/restore", nil, &restored))
	assert.Equal(t, catalog.StatusNew, restored.Status)
	assert.Nil(t, restored.ExcludedReason)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/search?q=roll", nil, &page))
	assert.Len(t, page.Items, 2)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	metrics, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "acat_ingest_runs_total")
	assert.Contains(t, string(metrics), "acat_ingest_duplicates_total")
}

func TestServe_Errors(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]any
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, ts.URL+"/v1/search?type=plugin", nil, &body))
	assert.Equal(t, "input", body["category"])

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, ts.URL+"/v1/search?limit=abc", nil, &body))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, ts.URL+"/v1/search?cursor=garbage", nil, &body))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, ts.URL+"/v1/entries/missing/restore", nil, &body))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, ts.URL+"/v1/ingest", ingestRequest{SourceID: "x"}, &body))

	code := doJSON(t, http.MethodPost, ts.URL+"/v1/ingest", ingestRequest{URI: filepath.Join(t.TempDir(), "absent")}, &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Source not found", body["error"])

	code = doJSON(t, http.MethodPost, ts.URL+"/v1/ingest",
		map[string]any{"uri": writeSource(t), "map": []string{"skills=plugin"}}, &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid mapping", body["error"])
}

func TestSearchParamsFromURL(t *testing.T) {
	p, err := searchParamsFromURL(map[string][]string{
		"q":              {"deploy"},
		"type":           {"skill"},
		"source":         {"a", "b"},
		"tag":            {"ops"},
		"min_confidence": {"40"},
		"show_excluded":  {"1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "deploy", p.Text)
	assert.Equal(t, []string{"a", "b"}, p.Sources)
	assert.Equal(t, 40, p.MinConfidence)
	assert.Equal(t, storage.DefaultLimit, p.Limit)
	assert.True(t, p.ShowExcluded)

	q, err := p.query()
	require.NoError(t, err)
	assert.Equal(t, catalog.ArtifactType("skill"), q.Type)
	assert.Contains(t, q.Statuses, catalog.StatusExcluded)

	_, err = searchParamsFromURL(map[string][]string{"fallback": {"maybe"}})
	assert.Error(t, err)
}
