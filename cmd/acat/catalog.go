// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kraklabs/acat/internal/errors"
	"github.com/kraklabs/acat/pkg/hashing"
	"github.com/kraklabs/acat/pkg/ingestion"
	"github.com/kraklabs/acat/pkg/storage"
	"github.com/kraklabs/acat/pkg/tree"
)

// openCatalog opens the project catalog. FTS5 support is probed once here
// and shared by every query of the process.
func openCatalog(ctx context.Context, cfg *Config, logger *slog.Logger) (*storage.Store, string, error) {
	paths, err := resolvePaths(cfg)
	if err != nil {
		return nil, "", err
	}
	path := paths.Catalog()
	store, err := storage.Open(ctx, path, storage.Options{
		ForceFallback: cfg.Storage.ForceFallbackSearch,
		Logger:        logger,
	})
	if err != nil {
		return nil, path, errors.NewDatabaseError(
			"Cannot open catalog",
			"Failed to open or migrate "+path,
			"Check permissions on the data directory, or remove the file to start over",
			err,
		)
	}
	return store, path, nil
}

// newPipeline wires a pipeline over store with one shared hasher, so
// repeated runs in the same process reuse the digest cache.
func newPipeline(cfg *Config, store *storage.Store, reg prometheus.Registerer, logger *slog.Logger) (*ingestion.Pipeline, error) {
	paths, err := resolvePaths(cfg)
	if err != nil {
		return nil, err
	}
	pcfg := cfg.PipelineConfig(paths.Project)
	hasher, err := hashing.New(hashing.Options{
		MaxBytes:  pcfg.MaxHashBytes,
		CacheSize: pcfg.HashCacheSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, errors.NewConfigError("Invalid hashing settings", err.Error(), "Check the ingestion section of the config", err)
	}
	var metrics *ingestion.Metrics
	if reg != nil {
		metrics = ingestion.NewMetrics(reg)
	}
	p, err := ingestion.NewPipeline(pcfg, store, hasher, logger, metrics)
	if err != nil {
		return nil, errors.NewConfigError("Invalid ingestion settings", err.Error(), "Check the ingestion section of the config", err)
	}
	return p, nil
}

// newProvider picks the tree provider for uri and returns the normalized
// reference. Local paths are made absolute.
func newProvider(cfg *Config, uri string, logger *slog.Logger) (tree.Provider, string, error) {
	excludes := cfg.PipelineConfig("").ExcludeGlobs
	if tree.IsS3URI(uri) {
		if _, _, err := tree.ParseS3URI(uri); err != nil {
			return nil, "", errors.NewInputError("Invalid object store URI", err.Error(), "Use s3://bucket/prefix")
		}
		p, err := tree.NewS3Provider(tree.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			Excludes:  excludes,
		}, logger)
		if err != nil {
			return nil, "", errors.NewConfigError(
				"Cannot configure object store",
				err.Error(),
				"Set s3.endpoint in the config or ACAT_S3_ENDPOINT",
				err,
			)
		}
		return p, uri, nil
	}

	abs, err := filepath.Abs(uri)
	if err != nil {
		return nil, "", errors.NewInputError("Invalid source path", err.Error(), "Pass an existing directory")
	}
	p, err := tree.NewLocalProvider(excludes, logger)
	if err != nil {
		return nil, "", errors.NewConfigError("Invalid exclude pattern", err.Error(), "Fix ingestion.exclude in the config", err)
	}
	return p, abs, nil
}

// defaultSourceID derives a source ID from a URI: the directory name for
// local paths, bucket/prefix for object store URIs.
func defaultSourceID(uri string) string {
	if tree.IsS3URI(uri) {
		return strings.Trim(strings.TrimPrefix(uri, "s3://"), "/")
	}
	return filepath.Base(filepath.Clean(uri))
}

// sourceURI resolves what to ingest when no path argument is given: the
// configured URI of the source, then the default bucket, then the working
// directory.
func sourceURI(cfg *Config, arg, sourceID string) string {
	if arg != "" {
		return arg
	}
	if sc, ok := cfg.Sources[sourceID]; ok && sc.URI != "" {
		return sc.URI
	}
	if cfg.S3.Bucket != "" {
		return "s3://" + cfg.S3.Bucket + "/"
	}
	return "."
}
