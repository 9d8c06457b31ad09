// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kraklabs/acat/internal/errors"
)

// On-disk layout under the data root:
//
//	<root>/<project_id>/catalog.db   catalog index
//	<root>/<project_id>/runs/        per-source run logs
const (
	catalogFile    = "catalog.db"
	defaultDataDir = "~/.acat/data"
)

// projectPaths locates one project's catalog state.
type projectPaths struct {
	Root    string
	Project string
}

// Catalog is the SQLite file of the project catalog.
func (p projectPaths) Catalog() string { return filepath.Join(p.Project, catalogFile) }

// resolvePaths picks the data root, first match wins: ACAT_DATA_DIR,
// storage.data_dir, ~/.acat/data. A relative storage.data_dir is taken from
// the directory holding the config file.
func resolvePaths(cfg *Config) (projectPaths, error) {
	if err := checkProjectID(cfg.ProjectID); err != nil {
		return projectPaths{}, err
	}

	dir, base := defaultDataDir, ""
	switch {
	case os.Getenv("ACAT_DATA_DIR") != "":
		dir = os.Getenv("ACAT_DATA_DIR")
	case cfg.Storage.DataDir != "":
		dir = cfg.Storage.DataDir
		if cfg.path != "" {
			base = filepath.Dir(cfg.path)
		}
	}
	root, err := expandDir(dir, base)
	if err != nil {
		return projectPaths{}, err
	}
	return projectPaths{Root: root, Project: filepath.Join(root, cfg.ProjectID)}, nil
}

// expandDir makes dir absolute. A leading "~" is the home directory; other
// relative paths are joined to base, or to the working directory when base
// is empty.
func expandDir(dir, base string) (string, error) {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.NewInternalError(
				"Cannot determine home directory",
				"Operating system did not provide user home directory path",
				"Set HOME, or set ACAT_DATA_DIR to an absolute path",
				err,
			)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if !filepath.IsAbs(dir) && base != "" {
		dir = filepath.Join(base, dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve data dir %s: %w", dir, err)
	}
	return abs, nil
}

// checkProjectID rejects IDs that are not a single directory name, so a
// project never reads or writes outside its own directory.
func checkProjectID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return errors.NewConfigError(
			"Invalid project ID",
			fmt.Sprintf("project_id %q must be a single directory name", id),
			"Set project_id in .acat/project.yaml, or run 'acat init --force'",
			nil,
		)
	}
	return nil
}
