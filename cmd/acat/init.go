// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/acat/internal/errors"
	"github.com/kraklabs/acat/internal/ui"
)

// runInit executes the 'init' CLI command, creating .acat/project.yaml in the
// current directory.
//
// Flags:
//   - --project-id: Project identifier (default: directory name)
//   - --force: Overwrite an existing configuration
func runInit(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	projectID := fs.String("project-id", "", "Project identifier (default: directory name)")
	force := fs.Bool("force", false, "Overwrite existing configuration")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: acat init [options]

Description:
  Create .acat/project.yaml with default ingestion, classifier and
  storage settings. Edit the file to tune classifier weights, exclude
  patterns or per-source mappings.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  acat init
  acat init --project-id agents --force

`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cwd, err := os.Getwd()
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Cannot access current directory",
			"Failed to determine working directory",
			"Check system permissions and try again",
			err,
		), globals.JSON)
	}

	path, err := initProject(cwd, *projectID, *force)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if !globals.Quiet {
		ui.Successf("Created %s", path)
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  acat ingest <path|s3://bucket/prefix>")
		fmt.Println("  acat search <query>")
	}
}

// initProject writes a default configuration under dir.
func initProject(dir, projectID string, force bool) (string, error) {
	path := ConfigPath(dir)
	if _, err := os.Stat(path); err == nil && !force {
		return "", errors.NewInputError(
			"Configuration already exists",
			fmt.Sprintf("%s is already present", path),
			"Use 'acat init --force' to overwrite it",
		)
	}
	if projectID == "" {
		projectID = getEnv("ACAT_PROJECT_ID", filepath.Base(dir))
	}
	if err := SaveConfig(DefaultConfig(projectID), path); err != nil {
		return "", err
	}
	return path, nil
}
