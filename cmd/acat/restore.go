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

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/acat/internal/errors"
	"github.com/kraklabs/acat/internal/ui"
	"github.com/kraklabs/acat/pkg/catalog"
	"github.com/kraklabs/acat/pkg/storage"
)

// restoreEntry clears an automatic exclusion and maps an unknown ID to a
// user error.
func restoreEntry(ctx context.Context, store *storage.Store, id string) (catalog.Entry, error) {
	e, err := store.Restore(ctx, id)
	if err != nil {
		var nf *catalog.NotFoundError
		if stderrors.As(err, &nf) {
			return e, errors.NewInputError("Entry not found", nf.Error(), "Find the entry ID with 'acat search --show-excluded'")
		}
		return e, errors.NewDatabaseError("Cannot restore entry", "The catalog update failed", "Run 'acat status' to check the catalog", err)
	}
	return e, nil
}

// runRestore executes the 'restore' CLI command.
func runRestore(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: acat restore <entry-id>

Description:
  Bring back an entry that ingestion excluded as a duplicate. The entry
  becomes 'new' and shows up in search again. Entries that are not
  excluded are left unchanged.

  A later ingestion of the same source excludes the entry again if it is
  still a duplicate.

Examples:
  acat search --show-excluded deploy
  acat restore 6f1c2c0e-3b57-5d43-9b39-7c2f0f3f5f11

`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		errors.FatalError(errors.NewInputError(
			"Missing entry ID",
			"restore takes exactly one entry ID",
			"Run 'acat restore <entry-id>'",
		), globals.JSON)
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

	e, err := restoreEntry(ctx, store, fs.Arg(0))
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		_ = json.NewEncoder(os.Stdout).Encode(e)
		return
	}
	ui.Successf("%s:%s is %s", e.SourceID, e.Path, e.Status)
}
