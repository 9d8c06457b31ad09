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

// Package main implements the acat CLI for ingesting artifact sources and
// searching the artifact catalog.
//
// Usage:
//
//	acat init                       Create .acat/project.yaml configuration
//	acat ingest <path|s3://...>     Ingest one source into the catalog
//	acat search [query]             Search the catalog
//	acat restore <entry-id>         Undo an automatic exclusion
//	acat status [--json]            Show catalog status
//	acat serve                      Serve the catalog over HTTP
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/acat/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds the global CLI flags that apply to all commands.
type GlobalFlags struct {
	JSON    bool // Output in JSON format (for applicable commands)
	NoColor bool // Disable color output
	Verbose int  // Verbosity level: 0=normal, 1=-v (info), 2=-vv (debug)
	Quiet   bool // Suppress non-essential output (progress, info messages)
}

// newLogger builds the stderr logger for a command. Library logs are only
// shown with -v; -vv turns on debug events.
func newLogger(globals GlobalFlags) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case globals.Verbose >= 2:
		level = slog.LevelDebug
	case globals.Verbose == 1:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to .acat/project.yaml (default: ./.acat/project.yaml)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output (progress, info messages)")
	)

	// Stop at the command name so subcommand flags reach their own flag sets.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `acat - artifact catalog

acat scans repositories and object-store prefixes for reusable agent
artifacts (skills, commands, agents, connectors, hooks), scores each
candidate, removes duplicates by content hash and keeps the result in a
searchable local catalog.

Usage:
  acat <command> [options]

Commands:
  init          Create .acat/project.yaml configuration
  ingest        Ingest a local directory or s3:// prefix
  search        Search the catalog
  restore       Restore an automatically excluded entry
  status        Show catalog status and index health
  serve         Start the HTTP API

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output (progress, info messages)
  -c, --config      Path to .acat/project.yaml
  -V, --version     Show version and exit

Examples:
  acat init
  acat ingest ./plugins --source team-plugins
  acat ingest s3://artifacts/shared --map tools=connector
  acat search "deploy kubernetes" --type skill
  acat restore 6f1c2c0e-3b57-5d43-9b39-7c2f0f3f5f11
  acat status --json

Data Storage:
  The catalog is stored in <data_dir>/<project_id>/catalog.db
  (default data_dir: ~/.acat/data)

Environment Variables:
  ACAT_CONFIG_PATH     Path to the configuration file
  ACAT_PROJECT_ID      Override project identifier
  ACAT_DATA_DIR        Override data directory
  ACAT_FORCE_FALLBACK  Never use the full-text index (true/false)
  ACAT_S3_ENDPOINT     S3-compatible endpoint (host:port)
  ACAT_S3_ACCESS_KEY   S3 access key
  ACAT_S3_SECRET_KEY   S3 secret key
  ACAT_S3_BUCKET       Bucket ingested when no source path is given

For detailed command help: acat <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("acat version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	// A missing .env is fine; anything else is worth a warning.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env: %v\n", err)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}

	if *quiet && *verbose > 0 {
		fmt.Fprintf(os.Stderr, "Error: cannot use --quiet and --verbose together\n")
		os.Exit(1)
	}

	// JSON mode implies quiet so progress bars never corrupt the output.
	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:    *jsonOutput,
		NoColor: *noColor,
		Verbose: *verbose,
		Quiet:   *quiet,
	}

	ui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, globals)
	case "ingest":
		runIngest(cmdArgs, *configPath, globals)
	case "search":
		runSearch(cmdArgs, *configPath, globals)
	case "restore":
		runRestore(cmdArgs, *configPath, globals)
	case "status":
		runStatus(cmdArgs, *configPath, globals)
	case "serve":
		os.Exit(runServe(cmdArgs, *configPath, globals))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
