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

package ingestion

import (
	"fmt"
	"time"

	"github.com/kraklabs/acat/pkg/classify"
	"github.com/kraklabs/acat/pkg/hashing"
)

// Config controls an ingestion pipeline.
type Config struct {
	// Concurrency is the number of roots classified and hashed in parallel.
	// Keep it small to respect upstream rate limits.
	Concurrency int

	// MaxHashBytes is the largest file that is hashed (default 10 MiB).
	MaxHashBytes int64

	// HashCacheSize bounds the file digest cache shared across runs.
	HashCacheSize int

	// MaxMetadataBytes caps how much of a primary file is read for metadata.
	MaxMetadataBytes int64

	// MaxMappings is the maximum number of manual mapping rows per source.
	MaxMappings int

	// ExcludeGlobs are doublestar patterns applied by tree providers.
	ExcludeGlobs []string

	// Weights is the classifier weight table.
	Weights classify.Weights

	// Retry applies to tree fetches and content fetches that fail with a
	// retryable FetchError.
	Retry RetryConfig

	// RunLogDir, when set, receives one append-only log per source under
	// <RunLogDir>/runs/.
	RunLogDir string
}

// RetryConfig controls exponential backoff for transient upstream failures.
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retries
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (exponential)
}

// DefaultExcludeGlobs are skipped by every provider unless overridden.
func DefaultExcludeGlobs() []string {
	return []string{
		// Version control
		".git/**", ".hg/**", ".svn/**",
		// Dependencies
		"node_modules/**", "vendor/**", ".venv/**", "__pycache__/**",
		// Build outputs
		"dist/**", "build/**", "out/**",
		// IDE and editor
		".idea/**", ".vscode/**", "*.swp", "*.swo",
		// acat own files
		".acat/**",
		// Caches
		".cache/**", "coverage/**", ".tmp/**",
		// Lock files
		"package-lock.json", "yarn.lock", "pnpm-lock.yaml",
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      8,
		MaxHashBytes:     hashing.DefaultMaxBytes, // 10 MiB
		HashCacheSize:    16384,
		MaxMetadataBytes: 256 << 10, // frontmatter and docstrings sit at the top
		MaxMappings:      classify.DefaultMaxMappings,
		ExcludeGlobs:     DefaultExcludeGlobs(),
		Weights:          classify.DefaultWeights(),
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
		},
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxHashBytes <= 0 {
		return fmt.Errorf("max hash bytes must be positive")
	}
	if c.MaxMappings < 0 {
		return fmt.Errorf("max mappings must not be negative")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.Multiplier < 1 {
		return fmt.Errorf("invalid retry config: max_retries=%d multiplier=%g", c.Retry.MaxRetries, c.Retry.Multiplier)
	}
	if err := c.Weights.Validate(); err != nil {
		return fmt.Errorf("classifier weights: %w", err)
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency == 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxHashBytes == 0 {
		c.MaxHashBytes = def.MaxHashBytes
	}
	if c.HashCacheSize == 0 {
		c.HashCacheSize = def.HashCacheSize
	}
	if c.MaxMetadataBytes == 0 {
		c.MaxMetadataBytes = def.MaxMetadataBytes
	}
	if c.MaxMappings == 0 {
		c.MaxMappings = def.MaxMappings
	}
	if c.Weights == (classify.Weights{}) {
		c.Weights = def.Weights
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = def.Retry
	}
	return c
}
