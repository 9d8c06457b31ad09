// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/acat/internal/errors"
	"github.com/kraklabs/acat/pkg/classify"
	"github.com/kraklabs/acat/pkg/ingestion"
)

const (
	defaultConfigDir  = ".acat"
	defaultConfigFile = "project.yaml"
	configVersion     = "1"
)

// Config represents the .acat/project.yaml configuration file.
type Config struct {
	Version    string                  `yaml:"version"`
	ProjectID  string                  `yaml:"project_id"`
	Storage    StorageConfig           `yaml:"storage"`
	Ingestion  IngestionConfig         `yaml:"ingestion"`
	Classifier classify.Weights        `yaml:"classifier"`
	S3         S3Config                `yaml:"s3,omitempty"`
	Sources    map[string]SourceConfig `yaml:"sources,omitempty"`

	// path is the file the config was loaded from.
	path string
}

// StorageConfig locates the catalog database.
type StorageConfig struct {
	// DataDir is the root for per-project data. Relative paths resolve
	// against the directory holding the config file.
	DataDir string `yaml:"data_dir,omitempty"`

	// ForceFallbackSearch disables the full-text index for queries.
	ForceFallbackSearch bool `yaml:"force_fallback_search"`
}

// IngestionConfig mirrors ingestion.Config in YAML form.
type IngestionConfig struct {
	Concurrency   int         `yaml:"concurrency"`
	MaxHashBytes  int64       `yaml:"max_hash_bytes"`
	HashCacheSize int         `yaml:"hash_cache_size,omitempty"`
	MaxMappings   int         `yaml:"max_mappings,omitempty"`
	Exclude       []string    `yaml:"exclude"`
	Retry         RetryConfig `yaml:"retry"`
}

// RetryConfig is the YAML form of ingestion.RetryConfig.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// S3Config points at an S3-compatible object store. Credentials come from
// ACAT_S3_ACCESS_KEY and ACAT_S3_SECRET_KEY, never from the file.
type S3Config struct {
	Endpoint  string `yaml:"endpoint,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Bucket    string `yaml:"bucket,omitempty"`
	UseSSL    bool   `yaml:"use_ssl"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

// SourceConfig holds per-source settings keyed by source ID.
type SourceConfig struct {
	URI      string                `yaml:"uri,omitempty"`
	Mappings []classify.MappingRow `yaml:"mappings,omitempty"`
}

// DefaultConfig returns a configuration with default values for projectID.
func DefaultConfig(projectID string) *Config {
	def := ingestion.DefaultConfig()
	return &Config{
		Version:   configVersion,
		ProjectID: projectID,
		Storage: StorageConfig{
			ForceFallbackSearch: getEnvBool("ACAT_FORCE_FALLBACK", false),
		},
		Ingestion: IngestionConfig{
			Concurrency:  def.Concurrency,
			MaxHashBytes: def.MaxHashBytes,
			Exclude:      def.ExcludeGlobs,
			Retry: RetryConfig{
				MaxRetries:     def.Retry.MaxRetries,
				InitialBackoff: def.Retry.InitialBackoff,
				MaxBackoff:     def.Retry.MaxBackoff,
				Multiplier:     def.Retry.Multiplier,
			},
		},
		Classifier: def.Weights,
		S3: S3Config{
			Endpoint: getEnv("ACAT_S3_ENDPOINT", ""),
			Region:   "us-east-1",
			UseSSL:   true,
		},
	}
}

// PipelineConfig converts the file settings into an ingestion.Config. Zero
// values fall back to the library defaults.
func (c *Config) PipelineConfig(runLogDir string) ingestion.Config {
	out := ingestion.DefaultConfig()
	in := c.Ingestion
	if in.Concurrency > 0 {
		out.Concurrency = in.Concurrency
	}
	if in.MaxHashBytes > 0 {
		out.MaxHashBytes = in.MaxHashBytes
	}
	if in.HashCacheSize > 0 {
		out.HashCacheSize = in.HashCacheSize
	}
	if in.MaxMappings > 0 {
		out.MaxMappings = in.MaxMappings
	}
	if in.Exclude != nil {
		out.ExcludeGlobs = in.Exclude
	}
	if in.Retry.Multiplier > 0 {
		out.Retry = ingestion.RetryConfig{
			MaxRetries:     in.Retry.MaxRetries,
			InitialBackoff: in.Retry.InitialBackoff,
			MaxBackoff:     in.Retry.MaxBackoff,
			Multiplier:     in.Retry.Multiplier,
		}
	}
	if c.Classifier != (classify.Weights{}) {
		out.Weights = c.Classifier
	}
	out.RunLogDir = runLogDir
	return out
}

// LoadConfig loads configuration from configPath or finds it automatically.
//
// If configPath is empty, ACAT_CONFIG_PATH is consulted, then .acat/project.yaml
// is searched for in the current directory and its parents. Environment
// overrides are applied after the file is parsed.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv("ACAT_CONFIG_PATH")
	}
	if configPath == "" {
		var err error
		configPath, err = findConfigFile()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(configPath) //nolint:gosec // G304: Path comes from user config or discovery
	if err != nil {
		return nil, errors.NewConfigError(
			"Cannot read configuration file",
			fmt.Sprintf("Failed to read %s", configPath),
			"Check file permissions and ensure the file exists",
			err,
		)
	}

	// Classifier keys left out of the file keep their defaults.
	cfg := Config{Classifier: classify.DefaultWeights()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewConfigError(
			"Invalid configuration format",
			"YAML parsing failed - the config file contains syntax errors",
			fmt.Sprintf("Edit %s to fix syntax errors, or run 'acat init --force' to recreate", configPath),
			err,
		)
	}

	if cfg.Version != configVersion {
		return nil, errors.NewConfigError(
			"Unsupported configuration version",
			fmt.Sprintf("Config version '%s' is not supported (expected '%s')", cfg.Version, configVersion),
			"Run 'acat init --force' to regenerate the configuration file",
			nil,
		)
	}

	cfg.path = configPath
	cfg.applyEnvOverrides()

	if err := cfg.Classifier.Validate(); err != nil {
		return nil, errors.NewConfigError(
			"Invalid classifier weights",
			err.Error(),
			fmt.Sprintf("Edit the classifier section of %s", configPath),
			err,
		)
	}

	return &cfg, nil
}

// SaveConfig writes the configuration to configPath as YAML, creating the
// .acat directory when needed.
func SaveConfig(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.NewInternalError(
			"Cannot encode configuration",
			"YAML marshaling failed unexpectedly",
			"This is a bug. Please report it with your configuration details",
			err,
		)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.NewPermissionError(
			"Cannot create configuration directory",
			fmt.Sprintf("Permission denied creating %s", dir),
			"Check directory permissions or run with appropriate privileges",
			err,
		)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return errors.NewPermissionError(
			"Cannot write configuration file",
			fmt.Sprintf("Permission denied writing to %s", configPath),
			"Check file permissions and ensure sufficient disk space",
			err,
		)
	}
	return nil
}

// ConfigPath returns <dir>/.acat/project.yaml.
func ConfigPath(dir string) string {
	return filepath.Join(dir, defaultConfigDir, defaultConfigFile)
}

// findConfigFile searches for .acat/project.yaml in the current directory and
// its parents.
func findConfigFile() (string, error) {
	if configPath := os.Getenv("ACAT_CONFIG_PATH"); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", errors.NewConfigError(
			"Configuration file not found",
			fmt.Sprintf("ACAT_CONFIG_PATH is set to '%s' but the file does not exist", configPath),
			"Fix the ACAT_CONFIG_PATH environment variable or run 'acat init' to create a config",
			nil,
		)
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", errors.NewInternalError(
			"Cannot access working directory",
			"Failed to determine current directory path",
			"Check system permissions and try again",
			err,
		)
	}

	for {
		configPath := ConfigPath(dir)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", errors.NewConfigError(
		"Configuration not found",
		"No .acat/project.yaml file found in current directory or any parent directory",
		"Run 'acat init' to create a new configuration",
		nil,
	)
}

// applyEnvOverrides lets environment variables take precedence over the file.
//
// Supported environment variables:
//   - ACAT_PROJECT_ID: project identifier
//   - ACAT_DATA_DIR: data directory root
//   - ACAT_FORCE_FALLBACK: disable the full-text index
//   - ACAT_S3_ENDPOINT, ACAT_S3_BUCKET: object store location
//   - ACAT_S3_ACCESS_KEY, ACAT_S3_SECRET_KEY: object store credentials
func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("ACAT_PROJECT_ID"); id != "" {
		c.ProjectID = id
	}
	if dir := os.Getenv("ACAT_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	c.Storage.ForceFallbackSearch = getEnvBool("ACAT_FORCE_FALLBACK", c.Storage.ForceFallbackSearch)
	if endpoint := os.Getenv("ACAT_S3_ENDPOINT"); endpoint != "" {
		c.S3.Endpoint = endpoint
	}
	if bucket := os.Getenv("ACAT_S3_BUCKET"); bucket != "" {
		c.S3.Bucket = bucket
	}
	c.S3.AccessKey = getEnv("ACAT_S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = getEnv("ACAT_S3_SECRET_KEY", c.S3.SecretKey)
}

// getEnv retrieves an environment variable or returns fallback when unset.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvBool parses a boolean environment variable; unset or malformed
// values yield fallback.
func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}
