// Package config holds the tunables of the storage engine and their
// persistence as a manifest file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
)

// SyncMode controls how eagerly appends reach stable storage.
type SyncMode int

const (
	// SyncNone leaves flushing to the OS; a crash may lose or invalidate
	// the most recent commits.
	SyncNone SyncMode = iota
	// SyncBatch fsyncs every SyncEvery commits.
	SyncBatch
	// SyncImmediate fsyncs data, index and log on every commit. This is
	// the default and the only mode with per-append durability.
	SyncImmediate
)

// Config carries the engine tunables. On-disk formats do not depend on
// any of these; they only shape write batching and resource use.
type Config struct {
	Version int `json:"version" yaml:"version"`

	// Durability
	SyncMode  SyncMode `json:"sync_mode" yaml:"sync_mode"`
	SyncEvery int      `json:"sync_every" yaml:"sync_every"`

	// Block layout
	Compression        string `json:"compression" yaml:"compression"`
	MaxEntriesPerBlock int    `json:"max_entries_per_block" yaml:"max_entries_per_block"`

	// Commit log
	LogSegmentSize    int64 `json:"log_segment_size" yaml:"log_segment_size"`
	LogRetainSegments int   `json:"log_retain_segments" yaml:"log_retain_segments"`

	// Sparse index
	IndexChunkRecords int `json:"index_chunk_records" yaml:"index_chunk_records"`
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentManifestVersion,

		SyncMode:  SyncImmediate,
		SyncEvery: 16,

		Compression:        "delta",
		MaxEntriesPerBlock: 1<<16 - 1,

		LogSegmentSize:    2 * 1024 * 1024, // 2MiB
		LogRetainSegments: 2,

		IndexChunkRecords: 1024,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: version %d", ErrInvalidConfig, c.Version)
	}
	if c.SyncMode < SyncNone || c.SyncMode > SyncImmediate {
		return fmt.Errorf("%w: sync mode %d", ErrInvalidConfig, c.SyncMode)
	}
	if c.SyncMode == SyncBatch && c.SyncEvery <= 0 {
		return fmt.Errorf("%w: sync_every must be positive in batch mode", ErrInvalidConfig)
	}
	switch c.Compression {
	case "raw", "delta", "deflate", "snappy":
	default:
		return fmt.Errorf("%w: compression %q", ErrInvalidConfig, c.Compression)
	}
	if c.MaxEntriesPerBlock <= 0 || c.MaxEntriesPerBlock > 1<<16-1 {
		return fmt.Errorf("%w: max_entries_per_block %d", ErrInvalidConfig, c.MaxEntriesPerBlock)
	}
	if c.LogSegmentSize <= 0 {
		return fmt.Errorf("%w: log_segment_size %d", ErrInvalidConfig, c.LogSegmentSize)
	}
	if c.LogRetainSegments < 2 {
		return fmt.Errorf("%w: log_retain_segments %d (need at least 2)", ErrInvalidConfig, c.LogRetainSegments)
	}
	if c.IndexChunkRecords <= 0 {
		return fmt.Errorf("%w: index_chunk_records %d", ErrInvalidConfig, c.IndexChunkRecords)
	}
	return nil
}

// LoadConfigFromFile reads a config from a JSON manifest or a YAML file,
// chosen by extension. Missing fields keep their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := NewDefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveManifest writes the config as a JSON manifest under dir.
func (c *Config) SaveManifest(dir string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := filepath.Join(dir, DefaultManifestFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadManifest reads the JSON manifest under dir.
func LoadManifest(dir string) (*Config, error) {
	path := filepath.Join(dir, DefaultManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
