// Package config holds the typed server configuration and its
// JSON/YAML loaders.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/getreqmod/reqmod/pkg/rule"
)

// Common errors for configuration loading.
var (
	ErrFileNotFound = errors.New("configuration file not found")
	ErrInvalidJSON  = errors.New("invalid JSON syntax")
	ErrInvalidYAML  = errors.New("invalid YAML syntax")
	ErrEmptyFile    = errors.New("configuration file is empty")
)

// Config is the full server configuration.
type Config struct {
	// Listen is the admin API address, host:port.
	Listen string `json:"listen" yaml:"listen"`

	// RulesDir, when set, is scanned for rule files at startup.
	RulesDir string `json:"rulesDir,omitempty" yaml:"rulesDir,omitempty"`

	Storage StorageConfig `json:"storage" yaml:"storage"`
	Logs    LogsConfig    `json:"logs" yaml:"logs"`
	Modify  ModifyConfig  `json:"modify" yaml:"modify"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// StorageConfig configures the quota-aware store.
type StorageConfig struct {
	// Backend is "memory" or "file".
	Backend string `json:"backend" yaml:"backend"`

	// Path is the persistence file for the file backend.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// QuotaBytes caps the store; 0 means the default quota.
	QuotaBytes int64 `json:"quotaBytes,omitempty" yaml:"quotaBytes,omitempty"`

	// EvictThreshold is the usage fraction that triggers eviction.
	EvictThreshold float64 `json:"evictThreshold,omitempty" yaml:"evictThreshold,omitempty"`

	// EvictFraction is the fraction of evictable entries removed per pass.
	EvictFraction float64 `json:"evictFraction,omitempty" yaml:"evictFraction,omitempty"`

	// Compression is "none" or "gzip".
	Compression string `json:"compression,omitempty" yaml:"compression,omitempty"`

	// CompressThreshold is the minimum entry size in bytes to compress.
	CompressThreshold int `json:"compressThreshold,omitempty" yaml:"compressThreshold,omitempty"`
}

// LogsConfig configures the request log.
type LogsConfig struct {
	// MaxEntries caps the in-store log; oldest entries are trimmed.
	MaxEntries int `json:"maxEntries,omitempty" yaml:"maxEntries,omitempty"`

	// RetentionDays removes entries older than this many days; 0
	// disables the retention pass.
	RetentionDays int `json:"retentionDays,omitempty" yaml:"retentionDays,omitempty"`
}

// ModifyConfig configures the modification engine.
type ModifyConfig struct {
	// TimeoutMs bounds one modification computation.
	TimeoutMs int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`

	// Precedence orders terminal actions; subset of block, mock,
	// redirect. Missing actions keep their default relative order.
	Precedence []string `json:"precedence,omitempty" yaml:"precedence,omitempty"`
}

// LoggingConfig configures diagnostic logging.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Listen: "127.0.0.1:4290",
		Storage: StorageConfig{
			Backend:     "memory",
			Compression: "none",
		},
		Logs: LogsConfig{
			MaxEntries:    1000,
			RetentionDays: 7,
		},
		Modify: ModifyConfig{
			TimeoutMs:  5000,
			Precedence: []string{"block", "mock", "redirect"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile reads a Config from a JSON or YAML file. The format is
// detected by extension (.yaml/.yml for YAML, otherwise JSON). Values
// absent from the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	cfg := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
	} else {
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w in file: %s", ErrInvalidJSON, path)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations. Errors name the
// offending field path.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen: address is required")
	}
	switch c.Storage.Backend {
	case "memory", "file":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "file" && c.Storage.Path == "" {
		return errors.New("storage.path: required for the file backend")
	}
	if c.Storage.QuotaBytes < 0 {
		return fmt.Errorf("storage.quotaBytes: must not be negative, got %d", c.Storage.QuotaBytes)
	}
	if c.Storage.EvictThreshold < 0 || c.Storage.EvictThreshold > 1 {
		return fmt.Errorf("storage.evictThreshold: must be in [0, 1], got %v", c.Storage.EvictThreshold)
	}
	if c.Storage.EvictFraction < 0 || c.Storage.EvictFraction > 1 {
		return fmt.Errorf("storage.evictFraction: must be in [0, 1], got %v", c.Storage.EvictFraction)
	}
	switch c.Storage.Compression {
	case "", "none", "gzip":
	default:
		return fmt.Errorf("storage.compression: unknown codec %q", c.Storage.Compression)
	}
	if c.Logs.MaxEntries < 0 {
		return fmt.Errorf("logs.maxEntries: must not be negative, got %d", c.Logs.MaxEntries)
	}
	if c.Logs.RetentionDays < 0 {
		return fmt.Errorf("logs.retentionDays: must not be negative, got %d", c.Logs.RetentionDays)
	}
	if c.Modify.TimeoutMs < 0 {
		return fmt.Errorf("modify.timeoutMs: must not be negative, got %d", c.Modify.TimeoutMs)
	}
	if _, err := c.Modify.ParsePrecedence(); err != nil {
		return fmt.Errorf("modify.precedence: %w", err)
	}
	return nil
}

// ParsePrecedence resolves the configured action order. Actions not
// listed are appended in their default relative order so the result
// always covers block, mock and redirect.
func (m *ModifyConfig) ParsePrecedence() ([]rule.ActionType, error) {
	defaults := []rule.ActionType{rule.ActionBlock, rule.ActionMock, rule.ActionRedirect}
	if len(m.Precedence) == 0 {
		return defaults, nil
	}

	seen := make(map[rule.ActionType]bool, len(m.Precedence))
	var out []rule.ActionType
	for _, name := range m.Precedence {
		t := rule.ActionType(name)
		switch t {
		case rule.ActionBlock, rule.ActionMock, rule.ActionRedirect:
		default:
			return nil, fmt.Errorf("unknown action %q", name)
		}
		if seen[t] {
			return nil, fmt.Errorf("duplicate action %q", name)
		}
		seen[t] = true
		out = append(out, t)
	}
	for _, t := range defaults {
		if !seen[t] {
			out = append(out, t)
		}
	}
	return out, nil
}
