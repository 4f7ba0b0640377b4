// Package config provides configuration types and defaults for the stored CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/Aram1d/stored"
	"github.com/Aram1d/stored/codec"
	"github.com/Aram1d/stored/internal/log"
	"github.com/Aram1d/stored/internal/tracing"
	"github.com/Aram1d/stored/schema"
)

// SchemaConfig defines a single schema rule loaded from the config file.
type SchemaConfig struct {
	Key     string `mapstructure:"key"`     // exact key to claim (mutually exclusive with pattern)
	Pattern string `mapstructure:"pattern"` // regular expression over keys
	Default any    `mapstructure:"default"` // starting value for matched keys
	Assert  string `mapstructure:"assert"`  // expr predicate over `value`
}

// Name returns the identifier used in error messages: the key when set,
// the pattern otherwise.
func (s SchemaConfig) Name() string {
	if s.Key != "" {
		return s.Key
	}
	return s.Pattern
}

// Config holds all configuration options for the stored CLI.
type Config struct {
	Backend      string         `mapstructure:"backend"`        // "file" (default), "sqlite", or "memory"
	Dir          string         `mapstructure:"dir"`            // data directory for file/sqlite backends
	Prefix       string         `mapstructure:"prefix"`         // key prefix applied before the medium
	Debounce     time.Duration  `mapstructure:"debounce"`       // foreign-change watcher debounce (0 = backend default)
	ReadCacheTTL time.Duration  `mapstructure:"read_cache_ttl"` // passive read cache TTL (0 disables the cache)
	CleanupGrace time.Duration  `mapstructure:"cleanup_grace"`  // how long a slot outlives its last binder
	Schemas      []SchemaConfig `mapstructure:"schemas"`
	Tracing      tracing.Config `mapstructure:"tracing"`
}

// DefaultDataDir returns the default data directory.
// Returns ~/.config/stored/data or empty string if the config dir is unavailable.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "stored", "data")
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/stored/traces/traces.jsonl or empty string if the config
// dir is unavailable.
func DefaultTracesFilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "stored", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Backend:      "file",
		Dir:          "", // Derived from the user config dir at runtime
		Prefix:       "",
		Debounce:     0, // Backend picks its own default
		ReadCacheTTL: stored.DefaultReadCacheTTL,
		CleanupGrace: stored.DefaultCleanupGrace,
		Tracing:      tracing.DefaultConfig(),
	}
}

// Validate checks the whole configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func Validate(cfg Config) error {
	if err := ValidateBackend(cfg.Backend); err != nil {
		return err
	}

	if cfg.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative, got %v", cfg.Debounce)
	}
	if cfg.ReadCacheTTL < 0 {
		return fmt.Errorf("read_cache_ttl must not be negative, got %v", cfg.ReadCacheTTL)
	}
	if cfg.CleanupGrace < 0 {
		return fmt.Errorf("cleanup_grace must not be negative, got %v", cfg.CleanupGrace)
	}

	if err := ValidateSchemas(cfg.Schemas); err != nil {
		return err
	}

	return ValidateTracing(cfg.Tracing)
}

// ValidateBackend checks the backend selector for errors.
func ValidateBackend(name string) error {
	switch name {
	case "", "file", "sqlite", "memory":
		return nil
	default:
		return fmt.Errorf("backend must be \"file\", \"sqlite\", or \"memory\", got %q", name)
	}
}

// ValidateSchemas checks schema rule configuration for errors.
// Returns nil if the rules are valid or empty.
func ValidateSchemas(rules []SchemaConfig) error {
	for i, rule := range rules {
		switch {
		case rule.Key == "" && rule.Pattern == "":
			return fmt.Errorf("schema %d: key or pattern is required", i)
		case rule.Key != "" && rule.Pattern != "":
			return fmt.Errorf("schema %d (%s): key and pattern are mutually exclusive", i, rule.Name())
		}

		if rule.Pattern != "" {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return fmt.Errorf("schema %d (%s): invalid pattern: %w", i, rule.Name(), err)
			}
		}

		if rule.Assert != "" {
			if _, err := schema.ExprAssert(rule.Assert); err != nil {
				return fmt.Errorf("schema %d (%s): invalid assert: %w", i, rule.Name(), err)
			}
		}
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tc tracing.Config) error {
	if tc.SampleRate < 0.0 || tc.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tc.SampleRate)
	}

	if tc.Exporter != "" {
		switch tc.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tc.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tc.Enabled {
		if tc.Exporter == "file" && tc.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tc.Exporter == "otlp" && tc.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// LoadSchemas converts configured rules into schema registrations, in file
// order. Defaults round-trip through the JSON codec so they live in the same
// type domain as decoded values (numbers as float64, maps as map[string]any).
func LoadSchemas(rules []SchemaConfig) ([]schema.Schema, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	out := make([]schema.Schema, 0, len(rules))
	for i, rule := range rules {
		var m schema.Matcher
		switch {
		case rule.Key != "" && rule.Pattern != "":
			return nil, fmt.Errorf("schema %d (%s): key and pattern are mutually exclusive", i, rule.Name())
		case rule.Key != "":
			m = schema.Exact(rule.Key)
		case rule.Pattern != "":
			var err error
			m, err = schema.PatternString(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("schema %d (%s): invalid pattern: %w", i, rule.Name(), err)
			}
		default:
			return nil, fmt.Errorf("schema %d: key or pattern is required", i)
		}

		def, err := normalizeDefault(rule.Default)
		if err != nil {
			return nil, fmt.Errorf("schema %d (%s): invalid default: %w", i, rule.Name(), err)
		}

		var assert schema.AssertFunc
		if rule.Assert != "" {
			assert, err = schema.ExprAssert(rule.Assert)
			if err != nil {
				return nil, fmt.Errorf("schema %d (%s): %w", i, rule.Name(), err)
			}
		}

		out = append(out, schema.Schema{Matcher: m, Default: def, Assert: assert})
	}
	return out, nil
}

// normalizeDefault rounds a config value through the JSON codec. YAML hands
// integers over as int, codec decoding yields float64; without this a key's
// default and its persisted value would disagree on type.
func normalizeDefault(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	cd := codec.JSON{}
	s, err := cd.Encode(v)
	if err != nil {
		return nil, err
	}
	return cd.Decode(s)
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# stored configuration

# Storage backend: "file" (one file per key), "sqlite", or "memory"
backend: file

# Data directory for the file and sqlite backends
# (default: ~/.config/stored/data)
# dir: /path/to/data

# Prefix applied to every key before it reaches the medium.
# Two programs sharing a directory with different prefixes never
# see each other's keys.
# prefix: "myapp/"

# How long the backend waits after a foreign change before re-reading.
# Raise this when an external writer rewrites files in bursts.
# debounce: 100ms

# How long passive reads of unbound keys stay cached. Zero disables the cache.
read_cache_ttl: 30s

# How long a slot outlives its last binder before it is dropped.
# Rebinding within the grace period keeps the live value.
cleanup_grace: 5s

# Schema rules, checked in registration order. Exact keys always win
# over patterns. Each rule takes exactly one of key/pattern, plus an
# optional default value and an optional assert expression evaluated
# with the candidate bound to "value" (expr-lang syntax).
# schemas:
#   - key: theme
#     default: dark
#     assert: value == "dark" || value == "light"
#   - pattern: "^counter:"
#     default: 0
#     assert: value >= 0
#
# A rule's default is handed to binders before anything is persisted;
# its assert guards persisted values, so anything it rejects is
# overwritten with the default.

# Distributed tracing configuration
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/stored/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the template
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
