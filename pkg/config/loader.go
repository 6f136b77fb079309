package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvCacheDir = "MANDELCACHE_CACHE_DIR"
	EnvLogLevel = "MANDELCACHE_LOG_LEVEL"
)

// LedgerFile is the ledger database name used inside the cache directory.
const LedgerFile = "ledger.db"

// DefaultCacheDir returns the per-user cache directory, or ./.mandelcache when the
// platform has none.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		return ".mandelcache"
	}
	return filepath.Join(dir, "mandelcache")
}

// Loader reads and validates configuration files.
type Loader struct {
	validator *validator.Validate
	getenv    func(string) string
	cacheDir  string
	logLevel  string
}

// LoaderOption customises a Loader.
type LoaderOption func(*Loader)

// WithCacheDir overrides the cache directory of every loaded configuration. It takes
// precedence over both the file and the environment.
func WithCacheDir(dir string) LoaderOption {
	return func(l *Loader) { l.cacheDir = dir }
}

// WithLogLevel overrides the telemetry log level.
func WithLogLevel(level string) LoaderOption {
	return func(l *Loader) { l.logLevel = level }
}

// NewLoader creates a loader that reads overrides from the process environment.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		validator: validator.New(),
		getenv:    os.Getenv,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the YAML file at path on top of the defaults. An empty path loads the
// defaults alone. Environment overrides are applied before validation.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		return l.finish(Default())
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := l.parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads YAML configuration from r on top of the defaults.
func (l *Loader) Parse(r io.Reader) (*Config, error) {
	return l.parse(r)
}

func (l *Loader) parse(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return l.finish(cfg)
}

func (l *Loader) finish(cfg *Config) (*Config, error) {
	if dir := l.getenv(EnvCacheDir); dir != "" {
		cfg.Cache.Dir = dir
	}
	if l.cacheDir != "" {
		cfg.Cache.Dir = l.cacheDir
	}
	level := l.getenv(EnvLogLevel)
	if l.logLevel != "" {
		level = l.logLevel
	}
	if level != "" && cfg.Telemetry != nil {
		cfg.Telemetry.Logging.Level = level
	}
	if cfg.Ledger.Enabled && cfg.Ledger.Path == "" {
		cfg.Ledger.Path = filepath.Join(cfg.Cache.Dir, LedgerFile)
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the telemetry settings.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}
