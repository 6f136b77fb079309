package config

import (
	"github.com/mandelcache/mandelcache/pkg/cache"
	"github.com/mandelcache/mandelcache/pkg/engine"
	"github.com/mandelcache/mandelcache/pkg/grid"
	"github.com/mandelcache/mandelcache/pkg/numeric"
	"github.com/mandelcache/mandelcache/pkg/policy"
	"github.com/mandelcache/mandelcache/pkg/telemetry"
)

// Config is the complete mandelcache configuration.
type Config struct {
	// Cache configures the dataset directory.
	Cache CacheConfig `yaml:"cache"`

	// Engine configures chunking and precision.
	Engine EngineConfig `yaml:"engine"`

	// Ledger configures the generation history database.
	Ledger LedgerConfig `yaml:"ledger"`

	// Policy configures the admission policies checked before generating.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	// Dir is the cache directory (e.g., "~/.cache/mandelcache").
	Dir string `yaml:"dir" validate:"required"`

	// Prefix is the artifact filename prefix. It is used in glob patterns and must
	// not contain path separators or glob metacharacters.
	Prefix string `yaml:"prefix" validate:"required,excludesall=/\\*?["`

	// Scan indexes the artifacts already in Dir when the cache is opened.
	Scan bool `yaml:"scan"`

	// Watch keeps the index in sync with other processes writing to Dir.
	Watch bool `yaml:"watch"`
}

// EngineConfig configures the generator.
type EngineConfig struct {
	// Workers is the number of concurrent chunk workers; 0 uses one per CPU.
	Workers int `yaml:"workers" validate:"gte=0"`

	// ChunkFactor is the number of row chunks per worker.
	ChunkFactor int `yaml:"chunk_factor" validate:"gte=1"`

	// Tolerance is the viewport span at or below which arbitrary precision is used.
	Tolerance float64 `yaml:"tolerance" validate:"gt=0"`

	// Digits is the significant-digit precision of arbitrary arithmetic.
	Digits uint32 `yaml:"digits" validate:"gte=17,lte=1000"`
}

// LedgerConfig configures the generation ledger.
type LedgerConfig struct {
	// Enabled records every generate call.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file. Defaults to ledger.db inside the cache directory.
	Path string `yaml:"path" validate:"required_if=Enabled true"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	// Enabled evaluates the policies before every generate call.
	Enabled bool `yaml:"enabled"`

	// Paths are .rego or .json files, or directories of them, loaded next to the
	// built-in policies.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Disabled names policies, built-in or loaded, that are not evaluated.
	Disabled []string `yaml:"disabled" validate:"dive,required"`

	// Limits are the budgets the built-in policies enforce.
	Limits policy.Limits `yaml:"limits"`
}

// Options converts the engine configuration to generator options.
func (c EngineConfig) Options() engine.Options {
	return engine.Options{
		Workers:     c.Workers,
		ChunkFactor: c.ChunkFactor,
		Grid: grid.Options{
			Tolerance: c.Tolerance,
			Digits:    c.Digits,
		},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:    DefaultCacheDir(),
			Prefix: cache.DefaultPrefix,
			Scan:   true,
		},
		Engine: EngineConfig{
			ChunkFactor: 2,
			Tolerance:   grid.DefaultTolerance,
			Digits:      numeric.DefaultDigits,
		},
		Ledger: LedgerConfig{
			Enabled: true,
		},
		Policy: PolicyConfig{
			Enabled: true,
			Limits:  policy.DefaultLimits(),
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
