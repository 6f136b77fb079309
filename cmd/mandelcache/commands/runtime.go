package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mandelcache/mandelcache/pkg/cache"
	"github.com/mandelcache/mandelcache/pkg/config"
	"github.com/mandelcache/mandelcache/pkg/engine"
	"github.com/mandelcache/mandelcache/pkg/policy"
	"github.com/mandelcache/mandelcache/pkg/stores"
	"github.com/mandelcache/mandelcache/pkg/telemetry"
	"github.com/mandelcache/mandelcache/pkg/viewport"
)

// runtime holds everything a command needs, built from the loaded configuration.
type runtime struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	cache  *cache.Cache
	ledger *stores.SQLiteStore
	gen    *engine.Generator
	policy *policy.Engine
}

func loadConfig() (*config.Config, error) {
	loader := config.NewLoader(config.WithCacheDir(cacheDir), config.WithLogLevel(logLevel))
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Telemetry.Logging.Level))
	return cfg, nil
}

// openRuntime loads the configuration and opens the cache and ledger. The caller must
// Close the result.
func openRuntime(cmd *cobra.Command) (*runtime, error) {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt := &runtime{cfg: cfg, tel: tel}

	rt.cache, err = cache.Open(cache.Config{
		Dir:     cfg.Cache.Dir,
		Prefix:  cfg.Cache.Prefix,
		Scan:    cfg.Cache.Scan,
		Logger:  *tel.Logger.NewComponentLogger("cache").Zerolog(),
		Metrics: tel.Metrics,
	})
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	if cfg.Cache.Watch {
		if err := rt.cache.Watch(ctx); err != nil {
			rt.Close(ctx)
			return nil, err
		}
	}

	var ledger engine.Ledger
	if cfg.Ledger.Enabled {
		rt.ledger, err = openLedger(ctx, cfg.Ledger.Path)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		ledger = rt.ledger
	}

	rt.gen, err = engine.NewGenerator(rt.cache, ledger, tel, cfg.Engine.Options())
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	if cfg.Policy.Enabled {
		rt.policy, err = openPolicy(ctx, cfg.Policy, *tel.Logger.NewComponentLogger("policy").Zerolog())
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
	}

	return rt, nil
}

func openPolicy(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(ctx, logger, cfg.Limits)
	if err != nil {
		return nil, err
	}
	if len(cfg.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	for _, name := range cfg.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// admit plans spec and checks the plan against the policies. The result is nil when
// policies are disabled.
func (rt *runtime) admit(ctx context.Context, spec viewport.Spec, opts engine.GenerateOptions) (*engine.Plan, *policy.Result, error) {
	plan, err := rt.gen.Plan(ctx, spec, opts)
	if err != nil {
		return nil, nil, err
	}
	if rt.policy == nil {
		return plan, nil, nil
	}
	result, err := rt.policy.Check(ctx, plan)
	return plan, result, err
}

func openLedger(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return store, nil
}

// requireLedger returns the ledger or an error when it is disabled.
func (rt *runtime) requireLedger() (*stores.SQLiteStore, error) {
	if rt.ledger == nil {
		return nil, fmt.Errorf("the generation ledger is disabled in the configuration")
	}
	return rt.ledger, nil
}

// Close releases the ledger and flushes telemetry. It never fails the command.
func (rt *runtime) Close(ctx context.Context) {
	logger := rt.tel.Logger
	if rt.ledger != nil {
		if err := rt.ledger.Close(); err != nil {
			logger.WithError(err).Warn("failed to close ledger")
		}
	}
	if err := rt.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		logger.WithError(err).Warn("failed to shut down telemetry")
	}
}
