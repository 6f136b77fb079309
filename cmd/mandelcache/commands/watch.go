package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Track the cache directory and serve metrics",
		Long: `Keep the cache index in sync with datasets written or removed by other
mandelcache processes, and serve Prometheus metrics when they are enabled in the
configuration. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if !rt.cfg.Cache.Watch {
				if err := rt.cache.Watch(ctx); err != nil {
					return err
				}
			}

			server := rt.tel.Metrics.StartMetricsServer(rt.tel.Logger)
			if server != nil {
				log.Info().
					Str("address", rt.cfg.Telemetry.Metrics.ListenAddress).
					Str("path", rt.cfg.Telemetry.Metrics.Path).
					Msg("Serving metrics")
			}

			log.Info().Str("dir", rt.cache.Dir()).Int("datasets", len(rt.cache.Entries())).Msg("Watching cache")
			<-ctx.Done()

			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Metrics server shutdown failed")
				}
			}
			return nil
		},
	}
}
