package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mandelcache/mandelcache/pkg/cache"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the dataset cache",
		Long: `Inspect and manage the dataset cache.

Each cached dataset is one file named after its bounds and iteration count. Files
that do not carry the configured prefix are never touched.`,
	}

	cmd.AddCommand(newCacheListCommand())
	cmd.AddCommand(newCacheEvictCommand())
	cmd.AddCommand(newCacheCleanupCommand())

	return cmd
}

type cacheEntry struct {
	XMin       float64 `json:"xmin"`
	XMax       float64 `json:"xmax"`
	YMin       float64 `json:"ymin"`
	YMax       float64 `json:"ymax"`
	Iterations int     `json:"iterations"`
	File       string  `json:"file"`
}

func newCacheListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List cached datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			keys := rt.cache.Entries()
			entries := make([]cacheEntry, 0, len(keys))
			for _, k := range keys {
				entries = append(entries, cacheEntry{
					XMin:       k.Bounds.XMin,
					XMax:       k.Bounds.XMax,
					YMin:       k.Bounds.YMin,
					YMax:       k.Bounds.YMax,
					Iterations: k.Iterations,
					File:       cache.FileName(rt.cache.Prefix(), k),
				})
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BOUNDS\tITERATIONS\tFILE")
			for i, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", keys[i].Bounds, e.Iterations, e.File)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d datasets in %s\n", len(entries), rt.cache.Dir())
			return nil
		},
	}
}

func newCacheEvictCommand() *cobra.Command {
	var vp viewportFlags

	cmd := &cobra.Command{
		Use:     "evict",
		Short:   "Remove one cached dataset",
		Example: `  mandelcache cache evict -n 256`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := vp.spec(cmd)
			if err != nil {
				return err
			}

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			if !rt.cache.Exists(spec) {
				return fmt.Errorf("%s is not cached", spec.Key())
			}
			if err := rt.cache.EvictKey(spec.Key()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %s\n", spec.Key())
			return nil
		},
	}

	vp.register(cmd)
	return cmd
}

func newCacheCleanupCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove every cached dataset",
		Long: `Remove every dataset file carrying the cache prefix, including abandoned
temporary files from interrupted writes. The generation ledger is kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to remove cached datasets without --yes")
			}

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			n := len(rt.cache.Entries())
			if err := rt.gen.Cleanup(); err != nil {
				return err
			}
			log.Info().Int("datasets", n).Str("dir", rt.cache.Dir()).Msg("Cache cleaned")
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d datasets from %s\n", n, rt.cache.Dir())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm removal")
	return cmd
}
