package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mandelcache/mandelcache/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the generation ledger",
		Long: `Query the generation ledger.

Every generate call is recorded with its viewport, how it was served (hit,
incremental or fresh), its outcome and its duration.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryStatsCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		status string
		source string
		since  time.Duration
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List recorded generations, newest first",
		Example: `  # Last 20 generations
  mandelcache history ls

  # Incremental refinements of the last hour
  mandelcache history ls --source incremental --since 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			ledger, err := rt.requireLedger()
			if err != nil {
				return err
			}

			filter := stores.GenerationFilter{
				Status: stores.GenerationStatus(status),
				Source: source,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			gens, err := ledger.ListGenerations(cmd.Context(), filter, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), gens)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tSOURCE\tITERATIONS\tRESOLUTION\tDURATION")
			for _, g := range gens {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%dx%d\t%s\n",
					g.ID, g.StartedAt.Local().Format(time.DateTime), g.Status, g.Source,
					g.Iterations, g.Width, g.Height, g.Duration())
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (completed, cancelled, failed)")
	cmd.Flags().StringVar(&source, "source", "", "filter by source (hit, incremental, fresh)")
	cmd.Flags().DurationVar(&since, "since", 0, "only generations started within this duration")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of generations to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of generations to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one recorded generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			ledger, err := rt.requireLedger()
			if err != nil {
				return err
			}

			g, err := ledger.GetGeneration(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), g)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:          %s\n", g.ID)
			fmt.Fprintf(out, "Request:     %s\n", g.RequestID)
			fmt.Fprintf(out, "Bounds:      [%g, %g]x[%g, %g]\n", g.XMin, g.XMax, g.YMin, g.YMax)
			fmt.Fprintf(out, "Iterations:  %d\n", g.Iterations)
			fmt.Fprintf(out, "Resolution:  %dx%d\n", g.Width, g.Height)
			fmt.Fprintf(out, "Status:      %s\n", g.Status)
			if g.Source != "" {
				fmt.Fprintf(out, "Source:      %s\n", g.Source)
			}
			if g.BaseIterations > 0 {
				fmt.Fprintf(out, "Extended:    from %d iterations\n", g.BaseIterations)
			}
			if g.Precision != "" {
				fmt.Fprintf(out, "Precision:   %s\n", g.Precision)
			}
			fmt.Fprintf(out, "Chunks:      %d\n", g.Chunks)
			fmt.Fprintf(out, "Interior:    %d pixels\n", g.InteriorPixels)
			fmt.Fprintf(out, "Started:     %s\n", g.StartedAt.Local().Format(time.RFC3339))
			fmt.Fprintf(out, "Duration:    %s\n", g.Duration())
			if g.Error != nil {
				fmt.Fprintf(out, "Error:       %s\n", *g.Error)
			}
			return nil
		},
	}
}

func newHistoryStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count completed generations by source",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			ledger, err := rt.requireLedger()
			if err != nil {
				return err
			}

			counts, err := ledger.CountBySource(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), counts)
			}

			sources := make([]string, 0, len(counts))
			total := 0
			for s, n := range counts {
				sources = append(sources, s)
				total += n
			}
			sort.Strings(sources)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tCOUNT")
			for _, s := range sources {
				fmt.Fprintf(tw, "%s\t%d\n", s, counts[s])
			}
			fmt.Fprintf(tw, "total\t%d\n", total)
			return tw.Flush()
		},
	}
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete old ledger entries",
		Example: `  mandelcache history prune --older-than 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			ledger, err := rt.requireLedger()
			if err != nil {
				return err
			}

			n, err := ledger.DeleteGenerationsBefore(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			log.Info().Int64("deleted", n).Dur("older_than", olderThan).Msg("Pruned generation ledger")
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d generations\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete generations started before now minus this duration")
	_ = cmd.MarkFlagRequired("older-than")

	return cmd
}
