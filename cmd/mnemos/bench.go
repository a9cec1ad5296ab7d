package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/mnemos/internal/tuning"
)

type benchOptions struct {
	*rootOptions
	Runs int
}

func newBenchCommand(root *rootOptions) *cobra.Command {
	opts := &benchOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "bench [flags] -- <command> [args...]",
		Short: "Time repeated runs of a command",
		Long: `Bench runs the command --runs times and prints each run's wall time and
the mean. The first failing run aborts the benchmark.`,
		Example:       `  mnemos bench --runs 5 -- python3 -c "import torch"`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			durations, err := tuning.Benchmark(ctx, opts.bootstrapLogger(), args[0], args[1:], opts.Runs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, d := range durations {
				fmt.Fprintf(out, "run %d: %s\n", i+1, d.Round(time.Microsecond))
			}
			fmt.Fprintf(out, "mean: %s\n", mean(durations).Round(time.Microsecond))
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.Runs, "runs", "n", 3, "number of runs")
	return cmd
}

func mean(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total / time.Duration(len(ds))
}
