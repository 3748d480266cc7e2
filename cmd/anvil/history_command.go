package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"anvil/internal/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		version    string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent build runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := history.Open(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), version, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, runs)
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			fmt.Fprintln(out, renderTable("", []string{"Started", "Version", "Status", "Stage", "Cache", "Duration", "Error"},
				runRows(runs), nil))
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Only show runs of this version")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print runs as JSON")
	return cmd
}

func runRows(runs []history.Run) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		cache := "-"
		if run.Status == history.StatusComplete {
			cache = "miss"
			if run.CacheHit {
				cache = "hit"
			}
		}
		failure := ""
		if run.ErrorKind != "" {
			failure = run.ErrorKind + ": " + run.ErrorMessage
			if len(failure) > 60 {
				failure = failure[:57] + "..."
			}
		}
		rows = append(rows, []string{
			formatStamp(run.StartedAt),
			run.Version,
			string(run.Status),
			stageLabel(run.Stage),
			cache,
			formatDuration(run.Duration()),
			failure,
		})
	}
	return rows
}
