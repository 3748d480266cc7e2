package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"anvil/internal/buildcache"
	"anvil/internal/deps"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the host can run builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			failed := 0

			fmt.Fprintln(out, renderSectionHeader("Dependencies", colorize))
			for _, status := range deps.CheckBinaries(deps.Requirements(cfg)) {
				if !printDependency(out, status, colorize) {
					failed++
				}
			}

			fmt.Fprintln(out, renderSectionHeader("Host", colorize))
			if !printDependency(out, deps.CheckMemory(cmd.Context(), cfg.Toolchain.MinMemoryMiB), colorize) {
				failed++
			}
			if n := deps.CPUCount(cmd.Context()); n > 0 {
				fmt.Fprintln(out, renderStatusLine("CPUs", statusInfo, fmt.Sprintf("%d logical", n), colorize))
			}

			fmt.Fprintln(out, renderSectionHeader("Build cache", colorize))
			stats, err := buildcache.NewFromConfig(cfg, ctx.quietLogger()).Stats(cmd.Context())
			if err != nil {
				fmt.Fprintln(out, renderStatusLine("Cache", statusError, err.Error(), colorize))
				failed++
			} else {
				kind := statusOK
				if stats.MaxBytes > 0 && stats.TotalBytes > stats.MaxBytes {
					kind = statusWarn
				}
				fmt.Fprintln(out, renderStatusLine("Cache", kind,
					fmt.Sprintf("%d entries, %s of %s", stats.Entries, humanBytes(stats.TotalBytes), humanBytes(stats.MaxBytes)), colorize))
			}

			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

// printDependency renders one status line and reports whether the check
// passed. Optional dependencies never fail the command.
func printDependency(out io.Writer, status deps.Status, colorize bool) bool {
	label := status.Name
	switch {
	case status.Available:
		fmt.Fprintln(out, renderStatusLine(label, statusOK, status.Command, colorize))
		return true
	case status.Optional:
		fmt.Fprintln(out, renderStatusLine(label, statusWarn, status.Detail, colorize))
		return true
	default:
		fmt.Fprintln(out, renderStatusLine(label, statusError, status.Detail, colorize))
		return false
	}
}
