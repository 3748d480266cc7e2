package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"anvil/internal/buildcache"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the build cache",
	}
	cmd.AddCommand(newCacheListCommand(ctx))
	cmd.AddCommand(newCacheStatsCommand(ctx))
	cmd.AddCommand(newCachePruneCommand(ctx))
	cmd.AddCommand(newCacheInvalidateCommand(ctx))
	cmd.AddCommand(newCacheLogCommand(ctx))
	return cmd
}

func cacheManager(ctx *commandContext) (*buildcache.Manager, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	return buildcache.NewFromConfig(cfg, ctx.quietLogger()), nil
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := cacheManager(ctx)
			if err != nil {
				return err
			}
			entries, err := manager.List()
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, entries)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Build cache is empty.")
				return nil
			}
			fmt.Fprintln(out, renderTable("", []string{"Version", "Patch hash", "Artifacts", "Size", "Modified", "Complete"},
				summaryRows(entries),
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft}))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print entries as JSON")
	return cmd
}

func summaryRows(entries []buildcache.EntrySummary) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		version := e.Version
		if version == "" {
			version = e.Directory
		}
		rows = append(rows, []string{
			version,
			shortHash(e.PatchHash),
			fmt.Sprintf("%d", e.ArtifactCount),
			humanBytes(e.SizeBytes),
			formatStamp(e.ModifiedAt),
			yesNo(e.Complete),
		})
	}
	return rows
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage against the configured budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := cacheManager(ctx)
			if err != nil {
				return err
			}
			stats, err := manager.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Root:        %s\n", manager.Root())
			fmt.Fprintf(out, "Entries:     %d\n", stats.Entries)
			fmt.Fprintf(out, "Used:        %s of %s\n", humanBytes(stats.TotalBytes), humanBytes(stats.MaxBytes))
			if stats.TotalFSBytes > 0 {
				fmt.Fprintf(out, "Filesystem:  %s free of %s (%.0f%%)\n",
					humanBytes(int64(stats.FreeBytes)), humanBytes(int64(stats.TotalFSBytes)), stats.FreeRatio*100)
			}
			return nil
		},
	}
}

func newCachePruneCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Evict the oldest entries until the cache fits its budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := cacheManager(ctx)
			if err != nil {
				return err
			}
			before, err := manager.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if err := manager.Prune(cmd.Context()); err != nil {
				return err
			}
			after, err := manager.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries, freed %s\n",
				before.Entries-after.Entries, humanBytes(before.TotalBytes-after.TotalBytes))
			return nil
		},
	}
}

// cachedEntries returns the complete entries of version, or an error naming
// the version when there are none.
func cachedEntries(manager *buildcache.Manager, version string) ([]buildcache.Entry, error) {
	entries, err := manager.Find(version)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no cached build for version %s", version)
	}
	return entries, nil
}

func newCacheInvalidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <version>",
		Short: "Remove every cached build of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := cacheManager(ctx)
			if err != nil {
				return err
			}
			entries, err := cachedEntries(manager, args[0])
			if err != nil {
				return err
			}
			for _, entry := range entries {
				key := entry.Key
				if err := manager.Invalidate(cmd.Context(), key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %s\n", key)
			}
			return nil
		},
	}
}

func newCacheLogCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "log <version>",
		Short: "Print the build log stored with a cached build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := cacheManager(ctx)
			if err != nil {
				return err
			}
			entries, err := cachedEntries(manager, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, entry := range entries {
				key := entry.Key
				data, err := manager.ReadLog(key)
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						fmt.Fprintf(cmd.ErrOrStderr(), "no log stored for %s\n", key)
						continue
					}
					return err
				}
				if len(entries) > 1 {
					if i > 0 {
						fmt.Fprintln(out)
					}
					fmt.Fprintln(out, renderSectionHeader(key.String(), shouldColorize(out)))
				}
				fmt.Fprint(out, string(data))
				if !strings.HasSuffix(string(data), "\n") {
					fmt.Fprintln(out)
				}
			}
			return nil
		},
	}
}
