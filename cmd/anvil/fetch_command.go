package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"anvil/internal/fetch"
	"anvil/internal/fileutil"
	"anvil/internal/manifest"
)

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "fetch <version>",
		Short: "Download and verify the artifacts of a version",
		Long: `Resolve the manifest of a version and download every artifact it lists into
the artifact directory. Files already present are reused when their digests
still match.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			resolver, err := manifest.NewFromConfig(cfg, logger)
			if err != nil {
				return err
			}
			m, err := resolver.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			m.AssignLocalPaths(filepath.Join(cfg.ArtifactsDir(), fileutil.Sanitize(m.Version)))

			verified, err := fetch.NewFromConfig(cfg, logger).Fetch(cmd.Context(), m.Artifacts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, verified)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable("Verified artifacts",
				[]string{"Name", "Size", "Reused", "Attempts", "Digests", "Path"},
				verifiedRows(verified),
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignLeft, alignLeft}))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the verified artifacts as JSON")
	return cmd
}

func verifiedRows(verified []fetch.Verified) [][]string {
	rows := make([][]string, 0, len(verified))
	for _, v := range verified {
		sums := make([]string, 0, len(v.Sums))
		for alg, sum := range v.Sums {
			sums = append(sums, fmt.Sprintf("%s:%s", alg, shortHash(sum)))
		}
		sort.Strings(sums)
		rows = append(rows, []string{
			v.Ref.Name,
			humanBytes(v.Size),
			yesNo(v.Reused),
			fmt.Sprintf("%d", v.Attempts),
			strings.Join(sums, "\n"),
			v.Path,
		})
	}
	return rows
}
