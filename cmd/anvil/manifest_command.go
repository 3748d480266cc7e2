package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"anvil/internal/manifest"
)

func newManifestCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "manifest <version>",
		Short: "Resolve and print the manifest of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			resolver, err := manifest.NewFromConfig(cfg, ctx.quietLogger())
			if err != nil {
				return err
			}
			m, err := resolver.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, m)
			}
			printManifest(cmd, m)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the manifest as JSON")
	return cmd
}

func printManifest(cmd *cobra.Command, m *manifest.Manifest) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Version:        %s\n", m.Version)
	fmt.Fprintf(out, "Patch revision: %s\n", m.PatchRevision)
	if m.Mapping != "" {
		fmt.Fprintf(out, "Mapping:        %s\n", m.Mapping)
	}
	fmt.Fprintf(out, "Source:         %s\n", m.Source)
	fmt.Fprintln(out, renderTable("Artifacts", []string{"Name", "Kind", "Digests", "URL"}, artifactRows(m.Artifacts), nil))
}

func artifactRows(refs []manifest.ArtifactRef) [][]string {
	rows := make([][]string, 0, len(refs))
	for _, ref := range refs {
		digests := make([]string, 0, len(ref.Digests))
		for _, d := range ref.Digests {
			digests = append(digests, d.String())
		}
		rows = append(rows, []string{ref.Name, string(ref.Kind), strings.Join(digests, "\n"), ref.URL})
	}
	return rows
}
