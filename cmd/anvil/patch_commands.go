package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"anvil/internal/fileutil"
	"anvil/internal/patch"
	"anvil/internal/worktree"
)

func newPatchCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Apply or produce patch sets outside a build",
		Annotations: map[string]string{
			"skipConfigLoad": "true",
		},
	}
	cmd.AddCommand(newPatchApplyCommand(ctx))
	cmd.AddCommand(newPatchDiffCommand())
	return cmd
}

func newPatchApplyCommand(ctx *commandContext) *cobra.Command {
	var (
		fuzz        int
		strip       int
		searchOrder string
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "apply <tree> <patch-dir>",
		Short: "Apply every patch of a directory to a tree",
		Long: `Apply the *.patch files of patch-dir, in lexical order, to the directory tree.
Nothing is written when any file conflicts. With --dry-run the outcome is
reported without touching the tree.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			order, err := patch.ParseSearchOrder(searchOrder)
			if err != nil {
				return err
			}
			set, err := patch.LoadSet(args[1], filepath.Base(filepath.Clean(args[1])), "", patch.LoadOptions{Strip: strip, Fuzz: -1})
			if err != nil {
				return err
			}
			engine := patch.NewEngine(nil,
				patch.WithFuzz(fuzz),
				patch.WithSearchOrder(order),
				patch.WithLogger(ctx.quietLogger()),
			)

			out := cmd.OutOrStdout()
			var result patch.Result
			if dryRun {
				plan, planErr := engine.Plan(cmd.Context(), root, set)
				if planErr != nil {
					return reportConflict(out, planErr)
				}
				result = plan.Result()
			} else {
				result, err = engine.Apply(cmd.Context(), &worktree.Tree{Name: set.Layer, Root: root}, set)
				if err != nil {
					return reportConflict(out, err)
				}
			}
			printPatchResult(out, result, dryRun)
			return nil
		},
	}

	cmd.Flags().IntVar(&fuzz, "fuzz", patch.DefaultFuzz, "Maximum line drift tolerated per hunk")
	cmd.Flags().IntVarP(&strip, "strip", "p", 1, "Leading path components to strip from patch paths")
	cmd.Flags().StringVar(&searchOrder, "search-order", string(patch.Alternate), "Drift search order: alternate, alternate-backward or forward-first")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report the outcome without writing")
	return cmd
}

func printPatchResult(out io.Writer, result patch.Result, dryRun bool) {
	if result.NoOp {
		fmt.Fprintln(out, "All patches are already applied.")
		return
	}
	rows := make([][]string, 0, len(result.Files))
	for _, f := range result.Files {
		rows = append(rows, []string{f.Path, string(f.Status), formatDrifts(f.Drifts), f.Origin})
	}
	title := "Applied"
	if dryRun {
		title = "Would apply"
	}
	fmt.Fprintln(out, renderTable(title, []string{"Path", "Status", "Drift", "Patch"}, rows, nil))
	if n := result.Fuzzed(); n > 0 {
		fmt.Fprintf(out, "%d hunk(s) applied with drift\n", n)
	}
}

func formatDrifts(drifts []int) string {
	if len(drifts) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(drifts))
	for _, d := range drifts {
		parts = append(parts, fmt.Sprintf("%+d", d))
	}
	return strings.Join(parts, " ")
}

// reportConflict prints per-hunk detail for a conflict and returns err so the
// command still fails.
func reportConflict(out io.Writer, err error) error {
	var conflict *patch.ConflictError
	if !errors.As(err, &conflict) {
		return err
	}
	colorize := shouldColorize(out)
	for _, f := range conflict.Files {
		fmt.Fprintln(out, renderStatusLine(f.Path, statusError, f.Origin, colorize))
		if f.Reason != "" {
			fmt.Fprintf(out, "%s%s\n", statusIndent+statusIndent, f.Reason)
		}
		for _, h := range f.Hunks {
			fmt.Fprintf(out, "%shunk #%d near line %d: %s\n", statusIndent+statusIndent, h.Index+1, h.NominalLine, h.Reason)
			for _, line := range h.Expected {
				fmt.Fprintf(out, "%s  expected| %s\n", statusIndent+statusIndent, line)
			}
			for _, line := range h.Found {
				fmt.Fprintf(out, "%s     found| %s\n", statusIndent+statusIndent, line)
			}
		}
	}
	return err
}

func newPatchDiffCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "diff <old-tree> <new-tree>",
		Short: "Write the differences between two trees as a patch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := patch.DiffTrees(args[0], args[1])
			if err != nil {
				return err
			}
			var b strings.Builder
			for _, f := range files {
				b.WriteString(f.String())
			}
			if output == "" {
				_, err = io.WriteString(cmd.OutOrStdout(), b.String())
				return err
			}
			if err := fileutil.WriteFileAtomic(output, []byte(b.String()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d file(s) to %s\n", len(files), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the patch to a file instead of stdout")
	return cmd
}
