package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"anvil/internal/pipeline"
)

func newBuildCommand(ctx *commandContext) *cobra.Command {
	var refresh bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "build <version>",
		Short: "Build the server artifact for a version",
		Long: `Resolve, fetch, patch and compile the given version, storing the result in
the build cache. A version whose last resolution is still cached is answered
without network access unless --refresh is given.`,
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
			progress := newProgressPrinter(cmd.ErrOrStderr())
			coordinator, err := pipeline.NewFromConfig(cfg, logger, pipeline.WithObserver(progress))
			if err != nil {
				return err
			}
			defer coordinator.Close()

			outcome, err := coordinator.Build(cmd.Context(), pipeline.Request{Version: args[0], Refresh: refresh})
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, outcome)
			}
			printOutcome(cmd.OutOrStdout(), outcome)
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Re-resolve the manifest even when a cached build exists")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the outcome as JSON")
	return cmd
}

// progressPrinter renders pipeline transitions as one line each.
type progressPrinter struct {
	mu       sync.Mutex
	out      io.Writer
	colorize bool
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, colorize: shouldColorize(out)}
}

func (p *progressPrinter) OnTransition(_ context.Context, t pipeline.Transition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, formatTransition(t, p.colorize))
}

func formatTransition(t pipeline.Transition, colorize bool) string {
	label := stageLabel(string(t.To))
	kind := statusInfo
	message := ""
	switch t.To {
	case pipeline.StatePatching:
		message = fmt.Sprintf("layer %s (%d/%d)", t.Layer, t.Step, t.Steps)
	case pipeline.StateDone:
		kind = statusOK
	case pipeline.StateFailed:
		kind = statusError
		if t.Err != nil {
			message = t.Err.Error()
		}
	}
	if t.Attempt > 0 && t.To != pipeline.StateFailed {
		if message != "" {
			message += " "
		}
		message += fmt.Sprintf("[rerun %d]", t.Attempt)
	}
	return renderStatusLine(label, kind, message, colorize)
}

func printOutcome(out io.Writer, outcome *pipeline.Outcome) {
	source := "built"
	switch {
	case outcome.Offline:
		source = "cached (offline)"
	case outcome.CacheHit:
		source = "cached"
	}
	fmt.Fprintf(out, "Version:        %s\n", outcome.Version)
	fmt.Fprintf(out, "Result:         %s in %s\n", source, formatDuration(outcome.Duration))
	if outcome.PatchRevision != "" {
		fmt.Fprintf(out, "Patch revision: %s\n", shortHash(outcome.PatchRevision))
	}
	fmt.Fprintf(out, "Patch hash:     %s\n", shortHash(outcome.PatchHash))
	if outcome.Reruns > 0 {
		fmt.Fprintf(out, "Reruns:         %d\n", outcome.Reruns)
	}
	if len(outcome.Layers) > 0 {
		rows := make([][]string, 0, len(outcome.Layers))
		for _, layer := range outcome.Layers {
			rows = append(rows, []string{
				layer.Layer,
				layer.Tree,
				shortHash(layer.Revision),
				yesNo(layer.Reused),
				fmt.Sprintf("%d", len(layer.Result.Files)),
				fmt.Sprintf("%d", layer.Result.Fuzzed()),
			})
		}
		fmt.Fprintln(out, renderTable("Layers", []string{"Layer", "Tree", "Revision", "Reused", "Files", "Fuzzed"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight}))
	}
	for _, path := range outcome.Entry.Paths() {
		fmt.Fprintf(out, "Artifact:       %s\n", path)
	}
}
