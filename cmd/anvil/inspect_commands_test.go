package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"anvil/internal/pipeline"
)

func TestCacheListEmpty(t *testing.T) {
	path := writeTestConfig(t)

	out, _, err := runCLI(t, []string{"cache", "list"}, path)
	if err != nil {
		t.Fatalf("cache list: %v", err)
	}
	requireContains(t, out, "Build cache is empty.")

	_, _, err = runCLI(t, []string{"cache", "invalidate", "1.21.4"}, path)
	if err == nil {
		t.Fatal("expected invalidate of an unknown version to fail")
	}
	requireContains(t, err.Error(), "no cached build for version 1.21.4")
}

func TestHistoryEmpty(t *testing.T) {
	path := writeTestConfig(t)

	out, _, err := runCLI(t, []string{"history"}, path)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	requireContains(t, out, "No runs recorded.")

	out, _, err = runCLI(t, []string{"history", "--json"}, path)
	if err != nil {
		t.Fatalf("history --json: %v", err)
	}
	if strings.TrimSpace(out) != "null" && strings.TrimSpace(out) != "[]" {
		t.Fatalf("unexpected json output %q", out)
	}
}

func TestBuildRequiresVersionArgument(t *testing.T) {
	path := writeTestConfig(t)
	if _, _, err := runCLI(t, []string{"build"}, path); err == nil {
		t.Fatal("expected argument error")
	}
}

func TestFormatTransition(t *testing.T) {
	line := formatTransition(pipeline.Transition{To: pipeline.StatePatching, Layer: "api", Step: 2, Steps: 2}, false)
	requireContains(t, line, "Patching:")
	requireContains(t, line, "layer api (2/2)")

	line = formatTransition(pipeline.Transition{To: pipeline.StateCompiling, Attempt: 1}, false)
	requireContains(t, line, "[rerun 1]")

	line = formatTransition(pipeline.Transition{To: pipeline.StateFailed, Err: errors.New("boom")}, false)
	requireContains(t, line, "[ERROR] boom")
}

func TestHelpers(t *testing.T) {
	if got := stageLabel("patching"); got != "Patching" {
		t.Fatalf("stageLabel = %q", got)
	}
	if got := stageLabel("patch_conflict"); got != "Patch Conflict" {
		t.Fatalf("stageLabel = %q", got)
	}
	cases := map[int64]string{
		512:             "512 B",
		1536:            "1.5 KiB",
		3 * 1024 * 1024: "3.0 MiB",
	}
	for in, want := range cases {
		if got := humanBytes(in); got != want {
			t.Fatalf("humanBytes(%d) = %q, want %q", in, got, want)
		}
	}
	if got := shortHash("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortHash = %q", got)
	}
	if got := formatDuration(1500 * time.Millisecond); got != "2s" {
		t.Fatalf("formatDuration = %q", got)
	}
	if got := formatDrifts([]int{0, 2, -1}); got != "+0 +2 -1" {
		t.Fatalf("formatDrifts = %q", got)
	}
}
