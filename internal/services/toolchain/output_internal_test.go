package toolchain

import (
	"log/slog"
	"testing"
)

func TestLineLevel(t *testing.T) {
	cases := []struct {
		line  string
		level slog.Level
		text  string
	}{
		{"[WARN] deprecated api", slog.LevelWarn, "deprecated api"},
		{"[ERROR] missing symbol", slog.LevelError, "missing symbol"},
		{"[INFO] Error count 0", slog.LevelInfo, "Error count 0"},
		{"Exception in thread \"main\" java.lang.NullPointerException", slog.LevelError, "Exception in thread \"main\" java.lang.NullPointerException"},
		{"java.lang.OutOfMemoryError: heap", slog.LevelError, "java.lang.OutOfMemoryError: heap"},
		{"Decompiling class net/minecraft/A", slog.LevelInfo, "Decompiling class net/minecraft/A"},
		{"array[0] = 1", slog.LevelInfo, "array[0] = 1"},
	}
	for _, tc := range cases {
		level, text := lineLevel(tc.line)
		if level != tc.level || text != tc.text {
			t.Errorf("lineLevel(%q) = %v %q, want %v %q", tc.line, level, text, tc.level, tc.text)
		}
	}
}

func TestExpandKeepsSubstitutedSpaces(t *testing.T) {
	binary, args, err := expand("tool --in={input}  {output}", map[string]string{
		PlaceholderInput:  "/a b/in.jar",
		PlaceholderOutput: "/c d",
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if binary != "tool" || len(args) != 2 || args[0] != "--in=/a b/in.jar" || args[1] != "/c d" {
		t.Fatalf("expand = %q %q", binary, args)
	}
}

func TestTranscriptKeepsEveryLine(t *testing.T) {
	tr := &transcript{}
	tr.add("a", slog.LevelInfo)
	tr.add("b", slog.LevelError)
	tr.add("c", slog.LevelInfo)
	got := tr.snapshot()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" || tr.errorCount() != 1 {
		t.Fatalf("snapshot = %v errors=%d", got, tr.errorCount())
	}
}
