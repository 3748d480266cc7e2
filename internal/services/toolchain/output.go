package toolchain

import (
	"log/slog"
	"strings"
	"sync"
)

// lineLevel picks the log level for one line of tool output: an explicit
// [LEVEL] tag wins, Java exception headers and lines mentioning Error are
// errors, everything else is informational. The returned text has the tag
// removed.
func lineLevel(line string) (slog.Level, string) {
	if start := strings.IndexByte(line, '['); start >= 0 {
		if end := strings.IndexByte(line[start:], ']'); end > 1 {
			tag := strings.ToUpper(strings.TrimSpace(line[start+1 : start+end]))
			text := strings.TrimSpace(line[start+end+1:])
			switch tag {
			case "WARN", "WARNING":
				return slog.LevelWarn, text
			case "ERROR", "FATAL", "SEVERE":
				return slog.LevelError, text
			case "INFO":
				return slog.LevelInfo, text
			case "DEBUG", "TRACE", "FINE":
				return slog.LevelDebug, text
			}
		}
	}
	if strings.HasPrefix(line, "Exception in thread") || strings.Contains(line, "Error") {
		return slog.LevelError, line
	}
	return slog.LevelInfo, line
}

// transcript collects the complete tool output while forwarding it to a
// logger.
type transcript struct {
	mu     sync.Mutex
	lines  []string
	errors int
}

func (t *transcript) add(line string, level slog.Level) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if level >= slog.LevelError {
		t.errors++
	}
	t.lines = append(t.lines, line)
}

func (t *transcript) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

func (t *transcript) errorCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errors
}
