package logging

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// consoleHashWidth is how much of a hex digest the console shows. JSON output
// always keeps the full value.
const consoleHashWidth = 12

// attrString renders v without quoting, for subject components.
func attrString(v slog.Value) string {
	return renderValue(v, false)
}

// formatValue renders v for a key=value pair: strings that would break the
// pair are quoted and long hex digests are shortened.
func formatValue(v slog.Value) string {
	return renderValue(v, true)
}

func renderValue(v slog.Value, pair bool) string {
	v = v.Resolve()
	var s string
	switch v.Kind() {
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindDuration:
		return v.Duration().Round(time.Millisecond).String()
	case slog.KindTime:
		return v.Time().In(time.Local).Format(logTimestampLayout)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			s = err.Error()
		} else {
			s = fmt.Sprint(v.Any())
		}
	default:
		s = v.String()
	}
	if !pair {
		return s
	}
	if isHexDigest(s) {
		return s[:consoleHashWidth]
	}
	if needsQuotes(s) {
		return strconv.Quote(s)
	}
	return s
}

// isHexDigest matches sha1 and longer lowercase hex digests.
func isHexDigest(s string) bool {
	if len(s) < 40 {
		return false
	}
	return strings.Trim(s, "0123456789abcdef") == ""
}

func needsQuotes(s string) bool {
	return s == "" || strings.ContainsFunc(s, func(r rune) bool {
		return r <= ' ' || r == '=' || r == '"'
	})
}
