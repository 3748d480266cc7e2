package patch

import (
	"fmt"
	"strings"

	"anvil/internal/services"
)

// SearchOrder decides in which order drift offsets are tried around the
// nominal line of a hunk.
type SearchOrder string

const (
	// Alternate tries 0, +1, -1, +2, -2 and so on.
	Alternate SearchOrder = "alternate"
	// AlternateBackward tries 0, -1, +1, -2, +2 and so on.
	AlternateBackward SearchOrder = "alternate-backward"
	// ForwardFirst tries 0, +1 .. +fuzz, then -1 .. -fuzz.
	ForwardFirst SearchOrder = "forward-first"
)

// ParseSearchOrder maps a configuration value onto a SearchOrder.
func ParseSearchOrder(value string) (SearchOrder, error) {
	switch SearchOrder(strings.ToLower(strings.TrimSpace(value))) {
	case "", Alternate:
		return Alternate, nil
	case AlternateBackward:
		return AlternateBackward, nil
	case ForwardFirst:
		return ForwardFirst, nil
	}
	return "", services.Wrap(services.ErrValidation, "patch", "search order", fmt.Sprintf("unknown search order %q", value), nil)
}

// Offsets lists every drift to try for the given fuzz, in order.
func (o SearchOrder) Offsets(fuzz int) []int {
	if fuzz < 0 {
		fuzz = 0
	}
	out := make([]int, 0, 2*fuzz+1)
	out = append(out, 0)
	switch o {
	case ForwardFirst:
		for d := 1; d <= fuzz; d++ {
			out = append(out, d)
		}
		for d := 1; d <= fuzz; d++ {
			out = append(out, -d)
		}
	case AlternateBackward:
		for d := 1; d <= fuzz; d++ {
			out = append(out, -d, d)
		}
	default:
		for d := 1; d <= fuzz; d++ {
			out = append(out, d, -d)
		}
	}
	return out
}

// locate finds needle in lines starting at nominal plus one of the drifts, never
// before floor. It returns the matched position and the drift used.
func locate(lines, needle []string, nominal, floor int, drifts []int) (int, int, bool) {
	for _, drift := range drifts {
		pos := nominal + drift
		if pos < floor || pos+len(needle) > len(lines) {
			continue
		}
		if matchAt(lines, needle, pos) {
			return pos, drift, true
		}
	}
	return 0, 0, false
}

func matchAt(lines, needle []string, pos int) bool {
	for i, want := range needle {
		if lines[pos+i] != want {
			return false
		}
	}
	return true
}

// window returns up to n lines of content starting at pos, clamped to the
// file, for conflict reports.
func window(lines []string, pos, n int) []string {
	if pos < 0 {
		pos = 0
	}
	if pos > len(lines) {
		pos = len(lines)
	}
	end := pos + n
	if end > len(lines) {
		end = len(lines)
	}
	out := make([]string, end-pos)
	copy(out, lines[pos:end])
	return out
}
