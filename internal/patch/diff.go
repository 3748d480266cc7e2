package patch

import (
	"slices"
	"strings"
)

// DefaultContext is the number of unchanged lines kept around each change.
const DefaultContext = 3

// Diff returns the unified diff turning before into after for path, in git
// form. A nil before creates the file and a nil after deletes it. Identical
// inputs yield an empty string.
func Diff(path string, before, after []byte) string {
	file, ok := DiffFile(path, before, after, DefaultContext)
	if !ok {
		return ""
	}
	return file.String()
}

// DiffFile computes the patch file turning before into after.
func DiffFile(path string, before, after []byte, context int) (File, bool) {
	file := File{Path: path, OldPath: path, NewPath: path, Fuzz: -1, Create: before == nil, Delete: after == nil && before != nil}
	a, b := splitText(before), splitText(after)
	if !file.Create && !file.Delete && string(before) == string(after) {
		return file, false
	}
	ta, tb := tokens(a), tokens(b)
	file.Hunks = buildHunks(myers(ta, tb), ta, tb, context)
	if len(file.Hunks) == 0 && !file.Create && !file.Delete {
		return file, false
	}
	return file, true
}

// noEOL tags a final line that lacks its newline so it never compares equal
// to the same text with one.
const noEOL = "\x00"

func tokens(t text) []string {
	out := slices.Clone(t.lines)
	if !t.eol && len(out) > 0 {
		out[len(out)-1] += noEOL
	}
	return out
}

type opKind byte

const (
	opEqual opKind = iota
	opDelete
	opInsert
)

type op struct {
	kind opKind
	a, b int
}

// myers computes a shortest edit script between a and b.
func myers(a, b []string) []op {
	n, m := len(a), len(b)
	maxD := n + m
	if maxD == 0 {
		return nil
	}
	offset := maxD
	v := make([]int, 2*maxD+2)
	var trace [][]int
	for d := 0; d <= maxD; d++ {
		snapshot := make([]int, len(v))
		copy(snapshot, v)
		trace = append(trace, snapshot)
		for k := -d; k <= d; k += 2 {
			var x int
			if k == -d || (k != d && v[offset+k-1] < v[offset+k+1]) {
				x = v[offset+k+1]
			} else {
				x = v[offset+k-1] + 1
			}
			y := x - k
			for x < n && y < m && a[x] == b[y] {
				x++
				y++
			}
			v[offset+k] = x
			if x >= n && y >= m {
				return backtrack(trace, a, b, offset, d)
			}
		}
	}
	return nil
}

func backtrack(trace [][]int, a, b []string, offset, depth int) []op {
	x, y := len(a), len(b)
	var ops []op
	for d := depth; d > 0; d-- {
		v := trace[d]
		k := x - y
		var prevK int
		if k == -d || (k != d && v[offset+k-1] < v[offset+k+1]) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := v[offset+prevK]
		prevY := prevX - prevK
		for x > prevX && y > prevY {
			x--
			y--
			ops = append(ops, op{kind: opEqual, a: x, b: y})
		}
		if x == prevX {
			y--
			ops = append(ops, op{kind: opInsert, a: x, b: y})
		} else {
			x--
			ops = append(ops, op{kind: opDelete, a: x, b: y})
		}
	}
	for x > 0 && y > 0 {
		x--
		y--
		ops = append(ops, op{kind: opEqual, a: x, b: y})
	}
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
	return ops
}

// buildHunks groups an edit script into hunks with context lines around each
// change.
func buildHunks(ops []op, a, b []string, context int) []Hunk {
	var hunks []Hunk
	i := 0
	for i < len(ops) {
		if ops[i].kind == opEqual {
			i++
			continue
		}
		start := i - context
		if start < 0 {
			start = 0
		}
		end := i
		// Extend while the next change is within 2*context equal lines.
		for end < len(ops) {
			if ops[end].kind != opEqual {
				end++
				continue
			}
			run := end
			for run < len(ops) && ops[run].kind == opEqual {
				run++
			}
			if run == len(ops) || run-end > 2*context {
				end += min(context, run-end)
				break
			}
			end = run
		}
		hunks = append(hunks, makeHunk(ops[start:end], a, b))
		i = end
	}
	return hunks
}

func makeHunk(ops []op, a, b []string) Hunk {
	h := Hunk{OldStart: ops[0].a + 1, NewStart: ops[0].b + 1}
	for _, o := range ops {
		var raw string
		var kind LineKind
		switch o.kind {
		case opEqual:
			kind, raw = Context, a[o.a]
			h.OldLines++
			h.NewLines++
		case opDelete:
			kind, raw = Removed, a[o.a]
			h.OldLines++
		case opInsert:
			kind, raw = Added, b[o.b]
			h.NewLines++
		}
		if strings.HasSuffix(raw, noEOL) {
			raw = strings.TrimSuffix(raw, noEOL)
			switch kind {
			case Context:
				h.OldNoNewline, h.NewNoNewline = true, true
			case Removed:
				h.OldNoNewline = true
			case Added:
				h.NewNoNewline = true
			}
		}
		h.Lines = append(h.Lines, Line{Kind: kind, Text: raw})
	}
	// Empty sides point at the line before the change.
	if h.OldLines == 0 {
		h.OldStart--
	}
	if h.NewLines == 0 {
		h.NewStart--
	}
	return h
}
