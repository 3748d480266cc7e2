package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// LineKind classifies one line of a hunk body.
type LineKind byte

const (
	Context LineKind = ' '
	Removed LineKind = '-'
	Added   LineKind = '+'
)

// Line is one hunk body line without its prefix.
type Line struct {
	Kind LineKind
	Text string
}

// Hunk is one @@ block.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Section  string
	Lines    []Line
	// OldNoNewline and NewNoNewline record "\ No newline at end of file"
	// markers for the old and new sides.
	OldNoNewline bool
	NewNoNewline bool
}

// PreImage returns the lines the hunk expects to find (context and removed).
func (h Hunk) PreImage() []string {
	out := make([]string, 0, len(h.Lines))
	for _, l := range h.Lines {
		if l.Kind != Added {
			out = append(out, l.Text)
		}
	}
	return out
}

// PostImage returns the lines the hunk leaves behind (context and added).
func (h Hunk) PostImage() []string {
	out := make([]string, 0, len(h.Lines))
	for _, l := range h.Lines {
		if l.Kind != Removed {
			out = append(out, l.Text)
		}
	}
	return out
}

// nominal returns the zero-based line where the pre-image starts.
func (h Hunk) nominal() int {
	if h.OldLines == 0 {
		return h.OldStart
	}
	return h.OldStart - 1
}

func (h Hunk) nominalNew() int {
	if h.NewLines == 0 {
		return h.NewStart
	}
	return h.NewStart - 1
}

// Header renders the @@ line.
func (h Hunk) Header() string {
	header := fmt.Sprintf("@@ -%s +%s @@", formatRange(h.OldStart, h.OldLines), formatRange(h.NewStart, h.NewLines))
	if h.Section != "" {
		header += " " + h.Section
	}
	return header
}

func formatRange(start, count int) string {
	if count == 1 {
		return fmt.Sprintf("%d", start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}

// writeTo renders the hunk in unified diff form.
func (h Hunk) writeTo(w io.Writer) {
	fmt.Fprintln(w, h.Header())
	lastOld, lastNew := -1, -1
	for i, l := range h.Lines {
		if l.Kind != Added {
			lastOld = i
		}
		if l.Kind != Removed {
			lastNew = i
		}
	}
	for i, l := range h.Lines {
		fmt.Fprintf(w, "%c%s\n", l.Kind, l.Text)
		if (h.OldNoNewline && i == lastOld) || (h.NewNoNewline && i == lastNew) {
			fmt.Fprintln(w, noNewlineMarker)
		}
	}
}

const noNewlineMarker = `\ No newline at end of file`

// File is the set of hunks for one target path.
type File struct {
	// Path is the target path relative to the tree root.
	Path    string
	OldPath string
	NewPath string
	Create  bool
	Delete  bool
	Hunks   []Hunk
	// Origin names the patch file the hunks came from.
	Origin string
	// Fuzz is the maximum line drift tolerated per hunk; negative inherits
	// the engine default.
	Fuzz int
}

// String renders the file in git diff form.
func (f File) String() string {
	var b strings.Builder
	f.writeTo(&b)
	return b.String()
}

func (f File) writeTo(w io.Writer) {
	oldName, newName := "a/"+f.Path, "b/"+f.Path
	fmt.Fprintf(w, "diff --git %s %s\n", oldName, newName)
	switch {
	case f.Create:
		fmt.Fprintln(w, "new file mode 100644")
		oldName = devNull
	case f.Delete:
		fmt.Fprintln(w, "deleted file mode 100644")
		newName = devNull
	}
	if len(f.Hunks) == 0 {
		return
	}
	fmt.Fprintf(w, "--- %s\n+++ %s\n", oldName, newName)
	for _, h := range f.Hunks {
		h.writeTo(w)
	}
}

const devNull = "/dev/null"

// Set is an ordered list of patch files for one layer at one patch
// repository revision. Order is significant.
type Set struct {
	Layer    string
	Revision string
	Files    []File
}

// Hash returns the SHA-256 content hash of the set: origin, path, flags and
// hunk text of every file, in order.
func (s *Set) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "layer %s\n", s.Layer)
	for _, f := range s.Files {
		fmt.Fprintf(h, "origin %s\npath %s\ncreate %t delete %t\n", f.Origin, f.Path, f.Create, f.Delete)
		for _, hunk := range f.Hunks {
			hunk.writeTo(h)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CombinedHash hashes several sets in order into one identity.
func CombinedHash(sets []*Set) string {
	h := sha256.New()
	for _, s := range sets {
		fmt.Fprintf(h, "%s\n", s.Hash())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// text is a file body split into lines.
type text struct {
	lines []string
	// eol reports whether the last line ends with a newline.
	eol bool
}

func splitText(data []byte) text {
	if len(data) == 0 {
		return text{eol: true}
	}
	s := string(data)
	eol := strings.HasSuffix(s, "\n")
	if eol {
		s = s[:len(s)-1]
	}
	return text{lines: strings.Split(s, "\n"), eol: eol}
}

func (t text) bytes() []byte {
	if len(t.lines) == 0 {
		return nil
	}
	s := strings.Join(t.lines, "\n")
	if t.eol {
		s += "\n"
	}
	return []byte(s)
}
