package patch

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"anvil/internal/services"
)

// DefaultStrip removes the a/ and b/ prefixes git writes.
const DefaultStrip = 1

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@ ?(.*)$`)

// Parse reads unified diff text with the default strip level.
func Parse(name string, data []byte) ([]File, error) {
	return ParseStrip(name, data, DefaultStrip)
}

// ParseStrip reads unified diff text, removing strip leading path components
// from every header path. Mail preambles, commit messages and trailers around
// the diff are ignored.
func ParseStrip(name string, data []byte, strip int) ([]File, error) {
	p := &parser{name: name, strip: strip, lines: strings.Split(string(data), "\n")}
	// A trailing newline produces one empty tail element.
	if n := len(p.lines); n > 0 && p.lines[n-1] == "" {
		p.lines = p.lines[:n-1]
	}
	return p.parse()
}

type parser struct {
	name  string
	strip int
	lines []string
	pos   int
	files []File
	cur   *File
}

func (p *parser) fail(format string, args ...any) error {
	return services.Wrap(services.ErrValidation, "patch", "parse "+p.name,
		fmt.Sprintf("line %d: %s", p.pos+1, fmt.Sprintf(format, args...)), nil)
}

func (p *parser) parse() ([]File, error) {
	for p.pos < len(p.lines) {
		line := trimCR(p.lines[p.pos])
		switch {
		case strings.HasPrefix(line, "diff --git "):
			if err := p.finish(); err != nil {
				return nil, err
			}
			p.cur = &File{Origin: p.name, Fuzz: -1}
			if oldPath, newPath, ok := splitGitPaths(strings.TrimPrefix(line, "diff --git ")); ok {
				p.cur.OldPath = p.stripPath(oldPath)
				p.cur.NewPath = p.stripPath(newPath)
			}
			p.pos++
		case p.cur != nil && strings.HasPrefix(line, "new file mode"):
			p.cur.Create = true
			p.pos++
		case p.cur != nil && strings.HasPrefix(line, "deleted file mode"):
			p.cur.Delete = true
			p.pos++
		case p.cur != nil && (strings.HasPrefix(line, "rename from ") || strings.HasPrefix(line, "copy from ")):
			return nil, p.fail("renames and copies are not supported")
		case strings.HasPrefix(line, "Binary files ") || strings.HasPrefix(line, "GIT binary patch"):
			return nil, p.fail("binary patches are not supported")
		case strings.HasPrefix(line, "--- ") && p.pos+1 < len(p.lines) && strings.HasPrefix(trimCR(p.lines[p.pos+1]), "+++ "):
			if err := p.headers(line, trimCR(p.lines[p.pos+1])); err != nil {
				return nil, err
			}
			p.pos += 2
		case strings.HasPrefix(line, "@@ "):
			if p.cur == nil {
				return nil, p.fail("hunk outside of a file section")
			}
			hunk, err := p.hunk()
			if err != nil {
				return nil, err
			}
			p.cur.Hunks = append(p.cur.Hunks, hunk)
		default:
			// Preamble, extended headers or trailer.
			p.pos++
		}
	}
	if err := p.finish(); err != nil {
		return nil, err
	}
	return p.files, nil
}

func (p *parser) headers(oldLine, newLine string) error {
	if p.cur == nil || len(p.cur.Hunks) > 0 {
		// Plain unified diff without a git header.
		if err := p.finish(); err != nil {
			return err
		}
		p.cur = &File{Origin: p.name, Fuzz: -1}
	}
	oldPath := headerPath(strings.TrimPrefix(oldLine, "--- "))
	newPath := headerPath(strings.TrimPrefix(newLine, "+++ "))
	if oldPath == devNull {
		p.cur.Create = true
	} else {
		p.cur.OldPath = p.stripPath(oldPath)
	}
	if newPath == devNull {
		p.cur.Delete = true
	} else {
		p.cur.NewPath = p.stripPath(newPath)
	}
	return nil
}

func (p *parser) hunk() (Hunk, error) {
	m := hunkHeader.FindStringSubmatch(trimCR(p.lines[p.pos]))
	if m == nil {
		return Hunk{}, p.fail("malformed hunk header %q", p.lines[p.pos])
	}
	h := Hunk{
		OldStart: atoi(m[1]),
		OldLines: countOrOne(m[2]),
		NewStart: atoi(m[3]),
		NewLines: countOrOne(m[4]),
		Section:  m[5],
	}
	p.pos++
	oldLeft, newLeft := h.OldLines, h.NewLines
	var last LineKind
	for oldLeft > 0 || newLeft > 0 {
		if p.pos >= len(p.lines) {
			return Hunk{}, p.fail("hunk truncated: %d old and %d new lines missing", oldLeft, newLeft)
		}
		raw := p.lines[p.pos]
		if raw == "" {
			// Some tools strip the space from empty context lines.
			raw = " "
		}
		kind := LineKind(raw[0])
		switch kind {
		case Context:
			oldLeft--
			newLeft--
		case Removed:
			oldLeft--
		case Added:
			newLeft--
		case '\\':
			p.markNoNewline(&h, last)
			p.pos++
			continue
		default:
			return Hunk{}, p.fail("unexpected line in hunk body %q", raw)
		}
		if oldLeft < 0 || newLeft < 0 {
			return Hunk{}, p.fail("hunk body longer than its header")
		}
		h.Lines = append(h.Lines, Line{Kind: kind, Text: raw[1:]})
		last = kind
		p.pos++
	}
	if p.pos < len(p.lines) && strings.HasPrefix(p.lines[p.pos], `\`) {
		p.markNoNewline(&h, last)
		p.pos++
	}
	return h, nil
}

func (p *parser) markNoNewline(h *Hunk, after LineKind) {
	switch after {
	case Context:
		h.OldNoNewline = true
		h.NewNoNewline = true
	case Removed:
		h.OldNoNewline = true
	case Added:
		h.NewNoNewline = true
	}
}

func (p *parser) finish() error {
	f := p.cur
	p.cur = nil
	if f == nil {
		return nil
	}
	switch {
	case f.Delete:
		f.Path = f.OldPath
	default:
		f.Path = f.NewPath
		if f.Path == "" {
			f.Path = f.OldPath
		}
	}
	if len(f.Hunks) == 0 && !f.Create && !f.Delete {
		// Mode-only changes carry nothing to apply.
		return nil
	}
	if f.Create && f.Delete {
		return p.fail("file section both creates and deletes")
	}
	if err := validatePath(f.Path); err != nil {
		return p.fail("%v", err)
	}
	p.files = append(p.files, *f)
	return nil
}

func (p *parser) stripPath(value string) string {
	value = strings.TrimSpace(value)
	for i := 0; i < p.strip; i++ {
		idx := strings.IndexByte(value, '/')
		if idx < 0 {
			break
		}
		value = value[idx+1:]
	}
	return value
}

func validatePath(value string) error {
	if value == "" {
		return fmt.Errorf("missing target path")
	}
	if strings.HasPrefix(value, "/") {
		return fmt.Errorf("absolute target path %q", value)
	}
	clean := path.Clean(value)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("target path %q escapes the tree", value)
	}
	return nil
}

// headerPath drops the timestamp some tools append after a tab.
func headerPath(value string) string {
	if idx := strings.IndexByte(value, '\t'); idx >= 0 {
		value = value[:idx]
	}
	value = strings.TrimSpace(value)
	if unq, err := strconv.Unquote(value); err == nil && strings.HasPrefix(value, `"`) {
		value = unq
	}
	return value
}

// splitGitPaths splits "a/x b/x". Paths containing " b/" are ambiguous and
// left to the ---/+++ headers.
func splitGitPaths(value string) (string, string, bool) {
	idx := strings.Index(value, " b/")
	if idx < 0 || strings.Count(value, " b/") != 1 {
		return "", "", false
	}
	return value[:idx], value[idx+1:], true
}

func trimCR(s string) string {
	return strings.TrimSuffix(s, "\r")
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func countOrOne(s string) int {
	if s == "" {
		return 1
	}
	return atoi(s)
}
