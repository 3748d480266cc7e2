package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"anvil/internal/logging"
	"anvil/internal/worktree"
)

// Committer records the patched tree as a new revision.
type Committer interface {
	Commit(ctx context.Context, tree *worktree.Tree, message string) (string, error)
}

// Status is the outcome for one patch file.
type Status string

const (
	StatusApplied        Status = "applied"
	StatusCreated        Status = "created"
	StatusDeleted        Status = "deleted"
	StatusAlreadyApplied Status = "already_applied"
)

// FileOutcome reports how one patch file was placed.
type FileOutcome struct {
	Path   string
	Origin string
	Status Status
	// Drifts holds the offset each hunk was found at relative to its nominal line.
	Drifts []int
}

// Result summarizes a set application.
type Result struct {
	Layer    string
	Files    []FileOutcome
	Revision string
	// NoOp is set when every file was already applied; nothing was written or committed.
	NoOp bool
}

// Fuzzed counts the hunks placed away from their nominal line.
func (r Result) Fuzzed() int {
	n := 0
	for _, f := range r.Files {
		for _, d := range f.Drifts {
			if d != 0 {
				n++
			}
		}
	}
	return n
}

// Option configures an Engine.
type Option func(*Engine)

// WithFuzz sets the default fuzz for files that do not carry their own.
func WithFuzz(fuzz int) Option {
	return func(e *Engine) {
		if fuzz >= 0 {
			e.fuzz = fuzz
		}
	}
}

// WithSearchOrder sets the drift search order.
func WithSearchOrder(order SearchOrder) Option {
	return func(e *Engine) {
		if order != "" {
			e.order = order
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logging.NewComponentLogger(logger, "patch")
	}
}

// Engine applies patch sets.
type Engine struct {
	committer Committer
	fuzz      int
	order     SearchOrder
	logger    *slog.Logger
}

// DefaultFuzz is the drift tolerance used when none is configured.
const DefaultFuzz = 3

// NewEngine returns an engine committing through committer, which may be nil
// for dry runs.
func NewEngine(committer Committer, opts ...Option) *Engine {
	e := &Engine{committer: committer, fuzz: DefaultFuzz, order: Alternate, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plan is a fully computed, not yet written application of a set.
type Plan struct {
	root    string
	result  Result
	order   []string
	overlay map[string]*fileState
}

// Result returns the outcome the plan would produce.
func (p *Plan) Result() Result { return p.result }

type fileState struct {
	content text
	exists  bool
	mode    fs.FileMode
	touched bool
}

// Plan computes the application of set on the tree at root in memory. It
// returns a ConflictError when any file fails; the tree is never modified.
func (e *Engine) Plan(ctx context.Context, root string, set *Set) (*Plan, error) {
	plan := &Plan{root: root, overlay: make(map[string]*fileState), result: Result{Layer: set.Layer}}
	conflict := &ConflictError{Layer: set.Layer}
	var applied, already []int

	for i, file := range set.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state, err := plan.load(file.Path)
		if err != nil {
			return nil, err
		}
		outcome, next, failure := e.applyFile(file, state)
		if failure != nil {
			conflict.Files = append(conflict.Files, *failure)
			continue
		}
		plan.result.Files = append(plan.result.Files, outcome)
		if outcome.Status == StatusAlreadyApplied {
			already = append(already, i)
			continue
		}
		applied = append(applied, i)
		*state = next
		state.touched = true
	}

	if len(applied) > 0 && len(already) > 0 {
		for _, i := range already {
			f := set.Files[i]
			conflict.Files = append(conflict.Files, FileConflict{
				Path:   f.Path,
				Origin: f.Origin,
				Reason: "already applied while other files of the set are not; tree is in an intermediate state",
			})
		}
	}
	if len(conflict.Files) > 0 {
		return nil, conflict
	}
	plan.result.NoOp = len(applied) == 0
	return plan, nil
}

func (p *Plan) load(rel string) (*fileState, error) {
	if st, ok := p.overlay[rel]; ok {
		return st, nil
	}
	full := filepath.Join(p.root, filepath.FromSlash(rel))
	st := &fileState{content: text{eol: true}, mode: 0o644}
	info, err := os.Stat(full)
	switch {
	case err == nil:
		if info.IsDir() {
			return nil, fmt.Errorf("patch: target %s is a directory", rel)
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("patch: read %s: %w", rel, err)
		}
		st.content = splitText(data)
		st.exists = true
		st.mode = info.Mode().Perm()
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("patch: stat %s: %w", rel, err)
	}
	p.overlay[rel] = st
	p.order = append(p.order, rel)
	return st, nil
}

// applyFile places every hunk of file on state. On success it returns the
// new state; a file that only matches in its post-image form is reported as
// already applied.
func (e *Engine) applyFile(file File, state *fileState) (FileOutcome, fileState, *FileConflict) {
	outcome := FileOutcome{Path: file.Path, Origin: file.Origin}
	fuzz := e.fuzz
	if file.Fuzz >= 0 {
		fuzz = file.Fuzz
	}
	drifts := e.order.Offsets(fuzz)

	switch {
	case file.Create && state.exists:
		if postImageMatches(file, state.content) {
			outcome.Status = StatusAlreadyApplied
			return outcome, fileState{}, nil
		}
		return outcome, fileState{}, &FileConflict{Path: file.Path, Origin: file.Origin, Reason: "file to be created already exists"}
	case !file.Create && !state.exists:
		if file.Delete {
			outcome.Status = StatusAlreadyApplied
			return outcome, fileState{}, nil
		}
		return outcome, fileState{}, &FileConflict{Path: file.Path, Origin: file.Origin, Reason: "target file does not exist"}
	}

	content, placed, failures := forward(file, state.content, drifts)
	if len(failures) > 0 {
		if !file.Create && alreadyApplied(file, state.content, drifts) {
			outcome.Status = StatusAlreadyApplied
			return outcome, fileState{}, nil
		}
		return outcome, fileState{}, &FileConflict{Path: file.Path, Origin: file.Origin, Hunks: failures}
	}
	outcome.Drifts = placed

	next := fileState{content: content, exists: true, mode: state.mode}
	switch {
	case file.Delete:
		if len(content.lines) > 0 {
			return outcome, fileState{}, &FileConflict{
				Path: file.Path, Origin: file.Origin,
				Reason: fmt.Sprintf("deletion leaves %d line(s) behind", len(content.lines)),
			}
		}
		next.exists = false
		outcome.Status = StatusDeleted
	case file.Create:
		outcome.Status = StatusCreated
	default:
		outcome.Status = StatusApplied
	}
	return outcome, next, nil
}

// forward applies hunks in order, carrying the running offset.
func forward(file File, content text, drifts []int) (text, []int, []HunkFailure) {
	lines := slices.Clone(content.lines)
	eol := content.eol
	offset, floor := 0, 0
	var placed []int
	var failures []HunkFailure
	for i, h := range file.Hunks {
		pre, post := h.PreImage(), h.PostImage()
		nominal := h.nominal() + offset
		pos, drift, ok := locate(lines, pre, nominal, floor, drifts)
		if !ok {
			failures = append(failures, HunkFailure{
				Index:       i,
				NominalLine: nominal + 1,
				Expected:    pre,
				Found:       window(lines, nominal, len(pre)),
				Reason:      fmt.Sprintf("context not found within %d line(s)", maxDrift(drifts)),
			})
			continue
		}
		atEOF := pos+len(pre) == len(lines)
		lines = slices.Replace(lines, pos, pos+len(pre), post...)
		if atEOF && (h.OldNoNewline || h.NewNoNewline) {
			eol = !h.NewNoNewline
		}
		placed = append(placed, drift)
		offset += drift + len(post) - len(pre)
		floor = pos + len(post)
	}
	return text{lines: lines, eol: eol}, placed, failures
}

// alreadyApplied reports whether every hunk's post-image is present where
// the hunk would have left it.
func alreadyApplied(file File, content text, drifts []int) bool {
	if len(file.Hunks) == 0 {
		return false
	}
	offset, floor := 0, 0
	for _, h := range file.Hunks {
		post := h.PostImage()
		if len(post) == 0 {
			// Pure removals leave nothing to recognise.
			return false
		}
		pos, drift, ok := locate(content.lines, post, h.nominalNew()+offset, floor, drifts)
		if !ok {
			return false
		}
		offset += drift
		floor = pos + len(post)
	}
	return true
}

func postImageMatches(file File, content text) bool {
	var want []string
	for _, h := range file.Hunks {
		want = append(want, h.PostImage()...)
	}
	return slices.Equal(want, content.lines)
}

func maxDrift(drifts []int) int {
	m := 0
	for _, d := range drifts {
		if d > m {
			m = d
		}
		if -d > m {
			m = -d
		}
	}
	return m
}

// Write stores the planned content in the tree. Files are written in the
// order they were first touched.
func (p *Plan) Write() error {
	for _, rel := range p.order {
		st := p.overlay[rel]
		if !st.touched {
			continue
		}
		full := filepath.Join(p.root, filepath.FromSlash(rel))
		if !st.exists {
			if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("patch: delete %s: %w", rel, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("patch: create parent of %s: %w", rel, err)
		}
		if err := os.WriteFile(full, st.content.bytes(), st.mode); err != nil {
			return fmt.Errorf("patch: write %s: %w", rel, err)
		}
	}
	return nil
}

// Apply patches tree with set and commits the result. On any conflict the
// tree is left untouched and a *ConflictError is returned. A set that is
// already fully present yields a NoOp result without a commit.
func (e *Engine) Apply(ctx context.Context, tree *worktree.Tree, set *Set) (Result, error) {
	plan, err := e.Plan(ctx, tree.Root, set)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			e.logConflict(ctx, conflict)
		}
		return Result{}, err
	}
	result := plan.result
	if result.NoOp {
		e.logger.InfoContext(ctx, "patch set already applied",
			logging.String(logging.FieldLayer, set.Layer),
			logging.Int("files", len(set.Files)),
		)
		result.Revision = tree.Revision
		return result, nil
	}
	if err := plan.Write(); err != nil {
		return Result{}, err
	}
	if e.committer == nil {
		return result, nil
	}
	message := fmt.Sprintf("anvil: apply %s patches (%d files)", set.Layer, len(set.Files))
	if set.Revision != "" {
		message += " at " + set.Revision
	}
	rev, err := e.committer.Commit(ctx, tree, message)
	if err != nil {
		return Result{}, err
	}
	result.Revision = rev
	e.logger.InfoContext(ctx, "patch set applied",
		logging.String(logging.FieldLayer, set.Layer),
		logging.Int("files", len(result.Files)),
		logging.Int("fuzzed_hunks", result.Fuzzed()),
		logging.String("revision", rev),
	)
	return result, nil
}

func (e *Engine) logConflict(ctx context.Context, conflict *ConflictError) {
	for _, f := range conflict.Files {
		attrs := []logging.Attr{
			logging.String(logging.FieldLayer, conflict.Layer),
			logging.String("path", f.Path),
			logging.String("origin", f.Origin),
			logging.String(logging.FieldErrorHint, "rebase the patch against the current upstream source"),
		}
		if f.Reason != "" {
			attrs = append(attrs, logging.String("reason", f.Reason))
		}
		for _, h := range f.Hunks {
			attrs = append(attrs, logging.Group(fmt.Sprintf("hunk_%d", h.Index+1),
				logging.Int("line", h.NominalLine),
				logging.String("reason", h.Reason),
			))
		}
		logging.ErrorWithContext(logging.WithContext(ctx, e.logger), "patch file failed to apply", "patch_conflict", attrs...)
	}
}
