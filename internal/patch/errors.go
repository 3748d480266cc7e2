package patch

import (
	"fmt"
	"strings"

	"anvil/internal/services"
)

// HunkFailure describes one hunk that could not be placed.
type HunkFailure struct {
	// Index is the zero-based hunk index within its file.
	Index int
	// NominalLine is the one-based line the hunk was expected at, after the
	// running offset of earlier hunks.
	NominalLine int
	Expected    []string
	Found       []string
	Reason      string
}

// FileConflict lists the failures of one patch file.
type FileConflict struct {
	Path   string
	Origin string
	Reason string
	Hunks  []HunkFailure
}

// ConflictError reports every file of a set that failed to apply. Nothing was
// written when it is returned.
type ConflictError struct {
	Layer string
	Files []FileConflict
}

func (e *ConflictError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "patch conflict")
	if e.Layer != "" {
		fmt.Fprintf(&b, " in layer %s", e.Layer)
	}
	fmt.Fprintf(&b, ": %d file(s) failed", len(e.Files))
	for _, f := range e.Files {
		fmt.Fprintf(&b, "; %s (%s)", f.Path, f.Origin)
		if f.Reason != "" {
			fmt.Fprintf(&b, ": %s", f.Reason)
		}
		for _, h := range f.Hunks {
			fmt.Fprintf(&b, " hunk #%d at line %d: %s", h.Index+1, h.NominalLine, h.Reason)
		}
	}
	return b.String()
}

func (e *ConflictError) Is(target error) bool {
	return target == services.ErrPatchConflict
}
