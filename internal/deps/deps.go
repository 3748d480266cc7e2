package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"anvil/internal/config"
)

// Requirement defines an external dependency anvil relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// Requirements lists the binaries a build needs under cfg: git for the trees
// and the patch repository, plus every executable the toolchain templates
// invoke.
func Requirements(cfg *config.Config) []Requirement {
	reqs := []Requirement{
		{Name: "Git", Command: "git", Description: "Working trees and patch repository"},
	}
	seen := map[string]bool{"git": true}
	for _, tool := range []struct {
		name     string
		template string
		desc     string
	}{
		{"Decompiler", cfg.Toolchain.DecompileCommand, "Decompiles the server artifact into the baseline tree"},
		{"Compiler", cfg.Toolchain.CompileCommand, "Compiles and remaps the patched tree"},
	} {
		fields := strings.Fields(tool.template)
		if len(fields) == 0 {
			reqs = append(reqs, Requirement{Name: tool.name, Description: tool.desc})
			continue
		}
		if seen[fields[0]] {
			continue
		}
		seen[fields[0]] = true
		reqs = append(reqs, Requirement{Name: tool.name, Command: fields[0], Description: tool.desc})
	}
	return reqs
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}
