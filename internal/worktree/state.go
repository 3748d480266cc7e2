package worktree

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"anvil/internal/fileutil"
)

const stateVersion = 1

// State is the persisted record of one tree.
type State struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Revision  string    `json:"revision"`
	Basis     string    `json:"basis,omitempty"`
	Parent    string    `json:"parent,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m *Manager) statePath(name string) string {
	return filepath.Join(m.root, name+".state.json")
}

// State returns the persisted state of a tree.
func (m *Manager) State(name string) (State, bool, error) {
	payload, err := os.ReadFile(m.statePath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("worktree: read state %s: %w", name, err)
	}
	var st State
	if err := json.Unmarshal(payload, &st); err != nil {
		return State{}, true, fmt.Errorf("worktree: decode state %s: %w", name, err)
	}
	if st.Version != stateVersion {
		return State{}, true, fmt.Errorf("worktree: unsupported state version %d for %s", st.Version, name)
	}
	return st, true, nil
}

func (m *Manager) writeState(st State) error {
	st.Version = stateVersion
	st.UpdatedAt = m.now().UTC()
	payload, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("worktree: encode state %s: %w", st.Name, err)
	}
	if err := fileutil.WriteFileAtomic(m.statePath(st.Name), payload, 0o644); err != nil {
		return fmt.Errorf("worktree: write state %s: %w", st.Name, err)
	}
	return nil
}

func (m *Manager) removeState(name string) error {
	return fileutil.RemoveExisting(m.statePath(name))
}
