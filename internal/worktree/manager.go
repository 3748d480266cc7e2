package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"anvil/internal/fileutil"
	"anvil/internal/logging"
	"anvil/internal/services"
)

// ErrTreeMissing reports a tree that has never been built or whose directory is gone.
var ErrTreeMissing = fmt.Errorf("%w: working tree missing", services.ErrNotFound)

// Provider is the version-control capability the manager needs.
type Provider interface {
	Init(ctx context.Context, dir string) error
	Clone(ctx context.Context, source, dest string) error
	Checkout(ctx context.Context, dir, rev string) error
	Clean(ctx context.Context, dir string) error
	Head(ctx context.Context, dir string) (string, error)
	IsClean(ctx context.Context, dir string) (bool, error)
	CommitAll(ctx context.Context, dir, message string) (string, error)
	IsRepository(ctx context.Context, dir string) bool
}

// Tree is a handle on one managed working tree.
type Tree struct {
	Name     string
	Root     string
	Revision string
	// Basis is the input identity the tree was (or is being) built from.
	Basis  string
	Parent string
	// Reused is set when the tree already matched the requested basis.
	Reused bool
}

// Manager owns the trees below one root directory.
type Manager struct {
	root     string
	provider Provider
	logger   *slog.Logger
	now      func() time.Time
	poll     time.Duration
}

// NewManager returns a manager for trees under root.
func NewManager(root string, provider Provider, logger *slog.Logger) *Manager {
	return &Manager{
		root:     root,
		provider: provider,
		logger:   logging.NewComponentLogger(logger, "worktree"),
		now:      time.Now,
		poll:     200 * time.Millisecond,
	}
}

// Path returns the directory of a named tree.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.root, name)
}

// Lock takes the exclusive cross-process lock for a tree name. Callers hold it
// for as long as they mutate the tree.
func (m *Manager) Lock(ctx context.Context, name string) (func(), error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("worktree: ensure root: %w", err)
	}
	lock := flock.New(filepath.Join(m.root, "."+name+".lock"))
	ok, err := lock.TryLockContext(ctx, m.poll)
	if err != nil {
		return nil, fmt.Errorf("worktree: lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("worktree: lock %s: not acquired", name)
	}
	return func() { _ = lock.Unlock() }, nil
}

// Ensure opens an existing tree and guarantees its working directory sits
// exactly at target (or at the recorded revision when target is empty). A
// dirty or displaced directory is reset with a forced checkout and clean.
func (m *Manager) Ensure(ctx context.Context, name, target string) (*Tree, error) {
	st, ok, err := m.State(name)
	if err != nil {
		return nil, err
	}
	dir := m.Path(name)
	if !ok || !m.provider.IsRepository(ctx, dir) {
		return nil, fmt.Errorf("%w: %s", ErrTreeMissing, name)
	}
	want := strings.TrimSpace(target)
	if want == "" {
		want = st.Revision
	}

	if err := m.verify(ctx, dir, want); err != nil {
		if !errors.Is(err, services.ErrTreeCorrupted) {
			return nil, err
		}
		logging.WarnWithContext(logging.WithContext(ctx, m.logger), "working tree corrupted; forcing clean checkout", "tree_corrupted",
			logging.String(logging.FieldTree, name),
			logging.String("revision", want),
			logging.Error(err),
			logging.String(logging.FieldImpact, "local edits in the tree are discarded"),
		)
		if err := m.provider.Checkout(ctx, dir, want); err != nil {
			return nil, services.Wrap(services.ErrTreeCorrupted, "worktree", "repair "+name, "forced checkout failed", err)
		}
		if err := m.provider.Clean(ctx, dir); err != nil {
			return nil, services.Wrap(services.ErrTreeCorrupted, "worktree", "repair "+name, "clean failed", err)
		}
		if err := m.verify(ctx, dir, want); err != nil {
			return nil, services.Wrap(services.ErrTreeCorrupted, "worktree", "repair "+name, "tree still inconsistent after repair", err)
		}
	}

	if want != st.Revision {
		st.Revision = want
		st.Basis = ""
		if err := m.writeState(st); err != nil {
			return nil, err
		}
	}
	return &Tree{Name: name, Root: dir, Revision: st.Revision, Basis: st.Basis, Parent: st.Parent}, nil
}

func (m *Manager) verify(ctx context.Context, dir, want string) error {
	head, err := m.provider.Head(ctx, dir)
	if err != nil {
		return services.Wrap(services.ErrTreeCorrupted, "worktree", "read head", dir, err)
	}
	if head != want {
		return services.Wrap(services.ErrTreeCorrupted, "worktree", "check revision", fmt.Sprintf("HEAD %s, expected %s", head, want), nil)
	}
	clean, err := m.provider.IsClean(ctx, dir)
	if err != nil {
		return services.Wrap(services.ErrTreeCorrupted, "worktree", "check status", dir, err)
	}
	if !clean {
		return services.Wrap(services.ErrTreeCorrupted, "worktree", "check status", "working directory has uncommitted changes", nil)
	}
	return nil
}

// Lookup returns the tree when it was completely built from basis.
func (m *Manager) Lookup(ctx context.Context, name, basis string) (*Tree, bool, error) {
	st, ok, err := m.State(name)
	if err != nil || !ok || basis == "" || st.Basis != basis {
		return nil, false, err
	}
	tree, err := m.Ensure(ctx, name, "")
	if err != nil {
		if errors.Is(err, ErrTreeMissing) {
			return nil, false, nil
		}
		return nil, false, err
	}
	tree.Reused = true
	return tree, true, nil
}

// Seed builds a root tree from scratch: populate fills an empty repository,
// whose contents are committed as the first revision. A tree already built
// from basis is reused.
func (m *Manager) Seed(ctx context.Context, name, basis string, populate func(ctx context.Context, dir string) error) (*Tree, error) {
	if tree, ok, err := m.Lookup(ctx, name, basis); err != nil || ok {
		return tree, err
	}
	staging, err := m.stagingDir(name)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	if err := m.provider.Init(ctx, staging); err != nil {
		return nil, err
	}
	if err := populate(ctx, staging); err != nil {
		return nil, fmt.Errorf("worktree: populate %s: %w", name, err)
	}
	if _, err := m.provider.CommitAll(ctx, staging, "anvil: seed "+name); err != nil {
		return nil, err
	}
	if err := m.publish(name, staging); err != nil {
		return nil, err
	}
	dir := m.Path(name)
	rev, err := m.provider.Head(ctx, dir)
	if err != nil {
		return nil, err
	}
	if err := m.writeState(State{Name: name, Revision: rev, Basis: basis}); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "seeded working tree",
		logging.String(logging.FieldTree, name),
		logging.String("revision", rev),
	)
	return &Tree{Name: name, Root: dir, Revision: rev, Basis: basis}, nil
}

// Derive returns a tree built on parent. When the existing tree already
// carries basis it is reused; otherwise a fresh clone of parent at its
// revision replaces it, with basis pending until Finalize.
func (m *Manager) Derive(ctx context.Context, name string, parent *Tree, basis string) (*Tree, error) {
	if parent == nil {
		return nil, errors.New("worktree: derive requires a parent tree")
	}
	if tree, ok, err := m.Lookup(ctx, name, basis); err != nil || ok {
		return tree, err
	}
	staging, err := m.stagingDir(name)
	if err != nil {
		return nil, err
	}
	// Clone creates the directory itself.
	if err := os.Remove(staging); err != nil {
		return nil, fmt.Errorf("worktree: prepare staging: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := m.provider.Clone(ctx, parent.Root, staging); err != nil {
		return nil, err
	}
	if err := m.provider.Checkout(ctx, staging, parent.Revision); err != nil {
		return nil, err
	}
	if err := m.publish(name, staging); err != nil {
		return nil, err
	}
	if err := m.writeState(State{Name: name, Revision: parent.Revision, Parent: parent.Name}); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "derived working tree",
		logging.String(logging.FieldTree, name),
		logging.String("parent", parent.Name),
		logging.String("revision", parent.Revision),
	)
	return &Tree{Name: name, Root: m.Path(name), Revision: parent.Revision, Basis: basis, Parent: parent.Name}, nil
}

// Commit records every change in the tree as a new revision.
func (m *Manager) Commit(ctx context.Context, tree *Tree, message string) (string, error) {
	rev, err := m.provider.CommitAll(ctx, tree.Root, message)
	if err != nil {
		return "", err
	}
	st, _, err := m.State(tree.Name)
	if err != nil {
		return "", err
	}
	st.Name = tree.Name
	st.Revision = rev
	st.Parent = tree.Parent
	st.Basis = ""
	if err := m.writeState(st); err != nil {
		return "", err
	}
	tree.Revision = rev
	return rev, nil
}

// Finalize marks the tree as completely built from its basis so later runs
// can reuse it.
func (m *Manager) Finalize(tree *Tree) error {
	return m.writeState(State{Name: tree.Name, Revision: tree.Revision, Basis: tree.Basis, Parent: tree.Parent})
}

// Remove deletes a tree and its state.
func (m *Manager) Remove(name string) error {
	if err := m.removeState(name); err != nil {
		return err
	}
	return fileutil.RemoveExisting(m.Path(name))
}

func (m *Manager) stagingDir(name string) (string, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("worktree: ensure root: %w", err)
	}
	dir := filepath.Join(m.root, "."+name+".staging-"+uuid.NewString()[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("worktree: create staging: %w", err)
	}
	return dir, nil
}

// publish swaps a fully built staging directory into place. The state file is
// dropped first so it never describes a directory it did not produce.
func (m *Manager) publish(name, staging string) error {
	if err := m.removeState(name); err != nil {
		return fmt.Errorf("worktree: drop state %s: %w", name, err)
	}
	dir := m.Path(name)
	if err := fileutil.RemoveExisting(dir); err != nil {
		return fmt.Errorf("worktree: remove old %s: %w", name, err)
	}
	if err := os.Rename(staging, dir); err != nil {
		return fmt.Errorf("worktree: publish %s: %w", name, err)
	}
	return nil
}
