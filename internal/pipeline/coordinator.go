package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"anvil/internal/buildcache"
	"anvil/internal/config"
	"anvil/internal/fetch"
	"anvil/internal/history"
	"anvil/internal/logging"
	"anvil/internal/manifest"
	"anvil/internal/patch"
	"anvil/internal/services"
	"anvil/internal/services/git"
	"anvil/internal/services/toolchain"
	"anvil/internal/worktree"
)

// Resolver turns a version tag into a manifest.
type Resolver interface {
	Resolve(ctx context.Context, version string) (*manifest.Manifest, error)
}

// Fetcher downloads and verifies artifacts.
type Fetcher interface {
	Fetch(ctx context.Context, refs []manifest.ArtifactRef) ([]fetch.Verified, error)
}

// Toolchain runs the external decompiler and compiler.
type Toolchain interface {
	Decompile(ctx context.Context, req toolchain.DecompileRequest) (toolchain.Result, error)
	Compile(ctx context.Context, req toolchain.CompileRequest) (toolchain.Result, error)
}

// Repository checks out the patch repository at a revision.
type Repository interface {
	Sync(ctx context.Context, dir, url, rev string) (string, error)
}

// Cache stores finished builds under reservation.
type Cache interface {
	Lookup(key buildcache.Key) (buildcache.Entry, bool, error)
	Reserve(key buildcache.Key) (*buildcache.Reservation, error)
	Acquire(ctx context.Context, key buildcache.Key, poll time.Duration) (*buildcache.Reservation, error)
	Commit(ctx context.Context, res *buildcache.Reservation, req buildcache.CommitRequest) (buildcache.Entry, error)
	Verify(ctx context.Context, key buildcache.Key) error
	Invalidate(ctx context.Context, key buildcache.Key) error
}

// Dependencies are the collaborators a Coordinator drives. History is
// optional; everything else is required.
type Dependencies struct {
	Resolver   Resolver
	Fetcher    Fetcher
	Toolchain  Toolchain
	Repository Repository
	Trees      *worktree.Manager
	Cache      Cache
	History    *history.Store
}

func (d Dependencies) validate() error {
	switch {
	case d.Resolver == nil:
		return errors.New("resolver is required")
	case d.Fetcher == nil:
		return errors.New("fetcher is required")
	case d.Toolchain == nil:
		return errors.New("toolchain is required")
	case d.Repository == nil:
		return errors.New("patch repository is required")
	case d.Trees == nil:
		return errors.New("tree manager is required")
	case d.Cache == nil:
		return errors.New("build cache is required")
	}
	return nil
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logging.NewComponentLogger(logger, "pipeline")
		}
	}
}

// WithObserver registers an observer for state transitions.
func WithObserver(obs Observer) Option {
	return func(c *Coordinator) {
		if obs != nil {
			c.observers = append(c.observers, obs)
		}
	}
}

// Coordinator runs builds.
type Coordinator struct {
	cfg       *config.Config
	deps      Dependencies
	logger    *slog.Logger
	observers []Observer
	now       func() time.Time
	closers   []func() error
}

// New constructs a coordinator from explicit dependencies.
func New(cfg *config.Config, deps Dependencies, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", "configuration required", nil)
	}
	if err := deps.validate(); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", err.Error(), nil)
	}
	c := &Coordinator{
		cfg:    cfg,
		deps:   deps,
		logger: logging.NewComponentLogger(logging.NewNop(), "pipeline"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFromConfig wires the production collaborators: HTTP resolver and
// fetcher, the git CLI, the configured toolchain, the build cache and the
// history database.
func NewFromConfig(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "prepare directories", "", err)
	}
	resolver, err := manifest.NewFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	tools, err := toolchain.New(cfg.Toolchain, toolchain.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	store, err := history.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	gitClient := git.New()
	deps := Dependencies{
		Resolver:   resolver,
		Fetcher:    fetch.NewFromConfig(cfg, logger),
		Toolchain:  tools,
		Repository: gitClient,
		Trees:      worktree.NewManager(cfg.TreesDir(), gitClient, logger),
		Cache:      buildcache.NewFromConfig(cfg, logger),
		History:    store,
	}
	coordinator, err := New(cfg, deps, append([]Option{WithLogger(logger)}, opts...)...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	coordinator.closers = append(coordinator.closers, store.Close)
	return coordinator, nil
}

// Close releases resources opened by NewFromConfig.
func (c *Coordinator) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		errs = append(errs, closeFn())
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Request asks for one version to be built.
type Request struct {
	Version string
	// Refresh ignores the recorded resolution and re-fetches the manifest.
	Refresh bool
}

// LayerOutcome summarizes one patch layer of a run.
type LayerOutcome struct {
	Layer    string
	Tree     string
	Revision string
	Reused   bool
	Result   patch.Result
}

// Outcome is the result of a successful run.
type Outcome struct {
	RunID         string
	Version       string
	PatchRevision string
	PatchHash     string
	Entry         buildcache.Entry
	CacheHit      bool
	// Offline is set when the build was answered from history and cache alone.
	Offline  bool
	Reruns   int
	Layers   []LayerOutcome
	Duration time.Duration
}
