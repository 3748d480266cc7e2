package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"anvil/internal/buildcache"
	"anvil/internal/digest"
	"anvil/internal/fetch"
	"anvil/internal/fileutil"
	"anvil/internal/history"
	"anvil/internal/logging"
	"anvil/internal/manifest"
	"anvil/internal/patch"
	"anvil/internal/services"
	"anvil/internal/services/toolchain"
	"anvil/internal/worktree"
)

// inputs are the verified artifacts the toolchain consumes.
type inputs struct {
	server    string
	mapping   string
	classpath []string
	// sources maps artifact name to its identifying digest.
	sources map[string]string
	// identity is the ordered digest list of everything the baseline
	// decompile reads.
	identity []string
}

func (c *Coordinator) runOnce(ctx context.Context, run *runState) error {
	run.outcome.Layers = nil
	run.diagnostics = nil

	// Resolving
	if err := c.enter(ctx, run, StateResolving, ""); err != nil {
		return err
	}
	m, err := c.deps.Resolver.Resolve(ctx, run.version)
	if err != nil {
		return stageFailure(StateResolving, "", err)
	}
	sets, revision, err := c.loadPatches(ctx, run, m)
	if err != nil {
		return stageFailure(StateResolving, "", err)
	}
	key := buildcache.Key{Version: m.Version, PatchHash: patch.CombinedHash(sets)}
	run.key = key
	run.outcome.PatchRevision = revision
	run.outcome.PatchHash = key.PatchHash
	c.recordResolution(ctx, run, m, revision, key.PatchHash)

	if c.cachedEntry(ctx, run, key) {
		return nil
	}
	reservation, err := c.reserve(ctx, run, key)
	if err != nil {
		return stageFailure(StateResolving, "", err)
	}
	if reservation == nil {
		return nil
	}
	defer reservation.Release()

	// Fetching
	if err := c.enter(ctx, run, StateFetching, ""); err != nil {
		return err
	}
	m.AssignLocalPaths(filepath.Join(c.cfg.ArtifactsDir(), fileutil.Sanitize(m.Version)))
	verified, err := c.deps.Fetcher.Fetch(ctx, m.Artifacts)
	if err != nil {
		return stageFailure(StateFetching, "", err)
	}
	in, err := collectInputs(m, verified)
	if err != nil {
		return stageFailure(StateFetching, "", err)
	}
	run.logger.Info("artifacts verified",
		logging.String(logging.FieldEventType, "fetch_complete"),
		logging.Int("artifacts", len(verified)),
	)

	// Patching
	final, err := c.patchLayers(ctx, run, sets, in)
	if err != nil {
		return err
	}

	// Compiling
	if err := c.enter(ctx, run, StateCompiling, ""); err != nil {
		return err
	}
	outputDir := filepath.Join(c.cfg.StagingDir(), "compile-"+run.id)
	defer os.RemoveAll(outputDir)
	result, err := c.deps.Toolchain.Compile(ctx, toolchain.CompileRequest{
		SourceRoots: []string{final.Root},
		Classpath:   in.classpath,
		MappingFile: in.mapping,
		OutputDir:   outputDir,
		WorkDir:     c.cfg.StagingDir(),
	})
	if err != nil {
		var compileErr *toolchain.CompileError
		if errors.As(err, &compileErr) {
			run.diagnostics = compileErr.Diagnostics
		}
		return stageFailure(StateCompiling, "", err)
	}
	run.diagnostics = result.Diagnostics
	run.logger.Info("compile complete",
		logging.String(logging.FieldEventType, "compile_complete"),
		logging.Int("outputs", len(result.Outputs)),
		logging.Duration("duration", result.Duration),
	)

	// Caching
	if err := c.enter(ctx, run, StateCaching, ""); err != nil {
		return err
	}
	artifacts := make([]string, 0, len(result.Outputs))
	for _, rel := range result.Outputs {
		artifacts = append(artifacts, filepath.Join(outputDir, filepath.FromSlash(rel)))
	}
	entry, err := c.deps.Cache.Commit(ctx, reservation, buildcache.CommitRequest{
		Artifacts: artifacts,
		Sources:   in.sources,
		RunID:     run.id,
		Log:       run.buildLog(),
	})
	if err != nil {
		return stageFailure(StateCaching, "", err)
	}
	if err := c.deps.Cache.Verify(ctx, key); err != nil {
		// Drop the rejected entry before the reservation is released so a
		// run waiting on this key never picks it up.
		if errors.Is(err, services.ErrCacheCorruption) {
			if invErr := c.deps.Cache.Invalidate(ctx, key); invErr != nil {
				err = errors.Join(err, invErr)
			}
		}
		return stageFailure(StateCaching, "", err)
	}
	run.outcome.Entry = entry
	return nil
}

// loadPatches checks out the patch repository at the manifest revision and
// reads one set per configured layer.
func (c *Coordinator) loadPatches(ctx context.Context, run *runState, m *manifest.Manifest) ([]*patch.Set, string, error) {
	repoDir := c.cfg.PatchRepositoryDir()
	revision := m.PatchRevision
	if url := strings.TrimSpace(c.cfg.Patches.RepositoryURL); url != "" {
		head, err := c.deps.Repository.Sync(ctx, repoDir, url, m.PatchRevision)
		if err != nil {
			return nil, "", err
		}
		revision = head
		run.logger.Info("patch repository synced",
			logging.String("revision", head),
		)
	} else if !fileutil.IsNonEmptyDir(repoDir) {
		return nil, "", services.Wrap(services.ErrConfiguration, "resolving", "patch repository",
			fmt.Sprintf("patches.repository_url unset and %s is empty", repoDir), nil)
	}

	sets := make([]*patch.Set, 0, len(c.cfg.Patches.Layers))
	for _, layer := range c.cfg.Patches.Layers {
		set, err := patch.LoadSet(filepath.Join(repoDir, layer.Directory), layer.Name, revision, patch.LoadOptions{
			Strip: c.cfg.Patches.Strip,
			Fuzz:  c.cfg.LayerFuzz(layer),
		})
		if err != nil {
			return nil, "", err
		}
		sets = append(sets, set)
	}
	return sets, revision, nil
}

func (c *Coordinator) recordResolution(ctx context.Context, run *runState, m *manifest.Manifest, revision, hash string) {
	if c.deps.History == nil {
		return
	}
	err := c.deps.History.RecordResolution(ctx, history.Resolution{
		Version:       m.Version,
		PatchRevision: revision,
		PatchHash:     hash,
		ManifestURL:   m.Source,
	})
	if err != nil {
		run.logger.Warn("failed to record resolution", logging.Error(err))
	}
}

// cachedEntry reports a usable cache entry for key. An unreadable entry is
// invalidated so the build replaces it.
func (c *Coordinator) cachedEntry(ctx context.Context, run *runState, key buildcache.Key) bool {
	entry, ok, err := c.deps.Cache.Lookup(key)
	if err != nil {
		logging.WarnWithContext(run.logger, "cache entry corrupt; rebuilding", "cache_corruption",
			logging.String("key", key.String()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the entry is discarded and rebuilt"),
		)
		if invErr := c.deps.Cache.Invalidate(ctx, key); invErr != nil {
			run.logger.Warn("failed to invalidate corrupt entry", logging.Error(invErr))
		}
		return false
	}
	if !ok {
		return false
	}
	run.outcome.Entry = entry
	run.outcome.CacheHit = true
	run.logger.Info("cache hit",
		logging.String(logging.FieldEventType, "cache_hit"),
		logging.String("key", key.String()),
	)
	return true
}

// reserve claims the key. When another run holds it, reserve waits for that
// run to finish and returns nil if it left a usable entry behind.
func (c *Coordinator) reserve(ctx context.Context, run *runState, key buildcache.Key) (*buildcache.Reservation, error) {
	reservation, err := c.deps.Cache.Reserve(key)
	if err == nil {
		return reservation, nil
	}
	if !errors.Is(err, buildcache.ErrBusy) {
		return nil, err
	}
	run.logger.Info("build already in progress; waiting",
		logging.String(logging.FieldEventType, "cache_wait"),
		logging.String("key", key.String()),
	)
	poll := time.Duration(c.cfg.Cache.WaitPollMS) * time.Millisecond
	reservation, err = c.deps.Cache.Acquire(ctx, key, poll)
	if err != nil {
		return nil, err
	}
	if c.cachedEntry(ctx, run, key) {
		reservation.Release()
		return nil, nil
	}
	return reservation, nil
}

func collectInputs(m *manifest.Manifest, verified []fetch.Verified) (inputs, error) {
	byName := make(map[string]fetch.Verified, len(verified))
	for _, v := range verified {
		byName[v.Ref.Name] = v
	}
	in := inputs{sources: make(map[string]string, len(verified))}
	for _, v := range verified {
		in.sources[v.Ref.Name] = sourceDigest(v)
	}

	server, ok := m.Server()
	if !ok {
		return inputs{}, services.Wrap(services.ErrValidation, "fetching", "inputs", "manifest lists no server artifact", nil)
	}
	sv, ok := byName[server.Name]
	if !ok {
		return inputs{}, services.Wrap(services.ErrValidation, "fetching", "inputs", "server artifact was not fetched", nil)
	}
	in.server = sv.Path
	in.identity = append(in.identity, "server "+in.sources[server.Name])

	if mapping, ok := m.MappingArtifact(); ok {
		if mv, ok := byName[mapping.Name]; ok {
			in.mapping = mv.Path
			in.identity = append(in.identity, "mapping "+in.sources[mapping.Name])
		}
	}
	for _, ref := range m.ByKind(manifest.KindClasspath) {
		if v, ok := byName[ref.Name]; ok {
			in.classpath = append(in.classpath, v.Path)
		}
	}
	for _, ref := range m.ByKind(manifest.KindAccessTransform) {
		if _, ok := byName[ref.Name]; ok {
			in.identity = append(in.identity, "access "+in.sources[ref.Name])
		}
	}
	return in, nil
}

// sourceDigest prefers the SHA-256 the fetcher computed and falls back to the
// first declared digest.
func sourceDigest(v fetch.Verified) string {
	if sum, ok := v.Sums[digest.SHA256]; ok {
		return string(digest.SHA256) + ":" + sum
	}
	if len(v.Ref.Digests) > 0 {
		return v.Ref.Digests[0].String()
	}
	return ""
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// patchLayers seeds the baseline tree and applies each layer on a tree
// derived from the previous one. Trees are locked in configuration order for
// the whole step.
func (c *Coordinator) patchLayers(ctx context.Context, run *runState, sets []*patch.Set, in inputs) (*worktree.Tree, error) {
	layers := c.cfg.Patches.Layers
	unlock, err := c.lockTrees(ctx)
	if err != nil {
		return nil, stageFailure(StatePatching, "", err)
	}
	defer unlock()

	order, err := patch.ParseSearchOrder(c.cfg.Patches.SearchOrder)
	if err != nil {
		return nil, stageFailure(StatePatching, "", err)
	}
	engine := patch.NewEngine(c.deps.Trees,
		patch.WithFuzz(c.cfg.Patches.Fuzz),
		patch.WithSearchOrder(order),
		patch.WithLogger(run.logger),
	)

	var parent *worktree.Tree
	for i, layer := range layers {
		if err := c.enter(ctx, run, StatePatching, layer.Name); err != nil {
			return nil, err
		}
		layerCtx := services.WithLayer(ctx, layer.Name)
		if parent == nil {
			parent, err = c.seedBaseline(layerCtx, run, in)
			if err != nil {
				return nil, stageFailure(StatePatching, layer.Name, err)
			}
		}
		set := sets[i]
		tree, err := c.deps.Trees.Derive(layerCtx, layer.Tree, parent, hashParts("layer "+layer.Name, parent.Basis, set.Hash()))
		if err != nil {
			return nil, stageFailure(StatePatching, layer.Name, err)
		}
		outcome := LayerOutcome{Layer: layer.Name, Tree: layer.Tree, Reused: tree.Reused}
		if !tree.Reused {
			result, err := engine.Apply(layerCtx, tree, set)
			if err != nil {
				return nil, stageFailure(StatePatching, layer.Name, err)
			}
			if err := c.deps.Trees.Finalize(tree); err != nil {
				return nil, stageFailure(StatePatching, layer.Name, err)
			}
			outcome.Result = result
		}
		outcome.Revision = tree.Revision
		run.outcome.Layers = append(run.outcome.Layers, outcome)
		run.logger.Info("layer ready",
			logging.String(logging.FieldEventType, "layer_complete"),
			logging.String(logging.FieldLayer, layer.Name),
			logging.String(logging.FieldTree, layer.Tree),
			logging.String("revision", tree.Revision),
			logging.Bool("reused", tree.Reused),
		)
		parent = tree
	}
	return parent, nil
}

// seedBaseline returns the decompiled baseline tree, decompiling only when no
// tree built from the same inputs exists.
func (c *Coordinator) seedBaseline(ctx context.Context, run *runState, in inputs) (*worktree.Tree, error) {
	name := c.cfg.Patches.BaselineTree
	basis := hashParts(append([]string{"baseline", c.cfg.Toolchain.DecompileCommand}, in.identity...)...)
	return c.deps.Trees.Seed(ctx, name, basis, func(ctx context.Context, dir string) error {
		if err := os.MkdirAll(c.cfg.StagingDir(), 0o755); err != nil {
			return fmt.Errorf("ensure staging dir: %w", err)
		}
		scratch, err := os.MkdirTemp(c.cfg.StagingDir(), "decompile-")
		if err != nil {
			return fmt.Errorf("create decompile scratch: %w", err)
		}
		defer os.RemoveAll(scratch)
		output := filepath.Join(scratch, "out")
		result, err := c.deps.Toolchain.Decompile(ctx, toolchain.DecompileRequest{
			Input:       in.server,
			MappingFile: in.mapping,
			OutputDir:   output,
			WorkDir:     scratch,
		})
		if err != nil {
			return err
		}
		run.logger.Info("baseline decompiled",
			logging.String(logging.FieldTree, name),
			logging.Int("files", len(result.Outputs)),
			logging.Duration("duration", result.Duration),
		)
		return fileutil.CopyDir(output, dir)
	})
}

func (c *Coordinator) lockTrees(ctx context.Context) (func(), error) {
	names := []string{c.cfg.Patches.BaselineTree}
	for _, layer := range c.cfg.Patches.Layers {
		names = append(names, layer.Tree)
	}
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, name := range names {
		unlock, err := c.deps.Trees.Lock(ctx, name)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}
