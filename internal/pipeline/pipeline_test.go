package pipeline_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"anvil/internal/buildcache"
	"anvil/internal/config"
	"anvil/internal/digest"
	"anvil/internal/fetch"
	"anvil/internal/history"
	"anvil/internal/logging"
	"anvil/internal/manifest"
	"anvil/internal/pipeline"
	"anvil/internal/services"
	"anvil/internal/services/git"
	"anvil/internal/services/toolchain"
	"anvil/internal/testsupport"
	"anvil/internal/worktree"
)

const baselineSource = `class Main {
    void run() {
        say("hello");
    }
}
`

const serverPatch = `From 1111 Mon Sep 17 00:00:00 2001
Subject: [PATCH] Greet the server

diff --git a/src/Main.java b/src/Main.java
--- a/src/Main.java
+++ b/src/Main.java
@@ -1,5 +1,5 @@
 class Main {
     void run() {
-        say("hello");
+        say("hello server");
     }
 }
`

const apiPatch = `diff --git a/src/Main.java b/src/Main.java
--- a/src/Main.java
+++ b/src/Main.java
@@ -2,3 +2,4 @@
     void run() {
         say("hello server");
+        say("api");
     }
`

type fakeResolver struct {
	mu    sync.Mutex
	m     manifest.Manifest
	calls int
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, version string) (*manifest.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	m := f.m
	m.Artifacts = slices.Clone(f.m.Artifacts)
	return &m, nil
}

func (f *fakeResolver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFetcher struct {
	mu      sync.Mutex
	content map[string]string
	calls   int
	err     error
}

func (f *fakeFetcher) Fetch(_ context.Context, refs []manifest.ArtifactRef) ([]fetch.Verified, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]fetch.Verified, 0, len(refs))
	for _, ref := range refs {
		data := []byte(f.content[ref.Name])
		if err := os.MkdirAll(filepath.Dir(ref.LocalPath), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(ref.LocalPath, data, 0o644); err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		out = append(out, fetch.Verified{
			Ref:  ref,
			Path: ref.LocalPath,
			Size: int64(len(data)),
			Sums: map[digest.Algorithm]string{digest.SHA256: hex.EncodeToString(sum[:])},
		})
	}
	return out, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeToolchain struct {
	mu         sync.Mutex
	source     string
	decompiles int
	compiles   int
	compileErr error
}

func (f *fakeToolchain) Decompile(_ context.Context, req toolchain.DecompileRequest) (toolchain.Result, error) {
	f.mu.Lock()
	f.decompiles++
	source := f.source
	f.mu.Unlock()
	path := filepath.Join(req.OutputDir, "src", "Main.java")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return toolchain.Result{}, err
	}
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return toolchain.Result{}, err
	}
	return toolchain.Result{Outputs: []string{"src/Main.java"}}, nil
}

func (f *fakeToolchain) Compile(_ context.Context, req toolchain.CompileRequest) (toolchain.Result, error) {
	f.mu.Lock()
	f.compiles++
	compileErr := f.compileErr
	f.mu.Unlock()
	if compileErr != nil {
		return toolchain.Result{}, compileErr
	}
	src, err := os.ReadFile(filepath.Join(req.SourceRoots[0], "src", "Main.java"))
	if err != nil {
		return toolchain.Result{}, err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return toolchain.Result{}, err
	}
	out := filepath.Join(req.OutputDir, "server.jar")
	if err := os.WriteFile(out, append([]byte("compiled\n"), src...), 0o644); err != nil {
		return toolchain.Result{}, err
	}
	return toolchain.Result{Outputs: []string{"server.jar"}, Diagnostics: []string{"[INFO] BUILD SUCCESS"}}, nil
}

func (f *fakeToolchain) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decompiles, f.compiles
}

type fakeRepository struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRepository) Sync(_ context.Context, _, _, rev string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return rev, nil
}

type recorder struct {
	mu          sync.Mutex
	transitions []pipeline.Transition
}

func (r *recorder) OnTransition(_ context.Context, t pipeline.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.transitions))
	for _, t := range r.transitions {
		label := string(t.To)
		if t.Layer != "" && t.To == pipeline.StatePatching {
			label += ":" + t.Layer
		}
		out = append(out, label)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = nil
}

type harness struct {
	cfg      *config.Config
	resolver *fakeResolver
	fetcher  *fakeFetcher
	tools    *fakeToolchain
	repo     *fakeRepository
	history  *history.Store
	cache    *buildcache.Manager
	observed *recorder
	deps     pipeline.Dependencies
	coord    *pipeline.Coordinator
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	opts = append([]testsupport.ConfigOption{testsupport.WithRepositoryURL("https://patches.example.test/repo.git")}, opts...)
	cfg := testsupport.NewConfig(t, opts...)
	testsupport.WriteTree(t, cfg.PatchRepositoryDir(), map[string]string{
		"server-patches/0001-Greet-the-server.patch": serverPatch,
		"api-patches/0001-Add-api-call.patch":       apiPatch,
	})

	h := &harness{
		cfg: cfg,
		resolver: &fakeResolver{m: manifest.Manifest{
			Version:       "1.0-demo",
			PatchRevision: "0123456789abcdef",
			Mapping:       "mappings",
			Source:        "https://versions.example.test/1.0-demo.json",
			Artifacts: []manifest.ArtifactRef{
				{Name: "server", Kind: manifest.KindServer, URL: "https://cdn.example.test/server.jar",
					Digests: []digest.Expected{{Algorithm: digest.SHA256, Value: "unused-by-fake"}}},
				{Name: "mappings", Kind: manifest.KindMapping, URL: "https://cdn.example.test/mappings.txt",
					Digests: []digest.Expected{{Algorithm: digest.SHA1, Value: "unused-by-fake"}}},
			},
		}},
		fetcher:  &fakeFetcher{content: map[string]string{"server": "server-bytes", "mappings": "a -> b\n"}},
		tools:    &fakeToolchain{source: baselineSource},
		repo:     &fakeRepository{},
		history:  testsupport.MustOpenHistory(t, cfg),
		cache:    buildcache.New(cfg.Paths.CacheDir, cfg.Cache.MaxGiB, logging.NewNop()),
		observed: &recorder{},
	}
	h.deps = pipeline.Dependencies{
		Resolver:   h.resolver,
		Fetcher:    h.fetcher,
		Toolchain:  h.tools,
		Repository: h.repo,
		Trees:      worktree.NewManager(cfg.TreesDir(), git.New(), logging.NewNop()),
		Cache:      h.cache,
		History:    h.history,
	}
	h.rewire(t, func(*pipeline.Dependencies) {})
	return h
}

// rewire rebuilds the coordinator after edit swaps some collaborators.
func (h *harness) rewire(t *testing.T, edit func(*pipeline.Dependencies)) {
	t.Helper()
	edit(&h.deps)
	coord, err := pipeline.New(h.cfg, h.deps, pipeline.WithObserver(h.observed))
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	h.coord = coord
}

func readArtifact(t *testing.T, entry buildcache.Entry) string {
	t.Helper()
	return testsupport.ReadFile(t, entry.ArtifactPath("server.jar"))
}

func TestBuildRunsEveryStageInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	outcome, err := h.coord.Build(ctx, pipeline.Request{Version: "1.0-demo"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if outcome.CacheHit || outcome.Offline {
		t.Fatalf("first build must not be a cache hit: %+v", outcome)
	}
	want := []string{"resolving", "fetching", "patching:server", "patching:api", "compiling", "caching", "done"}
	if got := h.observed.states(); !slices.Equal(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}

	artifact := readArtifact(t, outcome.Entry)
	if !strings.Contains(artifact, `say("hello server");`) || !strings.Contains(artifact, `say("api");`) {
		t.Fatalf("artifact missing patched source:\n%s", artifact)
	}
	if len(outcome.Layers) != 2 || outcome.Layers[0].Reused || outcome.Layers[1].Result.Layer != "api" {
		t.Fatalf("unexpected layers %+v", outcome.Layers)
	}
	if outcome.Entry.Sources["server"] == "" || !strings.HasPrefix(outcome.Entry.Sources["server"], "sha256:") {
		t.Fatalf("sources not recorded: %+v", outcome.Entry.Sources)
	}

	runs, err := h.history.ListRuns(ctx, "1.0-demo", 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %+v, %v", runs, err)
	}
	if runs[0].Status != history.StatusComplete || runs[0].PatchHash != outcome.PatchHash || runs[0].ID != outcome.RunID {
		t.Fatalf("unexpected run record %+v", runs[0])
	}
	res, err := h.history.LastResolution(ctx, "1.0-demo")
	if err != nil || res == nil || res.PatchHash != outcome.PatchHash {
		t.Fatalf("resolution = %+v, %v", res, err)
	}

	log, err := h.cache.ReadLog(buildcache.Key{Version: "1.0-demo", PatchHash: outcome.PatchHash})
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if !strings.Contains(string(log), "stage started") || !strings.Contains(string(log), "BUILD SUCCESS") {
		t.Fatalf("build log incomplete:\n%s", log)
	}
}

func TestRepeatBuildIsAnsweredOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coord.Build(ctx, pipeline.Request{Version: "1.0-demo"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	h.observed.reset()
	h.resolver.err = services.Wrap(services.ErrNetwork, "resolving", "fetch manifest", "network disabled", nil)
	h.fetcher.err = errors.New("network disabled")

	second, err := h.coord.Build(ctx, pipeline.Request{Version: "1.0-demo"})
	if err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if !second.CacheHit || !second.Offline {
		t.Fatalf("expected offline cache hit, got %+v", second)
	}
	if second.Entry.Dir != first.Entry.Dir {
		t.Fatalf("entry dir changed: %s vs %s", second.Entry.Dir, first.Entry.Dir)
	}
	if h.resolver.count() != 1 || h.fetcher.count() != 1 {
		t.Fatalf("network touched: resolver=%d fetcher=%d", h.resolver.count(), h.fetcher.count())
	}
	if got := h.observed.states(); !slices.Equal(got, []string{"done"}) {
		t.Fatalf("transitions = %v", got)
	}

	// A refresh must go back to the network.
	if _, err := h.coord.Build(ctx, pipeline.Request{Version: "1.0-demo", Refresh: true}); err == nil {
		t.Fatal("refresh with the network disabled must fail")
	} else if stage, _ := pipeline.FailedStage(err); stage != pipeline.StateResolving {
		t.Fatalf("failed stage = %q", stage)
	}
}

func TestRebuildReusesUnchangedTrees(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coord.Build(ctx, pipeline.Request{Version: "1.0-demo"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	key := buildcache.Key{Version: "1.0-demo", PatchHash: first.PatchHash}
	if err := h.cache.Invalidate(ctx, key); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	second, err := h.coord.Build(ctx, pipeline.Request{Version: "1.0-demo", Refresh: true})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	decompiles, compiles := h.tools.counts()
	if decompiles != 1 || compiles != 2 {
		t.Fatalf("decompiles=%d compiles=%d", decompiles, compiles)
	}
	for _, layer := range second.Layers {
		if !layer.Reused {
			t.Fatalf("layer %s was rebuilt", layer.Layer)
		}
	}
	if readArtifact(t, second.Entry) != readArtifact(t, first.Entry) {
		t.Fatal("rebuilt artifact differs")
	}
}

func TestPatchConflictFailsPatchingStage(t *testing.T) {
	h := newHarness(t, testsupport.WithFuzz(0))
	h.tools.source = "class Main {\n    void start() {\n        say(\"hi\");\n    }\n}\n"
	ctx := context.Background()

	_, err := h.coord.Build(ctx, pipeline.Request{Version: "1.0-demo"})
	if !errors.Is(err, services.ErrPatchConflict) {
		t.Fatalf("expected patch conflict, got %v", err)
	}
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != pipeline.StatePatching || stageErr.Layer != "server" {
		t.Fatalf("unexpected stage error %#v", err)
	}
	if !strings.HasPrefix(err.Error(), "patching (server):") {
		t.Fatalf("message does not name the stage: %q", err.Error())
	}
	states := h.observed.states()
	if states[len(states)-1] != "failed" {
		t.Fatalf("last transition = %v", states)
	}
	if _, compiles := h.tools.counts(); compiles != 0 {
		t.Fatal("compiler ran after a conflict")
	}
	runs, _ := h.history.ListRuns(ctx, "", 1)
	if len(runs) != 1 || runs[0].Status != history.StatusFailed || runs[0].ErrorKind != "patch_conflict" || runs[0].Stage != "patching" {
		t.Fatalf("unexpected run record %+v", runs)
	}
	if entries, _ := h.cache.Find("1.0-demo"); len(entries) != 0 {
		t.Fatalf("conflicting build was cached: %+v", entries)
	}
}

func TestDigestMismatchStopsBeforePatching(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = services.Wrap(services.ErrDigestMismatch, "fetching", "server", "sha256 mismatch", nil)

	_, err := h.coord.Build(context.Background(), pipeline.Request{Version: "1.0-demo"})
	if !errors.Is(err, services.ErrDigestMismatch) {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
	if stage, _ := pipeline.FailedStage(err); stage != pipeline.StateFetching {
		t.Fatalf("failed stage = %q", stage)
	}
	if decompiles, _ := h.tools.counts(); decompiles != 0 {
		t.Fatal("unverified artifact reached the decompiler")
	}
}

func TestCompileFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.tools.compileErr = &toolchain.CompileError{Tool: "compiler", ExitCode: 1, Diagnostics: []string{"[ERROR] cannot find symbol"}}

	_, err := h.coord.Build(context.Background(), pipeline.Request{Version: "1.0-demo"})
	if !errors.Is(err, services.ErrCompileFailed) {
		t.Fatalf("expected compile failure, got %v", err)
	}
	if stage, _ := pipeline.FailedStage(err); stage != pipeline.StateCompiling {
		t.Fatalf("failed stage = %q", stage)
	}
}

func TestConcurrentBuildsProduceOneArtifact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]*pipeline.Outcome, 2)
	errs := make([]error, 2)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], errs[i] = h.coord.Build(ctx, pipeline.Request{Version: "1.0-demo"})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("build %d: %v", i, err)
		}
	}
	if _, compiles := h.tools.counts(); compiles != 1 {
		t.Fatalf("compiles = %d, want 1", compiles)
	}
	if outcomes[0].Entry.Dir != outcomes[1].Entry.Dir {
		t.Fatalf("builds disagree: %s vs %s", outcomes[0].Entry.Dir, outcomes[1].Entry.Dir)
	}
	if !outcomes[0].CacheHit && !outcomes[1].CacheHit {
		t.Fatal("expected one build to be served from the cache")
	}
}

func TestBuildRequiresVersion(t *testing.T) {
	h := newHarness(t)
	if _, err := h.coord.Build(context.Background(), pipeline.Request{Version: "  "}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := pipeline.New(cfg, pipeline.Dependencies{}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBuildWithSingleLayer(t *testing.T) {
	h := newHarness(t, testsupport.WithLayers(config.Layer{Name: "server", Tree: "intermediate", Directory: "server-patches"}))

	outcome, err := h.coord.Build(context.Background(), pipeline.Request{Version: "1.0-demo"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []string{"resolving", "fetching", "patching:server", "compiling", "caching", "done"}
	if got := h.observed.states(); !slices.Equal(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	if len(outcome.Layers) != 1 || outcome.Layers[0].Tree != "intermediate" {
		t.Fatalf("unexpected layers %+v", outcome.Layers)
	}
	artifact := readArtifact(t, outcome.Entry)
	if !strings.Contains(artifact, `say("hello server");`) || strings.Contains(artifact, `say("api");`) {
		t.Fatalf("artifact should carry only the server layer:\n%s", artifact)
	}
}

// javaStub stands in for the decompiler and compiler processes behind the
// real toolchain client. Both templates end in {output}; only the compiler
// is passed --sources.
type javaStub struct {
	mu    sync.Mutex
	calls []toolchain.Command
}

func (s *javaStub) Run(_ context.Context, cmd toolchain.Command, onLine func(string)) error {
	s.mu.Lock()
	s.calls = append(s.calls, cmd)
	s.mu.Unlock()
	output := cmd.Args[len(cmd.Args)-1]
	sources := ""
	for i, arg := range cmd.Args[:len(cmd.Args)-1] {
		if arg == "--sources" {
			sources = cmd.Args[i+1]
		}
	}
	if sources == "" {
		onLine("[INFO] decompiling")
		return writeUnder(output, "src/Main.java", []byte(baselineSource))
	}
	src, err := os.ReadFile(filepath.Join(sources, "src", "Main.java"))
	if err != nil {
		return err
	}
	onLine("[INFO] BUILD SUCCESS")
	return writeUnder(output, "server.jar", append([]byte("compiled\n"), src...))
}

func writeUnder(dir, rel string, data []byte) error {
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func TestBuildWithToolchainClientCachesOutputs(t *testing.T) {
	h := newHarness(t)
	stub := &javaStub{}
	client, err := toolchain.New(h.cfg.Toolchain, toolchain.WithExecutor(stub))
	if err != nil {
		t.Fatalf("toolchain.New: %v", err)
	}
	h.rewire(t, func(d *pipeline.Dependencies) { d.Toolchain = client })

	outcome, err := h.coord.Build(context.Background(), pipeline.Request{Version: "1.0-demo"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(stub.calls) != 2 {
		t.Fatalf("toolchain calls = %d, want decompile and compile", len(stub.calls))
	}
	if len(outcome.Entry.Artifacts) != 1 || outcome.Entry.Artifacts[0].Name != "server.jar" {
		t.Fatalf("cached artifacts = %+v", outcome.Entry.Artifacts)
	}
	artifact := readArtifact(t, outcome.Entry)
	if !strings.Contains(artifact, `say("api");`) {
		t.Fatalf("artifact missing patched source:\n%s", artifact)
	}
	if _, ok, err := h.cache.Lookup(outcome.Entry.Key); err != nil || !ok {
		t.Fatalf("Lookup after build: ok=%v err=%v", ok, err)
	}
}

// rottingCache damages the stored artifacts before the first verification
// and notes whether the key was still reserved whenever an entry is dropped.
type rottingCache struct {
	*buildcache.Manager
	mu        sync.Mutex
	remaining int
	held      []bool
}

func (c *rottingCache) Verify(ctx context.Context, key buildcache.Key) error {
	c.mu.Lock()
	rot := c.remaining > 0
	if rot {
		c.remaining--
	}
	c.mu.Unlock()
	if rot {
		entry, ok, err := c.Manager.Lookup(key)
		if err != nil || !ok {
			return fmt.Errorf("lookup before rot: ok=%v err=%v", ok, err)
		}
		for _, a := range entry.Artifacts {
			if err := os.WriteFile(entry.ArtifactPath(a.Name), []byte("bit rot"), 0o644); err != nil {
				return err
			}
		}
	}
	return c.Manager.Verify(ctx, key)
}

func (c *rottingCache) Invalidate(ctx context.Context, key buildcache.Key) error {
	res, err := c.Manager.Reserve(key)
	held := errors.Is(err, buildcache.ErrBusy)
	if err == nil {
		res.Release()
	}
	c.mu.Lock()
	c.held = append(c.held, held)
	c.mu.Unlock()
	return c.Manager.Invalidate(ctx, key)
}

func TestCorruptCommitIsDroppedBeforeRerun(t *testing.T) {
	h := newHarness(t)
	cache := &rottingCache{Manager: h.cache, remaining: 1}
	h.rewire(t, func(d *pipeline.Dependencies) { d.Cache = cache })

	outcome, err := h.coord.Build(context.Background(), pipeline.Request{Version: "1.0-demo"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if outcome.Reruns != 1 {
		t.Fatalf("reruns = %d, want 1", outcome.Reruns)
	}
	if !slices.Equal(cache.held, []bool{true}) {
		t.Fatalf("invalidations (reserved at the time) = %v, want [true]", cache.held)
	}
	if _, compiles := h.tools.counts(); compiles != 2 {
		t.Fatalf("compiles = %d, want 2", compiles)
	}
	if artifact := readArtifact(t, outcome.Entry); !strings.HasPrefix(artifact, "compiled\n") {
		t.Fatalf("rerun stored damaged artifact %q", artifact)
	}
	if err := h.cache.Verify(context.Background(), outcome.Entry.Key); err != nil {
		t.Fatalf("Verify after rerun: %v", err)
	}
}
