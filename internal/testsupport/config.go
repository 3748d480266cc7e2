package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"anvil/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Paths.CacheDir = filepath.Join(base, "cache")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Manifest.BaseURL = "http://127.0.0.1:0/versions"
	cfgVal.Fetch.BackoffInitialMillis = 1
	cfgVal.Fetch.BackoffMaxMillis = 5
	cfgVal.Cache.WaitPollMS = 10

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithManifestURL points the resolver at a test server.
func WithManifestURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Manifest.BaseURL = url
	}
}

// WithRepositoryURL sets the patch repository remote.
func WithRepositoryURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Patches.RepositoryURL = url
	}
}

// WithLayers replaces the patch layer chain.
func WithLayers(layers ...config.Layer) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Patches.Layers = append([]config.Layer(nil), layers...)
	}
}

// WithFuzz sets the default fuzz tolerance.
func WithFuzz(fuzz int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Patches.Fuzz = fuzz
	}
}

// WithCacheBudget sets the cache size limit in GiB.
func WithCacheBudget(gib int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Cache.MaxGiB = gib
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the binaries of the default
// toolchain commands are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"java"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.WorkDir)
}
