package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	WorkDir  string `toml:"work_dir"`
	CacheDir string `toml:"cache_dir"`
	LogDir   string `toml:"log_dir"`
}

// Manifest contains configuration for the version manifest endpoint.
type Manifest struct {
	BaseURL        string `toml:"base_url"`
	PathTemplate   string `toml:"path_template"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Fetch contains configuration for artifact downloads.
type Fetch struct {
	Concurrency           int     `toml:"concurrency"`
	RetryAttempts         int     `toml:"retry_attempts"`
	BackoffInitialMillis  int     `toml:"backoff_initial_ms"`
	BackoffMaxMillis      int     `toml:"backoff_max_ms"`
	BackoffMultiplier     float64 `toml:"backoff_multiplier"`
	RequestTimeoutSeconds int     `toml:"request_timeout_seconds"`
	UserAgent             string  `toml:"user_agent"`
}

// Layer describes one patch layer: which patch directory applies on top of the
// previous tree and which working tree receives the result.
type Layer struct {
	Name      string `toml:"name"`
	Tree      string `toml:"tree"`
	Directory string `toml:"directory"`
	// Fuzz overrides patches.fuzz for this layer when set (>= 0).
	Fuzz *int `toml:"fuzz"`
}

// Patches contains configuration for the patch repository and engine.
type Patches struct {
	RepositoryURL string  `toml:"repository_url"`
	Fuzz          int     `toml:"fuzz"`
	SearchOrder   string  `toml:"search_order"`
	Strip         int     `toml:"strip"`
	BaselineTree  string  `toml:"baseline_tree"`
	Layers        []Layer `toml:"layers"`
}

// Toolchain contains the external decompile/compile command templates.
type Toolchain struct {
	DecompileCommand string `toml:"decompile_command"`
	CompileCommand   string `toml:"compile_command"`
	JavaOptions      string `toml:"java_options"`
	MavenOptions     string `toml:"maven_options"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	MinMemoryMiB     int    `toml:"min_memory_mib"`
}

// Cache contains configuration for the build cache.
type Cache struct {
	MaxGiB     int `toml:"max_gib"`
	MaxReruns  int `toml:"max_reruns"`
	WaitPollMS int `toml:"wait_poll_ms"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for anvil.
//
// Configuration sections by subsystem:
//   - Paths: work, cache, and log directories
//   - Manifest: version manifest endpoint
//   - Fetch: download concurrency, retry, and timeout policy
//   - Patches: patch repository, fuzz tolerance, and layer chain
//   - Toolchain: decompiler and compiler/remapper invocation
//   - Cache: build cache limits and reservation polling
//   - Logging: log format and level
type Config struct {
	Paths     Paths     `toml:"paths"`
	Manifest  Manifest  `toml:"manifest"`
	Fetch     Fetch     `toml:"fetch"`
	Patches   Patches   `toml:"patches"`
	Toolchain Toolchain `toml:"toolchain"`
	Cache     Cache     `toml:"cache"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/anvil/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		// Array tables append to existing slices, so start the layer chain empty.
		cfg.Patches.Layers = nil
		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
		if len(cfg.Patches.Layers) == 0 {
			cfg.Patches.Layers = defaultLayers()
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("anvil.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the pipeline writes to.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.CacheDir, c.Paths.LogDir, c.TreesDir(), c.ArtifactsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// TreesDir returns the directory that holds the working trees.
func (c *Config) TreesDir() string {
	return filepath.Join(c.Paths.WorkDir, "trees")
}

// ArtifactsDir returns the directory verified downloads are stored in.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.Paths.WorkDir, "artifacts")
}

// StagingDir returns the scratch directory used for toolchain output.
func (c *Config) StagingDir() string {
	return filepath.Join(c.Paths.WorkDir, "staging")
}

// PatchRepositoryDir returns the checkout location of the patch repository.
func (c *Config) PatchRepositoryDir() string {
	return filepath.Join(c.Paths.WorkDir, "patches")
}

// HistoryPath returns the path of the run history database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Paths.LogDir, "history.db")
}

// RequestTimeout returns the per-request network timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Fetch.RequestTimeoutSeconds) * time.Second
}

// ManifestTimeout returns the manifest request timeout.
func (c *Config) ManifestTimeout() time.Duration {
	return time.Duration(c.Manifest.TimeoutSeconds) * time.Second
}

// ToolchainTimeout returns the maximum duration of one toolchain invocation.
// Zero disables the limit.
func (c *Config) ToolchainTimeout() time.Duration {
	return time.Duration(c.Toolchain.TimeoutSeconds) * time.Second
}

// LayerFuzz returns the effective fuzz tolerance for a layer.
func (c *Config) LayerFuzz(layer Layer) int {
	if layer.Fuzz != nil && *layer.Fuzz >= 0 {
		return *layer.Fuzz
	}
	return c.Patches.Fuzz
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultCacheDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "anvil", "builds")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "~/.cache/anvil/builds"
	}
	return filepath.Join(home, ".cache", "anvil", "builds")
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
