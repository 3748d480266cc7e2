package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Validate ensures the configuration contains usable values.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateManifest(); err != nil {
		return err
	}
	if err := c.validateFetch(); err != nil {
		return err
	}
	if err := c.validatePatches(); err != nil {
		return err
	}
	if err := c.validateToolchain(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.WorkDir == "" {
		return errors.New("paths.work_dir must be set")
	}
	if c.Paths.CacheDir == "" {
		return errors.New("paths.cache_dir must be set")
	}
	if c.Paths.LogDir == "" {
		return errors.New("paths.log_dir must be set")
	}
	if c.Paths.CacheDir == c.Paths.WorkDir {
		return errors.New("paths.cache_dir must differ from paths.work_dir")
	}
	return nil
}

func (c *Config) validateManifest() error {
	if c.Manifest.BaseURL == "" {
		return errors.New("manifest.base_url must be set (or ANVIL_MANIFEST_URL)")
	}
	parsed, err := url.Parse(c.Manifest.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("manifest.base_url %q is not an absolute URL", c.Manifest.BaseURL)
	}
	if !strings.Contains(c.Manifest.PathTemplate, "{version}") {
		return errors.New("manifest.path_template must contain {version}")
	}
	return ensurePositiveMap(map[string]int{
		"manifest.timeout_seconds": c.Manifest.TimeoutSeconds,
	})
}

func (c *Config) validateFetch() error {
	if err := ensurePositiveMap(map[string]int{
		"fetch.concurrency":             c.Fetch.Concurrency,
		"fetch.retry_attempts":          c.Fetch.RetryAttempts,
		"fetch.backoff_initial_ms":      c.Fetch.BackoffInitialMillis,
		"fetch.backoff_max_ms":          c.Fetch.BackoffMaxMillis,
		"fetch.request_timeout_seconds": c.Fetch.RequestTimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Fetch.BackoffMaxMillis < c.Fetch.BackoffInitialMillis {
		return errors.New("fetch.backoff_max_ms must be >= fetch.backoff_initial_ms")
	}
	if c.Fetch.BackoffMultiplier < 1 {
		return errors.New("fetch.backoff_multiplier must be >= 1")
	}
	return nil
}

func (c *Config) validatePatches() error {
	if c.Patches.Fuzz < 0 {
		return errors.New("patches.fuzz must be >= 0")
	}
	if c.Patches.Strip < 0 {
		return errors.New("patches.strip must be >= 0")
	}
	if !slices.Contains(SearchOrders, c.Patches.SearchOrder) {
		return fmt.Errorf("patches.search_order %q must be one of %s", c.Patches.SearchOrder, strings.Join(SearchOrders, ", "))
	}
	if len(c.Patches.Layers) == 0 {
		return errors.New("patches.layers must define at least one layer")
	}
	trees := map[string]struct{}{c.Patches.BaselineTree: {}}
	names := make(map[string]struct{}, len(c.Patches.Layers))
	for i, layer := range c.Patches.Layers {
		if layer.Name == "" {
			return fmt.Errorf("patches.layers[%d].name must be set", i)
		}
		if layer.Directory == "" {
			return fmt.Errorf("patches.layers[%d].directory must be set", i)
		}
		if _, dup := names[layer.Name]; dup {
			return fmt.Errorf("patches.layers[%d].name %q is duplicated", i, layer.Name)
		}
		names[layer.Name] = struct{}{}
		if _, dup := trees[layer.Tree]; dup {
			return fmt.Errorf("patches.layers[%d].tree %q is already used", i, layer.Tree)
		}
		trees[layer.Tree] = struct{}{}
	}
	return nil
}

func (c *Config) validateToolchain() error {
	if c.Toolchain.DecompileCommand == "" {
		return errors.New("toolchain.decompile_command must be set")
	}
	if c.Toolchain.CompileCommand == "" {
		return errors.New("toolchain.compile_command must be set")
	}
	if !strings.Contains(c.Toolchain.CompileCommand, "{output}") {
		return errors.New("toolchain.compile_command must contain {output}")
	}
	if !strings.Contains(c.Toolchain.DecompileCommand, "{output}") {
		return errors.New("toolchain.decompile_command must contain {output}")
	}
	if c.Toolchain.TimeoutSeconds < 0 {
		return errors.New("toolchain.timeout_seconds must be >= 0")
	}
	if c.Toolchain.MinMemoryMiB < 0 {
		return errors.New("toolchain.min_memory_mib must be >= 0")
	}
	return nil
}

func (c *Config) validateCache() error {
	if err := ensurePositiveMap(map[string]int{
		"cache.max_gib":      c.Cache.MaxGiB,
		"cache.wait_poll_ms": c.Cache.WaitPollMS,
	}); err != nil {
		return err
	}
	if c.Cache.MaxReruns < 0 {
		return errors.New("cache.max_reruns must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q must be console or json", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn, or error", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
