package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeManifest()
	c.normalizeFetch()
	c.normalizePatches()
	c.normalizeToolchain()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.CacheDir) == "" {
		c.Paths.CacheDir = defaultCacheDir()
	}
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeManifest() {
	if value, ok := os.LookupEnv("ANVIL_MANIFEST_URL"); ok && strings.TrimSpace(value) != "" {
		c.Manifest.BaseURL = value
	}
	c.Manifest.BaseURL = strings.TrimRight(strings.TrimSpace(c.Manifest.BaseURL), "/")
	c.Manifest.PathTemplate = strings.TrimLeft(strings.TrimSpace(c.Manifest.PathTemplate), "/")
	if c.Manifest.PathTemplate == "" {
		c.Manifest.PathTemplate = defaultManifestPathTemplate
	}
}

func (c *Config) normalizeFetch() {
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = defaultUserAgent
	}
}

func (c *Config) normalizePatches() {
	if c.Patches.RepositoryURL == "" {
		if value, ok := os.LookupEnv("ANVIL_PATCH_REPOSITORY"); ok {
			c.Patches.RepositoryURL = value
		}
	}
	c.Patches.RepositoryURL = strings.TrimSpace(c.Patches.RepositoryURL)
	c.Patches.SearchOrder = strings.ToLower(strings.TrimSpace(c.Patches.SearchOrder))
	if c.Patches.SearchOrder == "" {
		c.Patches.SearchOrder = defaultSearchOrder
	}
	c.Patches.BaselineTree = strings.TrimSpace(c.Patches.BaselineTree)
	if c.Patches.BaselineTree == "" {
		c.Patches.BaselineTree = defaultBaselineTree
	}
	for i := range c.Patches.Layers {
		layer := &c.Patches.Layers[i]
		layer.Name = strings.TrimSpace(layer.Name)
		layer.Tree = strings.TrimSpace(layer.Tree)
		layer.Directory = strings.Trim(strings.TrimSpace(layer.Directory), "/")
		if layer.Tree == "" {
			layer.Tree = layer.Name
		}
	}
}

func (c *Config) normalizeToolchain() {
	c.Toolchain.DecompileCommand = strings.TrimSpace(c.Toolchain.DecompileCommand)
	c.Toolchain.CompileCommand = strings.TrimSpace(c.Toolchain.CompileCommand)
	c.Toolchain.JavaOptions = strings.TrimSpace(c.Toolchain.JavaOptions)
	c.Toolchain.MavenOptions = strings.TrimSpace(c.Toolchain.MavenOptions)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
