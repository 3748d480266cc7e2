// Package config loads, normalizes, and validates anvil configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// ANVIL_MANIFEST_URL. The Config type centralizes every knob the pipeline and
// CLI need: the manifest endpoint, download concurrency and retry policy, patch
// layers and fuzz tolerance, toolchain command templates, and cache limits.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
