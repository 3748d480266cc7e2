// Package services defines shared utilities consumed by the pipeline stages
// and the external tool integrations beneath it.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, version tags, stage names, and patch
//     layers for logging and tracing.
//   - Structured error markers plus the Wrap helper so every failure carries
//     its taxonomy (manifest, fetch, digest, tree, patch, compile, cache) and
//     can be classified as retryable or fatal with errors.Is.
//
// Subpackages wrap the external collaborators (git, the decompile/compile
// toolchain) behind interfaces that tests can substitute.
package services
