// Package buildcache stores finished build artifacts keyed by version and
// patch-set hash, so a repeated build with identical inputs skips every
// expensive stage.
//
// # Layout
//
// Each entry lives in <cache_dir>/<version>-<hash prefix>/ and holds the
// artifacts/ directory, an entry.json record (status, timestamps, source
// hashes, artifact digests) and the zstd-compressed build log. Entries are
// assembled in a hidden staging directory and published by rename, so readers
// never observe a partial entry. Replacing an entry whose content differs uses
// an atomic directory exchange where the platform supports it.
//
// # Writers
//
// At most one build owns a key at a time. Reserve takes an in-process claim
// plus a lock file, so concurrent runs in the same or different processes see
// ErrBusy and can wait with Acquire.
//
// # Size Management
//
// The cache enforces two constraints: a configurable size budget (max_gib)
// and a 20% free-space floor on the underlying volume. After each commit the
// oldest entries are pruned until headroom is restored. Manual pruning is
// available via `anvil cache prune`.
package buildcache
