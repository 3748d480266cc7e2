// Package manifest resolves a version tag into the immutable description of
// what to build: the upstream artifacts with their declared digests, the patch
// repository revision, and which artifact carries the mappings.
//
// The Resolver is a pure function of (endpoint, tag). It never writes to disk
// and never records anything; callers decide what to remember.
package manifest
