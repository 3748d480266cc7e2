// Package history persists build runs and version resolutions in SQLite.
//
// A resolution remembers which patch revision and patch-set hash a version
// last resolved to; the pipeline uses it to answer a repeated build from the
// cache without touching the network. Runs record every build attempt with
// its outcome, the stage it stopped in and the error kind, for `anvil
// history`.
package history
