// Package patch parses unified diffs and applies ordered patch sets to a
// working tree.
//
// Application is all-or-nothing. Every file of a set is patched in memory
// first, later files seeing the output of earlier ones; only when every hunk
// of every file has been placed are the results written and committed. Hunks
// are located near their nominal line, tolerating a bounded drift (the fuzz
// tolerance) searched in a configurable order. A failure yields a
// ConflictError naming every failing file and hunk.
package patch
