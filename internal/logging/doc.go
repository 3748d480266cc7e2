// Package logging assembles structured slog loggers and formatting helpers used
// across anvil.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so pipeline code can tag log
// lines with run IDs, versions, stages, and patch layers. TeeLogger lets a run
// capture its own log stream (for the cached build log) while still writing to
// the shared outputs. A no-op logger is provided for tests and wiring code that
// cannot fail.
package logging
