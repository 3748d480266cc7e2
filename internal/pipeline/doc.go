// Package pipeline coordinates one build of a version end to end.
//
// A Coordinator drives the run through Resolving, Fetching, one Patching step
// per configured layer, Compiling and Caching, in that order and never
// backwards. Any stage can fail the run; the failure is reported as a
// *StageError naming the stage. Before resolving, the coordinator consults the
// run history: when the version's last resolution is still cached the build
// completes without touching the network.
//
// Observers receive every state transition and are the hook the CLI uses to
// render progress.
package pipeline
