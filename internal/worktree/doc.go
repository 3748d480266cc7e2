// Package worktree manages the named, ordered source trees the pipeline builds
// on: a decompiled baseline and one derived tree per patch layer.
//
// Each tree is a git working directory plus a small state file recording the
// revision it should be at and the basis (input digest plus patch hash) it was
// built from. A tree whose basis already matches is reused untouched. A tree
// whose working directory disagrees with its recorded revision is treated as
// corrupted and forcibly reset before use. History only ever grows: patching
// adds commits, nothing rewrites them.
package worktree
