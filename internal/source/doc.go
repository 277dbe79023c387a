// Package source fetches desired state from git repositories.
//
// GitSource is the single implementation of the engine's source interface.
// It keeps one bare mirror per repository URL under a cache directory,
// refreshes it by fetching, and resolves revision references (branches,
// tags, commit hashes) to immutable commit hashes. Manifests are rendered
// straight from the commit tree, never from a checked-out worktree, so a
// render is a pure function of the commit: the same hash always yields the
// same objects.
package source
