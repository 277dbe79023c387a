// Package engine implements the pull-based reconciliation loop at the heart
// of converge.
//
// # Overview
//
// For every registered target (a repository+revision+path bound to a
// destination), the engine repeatedly fetches the declared manifest set,
// observes the managed live objects at the destination, computes a
// structured diff, plans an ordered set of operations, and executes them —
// converging live state onto desired state and remediating drift.
//
// # Architecture
//
//   - Scheduler: drives the loop per target; owns the work queue, worker
//     pool, state machine and backoff
//   - Fetcher / Observer: thin components over the Source and Cluster
//     collaborators, with local retry of transient failures
//   - ComputeDiff: identity-keyed structural comparison honoring ignore rules
//   - BuildPlan: wave-ordered operations from a diff under a SyncPolicy
//   - Executor: wave-by-wave execution with retries, optional health gating
//     and barrier semantics
//
// # Concurrency
//
// A pool of workers processes targets; distinct targets reconcile fully in
// parallel while the queue's dedup discipline guarantees at most one active
// run per target, coalescing re-triggers into a single pending re-run.
// Snapshots, diffs and plans are immutable run-local values. In-flight runs
// cancel cooperatively when their target is deregistered or superseded.
//
// # Safety boundary
//
// Live objects not carrying the ownership marker label for the target are
// invisible to the engine: never diffed, never pruned.
package engine
