// Package app bootstraps and runs the converge server.
//
// It follows a two-phase pattern: NewApplication loads configuration and
// constructs the target store, git source, cluster client, scheduler and
// HTTP API; Run registers persisted targets, starts everything, and blocks
// until the context is cancelled. Target definition files are watched while
// running, so edits on disk take effect without a restart.
package app
