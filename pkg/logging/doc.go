// Package logging provides structured, subsystem-tagged logging for converge.
//
// The package is a thin wrapper around Go's standard slog package. Every log
// entry carries a subsystem identifier (for example "Scheduler", "Source",
// "Cluster") so that output can be filtered per component.
//
// Usage:
//
//	logging.Init(logging.LevelInfo, os.Stdout)
//
//	logging.Info("Scheduler", "Started with %d workers", workers)
//	logging.Error("Source", err, "Fetch failed for target %s", name)
//
// Level filtering happens at the handler, so messages below the configured
// level incur no formatting cost.
package logging
