// Package config loads the converge configuration.
//
// Configuration lives in a single directory (default ~/.config/converge)
// containing config.yaml plus a targets/ subdirectory with one YAML file
// per registered target. Loading is defaults-first: a missing config.yaml
// is not an error, and any field absent from the file keeps its default.
package config
