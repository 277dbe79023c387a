package config

import (
	"time"

	"converge/internal/engine"
)

// ConvergeConfig is the top-level configuration structure for converge.
type ConvergeConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Source    SourceConfig    `yaml:"source"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig defines the configuration for the HTTP API endpoint.
type ServerConfig struct {
	Port int    `yaml:"port,omitempty"` // Port for the API endpoint (default: 8484)
	Host string `yaml:"host,omitempty"` // Host to bind to (default: localhost)
}

// SourceConfig defines how desired state is fetched from repositories.
type SourceConfig struct {
	CacheDir string `yaml:"cacheDir,omitempty"` // Directory for repository mirrors (default: <config>/repos)
}

// ClusterConfig defines how destination clusters are reached.
type ClusterConfig struct {
	Kubeconfig string `yaml:"kubeconfig,omitempty"` // Kubeconfig path; empty uses default loading rules
}

// SchedulerConfig tunes the reconciliation loop.
type SchedulerConfig struct {
	Workers        int           `yaml:"workers,omitempty"`        // Concurrent reconciliation workers (default: 2)
	FetchTimeout   time.Duration `yaml:"fetchTimeout,omitempty"`   // Bounds the desired-state fetch per run (default: 1m)
	ObserveTimeout time.Duration `yaml:"observeTimeout,omitempty"` // Bounds the live-state observation per run (default: 30s)
	SyncTimeout    time.Duration `yaml:"syncTimeout,omitempty"`    // Bounds sync execution per run (default: 5m)
	BaseBackoff    time.Duration `yaml:"baseBackoff,omitempty"`    // First retry delay after a failed run (default: 2s)
	MaxBackoff     time.Duration `yaml:"maxBackoff,omitempty"`     // Backoff ceiling (default: 3m)
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // debug, info, warn or error (default: info)
}

// DefaultsConfig supplies values for targets that leave them unset.
type DefaultsConfig struct {
	Interval time.Duration      `yaml:"interval,omitempty"` // Reconciliation interval (default: 3m)
	Policy   *engine.SyncPolicy `yaml:"policy,omitempty"`   // Sync policy applied when a target declares none
}

// GetDefaultConfig returns the default configuration for converge.
func GetDefaultConfig() ConvergeConfig {
	return ConvergeConfig{
		Server: ServerConfig{
			Port: 8484,
			Host: "localhost",
		},
		Scheduler: SchedulerConfig{
			Workers:        2,
			FetchTimeout:   time.Minute,
			ObserveTimeout: 30 * time.Second,
			SyncTimeout:    5 * time.Minute,
			BaseBackoff:    2 * time.Second,
			MaxBackoff:     3 * time.Minute,
		},
		Defaults: DefaultsConfig{
			Interval: 3 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
