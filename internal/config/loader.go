package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"converge/internal/engine"
	"converge/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/converge"
	configFileName = "config.yaml"

	// TargetsDirName is the subdirectory of the config path that holds one
	// YAML file per registered target.
	TargetsDirName = "targets"
	reposDirName   = "repos"
)

func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}

	return filepath.Join(homeDir, userConfigDir)
}

// LoadConfig loads configuration from a single specified directory.
// The directory should contain config.yaml and a targets/ subdirectory.
// Values not present in the file keep their defaults.
func LoadConfig(configPath string) (ConvergeConfig, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := GetDefaultConfig()
	if config.Source.CacheDir == "" {
		config.Source.CacheDir = filepath.Join(configPath, reposDirName)
	}

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			return config, nil
		}
		logging.Info("ConfigLoader", "Error loading config.yaml from %s: %s", configFilePath, err)
		return ConvergeConfig{}, err
	}
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		// config malformed
		return ConvergeConfig{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}
	if config.Source.CacheDir == "" {
		config.Source.CacheDir = filepath.Join(configPath, reposDirName)
	}
	logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return config, nil
}

// TargetsDir returns the directory holding target definition files.
func TargetsDir(configPath string) string {
	return filepath.Join(configPath, TargetsDirName)
}

// ApplyTargetDefaults fills a target's unset interval and policy from the
// configured defaults.
func (c ConvergeConfig) ApplyTargetDefaults(target engine.Target) engine.Target {
	if target.Interval <= 0 {
		target.Interval = c.Defaults.Interval
	}
	if c.Defaults.Policy != nil && reflect.DeepEqual(target.Policy, engine.SyncPolicy{}) {
		target.Policy = *c.Defaults.Policy
	}
	return target
}
