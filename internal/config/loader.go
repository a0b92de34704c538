// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/jnitrace/internal/constants"
	"github.com/coral-mesh/jnitrace/internal/privilege"
	"github.com/coral-mesh/jnitrace/internal/safe"
)

// Loader handles loading and saving the configuration file.
type Loader struct {
	homeDir string
}

// NewLoader creates a new config loader.
// The base directory is resolved in this order:
//  1. JNITRACE_CONFIG environment variable.
//  2. User home directory (~/).
//  3. /tmp/jnitrace-fallback (devices and containers without a home dir).
//
// Without a config file, Load returns defaults with env var overrides applied.
func NewLoader() *Loader {
	if baseDir := os.Getenv(constants.ConfigDirEnv); baseDir != "" {
		return &Loader{homeDir: baseDir}
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		return &Loader{homeDir: homeDir}
	}

	return &Loader{homeDir: constants.FallbackConfigDir}
}

// ConfigPath returns the path to the config file.
func (l *Loader) ConfigPath() string {
	return filepath.Join(l.homeDir, constants.DefaultDir, constants.ConfigFile)
}

// Load loads the configuration file, or defaults when it doesn't exist, and
// applies environment variable overrides.
func (l *Loader) Load() (*Config, error) {
	path := l.ConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := LoadFromEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to load environment variables: %w", err)
		}
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile loads a configuration file. Values missing from the file keep
// their defaults, and environment variables override both.
func LoadFile(path string) (*Config, error) {
	data, err := safe.ReadFile(path, &safe.FileOptions{MaxSize: constants.MaxConfigFileSize})
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration file.
func (l *Loader) Save(cfg *Config) error {
	path := l.ConfigPath()

	//nolint:gosec // G301: Directory needs standard permissions for traversal
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	fixOwnership(dir)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fixOwnership(path)
	return nil
}

// fixOwnership keeps files written under sudo owned by the invoking user.
func fixOwnership(path string) {
	if err := privilege.FixFileOwnership(path); err != nil {
		log.Printf("warning: failed to fix ownership of %s: %v", path, err)
	}
}
