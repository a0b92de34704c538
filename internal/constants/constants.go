// Package constants defines shared configuration constants.
package constants

var (
	ConfigFile = "config.yaml"

	DefaultDir = ".jnitrace"

	// ConfigDirEnv overrides the directory holding DefaultDir.
	ConfigDirEnv = "JNITRACE_CONFIG"

	// FallbackConfigDir is used when no home directory exists.
	FallbackConfigDir = "/tmp/jnitrace-fallback"
)
