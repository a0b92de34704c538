package config

import "github.com/coral-mesh/jnitrace/internal/constants"

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Version:   SchemaVersion,
		Libraries: []string{constants.FollowAllLibraries},
		Backtrace: constants.DefaultBacktrace,
		Env:       true,
		VM:        true,
		Logging: LoggingConfig{
			Level:  constants.DefaultLogLevel,
			Pretty: true,
		},
		Transport: TransportConfig{
			BufferSize: constants.DefaultBufferSize,
		},
	}
}
