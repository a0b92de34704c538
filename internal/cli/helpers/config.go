package helpers

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coral-mesh/jnitrace/internal/config"
	"github.com/coral-mesh/jnitrace/internal/logging"
)

// ConfigFlag is the persistent flag naming an explicit configuration file.
const ConfigFlag = "config"

// LoadConfig loads the file named by --config, or the default configuration
// file when the flag is empty.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path := flagValue(cmd.Flag(ConfigFlag)); path != "" {
		return config.LoadFile(path)
	}
	return config.NewLoader().Load()
}

// Logger builds the diagnostic logger for cmd from a configuration. A
// --log-level flag overrides the configured level.
func Logger(cmd *cobra.Command, cfg *config.Config) zerolog.Logger {
	lc := logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	}
	if f := cmd.Flag("log-level"); f != nil && f.Changed {
		lc.Level = flagValue(f)
	}
	return logging.NewWithComponent(lc, cmd.Name())
}

func flagValue(f *pflag.Flag) string {
	if f == nil {
		return ""
	}
	return f.Value.String()
}
