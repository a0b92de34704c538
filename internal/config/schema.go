package config

// SchemaVersion is the current configuration schema version.
const SchemaVersion = "1"

// Config is the jnitrace configuration file (~/.jnitrace/config.yaml).
//
// Each field can be overridden with the environment variable named in its
// env tag. List values in the environment are comma separated.
type Config struct {
	Version string `yaml:"version"`

	// Libraries selects the libraries whose JNI usage is traced. "*" alone
	// traces every library; otherwise entries match substrings of the
	// library path.
	Libraries []string `yaml:"libraries" env:"JNITRACE_LIBRARIES"`

	// Backtrace is one of accurate, fuzzy or none.
	Backtrace string `yaml:"backtrace" env:"JNITRACE_BACKTRACE"`

	// ShowData captures the buffers behind array and string arguments.
	ShowData bool `yaml:"show_data" env:"JNITRACE_SHOW_DATA"`

	// Include and Exclude are regular expressions matched against JNI
	// method names.
	Include []string `yaml:"include,omitempty" env:"JNITRACE_INCLUDE"`
	Exclude []string `yaml:"exclude,omitempty" env:"JNITRACE_EXCLUDE"`

	// IncludeExport and ExcludeExport filter native methods by substrings
	// of their symbol, or of name plus signature for RegisterNatives.
	IncludeExport []string `yaml:"include_export,omitempty" env:"JNITRACE_INCLUDE_EXPORT"`
	ExcludeExport []string `yaml:"exclude_export,omitempty" env:"JNITRACE_EXCLUDE_EXPORT"`

	// Env and VM toggle reporting of JNIEnv and JavaVM calls.
	Env bool `yaml:"env" env:"JNITRACE_ENV"`
	VM  bool `yaml:"vm" env:"JNITRACE_VM"`

	Logging   LoggingConfig   `yaml:"logging"`
	Transport TransportConfig `yaml:"transport"`
}

// LoggingConfig configures the diagnostic logger. Trace records are
// written by the transport, not through this logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"JNITRACE_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"JNITRACE_LOG_PRETTY"`
}

// TransportConfig configures record delivery.
type TransportConfig struct {
	// BufferSize is the number of records queued before new ones are
	// dropped.
	BufferSize int `yaml:"buffer_size" env:"JNITRACE_BUFFER_SIZE"`
	// Output is a file that receives records as JSON lines. Empty means
	// standard output.
	Output string `yaml:"output,omitempty" env:"JNITRACE_OUTPUT"`
}
