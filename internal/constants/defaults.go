package constants

// Tracing - Default tracing settings.
const (
	// FollowAllLibraries in the library list follows every loaded library.
	FollowAllLibraries = "*"

	// DefaultBacktrace is the default backtrace mode.
	DefaultBacktrace = "accurate"
)

// Transport - Default record delivery settings.
const (
	// DefaultBufferSize is the number of records queued before dropping.
	DefaultBufferSize = 1024

	// DefaultLogLevel is the level of the diagnostic logger.
	DefaultLogLevel = "info"
)

// Files - Default file limits.
const (
	// MaxConfigFileSize bounds the size of a configuration file.
	MaxConfigFileSize = 1 << 20
)
