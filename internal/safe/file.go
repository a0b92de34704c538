package safe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// DefaultMaxFileSize is the default maximum file size for safe file operations (1MB).
const DefaultMaxFileSize = 1 << 20

// FileOptions configures ReadFile and CreateFile.
type FileOptions struct {
	// MaxSize is the maximum allowed file size in bytes. Zero means DefaultMaxFileSize.
	MaxSize int64
	// Perm is the permission mode of created files. Zero means 0600.
	Perm os.FileMode
	// AllowSymlinks allows paths that are symlinks. Default is false.
	AllowSymlinks bool
}

func (o *FileOptions) maxSize() int64 {
	if o == nil || o.MaxSize == 0 {
		return DefaultMaxFileSize
	}
	return o.MaxSize
}

func (o *FileOptions) perm() os.FileMode {
	if o == nil || o.Perm == 0 {
		return 0o600
	}
	return o.Perm
}

func (o *FileOptions) allowSymlinks() bool {
	return o != nil && o.AllowSymlinks
}

// ReadFile reads a file with security validations.
// It rejects symlinks by default to prevent file inclusion attacks,
// validates file size, and ensures only regular files are read.
func ReadFile(path string, opts *FileOptions) ([]byte, error) {
	cleanPath := filepath.Clean(path)

	// Check file info without following symlinks.
	info, err := os.Lstat(cleanPath)
	if err != nil {
		return nil, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if !opts.allowSymlinks() {
			return nil, fmt.Errorf("file %q is a symlink, which is not allowed for security reasons", path)
		}
		info, err = os.Stat(cleanPath)
		if err != nil {
			return nil, err
		}
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("path %q is not a regular file", path)
	}

	// Check file size to prevent resource exhaustion.
	if maxSize := opts.maxSize(); info.Size() > maxSize {
		return nil, fmt.Errorf("file exceeds maximum allowed size of %d bytes", maxSize)
	}

	return os.ReadFile(cleanPath)
}

// CreateFile opens path for appending, creating it if needed. An existing
// path must be a regular file, and symlinks are rejected unless allowed.
// MaxSize does not apply.
func CreateFile(path string, opts *FileOptions) (*os.File, error) {
	cleanPath := filepath.Clean(path)

	info, err := os.Lstat(cleanPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	case info.Mode()&os.ModeSymlink != 0 && !opts.allowSymlinks():
		return nil, fmt.Errorf("file %q is a symlink, which is not allowed for security reasons", path)
	case info.Mode()&os.ModeSymlink == 0 && !info.Mode().IsRegular():
		return nil, fmt.Errorf("path %q is not a regular file", path)
	}

	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o700); err != nil {
		return nil, err
	}

	// #nosec G304 - the path has been validated above.
	return os.OpenFile(cleanPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, opts.perm())
}

// Close closes gracefully a Closer interface, handling and logging the error.
func Close(c io.Closer, logger zerolog.Logger, msg string) {
	if err := c.Close(); err != nil {
		logger.Error().Err(err).Msg(msg)
	}
}
