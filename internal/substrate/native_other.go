//go:build !linux

package substrate

import (
	"errors"
	"runtime"
)

// Local is only available on Linux.
type Local struct{}

// NewLocal reports that local executable memory is not supported.
func NewLocal() (*Local, error) {
	return nil, errors.New("local executable memory is not supported on " + runtime.GOOS)
}

func (l *Local) Arch() string                         { return runtime.GOARCH }
func (l *Local) PointerSize() int                     { return 0 }
func (l *Local) PageSize() int                        { return 0 }
func (l *Local) CurrentThreadID() int                 { return 0 }
func (l *Local) Alloc(int) (uintptr, error)           { return 0, errors.ErrUnsupported }
func (l *Local) AllocExecutable(int) (uintptr, error) { return 0, errors.ErrUnsupported }
func (l *Local) Read(uintptr, int) ([]byte, error)    { return nil, errors.ErrUnsupported }
func (l *Local) Write(uintptr, []byte) error          { return errors.ErrUnsupported }
func (l *Local) ReadCString(uintptr) (string, error)  { return "", errors.ErrUnsupported }
func (l *Local) PatchCode(uintptr, []byte) error      { return errors.ErrUnsupported }
func (l *Local) Close() error                         { return nil }
