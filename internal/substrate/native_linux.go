//go:build linux

package substrate

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Local provides the process and code-writer parts of a Host for the
// current process. It only reads and writes memory it mapped itself.
type Local struct {
	mu      sync.Mutex
	regions [][]byte
	closed  bool
}

// NewLocal returns a Local for the running process.
func NewLocal() (*Local, error) {
	return &Local{}, nil
}

// Arch returns the Go name of the host architecture.
func (l *Local) Arch() string { return runtime.GOARCH }

func (l *Local) PointerSize() int     { return int(unsafe.Sizeof(uintptr(0))) }
func (l *Local) PageSize() int        { return unix.Getpagesize() }
func (l *Local) CurrentThreadID() int { return unix.Gettid() }

// Alloc maps read-write memory.
func (l *Local) Alloc(size int) (uintptr, error) {
	return l.mmap(size, unix.PROT_READ|unix.PROT_WRITE)
}

// AllocExecutable maps memory that is readable, writable and executable.
// Some kernels refuse RWX mappings; the region is then mapped read-write and
// switched with mprotect.
func (l *Local) AllocExecutable(size int) (uintptr, error) {
	addr, err := l.mmap(size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
	if err == nil {
		return addr, nil
	}
	addr, err = l.mmap(size, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return 0, err
	}
	region, _ := l.region(addr, 1)
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return 0, fmt.Errorf("failed to make region executable: %w", err)
	}
	return addr, nil
}

func (l *Local) mmap(size, prot int) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("invalid mapping size %d", size)
	}
	page := unix.Getpagesize()
	size = (size + page - 1) &^ (page - 1)

	b, err := unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.regions = append(l.regions, b)
	return uintptr(unsafe.Pointer(&b[0])), nil
}

// region returns the mapping containing [addr, addr+n).
func (l *Local) region(addr uintptr, n int) ([]byte, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.regions {
		base := uintptr(unsafe.Pointer(&r[0]))
		if addr >= base && addr+uintptr(n) <= base+uintptr(len(r)) {
			return r, int(addr - base)
		}
	}
	return nil, 0
}

func (l *Local) Read(addr uintptr, n int) ([]byte, error) {
	r, off := l.region(addr, n)
	if r == nil {
		return nil, fmt.Errorf("address 0x%x is not in a local mapping", addr)
	}
	out := make([]byte, n)
	copy(out, r[off:off+n])
	return out, nil
}

func (l *Local) Write(addr uintptr, b []byte) error {
	r, off := l.region(addr, len(b))
	if r == nil {
		return fmt.Errorf("address 0x%x is not in a local mapping", addr)
	}
	copy(r[off:], b)
	return nil
}

func (l *Local) ReadCString(addr uintptr) (string, error) {
	r, off := l.region(addr, 1)
	if r == nil {
		return "", fmt.Errorf("address 0x%x is not in a local mapping", addr)
	}
	for i := off; i < len(r); i++ {
		if r[i] == 0 {
			return string(r[off:i]), nil
		}
	}
	return "", fmt.Errorf("unterminated string at 0x%x", addr)
}

// PatchCode copies code into a region returned by AllocExecutable.
func (l *Local) PatchCode(addr uintptr, code []byte) error {
	return l.Write(addr, code)
}

// Close unmaps every region.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	for _, r := range l.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, err)
		}
	}
	l.regions = nil
	return errors.Join(errs...)
}
