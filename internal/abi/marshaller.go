// Package abi implements the per-architecture knowledge needed to intercept
// variadic JNI calls: the trampolines that divert a variadic entry into a
// dispatch callback, and the cursors that walk a platform va_list or a jvalue
// array to find each extra argument.
package abi

import (
	"errors"
	"fmt"

	"github.com/coral-mesh/jnitrace/internal/jni/types"
)

// ErrCursorExhausted is returned by Cursor.Next once every declared
// parameter has been visited.
var ErrCursorExhausted = errors.New("extraction cursor exhausted")

// Region geometry shared by every trampoline. Offsets are relative to the
// region base, which must be 4 KiB aligned.
const (
	regionPage = 0x1000
	dataOffset = 0x400
)

// Marshaller captures the calling-convention rules of one architecture.
// Implementations are stateless and safe for concurrent use; all per-call
// state lives in the Cursor returned by BeginExtraction.
type Marshaller interface {
	Arch() Arch
	PointerSize() int

	// StubCode returns a function body that returns immediately.
	StubCode() []byte

	// TrampolineSize is the size of the region VariadicTrampoline fills.
	TrampolineSize() int

	// DataOffset is the offset of the trampoline data area. The dispatch
	// callback pointer is stored at its start.
	DataOffset() int

	// VariadicTrampoline returns the full image of a trampoline region
	// loaded at base. The trampoline calls dispatch with the original
	// leading arguments, then calls the function dispatch returns with the
	// complete original register and stack state, and finally returns to
	// the original caller. realFn is the function the slot intercepts.
	//
	// The data area is a single fixed block per region, so simultaneous
	// variadic calls through the same slot on different threads overwrite
	// each other's saved registers and return address.
	VariadicTrampoline(base, dispatch, realFn uintptr) ([]byte, error)

	// PassThrough returns the address dispatch hands back to send a call
	// to realFn with every original argument, for the trampoline at base.
	PassThrough(base, realFn uintptr) uintptr

	// SupportsVariadicReturn reports whether a value of ct survives the
	// return path of the variadic trampoline.
	SupportsVariadicReturn(ct types.CallingType) bool

	// BeginExtraction opens a cursor over a va_list handle whose extra
	// arguments have the given calling types.
	BeginExtraction(mem types.MemoryReader, handle uintptr, params []types.CallingType) (Cursor, error)
}

// Cursor walks the extra arguments of a single call. It must not be shared
// between calls.
type Cursor interface {
	// Next returns the storage address of the next declared parameter.
	Next() (uintptr, error)
	// Close discards the cursor state.
	Close()
}

// New returns the marshaller for arch.
func New(arch Arch) (Marshaller, error) {
	switch arch {
	case IA32:
		return &x86Marshaller{}, nil
	case X64:
		return &x64Marshaller{}, nil
	case ARM:
		return &armMarshaller{}, nil
	case ARM64:
		return &arm64Marshaller{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedArch, string(arch))
	}
}

// BeginJValues opens a cursor over a jvalue array. Every jvalue is an 8 byte
// union on all architectures, so the layout does not depend on the ABI.
func BeginJValues(handle uintptr, params []types.CallingType) Cursor {
	return &strideCursor{base: handle, params: params, stride: jvalueSize}
}

const jvalueSize = 8

// strideCursor returns base + i*stride for the i-th parameter.
type strideCursor struct {
	base   uintptr
	params []types.CallingType
	stride int
	i      int
}

func (c *strideCursor) Next() (uintptr, error) {
	if c.i >= len(c.params) {
		return 0, ErrCursorExhausted
	}
	addr := c.base + uintptr(c.i*c.stride)
	c.i++
	return addr, nil
}

func (c *strideCursor) Close() {
	c.base = 0
	c.params = nil
	c.i = 0
}

// image lays out a zeroed region with code at offset zero and the dispatch
// pointer at dataOff.
func image(size int, code []byte, dataOff int, dispatch uintptr, pointerSize int) ([]byte, error) {
	if len(code) > dataOff {
		return nil, fmt.Errorf("trampoline code is %d bytes, overlapping data at 0x%x", len(code), dataOff)
	}
	out := make([]byte, size)
	copy(out, code)
	putPointer(out[dataOff:], dispatch, pointerSize)
	return out, nil
}

func putPointer(b []byte, p uintptr, pointerSize int) {
	for i := 0; i < pointerSize; i++ {
		b[i] = byte(uint64(p) >> (8 * i))
	}
}
