// Package codegen emits the small machine-code sequences installed by the
// tracer: variadic trampolines and no-op stubs for ia32, x86-64, ARM (A32)
// and AArch64. Writers accumulate little-endian bytes for a region whose
// final load address is known up front, so pc-relative operands can be
// resolved while emitting.
package codegen

import (
	"encoding/binary"
	"fmt"
)

// buffer is the shared byte sink of every writer. The first encoding error is
// kept and reported by Finish, so call sites can emit a whole sequence before
// checking.
type buffer struct {
	base uintptr
	code []byte
	err  error
}

// PC returns the address of the next instruction.
func (b *buffer) PC() uintptr {
	return b.base + uintptr(len(b.code))
}

// Base returns the load address of the first byte.
func (b *buffer) Base() uintptr {
	return b.base
}

// Len returns the number of bytes emitted so far.
func (b *buffer) Len() int {
	return len(b.code)
}

// Finish returns the emitted bytes or the first encoding error.
func (b *buffer) Finish() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([]byte, len(b.code))
	copy(out, b.code)
	return out, nil
}

func (b *buffer) putU8(v ...byte) {
	b.code = append(b.code, v...)
}

func (b *buffer) putU32(v uint32) {
	b.code = binary.LittleEndian.AppendUint32(b.code, v)
}

func (b *buffer) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
}
