package abi

import (
	"fmt"

	"github.com/coral-mesh/jnitrace/internal/codegen"
	"github.com/coral-mesh/jnitrace/internal/jni/types"
)

// sequentialCursor walks a va_list that is a flat byte buffer. Each
// parameter occupies SizeOf(type) bytes with no alignment or promotion
// padding between them.
type sequentialCursor struct {
	base        uintptr
	off         uintptr
	params      []types.CallingType
	pointerSize int
	i           int
}

func (c *sequentialCursor) Next() (uintptr, error) {
	if c.i >= len(c.params) {
		return 0, ErrCursorExhausted
	}
	addr := c.base + c.off
	c.off += uintptr(types.SizeOf(c.params[c.i], c.pointerSize))
	c.i++
	return addr, nil
}

func (c *sequentialCursor) Close() {
	c.base, c.off, c.i = 0, 0, 0
	c.params = nil
}

// x86Marshaller covers ia32, where a va_list is a plain stack pointer.
type x86Marshaller struct{}

func (*x86Marshaller) Arch() Arch          { return IA32 }
func (*x86Marshaller) PointerSize() int    { return 4 }
func (*x86Marshaller) TrampolineSize() int { return regionPage }
func (*x86Marshaller) DataOffset() int     { return dataOffset }

func (*x86Marshaller) StubCode() []byte {
	w := codegen.NewIA32Writer(0)
	w.Ret()
	code, _ := w.Finish()
	return code
}

// Data area: dispatch pointer, then the saved return address. The slot is
// shared by every thread calling through this trampoline.
func (m *x86Marshaller) VariadicTrampoline(base, dispatch, _ uintptr) ([]byte, error) {
	dispatchSlot := base + dataOffset
	retSlot := dispatchSlot + 4

	w := codegen.NewIA32Writer(base)
	w.PopReg(codegen.EAX)
	w.StoreReg(retSlot, codegen.EAX)
	w.CallIndirect(dispatchSlot)
	w.CallReg(codegen.EAX)
	w.JmpIndirect(retSlot)

	code, err := w.Finish()
	if err != nil {
		return nil, err
	}
	return image(regionPage, code, dataOffset, dispatch, 4)
}

func (*x86Marshaller) PassThrough(_, realFn uintptr) uintptr { return realFn }

// The trampoline returns straight into the caller, so eax, edx and st0 all
// survive.
func (*x86Marshaller) SupportsVariadicReturn(types.CallingType) bool {
	return true
}

func (m *x86Marshaller) BeginExtraction(_ types.MemoryReader, handle uintptr, params []types.CallingType) (Cursor, error) {
	return &sequentialCursor{base: handle, params: params, pointerSize: 4}, nil
}

// armMarshaller covers 32-bit ARM (AAPCS, softfp), where a va_list is a
// pointer into the spilled argument area.
type armMarshaller struct{}

func (*armMarshaller) Arch() Arch          { return ARM }
func (*armMarshaller) PointerSize() int    { return 4 }
func (*armMarshaller) TrampolineSize() int { return regionPage }
func (*armMarshaller) DataOffset() int     { return dataOffset }

func (*armMarshaller) StubCode() []byte {
	w := codegen.NewARMWriter(0)
	w.PushLR()
	w.PopPC()
	code, _ := w.Finish()
	return code
}

// armHookPad is the number of leading nops left for the substrate to place
// its entry hook on.
const armHookPad = 4

// armPassThrough is the code offset of the pass-through entry.
const armPassThrough = 0x200

// Data area: dispatch pointer, r0-r3, lr, the intercepted function. The
// saved registers are per trampoline, not per thread.
const (
	armSlotR0   = 1
	armSlotLR   = 5
	armSlotReal = 6
)

func (m *armMarshaller) VariadicTrampoline(base, dispatch, realFn uintptr) ([]byte, error) {
	dispatchSlot := base + dataOffset
	slot := func(i int) uintptr { return dispatchSlot + uintptr(4*i) }

	w := codegen.NewARMWriter(base)
	for i := 0; i < armHookPad; i++ {
		w.Nop()
	}
	for i, r := range []codegen.ARMReg{codegen.R0, codegen.R1, codegen.R2, codegen.R3} {
		w.StrLiteral(r, slot(armSlotR0+i))
	}
	w.StrLiteral(codegen.LR, slot(armSlotLR))

	w.LdrLiteral(codegen.R0, dispatchSlot)
	w.Blx(codegen.R0)

	// r0 now holds the callback and is passed through as its first
	// argument; the callback replaces it with the real env.
	for i, r := range []codegen.ARMReg{codegen.R1, codegen.R2, codegen.R3} {
		w.LdrLiteral(r, slot(armSlotR0+1+i))
	}
	w.Blx(codegen.R0)

	w.LdrLiteral(codegen.R1, slot(armSlotLR))
	w.Bx(codegen.R1)

	code, err := w.Finish()
	if err != nil {
		return nil, err
	}
	if len(code) > armPassThrough {
		return nil, fmt.Errorf("arm trampoline code is %d bytes, overlapping the pass-through entry", len(code))
	}

	// Pass-through entry: put the caller's r0 back and tail call the real
	// function. r1-r3, sp and lr are still those the trampoline set up.
	p := codegen.NewARMWriter(base + armPassThrough)
	p.LdrLiteral(codegen.R0, slot(armSlotR0))
	p.LdrLiteral(codegen.IP, slot(armSlotReal))
	p.Bx(codegen.IP)
	stub, err := p.Finish()
	if err != nil {
		return nil, err
	}

	img, err := image(regionPage, code, dataOffset, dispatch, 4)
	if err != nil {
		return nil, err
	}
	copy(img[armPassThrough:], stub)
	putPointer(img[dataOffset+4*armSlotReal:], realFn, 4)
	return img, nil
}

func (*armMarshaller) PassThrough(base, _ uintptr) uintptr {
	return base + armPassThrough
}

// The return address is reloaded through r1, clobbering the upper half of
// any 64-bit result.
func (*armMarshaller) SupportsVariadicReturn(ct types.CallingType) bool {
	return ct != types.Int64 && ct != types.Double
}

func (m *armMarshaller) BeginExtraction(_ types.MemoryReader, handle uintptr, params []types.CallingType) (Cursor, error) {
	return &sequentialCursor{base: handle, params: params, pointerSize: 4}, nil
}
