package abi

import (
	"fmt"

	"github.com/coral-mesh/jnitrace/internal/codegen"
	"github.com/coral-mesh/jnitrace/internal/jni/types"
)

// AAPCS64 va_list:
//
//	struct { void *stack; void *gr_top; void *vr_top; int gr_offs; int vr_offs; }
const (
	a64Stack  = 0
	a64GRTop  = 8
	a64VRTop  = 16
	a64GROffs = 24
	a64VROffs = 28

	a64GRSlot  = 8
	a64VRSlot  = 16
	a64MaxGR   = 4
	a64MaxVR   = 8
	a64StackSz = 8
)

// Trampoline data area, relative to the region base. Registers are saved to
// fixed slots, so two threads inside the same trampoline clobber each
// other's x30.
const (
	a64XSave   = dataOffset + 8     // x0..x30
	a64QSave   = dataOffset + 0x100 // q0..q7, 16 byte aligned
	a64NumX    = 31
	a64NumQ    = 8
	a64LinkReg = 30
)

type arm64Marshaller struct{}

func (*arm64Marshaller) Arch() Arch          { return ARM64 }
func (*arm64Marshaller) PointerSize() int    { return 8 }
func (*arm64Marshaller) TrampolineSize() int { return regionPage }
func (*arm64Marshaller) DataOffset() int     { return dataOffset }

func (*arm64Marshaller) StubCode() []byte {
	w := codegen.NewARM64Writer(0)
	w.Ret()
	code, _ := w.Finish()
	return code
}

// The data area is addressed through x16, loaded with adrp from the
// trampoline's own page. x16 and x17 are the intra-procedure-call scratch
// registers, so neither needs restoring.
func (m *arm64Marshaller) VariadicTrampoline(base, dispatch, _ uintptr) ([]byte, error) {
	if !codegen.PageAligned(base) {
		return nil, fmt.Errorf("arm64 trampoline base 0x%x is not 4 KiB aligned", base)
	}

	w := codegen.NewARM64Writer(base)

	w.AdrpSelf(codegen.X16)
	for i := 0; i < a64NumX; i++ {
		w.StrX(codegen.XReg(i), codegen.X16, a64XSave+8*i)
	}
	for i := 0; i < a64NumQ; i++ {
		w.StrQ(codegen.QReg(i), codegen.X16, a64QSave+16*i)
	}

	w.LdrX(codegen.X17, codegen.X16, dataOffset)
	w.Blr(codegen.X17)
	w.MovX(codegen.X17, codegen.X0)

	w.AdrpSelf(codegen.X16)
	for i := 0; i < a64NumQ; i++ {
		w.LdrQ(codegen.QReg(i), codegen.X16, a64QSave+16*i)
	}
	for i := 0; i < a64LinkReg; i++ {
		if i == int(codegen.X16) || i == int(codegen.X17) {
			continue
		}
		w.LdrX(codegen.XReg(i), codegen.X16, a64XSave+8*i)
	}
	w.Blr(codegen.X17)

	w.AdrpSelf(codegen.X16)
	w.LdrX(codegen.X30, codegen.X16, a64XSave+8*a64LinkReg)
	w.Ret()

	code, err := w.Finish()
	if err != nil {
		return nil, err
	}
	return image(regionPage, code, dataOffset, dispatch, 8)
}

func (*arm64Marshaller) PassThrough(_, realFn uintptr) uintptr { return realFn }

func (*arm64Marshaller) SupportsVariadicReturn(types.CallingType) bool {
	return true
}

func (m *arm64Marshaller) BeginExtraction(mem types.MemoryReader, handle uintptr, params []types.CallingType) (Cursor, error) {
	stack, err := types.ReadPointer(mem, handle+a64Stack, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to read va_list stack: %w", err)
	}
	grTop, err := types.ReadPointer(mem, handle+a64GRTop, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to read va_list gr_top: %w", err)
	}
	vrTop, err := types.ReadPointer(mem, handle+a64VRTop, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to read va_list vr_top: %w", err)
	}
	grOffs, err := types.ReadValue(mem, handle+a64GROffs, types.Int, 8, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read va_list gr_offs: %w", err)
	}
	vrOffs, err := types.ReadValue(mem, handle+a64VROffs, types.Int, 8, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read va_list vr_offs: %w", err)
	}

	return &arm64Cursor{
		stack:  stack,
		grTop:  grTop,
		vrTop:  vrTop,
		grOffs: grOffs.Int64(),
		vrOffs: vrOffs.Int64(),
		params: params,
	}, nil
}

// arm64Cursor draws the first four integers from the general register save
// area and the first eight floats from the vector save area. Anything past
// either limit is read from the stack, which both classes share.
type arm64Cursor struct {
	stack          uintptr
	grTop, vrTop   uintptr
	grOffs, vrOffs int64
	grIndex        int
	vrIndex        int
	stackIndex     int
	params         []types.CallingType
	i              int
}

func (c *arm64Cursor) Next() (uintptr, error) {
	if c.i >= len(c.params) {
		return 0, ErrCursorExhausted
	}
	ct := c.params[c.i]
	c.i++

	if ct.IsFloating() {
		if c.vrIndex < a64MaxVR {
			addr := offset(c.vrTop, c.vrOffs+int64(c.vrIndex*a64VRSlot))
			c.vrIndex++
			return addr, nil
		}
		return c.nextStack(), nil
	}

	if c.grIndex < a64MaxGR {
		addr := offset(c.grTop, c.grOffs+int64(c.grIndex*a64GRSlot))
		c.grIndex++
		return addr, nil
	}
	return c.nextStack(), nil
}

func (c *arm64Cursor) nextStack() uintptr {
	addr := c.stack + uintptr(c.stackIndex*a64StackSz)
	c.stackIndex++
	return addr
}

func (c *arm64Cursor) Close() {
	*c = arm64Cursor{}
}

// offset applies a signed displacement to an address.
func offset(base uintptr, delta int64) uintptr {
	return uintptr(int64(base) + delta)
}
