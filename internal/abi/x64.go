package abi

import (
	"fmt"

	"github.com/coral-mesh/jnitrace/internal/codegen"
	"github.com/coral-mesh/jnitrace/internal/jni/types"
)

// System V x86-64 va_list:
//
//	struct { u32 gp_offset; u32 fp_offset; void *overflow_arg_area; void *reg_save_area; }
const (
	x64GPOffset     = 0
	x64FPOffset     = 4
	x64OverflowArea = 8
	x64RegSaveArea  = 16

	x64GPSlot   = 8
	x64FPSlot   = 16
	x64MaxGP    = 2
	x64MaxFP    = 14
	x64Overflow = 8
)

// x64Spill lists every register preserved across the dispatch call, in
// data-area slot order. rdi comes first because it carries the chain.
var x64Spill = []x64Reg{
	gpr(codegen.RDI), gpr(codegen.RSI), gpr(codegen.RDX), gpr(codegen.RCX),
	gpr(codegen.R8), gpr(codegen.R9), gpr(codegen.RAX), gpr(codegen.RBX),
	gpr(codegen.R10), gpr(codegen.R11), gpr(codegen.R12), gpr(codegen.R13),
	gpr(codegen.R14), gpr(codegen.R15),
	xmm(0), xmm(1), xmm(2), xmm(3), xmm(4), xmm(5), xmm(6), xmm(7),
}

type x64Reg struct {
	gpr   codegen.X86Reg
	xmm   codegen.XMM
	isXMM bool
}

func gpr(r codegen.X86Reg) x64Reg { return x64Reg{gpr: r} }
func xmm(x codegen.XMM) x64Reg    { return x64Reg{xmm: x, isXMM: true} }

// Data area layout, in 8 byte slots from the start of the second page.
// There is one data area per trampoline: concurrent calls through the same
// slot share it, and the last writer's return address wins.
const (
	x64SlotDispatch = 0
	x64SlotSpill    = 1
	x64SlotRet      = x64SlotSpill + 22
	x64SlotCallback = x64SlotRet + 1
	x64SlotRDI      = x64SlotCallback + 1
	x64SlotR13      = x64SlotRDI + 1
)

type x64Marshaller struct{}

func (*x64Marshaller) Arch() Arch          { return X64 }
func (*x64Marshaller) PointerSize() int    { return 8 }
func (*x64Marshaller) TrampolineSize() int { return 2 * regionPage }
func (*x64Marshaller) DataOffset() int     { return regionPage }

func (*x64Marshaller) StubCode() []byte {
	w := codegen.NewX64Writer(0)
	w.Ret()
	code, _ := w.Finish()
	return code
}

// The trampoline leaves every argument register as the caller set it, so
// the real function is called directly.
func (*x64Marshaller) PassThrough(_, realFn uintptr) uintptr { return realFn }

func (m *x64Marshaller) VariadicTrampoline(base, dispatch, _ uintptr) ([]byte, error) {
	data := base + regionPage
	slot := func(i int) uintptr { return data + uintptr(8*i) }

	w := codegen.NewX64Writer(base)

	// Spill everything through rdi: store rdi, then move the next register
	// into it.
	for i := range x64Spill {
		w.StoreReg(slot(x64SlotSpill+i), codegen.RDI)
		if i+1 == len(x64Spill) {
			break
		}
		next := x64Spill[i+1]
		if next.isXMM {
			w.MovqFromXMM(codegen.RDI, next.xmm)
		} else {
			w.MovRegReg(codegen.RDI, next.gpr)
		}
	}

	w.PopReg(codegen.RDI)
	w.StoreReg(slot(x64SlotRet), codegen.RDI)

	w.CallIndirect(slot(x64SlotDispatch))
	w.StoreReg(slot(x64SlotCallback), codegen.RAX)

	for i := len(x64Spill) - 1; i >= 0; i-- {
		w.LoadReg(codegen.RDI, slot(x64SlotSpill+i))
		if i == 0 {
			break
		}
		r := x64Spill[i]
		if r.isXMM {
			w.MovqToXMM(r.xmm, codegen.RDI)
		} else {
			w.MovRegReg(r.gpr, codegen.RDI)
		}
	}

	// Every argument register is live again, so borrow r13 to hold the
	// callback and put it back afterwards.
	w.StoreReg(slot(x64SlotRDI), codegen.RDI)
	w.LoadReg(codegen.RDI, slot(x64SlotCallback))
	w.StoreReg(slot(x64SlotR13), codegen.R13)
	w.MovRegReg(codegen.R13, codegen.RDI)
	w.LoadReg(codegen.RDI, slot(x64SlotRDI))
	w.CallReg(codegen.R13)
	w.LoadReg(codegen.R13, slot(x64SlotR13))
	w.JmpIndirect(slot(x64SlotRet))

	code, err := w.Finish()
	if err != nil {
		return nil, err
	}
	if len(code) > regionPage {
		return nil, fmt.Errorf("x64 trampoline code is %d bytes, larger than a page", len(code))
	}
	return image(2*regionPage, code, regionPage, dispatch, 8)
}

func (*x64Marshaller) SupportsVariadicReturn(types.CallingType) bool {
	return true
}

func (m *x64Marshaller) BeginExtraction(mem types.MemoryReader, handle uintptr, params []types.CallingType) (Cursor, error) {
	gp, err := types.ReadValue(mem, handle+x64GPOffset, types.Int, 8, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read va_list gp_offset: %w", err)
	}
	fp, err := types.ReadValue(mem, handle+x64FPOffset, types.Int, 8, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read va_list fp_offset: %w", err)
	}
	overflow, err := types.ReadPointer(mem, handle+x64OverflowArea, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to read va_list overflow area: %w", err)
	}
	regSave, err := types.ReadPointer(mem, handle+x64RegSaveArea, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to read va_list register save area: %w", err)
	}

	return &x64Cursor{
		gp:       uint32(gp.Raw),
		gpStart:  uint32(gp.Raw),
		fp:       uint32(fp.Raw),
		fpStart:  uint32(fp.Raw),
		overflow: overflow,
		regSave:  regSave,
		params:   params,
	}, nil
}

// x64Cursor draws integers and floats from the register save area with
// independent offsets. Once a class is exhausted its parameters are found in
// the overflow area, indexed from the last parameter backwards.
type x64Cursor struct {
	gp, gpStart uint32
	fp, fpStart uint32
	overflow    uintptr
	regSave     uintptr
	params      []types.CallingType
	i           int
}

func (c *x64Cursor) Next() (uintptr, error) {
	if c.i >= len(c.params) {
		return 0, ErrCursorExhausted
	}
	i := c.i
	c.i++

	if c.params[i].IsFloating() {
		if (c.fp-c.fpStart)/x64FPSlot < x64MaxFP {
			addr := c.regSave + uintptr(c.fp)
			c.fp += x64FPSlot
			return addr, nil
		}
		return c.overflowAddr(i), nil
	}

	if (c.gp-c.gpStart)/x64GPSlot < x64MaxGP {
		addr := c.regSave + uintptr(c.gp)
		c.gp += x64GPSlot
		return addr, nil
	}
	return c.overflowAddr(i), nil
}

func (c *x64Cursor) overflowAddr(i int) uintptr {
	reverse := len(c.params) - i - 1
	return c.overflow + uintptr(reverse*x64Overflow)
}

func (c *x64Cursor) Close() {
	*c = x64Cursor{}
}
