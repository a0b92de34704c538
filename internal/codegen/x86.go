package codegen

import "math"

// X86Reg is a general purpose register number as encoded in ModRM.
type X86Reg uint8

const (
	RAX X86Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// The 32-bit names share encodings with their 64-bit counterparts.
const (
	EAX = RAX
	ECX = RCX
	EDX = RDX
	EBX = RBX
)

// XMM is an SSE register number.
type XMM uint8

const (
	rexW = 0x48
	rexR = 0x04
	rexB = 0x01

	opMovStore  = 0x89
	opMovLoad   = 0x8B
	opPopBase   = 0x58
	opGroup5    = 0xFF
	opRet       = 0xC3
	opPrefix66  = 0x66
	opEscape0F  = 0x0F
	opMovqToGPR = 0x7E
	opMovqToXMM = 0x6E

	modDisp32 = 0x05 // mod=00 rm=101: disp32 (ia32) or rip+disp32 (x64)
	modReg    = 0xC0

	group5Call = 2
	group5Jmp  = 4
)

// X86Writer emits ia32 or x86-64 code. Memory operands are absolute on ia32
// and rip-relative on x86-64.
type X86Writer struct {
	buffer
	long bool
}

// NewIA32Writer returns a writer for 32-bit code loaded at base.
func NewIA32Writer(base uintptr) *X86Writer {
	return &X86Writer{buffer: buffer{base: base}}
}

// NewX64Writer returns a writer for 64-bit code loaded at base.
func NewX64Writer(base uintptr) *X86Writer {
	return &X86Writer{buffer: buffer{base: base}, long: true}
}

func (w *X86Writer) checkReg(r X86Reg) {
	if !w.long && r >= R8 {
		w.fail("register r%d is not encodable in 32-bit mode", r)
	}
}

// memOperand appends the disp32 of a memory operand whose instruction ends
// at end.
func (w *X86Writer) memOperand(target uintptr, end uintptr) {
	if !w.long {
		if uint64(target) > math.MaxUint32 {
			w.fail("address 0x%x is out of 32-bit range", target)
		}
		w.putU32(uint32(target))
		return
	}
	delta := int64(target) - int64(end)
	if delta < math.MinInt32 || delta > math.MaxInt32 {
		w.fail("target 0x%x is out of rip-relative range from 0x%x", target, end)
	}
	w.putU32(uint32(int32(delta)))
}

func (w *X86Writer) rex(bits byte) {
	if w.long {
		w.putU8(rexW | bits)
	}
}

// StoreReg emits mov [target], src.
func (w *X86Writer) StoreReg(target uintptr, src X86Reg) {
	w.checkReg(src)
	var r byte
	if src >= R8 {
		r = rexR
	}
	w.rex(r)
	w.putU8(opMovStore, modDisp32|byte(src&7)<<3)
	w.memOperand(target, w.PC()+4)
}

// LoadReg emits mov dst, [target].
func (w *X86Writer) LoadReg(dst X86Reg, target uintptr) {
	w.checkReg(dst)
	var r byte
	if dst >= R8 {
		r = rexR
	}
	w.rex(r)
	w.putU8(opMovLoad, modDisp32|byte(dst&7)<<3)
	w.memOperand(target, w.PC()+4)
}

// MovRegReg emits mov dst, src.
func (w *X86Writer) MovRegReg(dst, src X86Reg) {
	w.checkReg(dst)
	w.checkReg(src)
	var bits byte
	if src >= R8 {
		bits |= rexR
	}
	if dst >= R8 {
		bits |= rexB
	}
	w.rex(bits)
	w.putU8(opMovStore, modReg|byte(src&7)<<3|byte(dst&7))
}

// MovqFromXMM emits movq dst, xmm.
func (w *X86Writer) MovqFromXMM(dst X86Reg, x XMM) {
	w.movq(opMovqToGPR, dst, x)
}

// MovqToXMM emits movq xmm, src.
func (w *X86Writer) MovqToXMM(x XMM, src X86Reg) {
	w.movq(opMovqToXMM, src, x)
}

func (w *X86Writer) movq(op byte, gpr X86Reg, x XMM) {
	if !w.long {
		w.fail("movq between general and xmm registers needs 64-bit mode")
		return
	}
	if x > 7 {
		w.fail("xmm%d is not supported", x)
	}
	var bits byte
	if gpr >= R8 {
		bits = rexB
	}
	w.putU8(opPrefix66, rexW|bits, opEscape0F, op, modReg|byte(x&7)<<3|byte(gpr&7))
}

// PopReg emits pop r.
func (w *X86Writer) PopReg(r X86Reg) {
	w.checkReg(r)
	if r >= R8 {
		w.putU8(0x40 | rexB)
	}
	w.putU8(opPopBase + byte(r&7))
}

// CallIndirect emits call [target].
func (w *X86Writer) CallIndirect(target uintptr) {
	w.putU8(opGroup5, modDisp32|group5Call<<3)
	w.memOperand(target, w.PC()+4)
}

// JmpIndirect emits jmp [target].
func (w *X86Writer) JmpIndirect(target uintptr) {
	w.putU8(opGroup5, modDisp32|group5Jmp<<3)
	w.memOperand(target, w.PC()+4)
}

// CallReg emits call r.
func (w *X86Writer) CallReg(r X86Reg) {
	w.checkReg(r)
	if r >= R8 {
		w.putU8(0x40 | rexB)
	}
	w.putU8(opGroup5, modReg|group5Call<<3|byte(r&7))
}

// Ret emits ret.
func (w *X86Writer) Ret() {
	w.putU8(opRet)
}
