package codegen

// XReg is an AArch64 general register number. 31 encodes xzr or sp
// depending on the instruction.
type XReg uint8

const (
	X0  XReg = 0
	X16 XReg = 16
	X17 XReg = 17
	X29 XReg = 29
	X30 XReg = 30
	XZR XReg = 31
)

// QReg is an AArch64 128-bit vector register number.
type QReg uint8

const (
	a64Adrp    = 0x90000000 // adrp xd, #0
	a64StrX    = 0xF9000000 // str xt, [xn, #imm12*8]
	a64LdrX    = 0xF9400000 // ldr xt, [xn, #imm12*8]
	a64StrQ    = 0x3D800000 // str qt, [xn, #imm12*16]
	a64LdrQ    = 0x3DC00000 // ldr qt, [xn, #imm12*16]
	a64Blr     = 0xD63F0000
	a64Br      = 0xD61F0000
	a64Ret     = 0xD65F03C0
	a64MovX    = 0xAA0003E0 // orr xd, xzr, xm
	a64Nop     = 0xD503201F
	a64MaxImm  = 0xFFF
	a64XSize   = 8
	a64QSize   = 16
	a64PageLow = 0xFFF
)

// ARM64Writer emits AArch64 code.
type ARM64Writer struct {
	buffer
}

// NewARM64Writer returns a writer for code loaded at base.
func NewARM64Writer(base uintptr) *ARM64Writer {
	return &ARM64Writer{buffer: buffer{base: base}}
}

// Instruction emits a raw instruction word.
func (w *ARM64Writer) Instruction(ins uint32) {
	w.putU32(ins)
}

// AdrpSelf emits adrp xd, #0 which loads the 4 KiB page holding the
// instruction itself.
func (w *ARM64Writer) AdrpSelf(rd XReg) {
	w.putU32(a64Adrp | uint32(rd))
}

func (w *ARM64Writer) scaled(off, size int) uint32 {
	if off < 0 || off%size != 0 || off/size > a64MaxImm {
		w.fail("offset %d is not encodable with scale %d", off, size)
		return 0
	}
	return uint32(off / size)
}

// StrX emits str xt, [xn, #off].
func (w *ARM64Writer) StrX(rt, rn XReg, off int) {
	w.putU32(a64StrX | w.scaled(off, a64XSize)<<10 | uint32(rn)<<5 | uint32(rt))
}

// LdrX emits ldr xt, [xn, #off].
func (w *ARM64Writer) LdrX(rt, rn XReg, off int) {
	w.putU32(a64LdrX | w.scaled(off, a64XSize)<<10 | uint32(rn)<<5 | uint32(rt))
}

// StrQ emits str qt, [xn, #off].
func (w *ARM64Writer) StrQ(qt QReg, rn XReg, off int) {
	w.putU32(a64StrQ | w.scaled(off, a64QSize)<<10 | uint32(rn)<<5 | uint32(qt))
}

// LdrQ emits ldr qt, [xn, #off].
func (w *ARM64Writer) LdrQ(qt QReg, rn XReg, off int) {
	w.putU32(a64LdrQ | w.scaled(off, a64QSize)<<10 | uint32(rn)<<5 | uint32(qt))
}

// Blr emits blr xn.
func (w *ARM64Writer) Blr(rn XReg) {
	w.putU32(a64Blr | uint32(rn)<<5)
}

// Br emits br xn.
func (w *ARM64Writer) Br(rn XReg) {
	w.putU32(a64Br | uint32(rn)<<5)
}

// MovX emits mov xd, xm.
func (w *ARM64Writer) MovX(rd, rm XReg) {
	w.putU32(a64MovX | uint32(rm)<<16 | uint32(rd))
}

// Ret emits ret.
func (w *ARM64Writer) Ret() {
	w.putU32(a64Ret)
}

// Nop emits nop.
func (w *ARM64Writer) Nop() {
	w.putU32(a64Nop)
}

// PageAligned reports whether base is 4 KiB aligned, which AdrpSelf based
// addressing assumes.
func PageAligned(base uintptr) bool {
	return base&a64PageLow == 0
}
