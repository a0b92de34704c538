package codegen

// ARMReg is an A32 core register.
type ARMReg uint8

const (
	R0 ARMReg = 0
	R1 ARMReg = 1
	R2 ARMReg = 2
	R3 ARMReg = 3
	IP ARMReg = 12
	SP ARMReg = 13
	LR ARMReg = 14
	PC ARMReg = 15
)

// A32 encodings, condition AL.
const (
	armNop     = 0xE1A00000 // mov r0, r0
	armMovReg  = 0xE1A00000 // mov rd, rm
	armStrPC   = 0xE58F0000 // str rt, [pc, #+imm12]
	armLdrPC   = 0xE59F0000 // ldr rt, [pc, #+imm12]
	armBlx     = 0xE12FFF30 // blx rm
	armBx      = 0xE12FFF10 // bx rm
	armPushLR  = 0xE52DE004 // str lr, [sp, #-4]!
	armPopPC   = 0xE49DF004 // ldr pc, [sp], #4
	armPCAhead = 8
	armMaxImm  = 0xFFF
)

// ARMWriter emits A32 code.
type ARMWriter struct {
	buffer
}

// NewARMWriter returns a writer for code loaded at base.
func NewARMWriter(base uintptr) *ARMWriter {
	return &ARMWriter{buffer: buffer{base: base}}
}

// Instruction emits a raw instruction word.
func (w *ARMWriter) Instruction(ins uint32) {
	w.putU32(ins)
}

// Nop emits mov r0, r0.
func (w *ARMWriter) Nop() {
	w.putU32(armNop)
}

// MovReg emits mov rd, rm.
func (w *ARMWriter) MovReg(rd, rm ARMReg) {
	w.putU32(armMovReg | uint32(rd)<<12 | uint32(rm))
}

// pcOffset returns the literal offset of target from the current
// instruction, which reads pc as its own address plus eight.
func (w *ARMWriter) pcOffset(target uintptr) uint32 {
	pc := w.PC() + armPCAhead
	if target < pc || target-pc > armMaxImm {
		w.fail("literal 0x%x is out of reach of pc 0x%x", target, pc)
		return 0
	}
	return uint32(target - pc)
}

// StrLiteral emits str rt, [pc, #off] storing rt at target.
func (w *ARMWriter) StrLiteral(rt ARMReg, target uintptr) {
	off := w.pcOffset(target)
	w.putU32(armStrPC | uint32(rt)<<12 | off)
}

// LdrLiteral emits ldr rt, [pc, #off] loading rt from target.
func (w *ARMWriter) LdrLiteral(rt ARMReg, target uintptr) {
	off := w.pcOffset(target)
	w.putU32(armLdrPC | uint32(rt)<<12 | off)
}

// Blx emits blx rm.
func (w *ARMWriter) Blx(rm ARMReg) {
	w.putU32(armBlx | uint32(rm))
}

// Bx emits bx rm.
func (w *ARMWriter) Bx(rm ARMReg) {
	w.putU32(armBx | uint32(rm))
}

// PushLR emits push {lr}.
func (w *ARMWriter) PushLR() {
	w.putU32(armPushLR)
}

// PopPC emits pop {pc}.
func (w *ARMWriter) PopPC() {
	w.putU32(armPopPC)
}
