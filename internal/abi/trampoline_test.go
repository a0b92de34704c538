package abi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/coral-mesh/jnitrace/internal/codegen"
)

const (
	dispatchAddr = 0x12345678
	realAddr     = 0x23456780
)

func trampoline(t *testing.T, a Arch, base uintptr) (Marshaller, []byte) {
	t.Helper()
	m, err := New(a)
	require.NoError(t, err)
	img, err := m.VariadicTrampoline(base, dispatchAddr, realAddr)
	require.NoError(t, err)
	require.Len(t, img, m.TrampolineSize())
	return m, img
}

func TestIA32Trampoline(t *testing.T) {
	const base = 0x40000000
	m, img := trampoline(t, IA32, base)

	assert.Equal(t, uint32(dispatchAddr), binary.LittleEndian.Uint32(img[m.DataOffset():]))

	var ops []x86asm.Op
	code := img
	for len(ops) < 5 {
		inst, err := x86asm.Decode(code, 32)
		require.NoError(t, err)
		ops = append(ops, inst.Op)
		if len(ops) == 3 {
			mem, ok := inst.Args[0].(x86asm.Mem)
			require.True(t, ok)
			assert.Equal(t, int64(base+m.DataOffset()), mem.Disp)
		}
		code = code[inst.Len:]
	}
	assert.Equal(t, []x86asm.Op{x86asm.POP, x86asm.MOV, x86asm.CALL, x86asm.CALL, x86asm.JMP}, ops)
}

func TestX64Trampoline(t *testing.T) {
	const base = 0x7f0000010000
	m, img := trampoline(t, X64, base)

	assert.Equal(t, 0x2000, m.TrampolineSize())
	assert.Equal(t, uint64(dispatchAddr), binary.LittleEndian.Uint64(img[m.DataOffset():]))

	var insts []x86asm.Inst
	code := img[:m.DataOffset()]
	for {
		inst, err := x86asm.Decode(code, 64)
		require.NoError(t, err)
		insts = append(insts, inst)
		code = code[inst.Len:]
		if inst.Op == x86asm.JMP {
			break
		}
	}

	count := func(op x86asm.Op) int {
		n := 0
		for _, in := range insts {
			if in.Op == op {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 1, count(x86asm.POP))
	assert.Equal(t, 16, count(x86asm.MOVQ))
	assert.Equal(t, 2, count(x86asm.CALL))

	// Every memory operand is rip-relative and lands in the data page.
	pc := uintptr(base)
	for _, in := range insts {
		next := pc + uintptr(in.Len)
		for _, a := range in.Args {
			if mem, ok := a.(x86asm.Mem); ok {
				require.Equal(t, x86asm.RIP, mem.Base)
				target := uintptr(int64(next) + mem.Disp)
				assert.GreaterOrEqual(t, target, uintptr(base+m.DataOffset()))
				assert.Less(t, target, uintptr(base+m.TrampolineSize()))
			}
		}
		pc = next
	}

	// The first call goes through the dispatch slot, the second through r13.
	var calls []x86asm.Inst
	for _, in := range insts {
		if in.Op == x86asm.CALL {
			calls = append(calls, in)
		}
	}
	_, isMem := calls[0].Args[0].(x86asm.Mem)
	assert.True(t, isMem)
	assert.Equal(t, x86asm.R13, calls[1].Args[0])
}

func TestARMTrampoline(t *testing.T) {
	const base = 0x40000000
	m, img := trampoline(t, ARM, base)

	assert.Equal(t, uint32(dispatchAddr), binary.LittleEndian.Uint32(img[m.DataOffset():]))

	word := func(i int) uint32 { return binary.LittleEndian.Uint32(img[4*i:]) }
	for i := 0; i < 4; i++ {
		assert.Equal(t, uint32(0xE1A00000), word(i), "hook pad %d", i)
	}

	want := []armasm.Op{
		armasm.STR, armasm.STR, armasm.STR, armasm.STR, armasm.STR,
		armasm.LDR, armasm.BLX,
		armasm.LDR, armasm.LDR, armasm.LDR, armasm.BLX,
		armasm.LDR, armasm.BX,
	}
	for i, op := range want {
		inst, err := armasm.Decode(img[4*(i+4):], armasm.ModeARM)
		require.NoError(t, err)
		assert.Equal(t, op, inst.Op, "instruction %d", i+4)
	}

	// ldr r0, [pc, #imm] at word 9 resolves to the dispatch slot.
	ldr := word(9)
	pc := uintptr(base + 9*4 + 8)
	assert.Equal(t, uintptr(base+m.DataOffset()), pc+uintptr(ldr&0xFFF))

	assert.Equal(t, uint32(0xE12FFF11), word(16))
}

func TestARMPassThrough(t *testing.T) {
	const base = 0x40000000
	m, img := trampoline(t, ARM, base)

	entry := m.PassThrough(base, realAddr)
	require.Greater(t, entry, uintptr(base))
	require.Less(t, entry, uintptr(base+m.DataOffset()))
	assert.Equal(t, uint32(realAddr), binary.LittleEndian.Uint32(img[m.DataOffset()+24:]))

	off := int(entry - base)
	word := func(i int) uint32 { return binary.LittleEndian.Uint32(img[off+4*i:]) }
	literal := func(i int) uintptr {
		return entry + uintptr(4*i) + 8 + uintptr(word(i)&0xFFF)
	}

	// ldr r0, [saved r0]; ldr ip, [real]; bx ip
	assert.Equal(t, uint32(0xE59F0000), word(0)&0xFFFFF000)
	assert.Equal(t, uintptr(base+m.DataOffset()+4), literal(0))
	assert.Equal(t, uint32(0xE59FC000), word(1)&0xFFFFF000)
	assert.Equal(t, uintptr(base+m.DataOffset()+24), literal(1))
	assert.Equal(t, uint32(0xE12FFF1C), word(2))

	inst, err := armasm.Decode(img[off+8:], armasm.ModeARM)
	require.NoError(t, err)
	assert.Equal(t, armasm.BX, inst.Op)
}

func TestPassThroughIsRealElsewhere(t *testing.T) {
	for _, a := range []Arch{IA32, X64, ARM64} {
		m, err := New(a)
		require.NoError(t, err)
		assert.Equal(t, uintptr(realAddr), m.PassThrough(0x40000000, realAddr), string(a))
	}
}

func TestARM64Trampoline(t *testing.T) {
	const base = 0x7f00001000
	m, img := trampoline(t, ARM64, base)

	assert.Equal(t, uint64(dispatchAddr), binary.LittleEndian.Uint64(img[m.DataOffset():]))

	var insts []arm64asm.Inst
	for off := 0; ; off += 4 {
		inst, err := arm64asm.Decode(img[off:])
		require.NoError(t, err)
		insts = append(insts, inst)
		if inst.Op == arm64asm.RET {
			break
		}
	}

	count := func(op arm64asm.Op) int {
		n := 0
		for _, in := range insts {
			if in.Op == op {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 3, count(arm64asm.ADRP))
	assert.Equal(t, 31+8, count(arm64asm.STR))
	// dispatch pointer, 8 vector and 28 general reloads, link register.
	assert.Equal(t, 1+8+28+1, count(arm64asm.LDR))
	assert.Equal(t, 2, count(arm64asm.BLR))
	assert.Less(t, 4*len(insts), m.DataOffset())

	_, err := m.VariadicTrampoline(base+0x10, dispatchAddr, realAddr)
	assert.Error(t, err)
}

func TestStubCode(t *testing.T) {
	stubs := map[Arch][]byte{
		IA32:  {0xC3},
		X64:   {0xC3},
		ARM:   {0x04, 0xE0, 0x2D, 0xE5, 0x04, 0xF0, 0x9D, 0xE4},
		ARM64: {0xC0, 0x03, 0x5F, 0xD6},
	}
	for a, want := range stubs {
		m, err := New(a)
		require.NoError(t, err)
		assert.Equal(t, want, m.StubCode(), string(a))
	}
}

func TestTrampolineDisassembles(t *testing.T) {
	// Prefix lengths that end on an instruction boundary.
	prefix := map[Arch]int{IA32: 21, X64: 40, ARM: 64, ARM64: 64}

	for a, n := range prefix {
		_, img := trampoline(t, a, 0x40000000)
		lines := codegen.Disassemble(a.ISA(), img[:n], 0x40000000)
		require.NotEmpty(t, lines)
		for _, l := range lines {
			assert.NotEmpty(t, l.Op, "%s: %s", a, l)
		}
	}
}
