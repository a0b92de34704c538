package codegen

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// ISA selects a decoder.
type ISA int

const (
	ISAIA32 ISA = iota
	ISAX64
	ISAARM
	ISAARM64
)

// Line is one decoded instruction.
type Line struct {
	Addr  uintptr
	Bytes []byte
	Op    string
	Text  string
}

func (l Line) String() string {
	return fmt.Sprintf("%#08x  % x\t%s", l.Addr, l.Bytes, l.Text)
}

// Disassemble decodes code loaded at pc. Undecodable bytes are rendered as
// data directives and decoding continues after them.
func Disassemble(isa ISA, code []byte, pc uintptr) []Line {
	var lines []Line
	for off := 0; off < len(code); {
		addr := pc + uintptr(off)
		op, text, n := decodeOne(isa, code[off:], addr)
		lines = append(lines, Line{
			Addr:  addr,
			Bytes: code[off : off+n],
			Op:    op,
			Text:  text,
		})
		off += n
	}
	return lines
}

func decodeOne(isa ISA, src []byte, addr uintptr) (op, text string, n int) {
	switch isa {
	case ISAIA32, ISAX64:
		mode := 32
		if isa == ISAX64 {
			mode = 64
		}
		inst, err := x86asm.Decode(src, mode)
		if err != nil || inst.Len == 0 {
			return "", fmt.Sprintf(".byte %#02x", src[0]), 1
		}
		return inst.Op.String(), x86asm.GNUSyntax(inst, uint64(addr), nil), inst.Len

	case ISAARM:
		if len(src) < 4 {
			return "", fmt.Sprintf(".byte % x", src), len(src)
		}
		inst, err := armasm.Decode(src, armasm.ModeARM)
		if err != nil {
			return "", fmt.Sprintf(".word %#08x", binary.LittleEndian.Uint32(src)), 4
		}
		return inst.Op.String(), armasm.GNUSyntax(inst), 4

	case ISAARM64:
		if len(src) < 4 {
			return "", fmt.Sprintf(".byte % x", src), len(src)
		}
		inst, err := arm64asm.Decode(src)
		if err != nil {
			return "", fmt.Sprintf(".word %#08x", binary.LittleEndian.Uint32(src)), 4
		}
		return inst.Op.String(), arm64asm.GNUSyntax(inst), 4

	default:
		return "", fmt.Sprintf(".byte %#02x", src[0]), 1
	}
}
