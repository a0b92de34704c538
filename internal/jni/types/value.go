package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// Value is a single native argument or return value. Raw holds the value's
// bits zero-extended to 64 bits; floats hold their IEEE-754 single bits.
type Value struct {
	Type CallingType
	Raw  uint64
}

// MemoryReader reads raw bytes from the traced process.
type MemoryReader interface {
	Read(addr uintptr, n int) ([]byte, error)
}

// PointerValue wraps an address.
func PointerValue(p uintptr) Value { return Value{Type: Pointer, Raw: uint64(p)} }

// IntValue wraps a 32-bit integer.
func IntValue(v int32) Value { return Value{Type: Int, Raw: uint64(uint32(v))} }

// Int64Value wraps a 64-bit integer.
func Int64Value(v int64) Value { return Value{Type: Int64, Raw: uint64(v)} }

// FloatValue wraps a single precision float.
func FloatValue(v float32) Value { return Value{Type: Float, Raw: uint64(math.Float32bits(v))} }

// DoubleValue wraps a double precision float.
func DoubleValue(v float64) Value { return Value{Type: Double, Raw: math.Float64bits(v)} }

// VoidValue is the return value of a void function.
func VoidValue() Value { return Value{Type: Void} }

// Uintptr returns the value as an address.
func (v Value) Uintptr() uintptr { return uintptr(v.Raw) }

// Int64 returns the value sign-extended according to its type.
func (v Value) Int64() int64 {
	switch v.Type {
	case Char:
		return int64(int8(v.Raw))
	case Int16:
		return int64(int16(v.Raw))
	case Uint16:
		return int64(uint16(v.Raw))
	case Int:
		return int64(int32(v.Raw))
	default:
		return int64(v.Raw)
	}
}

// Float64 returns a floating-point value, widening floats.
func (v Value) Float64() float64 {
	if v.Type == Float {
		return float64(math.Float32frombits(uint32(v.Raw)))
	}
	return math.Float64frombits(v.Raw)
}

// Widen converts a float to a double, leaving other values untouched.
func (v Value) Widen() Value {
	if v.Type == Float {
		return DoubleValue(v.Float64())
	}
	return v
}

// As reinterprets the value as another calling type, narrowing doubles to
// floats when needed.
func (v Value) As(ct CallingType) Value {
	if v.Type == Double && ct == Float {
		return FloatValue(float32(v.Float64()))
	}
	if v.Type == Float && ct == Double {
		return v.Widen()
	}
	return Value{Type: ct, Raw: v.Raw}
}

func (v Value) String() string {
	switch v.Type {
	case Pointer:
		return fmt.Sprintf("0x%x", v.Raw)
	case Float, Double:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case Void:
		return "void"
	default:
		return strconv.FormatInt(v.Int64(), 10)
	}
}

// ReadValue reads a value of the given calling type from addr. When promoted
// is set, floats are read as doubles, matching C variadic promotion.
func ReadValue(mem MemoryReader, addr uintptr, ct CallingType, pointerSize int, promoted bool) (Value, error) {
	size := SizeOf(ct, pointerSize)
	switch ct {
	case Int:
		size = 4
	case Int16, Uint16:
		size = 2
	case Float:
		if !promoted {
			size = 4
		}
	}

	buf, err := mem.Read(addr, size)
	if err != nil {
		return Value{}, fmt.Errorf("read %s at 0x%x: %w", ct, addr, err)
	}
	if len(buf) < size {
		return Value{}, fmt.Errorf("short read of %s at 0x%x: %d bytes", ct, addr, len(buf))
	}

	switch ct {
	case Char:
		return Value{Type: Char, Raw: uint64(buf[0])}, nil
	case Int16, Uint16:
		return Value{Type: ct, Raw: uint64(binary.LittleEndian.Uint16(buf))}, nil
	case Int:
		return Value{Type: Int, Raw: uint64(binary.LittleEndian.Uint32(buf))}, nil
	case Int64, Double:
		return Value{Type: ct, Raw: binary.LittleEndian.Uint64(buf)}, nil
	case Float:
		if promoted {
			return FloatValue(float32(math.Float64frombits(binary.LittleEndian.Uint64(buf)))), nil
		}
		return Value{Type: Float, Raw: uint64(binary.LittleEndian.Uint32(buf))}, nil
	default:
		if pointerSize == 4 {
			return Value{Type: ct, Raw: uint64(binary.LittleEndian.Uint32(buf))}, nil
		}
		return Value{Type: ct, Raw: binary.LittleEndian.Uint64(buf)}, nil
	}
}

// ReadPointer reads a pointer-sized word.
func ReadPointer(mem MemoryReader, addr uintptr, pointerSize int) (uintptr, error) {
	v, err := ReadValue(mem, addr, Pointer, pointerSize, false)
	if err != nil {
		return 0, err
	}
	return v.Uintptr(), nil
}
