// Package types maps between the three type vocabularies used while tracing
// JNI calls: native JNI type names (jint, jstring, const char*), the calling
// types understood by the instrumentation substrate (int, pointer, double) and
// the element codes of Java method descriptors (I, Ljava/lang/String;).
package types

// CallingType is a platform calling type. Unknown native tags are carried
// through verbatim, so the set is open.
type CallingType string

const (
	Pointer CallingType = "pointer"
	Int     CallingType = "int"
	Int16   CallingType = "int16"
	Uint16  CallingType = "uint16"
	Char    CallingType = "char"
	Int64   CallingType = "int64"
	Float   CallingType = "float"
	Double  CallingType = "double"
	Void    CallingType = "void"
)

const (
	sizeWide = 8
	sizeChar = 1
)

// IsFloating reports whether values of this type travel in floating-point
// registers.
func (c CallingType) IsFloating() bool {
	return c == Float || c == Double
}

// Promoted returns the type a value of c is widened to when passed through a
// C variadic argument list.
func (c CallingType) Promoted() CallingType {
	if c == Float {
		return Double
	}
	return c
}

// SizeOf returns the storage size of a calling type. It is used to stride
// through raw argument-list memory.
func SizeOf(c CallingType, pointerSize int) int {
	switch c {
	case Int64, Float, Double:
		return sizeWide
	case Char:
		return sizeChar
	default:
		return pointerSize
	}
}

// Signature is a native function signature expressed in calling types.
type Signature struct {
	Ret    CallingType
	Params []CallingType
	// Fixed is the number of leading non-variadic parameters when Variadic
	// is set.
	Fixed    int
	Variadic bool
}
