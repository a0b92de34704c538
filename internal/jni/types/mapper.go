package types

import "strings"

// Native type tags that carry special meaning for table classification.
const (
	TagVarArgs   = "..."
	TagVaList    = "va_list"
	TagJValues   = "const jvalue*"
	TagJValuePtr = "jvalue*"
)

var nativeAliases = map[string]string{
	"jweak":      "jobject",
	"jthrowable": "jobject",
	"jarray":     "jobject",
	"jstring":    "jobject",
	"jclass":     "jobject",
	"jsize":      "jint",
}

var nativeCalling = map[string]CallingType{
	"va_list":        Pointer,
	"jmethodID":      Pointer,
	"jfieldID":       Pointer,
	"jobject":        Pointer,
	"jdouble":        Double,
	"jfloat":         Float,
	"jchar":          Uint16,
	"jboolean":       Char,
	"jbyte":          Char,
	"jlong":          Int64,
	"jint":           Int,
	"jshort":         Int16,
	"jobjectRefType": Int,
	"void":           Void,
}

// NativeToCalling converts a native JNI type tag to its calling type.
// Unknown tags pass through unchanged.
func NativeToCalling(tag string) CallingType {
	if strings.HasSuffix(tag, "*") {
		return Pointer
	}
	if ct, ok := nativeCalling[tag]; ok {
		return ct
	}
	t := tag
	if strings.Contains(t, "Array") {
		t = "jarray"
	}
	for {
		alias, ok := nativeAliases[t]
		if !ok {
			break
		}
		t = alias
	}
	if ct, ok := nativeCalling[t]; ok {
		return ct
	}
	return CallingType(tag)
}

// NativesToCalling maps a list of native tags.
func NativesToCalling(tags []string) []CallingType {
	out := make([]CallingType, len(tags))
	for i, t := range tags {
		out[i] = NativeToCalling(t)
	}
	return out
}

var primitiveNative = map[string]string{
	"B": "jbyte",
	"S": "jshort",
	"I": "jint",
	"J": "jlong",
	"F": "jfloat",
	"D": "jdouble",
	"C": "jchar",
	"Z": "jboolean",
	"V": "void",
}

// SignatureElementToNative maps a descriptor element code to a native type
// tag. Array codes degrade to the matching j<Type>Array reference type.
func SignatureElementToNative(code string) string {
	isArray := false
	if strings.HasPrefix(code, "[") {
		isArray = true
		code = strings.TrimLeft(code, "[")
	}

	var result string
	if n, ok := primitiveNative[code]; ok {
		result = n
	} else if strings.HasPrefix(code, "L") {
		switch code {
		case "Ljava/lang/String;":
			result = "jstring"
		case "Ljava/lang/Class;":
			result = "jclass"
		default:
			result = "jobject"
		}
	}

	if isArray {
		if result == "jstring" || result == "jclass" {
			result = "jobject"
		}
		result += "Array"
	}
	return result
}

// IsComplexObjectType reports whether a native tag names an object reference
// whose class name is worth tracking.
func IsComplexObjectType(tag string) bool {
	switch tag {
	case "jobject", "jclass", "jweak":
		return true
	}
	return false
}
