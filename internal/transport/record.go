// Package transport turns intercepted calls into trace records: it keeps the
// state needed to name JNI references, filters records and hands them to
// sinks.
package transport

import (
	"time"

	"github.com/google/uuid"

	"github.com/coral-mesh/jnitrace/internal/jni/catalog"
	"github.com/coral-mesh/jnitrace/internal/jni/types"
)

// TableKind names the function table a call went through.
type TableKind string

const (
	TableEnv TableKind = "JNIEnv"
	TableVM  TableKind = "JavaVM"
)

// Arg is one argument or return value of a traced call.
type Arg struct {
	Value types.Value
	// Metadata names what the value refers to: a class for object
	// references, name and signature for method and field ids.
	Metadata string
	// Text holds the string a char pointer argument points to.
	Text string
	// Bytes holds buffer contents, captured only when data capture is on.
	Bytes []byte
}

// Record is a single intercepted call.
type Record struct {
	Session uuid.UUID
	Table   TableKind
	Method  catalog.Descriptor
	// Args are the declared arguments with the caller's handle replaced by
	// the real one.
	Args []Arg
	// Extra are the typed values behind a variadic list, va_list or jvalue
	// array.
	Extra []Arg
	// JavaParams and JavaRet are the descriptor codes of the Java method the
	// call targets, when it is known.
	JavaParams []string
	JavaRet    string
	Ret        Arg
	ThreadID   int
	// Timestamp is the time since the tracer started.
	Timestamp time.Duration
	Backtrace []uintptr
	// Incomplete marks a call whose extra arguments could not be decoded.
	Incomplete bool
}

// NewArgs wraps raw values.
func NewArgs(values []types.Value) []Arg {
	out := make([]Arg, len(values))
	for i, v := range values {
		out[i] = Arg{Value: v}
	}
	return out
}

// Reporter receives records from the interceptors. Report is called on the
// traced thread and must not block.
type Reporter interface {
	Report(rec *Record)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(rec *Record)

func (f ReporterFunc) Report(rec *Record) { f(rec) }
