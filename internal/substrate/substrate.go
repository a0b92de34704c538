// Package substrate defines what the tracer needs from the dynamic
// instrumentation runtime it runs inside: process facts, raw memory, code
// patching, function hooks, native calls and native callbacks.
//
// The tracer never implements these itself. A host runtime supplies a Host;
// tests use the in-memory fake from internal/testutil.
package substrate

import (
	"fmt"
	"strings"

	"github.com/coral-mesh/jnitrace/internal/jni/types"
)

// Host is the complete instrumentation surface.
type Host interface {
	Process
	Memory
	CodeWriter
	Hooker
	Runtime
}

// Process describes the instrumented process.
type Process interface {
	// Arch returns the architecture name as the runtime reports it, for
	// example "arm64" or "x64".
	Arch() string
	PointerSize() int
	PageSize() int
	CurrentThreadID() int
}

// Memory reads and writes process memory.
type Memory interface {
	// Alloc returns zeroed, writable memory that stays valid for the life
	// of the process.
	Alloc(size int) (uintptr, error)
	Read(addr uintptr, n int) ([]byte, error)
	Write(addr uintptr, b []byte) error
	ReadCString(addr uintptr) (string, error)
}

// CodeWriter manages executable memory.
type CodeWriter interface {
	// AllocExecutable returns a page aligned region that is readable,
	// writable and executable.
	AllocExecutable(size int) (uintptr, error)
	// PatchCode copies code to addr and flushes the instruction cache.
	PatchCode(addr uintptr, code []byte) error
}

// Hooker installs function hooks.
type Hooker interface {
	// Attach runs l around every call to target.
	Attach(target uintptr, l Listener) error
	// Replace redirects calls to target to replacement. The returned
	// address calls the original implementation.
	Replace(target, replacement uintptr) (original uintptr, err error)
}

// Runtime calls into and out of native code.
type Runtime interface {
	// NewFunction wraps the native function at addr.
	NewFunction(addr uintptr, sig types.Signature) (NativeFunction, error)
	// NewCallback exposes fn as a native function with the given
	// signature and returns its address.
	NewCallback(sig types.Signature, fn CallbackFunc) (uintptr, error)
	Backtrace(ctx CPUContext, mode BacktraceMode) []uintptr
	// FindExport looks up an exported symbol. An empty module searches
	// every loaded module.
	FindExport(module, name string) (uintptr, bool)
	FindModuleByAddress(addr uintptr) (Module, bool)
}

// NativeFunction is a callable native function.
type NativeFunction interface {
	Address() uintptr
	// Call runs the function on the thread of from, the callback
	// invocation making the call. A nil from means the current thread.
	Call(from *Call, args []types.Value) types.Value
}

// CallbackFunc implements a native callback.
type CallbackFunc func(c *Call) types.Value

// Call is a single invocation of a native callback.
type Call struct {
	ThreadID int
	Context  CPUContext
	Args     []types.Value
}

// Listener observes calls to a hooked function. Either field may be nil.
type Listener struct {
	OnEnter func(inv *Invocation)
	OnLeave func(inv *Invocation, ret types.Value)
}

// Invocation is the state shared by the OnEnter and OnLeave of one call.
// Writes to Args are seen by the hooked function.
type Invocation struct {
	ThreadID int
	Context  CPUContext
	Args     []uintptr
	// State carries listener data from OnEnter to OnLeave.
	State map[string]uintptr
}

// CPUContext is the register snapshot of a hooked call.
type CPUContext interface {
	PC() uintptr
	SP() uintptr
}

// Module is a loaded shared object.
type Module struct {
	Name string
	Path string
	Base uintptr
	Size int
}

// Contains reports whether addr lies inside the module image.
func (m Module) Contains(addr uintptr) bool {
	return addr >= m.Base && addr < m.Base+uintptr(m.Size)
}

// BacktraceMode selects how call sites are unwound.
type BacktraceMode string

const (
	BacktraceAccurate BacktraceMode = "accurate"
	BacktraceFuzzy    BacktraceMode = "fuzzy"
	BacktraceNone     BacktraceMode = "none"
)

// ParseBacktraceMode parses a backtrace mode name. The empty string selects
// accurate unwinding.
func ParseBacktraceMode(s string) (BacktraceMode, error) {
	switch m := BacktraceMode(strings.ToLower(s)); m {
	case "":
		return BacktraceAccurate, nil
	case BacktraceAccurate, BacktraceFuzzy, BacktraceNone:
		return m, nil
	default:
		return "", fmt.Errorf("unknown backtrace mode %q (want accurate, fuzzy or none)", s)
	}
}
