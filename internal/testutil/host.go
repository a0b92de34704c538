package testutil

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coral-mesh/jnitrace/internal/jni/types"
	"github.com/coral-mesh/jnitrace/internal/substrate"
)

const (
	heapBase  = 0x10000000
	execBase  = 0x40000000
	funcBase  = 0x60000000
	fakePage  = 0x1000
	fakeAlign = 16
)

// FakeHost implements substrate.Host in memory. Native functions are Go
// closures registered with DefineNative or NewCallback, and calls through
// the fake are made with Invoke.
//
// Invoke follows a patched trampoline region the way the real code would:
// it reads the dispatch pointer at DispatchOffset, calls it with the first
// four arguments, and then calls the address it returned with every
// argument. Code that only forwards to another function, such as a
// trampoline's pass-through entry, is modelled with Forward.
type FakeHost struct {
	ArchName       string
	PtrSize        int
	DispatchOffset int

	tid atomic.Int64

	mu           sync.Mutex
	segments     []*segment
	heapNext     uintptr
	execNext     uintptr
	funcNext     uintptr
	funcs        map[uintptr]*fakeFunc
	patches      map[uintptr]int
	listeners    map[uintptr][]substrate.Listener
	replacements map[uintptr]uintptr
	originals    map[uintptr]uintptr
	forwards     map[uintptr]uintptr
	exports      map[string]uintptr
	modules      []substrate.Module
	hooks        int
}

type segment struct {
	base uintptr
	data []byte
}

type fakeFunc struct {
	sig types.Signature
	fn  substrate.CallbackFunc
}

// NewFakeHost returns a 64-bit host. Set the exported fields to model other
// architectures.
func NewFakeHost() *FakeHost {
	h := &FakeHost{
		ArchName:       "x64",
		PtrSize:        8,
		DispatchOffset: fakePage,
		heapNext:       heapBase,
		execNext:       execBase,
		funcNext:       funcBase,
		funcs:          make(map[uintptr]*fakeFunc),
		patches:        make(map[uintptr]int),
		listeners:      make(map[uintptr][]substrate.Listener),
		replacements:   make(map[uintptr]uintptr),
		originals:      make(map[uintptr]uintptr),
		forwards:       make(map[uintptr]uintptr),
		exports:        make(map[string]uintptr),
	}
	h.tid.Store(1)
	return h
}

var _ substrate.Host = (*FakeHost)(nil)

func (h *FakeHost) Arch() string         { return h.ArchName }
func (h *FakeHost) PointerSize() int     { return h.PtrSize }
func (h *FakeHost) PageSize() int        { return fakePage }
func (h *FakeHost) CurrentThreadID() int { return int(h.tid.Load()) }

// SetThreadID changes the id reported for the calling thread.
func (h *FakeHost) SetThreadID(tid int) { h.tid.Store(int64(tid)) }

// Hooks returns how many Attach and Replace calls succeeded.
func (h *FakeHost) Hooks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hooks
}

func (h *FakeHost) Alloc(size int) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mapLocked(&h.heapNext, size, fakeAlign), nil
}

func (h *FakeHost) AllocExecutable(size int) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mapLocked(&h.execNext, size, fakePage), nil
}

func (h *FakeHost) mapLocked(next *uintptr, size, align int) uintptr {
	if size <= 0 {
		size = 1
	}
	a := uintptr(align)
	base := (*next + a - 1) &^ (a - 1)
	h.segments = append(h.segments, &segment{base: base, data: make([]byte, size)})
	*next = base + uintptr(size)
	return base
}

func (h *FakeHost) find(addr uintptr, n int) (*segment, int, error) {
	for _, s := range h.segments {
		if addr >= s.base && addr+uintptr(n) <= s.base+uintptr(len(s.data)) {
			return s, int(addr - s.base), nil
		}
	}
	return nil, 0, fmt.Errorf("access violation at 0x%x (%d bytes)", addr, n)
}

func (h *FakeHost) Read(addr uintptr, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, off, err := h.find(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, s.data[off:])
	return out, nil
}

func (h *FakeHost) Write(addr uintptr, b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, off, err := h.find(addr, len(b))
	if err != nil {
		return err
	}
	copy(s.data[off:], b)
	return nil
}

func (h *FakeHost) ReadCString(addr uintptr) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, off, err := h.find(addr, 1)
	if err != nil {
		return "", err
	}
	for i := off; i < len(s.data); i++ {
		if s.data[i] == 0 {
			return string(s.data[off:i]), nil
		}
	}
	return "", fmt.Errorf("unterminated string at 0x%x", addr)
}

func (h *FakeHost) PatchCode(addr uintptr, code []byte) error {
	if err := h.Write(addr, code); err != nil {
		return err
	}
	h.mu.Lock()
	h.patches[addr] = len(code)
	h.mu.Unlock()
	return nil
}

func (h *FakeHost) Attach(target uintptr, l substrate.Listener) error {
	if target == 0 {
		return fmt.Errorf("cannot attach to a null address")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[target] = append(h.listeners[target], l)
	h.hooks++
	return nil
}

func (h *FakeHost) Replace(target, replacement uintptr) (uintptr, error) {
	if target == 0 || replacement == 0 {
		return 0, fmt.Errorf("cannot replace 0x%x with 0x%x", target, replacement)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replacements[target] = replacement
	orig := h.funcNext
	h.funcNext += fakeAlign
	h.originals[orig] = target
	h.hooks++
	return orig, nil
}

func (h *FakeHost) NewFunction(addr uintptr, sig types.Signature) (substrate.NativeFunction, error) {
	if addr == 0 {
		return nil, fmt.Errorf("native function at a null address")
	}
	return &fakeNative{host: h, addr: addr, sig: sig}, nil
}

func (h *FakeHost) NewCallback(sig types.Signature, fn substrate.CallbackFunc) (uintptr, error) {
	return h.DefineNative(sig, fn), nil
}

// DefineNative registers fn as native code and returns its address.
func (h *FakeHost) DefineNative(sig types.Signature, fn substrate.CallbackFunc) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := h.funcNext
	h.funcNext += fakeAlign
	h.funcs[addr] = &fakeFunc{sig: sig, fn: fn}
	return addr
}

// Backtrace returns the context pc, plus the stack pointer in fuzzy mode.
func (h *FakeHost) Backtrace(ctx substrate.CPUContext, mode substrate.BacktraceMode) []uintptr {
	if ctx == nil || mode == substrate.BacktraceNone {
		return nil
	}
	if mode == substrate.BacktraceFuzzy {
		return []uintptr{ctx.PC(), ctx.SP()}
	}
	return []uintptr{ctx.PC()}
}

// Forward makes calls to from run to with the same arguments.
func (h *FakeHost) Forward(from, to uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forwards[from] = to
}

// AddExport makes name resolvable in module.
func (h *FakeHost) AddExport(module, name string, addr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exports[module+"!"+name] = addr
	h.exports["!"+name] = addr
}

func (h *FakeHost) FindExport(module, name string) (uintptr, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr, ok := h.exports[module+"!"+name]
	return addr, ok
}

// AddModule registers a loaded module.
func (h *FakeHost) AddModule(m substrate.Module) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modules = append(h.modules, m)
}

func (h *FakeHost) FindModuleByAddress(addr uintptr) (substrate.Module, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.modules {
		if m.Contains(addr) {
			return m, true
		}
	}
	return substrate.Module{}, false
}

// Invoke calls addr on the current thread.
func (h *FakeHost) Invoke(addr uintptr, args ...types.Value) types.Value {
	return h.InvokeAs(h.CurrentThreadID(), addr, args...)
}

// InvokeAs calls addr as if from thread tid, running attached listeners
// around it.
func (h *FakeHost) InvokeAs(tid int, addr uintptr, args ...types.Value) types.Value {
	h.mu.Lock()
	listeners := append([]substrate.Listener(nil), h.listeners[addr]...)
	h.mu.Unlock()

	ctx := fakeContext{pc: addr, sp: uintptr(0x7ff00000 + tid*0x10000)}
	args = append([]types.Value(nil), args...)

	inv := &substrate.Invocation{
		ThreadID: tid,
		Context:  ctx,
		Args:     make([]uintptr, len(args)),
		State:    make(map[string]uintptr),
	}
	for i, a := range args {
		inv.Args[i] = uintptr(a.Raw)
	}
	for _, l := range listeners {
		if l.OnEnter != nil {
			l.OnEnter(inv)
		}
	}
	for i := range args {
		if uint64(inv.Args[i]) != args[i].Raw {
			args[i].Raw = uint64(inv.Args[i])
		}
	}

	ret := h.call(tid, ctx, addr, args)

	for _, l := range listeners {
		if l.OnLeave != nil {
			l.OnLeave(inv, ret)
		}
	}
	return ret
}

func (h *FakeHost) call(tid int, ctx fakeContext, addr uintptr, args []types.Value) types.Value {
	h.mu.Lock()
	if to, ok := h.forwards[addr]; ok {
		addr = to
	}
	if target, ok := h.originals[addr]; ok {
		addr = target
	} else if r, ok := h.replacements[addr]; ok {
		addr = r
	}
	f := h.funcs[addr]
	patched := h.patches[addr]
	h.mu.Unlock()

	if f != nil {
		return f.invoke(tid, ctx, args)
	}
	if patched > h.DispatchOffset {
		return h.trampoline(tid, addr, args)
	}
	// An un-hooked stub returns straight away.
	return types.Value{}
}

func (h *FakeHost) trampoline(tid int, base uintptr, args []types.Value) types.Value {
	b, err := h.Read(base+uintptr(h.DispatchOffset), h.PtrSize)
	if err != nil {
		return types.Value{}
	}
	var dispatch uintptr
	if h.PtrSize == 4 {
		dispatch = uintptr(binary.LittleEndian.Uint32(b))
	} else {
		dispatch = uintptr(binary.LittleEndian.Uint64(b))
	}

	lead := make([]types.Value, 4)
	for i := range lead {
		lead[i] = types.PointerValue(0)
		if i < len(args) {
			lead[i] = types.PointerValue(uintptr(args[i].Raw))
		}
	}
	target := h.InvokeAs(tid, dispatch, lead...)
	return h.InvokeAs(tid, target.Uintptr(), args...)
}

func (f *fakeFunc) invoke(tid int, ctx fakeContext, args []types.Value) types.Value {
	for i := range args {
		if i < len(f.sig.Params) {
			args[i] = args[i].As(f.sig.Params[i])
		}
	}
	ret := f.fn(&substrate.Call{ThreadID: tid, Context: ctx, Args: args})
	switch {
	case f.sig.Ret == types.Void:
		return types.VoidValue()
	case f.sig.Ret != "" && ret.Type != f.sig.Ret:
		return ret.As(f.sig.Ret)
	}
	return ret
}

type fakeNative struct {
	host *FakeHost
	addr uintptr
	sig  types.Signature
}

func (n *fakeNative) Address() uintptr { return n.addr }

func (n *fakeNative) Call(from *substrate.Call, args []types.Value) types.Value {
	if from == nil {
		return n.host.Invoke(n.addr, args...)
	}
	return n.host.InvokeAs(from.ThreadID, n.addr, args...)
}

type fakeContext struct {
	pc, sp uintptr
}

func (c fakeContext) PC() uintptr { return c.pc }
func (c fakeContext) SP() uintptr { return c.sp }

// The helpers below panic on failure; they are meant for test setup.

// PutPointer writes a pointer-sized word.
func (h *FakeHost) PutPointer(addr, p uintptr) {
	b := make([]byte, h.PtrSize)
	for i := range b {
		b[i] = byte(uint64(p) >> (8 * i))
	}
	h.mustWrite(addr, b)
}

// PutU32 writes a little-endian 32-bit word.
func (h *FakeHost) PutU32(addr uintptr, v uint32) {
	h.mustWrite(addr, binary.LittleEndian.AppendUint32(nil, v))
}

// PutU64 writes a little-endian 64-bit word.
func (h *FakeHost) PutU64(addr uintptr, v uint64) {
	h.mustWrite(addr, binary.LittleEndian.AppendUint64(nil, v))
}

// Pointer reads a pointer-sized word.
func (h *FakeHost) Pointer(addr uintptr) uintptr {
	b, err := h.Read(addr, h.PtrSize)
	if err != nil {
		panic(err)
	}
	var p uint64
	for i := range b {
		p |= uint64(b[i]) << (8 * i)
	}
	return uintptr(p)
}

// MustAlloc allocates zeroed memory.
func (h *FakeHost) MustAlloc(size int) uintptr {
	addr, err := h.Alloc(size)
	if err != nil {
		panic(err)
	}
	return addr
}

// CString stores s with a terminating NUL and returns its address.
func (h *FakeHost) CString(s string) uintptr {
	addr := h.MustAlloc(len(s) + 1)
	h.mustWrite(addr, append([]byte(s), 0))
	return addr
}

func (h *FakeHost) mustWrite(addr uintptr, b []byte) {
	if err := h.Write(addr, b); err != nil {
		panic(err)
	}
}
