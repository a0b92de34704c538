package tracer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/jnitrace/internal/jni/catalog"
	"github.com/coral-mesh/jnitrace/internal/jni/types"
	"github.com/coral-mesh/jnitrace/internal/substrate"
	"github.com/coral-mesh/jnitrace/internal/testutil"
	"github.com/coral-mesh/jnitrace/internal/transport"
)

// fakeJVM is a JNIEnv and JavaVM made of fake native functions. Every call
// that reaches a real function is recorded.
type fakeJVM struct {
	h     *testutil.FakeHost
	env   uintptr
	vm    uintptr
	table uintptr

	mu    sync.Mutex
	calls []*substrate.Call
	names []string
}

type handlers map[string]substrate.CallbackFunc

func newFakeJVM(t *testing.T, h *testutil.FakeHost, override handlers, nulls ...string) *fakeJVM {
	t.Helper()
	j := &fakeJVM{h: h}

	skip := make(map[string]bool, len(nulls))
	for _, n := range nulls {
		skip[n] = true
	}

	build := func(c *catalog.Catalog) uintptr {
		table := h.MustAlloc(c.Len() * h.PtrSize)
		for i := c.Reserved(); i < c.Len(); i++ {
			d := c.At(i)
			if skip[d.Name] {
				continue
			}
			fn := override[d.Name]
			name := d.Name
			addr := h.DefineNative(d.Signature(), func(call *substrate.Call) types.Value {
				j.record(name, call)
				if fn != nil {
					return fn(call)
				}
				return types.Value{}
			})
			h.PutPointer(table+uintptr(i*h.PtrSize), addr)
		}
		handle := h.MustAlloc(h.PtrSize)
		h.PutPointer(handle, table)
		return handle
	}

	envTable, err := catalog.Env()
	require.NoError(t, err)
	vmTable, err := catalog.VM()
	require.NoError(t, err)

	j.env = build(envTable)
	j.table = h.Pointer(j.env)
	j.vm = build(vmTable)
	return j
}

func (j *fakeJVM) record(name string, c *substrate.Call) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.names = append(j.names, name)
	j.calls = append(j.calls, &substrate.Call{ThreadID: c.ThreadID, Args: append([]types.Value(nil), c.Args...)})
}

// last returns the most recent real call to name.
func (j *fakeJVM) last(name string) *substrate.Call {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.names) - 1; i >= 0; i-- {
		if j.names[i] == name {
			return j.calls[i]
		}
	}
	return nil
}

func (j *fakeJVM) count(name string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, s := range j.names {
		if s == name {
			n++
		}
	}
	return n
}

// newEnvHandle returns another real env handle sharing the function table.
func (j *fakeJVM) newEnvHandle() uintptr {
	handle := j.h.MustAlloc(j.h.PtrSize)
	j.h.PutPointer(handle, j.table)
	return handle
}

// slot returns the function stored in slot name of the table behind handle.
func slot(t *testing.T, h *testutil.FakeHost, c *catalog.Catalog, handle uintptr, name string) uintptr {
	t.Helper()
	i, err := c.Index(name)
	require.NoError(t, err)
	return h.Pointer(h.Pointer(handle) + uintptr(i*h.PtrSize))
}

func envSlot(t *testing.T, h *testutil.FakeHost, handle uintptr, name string) uintptr {
	t.Helper()
	c, err := catalog.Env()
	require.NoError(t, err)
	return slot(t, h, c, handle, name)
}

func vmSlot(t *testing.T, h *testutil.FakeHost, handle uintptr, name string) uintptr {
	t.Helper()
	c, err := catalog.VM()
	require.NoError(t, err)
	return slot(t, h, c, handle, name)
}

func newTestTracer(t *testing.T, h *testutil.FakeHost, opts Options) (*Tracer, *transport.SliceSink) {
	t.Helper()
	sink := &transport.SliceSink{}
	tr, err := New(h, transport.ReporterFunc(sink.Write), opts, testutil.NewTestLogger(t))
	require.NoError(t, err)
	return tr, sink
}

func ptr(p uintptr) types.Value { return types.PointerValue(p) }

// cacheMethod calls GetMethodID through the shadow env so that the tracer
// learns descriptor for the method id the fake returns.
func cacheMethod(t *testing.T, h *testutil.FakeHost, shadow uintptr, descriptor string) {
	t.Helper()
	h.Invoke(envSlot(t, h, shadow, "GetMethodID"),
		ptr(shadow), ptr(0x500), ptr(h.CString("run")), ptr(h.CString(descriptor)))
}

// methodIDs makes GetMethodID return ids by descriptor.
func methodIDs(h *testutil.FakeHost, ids map[string]uintptr) substrate.CallbackFunc {
	return func(c *substrate.Call) types.Value {
		desc, err := h.ReadCString(c.Args[3].Uintptr())
		if err != nil {
			return ptr(0)
		}
		return ptr(ids[desc])
	}
}
