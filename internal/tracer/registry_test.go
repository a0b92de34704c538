package tracer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/jnitrace/internal/jni/signature"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Env(1)
	assert.False(t, ok)
	assert.False(t, r.HasJavaVM())

	r.SetEnv(1, 0x100)
	r.SetEnv(2, 0x200)
	r.SetEnv(1, 0x300)

	env, ok := r.Env(1)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x300), env)
	assert.True(t, r.HasEnv(2))
	assert.Equal(t, 2, r.Threads())

	r.SetJavaVM(0x900)
	vm, ok := r.JavaVM()
	require.True(t, ok)
	assert.Equal(t, uintptr(0x900), vm)
}

func TestRegistryConcurrentThreads(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for tid := 1; tid <= 32; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			r.SetEnv(tid, uintptr(tid*0x10))
			env, ok := r.Env(tid)
			assert.True(t, ok)
			assert.Equal(t, uintptr(tid*0x10), env)
		}(tid)
	}
	wg.Wait()
	assert.Equal(t, 32, r.Threads())
}

func TestSignatureCacheFirstWriterWins(t *testing.T) {
	var c SignatureCache

	first, err := signature.Parse("(I)V")
	require.NoError(t, err)
	second, err := signature.Parse("(J)V")
	require.NoError(t, err)

	assert.Same(t, first, c.Store(0x10, first))
	assert.Same(t, first, c.Store(0x10, second))

	got, ok := c.Load(0x10)
	require.True(t, ok)
	assert.Equal(t, "(I)V", got.Descriptor)

	_, ok = c.Load(0x20)
	assert.False(t, ok)
}

func TestCallbackCacheKeysBySlot(t *testing.T) {
	var c CallbackCache

	actual, loaded := c.LoadOrStore(10, 0x1001, 0xaaa)
	assert.False(t, loaded)
	assert.Equal(t, uintptr(0xaaa), actual)

	actual, loaded = c.LoadOrStore(10, 0x1001, 0xbbb)
	assert.True(t, loaded)
	assert.Equal(t, uintptr(0xaaa), actual)

	// The same method id through another slot gets its own callback.
	_, ok := c.Load(11, 0x1001)
	assert.False(t, ok)
	c.LoadOrStore(11, 0x1001, 0xccc)
	addr, ok := c.Load(11, 0x1001)
	require.True(t, ok)
	assert.Equal(t, uintptr(0xccc), addr)
}

func TestBacktraceStash(t *testing.T) {
	var s backtraceStash

	assert.Nil(t, s.take(1))
	s.put(1, []uintptr{0x10, 0x20})
	s.put(2, []uintptr{0x30})

	assert.Equal(t, []uintptr{0x10, 0x20}, s.take(1))
	assert.Nil(t, s.take(1), "a backtrace is taken once")
	assert.Equal(t, []uintptr{0x30}, s.take(2))
}

func TestCodeArenaPacksStubs(t *testing.T) {
	code := &recordingWriter{}
	a := newCodeArena(code, 64)

	first, err := a.place([]byte{0xc3})
	require.NoError(t, err)
	second, err := a.place([]byte{0xc3})
	require.NoError(t, err)
	third, err := a.place([]byte{0xc3})
	require.NoError(t, err)

	assert.Equal(t, first+stubSlot, second)
	assert.NotEqual(t, second+stubSlot, third, "a full page starts a new one")
	assert.Equal(t, 2, code.pages)

	_, err = a.place(make([]byte, stubSlot+1))
	assert.Error(t, err)
}

type recordingWriter struct {
	pages int
	next  uintptr
}

func (w *recordingWriter) AllocExecutable(size int) (uintptr, error) {
	w.pages++
	w.next += 0x10000
	return w.next, nil
}

func (w *recordingWriter) PatchCode(uintptr, []byte) error { return nil }
