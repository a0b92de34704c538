package tracer

import (
	"sync"

	"github.com/coral-mesh/jnitrace/internal/jni/signature"
)

// SignatureCache maps method ids returned by GetMethodID and
// GetStaticMethodID to their parsed signatures.
type SignatureCache struct {
	m sync.Map
}

// Store caches sig for id unless another signature got there first, and
// returns the cached one.
func (c *SignatureCache) Store(id uintptr, sig *signature.ParsedSignature) *signature.ParsedSignature {
	actual, _ := c.m.LoadOrStore(id, sig)
	return actual.(*signature.ParsedSignature)
}

func (c *SignatureCache) Load(id uintptr) (*signature.ParsedSignature, bool) {
	v, ok := c.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*signature.ParsedSignature), true
}

// callbackKey identifies a generated variadic callback. The same method id
// reaches different table slots with different return types, so the slot is
// part of the key.
type callbackKey struct {
	slot   int
	method uintptr
}

// CallbackCache holds the addresses of generated variadic callbacks.
type CallbackCache struct {
	m sync.Map
}

func (c *CallbackCache) Load(slot int, method uintptr) (uintptr, bool) {
	v, ok := c.m.Load(callbackKey{slot: slot, method: method})
	if !ok {
		return 0, false
	}
	return v.(uintptr), true
}

// LoadOrStore keeps the first callback stored for a key. loaded reports
// whether addr lost to an earlier one.
func (c *CallbackCache) LoadOrStore(slot int, method, addr uintptr) (actual uintptr, loaded bool) {
	v, loaded := c.m.LoadOrStore(callbackKey{slot: slot, method: method}, addr)
	return v.(uintptr), loaded
}

// backtraceStash carries the call site captured when a thread enters a
// variadic trampoline to the record emitted by the callback it dispatches.
type backtraceStash struct {
	m sync.Map
}

func (s *backtraceStash) put(tid int, frames []uintptr) {
	s.m.Store(tid, frames)
}

func (s *backtraceStash) take(tid int) []uintptr {
	v, ok := s.m.LoadAndDelete(tid)
	if !ok {
		return nil
	}
	return v.([]uintptr)
}
