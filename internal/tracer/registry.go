package tracer

import "sync"

// Registry maps native thread ids to the real JNIEnv each thread uses, and
// holds the process's real JavaVM.
type Registry struct {
	mu   sync.RWMutex
	envs map[int]uintptr
	vm   uintptr
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{envs: make(map[int]uintptr)}
}

// SetEnv records the real JNIEnv of a thread.
func (r *Registry) SetEnv(tid int, env uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs[tid] = env
}

// Env returns the real JNIEnv of a thread.
func (r *Registry) Env(tid int) (uintptr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.envs[tid]
	return env, ok
}

func (r *Registry) HasEnv(tid int) bool {
	_, ok := r.Env(tid)
	return ok
}

// Threads returns how many threads have a recorded JNIEnv.
func (r *Registry) Threads() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.envs)
}

// SetJavaVM records the real JavaVM.
func (r *Registry) SetJavaVM(vm uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vm = vm
}

// JavaVM returns the real JavaVM, if one has been seen.
func (r *Registry) JavaVM() (uintptr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vm, r.vm != 0
}

func (r *Registry) HasJavaVM() bool {
	_, ok := r.JavaVM()
	return ok
}
