package tracer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/jnitrace/internal/jni/types"
	"github.com/coral-mesh/jnitrace/internal/substrate"
)

const (
	symbolOnLoad     = "JNI_OnLoad"
	javaExportPrefix = "Java_"
	followAll        = "*"
)

var dlopenSignature = types.Signature{Ret: types.Pointer, Params: []types.CallingType{types.Pointer, types.Int}}

// LibraryTracker follows the libraries loaded through the dynamic loader and
// hooks the JNI entry points looked up in them.
type LibraryTracker struct {
	t      *Tracer
	logger zerolog.Logger

	mu      sync.RWMutex
	tracked map[uintptr]string
	ignored map[uintptr]string

	// hooked holds the entry points already hooked.
	hooked sync.Map
}

func newLibraryTracker(t *Tracer, logger zerolog.Logger) *LibraryTracker {
	return &LibraryTracker{
		t:       t,
		logger:  logger.With().Str("component", "library_tracker").Logger(),
		tracked: make(map[uintptr]string),
		ignored: make(map[uintptr]string),
	}
}

// Install hooks dlopen, dlsym and dlclose. All three must be exported.
func (l *LibraryTracker) Install() error {
	addrs := make(map[string]uintptr, 3)
	for _, name := range []string{"dlopen", "dlsym", "dlclose"} {
		addr, ok := l.t.host.FindExport("", name)
		if !ok {
			return fmt.Errorf("dynamic loader does not export %s", name)
		}
		addrs[name] = addr
	}

	if err := l.hookDlopen(addrs["dlopen"]); err != nil {
		return err
	}
	if err := l.t.host.Attach(addrs["dlsym"], substrate.Listener{
		OnEnter: l.enterDlsym,
		OnLeave: l.leaveDlsym,
	}); err != nil {
		return fmt.Errorf("failed to hook dlsym: %w", err)
	}
	if err := l.t.host.Attach(addrs["dlclose"], substrate.Listener{
		OnEnter: func(inv *substrate.Invocation) {
			if len(inv.Args) > 0 {
				inv.State["handle"] = inv.Args[0]
			}
		},
		OnLeave: l.leaveDlclose,
	}); err != nil {
		return fmt.Errorf("failed to hook dlclose: %w", err)
	}

	l.logger.Info().Strs("libraries", l.t.opts.Libraries).Msg("Following library loads")
	return nil
}

func (l *LibraryTracker) hookDlopen(addr uintptr) error {
	original := newPendingFunction()
	cb, err := l.t.host.NewCallback(dlopenSignature, func(c *substrate.Call) types.Value {
		fn := original.wait()
		if fn == nil {
			l.logger.Error().Msg("dlopen called through a hook without its original")
			return types.PointerValue(0)
		}
		ret := fn.Call(c, c.Args)
		if len(c.Args) > 0 {
			l.onLoad(c.Args[0].Uintptr(), ret.Uintptr())
		}
		return ret
	})
	if err != nil {
		return fmt.Errorf("failed to create dlopen callback: %w", err)
	}

	// The hook is live once Replace returns, possibly before the original
	// is wrapped; calls arriving in between wait for it.
	orig, err := l.t.host.Replace(addr, cb)
	if err != nil {
		original.set(nil)
		return fmt.Errorf("failed to hook dlopen: %w", err)
	}
	fn, err := l.t.host.NewFunction(orig, dlopenSignature)
	original.set(fn)
	if err != nil {
		return fmt.Errorf("failed to wrap dlopen: %w", err)
	}
	return nil
}

// pendingFunction hands a native function to callbacks that may run before
// it exists.
type pendingFunction struct {
	ready chan struct{}
	fn    substrate.NativeFunction
}

func newPendingFunction() *pendingFunction {
	return &pendingFunction{ready: make(chan struct{})}
}

// set publishes fn. It must be called exactly once.
func (p *pendingFunction) set(fn substrate.NativeFunction) {
	p.fn = fn
	close(p.ready)
}

func (p *pendingFunction) wait() substrate.NativeFunction {
	<-p.ready
	return p.fn
}

func (l *LibraryTracker) onLoad(pathPtr, handle uintptr) {
	if handle == 0 {
		return
	}
	var path string
	if pathPtr != 0 {
		p, err := l.t.host.ReadCString(pathPtr)
		if err != nil {
			l.logger.Debug().Err(err).Msg("Failed to read dlopen path")
		}
		path = p
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.follows(path) {
		l.tracked[handle] = path
		l.logger.Info().Str("library", path).Msg("Tracking library")
	} else {
		l.ignored[handle] = path
	}
}

func (l *LibraryTracker) follows(path string) bool {
	return Follows(l.t.opts.Libraries, path)
}

// Follows reports whether a library path matches a library list: a single
// "*" matches every path, otherwise a path matches when it contains one of
// the entries.
func Follows(libraries []string, path string) bool {
	if len(libraries) == 1 && libraries[0] == followAll {
		return true
	}
	for _, lib := range libraries {
		if lib != "" && strings.Contains(path, lib) {
			return true
		}
	}
	return false
}

// Tracked reports whether a loader handle belongs to a followed library.
func (l *LibraryTracker) Tracked(handle uintptr) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.tracked[handle]
	return ok
}

func (l *LibraryTracker) ignoredHandle(handle uintptr) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ignored[handle]
	return ok
}

func (l *LibraryTracker) enterDlsym(inv *substrate.Invocation) {
	if len(inv.Args) < 2 {
		return
	}
	inv.State["handle"] = inv.Args[0]
	inv.State["symbol"] = inv.Args[1]
}

func (l *LibraryTracker) leaveDlsym(inv *substrate.Invocation, ret types.Value) {
	addr := ret.Uintptr()
	handle, ok := inv.State["handle"]
	if addr == 0 || !ok || l.ignoredHandle(handle) {
		return
	}

	symbol, err := l.t.host.ReadCString(inv.State["symbol"])
	if err != nil {
		return
	}

	if !l.Tracked(handle) {
		// The first dlopen of a library can happen before the loader is
		// hooked. Decide from the module the symbol lives in.
		mod, found := l.t.host.FindModuleByAddress(addr)
		if found && l.follows(mod.Path) {
			l.mu.Lock()
			l.tracked[handle] = mod.Path
			l.mu.Unlock()
			l.logger.Info().Str("library", mod.Path).Msg("Tracking library")
		}
	}

	switch {
	case l.Tracked(handle):
		if symbol == symbolOnLoad {
			l.hook(addr, symbol, l.enterOnLoad)
		} else if strings.HasPrefix(symbol, javaExportPrefix) {
			l.hookExport(addr, symbol)
		}
	case strings.HasPrefix(symbol, javaExportPrefix) && l.matchesModule(addr):
		l.hookExport(addr, symbol)
	}
}

// matchesModule applies the library list to the name of the module holding
// addr, for handles the loader never reported.
func (l *LibraryTracker) matchesModule(addr uintptr) bool {
	libs := l.t.opts.Libraries
	for _, lib := range libs {
		if lib == followAll {
			return true
		}
	}
	mod, ok := l.t.host.FindModuleByAddress(addr)
	if !ok {
		return false
	}
	for _, lib := range libs {
		if lib == mod.Name {
			return true
		}
	}
	return false
}

func (l *LibraryTracker) hookExport(addr uintptr, symbol string) {
	if !l.t.exportAllowed(symbol) {
		l.logger.Debug().Str("symbol", symbol).Msg("Export filtered out")
		return
	}
	l.hook(addr, symbol, l.t.env.enterExport)
}

func (l *LibraryTracker) hook(addr uintptr, symbol string, enter func(*substrate.Invocation)) {
	if _, loaded := l.hooked.LoadOrStore(addr, symbol); loaded {
		return
	}
	if err := l.t.host.Attach(addr, substrate.Listener{OnEnter: enter}); err != nil {
		l.hooked.Delete(addr)
		l.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to hook JNI entry point")
		return
	}
	l.logger.Debug().Str("symbol", symbol).Str("address", fmt.Sprintf("0x%x", addr)).Msg("Hooked JNI entry point")
}

// enterOnLoad hands JNI_OnLoad the shadow JavaVM.
func (l *LibraryTracker) enterOnLoad(inv *substrate.Invocation) {
	if len(inv.Args) == 0 {
		return
	}
	vm := inv.Args[0]
	if !l.t.threads.HasJavaVM() && vm != l.t.vm.Get() {
		l.t.threads.SetJavaVM(vm)
	}
	shadow, err := l.t.vm.GetOrCreate(vm)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to build shadow JavaVM")
		return
	}
	inv.Args[0] = shadow
}

func (l *LibraryTracker) leaveDlclose(inv *substrate.Invocation, ret types.Value) {
	handle, ok := inv.State["handle"]
	if !ok || ret.Int64() != 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if path, ok := l.tracked[handle]; ok {
		delete(l.tracked, handle)
		l.logger.Debug().Str("library", path).Msg("Library unloaded")
	}
	delete(l.ignored, handle)
}

// enterExport records the caller's env for the thread and hands the native
// method the shadow JNIEnv.
func (e *EnvInterceptor) enterExport(inv *substrate.Invocation) {
	if len(inv.Args) == 0 {
		return
	}
	env := inv.Args[0]
	if env != e.Get() {
		e.t.threads.SetEnv(inv.ThreadID, env)
	}
	shadow, err := e.GetOrCreate(env)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to build shadow JNIEnv")
		return
	}
	inv.Args[0] = shadow
}
