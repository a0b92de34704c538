package tracer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/jnitrace/internal/jni/catalog"
	"github.com/coral-mesh/jnitrace/internal/jni/types"
	"github.com/coral-mesh/jnitrace/internal/substrate"
	"github.com/coral-mesh/jnitrace/internal/transport"
)

// EnvInterceptor builds and serves the shadow JNIEnv.
type EnvInterceptor struct {
	t      *Tracer
	table  *catalog.Catalog
	logger zerolog.Logger

	mu     sync.Mutex
	shadow atomic.Uintptr

	// natives holds the native method implementations already hooked
	// through RegisterNatives.
	natives sync.Map
}

func newEnvInterceptor(t *Tracer, logger zerolog.Logger) *EnvInterceptor {
	return &EnvInterceptor{
		t:      t,
		table:  t.envTable,
		logger: logger.With().Str("component", "env_interceptor").Logger(),
	}
}

// IsInitialised reports whether the shadow JNIEnv exists.
func (e *EnvInterceptor) IsInitialised() bool { return e.shadow.Load() != 0 }

// Get returns the shadow JNIEnv, or 0 before Create.
func (e *EnvInterceptor) Get() uintptr { return e.shadow.Load() }

// GetOrCreate returns the shadow JNIEnv, building it from realEnv if needed.
func (e *EnvInterceptor) GetOrCreate(realEnv uintptr) (uintptr, error) {
	if h := e.shadow.Load(); h != 0 {
		return h, nil
	}
	return e.Create(realEnv)
}

// Create builds the shadow JNIEnv from the function table of realEnv. The
// shadow is a singleton: once built, later calls return it unchanged and
// install nothing.
func (e *EnvInterceptor) Create(realEnv uintptr) (uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h := e.shadow.Load(); h != 0 {
		return h, nil
	}
	if realEnv == 0 {
		return 0, fmt.Errorf("cannot build a shadow JNIEnv from a null env")
	}

	shadow, err := e.t.buildShadow(e.table, realEnv, e.intercept)
	if err != nil {
		return 0, fmt.Errorf("failed to build shadow JNIEnv: %w", err)
	}

	e.shadow.Store(shadow)
	e.logger.Info().
		Str("real_env", fmt.Sprintf("0x%x", realEnv)).
		Str("shadow_env", fmt.Sprintf("0x%x", shadow)).
		Int("slots", e.table.Len()).
		Msg("Installed shadow JNIEnv")
	return shadow, nil
}

// buildShadow allocates a table shaped like table, fills it and returns a
// handle pointing at it. Reserved slots are copied from the real table;
// the others come from intercept, or the shared stub when the real slot is
// empty.
func (t *Tracer) buildShadow(
	table *catalog.Catalog,
	realHandle uintptr,
	intercept func(slot int, d catalog.Descriptor, realFn uintptr) (uintptr, error),
) (uintptr, error) {
	ps := t.marshaller.PointerSize()

	realTable, err := t.readPointer(realHandle)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s function table: %w", table.Name(), err)
	}
	shadowTable, err := t.host.Alloc(table.Len() * ps)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s table: %w", table.Name(), err)
	}

	for i := 0; i < table.Len(); i++ {
		off := uintptr(i * ps)
		realFn, err := t.readPointer(realTable + off)
		if err != nil {
			return 0, fmt.Errorf("failed to read %s slot %d: %w", table.Name(), i, err)
		}

		var slot uintptr
		switch {
		case i < table.Reserved():
			slot = realFn
		case realFn == 0:
			if slot, err = t.stub(); err != nil {
				return 0, err
			}
		default:
			d := table.At(i)
			slot, err = intercept(i, d, realFn)
			if err != nil {
				// Fall back to the real function.
				t.logger.Warn().Err(err).Str("method", d.Name).Msg("Leaving table slot untraced")
				slot = realFn
			}
		}

		if err := t.writePointer(shadowTable+off, slot); err != nil {
			return 0, fmt.Errorf("failed to write %s slot %d: %w", table.Name(), i, err)
		}
	}

	handle, err := t.host.Alloc(ps)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s handle: %w", table.Name(), err)
	}
	if err := t.writePointer(handle, shadowTable); err != nil {
		return 0, err
	}
	return handle, nil
}

func (e *EnvInterceptor) intercept(slot int, d catalog.Descriptor, realFn uintptr) (uintptr, error) {
	if d.Kind() == catalog.Variadic {
		return e.interceptVariadic(slot, d, realFn)
	}

	sig := d.Signature()
	native, err := e.t.host.NewFunction(realFn, sig)
	if err != nil {
		return 0, err
	}
	cb, err := e.t.host.NewCallback(sig, func(c *substrate.Call) types.Value {
		return e.onCall(d, native, c)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create callback for %s: %w", d.Name, err)
	}
	return e.t.hookedStub(cb)
}

// realEnvFor swaps the caller's handle in args[0] for the thread's real
// JNIEnv.
func (e *EnvInterceptor) realEnvFor(tid int, args []types.Value) {
	if len(args) == 0 {
		return
	}
	env, ok := e.t.threads.Env(tid)
	if !ok {
		e.logger.Debug().Int("thread_id", tid).Msg("No real JNIEnv recorded for thread, passing handle through")
		return
	}
	args[0] = types.PointerValue(env)
}

// onCall handles fixed-arity and argument-list entries.
func (e *EnvInterceptor) onCall(d catalog.Descriptor, native substrate.NativeFunction, c *substrate.Call) types.Value {
	args := cloneValues(c.Args)
	e.realEnvFor(c.ThreadID, args)

	rec := &transport.Record{
		Table:    transport.TableEnv,
		Method:   d,
		ThreadID: c.ThreadID,
	}

	if d.IsHandleBased() {
		extra, sig, err := e.t.extract(d, args)
		if err != nil {
			rec.Incomplete = true
			e.logger.Debug().Err(err).Str("method", d.Name).Msg("Passing call through without its argument list")
		} else {
			rec.Extra = transport.NewArgs(extra)
			rec.JavaParams = sig.Params
			rec.JavaRet = sig.Ret
		}
	}

	ret := native.Call(c, args)

	rec.Args = transport.NewArgs(args)
	rec.Ret = transport.Arg{Value: ret}
	rec.Backtrace = e.t.backtrace(c.Context)
	e.t.emit(rec)

	e.afterCall(d, args, ret)
	return ret
}

// afterCall applies the side effects some entries have on tracer state.
func (e *EnvInterceptor) afterCall(d catalog.Descriptor, args []types.Value, ret types.Value) {
	switch d.Name {
	case "GetMethodID", "GetStaticMethodID":
		e.cacheSignature(args, ret)
	case "GetJavaVM":
		e.shadowJavaVM(args, ret)
	case "RegisterNatives":
		e.bindNatives(args)
	}
}

func (e *EnvInterceptor) cacheSignature(args []types.Value, ret types.Value) {
	id := ret.Uintptr()
	if id == 0 || len(args) < 4 {
		return
	}
	desc, err := e.t.host.ReadCString(args[3].Uintptr())
	if err != nil {
		e.logger.Debug().Err(err).Msg("Failed to read method signature")
		return
	}
	sig, err := e.t.interner.Intern(desc)
	if err != nil {
		e.logger.Warn().Err(err).Str("signature", desc).Msg("Ignoring method id with malformed signature")
		return
	}
	e.t.signatures.Store(id, sig)
}

func (e *EnvInterceptor) shadowJavaVM(args []types.Value, ret types.Value) {
	if ret.Int64() != jniOK || len(args) < 2 {
		return
	}
	out := args[1].Uintptr()
	if out == 0 {
		return
	}
	realVM, err := e.t.readPointer(out)
	if err != nil || realVM == 0 {
		return
	}
	if realVM != e.t.vm.Get() {
		e.t.threads.SetJavaVM(realVM)
	}
	shadow, err := e.t.vm.GetOrCreate(realVM)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to build shadow JavaVM")
		return
	}
	if err := e.t.writePointer(out, shadow); err != nil {
		e.logger.Error().Err(err).Msg("Failed to hand out shadow JavaVM")
	}
}
