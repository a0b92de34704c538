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

// VMInterceptor builds and serves the shadow JavaVM.
type VMInterceptor struct {
	t      *Tracer
	table  *catalog.Catalog
	logger zerolog.Logger

	mu     sync.Mutex
	shadow atomic.Uintptr
}

func newVMInterceptor(t *Tracer, logger zerolog.Logger) *VMInterceptor {
	return &VMInterceptor{
		t:      t,
		table:  t.vmTable,
		logger: logger.With().Str("component", "vm_interceptor").Logger(),
	}
}

func (v *VMInterceptor) IsInitialised() bool { return v.shadow.Load() != 0 }
func (v *VMInterceptor) Get() uintptr        { return v.shadow.Load() }

// GetOrCreate returns the shadow JavaVM, building it from realVM if needed.
func (v *VMInterceptor) GetOrCreate(realVM uintptr) (uintptr, error) {
	if h := v.shadow.Load(); h != 0 {
		return h, nil
	}
	return v.Create(realVM)
}

// Create builds the shadow JavaVM from the invoke interface of realVM. Like
// the shadow JNIEnv it is built once.
func (v *VMInterceptor) Create(realVM uintptr) (uintptr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if h := v.shadow.Load(); h != 0 {
		return h, nil
	}
	if realVM == 0 {
		return 0, fmt.Errorf("cannot build a shadow JavaVM from a null vm")
	}

	shadow, err := v.t.buildShadow(v.table, realVM, v.intercept)
	if err != nil {
		return 0, fmt.Errorf("failed to build shadow JavaVM: %w", err)
	}

	v.shadow.Store(shadow)
	v.logger.Info().
		Str("real_vm", fmt.Sprintf("0x%x", realVM)).
		Str("shadow_vm", fmt.Sprintf("0x%x", shadow)).
		Msg("Installed shadow JavaVM")
	return shadow, nil
}

func (v *VMInterceptor) intercept(_ int, d catalog.Descriptor, realFn uintptr) (uintptr, error) {
	if d.Kind() != catalog.Fixed {
		return 0, fmt.Errorf("%s: JavaVM entries take fixed arguments", d.Name)
	}
	sig := d.Signature()
	native, err := v.t.host.NewFunction(realFn, sig)
	if err != nil {
		return 0, err
	}
	cb, err := v.t.host.NewCallback(sig, func(c *substrate.Call) types.Value {
		return v.onCall(d, native, c)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create callback for %s: %w", d.Name, err)
	}
	return v.t.hookedStub(cb)
}

func (v *VMInterceptor) onCall(d catalog.Descriptor, native substrate.NativeFunction, c *substrate.Call) types.Value {
	args := cloneValues(c.Args)
	if len(args) > 0 {
		if vm, ok := v.t.threads.JavaVM(); ok {
			args[0] = types.PointerValue(vm)
		} else {
			v.logger.Debug().Msg("No real JavaVM recorded, passing handle through")
		}
	}

	ret := native.Call(c, args)

	v.t.emit(&transport.Record{
		Table:     transport.TableVM,
		Method:    d,
		Args:      transport.NewArgs(args),
		Ret:       transport.Arg{Value: ret},
		ThreadID:  c.ThreadID,
		Backtrace: v.t.backtrace(c.Context),
	})

	switch d.Name {
	case "GetEnv", "AttachCurrentThread", "AttachCurrentThreadAsDaemon":
		v.shadowEnv(c.ThreadID, args, ret)
	}
	return ret
}

// shadowEnv records the env handed out by the VM as the thread's real env
// and replaces it with the shadow JNIEnv.
func (v *VMInterceptor) shadowEnv(tid int, args []types.Value, ret types.Value) {
	if ret.Int64() != jniOK || len(args) < 2 {
		return
	}
	out := args[1].Uintptr()
	if out == 0 {
		return
	}
	env, err := v.t.readPointer(out)
	if err != nil || env == 0 {
		return
	}

	e := v.t.env
	if env != e.Get() {
		v.t.threads.SetEnv(tid, env)
	}
	shadow, err := e.GetOrCreate(env)
	if err != nil {
		v.logger.Error().Err(err).Msg("Failed to build shadow JNIEnv")
		return
	}
	if err := v.t.writePointer(out, shadow); err != nil {
		v.logger.Error().Err(err).Msg("Failed to hand out shadow JNIEnv")
	}
}
