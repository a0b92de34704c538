package tracer

import (
	"fmt"

	"github.com/coral-mesh/jnitrace/internal/jni/types"
	"github.com/coral-mesh/jnitrace/internal/substrate"
)

// jniNativeMethodFields is the number of pointer-sized fields in a
// JNINativeMethod: name, signature and function pointer.
const jniNativeMethodFields = 3

// bindNatives hooks the native method implementations passed to
// RegisterNatives, so that calls into them receive the shadow JNIEnv.
func (e *EnvInterceptor) bindNatives(args []types.Value) {
	if len(args) < 4 {
		return
	}
	methods := args[2].Uintptr()
	count := int(int32(args[3].Int64()))
	if methods == 0 || count <= 0 {
		return
	}

	ps := e.t.marshaller.PointerSize()
	stride := uintptr(jniNativeMethodFields * ps)
	for i := 0; i < count; i++ {
		entry := methods + uintptr(i)*stride

		name, sig, fn, err := e.readNativeMethod(entry, ps)
		if err != nil {
			e.logger.Debug().Err(err).Int("index", i).Msg("Skipping unreadable native method")
			continue
		}
		if fn == 0 {
			continue
		}
		id := name + sig
		if !e.t.exportAllowed(id) {
			e.logger.Debug().Str("method", id).Msg("Native method filtered out")
			continue
		}
		if _, loaded := e.natives.LoadOrStore(fn, id); loaded {
			continue
		}

		if err := e.t.host.Attach(fn, substrate.Listener{OnEnter: e.enterNative}); err != nil {
			e.natives.Delete(fn)
			e.logger.Warn().Err(err).Str("method", id).Msg("Failed to hook native method")
			continue
		}
		e.logger.Debug().
			Str("method", id).
			Str("address", fmt.Sprintf("0x%x", fn)).
			Msg("Hooked native method")
	}
}

func (e *EnvInterceptor) readNativeMethod(entry uintptr, ps int) (name, sig string, fn uintptr, err error) {
	namePtr, err := e.t.readPointer(entry)
	if err != nil {
		return "", "", 0, err
	}
	sigPtr, err := e.t.readPointer(entry + uintptr(ps))
	if err != nil {
		return "", "", 0, err
	}
	fn, err = e.t.readPointer(entry + uintptr(2*ps))
	if err != nil {
		return "", "", 0, err
	}
	if name, err = e.t.host.ReadCString(namePtr); err != nil {
		return "", "", 0, err
	}
	if sig, err = e.t.host.ReadCString(sigPtr); err != nil {
		return "", "", 0, err
	}
	return name, sig, fn, nil
}

// enterNative records the caller's env for the thread and swaps it for the
// shadow before the native method runs.
func (e *EnvInterceptor) enterNative(inv *substrate.Invocation) {
	shadow := e.Get()
	if shadow == 0 || len(inv.Args) == 0 {
		return
	}
	env := inv.Args[0]
	if env != shadow {
		e.t.threads.SetEnv(inv.ThreadID, env)
	}
	inv.Args[0] = shadow
}
