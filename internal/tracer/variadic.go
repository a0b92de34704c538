package tracer

import (
	"fmt"

	"github.com/coral-mesh/jnitrace/internal/jni/catalog"
	"github.com/coral-mesh/jnitrace/internal/jni/signature"
	"github.com/coral-mesh/jnitrace/internal/jni/types"
	"github.com/coral-mesh/jnitrace/internal/substrate"
	"github.com/coral-mesh/jnitrace/internal/transport"
)

// dispatchArgs is how many leading arguments the trampoline hands to the
// dispatch callback. Every variadic JNI entry has its method id among them.
const dispatchArgs = 4

var dispatchSignature = types.Signature{
	Ret:    types.Pointer,
	Params: []types.CallingType{types.Pointer, types.Pointer, types.Pointer, types.Pointer},
}

// variadicEntry is the interception state of one variadic table slot.
// passThrough is the address that reaches realFn from the trampoline with
// the caller's arguments untouched.
type variadicEntry struct {
	e           *EnvInterceptor
	slot        int
	desc        catalog.Descriptor
	realFn      uintptr
	passThrough uintptr
	fixed       []types.CallingType
	ret         types.CallingType
	methodArg   int
}

// interceptVariadic installs a trampoline for a variadic entry. The
// trampoline asks the dispatch callback for a callback matching the called
// method's signature, and then calls it with the caller's full register and
// stack state.
func (e *EnvInterceptor) interceptVariadic(slot int, d catalog.Descriptor, realFn uintptr) (uintptr, error) {
	t := e.t
	m := t.marshaller

	ret := types.NativeToCalling(d.Ret)
	if !m.SupportsVariadicReturn(ret) {
		return 0, fmt.Errorf("%s returns %s, which does not survive the %s trampoline", d.Name, ret, m.Arch())
	}
	methodArg := methodIDIndex(d)
	if methodArg < 0 || methodArg >= dispatchArgs {
		return 0, fmt.Errorf("%s has no method id among its first %d arguments", d.Name, dispatchArgs)
	}

	region, err := t.host.AllocExecutable(m.TrampolineSize())
	if err != nil {
		return 0, fmt.Errorf("failed to allocate trampoline for %s: %w", d.Name, err)
	}

	v := &variadicEntry{
		e:           e,
		slot:        slot,
		desc:        d,
		realFn:      realFn,
		passThrough: m.PassThrough(region, realFn),
		fixed:       d.Signature().Params,
		ret:         ret,
		methodArg:   methodArg,
	}

	dispatch, err := t.host.NewCallback(dispatchSignature, v.dispatch)
	if err != nil {
		return 0, fmt.Errorf("failed to create dispatch callback for %s: %w", d.Name, err)
	}
	img, err := m.VariadicTrampoline(region, dispatch, realFn)
	if err != nil {
		return 0, fmt.Errorf("failed to build trampoline for %s: %w", d.Name, err)
	}
	if err := t.host.PatchCode(region, img); err != nil {
		return 0, fmt.Errorf("failed to write trampoline for %s: %w", d.Name, err)
	}

	if t.opts.Backtrace != substrate.BacktraceNone {
		err := t.host.Attach(region, substrate.Listener{
			OnEnter: func(inv *substrate.Invocation) {
				t.backtraces.put(inv.ThreadID, t.host.Backtrace(inv.Context, t.opts.Backtrace))
			},
		})
		if err != nil {
			return 0, fmt.Errorf("failed to hook trampoline for %s: %w", d.Name, err)
		}
	}
	return region, nil
}

// dispatch runs inside the trampoline, before the real call. It returns the
// address the trampoline calls next.
func (v *variadicEntry) dispatch(c *substrate.Call) types.Value {
	t := v.e.t

	var id uintptr
	if v.methodArg < len(c.Args) {
		id = c.Args[v.methodArg].Uintptr()
	}

	if cb, ok := t.callbacks.Load(v.slot, id); ok {
		return types.PointerValue(cb)
	}

	sig, ok := t.signatures.Load(id)
	if !ok {
		return types.PointerValue(v.forward(c, id))
	}

	cb, err := v.build(sig)
	if err != nil {
		v.e.logger.Error().Err(err).Str("method", v.desc.Name).Msg("Failed to build variadic callback")
		return types.PointerValue(v.forward(c, id))
	}

	actual, loaded := t.callbacks.LoadOrStore(v.slot, id, cb)
	if loaded {
		v.e.logger.Trace().Str("method", v.desc.Name).Msg("Another thread built the variadic callback first")
	}
	return types.PointerValue(actual)
}

// build creates the callback for one method. Its parameters are the fixed
// arguments followed by the method's parameters, with floats widened to
// double as C variadic calls pass them.
func (v *variadicEntry) build(sig *signature.ParsedSignature) (uintptr, error) {
	t := v.e.t

	params := append([]types.CallingType(nil), v.fixed...)
	java := sig.CallingParams()
	for _, ct := range java {
		params = append(params, ct.Promoted())
	}

	native, err := t.host.NewFunction(v.realFn, types.Signature{
		Ret:      v.ret,
		Params:   params,
		Fixed:    len(v.fixed),
		Variadic: true,
	})
	if err != nil {
		return 0, err
	}

	return t.host.NewCallback(types.Signature{Ret: v.ret, Params: params}, func(c *substrate.Call) types.Value {
		return v.call(sig, java, native, c)
	})
}

func (v *variadicEntry) call(sig *signature.ParsedSignature, java []types.CallingType, native substrate.NativeFunction, c *substrate.Call) types.Value {
	t := v.e.t
	args := cloneValues(c.Args)
	v.e.realEnvFor(c.ThreadID, args)

	ret := native.Call(c, args)

	n := len(v.fixed)
	if n > len(args) {
		n = len(args)
	}
	extra := make([]types.Value, 0, len(args)-n)
	for i, a := range args[n:] {
		if i < len(java) {
			a = a.As(java[i])
		}
		extra = append(extra, a)
	}

	t.emit(&transport.Record{
		Table:      transport.TableEnv,
		Method:     v.desc,
		Args:       transport.NewArgs(args[:n]),
		Extra:      transport.NewArgs(extra),
		JavaParams: sig.Params,
		JavaRet:    sig.Ret,
		Ret:        transport.Arg{Value: ret},
		ThreadID:   c.ThreadID,
		Backtrace:  t.backtraces.take(c.ThreadID),
	})
	return ret
}

// forward handles a call whose method id has no known signature. The
// extra arguments cannot be decoded, so the call is reported from the fixed
// arguments alone and the trampoline is sent on to the real function with
// the caller's registers and stack.
func (v *variadicEntry) forward(c *substrate.Call, id uintptr) uintptr {
	t := v.e.t
	v.e.logger.Debug().
		Str("method", v.desc.Name).
		Str("method_id", fmt.Sprintf("0x%x", id)).
		Msg("Passing variadic call through without its arguments")

	args := cloneValues(c.Args)
	if len(args) > len(v.fixed) {
		args = args[:len(v.fixed)]
	}
	v.e.realEnvFor(c.ThreadID, args)
	t.emit(&transport.Record{
		Table:      transport.TableEnv,
		Method:     v.desc,
		Args:       transport.NewArgs(args),
		ThreadID:   c.ThreadID,
		Backtrace:  t.backtraces.take(c.ThreadID),
		Incomplete: true,
	})
	return v.passThrough
}
