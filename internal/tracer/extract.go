package tracer

import (
	"fmt"

	"github.com/coral-mesh/jnitrace/internal/abi"
	"github.com/coral-mesh/jnitrace/internal/jni/catalog"
	"github.com/coral-mesh/jnitrace/internal/jni/signature"
	"github.com/coral-mesh/jnitrace/internal/jni/types"
)

// extract reads the typed values behind the trailing va_list or jvalue
// array of a call. The types come from the signature cached for the call's
// method id. Every value is read before the real function runs, since the
// callee consumes the va_list.
func (t *Tracer) extract(d catalog.Descriptor, args []types.Value) ([]types.Value, *signature.ParsedSignature, error) {
	idx := methodIDIndex(d)
	if idx < 0 || idx >= len(args) || len(args) == 0 {
		return nil, nil, fmt.Errorf("%s has no method id argument", d.Name)
	}
	id := args[idx].Uintptr()
	sig, ok := t.signatures.Load(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: 0x%x", ErrUnknownMethodID, id)
	}

	params := sig.CallingParams()
	handle := args[len(args)-1].Uintptr()

	var (
		cur      abi.Cursor
		promoted bool
		err      error
	)
	switch d.Kind() {
	case catalog.VaList:
		cur, err = t.marshaller.BeginExtraction(t.host, handle, params)
		if err != nil {
			return nil, nil, err
		}
		promoted = true
	case catalog.JValues:
		cur = abi.BeginJValues(handle, params)
	default:
		return nil, nil, fmt.Errorf("%s does not take an argument list", d.Name)
	}
	defer cur.Close()

	ps := t.marshaller.PointerSize()
	out := make([]types.Value, 0, len(params))
	for i, ct := range params {
		addr, err := cur.Next()
		if err != nil {
			return nil, nil, fmt.Errorf("argument %d: %w", i, err)
		}
		v, err := types.ReadValue(t.host, addr, ct, ps, promoted)
		if err != nil {
			return nil, nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, sig, nil
}
