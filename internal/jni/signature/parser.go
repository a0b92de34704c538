// Package signature decodes Java method descriptors such as
// "(ILjava/lang/String;)V" into parameter and return element codes.
package signature

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coral-mesh/jnitrace/internal/jni/types"
)

// ErrMalformedDescriptor is returned for descriptors that cannot be decoded.
var ErrMalformedDescriptor = errors.New("malformed method descriptor")

const primitiveCodes = "BSIJFDCZV"

type parseState int

const (
	stateParams parseState = iota
	stateReturnPending
)

// ParsedSignature is a decoded method descriptor. It is immutable once
// returned by Parse.
type ParsedSignature struct {
	Descriptor string
	Params     []string
	Ret        string
}

// Parse decodes a descriptor. Array prefixes are kept on the element code
// ("[I", "[Ljava/lang/String;").
func Parse(descriptor string) (*ParsedSignature, error) {
	if !strings.HasPrefix(descriptor, "(") {
		return nil, fmt.Errorf("%w: %q does not start with '('", ErrMalformedDescriptor, descriptor)
	}

	sig := &ParsedSignature{Descriptor: descriptor}
	state := stateParams
	isArray := false
	haveRet := false

	for i := 1; i < len(descriptor); i++ {
		c := descriptor[i]

		switch {
		case c == ')':
			if state == stateReturnPending {
				return nil, fmt.Errorf("%w: %q has a second ')'", ErrMalformedDescriptor, descriptor)
			}
			state = stateReturnPending
			continue
		case c == '[':
			isArray = true
			continue
		}

		var token string
		switch {
		case strings.IndexByte(primitiveCodes, c) >= 0:
			token = descriptor[i : i+1]
		case c == 'L':
			end := strings.IndexByte(descriptor[i:], ';')
			if end < 0 {
				return nil, fmt.Errorf("%w: %q has an unterminated class name at %d", ErrMalformedDescriptor, descriptor, i)
			}
			token = descriptor[i : i+end+1]
			i += end
		default:
			return nil, fmt.Errorf("%w: %q has unexpected %q at %d", ErrMalformedDescriptor, descriptor, c, i)
		}

		if isArray {
			token = "[" + token
			isArray = false
		}

		if state == stateParams {
			sig.Params = append(sig.Params, token)
		} else {
			sig.Ret = token
			haveRet = true
		}
	}

	if state != stateReturnPending {
		return nil, fmt.Errorf("%w: %q has no closing ')'", ErrMalformedDescriptor, descriptor)
	}
	if !haveRet {
		return nil, fmt.Errorf("%w: %q has no return type", ErrMalformedDescriptor, descriptor)
	}

	return sig, nil
}

// NativeParams returns the native JNI type of each parameter.
func (s *ParsedSignature) NativeParams() []string {
	out := make([]string, len(s.Params))
	for i, p := range s.Params {
		out[i] = types.SignatureElementToNative(p)
	}
	return out
}

// CallingParams returns the calling type of each parameter.
func (s *ParsedSignature) CallingParams() []types.CallingType {
	return types.NativesToCalling(s.NativeParams())
}

// NativeRet returns the native JNI return type.
func (s *ParsedSignature) NativeRet() string {
	return types.SignatureElementToNative(s.Ret)
}

// CallingRet returns the calling type of the return value.
func (s *ParsedSignature) CallingRet() types.CallingType {
	return types.NativeToCalling(s.NativeRet())
}

func (s *ParsedSignature) String() string {
	return s.Descriptor
}
