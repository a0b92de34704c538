package signature

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/jnitrace/internal/jni/types"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		descriptor string
		params     []string
		ret        string
	}{
		{"int and string", "(ILjava/lang/String;)V", []string{"I", "Ljava/lang/String;"}, "V"},
		{"no params", "()J", nil, "J"},
		{"arrays", "([I[Ljava/lang/Object;)[B", []string{"[I", "[Ljava/lang/Object;"}, "[B"},
		{"all primitives", "(BSIJFDCZ)D", []string{"B", "S", "I", "J", "F", "D", "C", "Z"}, "D"},
		{"object return", "(J)Ljava/util/List;", []string{"J"}, "Ljava/util/List;"},
		{"second return overwrites", "()IJ", nil, "J"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := Parse(tt.descriptor)
			require.NoError(t, err)
			assert.Equal(t, tt.params, sig.Params)
			assert.Equal(t, tt.ret, sig.Ret)
			assert.Equal(t, tt.descriptor, sig.String())
		})
	}
}

func TestParseMalformed(t *testing.T) {
	for _, d := range []string{
		"",
		"I)V",
		"(I",
		"(I)",
		"(Ljava/lang/String)V",
		"(Q)V",
		"(I))V",
	} {
		_, err := Parse(d)
		assert.ErrorIs(t, err, ErrMalformedDescriptor, "descriptor %q", d)
	}
}

func TestDerivedViews(t *testing.T) {
	sig, err := Parse("(ILjava/lang/String;[FD)Z")
	require.NoError(t, err)

	assert.Equal(t, []string{"jint", "jstring", "jfloatArray", "jdouble"}, sig.NativeParams())
	assert.Equal(t, []types.CallingType{types.Int, types.Pointer, types.Pointer, types.Double}, sig.CallingParams())
	assert.Equal(t, "jboolean", sig.NativeRet())
	assert.Equal(t, types.Char, sig.CallingRet())
}

func TestPrimitiveCodesThroughParser(t *testing.T) {
	want := map[string]types.CallingType{
		"B": types.Char,
		"S": types.Int16,
		"I": types.Int,
		"J": types.Int64,
		"F": types.Float,
		"D": types.Double,
		"C": types.Uint16,
		"Z": types.Char,
	}

	for code, ct := range want {
		sig, err := Parse("(" + code + ")" + code)
		require.NoError(t, err)
		assert.Equal(t, []types.CallingType{ct}, sig.CallingParams(), code)
		assert.Equal(t, ct, sig.CallingRet(), code)
	}

	sig, err := Parse("()V")
	require.NoError(t, err)
	assert.Equal(t, types.Void, sig.CallingRet())
}

func TestInterner(t *testing.T) {
	in := NewInterner()

	a, err := in.Intern("(I)V")
	require.NoError(t, err)
	b, err := in.Intern("(I)V")
	require.NoError(t, err)
	c, err := in.Intern("(J)V")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, in.Len())

	_, err = in.Intern("(I")
	assert.ErrorIs(t, err, ErrMalformedDescriptor)
	assert.Equal(t, 2, in.Len())
}

func TestInternerConcurrent(t *testing.T) {
	in := NewInterner()

	var wg sync.WaitGroup
	results := make([]*ParsedSignature, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig, err := in.Intern("(Ljava/lang/String;I)J")
			if err == nil {
				results[i] = sig
			}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Same(t, results[0], r)
	}
	assert.Equal(t, 1, in.Len())
}
