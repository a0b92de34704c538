package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/jnitrace/internal/jni/types"
)

func TestEnvCatalog(t *testing.T) {
	env, err := Env()
	require.NoError(t, err)

	assert.Equal(t, "JNIEnv", env.Name())
	assert.Equal(t, 233, env.Len())
	assert.Equal(t, 4, env.Reserved())

	slots := map[string]int{
		"GetVersion":        4,
		"FindClass":         6,
		"NewObject":         28,
		"GetMethodID":       33,
		"CallObjectMethod":  34,
		"CallVoidMethodA":   63,
		"GetFieldID":        94,
		"GetStaticMethodID": 113,
		"RegisterNatives":   215,
		"GetJavaVM":         219,
		"GetObjectRefType":  232,
	}
	for name, want := range slots {
		got, err := env.Index(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}

	counts := map[Kind]int{}
	for _, d := range env.Entries() {
		counts[d.Kind()]++
	}
	assert.Equal(t, 31, counts[Variadic])
	assert.Equal(t, 31, counts[VaList])
	assert.Equal(t, 31, counts[JValues])
	assert.Equal(t, 140, counts[Fixed])
}

func TestVMCatalog(t *testing.T) {
	vm, err := VM()
	require.NoError(t, err)

	assert.Equal(t, 8, vm.Len())
	assert.Equal(t, 3, vm.Reserved())

	d, err := vm.Lookup("GetEnv")
	require.NoError(t, err)
	assert.Equal(t, []string{"JavaVM*", "void**", "jint"}, d.Args)
	assert.Equal(t, Fixed, d.Kind())

	i, err := vm.Index("AttachCurrentThreadAsDaemon")
	require.NoError(t, err)
	assert.Equal(t, 7, i)
}

func TestUnknownMethod(t *testing.T) {
	env, err := Env()
	require.NoError(t, err)

	_, err = env.Index("CallMagicMethod")
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestDescriptorKinds(t *testing.T) {
	env, err := Env()
	require.NoError(t, err)

	d, err := env.Lookup("CallIntMethod")
	require.NoError(t, err)
	assert.Equal(t, Variadic, d.Kind())
	assert.False(t, d.IsHandleBased())
	assert.Equal(t, []string{"JNIEnv*", "jobject", "jmethodID"}, d.FixedArgs())

	sig := d.Signature()
	assert.True(t, sig.Variadic)
	assert.Equal(t, 3, sig.Fixed)
	assert.Equal(t, types.Int, sig.Ret)
	assert.Equal(t, []types.CallingType{types.Pointer, types.Pointer, types.Pointer}, sig.Params)

	d, err = env.Lookup("CallStaticFloatMethodV")
	require.NoError(t, err)
	assert.Equal(t, VaList, d.Kind())
	assert.True(t, d.IsHandleBased())

	d, err = env.Lookup("NewObjectA")
	require.NoError(t, err)
	assert.Equal(t, JValues, d.Kind())
	assert.True(t, d.IsHandleBased())

	d, err = env.Lookup("SetLongField")
	require.NoError(t, err)
	assert.Equal(t, Fixed, d.Kind())
	assert.Equal(t, []types.CallingType{types.Pointer, types.Pointer, types.Pointer, types.Int64}, d.Signature().Params)
}

func TestLoadRejectsBadData(t *testing.T) {
	_, err := Load("T", []byte("- name: A\n- name: A\n"), 0)
	assert.Error(t, err)

	_, err = Load("T", []byte("- name: A\n"), 2)
	assert.Error(t, err)

	_, err = Load("T", []byte("{not a list"), 0)
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{Fixed, Variadic, VaList, JValues} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("weird")
	assert.Error(t, err)
}
