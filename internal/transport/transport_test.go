package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/jnitrace/internal/jni/catalog"
	"github.com/coral-mesh/jnitrace/internal/jni/types"
	"github.com/coral-mesh/jnitrace/internal/testutil"
)

func envCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Env()
	require.NoError(t, err)
	return c
}

func record(t *testing.T, c *catalog.Catalog, method string, ret types.Value, args ...types.Value) *Record {
	t.Helper()
	d, err := c.Lookup(method)
	require.NoError(t, err)
	return &Record{
		Table:  TableEnv,
		Method: d,
		Args:   NewArgs(args),
		Ret:    Arg{Value: ret},
	}
}

func newTransport(t *testing.T, h *testutil.FakeHost, opts Options) (*Transport, *SliceSink) {
	t.Helper()
	sink := &SliceSink{}
	tr, err := New(h, opts, testutil.NewTestLogger(t), sink)
	require.NoError(t, err)
	return tr, sink
}

func ptr(p uintptr) types.Value { return types.PointerValue(p) }

func TestReportStampsSession(t *testing.T) {
	h := testutil.NewFakeHost()
	c := envCatalog(t)
	tr, sink := newTransport(t, h, DefaultOptions())

	tr.Report(record(t, c, "GetVersion", types.IntValue(0x10006), ptr(0x1)))

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, tr.Session(), recs[0].Session)
}

func TestTableToggles(t *testing.T) {
	h := testutil.NewFakeHost()
	c := envCatalog(t)
	vm, err := catalog.VM()
	require.NoError(t, err)

	tr, sink := newTransport(t, h, Options{Env: false, VM: true})

	tr.Report(record(t, c, "GetVersion", types.IntValue(0), ptr(0x1)))
	getEnv, err := vm.Lookup("GetEnv")
	require.NoError(t, err)
	tr.Report(&Record{Table: TableVM, Method: getEnv, Args: NewArgs([]types.Value{ptr(1), ptr(2), types.IntValue(0x10006)})})

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, TableVM, recs[0].Table)
}

func TestIncludeExcludeFilters(t *testing.T) {
	h := testutil.NewFakeHost()
	c := envCatalog(t)
	tr, sink := newTransport(t, h, Options{
		Env:     true,
		Include: []string{"^Call", "^Get"},
		Exclude: []string{"Static"},
	})

	for _, m := range []string{"CallIntMethod", "GetStaticMethodID", "GetVersion", "FindClass"} {
		tr.Report(record(t, c, m, types.IntValue(0), ptr(0x1)))
	}

	var names []string
	for _, r := range sink.Records() {
		names = append(names, r.Method.Name)
	}
	assert.Equal(t, []string{"CallIntMethod", "GetVersion"}, names)
}

func TestInvalidFilter(t *testing.T) {
	_, err := New(nil, Options{Include: []string{"("}}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(nil, Options{Exclude: []string{"[a"}}, zerolog.Nop())
	assert.Error(t, err)
}

func TestEnrichment(t *testing.T) {
	h := testutil.NewFakeHost()
	c := envCatalog(t)
	tr, sink := newTransport(t, h, DefaultOptions())

	const (
		env    = 0x100
		clazz  = 0x2000
		global = 0x2100
		obj    = 0x3000
		mid    = 0x1001
		fid    = 0x1002
	)

	tr.Report(record(t, c, "FindClass", ptr(clazz), ptr(env), ptr(h.CString("com/example/Foo"))))
	tr.Report(record(t, c, "NewGlobalRef", ptr(global), ptr(env), ptr(clazz)))
	tr.Report(record(t, c, "GetMethodID", ptr(mid),
		ptr(env), ptr(global), ptr(h.CString("bar")), ptr(h.CString("(Ljava/lang/String;)I"))))
	tr.Report(record(t, c, "GetFieldID", ptr(fid),
		ptr(env), ptr(clazz), ptr(h.CString("count")), ptr(h.CString("I"))))

	call := record(t, c, "CallIntMethodV", types.IntValue(3), ptr(env), ptr(obj), ptr(mid), ptr(0x9000))
	call.Extra = NewArgs([]types.Value{ptr(0x4000)})
	call.JavaParams = []string{"Ljava/lang/String;"}
	call.JavaRet = "I"
	tr.Report(call)

	tr.Report(record(t, c, "GetIntField", types.IntValue(9), ptr(env), ptr(obj), ptr(fid)))

	find := sink.Named("FindClass")[0]
	assert.Equal(t, "com/example/Foo", find.Args[1].Text)
	assert.Equal(t, "com/example/Foo", find.Ret.Metadata)

	gm := sink.Named("GetMethodID")[0]
	assert.Equal(t, "com/example/Foo", gm.Args[1].Metadata, "global ref inherits the class name")
	assert.Equal(t, "bar", gm.Args[2].Text)
	assert.Equal(t, "bar(Ljava/lang/String;)I", gm.Ret.Metadata)

	got := sink.Named("CallIntMethodV")[0]
	assert.Equal(t, "bar(Ljava/lang/String;)I", got.Args[2].Metadata)

	field := sink.Named("GetIntField")[0]
	assert.Equal(t, "count:I", field.Args[2].Metadata)

	// Object arguments of a call are named from the Java signature.
	tr.Report(record(t, c, "DeleteGlobalRef", types.VoidValue(), ptr(env), ptr(global)))
	tr.Report(record(t, c, "GetObjectClass", ptr(0x5000), ptr(env), ptr(0x4000)))
	oc := sink.Named("GetObjectClass")[0]
	assert.Equal(t, "java/lang/String", oc.Ret.Metadata)

	tr.Report(record(t, c, "GetMethodID", ptr(0x1003),
		ptr(env), ptr(global), ptr(h.CString("baz")), ptr(h.CString("()V"))))
	assert.Empty(t, sink.Named("GetMethodID")[1].Args[1].Metadata, "deleted global ref is forgotten")
}

func TestShowDataCapturesArrays(t *testing.T) {
	h := testutil.NewFakeHost()
	c := envCatalog(t)

	const arr = 0x7000
	elems := h.MustAlloc(4)
	require.NoError(t, h.Write(elems, []byte{1, 2, 3, 4}))

	for _, show := range []bool{false, true} {
		tr, sink := newTransport(t, h, Options{Env: true, ShowData: show})
		tr.Report(record(t, c, "NewByteArray", ptr(arr), ptr(0x100), types.IntValue(4)))
		tr.Report(record(t, c, "GetByteArrayElements", ptr(elems), ptr(0x100), ptr(arr), ptr(0)))

		rec := sink.Named("GetByteArrayElements")[0]
		if show {
			assert.Equal(t, []byte{1, 2, 3, 4}, rec.Ret.Bytes)
		} else {
			assert.Nil(t, rec.Ret.Bytes)
		}
	}

	tr, sink := newTransport(t, h, Options{Env: true, ShowData: true})
	tr.Report(record(t, c, "GetByteArrayRegion", types.VoidValue(),
		ptr(0x100), ptr(arr), types.IntValue(0), types.IntValue(2), ptr(elems)))
	assert.Equal(t, []byte{1, 2}, sink.Named("GetByteArrayRegion")[0].Args[4].Bytes)
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	s := NewChannelSink(1, testutil.NewTestLogger(t))
	s.Write(&Record{Method: catalog.Descriptor{Name: "A"}})
	s.Write(&Record{Method: catalog.Descriptor{Name: "B"}})

	assert.Equal(t, uint64(1), s.Dropped())

	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	select {
	case r := <-s.Records():
		assert.Equal(t, "A", r.Method.Name)
	case <-ctx.Done():
		t.Fatal("no record buffered")
	}
}

func TestChannelSinkWarnsOncePerOverflow(t *testing.T) {
	var buf bytes.Buffer
	s := NewChannelSink(1, zerolog.New(&buf))
	for _, name := range []string{"A", "B", "C", "D"} {
		s.Write(&Record{Method: catalog.Descriptor{Name: name}})
	}
	assert.Equal(t, uint64(3), s.Dropped())
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("Record buffer full")))

	// Draining and overflowing again warns again.
	<-s.Records()
	s.Write(&Record{Method: catalog.Descriptor{Name: "E"}})
	s.Write(&Record{Method: catalog.Descriptor{Name: "F"}})
	assert.Equal(t, uint64(4), s.Dropped())
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("Record buffer full")))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(zerolog.New(&buf))

	s.Write(&Record{
		Table:      TableEnv,
		Method:     catalog.Descriptor{Name: "CallVoidMethod"},
		Args:       []Arg{{Value: ptr(0x10)}, {Value: ptr(0x20), Metadata: "com/example/Foo"}},
		Extra:      NewArgs([]types.Value{types.IntValue(42)}),
		JavaParams: []string{"I"},
		JavaRet:    "V",
		Ret:        Arg{Value: types.VoidValue()},
		ThreadID:   7,
		Timestamp:  time.Millisecond,
		Backtrace:  []uintptr{0xabc},
	})

	out := buf.String()
	assert.Contains(t, out, `"method":"CallVoidMethod"`)
	assert.Contains(t, out, `"extra":["42"]`)
	assert.Contains(t, out, `"java_signature":"(I)V"`)
	assert.Contains(t, out, "0x20 {com/example/Foo}")
	assert.Contains(t, out, `"backtrace":["0xabc"]`)
	assert.Contains(t, out, `"thread_id":7`)
}
