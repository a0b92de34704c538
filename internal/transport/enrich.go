package transport

import (
	"regexp"
	"strings"
	"sync"

	"github.com/coral-mesh/jnitrace/internal/jni/types"
)

// state remembers what JNI references and ids stand for, learned from the
// calls that created them.
type state struct {
	mu        sync.RWMutex
	objects   map[uintptr]string
	methodIDs map[uintptr]string
	fieldIDs  map[uintptr]string
	arrays    map[uintptr]int
}

func newState() *state {
	return &state{
		objects:   make(map[uintptr]string),
		methodIDs: make(map[uintptr]string),
		fieldIDs:  make(map[uintptr]string),
		arrays:    make(map[uintptr]int),
	}
}

func argAddr(rec *Record, i int) uintptr {
	if i < 0 || i >= len(rec.Args) {
		return 0
	}
	return rec.Args[i].Value.Uintptr()
}

func cstring(mem Memory, addr uintptr) (string, bool) {
	if addr == 0 || mem == nil {
		return "", false
	}
	s, err := mem.ReadCString(addr)
	return s, err == nil
}

func (s *state) update(mem Memory, rec *Record) {
	name := rec.Method.Name
	ret := rec.Ret.Value.Uintptr()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case name == "GetArrayLength":
		s.arrays[argAddr(rec, 1)] = int(rec.Ret.Value.Int64())
	case strings.HasPrefix(name, "New") && strings.HasSuffix(name, "Array"):
		if ret != 0 && len(rec.Args) > 1 {
			s.arrays[ret] = int(rec.Args[1].Value.Int64())
		}
	case name == "GetMethodID" || name == "GetStaticMethodID":
		n, ok1 := cstring(mem, argAddr(rec, 2))
		sig, ok2 := cstring(mem, argAddr(rec, 3))
		if ok1 && ok2 && ret != 0 {
			s.methodIDs[ret] = n + sig
		}
	case name == "GetFieldID" || name == "GetStaticFieldID":
		n, ok1 := cstring(mem, argAddr(rec, 2))
		sig, ok2 := cstring(mem, argAddr(rec, 3))
		if ok1 && ok2 && ret != 0 {
			s.fieldIDs[ret] = n + ":" + sig
		}
	case name == "FindClass" || name == "DefineClass":
		if n, ok := cstring(mem, argAddr(rec, 1)); ok && ret != 0 {
			s.objects[ret] = n
		}
	case strings.HasPrefix(name, "New") && strings.HasSuffix(name, "GlobalRef"):
		if cls, ok := s.objects[argAddr(rec, 1)]; ok && ret != 0 {
			s.objects[ret] = cls
		}
	case strings.HasPrefix(name, "Delete") && strings.HasSuffix(name, "GlobalRef"):
		delete(s.objects, argAddr(rec, 1))
	case name == "GetObjectClass":
		if cls, ok := s.objects[argAddr(rec, 1)]; ok && ret != 0 {
			s.objects[ret] = cls
		}
	case strings.HasPrefix(name, "Call"):
		s.learnFromCall(rec)
	}
}

// learnFromCall names object arguments and object results by the declared
// types of the Java method being called.
func (s *state) learnFromCall(rec *Record) {
	if rec.JavaParams == nil {
		return
	}
	for i, code := range rec.JavaParams {
		if i >= len(rec.Extra) {
			break
		}
		ref := rec.Extra[i].Value.Uintptr()
		if ref == 0 {
			continue
		}
		if _, known := s.objects[ref]; known {
			continue
		}
		if cls, ok := className(code); ok {
			s.objects[ref] = cls
		}
	}

	ret := rec.Ret.Value.Uintptr()
	if strings.Contains(rec.Method.Name, "Object") && ret != 0 {
		if _, known := s.objects[ret]; !known {
			if cls, ok := className(rec.JavaRet); ok {
				s.objects[ret] = cls
			}
		}
	}
}

// className returns the internal class name of an object descriptor code.
func className(code string) (string, bool) {
	if strings.HasPrefix(code, "L") && strings.HasSuffix(code, ";") {
		return code[1 : len(code)-1], true
	}
	if strings.HasPrefix(code, "[") {
		return code, true
	}
	return "", false
}

func (s *state) describe(tag string, v types.Value) string {
	key := v.Uintptr()
	if key == 0 {
		return ""
	}
	switch {
	case types.IsComplexObjectType(tag):
		return s.objects[key]
	case tag == "jmethodID":
		return s.methodIDs[key]
	case tag == "jfieldID":
		return s.fieldIDs[key]
	}
	return ""
}

func isCString(tag string) bool {
	return tag == "const char*" || tag == "char*"
}

// annotate fills in metadata, strings and, with ShowData, buffer contents.
func (t *Transport) annotate(rec *Record) {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()

	fixed := rec.Method.FixedArgs()
	for i := range rec.Args {
		if i >= len(fixed) {
			break
		}
		tag := fixed[i]
		rec.Args[i].Metadata = t.state.describe(tag, rec.Args[i].Value)
		if isCString(tag) {
			rec.Args[i].Text, _ = cstring(t.mem, rec.Args[i].Value.Uintptr())
		}
	}

	for i, code := range rec.JavaParams {
		if i >= len(rec.Extra) {
			break
		}
		rec.Extra[i].Metadata = t.state.describe(types.SignatureElementToNative(code), rec.Extra[i].Value)
	}

	rec.Ret.Metadata = t.state.describe(rec.Method.Ret, rec.Ret.Value)
	if isCString(rec.Method.Ret) {
		rec.Ret.Text, _ = cstring(t.mem, rec.Ret.Value.Uintptr())
	}

	if t.opts.ShowData {
		t.captureBuffers(rec)
	}
}

var arrayAccess = regexp.MustCompile(`^(?:Get|Set)(Boolean|Byte|Char|Short|Int|Long|Float|Double)Array(Elements|Region)$`)

var elementSize = map[string]int{
	"Boolean": 1, "Byte": 1, "Char": 2, "Short": 2,
	"Int": 4, "Float": 4, "Long": 8, "Double": 8,
}

func (t *Transport) captureBuffers(rec *Record) {
	read := func(addr uintptr, n int) []byte {
		if addr == 0 || n <= 0 || t.mem == nil {
			return nil
		}
		b, err := t.mem.Read(addr, n)
		if err != nil {
			t.logger.Debug().Err(err).Str("method", rec.Method.Name).Msg("Failed to capture buffer")
			return nil
		}
		return b
	}

	switch name := rec.Method.Name; name {
	case "DefineClass":
		if len(rec.Args) > 4 {
			rec.Args[3].Bytes = read(argAddr(rec, 3), int(rec.Args[4].Value.Int64()))
		}
	case "NewString":
		if len(rec.Args) > 2 {
			rec.Args[1].Bytes = read(argAddr(rec, 1), 2*int(rec.Args[2].Value.Int64()))
		}
	default:
		m := arrayAccess.FindStringSubmatch(name)
		if m == nil {
			return
		}
		size := elementSize[m[1]]
		if m[2] == "Region" {
			// (env, array, start, len, buf)
			if len(rec.Args) > 4 {
				rec.Args[4].Bytes = read(argAddr(rec, 4), size*int(rec.Args[3].Value.Int64()))
			}
			return
		}
		if strings.HasPrefix(name, "Get") {
			if n, ok := t.state.arrays[argAddr(rec, 1)]; ok {
				rec.Ret.Bytes = read(rec.Ret.Value.Uintptr(), size*n)
			}
		}
	}
}
