// Package tracer installs shadow JNIEnv and JavaVM function tables and
// reports every call made through them.
//
// A shadow table has the same layout as the real one. Each slot points at an
// interceptor that swaps the caller's handle for the thread's real one, calls
// the real function, reports the call and returns the real result.
package tracer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/jnitrace/internal/abi"
	"github.com/coral-mesh/jnitrace/internal/config"
	"github.com/coral-mesh/jnitrace/internal/jni/catalog"
	"github.com/coral-mesh/jnitrace/internal/jni/signature"
	"github.com/coral-mesh/jnitrace/internal/jni/types"
	"github.com/coral-mesh/jnitrace/internal/substrate"
	"github.com/coral-mesh/jnitrace/internal/transport"
)

// jniOK is the JNI success code.
const jniOK = 0

// Options configures a Tracer.
type Options struct {
	// Libraries selects which loaded libraries are followed. A single "*"
	// follows every library; otherwise a library is followed when its path
	// contains one of the entries.
	Libraries []string
	Backtrace substrate.BacktraceMode
	// IncludeExport and ExcludeExport filter native methods by substrings
	// of their name and signature.
	IncludeExport []string
	ExcludeExport []string
}

// DefaultOptions follows every library with accurate backtraces.
func DefaultOptions() Options {
	return Options{
		Libraries: []string{"*"},
		Backtrace: substrate.BacktraceAccurate,
	}
}

// OptionsFromConfig converts the tracing section of a configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	mode, err := substrate.ParseBacktraceMode(cfg.Backtrace)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Libraries:     cfg.Libraries,
		Backtrace:     mode,
		IncludeExport: cfg.IncludeExport,
		ExcludeExport: cfg.ExcludeExport,
	}, nil
}

// Tracer owns the interception state for one process.
type Tracer struct {
	host       substrate.Host
	marshaller abi.Marshaller
	envTable   *catalog.Catalog
	vmTable    *catalog.Catalog
	threads    *Registry
	signatures *SignatureCache
	callbacks  *CallbackCache
	backtraces *backtraceStash
	interner   *signature.Interner
	stubs      *codeArena
	reporter   transport.Reporter
	opts       Options
	start      time.Time
	logger     zerolog.Logger

	stubMu   sync.Mutex
	nullStub uintptr

	env    *EnvInterceptor
	vm     *VMInterceptor
	loader *LibraryTracker
}

// New creates a tracer for the process behind host. It fails when the
// process architecture is not supported.
func New(host substrate.Host, reporter transport.Reporter, opts Options, logger zerolog.Logger) (*Tracer, error) {
	arch, err := abi.ParseArch(host.Arch())
	if err != nil {
		return nil, fmt.Errorf("cannot trace this process: %w", err)
	}
	m, err := abi.New(arch)
	if err != nil {
		return nil, fmt.Errorf("cannot trace this process: %w", err)
	}
	if host.PointerSize() != m.PointerSize() {
		return nil, fmt.Errorf("%s uses %d byte pointers, host reports %d", arch, m.PointerSize(), host.PointerSize())
	}

	envTable, err := catalog.Env()
	if err != nil {
		return nil, err
	}
	vmTable, err := catalog.VM()
	if err != nil {
		return nil, err
	}

	if opts.Backtrace == "" {
		opts.Backtrace = substrate.BacktraceAccurate
	}
	if len(opts.Libraries) == 0 {
		opts.Libraries = []string{"*"}
	}

	t := &Tracer{
		host:       host,
		marshaller: m,
		envTable:   envTable,
		vmTable:    vmTable,
		threads:    NewRegistry(),
		signatures: &SignatureCache{},
		callbacks:  &CallbackCache{},
		backtraces: &backtraceStash{},
		interner:   signature.NewInterner(),
		stubs:      newCodeArena(host, host.PageSize()),
		reporter:   reporter,
		opts:       opts,
		start:      time.Now(),
		logger:     logger.With().Str("component", "tracer").Str("arch", string(arch)).Logger(),
	}
	t.env = newEnvInterceptor(t, logger)
	t.vm = newVMInterceptor(t, logger)
	t.loader = newLibraryTracker(t, logger)
	return t, nil
}

// Start hooks the dynamic loader so that libraries loaded from now on are
// followed.
func (t *Tracer) Start() error {
	return t.loader.Install()
}

func (t *Tracer) Env() *EnvInterceptor        { return t.env }
func (t *Tracer) VM() *VMInterceptor          { return t.vm }
func (t *Tracer) Threads() *Registry          { return t.threads }
func (t *Tracer) Signatures() *SignatureCache { return t.signatures }
func (t *Tracer) Libraries() *LibraryTracker  { return t.loader }
func (t *Tracer) Marshaller() abi.Marshaller  { return t.marshaller }

// emit stamps and reports a record.
func (t *Tracer) emit(rec *transport.Record) {
	rec.Timestamp = time.Since(t.start)
	if t.reporter != nil {
		t.reporter.Report(rec)
	}
}

func (t *Tracer) backtrace(ctx substrate.CPUContext) []uintptr {
	if t.opts.Backtrace == substrate.BacktraceNone || ctx == nil {
		return nil
	}
	return t.host.Backtrace(ctx, t.opts.Backtrace)
}

// stub returns the shared no-op function used for null table slots. It is
// never hooked.
func (t *Tracer) stub() (uintptr, error) {
	t.stubMu.Lock()
	defer t.stubMu.Unlock()
	if t.nullStub != 0 {
		return t.nullStub, nil
	}
	addr, err := t.stubs.place(t.marshaller.StubCode())
	if err != nil {
		return 0, err
	}
	t.nullStub = addr
	return addr, nil
}

// hookedStub places a fresh stub and redirects it to callback. Routing calls
// through a replaced stub gives the callback a populated CPU context.
func (t *Tracer) hookedStub(callback uintptr) (uintptr, error) {
	addr, err := t.stubs.place(t.marshaller.StubCode())
	if err != nil {
		return 0, err
	}
	if _, err := t.host.Replace(addr, callback); err != nil {
		return 0, fmt.Errorf("failed to redirect stub 0x%x: %w", addr, err)
	}
	return addr, nil
}

func (t *Tracer) readPointer(addr uintptr) (uintptr, error) {
	return types.ReadPointer(t.host, addr, t.marshaller.PointerSize())
}

func (t *Tracer) writePointer(addr, p uintptr) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(p))
	return t.host.Write(addr, b[:t.marshaller.PointerSize()])
}

// exportAllowed applies the native export filters to a method's name and
// signature.
func (t *Tracer) exportAllowed(id string) bool {
	if len(t.opts.IncludeExport) > 0 {
		included := false
		for _, s := range t.opts.IncludeExport {
			if strings.Contains(id, s) {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, s := range t.opts.ExcludeExport {
		if strings.Contains(id, s) {
			return false
		}
	}
	return true
}

// ErrUnknownMethodID is returned when a call names a method id whose
// signature was never observed.
var ErrUnknownMethodID = errors.New("no signature cached for method id")

// methodIDIndex returns the position of the jmethodID argument, or -1.
func methodIDIndex(d catalog.Descriptor) int {
	for i, a := range d.Args {
		if a == "jmethodID" {
			return i
		}
	}
	return -1
}

func cloneValues(v []types.Value) []types.Value {
	return append([]types.Value(nil), v...)
}
