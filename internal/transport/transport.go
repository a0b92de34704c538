package transport

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/jnitrace/internal/config"
)

// Memory is the part of the host the transport reads strings and buffers
// through.
type Memory interface {
	Read(addr uintptr, n int) ([]byte, error)
	ReadCString(addr uintptr) (string, error)
}

// Options controls which records are emitted.
type Options struct {
	// Env and VM enable records for each table.
	Env bool
	VM  bool
	// Include and Exclude are regular expressions matched against method
	// names. With Include set, only matching methods are reported.
	Include []string
	Exclude []string
	// ShowData captures buffer contents.
	ShowData bool
}

// DefaultOptions reports every call of both tables.
func DefaultOptions() Options {
	return Options{Env: true, VM: true}
}

// OptionsFromConfig converts the reporting section of a configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Env:      cfg.Env,
		VM:       cfg.VM,
		Include:  cfg.Include,
		Exclude:  cfg.Exclude,
		ShowData: cfg.ShowData,
	}
}

// Sink consumes records.
type Sink interface {
	Write(rec *Record)
}

// Transport enriches records and passes them to its sinks.
type Transport struct {
	session uuid.UUID
	opts    Options
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	mem     Memory
	state   *state
	sinks   []Sink
	logger  zerolog.Logger
}

var _ Reporter = (*Transport)(nil)

// New creates a transport. It fails if a filter is not a valid regular
// expression.
func New(mem Memory, opts Options, logger zerolog.Logger, sinks ...Sink) (*Transport, error) {
	include, err := compileAll(opts.Include)
	if err != nil {
		return nil, fmt.Errorf("invalid include filter: %w", err)
	}
	exclude, err := compileAll(opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude filter: %w", err)
	}

	session := uuid.New()
	return &Transport{
		session: session,
		opts:    opts,
		include: include,
		exclude: exclude,
		mem:     mem,
		state:   newState(),
		sinks:   sinks,
		logger: logger.With().
			Str("component", "transport").
			Str("session_id", session.String()).
			Logger(),
	}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Session identifies this tracing session in every record.
func (t *Transport) Session() uuid.UUID { return t.session }

// Report records a call. Reference state is updated for every JNIEnv call,
// including the ones that are filtered out, so later records can still be
// annotated.
func (t *Transport) Report(rec *Record) {
	if rec.Table == TableEnv {
		t.state.update(t.mem, rec)
	}

	enabled := t.opts.Env
	if rec.Table == TableVM {
		enabled = t.opts.VM
	}
	if !enabled || t.ignored(rec.Method.Name) {
		return
	}

	t.annotate(rec)
	rec.Session = t.session

	if rec.Incomplete {
		t.logger.Debug().
			Str("method", rec.Method.Name).
			Int("thread_id", rec.ThreadID).
			Msg("Reporting call without decoded arguments")
	}

	for _, s := range t.sinks {
		s.Write(rec)
	}
}

func (t *Transport) ignored(name string) bool {
	if len(t.include) > 0 {
		matched := false
		for _, re := range t.include {
			if re.MatchString(name) {
				matched = true
				break
			}
		}
		if !matched {
			return true
		}
	}
	for _, re := range t.exclude {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
