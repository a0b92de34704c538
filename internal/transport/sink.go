package transport

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// LogSink writes one structured log line per record.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink that logs at info level.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "trace").Logger()}
}

func (s *LogSink) Write(rec *Record) {
	ev := s.logger.Info().
		Str("table", string(rec.Table)).
		Str("method", rec.Method.Name).
		Int("thread_id", rec.ThreadID).
		Dur("elapsed", rec.Timestamp).
		Strs("args", formatArgs(rec.Args)).
		Str("ret", formatArg(rec.Ret))

	if len(rec.Extra) > 0 {
		ev = ev.Strs("extra", formatArgs(rec.Extra))
	}
	if len(rec.JavaParams) > 0 {
		ev = ev.Str("java_signature", "("+strings.Join(rec.JavaParams, "")+")"+rec.JavaRet)
	}
	if len(rec.Backtrace) > 0 {
		frames := make([]string, len(rec.Backtrace))
		for i, pc := range rec.Backtrace {
			frames[i] = fmt.Sprintf("0x%x", pc)
		}
		ev = ev.Strs("backtrace", frames)
	}
	if rec.Incomplete {
		ev = ev.Bool("incomplete", true)
	}
	ev.Msg(string(rec.Table) + "->" + rec.Method.Name)
}

func formatArgs(args []Arg) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = formatArg(a)
	}
	return out
}

func formatArg(a Arg) string {
	s := a.Value.String()
	switch {
	case a.Text != "":
		s += fmt.Sprintf(" %q", a.Text)
	case a.Metadata != "":
		s += " {" + a.Metadata + "}"
	}
	if len(a.Bytes) > 0 {
		s += fmt.Sprintf(" [% x]", a.Bytes)
	}
	return s
}

// ChannelSink forwards records to a buffered channel. A full channel drops
// the record instead of stalling the traced thread. One warning is logged
// per run of drops; Dropped has the count.
type ChannelSink struct {
	ch      chan *Record
	dropped atomic.Uint64
	full    atomic.Bool
	logger  zerolog.Logger
}

// NewChannelSink returns a sink with the given buffer size.
func NewChannelSink(size int, logger zerolog.Logger) *ChannelSink {
	if size <= 0 {
		size = 1
	}
	return &ChannelSink{
		ch:     make(chan *Record, size),
		logger: logger.With().Str("component", "channel_sink").Logger(),
	}
}

func (s *ChannelSink) Write(rec *Record) {
	select {
	case s.ch <- rec:
		s.full.Store(false)
	default:
		s.dropped.Add(1)
		if s.full.CompareAndSwap(false, true) {
			s.logger.Warn().Str("method", rec.Method.Name).Msg("Record buffer full, dropping records")
		}
	}
}

// Records returns the receive side of the buffer.
func (s *ChannelSink) Records() <-chan *Record { return s.ch }

// Dropped returns how many records were discarded.
func (s *ChannelSink) Dropped() uint64 { return s.dropped.Load() }

// SliceSink keeps every record in memory.
type SliceSink struct {
	mu      sync.Mutex
	records []*Record
}

func (s *SliceSink) Write(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

// Records returns a snapshot of the collected records.
func (s *SliceSink) Records() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Record(nil), s.records...)
}

// Named returns the collected records for one method.
func (s *SliceSink) Named(method string) []*Record {
	var out []*Record
	for _, r := range s.Records() {
		if r.Method.Name == method {
			out = append(out, r)
		}
	}
	return out
}
