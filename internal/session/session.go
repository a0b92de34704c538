// Package session assembles a tracer, its transport and the record sinks
// from a configuration. A host runtime opens one session per process.
package session

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/jnitrace/internal/config"
	"github.com/coral-mesh/jnitrace/internal/privilege"
	"github.com/coral-mesh/jnitrace/internal/safe"
	"github.com/coral-mesh/jnitrace/internal/substrate"
	"github.com/coral-mesh/jnitrace/internal/tracer"
	"github.com/coral-mesh/jnitrace/internal/transport"
)

// stdout receives records when no output file is configured. Replaced in
// tests.
var stdout io.Writer = os.Stdout

// Session is a configured tracer with its record pipeline.
type Session struct {
	Tracer    *tracer.Tracer
	Transport *transport.Transport

	records *transport.ChannelSink
	output  *os.File
	logger  zerolog.Logger
}

// Open validates cfg and builds a session for the process behind host.
// Nothing is hooked until Start.
func Open(host substrate.Host, cfg *config.Config, logger zerolog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Session{logger: logger.With().Str("component", "session").Logger()}

	out := stdout
	if path := cfg.Transport.Output; path != "" {
		f, err := safe.CreateFile(path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace output: %w", err)
		}
		if err := privilege.FixFileOwnership(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to fix trace output ownership")
		}
		s.output = f
		out = f
	}

	s.records = transport.NewChannelSink(cfg.Transport.BufferSize, logger)
	lines := transport.NewLogSink(zerolog.New(out).With().Timestamp().Logger())

	tr, err := transport.New(host, transport.OptionsFromConfig(cfg), logger, lines, s.records)
	if err != nil {
		s.closeOutput()
		return nil, err
	}
	s.Transport = tr

	opts, err := tracer.OptionsFromConfig(cfg)
	if err != nil {
		s.closeOutput()
		return nil, err
	}
	t, err := tracer.New(host, tr, opts, logger)
	if err != nil {
		s.closeOutput()
		return nil, err
	}
	s.Tracer = t

	s.logger.Info().
		Str("session_id", tr.Session().String()).
		Strs("libraries", opts.Libraries).
		Str("backtrace", string(opts.Backtrace)).
		Msg("Session opened")
	return s, nil
}

// Start hooks the dynamic loader.
func (s *Session) Start() error {
	if err := s.Tracer.Start(); err != nil {
		return fmt.Errorf("failed to start tracer: %w", err)
	}
	return nil
}

// Records returns buffered records for consumers other than the output
// stream. Records that do not fit the buffer are dropped.
func (s *Session) Records() <-chan *transport.Record { return s.records.Records() }

// Dropped returns how many records did not fit the buffer.
func (s *Session) Dropped() uint64 { return s.records.Dropped() }

// Close releases the output file. Hooks stay installed for the life of the
// process.
func (s *Session) Close() error {
	if dropped := s.Dropped(); dropped > 0 {
		s.logger.Warn().Uint64("dropped", dropped).Msg("Records were dropped")
	}
	if s.output == nil {
		return nil
	}
	err := s.output.Close()
	s.output = nil
	return err
}

func (s *Session) closeOutput() {
	if s.output != nil {
		safe.Close(s.output, s.logger, "failed to close trace output")
		s.output = nil
	}
}
