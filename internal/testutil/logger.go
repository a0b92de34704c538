package testutil

import (
	"bytes"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// NewTestLogger returns a logger for code under test. Output is held
// back and only written to t.Log if the test fails, so hook and transport
// goroutines that outlive the test can keep logging safely.
func NewTestLogger(t testing.TB) zerolog.Logger {
	w := &failureLog{}
	t.Cleanup(func() {
		if t.Failed() {
			w.flush(t)
		}
	})
	return zerolog.New(w).With().Timestamp().Logger()
}

// NewTestLoggerWithOutput returns a logger that reports every level
// through t.Log as it happens.
func NewTestLoggerWithOutput(t testing.TB) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: zerolog.NewTestWriter(t), NoColor: true}).
		Level(zerolog.TraceLevel).
		With().Timestamp().Logger()
}

type failureLog struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	flushed bool
}

func (w *failureLog) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flushed {
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *failureLog) flush(t testing.TB) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushed = true
	if w.buf.Len() > 0 {
		t.Logf("logs from failed test:\n%s", w.buf.String())
	}
}
