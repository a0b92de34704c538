package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"no libraries", func(c *Config) { c.Libraries = nil }, "libraries"},
		{"bad backtrace", func(c *Config) { c.Backtrace = "precise" }, "backtrace"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad buffer", func(c *Config) { c.Transport.BufferSize = 0 }, "transport.buffer_size"},
		{"bad include", func(c *Config) { c.Include = []string{"("} }, "include"},
		{"bad exclude", func(c *Config) { c.Exclude = []string{"[a-"} }, "exclude"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Backtrace = "precise"
	cfg.Include = []string{"("}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backtrace")
	assert.Contains(t, err.Error(), "include")
}

func TestValidateBacktraceIsCaseInsensitive(t *testing.T) {
	cfg := Default()
	cfg.Backtrace = "FUZZY"
	assert.NoError(t, cfg.Validate())
}
