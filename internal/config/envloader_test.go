package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	orig := lookupEnv
	lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	t.Cleanup(func() { lookupEnv = orig })
}

func TestLoadFromEnv(t *testing.T) {
	withEnv(t, map[string]string{
		"JNITRACE_LIBRARIES":      "libnative-lib.so, libfoo.so",
		"JNITRACE_BACKTRACE":      "fuzzy",
		"JNITRACE_SHOW_DATA":      "true",
		"JNITRACE_INCLUDE":        "^Call,^Get",
		"JNITRACE_EXCLUDE_EXPORT": "Java_com_example_Skip",
		"JNITRACE_VM":             "false",
		"JNITRACE_LOG_LEVEL":      "debug",
		"JNITRACE_BUFFER_SIZE":    "64",
	})

	cfg := Default()
	require.NoError(t, LoadFromEnv(cfg))

	assert.Equal(t, []string{"libnative-lib.so", "libfoo.so"}, cfg.Libraries)
	assert.Equal(t, "fuzzy", cfg.Backtrace)
	assert.True(t, cfg.ShowData)
	assert.Equal(t, []string{"^Call", "^Get"}, cfg.Include)
	assert.Equal(t, []string{"Java_com_example_Skip"}, cfg.ExcludeExport)
	assert.True(t, cfg.Env, "unset variables keep their value")
	assert.False(t, cfg.VM)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 64, cfg.Transport.BufferSize)
}

func TestLoadFromEnvEmptyClearsList(t *testing.T) {
	withEnv(t, map[string]string{"JNITRACE_INCLUDE": ""})

	cfg := Default()
	cfg.Include = []string{"^Call"}
	require.NoError(t, LoadFromEnv(cfg))
	assert.Empty(t, cfg.Include)
}

func TestLoadFromEnvInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bool", map[string]string{"JNITRACE_SHOW_DATA": "maybe"}},
		{"int", map[string]string{"JNITRACE_BUFFER_SIZE": "lots"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.env)
			err := LoadFromEnv(Default())
			require.Error(t, err)
		})
	}
}

func TestLoadFromEnvRequiresPointer(t *testing.T) {
	assert.Error(t, LoadFromEnv(Config{}))
	var cfg *Config
	assert.Error(t, LoadFromEnv(cfg))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a ,, b ,"))
	assert.Nil(t, splitList(""))
}
