package privilege

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	orig := getenv
	getenv = func(key string) string { return env[key] }
	t.Cleanup(func() { getenv = orig })
}

func TestIsRoot(t *testing.T) {
	assert.Equal(t, os.Geteuid() == 0, IsRoot())
}

func TestIsRunningUnderSudo(t *testing.T) {
	withEnv(t, nil)
	assert.False(t, IsRunningUnderSudo())

	withEnv(t, map[string]string{"SUDO_USER": "dev"})
	assert.True(t, IsRunningUnderSudo())
}

func TestDetectOriginalUser(t *testing.T) {
	t.Run("not under sudo", func(t *testing.T) {
		withEnv(t, nil)
		ctx, err := DetectOriginalUser()
		require.NoError(t, err)
		assert.Equal(t, os.Getuid(), ctx.UID)
		assert.Equal(t, os.Getgid(), ctx.GID)
	})

	t.Run("under sudo", func(t *testing.T) {
		withEnv(t, map[string]string{"SUDO_USER": "jnitrace-test-user", "SUDO_UID": "1000", "SUDO_GID": "1001"})
		ctx, err := DetectOriginalUser()
		require.NoError(t, err)
		assert.Equal(t, "jnitrace-test-user", ctx.Username)
		assert.Equal(t, 1000, ctx.UID)
		assert.Equal(t, 1001, ctx.GID)
	})

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing ids", map[string]string{"SUDO_USER": "dev"}},
		{"bad uid", map[string]string{"SUDO_USER": "dev", "SUDO_UID": "x", "SUDO_GID": "1"}},
		{"bad gid", map[string]string{"SUDO_USER": "dev", "SUDO_UID": "1", "SUDO_GID": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.env)
			_, err := DetectOriginalUser()
			assert.Error(t, err)
		})
	}
}

func TestFixFileOwnershipWithoutSudo(t *testing.T) {
	withEnv(t, nil)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	assert.NoError(t, FixFileOwnership(path))
	assert.NoError(t, FixFileOwnership(filepath.Join(t.TempDir(), "missing")))
}

func TestFixFileOwnershipUnderSudo(t *testing.T) {
	if !IsRoot() {
		t.Skip("needs root")
	}
	withEnv(t, map[string]string{"SUDO_USER": "dev", "SUDO_UID": "1000", "SUDO_GID": "1000"})

	assert.Error(t, FixFileOwnership(filepath.Join(t.TempDir(), "missing")))
}
