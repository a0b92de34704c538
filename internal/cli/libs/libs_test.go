package libs

import (
	"bytes"
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/jnitrace/internal/substrate"
	"github.com/coral-mesh/jnitrace/internal/sys/proc"
)

var modules = []substrate.Module{
	{Name: "libc.so", Path: "/apex/com.android.runtime/lib64/bionic/libc.so", Base: 0x7a10000000, Size: 0x100000},
	{Name: "libnative-lib.so", Path: "/data/app/com.example/lib/arm64/libnative-lib.so", Base: 0x7a1b000000, Size: 0x21000},
}

func TestList(t *testing.T) {
	got := list(modules, []string{"libnative"}, false)
	require.Len(t, got, 2)
	assert.False(t, got[0].Followed)
	assert.True(t, got[1].Followed)
	assert.Equal(t, "0x7a1b000000", got[1].Base)

	got = list(modules, []string{"libnative"}, true)
	require.Len(t, got, 1)
	assert.Equal(t, "libnative-lib.so", got[0].Name)
}

func TestListFollowAll(t *testing.T) {
	for _, lib := range list(modules, []string{"*"}, false) {
		assert.True(t, lib.Followed, lib.Name)
	}
}

func TestLibsSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs /proc")
	}

	cmd := NewLibsCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--libraries", "*", "-o", "json"})
	require.NoError(t, cmd.Execute())

	var libs []Library
	require.NoError(t, json.Unmarshal(out.Bytes(), &libs))
	require.NotEmpty(t, libs)
	for _, lib := range libs {
		assert.True(t, lib.Followed)
	}
}

func TestFindPidWaitTimesOut(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs /proc")
	}
	_, err := findPid(context.Background(), "jnitrace-no-such-process", 100*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFindPidWithoutWait(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs /proc")
	}
	_, err := findPid(context.Background(), "jnitrace-no-such-process", 0)
	assert.ErrorIs(t, err, proc.ErrNotFound)
}
