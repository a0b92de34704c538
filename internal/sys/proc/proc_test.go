package proc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `12c00000-32c00000 rw-p 00000000 00:00 0                                  [anon:dalvik-main space]
7a1b000000-7a1b010000 r--p 00000000 fd:05 1234                           /data/app/com.example/lib/arm64/libnative-lib.so
7a1b010000-7a1b020000 r-xp 00010000 fd:05 1234                           /data/app/com.example/lib/arm64/libnative-lib.so
7a1b020000-7a1b021000 rw-p 00020000 fd:05 1234                           /data/app/com.example/lib/arm64/libnative-lib.so
7a10000000-7a10100000 r-xp 00000000 fd:01 99                             /apex/com.android.runtime/lib64/bionic/libc.so
7a20000000-7a20001000 rw-p 00000000 00:00 0
7ffc000000-7ffc021000 rw-p 00000000 00:00 0                              [stack]
not a mapping line
`

// fakeProc builds a procfs tree and points root at it.
func fakeProc(t *testing.T, procs map[string]string) {
	t.Helper()
	dir := t.TempDir()
	for pid, cmdline := range procs {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, pid), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, pid, "cmdline"), []byte(cmdline), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, pid, "maps"), []byte(sampleMaps), 0o600))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sys"), 0o755))

	orig := root
	root = dir
	t.Cleanup(func() { root = orig })
}

func TestParseMaps(t *testing.T) {
	mappings, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, mappings, 7)

	assert.Equal(t, uintptr(0x7a1b010000), mappings[2].Start)
	assert.Equal(t, "r-xp", mappings[2].Perms)
	assert.Equal(t, uint64(0x10000), mappings[2].Offset)
	assert.Equal(t, "/data/app/com.example/lib/arm64/libnative-lib.so", mappings[2].Path)
	assert.Empty(t, mappings[5].Path)
}

func TestModules(t *testing.T) {
	mappings, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	mods := Modules(mappings)
	require.Len(t, mods, 2)

	assert.Equal(t, "libc.so", mods[0].Name)
	lib := mods[1]
	assert.Equal(t, "libnative-lib.so", lib.Name)
	assert.Equal(t, uintptr(0x7a1b000000), lib.Base)
	assert.Equal(t, 0x21000, lib.Size)
	assert.True(t, lib.Contains(0x7a1b015000))
	assert.False(t, lib.Contains(0x7a1b021000))
}

func TestReadModules(t *testing.T) {
	fakeProc(t, map[string]string{"4242": "com.example\x00"})

	mods, err := ReadModules(4242)
	require.NoError(t, err)
	assert.Len(t, mods, 2)

	_, err = ReadModules(1)
	assert.Error(t, err)
}

func TestListPids(t *testing.T) {
	fakeProc(t, map[string]string{"300": "b", "20": "a"})

	pids, err := ListPids()
	require.NoError(t, err)
	assert.Equal(t, []int{20, 300}, pids)
}

func TestFindPidByName(t *testing.T) {
	fakeProc(t, map[string]string{
		"1":    "/system/bin/init\x00second_stage\x00",
		"812":  "zygote64\x00",
		"4242": "com.example\x00",
	})

	pid, err := FindPidByName("com.example")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	pid, err = FindPidByName("init")
	require.NoError(t, err)
	assert.Equal(t, 1, pid)

	_, err = FindPidByName("com.missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
