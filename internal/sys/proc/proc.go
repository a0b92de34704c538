// Package proc reads process information from the Linux /proc filesystem:
// running processes and the shared objects mapped into them.
package proc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/coral-mesh/jnitrace/internal/substrate"
)

// root is the procfs mount point. Replaced in tests.
var root = "/proc"

// Self selects the calling process.
const Self = 0

// ErrNotFound is returned when no process has the requested name.
var ErrNotFound = errors.New("process not found")

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uintptr
	End    uintptr
	Perms  string
	Offset uint64
	Path   string
}

// ParseMaps parses the contents of a maps file. Malformed lines are skipped.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var out []Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// start-end perms offset dev inode [path]
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		start, end, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		lo, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			continue
		}
		hi, err := strconv.ParseUint(end, 16, 64)
		if err != nil || hi < lo {
			continue
		}
		off, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}

		m := Mapping{Start: uintptr(lo), End: uintptr(hi), Perms: fields[1], Offset: off}
		if len(fields) > 5 {
			m.Path = strings.Join(fields[5:], " ")
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}
	return out, nil
}

// Modules groups file backed mappings into loaded modules, in order of
// their base address. Anonymous and pseudo mappings such as [stack] are
// left out.
func Modules(mappings []Mapping) []substrate.Module {
	byPath := make(map[string]*substrate.Module)
	var order []string
	for _, m := range mappings {
		if !strings.HasPrefix(m.Path, "/") {
			continue
		}
		mod, ok := byPath[m.Path]
		if !ok {
			byPath[m.Path] = &substrate.Module{
				Name: filepath.Base(m.Path),
				Path: m.Path,
				Base: m.Start,
				Size: int(m.End - m.Start),
			}
			order = append(order, m.Path)
			continue
		}
		end := mod.Base + uintptr(mod.Size)
		if m.End > end {
			end = m.End
		}
		if m.Start < mod.Base {
			mod.Base = m.Start
		}
		mod.Size = int(end - mod.Base)
	}

	out := make([]substrate.Module, 0, len(order))
	for _, p := range order {
		out = append(out, *byPath[p])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// ReadModules returns the modules mapped into pid.
func ReadModules(pid int) ([]substrate.Module, error) {
	//nolint:gosec // G304: Path is from /proc filesystem for system information.
	f, err := os.Open(filepath.Join(pidDir(pid), "maps"))
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint:errcheck

	mappings, err := ParseMaps(f)
	if err != nil {
		return nil, err
	}
	return Modules(mappings), nil
}

// ListPids returns a list of all running process IDs from /proc.
// Pids are sorted in ascending order.
func ListPids() ([]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}

	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// FindPidByName returns the lowest pid whose command line starts with name,
// or whose executable base name is name. Android application processes
// carry their package name as the command line.
func FindPidByName(name string) (int, error) {
	pids, err := ListPids()
	if err != nil {
		return 0, err
	}
	for _, pid := range pids {
		//nolint:gosec // G304: Path is from /proc filesystem for system information.
		cmdline, err := os.ReadFile(filepath.Join(pidDir(pid), "cmdline"))
		if err != nil || len(cmdline) == 0 {
			continue
		}
		arg0, _, _ := bytes.Cut(cmdline, []byte{0})
		if string(arg0) == name || filepath.Base(string(arg0)) == name {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
}

func pidDir(pid int) string {
	if pid == Self {
		return filepath.Join(root, "self")
	}
	return filepath.Join(root, strconv.Itoa(pid))
}
