package abi

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/coral-mesh/jnitrace/internal/codegen"
)

// ErrUnsupportedArch is returned for architectures without a marshaller.
var ErrUnsupportedArch = errors.New("unsupported architecture")

// Arch is a supported CPU architecture.
type Arch string

const (
	IA32  Arch = "ia32"
	X64   Arch = "x64"
	ARM   Arch = "arm"
	ARM64 Arch = "arm64"
)

var archAliases = map[string]Arch{
	"ia32":    IA32,
	"x86":     IA32,
	"386":     IA32,
	"i386":    IA32,
	"x64":     X64,
	"amd64":   X64,
	"x86_64":  X64,
	"arm":     ARM,
	"armv7":   ARM,
	"arm64":   ARM64,
	"aarch64": ARM64,
}

// ParseArch resolves an architecture name, accepting the usual aliases.
func ParseArch(name string) (Arch, error) {
	if a, ok := archAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedArch, name)
}

// HostArch returns the architecture of the running binary.
func HostArch() (Arch, error) {
	return ParseArch(runtime.GOARCH)
}

// PointerSize returns the native pointer width in bytes.
func (a Arch) PointerSize() int {
	switch a {
	case IA32, ARM:
		return 4
	default:
		return 8
	}
}

// ISA returns the decoder used to disassemble code for a.
func (a Arch) ISA() codegen.ISA {
	switch a {
	case IA32:
		return codegen.ISAIA32
	case X64:
		return codegen.ISAX64
	case ARM:
		return codegen.ISAARM
	default:
		return codegen.ISAARM64
	}
}

func (a Arch) String() string {
	return string(a)
}
