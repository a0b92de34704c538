// Package asm implements the 'jnitrace asm' commands, which print the
// machine code the tracer generates.
package asm

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/jnitrace/internal/abi"
	"github.com/coral-mesh/jnitrace/internal/cli/helpers"
	"github.com/coral-mesh/jnitrace/internal/codegen"
	"github.com/coral-mesh/jnitrace/internal/errors"
	"github.com/coral-mesh/jnitrace/internal/substrate"
)

const (
	defaultBase     = 0x40000000
	defaultDispatch = 0x12345678
	defaultReal     = 0x23456780
)

var archNames = []string{string(abi.IA32), string(abi.X64), string(abi.ARM), string(abi.ARM64)}

var formats = []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON, helpers.FormatYAML}

// Instruction is one disassembled line.
type Instruction struct {
	Addr  string `header:"ADDRESS" json:"addr" yaml:"addr"`
	Bytes string `header:"BYTES" json:"bytes" yaml:"bytes"`
	Text  string `header:"INSTRUCTION" json:"text" yaml:"text"`
}

// NewAsmCmd creates the asm command and its subcommands.
func NewAsmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "asm",
		Short: "Print the machine code jnitrace generates",
		Long: `Print the machine code jnitrace generates for shadow tables.

trampoline shows the code that sits behind every variadic JNIEnv slot: it
saves the argument registers, asks the dispatch callback for a function
matching the Java method, and calls it with the original arguments. On arm
it also shows the entry that forwards calls with an unknown method id to the
real function.

stub shows the no-op function used for reserved and null slots.`,
	}
	cmd.AddCommand(newTrampolineCmd())
	cmd.AddCommand(newStubCmd())
	return cmd
}

func newTrampolineCmd() *cobra.Command {
	var (
		archName string
		base     string
		dispatch string
		target   string
		local    bool
		format   string
	)

	cmd := &cobra.Command{
		Use:   "trampoline",
		Short: "Disassemble a variadic trampoline",
		Example: `  jnitrace asm trampoline --arch arm64
  jnitrace asm trampoline --arch x64 --base 0x7f0000000000 -o json
  jnitrace asm trampoline --local`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, formats); err != nil {
				return err
			}
			d, err := parseAddr(dispatch)
			if err != nil {
				return fmt.Errorf("invalid --dispatch: %w", err)
			}
			r, err := parseAddr(target)
			if err != nil {
				return fmt.Errorf("invalid --real: %w", err)
			}

			var lines []codegen.Line
			if local {
				lines, err = localTrampoline(cmd, d, r)
			} else {
				var b uintptr
				if b, err = parseAddr(base); err != nil {
					return fmt.Errorf("invalid --base: %w", err)
				}
				lines, err = trampoline(archName, b, d, r)
			}
			if err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), format, lines)
		},
	}

	helpers.AddArchFlag(cmd, &archName, archNames)
	cmd.Flags().StringVar(&base, "base", fmt.Sprintf("%#x", defaultBase), "Address the trampoline is generated for")
	cmd.Flags().StringVar(&dispatch, "dispatch", fmt.Sprintf("%#x", defaultDispatch), "Dispatch callback address stored in the data area")
	cmd.Flags().StringVar(&target, "real", fmt.Sprintf("%#x", defaultReal), "Intercepted function address stored in the data area")
	cmd.Flags().BoolVar(&local, "local", false, "Place the trampoline in executable memory of this process and disassemble it from there")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, formats)
	cmd.MarkFlagsMutuallyExclusive("local", "arch")
	cmd.MarkFlagsMutuallyExclusive("local", "base")

	return cmd
}

func newStubCmd() *cobra.Command {
	var (
		archName string
		format   string
	)

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Disassemble the no-op stub",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, formats); err != nil {
				return err
			}
			arch, m, err := marshaller(archName)
			if err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), format, codegen.Disassemble(arch.ISA(), m.StubCode(), 0))
		},
	}

	helpers.AddArchFlag(cmd, &archName, archNames)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, formats)
	return cmd
}

func marshaller(name string) (abi.Arch, abi.Marshaller, error) {
	var (
		arch abi.Arch
		err  error
	)
	if name == "" {
		arch, err = abi.HostArch()
	} else {
		arch, err = abi.ParseArch(name)
	}
	if err != nil {
		return "", nil, err
	}
	m, err := abi.New(arch)
	if err != nil {
		return "", nil, err
	}
	return arch, m, nil
}

// trampoline generates a trampoline image for base and disassembles its
// code area.
func trampoline(archName string, base, dispatch, realFn uintptr) ([]codegen.Line, error) {
	arch, m, err := marshaller(archName)
	if err != nil {
		return nil, err
	}
	if arch.PointerSize() == 4 && uint64(base) > 0xffffffff {
		return nil, fmt.Errorf("base %#x does not fit a %d-bit address space", base, 32)
	}
	img, err := m.VariadicTrampoline(base, dispatch, realFn)
	if err != nil {
		return nil, err
	}
	return disassemble(arch, img[:m.DataOffset()], base), nil
}

// localTrampoline installs a trampoline in this process and reads it back.
func localTrampoline(cmd *cobra.Command, dispatch, realFn uintptr) ([]codegen.Line, error) {
	l, err := substrate.NewLocal()
	if err != nil {
		return nil, err
	}
	cfg, err := helpers.LoadConfig(cmd)
	if err != nil {
		return nil, err
	}
	defer errors.DeferClose(helpers.Logger(cmd, cfg), l, "failed to unmap trampoline memory")

	arch, m, err := marshaller(l.Arch())
	if err != nil {
		return nil, err
	}
	base, err := l.AllocExecutable(m.TrampolineSize())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate trampoline: %w", err)
	}
	img, err := m.VariadicTrampoline(base, dispatch, realFn)
	if err != nil {
		return nil, err
	}
	if err := l.PatchCode(base, img); err != nil {
		return nil, fmt.Errorf("failed to write trampoline: %w", err)
	}
	code, err := l.Read(base, m.DataOffset())
	if err != nil {
		return nil, err
	}
	return disassemble(arch, code, base), nil
}

// disassemble decodes code and drops the zero padding between and after
// the generated entry points.
func disassemble(arch abi.Arch, code []byte, base uintptr) []codegen.Line {
	lines := codegen.Disassemble(arch.ISA(), code, base)
	out := lines[:0]
	for _, l := range lines {
		if !isPadding(l.Bytes) {
			out = append(out, l)
		}
	}
	return out
}

func isPadding(b []byte) bool {
	return len(bytes.Trim(b, "\x00")) == 0
}

func parseAddr(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	return uintptr(v), nil
}

func write(w io.Writer, format string, lines []codegen.Line) error {
	out := make([]Instruction, len(lines))
	for i, l := range lines {
		out[i] = Instruction{
			Addr:  fmt.Sprintf("%#x", l.Addr),
			Bytes: fmt.Sprintf("% x", l.Bytes),
			Text:  l.Text,
		}
	}
	f, err := helpers.NewFormatter(helpers.OutputFormat(format))
	if err != nil {
		return err
	}
	return f.Format(out, w)
}
