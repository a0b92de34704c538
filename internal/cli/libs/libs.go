// Package libs implements 'jnitrace libs', which previews the libraries the
// tracer would follow in a running process.
package libs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/jnitrace/internal/cli/helpers"
	"github.com/coral-mesh/jnitrace/internal/retry"
	"github.com/coral-mesh/jnitrace/internal/substrate"
	"github.com/coral-mesh/jnitrace/internal/sys/proc"
	"github.com/coral-mesh/jnitrace/internal/tracer"
)

var formats = []helpers.OutputFormat{
	helpers.FormatTable,
	helpers.FormatJSON,
	helpers.FormatYAML,
	helpers.FormatCSV,
}

// Library is one mapped shared object.
type Library struct {
	Name     string `header:"NAME" json:"name" yaml:"name"`
	Base     string `header:"BASE" json:"base" yaml:"base"`
	Size     int    `header:"SIZE" json:"size" yaml:"size"`
	Followed bool   `header:"FOLLOWED" json:"followed" yaml:"followed"`
	Path     string `header:"PATH" json:"path" yaml:"path"`
}

// NewLibsCmd creates the libs command.
func NewLibsCmd() *cobra.Command {
	var (
		pid       int
		name      string
		libraries []string
		followed  bool
		wait      time.Duration
		format    string
	)

	cmd := &cobra.Command{
		Use:   "libs",
		Short: "List the shared objects of a process and whether they are followed",
		Long: `List the shared objects mapped into a process and mark the ones whose
JNI calls the configured 'libraries' setting would trace.

Libraries loaded later with dlopen are matched against the same rules when
they load.`,
		Example: `  jnitrace libs --name com.example.app
  jnitrace libs --pid 4242 --libraries libnative-lib.so --followed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, formats); err != nil {
				return err
			}
			if !cmd.Flags().Changed("libraries") {
				cfg, err := helpers.LoadConfig(cmd)
				if err != nil {
					return err
				}
				libraries = cfg.Libraries
			}
			if name != "" {
				var err error
				if pid, err = findPid(cmd.Context(), name, wait); err != nil {
					return err
				}
			}

			mods, err := proc.ReadModules(pid)
			if err != nil {
				return fmt.Errorf("failed to read modules: %w", err)
			}
			f, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			return f.Format(list(mods, libraries, followed), cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&pid, "pid", "p", proc.Self, "Process id (default: this process)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Process name or Android package name")
	cmd.Flags().StringSliceVarP(&libraries, "libraries", "l", nil, "Libraries to follow (default: from configuration)")
	cmd.Flags().BoolVar(&followed, "followed", false, "Only list followed libraries")
	cmd.Flags().DurationVar(&wait, "wait", 0, "With --name, wait this long for the process to start")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, formats)
	cmd.MarkFlagsMutuallyExclusive("pid", "name")

	return cmd
}

// pollBackoff is the retry schedule used while waiting for a process.
var pollBackoff = retry.Config{
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
}

// findPid looks a process up by name, polling for up to wait.
func findPid(ctx context.Context, name string, wait time.Duration) (int, error) {
	if wait <= 0 {
		return proc.FindPidByName(name)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var pid int
	err := retry.Do(ctx, pollBackoff, func() error {
		var err error
		pid, err = proc.FindPidByName(name)
		return err
	}, func(err error) bool { return errors.Is(err, proc.ErrNotFound) })
	return pid, err
}

func list(mods []substrate.Module, libraries []string, onlyFollowed bool) []Library {
	out := make([]Library, 0, len(mods))
	for _, m := range mods {
		follows := tracer.Follows(libraries, m.Path)
		if onlyFollowed && !follows {
			continue
		}
		out = append(out, Library{
			Name:     m.Name,
			Base:     fmt.Sprintf("%#x", m.Base),
			Size:     m.Size,
			Followed: follows,
			Path:     m.Path,
		})
	}
	return out
}
