// Package cli implements the jnitrace command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/jnitrace/internal/cli/asm"
	"github.com/coral-mesh/jnitrace/internal/cli/catalog"
	"github.com/coral-mesh/jnitrace/internal/cli/config"
	"github.com/coral-mesh/jnitrace/internal/cli/helpers"
	"github.com/coral-mesh/jnitrace/internal/cli/libs"
	"github.com/coral-mesh/jnitrace/internal/errors"
	"github.com/coral-mesh/jnitrace/pkg/version"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jnitrace",
		Short: "jnitrace - trace JNI calls made by native libraries",
		Long: `jnitrace follows the JNI calls native libraries make into the Java VM.

It installs shadow copies of the JNIEnv function table and the JavaVM invoke
interface, hands them to the libraries being traced and reports every call
that goes through them, including the Java arguments of the variadic,
va_list and jvalue call families.

The tracer runs inside an instrumentation runtime. This command inspects its
configuration, the libraries it would follow, the function table catalog and
the code it generates.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String(helpers.ConfigFlag, "", "Configuration file (default: ~/.jnitrace/config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "Override the configured log level (trace, debug, info, warn, error)")
	errors.Must(cmd.MarkPersistentFlagFilename(helpers.ConfigFlag, "yaml", "yml"), "config flag")

	cmd.AddCommand(asm.NewAsmCmd())
	cmd.AddCommand(catalog.NewCatalogCmd())
	cmd.AddCommand(config.NewConfigCmd())
	cmd.AddCommand(libs.NewLibsCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			cmd.Printf("jnitrace version %s\n", info.Version)
			cmd.Printf("Git commit: %s\n", info.GitCommit)
			cmd.Printf("Build date: %s\n", info.BuildDate)
			cmd.Printf("Go version: %s\n", info.GoVersion)
			cmd.Printf("Platform: %s\n", info.Platform)
		},
	}
}

// Execute runs the root command
func Execute() error {
	return newRootCmd().Execute()
}
