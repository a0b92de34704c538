// Package catalog implements 'jnitrace catalog', which lists the slots of the
// JNIEnv and JavaVM function tables.
package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/jnitrace/internal/cli/helpers"
	"github.com/coral-mesh/jnitrace/internal/jni/catalog"
)

var formats = []helpers.OutputFormat{
	helpers.FormatTable,
	helpers.FormatJSON,
	helpers.FormatYAML,
	helpers.FormatCSV,
}

// Entry is one listed slot.
type Entry struct {
	Slot      int    `header:"SLOT" json:"slot" yaml:"slot"`
	Name      string `header:"NAME" json:"name" yaml:"name"`
	Kind      string `header:"KIND" json:"kind" yaml:"kind"`
	Prototype string `header:"PROTOTYPE" json:"prototype" yaml:"prototype"`
	Hooked    bool   `header:"HOOKED" json:"hooked" yaml:"hooked"`
}

// NewCatalogCmd creates the catalog command.
func NewCatalogCmd() *cobra.Command {
	var (
		table  string
		kind   string
		match  string
		format string
	)

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List JNI function table slots",
		Long: `List the slots of the JNIEnv function table or the JavaVM invoke interface.

KIND tells how the tracer reads a slot's arguments:
  fixed     every argument is declared
  variadic  trailing Java arguments follow a methodID (the Call*Method family)
  va_list   trailing Java arguments are in a va_list (the *MethodV family)
  jvalues   trailing Java arguments are in a jvalue array (the *MethodA family)

Reserved leading slots are copied into the shadow table and never hooked.`,
		Example: `  jnitrace catalog --kind variadic
  jnitrace catalog --table vm -o yaml
  jnitrace catalog --name '^CallStatic.*MethodA$'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, formats); err != nil {
				return err
			}
			entries, err := list(table, kind, match)
			if err != nil {
				return err
			}
			f, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			return f.Format(entries, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&table, "table", "env", "Table to list (env, vm)")
	cmd.Flags().StringVar(&kind, "kind", "", "Only list slots of this kind (fixed, variadic, va_list, jvalues)")
	cmd.Flags().StringVar(&match, "name", "", "Only list slots whose name matches this regular expression")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, formats)

	_ = cmd.RegisterFlagCompletionFunc("table", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"env", "vm"}, cobra.ShellCompDirectiveNoFileComp
	})
	_ = cmd.RegisterFlagCompletionFunc("kind", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"fixed", "variadic", "va_list", "jvalues"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func load(table string) (*catalog.Catalog, error) {
	switch strings.ToLower(table) {
	case "env", "jnienv":
		return catalog.Env()
	case "vm", "javavm":
		return catalog.VM()
	default:
		return nil, fmt.Errorf("unknown table %q (want env or vm)", table)
	}
}

func list(table, kind, match string) ([]Entry, error) {
	c, err := load(table)
	if err != nil {
		return nil, err
	}

	var want *catalog.Kind
	if kind != "" {
		k, err := catalog.ParseKind(kind)
		if err != nil {
			return nil, err
		}
		want = &k
	}

	var re *regexp.Regexp
	if match != "" {
		if re, err = regexp.Compile(match); err != nil {
			return nil, fmt.Errorf("invalid --name: %w", err)
		}
	}

	entries := make([]Entry, 0, c.Len())
	for i, d := range c.Entries() {
		if want != nil && d.Kind() != *want {
			continue
		}
		if re != nil && !re.MatchString(d.Name) {
			continue
		}
		entries = append(entries, Entry{
			Slot:      i,
			Name:      d.Name,
			Kind:      d.Kind().String(),
			Prototype: prototype(d),
			Hooked:    i >= c.Reserved(),
		})
	}
	return entries, nil
}

func prototype(d catalog.Descriptor) string {
	return fmt.Sprintf("%s (%s)", d.Ret, strings.Join(d.Args, ", "))
}
