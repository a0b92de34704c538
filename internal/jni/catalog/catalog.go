// Package catalog holds the ordered descriptor tables of the JNIEnv function
// table and the JavaVM invoke interface.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/jnitrace/internal/jni/types"
)

// ErrUnknownMethod is returned when a name is not present in a catalog.
var ErrUnknownMethod = errors.New("unknown table entry")

// Kind classifies an entry by its trailing argument.
type Kind int

const (
	Fixed Kind = iota
	Variadic
	VaList
	JValues
)

func (k Kind) String() string {
	switch k {
	case Fixed:
		return "fixed"
	case Variadic:
		return "variadic"
	case VaList:
		return "va_list"
	case JValues:
		return "jvalues"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := Fixed; k <= JValues; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return Fixed, fmt.Errorf("unknown entry kind %q", s)
}

// Descriptor describes one table slot.
type Descriptor struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args"`
	Ret  string   `yaml:"ret"`
}

// Kind classifies the descriptor by its last argument.
func (d Descriptor) Kind() Kind {
	if len(d.Args) == 0 {
		return Fixed
	}
	switch d.Args[len(d.Args)-1] {
	case types.TagVarArgs:
		return Variadic
	case types.TagVaList:
		return VaList
	case types.TagJValues, types.TagJValuePtr:
		return JValues
	default:
		return Fixed
	}
}

// IsHandleBased reports whether the trailing argument is an argument-list
// handle (va_list or jvalue array).
func (d Descriptor) IsHandleBased() bool {
	k := d.Kind()
	return k == VaList || k == JValues
}

// FixedArgs returns the arguments that precede a variadic marker or handle.
func (d Descriptor) FixedArgs() []string {
	if d.Kind() == Fixed {
		return d.Args
	}
	return d.Args[:len(d.Args)-1]
}

// Signature returns the native signature of the entry as declared. For
// variadic entries only the fixed arguments are listed.
func (d Descriptor) Signature() types.Signature {
	sig := types.Signature{
		Ret:    types.NativeToCalling(d.Ret),
		Params: types.NativesToCalling(d.FixedArgs()),
	}
	if d.Kind() == Variadic {
		sig.Variadic = true
		sig.Fixed = len(sig.Params)
	}
	return sig
}

// Catalog is an ordered table description.
type Catalog struct {
	name     string
	reserved int
	entries  []Descriptor
	byName   map[string]int
}

//go:embed data/jni_env.yaml
var jniEnvData []byte

//go:embed data/java_vm.yaml
var javaVMData []byte

const (
	envReserved = 4
	vmReserved  = 3
)

// Env loads the JNIEnv function table catalog.
func Env() (*Catalog, error) {
	return Load("JNIEnv", jniEnvData, envReserved)
}

// VM loads the JavaVM invoke interface catalog.
func VM() (*Catalog, error) {
	return Load("JavaVM", javaVMData, vmReserved)
}

// Load decodes a YAML list of descriptors. The first reserved slots are
// never intercepted.
func Load(name string, data []byte, reserved int) (*Catalog, error) {
	var entries []Descriptor
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse %s catalog: %w", name, err)
	}
	if reserved > len(entries) {
		return nil, fmt.Errorf("%s catalog has %d entries, fewer than %d reserved", name, len(entries), reserved)
	}

	c := &Catalog{
		name:     name,
		reserved: reserved,
		entries:  entries,
		byName:   make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("%s catalog entry %d has no name", name, i)
		}
		if _, dup := c.byName[e.Name]; dup {
			return nil, fmt.Errorf("%s catalog has duplicate entry %q", name, e.Name)
		}
		c.byName[e.Name] = i
	}
	return c, nil
}

// Name returns the table name (JNIEnv or JavaVM).
func (c *Catalog) Name() string { return c.name }

// Len returns the number of slots.
func (c *Catalog) Len() int { return len(c.entries) }

// Reserved returns the number of leading slots that are copied, not hooked.
func (c *Catalog) Reserved() int { return c.reserved }

// At returns the descriptor for slot i.
func (c *Catalog) At(i int) Descriptor { return c.entries[i] }

// Entries returns all descriptors in slot order.
func (c *Catalog) Entries() []Descriptor {
	out := make([]Descriptor, len(c.entries))
	copy(out, c.entries)
	return out
}

// Index returns the slot of a named entry.
func (c *Catalog) Index(name string) (int, error) {
	i, ok := c.byName[name]
	if !ok {
		return -1, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, c.name, name)
	}
	return i, nil
}

// Lookup returns the descriptor of a named entry.
func (c *Catalog) Lookup(name string) (Descriptor, error) {
	i, err := c.Index(name)
	if err != nil {
		return Descriptor{}, err
	}
	return c.entries[i], nil
}
