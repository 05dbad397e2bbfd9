// Package descriptor loads application structure from YAML.
//
// A descriptor names layers, the layers they use, their modules and the
// composites and services each module declares. Composite types are names
// looked up in a Catalog supplied by Go code, so a descriptor can be checked
// without any Go types (Validate) and assembled once they are known
// (Assemble).
//
//	application: greeting
//	layers:
//	  - name: domain
//	    uses: [infra]
//	    modules:
//	      - name: greetings
//	        values: {prefix: Hello}
//	        composites:
//	          - type: greeter
//	            visibility: application
package descriptor

import (
	"bytes"
	"errors"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/sghaida/cop/model"
	"github.com/sghaida/cop/structure"
)

// ErrUnknownType is matched by UnknownTypeError.
var ErrUnknownType = errors.New("descriptor: unknown composite type")

// Descriptor is a parsed application descriptor.
type Descriptor struct {
	Application string         `yaml:"application"`
	Values      map[string]any `yaml:"values,omitempty"`
	Layers      []Layer        `yaml:"layers"`
}

// Layer declares a layer.
type Layer struct {
	Name    string   `yaml:"name"`
	Uses    []string `yaml:"uses,omitempty"`
	Modules []Module `yaml:"modules"`
}

// Module declares a module.
type Module struct {
	Name       string         `yaml:"name"`
	Values     map[string]any `yaml:"values,omitempty"`
	Composites []Composite    `yaml:"composites,omitempty"`
	Services   []Composite    `yaml:"services,omitempty"`
}

// Composite declares one composite or service by catalog type.
type Composite struct {
	Type       string `yaml:"type"`
	Name       string `yaml:"name,omitempty"`
	Visibility string `yaml:"visibility,omitempty"` // module (default), layer or application
}

// DisplayName returns Name, or Type when no name is given.
func (c Composite) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Type
}

// OpError wraps a load failure with the file it concerns.
type OpError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	s := "descriptor: " + e.Op
	if e.Path != "" {
		s += " " + e.Path
	}
	return s + ": " + e.Err.Error()
}

// Unwrap returns the cause.
func (e *OpError) Unwrap() error { return e.Err }

// Load reads and parses the descriptor at path.
func Load(path string) (*Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &OpError{Op: "load", Path: path, Err: err}
	}
	d, err := Parse(b)
	if err != nil {
		return nil, &OpError{Op: "parse", Path: path, Err: err}
	}
	return d, nil
}

// Parse decodes a descriptor. Unknown fields are rejected.
func Parse(b []byte) (*Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Marshal encodes d as YAML.
func (d *Descriptor) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Catalog maps descriptor type names to declarations.
type Catalog map[string]model.Declaration

// Names returns the catalog keys, sorted.
func (c Catalog) Names() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// UnknownTypeError reports a type missing from the catalog.
type UnknownTypeError struct {
	Path string
	Type string
}

// Error implements the error interface.
func (e *UnknownTypeError) Error() string {
	return "descriptor: " + e.Path + ": unknown type " + strconv.Quote(e.Type)
}

// Is matches ErrUnknownType.
func (e *UnknownTypeError) Is(target error) bool { return target == ErrUnknownType }

// Assemble validates d and declares its structure on a new assembler. Every
// type must be in cat; a composite's descriptor name overrides the
// declaration name.
func (d *Descriptor) Assemble(cat Catalog, opts ...structure.Option) (*structure.Assembler, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	var errs []error
	lookup := func(path string, c Composite) (model.Declaration, structure.Visibility, bool) {
		decl, ok := cat[c.Type]
		if !ok {
			errs = append(errs, &UnknownTypeError{Path: path, Type: c.Type})
			return model.Declaration{}, 0, false
		}
		if c.Name != "" {
			decl.Name = c.Name
		} else if decl.Name == "" {
			decl.Name = c.Type
		}
		vis, _ := visibility(c.Visibility)
		return decl, vis, true
	}

	a := structure.NewAssembler(d.Application, opts...)
	useValues(d.Values, func(k string, v any) { a.UseWithName(k, v) })

	for _, ld := range d.Layers {
		a.Layer(ld.Name)
	}
	for li, ld := range d.Layers {
		layer := a.Layer(ld.Name)
		for _, u := range ld.Uses {
			layer.Uses(a.Layer(u))
		}
		for mi, md := range ld.Modules {
			mod := layer.Module(md.Name)
			useValues(md.Values, func(k string, v any) { mod.UseWithName(k, v) })
			base := "layers[" + strconv.Itoa(li) + "].modules[" + strconv.Itoa(mi) + "]"
			for ci, c := range md.Composites {
				if decl, vis, ok := lookup(base+".composites["+strconv.Itoa(ci)+"]", c); ok {
					mod.Composites(vis, decl)
				}
			}
			for ci, c := range md.Services {
				if decl, vis, ok := lookup(base+".services["+strconv.Itoa(ci)+"]", c); ok {
					mod.Services(vis, decl)
				}
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return a, nil
}

// useValues registers named values in key order.
func useValues(values map[string]any, use func(string, any)) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		use(k, values[k])
	}
}

func visibility(s string) (structure.Visibility, bool) {
	if s == "" {
		return structure.ModuleVisible, true
	}
	return structure.ParseVisibility(s)
}
