package model

import (
	"context"
	"reflect"
	"sort"
	"strings"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Method is one entry of a composite's method table.
type Method struct {
	// Name is the Go method name; it is the dispatch key.
	Name string

	// Contracts lists every contract declaring this method, in declaration order.
	Contracts []reflect.Type

	// Type is the interface method's func type (no receiver).
	Type reflect.Type

	// Context is true when the first parameter is context.Context.
	Context bool

	// Params are the parameter types excluding the context.
	Params []reflect.Type

	// Result is the non-error result type, or nil.
	Result reflect.Type

	// Error is true when the last result is error.
	Error bool

	// Tags are metadata labels attached by the declaration.
	Tags []string
}

// Variadic reports whether the last parameter is variadic.
func (m *Method) Variadic() bool { return m.Type.IsVariadic() }

// HasTag reports whether tag was attached to the method.
func (m *Method) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Signature renders the method like Go source, e.g. "Greet(context.Context, string) (string, error)".
func (m *Method) Signature() string {
	var b strings.Builder
	b.WriteString(m.Name)
	b.WriteString(strings.TrimPrefix(m.Type.String(), "func"))
	return b.String()
}

// ContractName returns a readable name for a contract type.
func ContractName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

// methodsOf extracts the method table of the given contracts. Methods are
// returned sorted by name. Problems are returned as structural errors.
func methodsOf(composite string, contracts []reflect.Type) ([]*Method, []error) {
	var errs []error
	byName := map[string]*Method{}

	for _, c := range contracts {
		if c == nil || c.Kind() != reflect.Interface {
			errs = append(errs, &StructuralError{
				Composite: composite,
				Reason:    "contract " + typeString(c) + " is not an interface type",
			})
			continue
		}
		for i := 0; i < c.NumMethod(); i++ {
			im := c.Method(i)
			if prev, ok := byName[im.Name]; ok {
				if prev.Type != im.Type {
					errs = append(errs, &StructuralError{
						Composite: composite,
						Method:    im.Name,
						Reason: "conflicting signatures " + prev.Signature() + " (" + ContractName(prev.Contracts[0]) +
							") and " + im.Name + strings.TrimPrefix(im.Type.String(), "func") + " (" + ContractName(c) + ")",
					})
					continue
				}
				prev.Contracts = append(prev.Contracts, c)
				continue
			}

			m, err := newMethod(composite, c, im)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			byName[im.Name] = m
		}
	}

	out := make([]*Method, 0, len(byName))
	for _, m := range byName {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, errs
}

func newMethod(composite string, contract reflect.Type, im reflect.Method) (*Method, error) {
	ft := im.Type
	m := &Method{Name: im.Name, Contracts: []reflect.Type{contract}, Type: ft}

	start := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		m.Context = true
		start = 1
	}
	for i := start; i < ft.NumIn(); i++ {
		m.Params = append(m.Params, ft.In(i))
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			m.Error = true
		} else {
			m.Result = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, &StructuralError{
				Composite: composite,
				Method:    im.Name,
				Reason:    "second result of " + m.Signature() + " must be error",
			}
		}
		m.Result = ft.Out(0)
		m.Error = true
	default:
		return nil, &StructuralError{
			Composite: composite,
			Method:    im.Name,
			Reason:    m.Signature() + " returns more than one value besides error",
		}
	}
	return m, nil
}

// implements reports the reflect method index of a typed implementation of m
// on fragment type ft, or -1.
func implements(ft reflect.Type, m *Method) int {
	fm, ok := ft.MethodByName(m.Name)
	if !ok {
		return -1
	}
	mt := fm.Type // includes the receiver
	if mt.NumIn() != m.Type.NumIn()+1 || mt.NumOut() != m.Type.NumOut() || mt.IsVariadic() != m.Type.IsVariadic() {
		return -1
	}
	for i := 0; i < m.Type.NumIn(); i++ {
		if mt.In(i+1) != m.Type.In(i) {
			return -1
		}
	}
	for i := 0; i < m.Type.NumOut(); i++ {
		if mt.Out(i) != m.Type.Out(i) {
			return -1
		}
	}
	return fm.Index
}

// embeds reports whether fragment type a embeds fragment type b, directly or
// through other embedded structs.
func embeds(a, b reflect.Type) bool {
	return embedsSeen(a, b, map[reflect.Type]bool{})
}

func embedsSeen(a, b reflect.Type, seen map[reflect.Type]bool) bool {
	as := deref(a)
	bs := deref(b)
	if as.Kind() != reflect.Struct || seen[as] {
		return false
	}
	seen[as] = true
	for i := 0; i < as.NumField(); i++ {
		f := as.Field(i)
		if !f.Anonymous {
			continue
		}
		if deref(f.Type) == bs {
			return true
		}
		if embedsSeen(f.Type, b, seen) {
			return true
		}
	}
	return false
}

func deref(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func typeString(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
