// Package constraint validates values against declared constraint annotations.
//
// An annotation is any Go value; its dynamic type is its identity and its
// fields are its parameters (MaxLength{N: 8}). Validators are registered per
// (annotation type, value type) and the Registry picks the most specific one
// for a declared value type when a site is bound. Binding failures surface at
// model build time; Check never fails for lack of a validator.
package constraint

import (
	"errors"
	"reflect"
	"strconv"
	"sync"
)

var (
	// ErrNoValidator is matched by UnresolvedError.
	ErrNoValidator = errors.New("constraint: no validator for value type")

	// ErrAmbiguousValidator is matched by AmbiguousValidatorError.
	ErrAmbiguousValidator = errors.New("constraint: ambiguous validator")

	// ErrCompositionCycle is returned when a composed annotation includes itself.
	ErrCompositionCycle = errors.New("constraint: composition cycle")

	// ErrNilAnnotation is returned when a site declares a nil annotation.
	ErrNilAnnotation = errors.New("constraint: nil annotation")
)

// Func reports whether value satisfies annotation.
type Func func(annotation, value any) bool

type binding struct {
	value reflect.Type
	fn    Func
}

// UnresolvedError reports that no registered validator accepts the site's value type.
type UnresolvedError struct {
	Annotation reflect.Type
	ValueType  reflect.Type
}

// Error implements the error interface.
func (e *UnresolvedError) Error() string {
	return "constraint: no validator for " + typeName(e.Annotation) + " over " + typeName(e.ValueType)
}

// Is matches ErrNoValidator.
func (e *UnresolvedError) Is(target error) bool { return target == ErrNoValidator }

// AmbiguousValidatorError reports several equally specific validators.
type AmbiguousValidatorError struct {
	Annotation reflect.Type
	ValueType  reflect.Type
	Candidates []reflect.Type
}

// Error implements the error interface.
func (e *AmbiguousValidatorError) Error() string {
	msg := "constraint: ambiguous validator for " + typeName(e.Annotation) + " over " + typeName(e.ValueType) + ": "
	for i, c := range e.Candidates {
		if i > 0 {
			msg += ", "
		}
		msg += typeName(c)
	}
	return msg
}

// Is matches ErrAmbiguousValidator.
func (e *AmbiguousValidatorError) Is(target error) bool { return target == ErrAmbiguousValidator }

// Registry holds validator bindings and annotation compositions.
// It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	bindings     map[reflect.Type][]binding
	compositions map[reflect.Type][]any
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings:     map[reflect.Type][]binding{},
		compositions: map[reflect.Type][]any{},
	}
}

// Register binds fn as the validator for annotation type A over values of type V.
// V may be an interface; the most specific V wins when a site is bound.
func Register[A any, V any](r *Registry, fn func(a A, v V) bool) *Registry {
	at := reflect.TypeOf((*A)(nil)).Elem()
	vt := reflect.TypeOf((*V)(nil)).Elem()

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.bindings[at]
	for i, b := range list {
		if b.value == vt {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.bindings[at] = append(list, binding{
		value: vt,
		fn:    func(a, v any) bool { return fn(a.(A), v.(V)) },
	})
	return r
}

// Compose declares annotation's type as shorthand for members. Members may
// themselves be compositions; Expand flattens them.
func (r *Registry) Compose(annotation any, members ...any) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compositions[reflect.TypeOf(annotation)] = append([]any(nil), members...)
	return r
}

// Expand flattens annotation into the leaf annotations it stands for.
func (r *Registry) Expand(annotation any) ([]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.expand(annotation, nil)
}

func (r *Registry) expand(annotation any, stack []reflect.Type) ([]any, error) {
	if annotation == nil {
		return nil, ErrNilAnnotation
	}
	t := reflect.TypeOf(annotation)
	members, ok := r.compositions[t]
	if !ok {
		return []any{annotation}, nil
	}
	for _, s := range stack {
		if s == t {
			return nil, errors.Join(ErrCompositionCycle, errors.New("constraint: "+typeName(t)+" includes itself"))
		}
	}
	stack = append(stack, t)

	var out []any
	for _, m := range members {
		leaves, err := r.expand(m, stack)
		if err != nil {
			return nil, err
		}
		out = append(out, leaves...)
	}
	return out, nil
}

// Resolve selects the most specific validator for annotation over valueType.
func (r *Registry) Resolve(annotation any, valueType reflect.Type) (Rule, error) {
	if annotation == nil {
		return Rule{}, ErrNilAnnotation
	}
	at := reflect.TypeOf(annotation)
	if v, ok := annotation.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return Rule{}, err
		}
	}

	r.mu.RLock()
	list := r.bindings[at]
	r.mu.RUnlock()

	var candidates []binding
	for _, b := range list {
		if valueType.AssignableTo(b.value) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return Rule{}, &UnresolvedError{Annotation: at, ValueType: valueType}
	}

	// keep candidates that no other candidate is narrower than
	var best []binding
	for i, c := range candidates {
		dominated := false
		for j, o := range candidates {
			if i != j && narrower(o.value, c.value) {
				dominated = true
				break
			}
		}
		if !dominated {
			best = append(best, c)
		}
	}
	if len(best) != 1 {
		amb := &AmbiguousValidatorError{Annotation: at, ValueType: valueType}
		for _, b := range best {
			amb.Candidates = append(amb.Candidates, b.value)
		}
		return Rule{}, amb
	}

	return Rule{Annotation: annotation, Name: at.Name(), fn: best[0].fn}, nil
}

// narrower reports whether a is strictly more specific than b.
func narrower(a, b reflect.Type) bool {
	if a == b {
		return false
	}
	if !a.AssignableTo(b) {
		return false
	}
	// an interface that b's values also satisfy is not narrower
	return !b.AssignableTo(a)
}

// Bind expands and resolves every annotation of site. All failures are
// returned together; the rules that did resolve are still usable.
func (r *Registry) Bind(site Site) (SiteRules, []error) {
	rules := SiteRules{Site: site.Name, Optional: site.Optional}
	var errs []error
	for _, a := range site.Annotations {
		leaves, err := r.Expand(a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, leaf := range leaves {
			rule, err := r.Resolve(leaf, site.Type)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			rules.Rules = append(rules.Rules, rule)
		}
	}
	return rules, errs
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return strconv.Quote(t.String())
}
