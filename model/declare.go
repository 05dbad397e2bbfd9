package model

import (
	"errors"
	"reflect"
	"strconv"
)

var (
	// ErrNilFragment is returned when an injection binds into a nil or foreign fragment.
	ErrNilFragment = errors.New("model: nil fragment")

	// ErrNilBind is returned when an injection point has no bind function.
	ErrNilBind = errors.New("model: nil bind function")
)

// Category separates ordinary composites from application-scoped services.
type Category int

const (
	// Transient composites are built on demand through a builder.
	Transient Category = iota
	// Service composites are instantiated once and follow the application lifecycle.
	Service
)

// String implements fmt.Stringer.
func (c Category) String() string {
	switch c {
	case Transient:
		return "transient"
	case Service:
		return "service"
	default:
		return "category(" + strconv.Itoa(int(c)) + ")"
	}
}

// Kind is the role a fragment plays in a composite.
type Kind int

const (
	MixinKind Kind = iota
	ConcernKind
	SideEffectKind
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case MixinKind:
		return "mixin"
	case ConcernKind:
		return "concern"
	case SideEffectKind:
		return "side-effect"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Declaration is the already-extracted description of one composite.
//
// Example:
//
//	model.Declaration{
//		Contracts:   []reflect.Type{model.TypeOf[Greeter]()},
//		Mixins:      []model.Fragment{model.FragmentOf(newGreeterMixin)},
//		Concerns:    []model.Fragment{model.FragmentOf(newTrimConcern, model.Inject(model.InjectNext, bindNext))},
//		Params:      []model.ParamSpec{{Method: "Greet", Index: 0, Annotations: []any{constraint.NotEmpty{}}}},
//	}
type Declaration struct {
	// Name defaults to the first contract's name.
	Name string

	// Contracts are interface types; their method sets are merged.
	Contracts []reflect.Type

	Category Category

	// Fragments per kind, in declaration order. The first concern is outermost.
	Mixins      []Fragment
	Concerns    []Fragment
	SideEffects []Fragment

	// Properties form the instance state.
	Properties []Property

	// Params attach constraints and optionality to parameters and results.
	Params []ParamSpec

	// Invariants are composite-level constraints checked against the instance state.
	Invariants []any

	// Tags label methods by name for AppliesToTagged filters.
	Tags map[string][]string
}

// DisplayName returns Name or the first contract's name.
func (d Declaration) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	if len(d.Contracts) > 0 {
		return ContractName(d.Contracts[0])
	}
	return "<anonymous>"
}

// Fragment declares one fragment implementation.
type Fragment struct {
	// Name defaults to the fragment's type name.
	Name string

	// New creates one fragment value per composite instance. It must always
	// return the same dynamic type, normally a pointer to a struct.
	New func() any

	// Type is the dynamic type New returns. Build calls New once when unset.
	Type reflect.Type

	// Filter restricts which methods the fragment participates in. Nil matches all.
	Filter Filter

	// Inject lists the fragment's injection points.
	Inject []InjectionPoint
}

// FragmentOf declares a fragment from a typed constructor.
func FragmentOf[F any](ctor func() *F, points ...InjectionPoint) Fragment {
	return Fragment{
		New:    func() any { return ctor() },
		Type:   reflect.TypeOf((*F)(nil)),
		Inject: points,
	}
}

// Named returns a copy of f with the given name.
func (f Fragment) Named(name string) Fragment {
	f.Name = name
	return f
}

// AppliesTo returns a copy of f restricted by filter.
func (f Fragment) AppliesTo(filter Filter) Fragment {
	f.Filter = filter
	return f
}

// With returns a copy of f with extra injection points.
func (f Fragment) With(points ...InjectionPoint) Fragment {
	f.Inject = append(append([]InjectionPoint(nil), f.Inject...), points...)
	return f
}

// Property declares one slot of instance state.
type Property struct {
	Name        string
	Type        reflect.Type
	Default     any
	Optional    bool
	Annotations []any
}

// PropertyOf declares a property typed by T.
func PropertyOf[T any](name string, def T, annotations ...any) Property {
	return Property{
		Name:        name,
		Type:        reflect.TypeOf((*T)(nil)).Elem(),
		Default:     def,
		Annotations: annotations,
	}
}

// OptionalProperty declares a property typed by T that may stay absent.
func OptionalProperty[T any](name string, annotations ...any) Property {
	return Property{
		Name:        name,
		Type:        reflect.TypeOf((*T)(nil)).Elem(),
		Optional:    true,
		Annotations: annotations,
	}
}

// Return is the ParamSpec index addressing a method's result.
const Return = -1

// ParamSpec attaches constraints to a parameter (Index >= 0, context excluded)
// or to the result (Index == Return). Parameters without a spec are mandatory
// with no validators.
type ParamSpec struct {
	Method      string
	Index       int
	Name        string
	Optional    bool
	Annotations []any
}

// TypeOf returns the reflect.Type of T, including interface types.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
