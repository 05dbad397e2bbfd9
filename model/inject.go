package model

import (
	"reflect"
	"strconv"
)

// InjectKind says where an injection point's value comes from.
type InjectKind int

const (
	// InjectSelf is the composite itself, called through the full pipeline.
	InjectSelf InjectKind = iota + 1
	// InjectExternal is resolved from the uses container at instantiation.
	// Build never reports it; a missing mandatory value fails the instance
	// with an invoke.MissingValueError instead.
	InjectExternal
	// InjectService is a lazily activated service visible from the declaring module.
	InjectService
	// InjectAmbient is a structure handle (application, layer or module).
	InjectAmbient
	// InjectNext is the next link of a concern's chain.
	InjectNext
	// InjectResult replays the terminator's outcome to a side effect.
	InjectResult
	// InjectState is the instance's property storage.
	InjectState
)

// String implements fmt.Stringer.
func (k InjectKind) String() string {
	switch k {
	case InjectSelf:
		return "self"
	case InjectExternal:
		return "external"
	case InjectService:
		return "service"
	case InjectAmbient:
		return "ambient"
	case InjectNext:
		return "concern-next"
	case InjectResult:
		return "side-effect-result"
	case InjectState:
		return "state"
	default:
		return "inject(" + strconv.Itoa(int(k)) + ")"
	}
}

// InjectionPoint is a typed, optionally named dependency of a fragment.
type InjectionPoint struct {
	Kind     InjectKind
	Type     reflect.Type
	Name     string
	Optional bool

	// Bind stores value into fragment.
	Bind func(fragment, value any) error
}

// String renders the point for error messages, e.g. `service model.Store "primary"`.
func (p InjectionPoint) String() string {
	s := p.Kind.String() + " " + typeString(p.Type)
	if p.Name != "" {
		s += " " + strconv.Quote(p.Name)
	}
	return s
}

// PointOption configures an InjectionPoint.
type PointOption func(*InjectionPoint)

// Named selects a named value.
func Named(name string) PointOption {
	return func(p *InjectionPoint) { p.Name = name }
}

// Optional lets the point stay unbound when nothing resolves.
func Optional() PointOption {
	return func(p *InjectionPoint) { p.Optional = true }
}

// WrongFragmentError is returned when a bind function receives a fragment of
// an unexpected type.
type WrongFragmentError struct {
	Want string
	Got  string
}

// Error implements the error interface.
func (e WrongFragmentError) Error() string {
	return "model: bind expects fragment " + e.Want + ", got " + e.Got
}

// WrongValueError is returned when a resolved value does not fit the point.
type WrongValueError struct {
	Point string
	Got   string
}

// Error implements the error interface.
func (e WrongValueError) Error() string {
	return "model: value of type " + e.Got + " does not fit " + e.Point
}

// Inject builds an InjectionPoint that binds a D into a *F fragment.
//
// The returned point's Bind fails if:
//   - the fragment is nil or not a *F (ErrNilFragment / WrongFragmentError)
//   - the value is neither nil nor a D (WrongValueError)
//
// A nil value binds the zero D. A nil bind leaves Bind unset, which model
// build reports as a structural error.
func Inject[F any, D any](kind InjectKind, bind func(fragment *F, dep D), opts ...PointOption) InjectionPoint {
	p := InjectionPoint{Kind: kind, Type: reflect.TypeOf((*D)(nil)).Elem()}
	for _, opt := range opts {
		opt(&p)
	}
	if bind == nil {
		return p
	}
	desc := p.String()

	p.Bind = func(fragment, value any) error {
		if fragment == nil {
			return ErrNilFragment
		}
		f, ok := fragment.(*F)
		if !ok {
			return WrongFragmentError{Want: reflect.TypeOf((*F)(nil)).String(), Got: reflect.TypeOf(fragment).String()}
		}
		if f == nil {
			return ErrNilFragment
		}
		var d D
		if value != nil {
			d, ok = value.(D)
			if !ok {
				return WrongValueError{Point: desc, Got: reflect.TypeOf(value).String()}
			}
		}
		bind(f, d)
		return nil
	}
	return p
}
