// Package invoke turns a validated composite model into instances and runs
// the per-call pipeline: argument checks, parameter constraints, concerns
// (first declared is outermost), the mixin, return constraints and then the
// side effects.
//
// A Factory plays the role of generated code: it is compiled once per model
// and shared by every instance. Typed fragment methods are called through
// reflect method indexes resolved at model build; generic fragments receive
// a *model.Invocation.
package invoke

import (
	"context"
	"errors"
	"reflect"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sghaida/cop/model"
	"github.com/sghaida/cop/uses"
)

// ErrNilModel is returned by Compile for a nil model.
var ErrNilModel = errors.New("invoke: nil model")

// Environment resolves runtime injections a composite cannot resolve itself.
type Environment interface {
	// Uses is the fallback container behind per-build values.
	Uses() *uses.Container

	// Service returns a lazy handle to a visible service, or nil, nil when
	// none matches. It must not activate the service.
	Service(t reflect.Type, name string) (model.Invoker, error)

	// Ambient returns a structure handle of type t.
	Ambient(t reflect.Type) (any, bool)
}

// Option configures a Factory.
type Option func(*Factory)

// WithObserver installs an Observer; the default ignores events.
func WithObserver(o Observer) Option {
	return func(f *Factory) {
		if o != nil {
			f.observer = o
		}
	}
}

// WithLogger installs a logger; the default discards.
func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.log = l
		}
	}
}

// Factory produces instances of one composite model.
type Factory struct {
	model    *model.CompositeModel
	observer Observer
	log      *zap.Logger
}

// Compile prepares a factory for m. An invalid model fails fast with its
// *model.InvalidModelError.
func Compile(m *model.CompositeModel, opts ...Option) (*Factory, error) {
	if m == nil {
		return nil, ErrNilModel
	}
	if err := m.Err(); err != nil {
		return nil, err
	}
	f := &Factory{model: m, observer: NopObserver{}, log: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With(zap.String("composite", m.Name()))
	return f, nil
}

// Model returns the compiled model.
func (f *Factory) Model() *model.CompositeModel { return f.model }

// NewState returns property storage with defaults applied.
func (f *Factory) NewState() *State { return newState(f.model) }

// New creates the fragments of one instance and injects them. Values are
// looked up in u first and then in env's container. Every failed injection
// is reported; no hooks run here.
func (f *Factory) New(ctx context.Context, env Environment, u *uses.Container, st *State) (*Instance, error) {
	if st == nil {
		st = f.NewState()
	}
	if u == nil {
		if env != nil {
			u = env.Uses()
		}
		if u == nil {
			u = uses.New()
		}
	}

	in := &Instance{
		id:        uuid.New(),
		factory:   f,
		model:     f.model,
		state:     st,
		fragments: make([]any, len(f.model.Fragments())),
		values:    make([]reflect.Value, len(f.model.Fragments())),
	}

	var errs []error
	for _, fm := range f.model.Fragments() {
		v := fm.New()
		if v == nil || reflect.TypeOf(v) != fm.Type {
			errs = append(errs, &model.InternalError{
				Composite: f.model.Name(),
				Reason:    "constructor of " + fm.Name + " returned " + typeString(v) + ", want " + fm.Type.String(),
			})
			continue
		}
		in.fragments[fm.Index] = v
		in.values[fm.Index] = reflect.ValueOf(v)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for _, fm := range f.model.Fragments() {
		for _, p := range fm.Inject {
			if err := in.inject(env, u, fm, p); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	f.log.Debug("composite instance created", zap.Stringer("instance", in.id))
	return in, nil
}

func (in *Instance) inject(env Environment, u *uses.Container, fm *model.FragmentModel, p model.InjectionPoint) error {
	missing := func() error {
		if p.Optional {
			return nil
		}
		return &MissingValueError{Composite: in.model.Name(), Fragment: fm.Name, Point: p.String()}
	}
	handle := func(h model.Invoker) (any, error) {
		v, ok := in.model.Facades().Adapt(p.Type, h)
		if !ok {
			return nil, &BindError{Composite: in.model.Name(), Fragment: fm.Name, Point: p.String(),
				Err: errors.New("no facade for " + p.Type.String())}
		}
		return v, nil
	}

	var (
		value any
		err   error
	)
	switch p.Kind {
	case model.InjectSelf:
		value, err = handle(in)
	case model.InjectExternal:
		v, ok := u.Get(p.Type, p.Name)
		if !ok {
			return missing()
		}
		value = v
	case model.InjectService:
		if env == nil {
			return missing()
		}
		ref, serr := env.Service(p.Type, p.Name)
		if serr != nil {
			return &BindError{Composite: in.model.Name(), Fragment: fm.Name, Point: p.String(), Err: serr}
		}
		if ref == nil {
			return missing()
		}
		value, err = handle(ref)
	case model.InjectAmbient:
		if env == nil {
			return missing()
		}
		v, ok := env.Ambient(p.Type)
		if !ok {
			return missing()
		}
		value = v
	case model.InjectNext:
		value, err = handle(&nextHandle{in: in, fragment: fm.Index})
	case model.InjectResult:
		value, err = handle(resultHandle{in: in})
	case model.InjectState:
		value = model.StateView(in.state)
	}
	if err != nil {
		return err
	}

	if err := p.Bind(in.fragments[fm.Index], value); err != nil {
		return &BindError{Composite: in.model.Name(), Fragment: fm.Name, Point: p.String(), Err: err}
	}
	return nil
}

func typeString(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
