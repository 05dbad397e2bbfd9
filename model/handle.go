package model

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

// ErrNoNext is returned by Invocation.Proceed on a terminator.
var ErrNoNext = errors.New("model: no next link")

// Invoker calls a composite method by name. Self references, concern-next
// links, side-effect results and service references all implement it.
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...any) (any, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, method string, args ...any) (any, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	return f(ctx, method, args...)
}

// InvokerType is the reflect.Type of Invoker.
var InvokerType = TypeOf[Invoker]()

// GenericFragment handles any method through one entry point. It may be used
// as a mixin, a concern or a side effect, and mixed freely with typed
// fragments in one chain.
type GenericFragment interface {
	Dispatch(ctx context.Context, inv *Invocation) (any, error)
}

// Invocation describes one call as seen by a generic fragment.
type Invocation struct {
	Composite string
	Method    *Method
	Args      []any
	Kind      Kind

	// proceed continues the chain (concerns) or replays the outcome (side effects).
	proceed func(ctx context.Context, args []any) (any, error)
}

// NewInvocation is used by dispatch backends.
func NewInvocation(composite string, m *Method, kind Kind, args []any, proceed func(context.Context, []any) (any, error)) *Invocation {
	return &Invocation{Composite: composite, Method: m, Args: args, Kind: kind, proceed: proceed}
}

// Proceed calls the next link with the original arguments. Side effects get
// the replayed terminator outcome; terminators get ErrNoNext.
func (inv *Invocation) Proceed(ctx context.Context) (any, error) {
	return inv.ProceedWith(ctx, inv.Args...)
}

// ProceedWith calls the next link with replaced arguments.
func (inv *Invocation) ProceedWith(ctx context.Context, args ...any) (any, error) {
	if inv.proceed == nil {
		return nil, ErrNoNext
	}
	return inv.proceed(ctx, args)
}

// StateView is the property storage of an instance.
type StateView interface {
	Get(name string) (any, bool)
	Set(name string, value any) error
	Names() []string
}

// StateViewType is the reflect.Type of StateView.
var StateViewType = TypeOf[StateView]()

// Prototyper hooks run once at Instantiate before constraints are checked.
type Prototyper interface {
	Prototype(ctx context.Context) error
}

// Initializer hooks run after the instance state passed validation.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Activator hooks run when a service is activated.
type Activator interface {
	Activate(ctx context.Context) error
}

// Passivator hooks run when a service is passivated.
type Passivator interface {
	Passivate(ctx context.Context) error
}

// Facades adapts Invokers to typed contracts. Generated code registers one
// constructor per contract.
type Facades struct {
	mu sync.RWMutex
	m  map[reflect.Type]func(Invoker) any
}

// NewFacades returns an empty set.
func NewFacades() *Facades {
	return &Facades{m: map[reflect.Type]func(Invoker) any{}}
}

// RegisterFacade registers fn as the facade constructor for contract C.
func RegisterFacade[C any](f *Facades, fn func(Invoker) C) *Facades {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[TypeOf[C]()] = func(inv Invoker) any { return fn(inv) }
	return f
}

// Has reports whether a facade is registered for t.
func (f *Facades) Has(t reflect.Type) bool {
	if f == nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.m[t]
	return ok
}

// Adapt returns inv itself when it already satisfies t, otherwise the
// registered facade for t.
func (f *Facades) Adapt(t reflect.Type, inv Invoker) (any, bool) {
	if inv != nil && reflect.TypeOf(inv).AssignableTo(t) {
		return inv, true
	}
	if f == nil {
		return nil, false
	}
	f.mu.RLock()
	fn, ok := f.m[t]
	f.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return fn(inv), true
}

// CanAdapt reports whether Adapt can produce a t from an Invoker.
func (f *Facades) CanAdapt(t reflect.Type) bool {
	return t != nil && (InvokerType.AssignableTo(t) || f.Has(t))
}

// Merge copies every facade of other into f.
func (f *Facades) Merge(other *Facades) *Facades {
	if other == nil || other == f {
		return f
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	for t, fn := range other.m {
		f.m[t] = fn
	}
	return f
}

// Call is a helper for facades: it invokes method and asserts the result to R.
// A nil result yields the zero R.
func Call[R any](ctx context.Context, inv Invoker, method string, args ...any) (R, error) {
	var zero R
	out, err := inv.Invoke(ctx, method, args...)
	if out == nil {
		return zero, err
	}
	r, ok := out.(R)
	if !ok {
		if err != nil {
			return zero, err
		}
		return zero, WrongValueError{Point: method + " result " + TypeOf[R]().String(), Got: reflect.TypeOf(out).String()}
	}
	return r, err
}
