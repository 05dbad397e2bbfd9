package invoke

import (
	"context"
	"reflect"

	"github.com/google/uuid"

	"github.com/sghaida/cop/model"
)

// Instance is one composite object. It implements model.Invoker; calls go
// through the full pipeline. An instance is sequential: concurrent calls are
// only safe when its fragments are.
type Instance struct {
	id        uuid.UUID
	factory   *Factory
	model     *model.CompositeModel
	state     *State
	fragments []any
	values    []reflect.Value

	// outcomes is the stack of terminator outcomes being replayed to side
	// effects; nested self calls push their own.
	outcomes []*outcome
}

// ID returns the instance identity.
func (in *Instance) ID() uuid.UUID { return in.id }

// Model returns the composite model.
func (in *Instance) Model() *model.CompositeModel { return in.model }

// State returns the property storage.
func (in *Instance) State() *State { return in.state }

// Fragments returns the fragment values indexed like Model().Fragments().
func (in *Instance) Fragments() []any { return in.fragments }

// Fragment returns the fragment at index.
func (in *Instance) Fragment(index int) any { return in.fragments[index] }

// As returns the instance adapted to contract t through a facade.
func (in *Instance) As(t reflect.Type) (any, error) {
	v, ok := in.model.Facades().Adapt(t, in)
	if !ok {
		return nil, &ArgumentError{Composite: in.model.Name(), Method: "As", Index: -1,
			Reason: "no facade for " + t.String()}
	}
	return v, nil
}

// As is the typed form of Instance.As.
func As[C any](inv model.Invoker) (C, error) {
	var zero C
	t := model.TypeOf[C]()
	if in, ok := inv.(*Instance); ok {
		v, err := in.As(t)
		if err != nil {
			return zero, err
		}
		return v.(C), nil
	}
	if c, ok := inv.(C); ok {
		return c, nil
	}
	return zero, &ArgumentError{Composite: "?", Method: "As", Index: -1, Reason: "cannot adapt to " + t.String()}
}

// nextHandle continues a concern's chain after the concern's own position.
type nextHandle struct {
	in       *Instance
	fragment int
}

// Invoke implements model.Invoker.
func (h *nextHandle) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	ch, ok := h.in.model.Chain(method)
	if !ok {
		return nil, &UnknownMethodError{Composite: h.in.model.Name(), Method: method}
	}
	pos := ch.ConcernPos(h.fragment)
	if pos < 0 {
		return nil, ErrNotInChain
	}
	vals, err := h.in.convertArgs(ch.Method, args)
	if err != nil {
		return nil, err
	}
	return h.in.proceed(ctx, ch, pos+1, vals)
}

// resultHandle replays the terminator outcome to a side effect. The context
// carries it when the method takes one; otherwise the instance's innermost
// running side-effect pass supplies it.
type resultHandle struct{ in *Instance }

// Invoke implements model.Invoker.
func (h resultHandle) Invoke(ctx context.Context, _ string, _ ...any) (any, error) {
	if ctx != nil {
		if o, ok := ctx.Value(outcomeKey{}).(*outcome); ok {
			return o.out, o.err
		}
	}
	if h.in != nil {
		if n := len(h.in.outcomes); n > 0 {
			o := h.in.outcomes[n-1]
			return o.out, o.err
		}
	}
	return nil, ErrNoOutcome
}

type outcomeKey struct{}

type outcome struct {
	out any
	err error
}

// pushOutcome makes o the replayed outcome until the returned func runs.
func (in *Instance) pushOutcome(ctx context.Context, o *outcome) (context.Context, func()) {
	in.outcomes = append(in.outcomes, o)
	return context.WithValue(ctx, outcomeKey{}, o), func() {
		in.outcomes = in.outcomes[:len(in.outcomes)-1]
	}
}
