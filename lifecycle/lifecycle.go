// Package lifecycle drives a composite through
// Building -> Prototyped -> Instantiated -> (Active <-> Passive)* -> Destroyed.
//
// A Builder collects per-build values and prototype state. Instantiate
// creates and injects the fragments, runs Prototype hooks, validates the
// state (properties and composite invariants) and then runs Initialize hooks.
// If any step fails no instance is returned.
//
// Hooks are optional fragment interfaces from the model package. A mixin
// embedded by a more derived declared mixin is shadowed and its hooks do not
// run; Go method promotion means the derived mixin runs the base hook unless
// it overrides it.
package lifecycle

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/sghaida/cop/invoke"
	"github.com/sghaida/cop/model"
	"github.com/sghaida/cop/uses"
)

// ErrIllegalTransition is matched by TransitionError.
var ErrIllegalTransition = errors.New("lifecycle: illegal transition")

// State is a lifecycle phase.
type State int

const (
	Building State = iota
	Prototyped
	Instantiated
	Active
	Passive
	Destroyed
)

var stateNames = [...]string{"building", "prototyped", "instantiated", "active", "passive", "destroyed"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// TransitionError reports an operation not allowed in the current state.
type TransitionError struct {
	Composite string
	From      State
	Op        string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return "lifecycle: cannot " + e.Op + " " + strconv.Quote(e.Composite) + " while " + e.From.String()
}

// Is matches ErrIllegalTransition.
func (e *TransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// Option configures a Builder.
type Option func(*Builder)

// WithEnvironment supplies services, ambient handles and fallback values.
func WithEnvironment(env invoke.Environment) Option {
	return func(b *Builder) { b.env = env }
}

// WithLogger installs a logger; the default discards.
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.log = l
		}
	}
}

// Builder assembles instances of one composite. A builder may instantiate
// any number of instances; each gets its own copy of the prototype state.
type Builder struct {
	factory *invoke.Factory
	env     invoke.Environment
	uses    *uses.Container
	proto   *invoke.State
	state   State
	log     *zap.Logger
}

// NewBuilder returns a builder in the Building state.
func NewBuilder(f *invoke.Factory, opts ...Option) *Builder {
	b := &Builder{factory: f, proto: f.NewState(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	var parent *uses.Container
	if b.env != nil {
		parent = b.env.Uses()
	}
	b.uses = uses.NewWithParent(parent)
	b.log = b.log.With(zap.String("composite", f.Model().Name()))
	return b
}

// Use registers per-build values.
func (b *Builder) Use(values ...any) *Builder {
	for _, v := range values {
		b.uses.Use(v)
	}
	return b
}

// UseWithName registers a named per-build value.
func (b *Builder) UseWithName(name string, value any) *Builder {
	b.uses.UseWithName(name, value)
	return b
}

// Uses returns the per-build container.
func (b *Builder) Uses() *uses.Container { return b.uses }

// Prototype returns the mutable prototype state. Writes are type checked
// now and validated at Instantiate.
func (b *Builder) Prototype() model.StateView {
	b.state = Prototyped
	return b.proto
}

// State returns Building or Prototyped.
func (b *Builder) State() State { return b.state }

// Instantiate produces a new instance or a *model.CompositeInstantiationError.
func (b *Builder) Instantiate(ctx context.Context) (*Composite, error) {
	name := b.factory.Model().Name()
	fail := func(err error) (*Composite, error) {
		b.log.Debug("instantiation aborted", zap.Error(err))
		return nil, &model.CompositeInstantiationError{Composite: name, Err: err}
	}

	st := b.proto.Clone()
	inst, err := b.factory.New(ctx, b.env, b.uses, st)
	if err != nil {
		return fail(err)
	}

	if err := runHooks(inst, false, func(p model.Prototyper) error { return p.Prototype(ctx) }); err != nil {
		return fail(err)
	}
	if err := st.Validate(); err != nil {
		return fail(err)
	}
	st.Seal()
	if err := runHooks(inst, false, func(i model.Initializer) error { return i.Initialize(ctx) }); err != nil {
		return fail(err)
	}

	b.log.Debug("composite instantiated", zap.Stringer("instance", inst.ID()))
	return &Composite{Instance: inst, state: Instantiated, log: b.log}, nil
}

// Composite is an instantiated composite with a lifecycle state.
type Composite struct {
	*invoke.Instance

	mu    sync.Mutex
	state State
	log   *zap.Logger
}

// LifecycleState returns the current state.
func (c *Composite) LifecycleState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Activate runs Activate hooks in fragment order. If one fails, the hooks
// that already ran are passivated in reverse and the error is returned.
func (c *Composite) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Instantiated && c.state != Passive {
		return &TransitionError{Composite: c.Model().Name(), From: c.state, Op: "activate"}
	}

	type activated struct {
		name string
		p    model.Passivator
	}
	var done []activated
	for _, fm := range c.Model().Fragments() {
		if fm.Shadowed {
			continue
		}
		frag := c.Fragment(fm.Index)
		if a, ok := frag.(model.Activator); ok {
			if err := guard(fm.Name, func() error { return a.Activate(ctx) }); err != nil {
				for i := len(done) - 1; i >= 0; i-- {
					d := done[i]
					if perr := guard(d.name, func() error { return d.p.Passivate(ctx) }); perr != nil {
						c.log.Warn("rollback passivation failed", zap.String("fragment", d.name), zap.Error(perr))
					}
				}
				return err
			}
		}
		if p, ok := frag.(model.Passivator); ok {
			done = append(done, activated{name: fm.Name, p: p})
		}
	}
	c.state = Active
	return nil
}

// Passivate runs Passivate hooks in reverse fragment order. Every hook runs;
// failures are joined.
func (c *Composite) Passivate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Active {
		return &TransitionError{Composite: c.Model().Name(), From: c.state, Op: "passivate"}
	}
	err := runHooks(c.Instance, true, func(p model.Passivator) error { return p.Passivate(ctx) })
	c.state = Passive
	return err
}

// Destroy passivates an active composite and retires it.
func (c *Composite) Destroy(ctx context.Context) error {
	var err error
	if c.LifecycleState() == Active {
		err = c.Passivate(ctx)
	}
	c.mu.Lock()
	c.state = Destroyed
	c.mu.Unlock()
	return err
}

// runHooks calls fn on every non-shadowed fragment implementing H. In
// forward mode it stops at the first error; in reverse mode every hook runs.
func runHooks[H any](inst *invoke.Instance, reverse bool, fn func(H) error) error {
	frags := inst.Model().Fragments()
	if !reverse {
		for _, fm := range frags {
			if h, ok := hook[H](inst, fm); ok {
				if err := guard(fm.Name, func() error { return fn(h) }); err != nil {
					return err
				}
			}
		}
		return nil
	}

	var errs []error
	for i := len(frags) - 1; i >= 0; i-- {
		if h, ok := hook[H](inst, frags[i]); ok {
			if err := guard(frags[i].Name, func() error { return fn(h) }); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func hook[H any](inst *invoke.Instance, fm *model.FragmentModel) (H, bool) {
	var zero H
	if fm.Shadowed {
		return zero, false
	}
	h, ok := inst.Fragment(fm.Index).(H)
	return h, ok
}

// HookPanicError wraps a panic raised by a lifecycle hook.
type HookPanicError struct {
	Fragment string
	Value    any
}

// Error implements the error interface.
func (e *HookPanicError) Error() string {
	return "lifecycle: hook of " + strconv.Quote(e.Fragment) + " panicked"
}

func guard(fragment string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &HookPanicError{Fragment: fragment, Value: rec}
		}
	}()
	return fn()
}
