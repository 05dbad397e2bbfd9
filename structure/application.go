package structure

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/sghaida/cop/lifecycle"
	"github.com/sghaida/cop/model"
	"github.com/sghaida/cop/uses"
)

// Event identifies an application lifecycle notification.
type Event int

const (
	// AfterActivation fires once every service is active.
	AfterActivation Event = iota
	// AfterPassivation fires once every service is passivated.
	AfterPassivation
)

// Listener receives application events.
type Listener func(ctx context.Context, app *Application)

// Application is a compiled, immutable structure plus the runtime state of
// its services.
type Application struct {
	name     string
	cfg      config
	log      *zap.Logger
	layers   []*Layer
	services []*ServiceReference
	uses     *uses.Container
	owners   map[*model.CompositeModel]*Module

	mu         sync.Mutex
	state      atomic.Int32
	activating atomic.Bool

	orderMu sync.Mutex
	order   []*ServiceReference

	events events
}

func newApplication(a *Assembler) (*Application, error) {
	app := &Application{
		name:   a.name,
		cfg:    a.cfg,
		log:    a.cfg.log.With(zap.String("application", a.name)),
		uses:   newContainer(nil, a.values, a.cfg.threadSafe),
		owners: map[*model.CompositeModel]*Module{},
	}
	app.state.Store(int32(lifecycle.Instantiated))

	byAssembly := make(map[*LayerAssembly]*Layer, len(a.layers))
	for _, la := range a.layers {
		l := &Layer{name: la.name, app: app}
		byAssembly[la] = l
		app.layers = append(app.layers, l)

		for _, ma := range la.modules {
			m := &Module{
				name:  ma.name,
				layer: l,
				uses:  newContainer(app.uses, ma.values, a.cfg.threadSafe),
				cache: gocache.New(gocache.NoExpiration, 0),
			}
			seen := map[string]bool{}
			for _, d := range ma.declared {
				name := d.decl.DisplayName()
				if seen[name] {
					return nil, &DuplicateNameError{Scope: "module " + la.name + "/" + ma.name, Name: name}
				}
				seen[name] = true
				e := &Entry{name: name, decl: d.decl, visibility: d.visibility, module: m}
				if d.decl.Category == model.Service {
					e.service = &ServiceReference{entry: e}
					app.services = append(app.services, e.service)
				}
				m.entries = append(m.entries, e)
			}
			l.modules = append(l.modules, m)
		}
	}
	for _, la := range a.layers {
		l := byAssembly[la]
		for _, u := range la.uses {
			l.uses = append(l.uses, byAssembly[u])
		}
	}
	return app, nil
}

func newContainer(parent *uses.Container, values []namedValue, threadSafe bool) *uses.Container {
	var opts []uses.Option
	if threadSafe {
		opts = append(opts, uses.ThreadSafe())
	}
	c := uses.NewWithParent(parent, opts...)
	for _, v := range values {
		if v.name == "" {
			c.Use(v.value)
		} else {
			c.UseWithName(v.name, v.value)
		}
	}
	return c
}

func (a *Application) entries() []*Entry {
	var out []*Entry
	for _, l := range a.layers {
		for _, m := range l.modules {
			out = append(out, m.entries...)
		}
	}
	return out
}

// linkServices records, for every service, the services its fragments
// inject, and rejects dependency cycles.
func (a *Application) linkServices() error {
	for _, r := range a.services {
		for _, fm := range r.entry.model.Fragments() {
			for _, p := range fm.Inject {
				if p.Kind != model.InjectService {
					continue
				}
				dep, err := r.entry.module.single(p.Type, p.Name, true)
				if err != nil {
					continue
				}
				if !containsRef(r.deps, dep.service) {
					r.deps = append(r.deps, dep.service)
				}
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	color := map[*ServiceReference]int{}
	var path []string
	var visit func(r *ServiceReference) error
	visit = func(r *ServiceReference) error {
		switch color[r] {
		case visiting:
			return &ServiceCycleError{Path: append(append([]string(nil), path...), r.Name())}
		case done:
			return nil
		}
		color[r] = visiting
		path = append(path, r.Name())
		for _, d := range r.deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[r] = done
		return nil
	}
	for _, r := range a.services {
		if err := visit(r); err != nil {
			return err
		}
	}
	return nil
}

func containsRef(refs []*ServiceReference, r *ServiceReference) bool {
	for _, x := range refs {
		if x == r {
			return true
		}
	}
	return false
}

// Name returns the application name.
func (a *Application) Name() string { return a.name }

// Layers returns the layers in declaration order.
func (a *Application) Layers() []*Layer { return a.layers }

// Layer returns the named layer.
func (a *Application) Layer(name string) (*Layer, bool) {
	for _, l := range a.layers {
		if l.name == name {
			return l, true
		}
	}
	return nil, false
}

// Module returns a module by layer and module name.
func (a *Application) Module(layer, module string) (*Module, bool) {
	l, ok := a.Layer(layer)
	if !ok {
		return nil, false
	}
	return l.Module(module)
}

// FindModuleFor returns the module that declares m.
func (a *Application) FindModuleFor(m *model.CompositeModel) (*Module, bool) {
	mod, ok := a.owners[m]
	return mod, ok
}

// Services returns every service in declaration order.
func (a *Application) Services() []*ServiceReference { return a.services }

// Uses returns the application-wide container.
func (a *Application) Uses() *uses.Container { return a.uses }

// State returns Instantiated before the first activation, then Active or
// Passive.
func (a *Application) State() lifecycle.State { return lifecycle.State(a.state.Load()) }

func (a *Application) acceptsActivation() bool {
	return a.activating.Load() || a.State() == lifecycle.Active
}

func (a *Application) record(r *ServiceReference) {
	a.orderMu.Lock()
	defer a.orderMu.Unlock()
	a.order = append(a.order, r)
}

// ActivationOrder returns the currently active services in the order they
// were activated.
func (a *Application) ActivationOrder() []*ServiceReference {
	a.orderMu.Lock()
	defer a.orderMu.Unlock()
	return append([]*ServiceReference(nil), a.order...)
}

// Activate activates every service, dependencies first, in declaration
// order. If a service fails, every service activated so far is passivated in
// reverse order and the failure is returned.
func (a *Application) Activate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st := a.State(); st == lifecycle.Active {
		return &lifecycle.TransitionError{Composite: a.name, From: st, Op: "activate"}
	}

	a.activating.Store(true)
	defer a.activating.Store(false)

	for _, r := range a.services {
		if err := r.activate(ctx, a); err != nil {
			a.log.Error("activation failed, passivating", zap.Error(err))
			if perr := a.passivateAll(ctx); perr != nil {
				a.log.Warn("passivation after failed activation", zap.Error(perr))
			}
			return err
		}
	}

	a.state.Store(int32(lifecycle.Active))
	a.log.Info("application active", zap.Int("services", len(a.ActivationOrder())))
	a.events.fire(ctx, AfterActivation, a)
	return nil
}

// Passivate passivates every active service in reverse activation order.
// Every service is passivated even if some fail; the failures are joined.
func (a *Application) Passivate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st := a.State(); st != lifecycle.Active {
		return &lifecycle.TransitionError{Composite: a.name, From: st, Op: "passivate"}
	}
	a.state.Store(int32(lifecycle.Passive))

	err := a.passivateAll(ctx)
	a.log.Info("application passive", zap.Error(err))
	a.events.fire(ctx, AfterPassivation, a)
	return err
}

func (a *Application) passivateAll(ctx context.Context) error {
	a.orderMu.Lock()
	order := a.order
	a.order = nil
	a.orderMu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := order[i].passivate(ctx); err != nil {
			errs = append(errs, &ActivationError{Service: order[i].Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// On registers fn for ev. The returned function removes it.
func (a *Application) On(ev Event, fn Listener) (remove func()) {
	return a.events.add(ev, fn, false)
}

// Once registers fn for the next ev only.
func (a *Application) Once(ev Event, fn Listener) (remove func()) {
	return a.events.add(ev, fn, true)
}

type subscription struct {
	id   int
	fn   Listener
	once bool
}

type events struct {
	mu   sync.Mutex
	next int
	subs map[Event][]subscription
}

func (e *events) add(ev Event, fn Listener, once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = map[Event][]subscription{}
	}
	e.next++
	id := e.next
	e.subs[ev] = append(e.subs[ev], subscription{id: id, fn: fn, once: once})
	return func() { e.remove(ev, id) }
}

func (e *events) remove(ev Event, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.subs[ev]
	for i, s := range subs {
		if s.id == id {
			e.subs[ev] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (e *events) fire(ctx context.Context, ev Event, app *Application) {
	e.mu.Lock()
	subs := e.subs[ev]
	kept := subs[:0:0]
	for _, s := range subs {
		if !s.once {
			kept = append(kept, s)
		}
	}
	if e.subs != nil {
		e.subs[ev] = kept
	}
	e.mu.Unlock()

	for _, s := range subs {
		s.fn(ctx, app)
	}
}

// Layer is a compiled layer.
type Layer struct {
	name    string
	app     *Application
	uses    []*Layer
	modules []*Module
}

// Name returns the layer name.
func (l *Layer) Name() string { return l.name }

// Application returns the owning application.
func (l *Layer) Application() *Application { return l.app }

// Uses returns the layers l may see.
func (l *Layer) Uses() []*Layer { return l.uses }

// Modules returns the modules in declaration order.
func (l *Layer) Modules() []*Module { return l.modules }

// Module returns the named module.
func (l *Layer) Module(name string) (*Module, bool) {
	for _, m := range l.modules {
		if m.name == name {
			return m, true
		}
	}
	return nil, false
}
