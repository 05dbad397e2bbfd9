package structure

import (
	"context"
	"errors"
	"reflect"
	"strconv"

	gocache "github.com/patrickmn/go-cache"

	"github.com/sghaida/cop/constraint"
	"github.com/sghaida/cop/invoke"
	"github.com/sghaida/cop/lifecycle"
	"github.com/sghaida/cop/model"
	"github.com/sghaida/cop/uses"
)

// Entry is a composite declared in a module.
type Entry struct {
	name       string
	decl       model.Declaration
	visibility Visibility
	module     *Module
	model      *model.CompositeModel
	factory    *invoke.Factory
	service    *ServiceReference
}

// Name returns the composite name, unique within its module.
func (e *Entry) Name() string { return e.name }

// QualifiedName returns layer/module/name.
func (e *Entry) QualifiedName() string {
	return e.module.layer.name + "/" + e.module.name + "/" + e.name
}

// Visibility returns the declared visibility.
func (e *Entry) Visibility() Visibility { return e.visibility }

// Category returns Transient or Service.
func (e *Entry) Category() model.Category { return e.decl.Category }

// Module returns the declaring module.
func (e *Entry) Module() *Module { return e.module }

// Model returns the built composite model.
func (e *Entry) Model() *model.CompositeModel { return e.model }

// Factory returns the compiled instance factory.
func (e *Entry) Factory() *invoke.Factory { return e.factory }

// Service returns the service reference of a service entry, nil otherwise.
func (e *Entry) Service() *ServiceReference { return e.service }

func (e *Entry) matches(t reflect.Type, name string) bool {
	if name != "" && name != e.name {
		return false
	}
	if t == model.InvokerType {
		return true
	}
	return covers(e.decl.Contracts, t)
}

// covers reports whether the union of contracts provides every method of t
// with the same signature.
func covers(contracts []reflect.Type, t reflect.Type) bool {
	if t == nil || t.Kind() != reflect.Interface {
		return false
	}
	for _, c := range contracts {
		if c == t {
			return true
		}
	}
	for i := 0; i < t.NumMethod(); i++ {
		want := t.Method(i)
		found := false
		for _, c := range contracts {
			if c == nil || c.Kind() != reflect.Interface {
				continue
			}
			if m, ok := c.MethodByName(want.Name); ok && m.Type == want.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Module is a compiled module. It is the model environment of its
// composites at build time and their runtime environment afterwards.
type Module struct {
	name    string
	layer   *Layer
	entries []*Entry
	uses    *uses.Container
	cache   *gocache.Cache
}

var (
	_ model.Env          = (*Module)(nil)
	_ invoke.Environment = (*Module)(nil)
)

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// QualifiedName returns layer/module.
func (m *Module) QualifiedName() string { return m.layer.name + "/" + m.name }

// Layer returns the owning layer.
func (m *Module) Layer() *Layer { return m.layer }

// Application returns the owning application.
func (m *Module) Application() *Application { return m.layer.app }

// Entries returns the module's own composites.
func (m *Module) Entries() []*Entry { return m.entries }

// Uses returns the module container; its parent is the application's.
func (m *Module) Uses() *uses.Container { return m.uses }

// tiers returns the visible entries matching t and name grouped by
// specificity, most specific first: own module, same layer, then every used
// layer in depth-first order. Results are memoized.
func (m *Module) tiers(t reflect.Type, name string, servicesOnly bool) [][]*Entry {
	key := typeKey(t) + "|" + name + "|" + strconv.FormatBool(servicesOnly)
	if v, ok := m.cache.Get(key); ok {
		return v.([][]*Entry)
	}

	pick := func(entries []*Entry, min Visibility) []*Entry {
		var out []*Entry
		for _, e := range entries {
			if e.visibility < min {
				continue
			}
			if servicesOnly && e.decl.Category != model.Service {
				continue
			}
			if e.matches(t, name) {
				out = append(out, e)
			}
		}
		return out
	}

	var out [][]*Entry
	add := func(tier []*Entry) {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}

	add(pick(m.entries, ModuleVisible))

	var layer []*Entry
	for _, o := range m.layer.modules {
		if o != m {
			layer = append(layer, pick(o.entries, LayerVisible)...)
		}
	}
	add(layer)

	// Used layers share one tier; the walk only orders plural results.
	var used []*Entry
	seen := map[*Layer]bool{m.layer: true}
	var walk func(l *Layer)
	walk = func(l *Layer) {
		for _, u := range l.uses {
			if seen[u] {
				continue
			}
			seen[u] = true
			for _, o := range u.modules {
				used = append(used, pick(o.entries, ApplicationVisible)...)
			}
			walk(u)
		}
	}
	walk(m.layer)
	add(used)

	m.cache.Set(key, out, gocache.NoExpiration)
	return out
}

func typeKey(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.PkgPath() + ":" + t.String()
}

func (m *Module) single(t reflect.Type, name string, servicesOnly bool) (*Entry, error) {
	tiers := m.tiers(t, name, servicesOnly)
	if len(tiers) == 0 {
		return nil, &NotFoundError{Module: m.QualifiedName(), Type: t, Name: name}
	}
	if first := tiers[0]; len(first) > 1 {
		names := make([]string, len(first))
		for i, e := range first {
			names[i] = e.QualifiedName()
		}
		return nil, &AmbiguousTypeError{Module: m.QualifiedName(), Type: t, Candidates: names}
	}
	return tiers[0][0], nil
}

func flatten(tiers [][]*Entry) []*Entry {
	var out []*Entry
	for _, tier := range tiers {
		out = append(out, tier...)
	}
	return out
}

// ResolveVisibleComposite returns the one composite of type t visible from m.
func (m *Module) ResolveVisibleComposite(t reflect.Type) (*Entry, error) {
	return m.single(t, "", false)
}

// VisibleComposites returns every composite of type t visible from m, most
// specific first.
func (m *Module) VisibleComposites(t reflect.Type) []*Entry {
	return flatten(m.tiers(t, "", false))
}

// FindService returns the one service of type t visible from m. A non-empty
// name restricts the match to services with that name. The service is not
// activated.
func (m *Module) FindService(t reflect.Type, name string) (*ServiceReference, error) {
	e, err := m.single(t, name, true)
	if err != nil {
		return nil, err
	}
	return e.service, nil
}

// FindServices returns every service of type t visible from m.
func (m *Module) FindServices(t reflect.Type) []*ServiceReference {
	entries := flatten(m.tiers(t, "", true))
	out := make([]*ServiceReference, len(entries))
	for i, e := range entries {
		out[i] = e.service
	}
	return out
}

// NewBuilder returns a builder for the transient composite of type t visible
// from m. Services are not built by callers; asking for one is an
// *model.InvalidCompositeModelTypeError.
func (m *Module) NewBuilder(t reflect.Type) (*lifecycle.Builder, error) {
	e, err := m.ResolveVisibleComposite(t)
	if err != nil {
		return nil, err
	}
	if e.decl.Category != model.Transient {
		return nil, &model.InvalidCompositeModelTypeError{
			Composite: e.name,
			Want:      model.Transient,
			Got:       e.decl.Category,
		}
	}
	return lifecycle.NewBuilder(e.factory,
		lifecycle.WithEnvironment(e.module),
		lifecycle.WithLogger(m.layer.app.log),
	), nil
}

// BuilderFor is the typed form of Module.NewBuilder.
func BuilderFor[C any](m *Module) (*lifecycle.Builder, error) {
	return m.NewBuilder(model.TypeOf[C]())
}

// NewInstance builds a composite of contract C with no prototype state and
// returns it adapted to C.
func NewInstance[C any](ctx context.Context, m *Module, values ...any) (C, error) {
	var zero C
	b, err := BuilderFor[C](m)
	if err != nil {
		return zero, err
	}
	c, err := b.Use(values...).Instantiate(ctx)
	if err != nil {
		return zero, err
	}
	return invoke.As[C](c.Instance)
}

// ServiceFor returns the visible service of contract C adapted through its
// facade. The service is activated on first call.
func ServiceFor[C any](m *Module) (C, error) {
	var zero C
	r, err := m.FindService(model.TypeOf[C](), "")
	if err != nil {
		return zero, err
	}
	v, ok := m.layer.app.cfg.facades.Adapt(model.TypeOf[C](), r)
	if !ok {
		return zero, &NotFoundError{Module: m.QualifiedName(), Type: model.TypeOf[C]()}
	}
	return v.(C), nil
}

// ConstraintRegistry implements model.Env.
func (m *Module) ConstraintRegistry() *constraint.Registry { return m.layer.app.cfg.registry }

// FacadeRegistry implements model.Env.
func (m *Module) FacadeRegistry() *model.Facades { return m.layer.app.cfg.facades }

// ServiceAvailable implements model.Env. The service must resolve
// unambiguously and be adaptable to t.
func (m *Module) ServiceAvailable(t reflect.Type, name string) bool {
	if _, err := m.single(t, name, true); err != nil {
		return false
	}
	return m.FacadeRegistry().CanAdapt(t)
}

// AmbientAvailable implements model.Env.
func (m *Module) AmbientAvailable(t reflect.Type) bool {
	_, ok := m.Ambient(t)
	return ok
}

// Service implements invoke.Environment.
func (m *Module) Service(t reflect.Type, name string) (model.Invoker, error) {
	r, err := m.FindService(t, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

// Ambient implements invoke.Environment: the module, its layer or the
// application, whichever is assignable to t.
func (m *Module) Ambient(t reflect.Type) (any, bool) {
	for _, v := range []any{m, m.layer, m.layer.app} {
		if reflect.TypeOf(v).AssignableTo(t) {
			return v, true
		}
	}
	return nil, false
}
