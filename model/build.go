package model

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/sghaida/cop/constraint"
)

// Env answers the questions model build cannot answer alone. The structure
// package supplies one per declaring module.
type Env interface {
	// ConstraintRegistry resolves validators.
	ConstraintRegistry() *constraint.Registry

	// FacadeRegistry adapts handles to typed contracts.
	FacadeRegistry() *Facades

	// ServiceAvailable reports whether a service of type t (optionally named)
	// is visible from the declaring module and can be injected as t.
	ServiceAvailable(t reflect.Type, name string) bool

	// AmbientAvailable reports whether a structure handle of type t exists.
	AmbientAvailable(t reflect.Type) bool
}

// StaticEnv is an Env over fixed sets, useful for standalone models and tests.
type StaticEnv struct {
	Registry *constraint.Registry
	Facade   *Facades
	Services []reflect.Type
	Ambient  []reflect.Type
}

// ConstraintRegistry implements Env. A nil Registry means the builtins.
func (e StaticEnv) ConstraintRegistry() *constraint.Registry {
	if e.Registry == nil {
		return defaultRegistry
	}
	return e.Registry
}

// FacadeRegistry implements Env.
func (e StaticEnv) FacadeRegistry() *Facades { return e.Facade }

// ServiceAvailable implements Env.
func (e StaticEnv) ServiceAvailable(t reflect.Type, _ string) bool {
	for _, s := range e.Services {
		if s == t || s.AssignableTo(t) {
			return true
		}
	}
	return false
}

// AmbientAvailable implements Env.
func (e StaticEnv) AmbientAvailable(t reflect.Type) bool {
	for _, a := range e.Ambient {
		if a.AssignableTo(t) {
			return true
		}
	}
	return false
}

var defaultRegistry = constraint.Default()

// FragmentModel is a resolved fragment declaration. Index is the fragment's
// slot in every instance of the composite.
type FragmentModel struct {
	Index  int
	Name   string
	Kind   Kind
	Type   reflect.Type
	New    func() any
	Inject []InjectionPoint
	Filter Filter

	// Generic is true when the fragment implements GenericFragment.
	Generic bool

	// Shadowed mixins are embedded by a more derived declared mixin. They
	// own no method slot and their lifecycle hooks do not run.
	Shadowed bool
}

// Link is one step of a chain: a fragment plus the reflect method index of
// its typed implementation, or -1 for generic dispatch.
type Link struct {
	Fragment int
	Method   int
}

// Generic reports whether the link dispatches through GenericFragment.
func (l Link) Generic() bool { return l.Method < 0 }

// Chain is the flattened dispatch description of one method.
type Chain struct {
	Method      *Method
	Concerns    []Link
	Mixin       Link
	SideEffects []Link

	// Params has one entry per parameter; Return is checked when the call succeeds.
	Params []constraint.SiteRules
	Return constraint.SiteRules
}

// ConcernPos returns the position of fragment in the concern list, or -1.
func (c *Chain) ConcernPos(fragment int) int {
	for i, l := range c.Concerns {
		if l.Fragment == fragment {
			return i
		}
	}
	return -1
}

// PropertyModel is a resolved property declaration.
type PropertyModel struct {
	Name    string
	Type    reflect.Type
	Default any
	Rules   constraint.SiteRules
}

// CompositeModel is the immutable result of Build.
type CompositeModel struct {
	name       string
	category   Category
	contracts  []reflect.Type
	methods    []*Method
	chains     map[string]*Chain
	fragments  []*FragmentModel
	properties []PropertyModel
	invariants constraint.SiteRules
	facades    *Facades
	result     ValidationResult
}

// Name returns the composite's display name.
func (m *CompositeModel) Name() string { return m.name }

// Category returns the composite's category.
func (m *CompositeModel) Category() Category { return m.category }

// Contracts returns the declared contracts.
func (m *CompositeModel) Contracts() []reflect.Type { return m.contracts }

// Methods returns the method table sorted by name.
func (m *CompositeModel) Methods() []*Method { return m.methods }

// Chain returns the dispatch chain of method.
func (m *CompositeModel) Chain(method string) (*Chain, bool) {
	c, ok := m.chains[method]
	return c, ok
}

// Fragments returns every fragment: mixins, then concerns, then side effects.
func (m *CompositeModel) Fragments() []*FragmentModel { return m.fragments }

// Properties returns the declared properties.
func (m *CompositeModel) Properties() []PropertyModel { return m.properties }

// Property returns the named property.
func (m *CompositeModel) Property(name string) (PropertyModel, bool) {
	for _, p := range m.properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyModel{}, false
}

// Invariants returns the composite-level constraints.
func (m *CompositeModel) Invariants() constraint.SiteRules { return m.invariants }

// Facades returns the facade registry the model was built with.
func (m *CompositeModel) Facades() *Facades { return m.facades }

// Result returns the validation outcome.
func (m *CompositeModel) Result() ValidationResult { return m.result }

// Valid reports whether the model has no errors.
func (m *CompositeModel) Valid() bool { return m.result.Valid() }

// Err returns an *InvalidModelError when the model is invalid.
func (m *CompositeModel) Err() error {
	if m.result.Valid() {
		return nil
	}
	return &InvalidModelError{Composite: m.name, Result: m.result}
}

// Declares reports whether t is one of the declared contracts.
func (m *CompositeModel) Declares(t reflect.Type) bool {
	for _, c := range m.contracts {
		if c == t {
			return true
		}
	}
	return false
}

// Implements reports whether the method table covers interface t.
func (m *CompositeModel) Implements(t reflect.Type) bool {
	if t == nil || t.Kind() != reflect.Interface {
		return false
	}
	for i := 0; i < t.NumMethod(); i++ {
		im := t.Method(i)
		c, ok := m.chains[im.Name]
		if !ok || c.Method.Type != im.Type {
			return false
		}
	}
	return true
}

// Build validates decl and flattens it into a CompositeModel. It never
// fails: problems are collected into the model's ValidationResult.
func Build(decl Declaration, env Env) *CompositeModel {
	if env == nil {
		env = StaticEnv{}
	}
	b := &builder{
		decl: decl,
		env:  env,
		m: &CompositeModel{
			name:      decl.DisplayName(),
			category:  decl.Category,
			contracts: append([]reflect.Type(nil), decl.Contracts...),
			chains:    map[string]*Chain{},
			facades:   env.FacadeRegistry(),
		},
	}
	b.collectMethods()
	b.collectFragments()
	b.buildChains()
	b.checkInjections()
	b.bindParams()
	b.bindProperties()
	return b.m
}

type builder struct {
	decl Declaration
	env  Env
	m    *CompositeModel
}

func (b *builder) fail(err error) { b.m.result.add(err) }

func (b *builder) structural(fragment, method, reason string, err error) {
	b.fail(&StructuralError{Composite: b.m.name, Fragment: fragment, Method: method, Reason: reason, Err: err})
}

func (b *builder) collectMethods() {
	if len(b.decl.Contracts) == 0 {
		b.structural("", "", "no contracts declared", nil)
		return
	}
	methods, errs := methodsOf(b.m.name, b.decl.Contracts)
	for _, err := range errs {
		b.fail(err)
	}
	for _, m := range methods {
		m.Tags = append([]string(nil), b.decl.Tags[m.Name]...)
	}
	b.m.methods = methods
}

var genericType = TypeOf[GenericFragment]()

func (b *builder) collectFragments() {
	add := func(kind Kind, frags []Fragment) {
		seen := map[reflect.Type]bool{}
		for _, f := range frags {
			fm := &FragmentModel{
				Index:  len(b.m.fragments),
				Name:   f.Name,
				Kind:   kind,
				Type:   f.Type,
				New:    f.New,
				Inject: f.Inject,
				Filter: f.Filter,
			}
			if fm.New == nil {
				b.structural(fm.Name, "", kind.String()+" has no constructor", nil)
				continue
			}
			if fm.Type == nil {
				v := f.New()
				if v == nil {
					b.structural(fm.Name, "", kind.String()+" constructor returned nil", nil)
					continue
				}
				fm.Type = reflect.TypeOf(v)
			}
			if fm.Name == "" {
				fm.Name = deref(fm.Type).Name()
			}
			if seen[fm.Type] {
				b.structural(fm.Name, "", kind.String()+" declared twice", nil)
				continue
			}
			seen[fm.Type] = true
			fm.Generic = fm.Type.Implements(genericType)
			b.m.fragments = append(b.m.fragments, fm)
		}
	}
	add(MixinKind, b.decl.Mixins)
	add(ConcernKind, b.decl.Concerns)
	add(SideEffectKind, b.decl.SideEffects)

	mixins := b.byKind(MixinKind)
	for _, base := range mixins {
		for _, derived := range mixins {
			if base != derived && embeds(derived.Type, base.Type) {
				base.Shadowed = true
				break
			}
		}
	}
}

func (b *builder) byKind(kind Kind) []*FragmentModel {
	var out []*FragmentModel
	for _, f := range b.m.fragments {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func (b *builder) buildChains() {
	used := map[int]bool{}

	for _, m := range b.m.methods {
		c := &Chain{Method: m, Mixin: Link{Fragment: -1, Method: -1}}

		if mixin, ok := b.terminator(m); ok {
			c.Mixin = mixin
		}
		c.Concerns = b.links(ConcernKind, m, used)
		c.SideEffects = b.links(SideEffectKind, m, used)
		b.m.chains[m.Name] = c
	}

	for _, fm := range b.m.fragments {
		if fm.Kind != MixinKind && !used[fm.Index] {
			b.structural(fm.Name, "", fm.Kind.String()+" applies to no method", nil)
		}
	}
}

// terminator picks the mixin owning m: the most derived typed
// implementation, else the first generic mixin.
func (b *builder) terminator(m *Method) (Link, bool) {
	var typed []Link
	for _, fm := range b.byKind(MixinKind) {
		if !fm.Filter.match(m) {
			continue
		}
		if idx := implements(fm.Type, m); idx >= 0 {
			typed = append(typed, Link{Fragment: fm.Index, Method: idx})
		}
	}

	if len(typed) > 0 {
		var top []Link
		for _, l := range typed {
			derivedExists := false
			for _, o := range typed {
				if o != l && embeds(b.m.fragments[o.Fragment].Type, b.m.fragments[l.Fragment].Type) {
					derivedExists = true
					break
				}
			}
			if !derivedExists {
				top = append(top, l)
			}
		}
		if len(top) == 1 {
			return top[0], true
		}
		names := make([]string, 0, len(top))
		for _, l := range top {
			names = append(names, strconv.Quote(b.m.fragments[l.Fragment].Name))
		}
		b.fail(&InternalError{
			Composite: b.m.name,
			Method:    m.Signature(),
			Reason:    "ambiguous implementations in unrelated mixins " + strings.Join(names, ", "),
		})
		return Link{}, false
	}

	for _, fm := range b.byKind(MixinKind) {
		if fm.Generic && !fm.Shadowed && fm.Filter.match(m) {
			return Link{Fragment: fm.Index, Method: -1}, true
		}
	}

	b.structural("", m.Signature(), "no mixin implements the method", nil)
	return Link{}, false
}

func (b *builder) links(kind Kind, m *Method, used map[int]bool) []Link {
	var out []Link
	for _, fm := range b.byKind(kind) {
		if !fm.Filter.match(m) {
			continue
		}
		if idx := implements(fm.Type, m); idx >= 0 {
			out = append(out, Link{Fragment: fm.Index, Method: idx})
		} else if fm.Generic {
			out = append(out, Link{Fragment: fm.Index, Method: -1})
		} else {
			continue
		}
		used[fm.Index] = true
	}
	return out
}

func (b *builder) checkInjections() {
	facades := b.env.FacadeRegistry()

	for _, fm := range b.m.fragments {
		for _, p := range fm.Inject {
			inj := func(reason string) {
				b.fail(&InjectionError{Composite: b.m.name, Fragment: fm.Name, Point: p.String(), Reason: reason})
			}
			if p.Bind == nil {
				b.structural(fm.Name, "", "injection point "+p.String()+" has no bind function", ErrNilBind)
				continue
			}
			if p.Type == nil {
				b.structural(fm.Name, "", "injection point has no type", nil)
				continue
			}

			switch p.Kind {
			case InjectSelf:
				if !b.handleType(p.Type, facades) {
					inj("composite cannot be injected as " + p.Type.String())
				}
			case InjectExternal:
				// Values come from the per-build uses container, so a missing
				// mandatory value is only known at instantiation, where it
				// surfaces as an invoke.MissingValueError.
			case InjectService:
				if !p.Optional && !b.env.ServiceAvailable(p.Type, p.Name) {
					inj("no visible service")
				}
			case InjectAmbient:
				if !p.Optional && !b.env.AmbientAvailable(p.Type) {
					inj("no ambient value of this type")
				}
			case InjectNext:
				if fm.Kind != ConcernKind {
					inj("concern-next is only available to concerns")
				} else if !b.handleType(p.Type, facades) {
					inj("next link cannot be injected as " + p.Type.String())
				}
			case InjectResult:
				if fm.Kind != SideEffectKind {
					inj("side-effect-result is only available to side effects")
				} else if !b.handleType(p.Type, facades) {
					inj("result cannot be injected as " + p.Type.String())
				}
			case InjectState:
				if !StateViewType.AssignableTo(p.Type) {
					inj("state must be injected as model.StateView")
				}
			default:
				b.structural(fm.Name, "", "unknown injection kind "+p.Kind.String(), nil)
			}
		}
	}
}

// handleType reports whether a handle over this composite can be injected as t:
// t is satisfied by Invoker, or t is a contract the composite covers and a
// facade exists for it.
func (b *builder) handleType(t reflect.Type, facades *Facades) bool {
	if InvokerType.AssignableTo(t) {
		return true
	}
	return facades.Has(t) && b.m.Implements(t)
}

func (b *builder) bindParams() {
	reg := b.env.ConstraintRegistry()

	type key struct {
		method string
		index  int
	}
	specs := map[key]*ParamSpec{}
	for i := range b.decl.Params {
		s := b.decl.Params[i]
		c, ok := b.m.chains[s.Method]
		switch {
		case !ok:
			b.structural("", s.Method, "constraint declared on unknown method", nil)
			continue
		case s.Index == Return && c.Method.Result == nil:
			b.structural("", s.Method, "constraint declared on missing result", nil)
			continue
		case s.Index != Return && (s.Index < 0 || s.Index >= len(c.Method.Params)):
			b.structural("", s.Method, "constraint declared on parameter "+strconv.Itoa(s.Index)+" out of range", nil)
			continue
		}
		k := key{s.Method, s.Index}
		if prev, ok := specs[k]; ok {
			merged := *prev
			merged.Optional = merged.Optional || s.Optional
			merged.Annotations = append(append([]any(nil), merged.Annotations...), s.Annotations...)
			if merged.Name == "" {
				merged.Name = s.Name
			}
			specs[k] = &merged
			continue
		}
		specs[k] = &s
	}

	bind := func(site constraint.Site) constraint.SiteRules {
		rules, errs := reg.Bind(site)
		for _, err := range errs {
			b.structural("", site.Name, "unresolved constraint", err)
		}
		return rules
	}

	for _, m := range b.m.methods {
		c := b.m.chains[m.Name]
		c.Params = make([]constraint.SiteRules, len(m.Params))
		for i, pt := range m.Params {
			site := constraint.Site{Name: m.Name + "#" + strconv.Itoa(i), Type: pt}
			if s, ok := specs[key{m.Name, i}]; ok {
				if s.Name != "" {
					site.Name = m.Name + "(" + s.Name + ")"
				}
				site.Optional = s.Optional
				site.Annotations = s.Annotations
			}
			c.Params[i] = bind(site)
		}
		if m.Result != nil {
			site := constraint.Site{Name: m.Name + "->result", Type: m.Result}
			if s, ok := specs[key{m.Name, Return}]; ok {
				site.Optional = s.Optional
				site.Annotations = s.Annotations
			}
			c.Return = bind(site)
		} else {
			c.Return = constraint.SiteRules{Site: m.Name + "->result", Optional: true}
		}
	}
}

func (b *builder) bindProperties() {
	reg := b.env.ConstraintRegistry()
	seen := map[string]bool{}

	for _, p := range b.decl.Properties {
		switch {
		case p.Name == "":
			b.structural("", "", "property without a name", nil)
			continue
		case seen[p.Name]:
			b.structural("", "", "property "+strconv.Quote(p.Name)+" declared twice", nil)
			continue
		case p.Type == nil:
			b.structural("", "", "property "+strconv.Quote(p.Name)+" has no type", nil)
			continue
		case p.Default != nil && !reflect.TypeOf(p.Default).AssignableTo(p.Type):
			b.structural("", "", "default of property "+strconv.Quote(p.Name)+" is not a "+p.Type.String(), nil)
			continue
		}
		seen[p.Name] = true

		rules, errs := reg.Bind(constraint.Site{
			Name:        b.m.name + "." + p.Name,
			Type:        p.Type,
			Optional:    p.Optional,
			Annotations: p.Annotations,
		})
		for _, err := range errs {
			b.structural("", "", "unresolved constraint on property "+strconv.Quote(p.Name), err)
		}
		b.m.properties = append(b.m.properties, PropertyModel{Name: p.Name, Type: p.Type, Default: p.Default, Rules: rules})
	}

	rules, errs := reg.Bind(constraint.Site{Name: b.m.name, Type: StateViewType, Annotations: b.decl.Invariants})
	for _, err := range errs {
		b.structural("", "", "unresolved composite invariant", err)
	}
	b.m.invariants = rules
}
