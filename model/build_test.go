package model

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sghaida/cop/constraint"
)

type Greeter interface {
	Greet(ctx context.Context, name string) (string, error)
}

type Counter interface {
	Count() int
}

type Store interface {
	Load(key string) (string, error)
}

type baseGreeter struct{}

func (g *baseGreeter) Greet(_ context.Context, name string) (string, error) {
	return "hello " + name, nil
}

type politeGreeter struct{ baseGreeter }

func (g *politeGreeter) Greet(_ context.Context, name string) (string, error) {
	return "good day " + name, nil
}

type otherGreeter struct{}

func (g *otherGreeter) Greet(_ context.Context, name string) (string, error) {
	return "yo " + name, nil
}

type genericMixin struct{}

func (g *genericMixin) Dispatch(_ context.Context, inv *Invocation) (any, error) {
	return inv.Method.Name, nil
}

type counterMixin struct{ n int }

func (c *counterMixin) Count() int { return c.n }

type traceConcern struct{ next Greeter }

func (c *traceConcern) Greet(ctx context.Context, name string) (string, error) {
	return c.next.Greet(ctx, name)
}

type genericConcern struct{ next Invoker }

func (c *genericConcern) Dispatch(ctx context.Context, inv *Invocation) (any, error) {
	return inv.Proceed(ctx)
}

type auditSideEffect struct{ result Invoker }

func (s *auditSideEffect) Dispatch(ctx context.Context, inv *Invocation) (any, error) {
	return inv.Proceed(ctx)
}

type idleConcern struct{}

type badContract interface {
	Split() (string, int)
}

type clashingGreeter interface {
	Greet(name string) string
}

func greeterDecl() Declaration {
	return Declaration{
		Contracts: []reflect.Type{TypeOf[Greeter]()},
		Mixins:    []Fragment{FragmentOf(func() *baseGreeter { return &baseGreeter{} })},
	}
}

//
// -----------------------------------------------------------------------------
// Method table
// -----------------------------------------------------------------------------

// TestBuild_MethodTable verifies contract methods are merged and sorted.
func TestBuild_MethodTable(t *testing.T) {
	t.Parallel()

	d := greeterDecl()
	d.Contracts = append(d.Contracts, TypeOf[Counter](), TypeOf[Greeter]())
	d.Mixins = append(d.Mixins, FragmentOf(func() *counterMixin { return &counterMixin{} }))
	d.Tags = map[string][]string{"Greet": {"public"}}

	m := Build(d, nil)
	require.True(t, m.Valid(), m.Err())
	require.Len(t, m.Methods(), 2)
	assert.Equal(t, "Count", m.Methods()[0].Name)

	greet := m.Methods()[1]
	assert.True(t, greet.Context)
	assert.True(t, greet.Error)
	assert.Equal(t, reflect.TypeOf(""), greet.Result)
	assert.Equal(t, []reflect.Type{reflect.TypeOf("")}, greet.Params)
	assert.True(t, greet.HasTag("public"))
	assert.Equal(t, "Greet(context.Context, string) (string, error)", greet.Signature())
	assert.Len(t, greet.Contracts, 2)
}

// TestBuild_ContractErrors verifies signature problems are structural.
func TestBuild_ContractErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		contracts []reflect.Type
	}{
		{"not an interface", []reflect.Type{reflect.TypeOf(0)}},
		{"two plain results", []reflect.Type{TypeOf[badContract]()}},
		{"conflicting signatures", []reflect.Type{TypeOf[Greeter](), TypeOf[clashingGreeter]()}},
		{"no contracts", nil},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := Build(Declaration{Name: "X", Contracts: tc.contracts, Mixins: []Fragment{
				FragmentOf(func() *genericMixin { return &genericMixin{} }),
			}}, nil)
			require.False(t, m.Valid())
			assert.Len(t, m.Result().Structural, 1)
			assert.Empty(t, m.Result().Injection)
			assert.Empty(t, m.Result().Internal)
			assert.ErrorIs(t, m.Err(), ErrInvalidModel)
			assert.ErrorIs(t, m.Err(), ErrStructural)
		})
	}
}

//
// -----------------------------------------------------------------------------
// Mixin resolution
// -----------------------------------------------------------------------------

// TestBuild_MostDerivedWins verifies an embedding mixin owns the slot and shadows its base.
func TestBuild_MostDerivedWins(t *testing.T) {
	t.Parallel()

	d := greeterDecl()
	d.Mixins = append(d.Mixins, FragmentOf(func() *politeGreeter { return &politeGreeter{} }))

	m := Build(d, nil)
	require.True(t, m.Valid(), m.Err())

	c, ok := m.Chain("Greet")
	require.True(t, ok)
	assert.Equal(t, "politeGreeter", m.Fragments()[c.Mixin.Fragment].Name)
	assert.True(t, m.Fragments()[0].Shadowed)
	assert.False(t, m.Fragments()[1].Shadowed)
}

// TestBuild_UnrelatedMixinsAmbiguous verifies two unrelated implementations are an internal error.
func TestBuild_UnrelatedMixinsAmbiguous(t *testing.T) {
	t.Parallel()

	d := greeterDecl()
	d.Mixins = append(d.Mixins, FragmentOf(func() *otherGreeter { return &otherGreeter{} }))

	m := Build(d, nil)
	require.False(t, m.Valid())
	assert.Len(t, m.Result().Internal, 1)
	assert.Empty(t, m.Result().Structural)
	assert.ErrorIs(t, m.Result().Internal[0], ErrInternal)
}

// TestBuild_TypedBeatsGeneric verifies generic mixins only fill slots without typed implementations.
func TestBuild_TypedBeatsGeneric(t *testing.T) {
	t.Parallel()

	d := Declaration{
		Contracts: []reflect.Type{TypeOf[Greeter](), TypeOf[Counter]()},
		Mixins: []Fragment{
			FragmentOf(func() *genericMixin { return &genericMixin{} }),
			FragmentOf(func() *baseGreeter { return &baseGreeter{} }),
		},
	}
	m := Build(d, nil)
	require.True(t, m.Valid(), m.Err())

	greet, _ := m.Chain("Greet")
	assert.Equal(t, 1, greet.Mixin.Fragment)
	assert.False(t, greet.Mixin.Generic())

	count, _ := m.Chain("Count")
	assert.Equal(t, 0, count.Mixin.Fragment)
	assert.True(t, count.Mixin.Generic())
}

// TestBuild_MissingImplementation verifies an unimplemented method is structural.
func TestBuild_MissingImplementation(t *testing.T) {
	t.Parallel()

	d := greeterDecl()
	d.Contracts = append(d.Contracts, TypeOf[Counter]())

	m := Build(d, nil)
	assert.Len(t, m.Result().Structural, 1)
}

// TestBuild_MixinFilter verifies a filtered-out mixin does not take the slot.
func TestBuild_MixinFilter(t *testing.T) {
	t.Parallel()

	d := Declaration{
		Contracts: []reflect.Type{TypeOf[Greeter](), TypeOf[Counter]()},
		Mixins: []Fragment{
			FragmentOf(func() *genericMixin { return &genericMixin{} }).AppliesTo(AppliesToMethods("Greet")),
		},
	}
	m := Build(d, nil)
	require.Len(t, m.Result().Structural, 1)
	assert.Contains(t, m.Result().Structural[0].Error(), "Count")
}

//
// -----------------------------------------------------------------------------
// Concerns and side effects
// -----------------------------------------------------------------------------

// TestBuild_ConcernOrderAndMixing verifies declaration order and typed/generic mixing.
func TestBuild_ConcernOrderAndMixing(t *testing.T) {
	t.Parallel()

	facades := NewFacades()
	RegisterFacade(facades, func(inv Invoker) Greeter { return nil })

	d := greeterDecl()
	d.Concerns = []Fragment{
		FragmentOf(func() *genericConcern { return &genericConcern{} },
			Inject(InjectNext, func(c *genericConcern, n Invoker) { c.next = n })),
		FragmentOf(func() *traceConcern { return &traceConcern{} },
			Inject(InjectNext, func(c *traceConcern, n Greeter) { c.next = n })),
	}
	d.SideEffects = []Fragment{
		FragmentOf(func() *auditSideEffect { return &auditSideEffect{} },
			Inject(InjectResult, func(s *auditSideEffect, r Invoker) { s.result = r })),
	}

	m := Build(d, StaticEnv{Facade: facades})
	require.True(t, m.Valid(), m.Err())

	c, _ := m.Chain("Greet")
	require.Len(t, c.Concerns, 2)
	assert.True(t, c.Concerns[0].Generic())
	assert.False(t, c.Concerns[1].Generic())
	assert.Equal(t, 0, c.ConcernPos(c.Concerns[0].Fragment))
	assert.Equal(t, 1, c.ConcernPos(c.Concerns[1].Fragment))
	assert.Equal(t, -1, c.ConcernPos(c.Mixin.Fragment))
	require.Len(t, c.SideEffects, 1)
}

// TestBuild_ConcernAppliesToNothing verifies a typed concern with no matching method is structural.
func TestBuild_ConcernAppliesToNothing(t *testing.T) {
	t.Parallel()

	d := greeterDecl()
	d.Concerns = []Fragment{FragmentOf(func() *idleConcern { return &idleConcern{} })}

	m := Build(d, nil)
	assert.Len(t, m.Result().Structural, 1)
}

// TestBuild_DuplicateFragment verifies the same fragment type cannot be declared twice per kind.
func TestBuild_DuplicateFragment(t *testing.T) {
	t.Parallel()

	d := greeterDecl()
	d.Mixins = append(d.Mixins, d.Mixins[0])

	m := Build(d, nil)
	assert.Len(t, m.Result().Structural, 1)
}

//
// -----------------------------------------------------------------------------
// Injection validation
// -----------------------------------------------------------------------------

type injectedMixin struct {
	baseGreeter
	store Store
	app   *struct{}
	self  Greeter
	next  Invoker
	state StateView
}

// TestBuild_InjectionErrorsCollected verifies every unresolved point is reported.
func TestBuild_InjectionErrorsCollected(t *testing.T) {
	t.Parallel()

	d := Declaration{
		Contracts: []reflect.Type{TypeOf[Greeter]()},
		Mixins: []Fragment{FragmentOf(func() *injectedMixin { return &injectedMixin{} },
			Inject(InjectService, func(f *injectedMixin, s Store) { f.store = s }),
			Inject(InjectAmbient, func(f *injectedMixin, a *struct{}) { f.app = a }),
			Inject(InjectSelf, func(f *injectedMixin, s Greeter) { f.self = s }),
			Inject(InjectNext, func(f *injectedMixin, n Invoker) { f.next = n }),
			Inject(InjectResult, func(f *injectedMixin, n Invoker) { f.next = n }),
			Inject(InjectState, func(f *injectedMixin, s StateView) { f.state = s }),
			Inject(InjectExternal, func(f *injectedMixin, s Store) { f.store = s }),
		)},
	}

	m := Build(d, nil)
	res := m.Result()
	// service, ambient, self without facade, next in mixin, result in mixin
	assert.Len(t, res.Injection, 5)
	assert.Empty(t, res.Structural)
	for _, err := range res.Injection {
		assert.ErrorIs(t, err, ErrInjection)
	}
}

// TestBuild_InjectionSatisfied verifies the same points pass once the env provides them.
func TestBuild_InjectionSatisfied(t *testing.T) {
	t.Parallel()

	facades := RegisterFacade(NewFacades(), func(inv Invoker) Greeter { return nil })
	d := Declaration{
		Contracts: []reflect.Type{TypeOf[Greeter]()},
		Mixins: []Fragment{FragmentOf(func() *injectedMixin { return &injectedMixin{} },
			Inject(InjectService, func(f *injectedMixin, s Store) { f.store = s }),
			Inject(InjectAmbient, func(f *injectedMixin, a *struct{}) { f.app = a }),
			Inject(InjectSelf, func(f *injectedMixin, s Greeter) { f.self = s }),
			Inject(InjectService, func(f *injectedMixin, s Counter) {}, Optional()),
		)},
	}
	env := StaticEnv{
		Facade:   facades,
		Services: []reflect.Type{TypeOf[Store]()},
		Ambient:  []reflect.Type{reflect.TypeOf(&struct{}{})},
	}

	m := Build(d, env)
	assert.True(t, m.Valid(), m.Err())
}

// TestBuild_NilBindIsStructural verifies a point without a bind function is structural.
func TestBuild_NilBindIsStructural(t *testing.T) {
	t.Parallel()

	d := greeterDecl()
	d.Mixins[0] = d.Mixins[0].With(Inject[baseGreeter, Store](InjectExternal, nil))

	m := Build(d, nil)
	require.Len(t, m.Result().Structural, 1)
	assert.ErrorIs(t, m.Result().Structural[0], ErrNilBind)
}

//
// -----------------------------------------------------------------------------
// Constraints and properties
// -----------------------------------------------------------------------------

// Unknown has no registered validator.
type Unknown struct{}

// TestBuild_ParamConstraints verifies site rules are bound per parameter and result.
func TestBuild_ParamConstraints(t *testing.T) {
	t.Parallel()

	d := greeterDecl()
	d.Params = []ParamSpec{
		{Method: "Greet", Index: 0, Name: "name", Annotations: []any{constraint.NotEmpty{}}},
		{Method: "Greet", Index: 0, Annotations: []any{constraint.MaxLength{N: 10}}},
		{Method: "Greet", Index: Return, Optional: true},
	}

	m := Build(d, nil)
	require.True(t, m.Valid(), m.Err())

	c, _ := m.Chain("Greet")
	require.Len(t, c.Params, 1)
	assert.Equal(t, "Greet(name)", c.Params[0].Site)
	assert.Len(t, c.Params[0].Rules, 2)
	assert.True(t, c.Return.Optional)
}

// TestBuild_ConstraintErrors verifies bad constraint declarations are structural and all collected.
func TestBuild_ConstraintErrors(t *testing.T) {
	t.Parallel()

	d := greeterDecl()
	d.Params = []ParamSpec{
		{Method: "Greet", Index: 0, Annotations: []any{Unknown{}}},
		{Method: "Greet", Index: 3},
		{Method: "Missing", Index: 0},
	}
	d.Properties = []Property{
		PropertyOf("limit", 3, constraint.Matches{Pattern: "x"}),
		{Name: "bad", Type: reflect.TypeOf(""), Default: 1},
		PropertyOf("limit", 4),
	}
	d.Invariants = []any{Unknown{}}

	m := Build(d, nil)
	assert.Len(t, m.Result().Structural, 7)
	assert.Empty(t, m.Result().Injection)
}

// TestBuild_Properties verifies property models keep defaults and rules.
func TestBuild_Properties(t *testing.T) {
	t.Parallel()

	d := greeterDecl()
	d.Properties = []Property{
		PropertyOf("greeting", "hello", constraint.NotEmpty{}),
		OptionalProperty[*int]("limit"),
	}

	m := Build(d, nil)
	require.True(t, m.Valid(), m.Err())
	require.Len(t, m.Properties(), 2)

	p, ok := m.Property("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", p.Default)
	assert.Len(t, p.Rules.Rules, 1)

	limit, _ := m.Property("limit")
	assert.True(t, limit.Rules.Optional)
}

//
// -----------------------------------------------------------------------------
// Filters / Inject / Facades
// -----------------------------------------------------------------------------

func TestFilters(t *testing.T) {
	t.Parallel()

	m := &Method{Name: "Greet", Contracts: []reflect.Type{TypeOf[Greeter]()}, Tags: []string{"audit"}}

	assert.True(t, AppliesToMethods("Greet", "Other")(m))
	assert.False(t, AppliesToMethods("Other")(m))
	assert.True(t, AppliesToContract(TypeOf[Greeter]())(m))
	assert.False(t, AppliesToContract(TypeOf[Counter]())(m))
	assert.True(t, AppliesToTagged("audit")(m))
	assert.True(t, AllOf(AppliesToTagged("audit"), AppliesToMethods("Greet"))(m))
	assert.False(t, AllOf(AppliesToTagged("audit"), AppliesToMethods("X"))(m))
	assert.True(t, AnyOf(AppliesToMethods("X"), AppliesToTagged("audit"))(m))
	assert.False(t, Not(AppliesToTagged("audit"))(m))
	assert.True(t, Filter(nil).match(m))
}

func TestInject_Bind(t *testing.T) {
	t.Parallel()

	p := Inject(InjectExternal, func(f *counterMixin, n int) { f.n = n }, Named("limit"))
	assert.Equal(t, reflect.TypeOf(0), p.Type)
	assert.Equal(t, `external int "limit"`, p.String())

	f := &counterMixin{}
	require.NoError(t, p.Bind(f, 5))
	assert.Equal(t, 5, f.n)

	require.NoError(t, p.Bind(f, nil))
	assert.Equal(t, 0, f.n)

	assert.ErrorIs(t, p.Bind(nil, 1), ErrNilFragment)
	assert.ErrorIs(t, p.Bind((*counterMixin)(nil), 1), ErrNilFragment)

	var wf WrongFragmentError
	require.ErrorAs(t, p.Bind(&baseGreeter{}, 1), &wf)

	var wv WrongValueError
	require.ErrorAs(t, p.Bind(f, "x"), &wv)
}

func TestFacades_AdaptAndCall(t *testing.T) {
	t.Parallel()

	inv := InvokerFunc(func(_ context.Context, method string, args ...any) (any, error) {
		if method == "fail" {
			return nil, errors.New("boom")
		}
		return method + "!", nil
	})

	f := NewFacades()
	got, ok := f.Adapt(InvokerType, inv)
	require.True(t, ok)
	assert.NotNil(t, got)

	_, ok = f.Adapt(TypeOf[Greeter](), inv)
	assert.False(t, ok)
	assert.False(t, f.CanAdapt(TypeOf[Greeter]()))

	RegisterFacade(f, func(inv Invoker) Counter { return &counterMixin{n: 7} })
	assert.True(t, f.CanAdapt(TypeOf[Counter]()))
	c, ok := f.Adapt(TypeOf[Counter](), inv)
	require.True(t, ok)
	assert.Equal(t, 7, c.(Counter).Count())

	s, err := Call[string](context.Background(), inv, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi!", s)

	_, err = Call[int](context.Background(), inv, "hi")
	var wv WrongValueError
	assert.ErrorAs(t, err, &wv)

	_, err = Call[string](context.Background(), inv, "fail")
	assert.EqualError(t, err, "boom")
}

func TestInvocation_ProceedWithoutNext(t *testing.T) {
	t.Parallel()

	inv := NewInvocation("X", &Method{Name: "M"}, MixinKind, nil, nil)
	_, err := inv.Proceed(context.Background())
	assert.ErrorIs(t, err, ErrNoNext)
}
