package invoke

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/stretchr/testify/require"

	"github.com/sghaida/cop/model"
	"github.com/sghaida/cop/uses"
)

var errBoom = errors.New("boom")

type Echo interface {
	Echo(s string) string
}

type Greeter interface {
	Greet(ctx context.Context, name string) (string, error)
	Twice(ctx context.Context, name string) (string, error)
}

type Item struct{ ID string }

type Inventory interface {
	Put(ctx context.Context, item *Item) error
	Find(ctx context.Context, id string) (*Item, error)
	Sum(nums ...int) int
}

// journal records what fragments did during a test.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (p *journal) record(e string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *journal) has(e string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, x := range p.events {
		if x == e {
			return true
		}
	}
	return false
}

func (p *journal) count(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, x := range p.events {
		if strings.HasPrefix(x, prefix) {
			n++
		}
	}
	return n
}

//
// -----------------------------------------------------------------------------
// Echo fragments: concern ordering
// -----------------------------------------------------------------------------

type echoMixin struct{}

func (m *echoMixin) Echo(s string) string { return s + "X" }

type tagger interface{ tag() string }

type tagA struct{}
type tagB struct{}
type tagC struct{}
type tagD struct{}
type tagE struct{}

func (tagA) tag() string { return "A" }
func (tagB) tag() string { return "B" }
func (tagC) tag() string { return "C" }
func (tagD) tag() string { return "D" }
func (tagE) tag() string { return "E" }

// before appends its tag to the argument and then calls next.
type before[T tagger] struct{}

func (c *before[T]) Dispatch(ctx context.Context, inv *model.Invocation) (any, error) {
	var t T
	return inv.ProceedWith(ctx, inv.Args[0].(string)+t.tag())
}

// after calls next and then appends its tag to the result.
type after[T tagger] struct{}

func (c *after[T]) Dispatch(ctx context.Context, inv *model.Invocation) (any, error) {
	out, err := inv.Proceed(ctx)
	if err != nil {
		return nil, err
	}
	var t T
	return out.(string) + t.tag(), nil
}

// shortCircuit answers without calling next.
type shortCircuit struct{}

func (c *shortCircuit) Echo(s string) string { return "short" }

func beforeOf[T tagger]() model.Fragment {
	return model.FragmentOf(func() *before[T] { return &before[T]{} })
}
func afterOf[T tagger]() model.Fragment {
	return model.FragmentOf(func() *after[T] { return &after[T]{} })
}

func echoDecl(concerns ...model.Fragment) model.Declaration {
	return model.Declaration{
		Contracts: []reflect.Type{model.TypeOf[Echo]()},
		Mixins:    []model.Fragment{model.FragmentOf(func() *echoMixin { return &echoMixin{} })},
		Concerns:  concerns,
	}
}

//
// -----------------------------------------------------------------------------
// Greeter fragments: typed concerns, self, side effects
// -----------------------------------------------------------------------------

type greeterFacade struct{ inv model.Invoker }

func (f greeterFacade) Greet(ctx context.Context, name string) (string, error) {
	return model.Call[string](ctx, f.inv, "Greet", name)
}

func (f greeterFacade) Twice(ctx context.Context, name string) (string, error) {
	return model.Call[string](ctx, f.inv, "Twice", name)
}

// echoFacade has no context or error to carry, so a failed call panics.
type echoFacade struct{ inv model.Invoker }

func (f echoFacade) Echo(s string) string {
	r, err := model.Call[string](context.Background(), f.inv, "Echo", s)
	if err != nil {
		panic(err)
	}
	return r
}

func testFacades() *model.Facades {
	f := model.NewFacades()
	model.RegisterFacade(f, func(inv model.Invoker) Greeter { return greeterFacade{inv} })
	return model.RegisterFacade(f, func(inv model.Invoker) Echo { return echoFacade{inv} })
}

type greeterMixin struct {
	journal *journal
	self    Greeter
}

func (m *greeterMixin) Greet(_ context.Context, name string) (string, error) {
	m.journal.record("mixin:" + name)
	switch name {
	case "boom":
		return "", errBoom
	case "panic":
		panic("kaput")
	}
	return "hello " + name, nil
}

func (m *greeterMixin) Twice(ctx context.Context, name string) (string, error) {
	a, err := m.self.Greet(ctx, name)
	if err != nil {
		return "", err
	}
	return a + " & " + a, nil
}

type countingConcern struct {
	journal *journal
	next    Greeter
}

func (c *countingConcern) Greet(ctx context.Context, name string) (string, error) {
	c.journal.record("concern:" + name)
	return c.next.Greet(ctx, name)
}

// failingSideEffect returns its own error for every method.
type failingSideEffect struct{ journal *journal }

func (s *failingSideEffect) Dispatch(_ context.Context, inv *model.Invocation) (any, error) {
	s.journal.record("se1:" + inv.Method.Name)
	return nil, errors.New("side effect failed")
}

// panickingSideEffect panics for every method.
type panickingSideEffect struct{ journal *journal }

func (s *panickingSideEffect) Dispatch(_ context.Context, inv *model.Invocation) (any, error) {
	s.journal.record("se-panic:" + inv.Method.Name)
	panic("side effect panic")
}

// flagSideEffect observes the replayed outcome of Greet.
type flagSideEffect struct {
	journal *journal
	result  Greeter
}

func (s *flagSideEffect) Greet(ctx context.Context, name string) (string, error) {
	r, err := s.result.Greet(ctx, name)
	if err != nil {
		s.journal.record("se2:err:" + err.Error())
		return "", err
	}
	s.journal.record("se2:" + r)
	return "ignored", nil
}

// echoWatcher observes Echo, which takes no context, through the result handle.
type echoWatcher struct {
	journal *journal
	result  Echo
}

func (s *echoWatcher) Echo(in string) string {
	s.journal.record("watched:" + in + "=" + s.result.Echo(in))
	return ""
}

func withJournal[F any](bind func(*F, *journal)) model.InjectionPoint {
	return model.Inject(model.InjectExternal, bind)
}

func greeterDecl() model.Declaration {
	return model.Declaration{
		Contracts: []reflect.Type{model.TypeOf[Greeter]()},
		Mixins: []model.Fragment{model.FragmentOf(func() *greeterMixin { return &greeterMixin{} },
			withJournal(func(m *greeterMixin, p *journal) { m.journal = p }),
			model.Inject(model.InjectSelf, func(m *greeterMixin, g Greeter) { m.self = g }),
		)},
		Concerns: []model.Fragment{model.FragmentOf(func() *countingConcern { return &countingConcern{} },
			withJournal(func(c *countingConcern, p *journal) { c.journal = p }),
			model.Inject(model.InjectNext, func(c *countingConcern, g Greeter) { c.next = g }),
		)},
		SideEffects: []model.Fragment{
			model.FragmentOf(func() *failingSideEffect { return &failingSideEffect{} },
				withJournal(func(s *failingSideEffect, p *journal) { s.journal = p })),
			model.FragmentOf(func() *panickingSideEffect { return &panickingSideEffect{} },
				withJournal(func(s *panickingSideEffect, p *journal) { s.journal = p })),
			model.FragmentOf(func() *flagSideEffect { return &flagSideEffect{} },
				withJournal(func(s *flagSideEffect, p *journal) { s.journal = p }),
				model.Inject(model.InjectResult, func(s *flagSideEffect, g Greeter) { s.result = g })),
		},
	}
}

//
// -----------------------------------------------------------------------------
// Inventory fragments: constraints, variadics
// -----------------------------------------------------------------------------

type inventoryMixin struct {
	journal *journal
	items   map[string]*Item
}

func (m *inventoryMixin) Put(_ context.Context, item *Item) error {
	m.journal.record("put:" + item.ID)
	if m.items == nil {
		m.items = map[string]*Item{}
	}
	m.items[item.ID] = item
	return nil
}

func (m *inventoryMixin) Find(_ context.Context, id string) (*Item, error) {
	m.journal.record("find:" + id)
	return m.items[id], nil
}

func (m *inventoryMixin) Sum(nums ...int) int {
	total := 0
	for _, n := range nums {
		total += n
	}
	return total
}

func inventoryDecl() model.Declaration {
	return model.Declaration{
		Contracts: []reflect.Type{model.TypeOf[Inventory]()},
		Mixins: []model.Fragment{model.FragmentOf(func() *inventoryMixin { return &inventoryMixin{} },
			withJournal(func(m *inventoryMixin, p *journal) { m.journal = p }))},
		Params: []model.ParamSpec{{Method: "Sum", Index: 0, Optional: true}},
	}
}

//
// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// testingT is satisfied by *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

func compile(t testingT, d model.Declaration, opts ...Option) *Factory {
	t.Helper()
	m := model.Build(d, model.StaticEnv{Facade: testFacades()})
	require.True(t, m.Valid(), "%v", m.Err())
	f, err := Compile(m, opts...)
	require.NoError(t, err)
	return f
}

func instance(t testingT, f *Factory, p *journal) *Instance {
	t.Helper()
	in, err := f.New(context.Background(), nil, uses.New().Use(p), nil)
	require.NoError(t, err)
	return in
}

// recordingObserver counts pipeline events.
type recordingObserver struct {
	mu          sync.Mutex
	calls       []string
	errs        []error
	sideEffects []error
}

func (o *recordingObserver) Invocation(ctx context.Context, composite, method string) (context.Context, func(error)) {
	o.mu.Lock()
	o.calls = append(o.calls, composite+"."+method)
	o.mu.Unlock()
	return ctx, func(err error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.errs = append(o.errs, err)
	}
}

func (o *recordingObserver) SideEffectFailed(_ context.Context, _, _ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sideEffects = append(o.sideEffects, err)
}
