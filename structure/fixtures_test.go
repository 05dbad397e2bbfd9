package structure

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/sghaida/cop/model"
)

var errCacheDown = errors.New("cache down")

type journal struct {
	mu     sync.Mutex
	events []string
}

func (p *journal) record(e string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *journal) with(prefix string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

//
// -----------------------------------------------------------------------------
// Visibility fixtures
// -----------------------------------------------------------------------------

type ModuleThing interface{ Module() string }
type LayerThing interface{ Layer() string }
type AppThing interface{ App() string }

// nameMixin answers every method with the method name.
type nameMixin struct{}

func (m *nameMixin) Dispatch(_ context.Context, inv *model.Invocation) (any, error) {
	return inv.Method.Name, nil
}

func thing[C any]() model.Declaration {
	return model.Declaration{
		Contracts: []reflect.Type{model.TypeOf[C]()},
		Mixins:    []model.Fragment{model.FragmentOf(func() *nameMixin { return &nameMixin{} })},
	}
}

//
// -----------------------------------------------------------------------------
// Service fixtures
// -----------------------------------------------------------------------------

type Named interface{ ServiceName() string }

type Alpha interface {
	Named
	Alpha() string
}

type Beta interface {
	Named
	Beta() string
}

type Store interface {
	Load(ctx context.Context, key string) (string, error)
}

type Cache interface {
	Get(ctx context.Context, key string) (string, error)
}

type storeFacade struct{ inv model.Invoker }

func (f storeFacade) Load(ctx context.Context, key string) (string, error) {
	return model.Call[string](ctx, f.inv, "Load", key)
}

type cacheFacade struct{ inv model.Invoker }

func (f cacheFacade) Get(ctx context.Context, key string) (string, error) {
	return model.Call[string](ctx, f.inv, "Get", key)
}

type storeMixin struct{ journal *journal }

func (m *storeMixin) Load(_ context.Context, key string) (string, error) { return "v:" + key, nil }

func (m *storeMixin) Activate(context.Context) error {
	m.journal.record("activate:store")
	return nil
}

func (m *storeMixin) Passivate(context.Context) error {
	m.journal.record("passivate:store")
	return nil
}

type cacheMixin struct {
	journal *journal
	store   Store
	fail    bool
}

func (m *cacheMixin) Get(ctx context.Context, key string) (string, error) {
	return m.store.Load(ctx, key)
}

func (m *cacheMixin) Activate(context.Context) error {
	m.journal.record("activate:cache")
	if m.fail {
		return errCacheDown
	}
	return nil
}

func (m *cacheMixin) Passivate(context.Context) error {
	m.journal.record("passivate:cache")
	return nil
}

// moduleAware records the module it was built in.
type moduleAware struct{ module *Module }

func (m *moduleAware) App() string { return m.module.QualifiedName() }

func storeDecl() model.Declaration {
	return model.Declaration{
		Name:      "store",
		Contracts: []reflect.Type{model.TypeOf[Store]()},
		Mixins: []model.Fragment{model.FragmentOf(func() *storeMixin { return &storeMixin{} },
			model.Inject(model.InjectExternal, func(m *storeMixin, p *journal) { m.journal = p }))},
	}
}

func cacheDecl() model.Declaration {
	return model.Declaration{
		Name:      "cache",
		Contracts: []reflect.Type{model.TypeOf[Cache]()},
		Mixins: []model.Fragment{model.FragmentOf(func() *cacheMixin { return &cacheMixin{} },
			model.Inject(model.InjectExternal, func(m *cacheMixin, p *journal) { m.journal = p }),
			model.Inject(model.InjectService, func(m *cacheMixin, s Store) { m.store = s }),
			model.Inject(model.InjectExternal, func(m *cacheMixin, f bool) { m.fail = f },
				model.Named("fail"), model.Optional()),
		)},
	}
}

func facades() *model.Facades {
	f := model.NewFacades()
	model.RegisterFacade(f, func(inv model.Invoker) Store { return storeFacade{inv} })
	model.RegisterFacade(f, func(inv model.Invoker) Cache { return cacheFacade{inv} })
	return f
}

// storageApp declares cache in an upper layer depending on store below it.
// The cache is declared first so activation order follows dependencies, not
// declaration order.
func storageApp(p *journal, opts ...Option) *Assembler {
	a := NewAssembler("storage", append([]Option{WithFacades(facades())}, opts...)...)
	a.Use(p)
	service, infra := a.Layer("service"), a.Layer("infra")
	service.Uses(infra).Module("caching").Services(ApplicationVisible, cacheDecl())
	infra.Module("persistence").Services(ApplicationVisible, storeDecl())
	return a
}
