// Package structure assembles applications out of layers and modules and
// resolves composites and services under visibility rules.
//
// An Assembler collects the declared structure. Compile checks it (layer uses
// must form a DAG, names must be unique), builds every composite model with
// its owning module as the model environment, compiles instance factories and
// links service dependencies. The compiled Application is read-only; lookups
// are safe for concurrent use and memoized per module.
//
// Lookups from a module consider, in order: the module itself, the other
// modules of its layer (layer or application visibility) and then the layers
// it uses, depth first in declared order, each visited once (application
// visibility). Singular lookups fail with an *AmbiguousTypeError when the first
// tier holding a match holds more than one.
package structure

import (
	"context"
	"errors"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sghaida/cop/constraint"
	"github.com/sghaida/cop/invoke"
	"github.com/sghaida/cop/model"
)

// Monitor observes service activations.
type Monitor interface {
	// ServiceActivation is called before a service starts; the returned
	// function receives the outcome.
	ServiceActivation(ctx context.Context, service string) (context.Context, func(error))
}

// NopMonitor ignores activations.
type NopMonitor struct{}

// ServiceActivation implements Monitor.
func (NopMonitor) ServiceActivation(ctx context.Context, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

type config struct {
	log        *zap.Logger
	observer   invoke.Observer
	monitor    Monitor
	registry   *constraint.Registry
	facades    *model.Facades
	parallel   bool
	threadSafe bool
}

// Option configures an Assembler.
type Option func(*config)

// WithLogger installs a logger for the assembler, its application and every
// composite it compiles.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithObserver installs an invocation observer on every composite factory.
func WithObserver(o invoke.Observer) Option {
	return func(c *config) { c.observer = o }
}

// WithMonitor installs a service activation monitor.
func WithMonitor(m Monitor) Option {
	return func(c *config) {
		if m != nil {
			c.monitor = m
		}
	}
}

// WithConstraints replaces the builtin constraint registry.
func WithConstraints(r *constraint.Registry) Option {
	return func(c *config) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithFacades merges typed facades into the assembler's registry.
func WithFacades(f *model.Facades) Option {
	return func(c *config) { c.facades.Merge(f) }
}

// WithParallelCompile builds composite models concurrently.
func WithParallelCompile(on bool) Option {
	return func(c *config) { c.parallel = on }
}

// WithThreadSafeUses makes the application and module uses containers safe
// for concurrent writes.
func WithThreadSafeUses(on bool) Option {
	return func(c *config) { c.threadSafe = on }
}

type namedValue struct {
	name  string
	value any
}

// Assembler declares the structure of one application.
type Assembler struct {
	name   string
	cfg    config
	layers []*LayerAssembly
	values []namedValue
}

// NewAssembler returns an empty assembler.
func NewAssembler(name string, opts ...Option) *Assembler {
	a := &Assembler{
		name: name,
		cfg: config{
			log:      zap.NewNop(),
			observer: invoke.NopObserver{},
			monitor:  NopMonitor{},
			registry: constraint.Default(),
			facades:  model.NewFacades(),
		},
	}
	for _, opt := range opts {
		opt(&a.cfg)
	}
	return a
}

// Name returns the application name.
func (a *Assembler) Name() string { return a.name }

// Facades returns the facade registry shared by every composite.
func (a *Assembler) Facades() *model.Facades { return a.cfg.facades }

// Constraints returns the constraint registry shared by every composite.
func (a *Assembler) Constraints() *constraint.Registry { return a.cfg.registry }

// Layer returns the named layer, creating it on first use.
func (a *Assembler) Layer(name string) *LayerAssembly {
	for _, l := range a.layers {
		if l.name == name {
			return l
		}
	}
	l := &LayerAssembly{asm: a, name: name}
	a.layers = append(a.layers, l)
	return l
}

// Layers returns the declared layers in order.
func (a *Assembler) Layers() []*LayerAssembly { return a.layers }

// Use registers application-wide values.
func (a *Assembler) Use(values ...any) *Assembler {
	for _, v := range values {
		a.values = append(a.values, namedValue{value: v})
	}
	return a
}

// UseWithName registers a named application-wide value.
func (a *Assembler) UseWithName(name string, value any) *Assembler {
	a.values = append(a.values, namedValue{name: name, value: value})
	return a
}

// LayerAssembly declares one layer.
type LayerAssembly struct {
	asm     *Assembler
	name    string
	uses    []*LayerAssembly
	modules []*ModuleAssembly
}

// Name returns the layer name.
func (l *LayerAssembly) Name() string { return l.name }

// Uses declares that l may see the application-visible composites of layers.
func (l *LayerAssembly) Uses(layers ...*LayerAssembly) *LayerAssembly {
	l.uses = append(l.uses, layers...)
	return l
}

// Module returns the named module, creating it on first use.
func (l *LayerAssembly) Module(name string) *ModuleAssembly {
	for _, m := range l.modules {
		if m.name == name {
			return m
		}
	}
	m := &ModuleAssembly{layer: l, name: name}
	l.modules = append(l.modules, m)
	return m
}

// Modules returns the declared modules in order.
func (l *LayerAssembly) Modules() []*ModuleAssembly { return l.modules }

type declared struct {
	decl       model.Declaration
	visibility Visibility
}

// ModuleAssembly declares one module.
type ModuleAssembly struct {
	layer    *LayerAssembly
	name     string
	declared []declared
	values   []namedValue
}

// Name returns the module name.
func (m *ModuleAssembly) Name() string { return m.name }

// Composites declares transient composites.
func (m *ModuleAssembly) Composites(v Visibility, decls ...model.Declaration) *ModuleAssembly {
	for _, d := range decls {
		d.Category = model.Transient
		m.declared = append(m.declared, declared{decl: d, visibility: v})
	}
	return m
}

// Services declares service composites.
func (m *ModuleAssembly) Services(v Visibility, decls ...model.Declaration) *ModuleAssembly {
	for _, d := range decls {
		d.Category = model.Service
		m.declared = append(m.declared, declared{decl: d, visibility: v})
	}
	return m
}

// Use registers module values.
func (m *ModuleAssembly) Use(values ...any) *ModuleAssembly {
	for _, v := range values {
		m.values = append(m.values, namedValue{value: v})
	}
	return m
}

// UseWithName registers a named module value.
func (m *ModuleAssembly) UseWithName(name string, value any) *ModuleAssembly {
	m.values = append(m.values, namedValue{name: name, value: value})
	return m
}

// Compile checks the structure, builds every model and returns the
// application. Every invalid model is reported, joined.
func (a *Assembler) Compile(ctx context.Context) (*Application, error) {
	if err := a.checkLayers(); err != nil {
		return nil, err
	}
	app, err := newApplication(a)
	if err != nil {
		return nil, err
	}
	if err := a.buildModels(ctx, app); err != nil {
		return nil, err
	}
	if err := app.linkServices(); err != nil {
		return nil, err
	}

	a.cfg.log.Info("application compiled",
		zap.String("application", a.name),
		zap.Int("layers", len(app.layers)),
		zap.Int("composites", len(app.entries())),
		zap.Int("services", len(app.services)),
	)
	return app, nil
}

func (a *Assembler) checkLayers() error {
	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[*LayerAssembly]int, len(a.layers))
	var path []string

	var visit func(l *LayerAssembly) error
	visit = func(l *LayerAssembly) error {
		if l.asm != a {
			return ErrForeignLayer
		}
		switch color[l] {
		case visiting:
			cycle := append([]string(nil), path...)
			for i, n := range cycle {
				if n == l.name {
					cycle = cycle[i:]
					break
				}
			}
			return &LayerCycleError{Path: append(cycle, l.name)}
		case done:
			return nil
		}
		color[l] = visiting
		path = append(path, l.name)
		for _, u := range l.uses {
			if err := visit(u); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[l] = done
		return nil
	}

	for _, l := range a.layers {
		if err := visit(l); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) buildModels(ctx context.Context, app *Application) error {
	entries := app.entries()

	if a.cfg.parallel {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for _, e := range entries {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				e.model = model.Build(e.decl, e.module)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.model = model.Build(e.decl, e.module)
		}
	}

	var errs []error
	for _, e := range entries {
		f, err := invoke.Compile(e.model,
			invoke.WithObserver(a.cfg.observer),
			invoke.WithLogger(a.cfg.log),
		)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.factory = f
		app.owners[e.model] = e.module
	}
	return errors.Join(errs...)
}
