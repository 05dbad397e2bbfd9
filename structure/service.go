package structure

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sghaida/cop/lifecycle"
	"github.com/sghaida/cop/model"
)

// ServiceReference is a lazy handle to a service composite. It implements
// model.Invoker; the first call activates the service and the services it
// depends on, provided the application is active or activating. Concurrent
// first calls activate once; the others wait for the outcome.
type ServiceReference struct {
	entry *Entry
	deps  []*ServiceReference

	mu   sync.Mutex
	comp atomic.Pointer[lifecycle.Composite]
}

var _ model.Invoker = (*ServiceReference)(nil)

// Name returns the service name.
func (r *ServiceReference) Name() string { return r.entry.name }

// Entry returns the service declaration.
func (r *ServiceReference) Entry() *Entry { return r.entry }

// Dependencies returns the services r injects.
func (r *ServiceReference) Dependencies() []*ServiceReference { return r.deps }

// Active reports whether the service is active.
func (r *ServiceReference) Active() bool { return r.comp.Load() != nil }

// Instance returns the active composite, activating it if needed.
func (r *ServiceReference) Instance(ctx context.Context) (*lifecycle.Composite, error) {
	if c := r.comp.Load(); c != nil {
		return c, nil
	}
	app := r.entry.module.layer.app
	if !app.acceptsActivation() {
		return nil, ErrApplicationNotActive
	}
	if err := r.activate(ctx, app); err != nil {
		return nil, err
	}
	return r.comp.Load(), nil
}

// Invoke implements model.Invoker.
func (r *ServiceReference) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	c, err := r.Instance(ctx)
	if err != nil {
		return nil, err
	}
	return c.Invoke(ctx, method, args...)
}

func (r *ServiceReference) activate(ctx context.Context, app *Application) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.comp.Load() != nil {
		return nil
	}
	for _, d := range r.deps {
		if err := d.activate(ctx, app); err != nil {
			return err
		}
	}

	ctx, done := app.cfg.monitor.ServiceActivation(ctx, r.Name())
	c, err := r.start(ctx, app)
	done(err)
	if err != nil {
		return &ActivationError{Service: r.Name(), Err: err}
	}

	r.comp.Store(c)
	app.record(r)
	app.log.Debug("service active", zap.String("service", r.entry.QualifiedName()), zap.Stringer("instance", c.ID()))
	return nil
}

func (r *ServiceReference) start(ctx context.Context, app *Application) (*lifecycle.Composite, error) {
	b := lifecycle.NewBuilder(r.entry.factory,
		lifecycle.WithEnvironment(r.entry.module),
		lifecycle.WithLogger(app.log),
	)
	c, err := b.Instantiate(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Activate(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ServiceReference) passivate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.comp.Swap(nil)
	if c == nil {
		return nil
	}
	return c.Destroy(ctx)
}
