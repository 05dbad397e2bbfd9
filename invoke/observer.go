package invoke

import "context"

// Observer receives pipeline events. Implementations must be safe for
// concurrent use.
type Observer interface {
	// Invocation starts observing a call; the returned func receives the
	// caller-visible error.
	Invocation(ctx context.Context, composite, method string) (context.Context, func(err error))

	// SideEffectFailed reports an error or panic contained by the pipeline.
	SideEffectFailed(ctx context.Context, composite, method string, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

// Invocation implements Observer.
func (NopObserver) Invocation(ctx context.Context, _, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// SideEffectFailed implements Observer.
func (NopObserver) SideEffectFailed(context.Context, string, string, error) {}
