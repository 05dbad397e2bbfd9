package invoke

import (
	"context"
	"errors"
	"reflect"
	"strconv"

	"go.uber.org/zap"

	"github.com/sghaida/cop/constraint"
	"github.com/sghaida/cop/model"
)

// Invoke runs method through the full pipeline and returns the terminator's
// outcome. Parameter violations stop the call before any concern runs; a
// return violation replaces the result and skips the side effects. Side
// effect failures never reach the caller.
func (in *Instance) Invoke(ctx context.Context, method string, args ...any) (out any, err error) {
	ch, ok := in.model.Chain(method)
	if !ok {
		return nil, &UnknownMethodError{Composite: in.model.Name(), Method: method}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, done := in.factory.observer.Invocation(ctx, in.model.Name(), method)
	defer func() { done(err) }()

	vals, err := in.convertArgs(ch.Method, args)
	if err != nil {
		return nil, err
	}

	var params constraint.Collector
	for i, rules := range ch.Params {
		params.Add(rules, vals[i].Interface())
	}
	if err := params.Err(in.model.Name(), method); err != nil {
		return nil, err
	}

	out, err = in.proceed(ctx, ch, 0, vals)

	if err == nil && ch.Method.Result != nil {
		var ret constraint.Collector
		ret.Add(ch.Return, out)
		if verr := ret.Err(in.model.Name(), method); verr != nil {
			return nil, verr
		}
	}

	in.runSideEffects(ctx, ch, vals, out, err)
	return out, err
}

// proceed calls the chain link at pos: a concern, or the mixin past the last concern.
func (in *Instance) proceed(ctx context.Context, ch *model.Chain, pos int, vals []reflect.Value) (any, error) {
	if pos < len(ch.Concerns) {
		next := func(ctx context.Context, args []any) (any, error) {
			v, err := in.convertArgs(ch.Method, args)
			if err != nil {
				return nil, err
			}
			return in.proceed(ctx, ch, pos+1, v)
		}
		return in.call(ctx, ch, ch.Concerns[pos], model.ConcernKind, vals, next)
	}
	return in.call(ctx, ch, ch.Mixin, model.MixinKind, vals, nil)
}

func (in *Instance) runSideEffects(ctx context.Context, ch *model.Chain, vals []reflect.Value, out any, callErr error) {
	if len(ch.SideEffects) == 0 {
		return
	}
	ctx, pop := in.pushOutcome(ctx, &outcome{out: out, err: callErr})
	defer pop()
	replay := func(context.Context, []any) (any, error) { return out, callErr }

	for _, link := range ch.SideEffects {
		_, err := in.call(ctx, ch, link, model.SideEffectKind, vals, replay)
		if err == nil || (callErr != nil && errors.Is(err, callErr)) {
			continue
		}
		in.factory.observer.SideEffectFailed(ctx, in.model.Name(), ch.Method.Name, err)
		in.factory.log.Debug("side effect failed",
			zap.Stringer("instance", in.id),
			zap.String("method", ch.Method.Name),
			zap.String("fragment", in.model.Fragments()[link.Fragment].Name),
			zap.Error(err),
		)
	}
}

// call runs one link, converting panics into *FragmentPanicError.
func (in *Instance) call(
	ctx context.Context,
	ch *model.Chain,
	link model.Link,
	kind model.Kind,
	vals []reflect.Value,
	proceed func(context.Context, []any) (any, error),
) (out any, err error) {
	fm := in.model.Fragments()[link.Fragment]
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = &FragmentPanicError{Composite: in.model.Name(), Method: ch.Method.Name, Fragment: fm.Name, Value: rec}
		}
	}()

	if link.Generic() {
		g := in.fragments[link.Fragment].(model.GenericFragment)
		res, gerr := g.Dispatch(ctx, model.NewInvocation(in.model.Name(), ch.Method, kind, interfaces(vals), proceed))
		return in.coerce(ch.Method, fm, res, gerr)
	}

	args := make([]reflect.Value, 0, len(vals)+1)
	if ch.Method.Context {
		args = append(args, reflect.ValueOf(&ctx).Elem())
	}
	args = append(args, vals...)

	fn := in.values[link.Fragment].Method(link.Method)
	var outs []reflect.Value
	if ch.Method.Variadic() {
		outs = fn.CallSlice(args)
	} else {
		outs = fn.Call(args)
	}
	return split(ch.Method, outs)
}

func split(m *model.Method, outs []reflect.Value) (any, error) {
	var (
		out any
		err error
	)
	if m.Result != nil {
		out = outs[0].Interface()
	}
	if m.Error {
		if e := outs[len(outs)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	return out, err
}

// coerce fits a generic fragment's result to the method's result type.
func (in *Instance) coerce(m *model.Method, fm *model.FragmentModel, res any, err error) (any, error) {
	if m.Result == nil {
		return nil, err
	}
	if res == nil {
		return reflect.Zero(m.Result).Interface(), err
	}
	if !reflect.TypeOf(res).AssignableTo(m.Result) {
		return nil, &ResultError{
			Composite: in.model.Name(),
			Method:    m.Name,
			Fragment:  fm.Name,
			Got:       reflect.TypeOf(res).String(),
			Want:      m.Result.String(),
		}
	}
	return res, err
}

// convertArgs checks args against the method's parameters. Nil becomes the
// zero value; extra trailing arguments of a variadic method are packed.
func (in *Instance) convertArgs(m *model.Method, args []any) ([]reflect.Value, error) {
	n := len(m.Params)
	bad := func(i int, reason string) error {
		return &ArgumentError{Composite: in.model.Name(), Method: m.Name, Index: i, Reason: reason}
	}

	if m.Variadic() && !(len(args) == n && fits(args[n-1], m.Params[n-1])) {
		if len(args) < n-1 {
			return nil, bad(-1, "too few arguments")
		}
		elem := m.Params[n-1].Elem()
		packed := reflect.MakeSlice(m.Params[n-1], 0, len(args)-(n-1))
		for i, a := range args[n-1:] {
			v, ok := value(a, elem)
			if !ok {
				return nil, bad(n-1+i, typeString(a)+" is not a "+elem.String())
			}
			packed = reflect.Append(packed, v)
		}
		args = append(args[:n-1:n-1], packed.Interface())
	}

	if len(args) != n {
		return nil, bad(-1, "got "+strconv.Itoa(len(args))+" arguments, want "+strconv.Itoa(n))
	}
	vals := make([]reflect.Value, n)
	for i, a := range args {
		v, ok := value(a, m.Params[i])
		if !ok {
			return nil, bad(i, typeString(a)+" is not a "+m.Params[i].String())
		}
		vals[i] = v
	}
	return vals, nil
}

func fits(a any, t reflect.Type) bool {
	return a == nil || reflect.TypeOf(a).AssignableTo(t)
}

// value returns a reflect.Value of exactly type t holding a.
func value(a any, t reflect.Type) (reflect.Value, bool) {
	if a == nil {
		return reflect.Zero(t), true
	}
	v := reflect.ValueOf(a)
	if !v.Type().AssignableTo(t) {
		return reflect.Value{}, false
	}
	if v.Type() == t {
		return v, true
	}
	out := reflect.New(t).Elem()
	out.Set(v)
	return out, true
}

func interfaces(vals []reflect.Value) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v.Interface()
	}
	return out
}
