package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/gosette/gosette/pkg/errs"
)

// Dispatcher invokes hook implementations registered in a Registry.
//
// For first-non-none and identity-chain hooks the first failure stops the
// dispatch and is returned. For concatenate, merge and collect hooks a failing
// implementation is skipped: the remaining implementations still run, the
// results gathered so far are kept, and every failure is returned joined
// alongside the partial result.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Registry returns the registry the dispatcher reads from.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// visitFunc receives each present result. Returning stop ends the dispatch.
type visitFunc func(im Impl, v any) (stop bool, err error)

func (d *Dispatcher) run(ctx context.Context, hook string, want Policy, values Values, visit visitFunc) error {
	spec, ok := Lookup(hook)
	if !ok {
		return errs.Invalid("hook", "unknown hook %q", hook)
	}
	if spec.Policy != want {
		return errs.Invalid("hook", "%s uses %s aggregation, not %s", hook, spec.Policy, want)
	}

	impls := d.registry.load().byHook[hook]
	propagate := spec.Policy == FirstNonNone || spec.Policy == IdentityChain

	var failures []error
	for _, im := range impls {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(failures, err)...)
		}
		v, present, err := d.call(ctx, im, values)
		if err == nil && present {
			var stop bool
			stop, err = visit(im, v)
			if err != nil {
				err = &errs.PluginExecutionError{Plugin: im.Plugin, Hook: im.Hook, Err: err}
			}
			if err == nil && stop {
				break
			}
		}
		if err != nil {
			if propagate {
				return err
			}
			d.logger.Warn("hook implementation failed, continuing",
				"hook", hook, "plugin", im.Plugin, "error", err)
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// call invokes one implementation, awaiting a deferred result and turning
// panics into errors.
func (d *Dispatcher) call(ctx context.Context, im Impl, values Values) (v any, present bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("hook implementation panicked",
				"hook", im.Hook, "plugin", im.Plugin, "panic", r, "stack", string(debug.Stack()))
			v, present = nil, false
			err = &errs.PluginExecutionError{Plugin: im.Plugin, Hook: im.Hook, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	res, err := im.Fn(ctx, bindArgs(im.Params, values))
	if err != nil {
		return nil, false, &errs.PluginExecutionError{Plugin: im.Plugin, Hook: im.Hook, Err: err}
	}
	v, present, err = res.Await(ctx)
	if err != nil {
		return nil, false, &errs.PluginExecutionError{Plugin: im.Plugin, Hook: im.Hook, Err: err}
	}
	return v, present, nil
}

// Fire runs every implementation of a collect-all hook for its side effects.
func (d *Dispatcher) Fire(ctx context.Context, hook string, values Values) error {
	return d.run(ctx, hook, CollectAll, values, func(Impl, any) (bool, error) { return false, nil })
}

func typeError[T any](v any) error {
	var zero T
	return errs.Invalid("result", "got %T, want %T", v, zero)
}

// First returns the first present result of a first-non-none hook. Later
// implementations are not invoked once a value is found.
func First[T any](ctx context.Context, d *Dispatcher, hook string, values Values) (T, bool, error) {
	c, found, err := FirstFrom[T](ctx, d, hook, values)
	return c.Value, found, err
}

// FirstFrom is First that also reports which plugin supplied the value.
func FirstFrom[T any](ctx context.Context, d *Dispatcher, hook string, values Values) (Collected[T], bool, error) {
	var (
		out   Collected[T]
		found bool
	)
	err := d.run(ctx, hook, FirstNonNone, values, func(im Impl, v any) (bool, error) {
		t, ok := v.(T)
		if !ok {
			return true, typeError[T](v)
		}
		out, found = Collected[T]{Plugin: im.Plugin, Value: t}, true
		return true, nil
	})
	if err != nil {
		return Collected[T]{}, false, err
	}
	return out, found, nil
}

// Concat flattens the results of a concatenate-lists hook. Each
// implementation may return []T or a single T.
func Concat[T any](ctx context.Context, d *Dispatcher, hook string, values Values) ([]T, error) {
	var out []T
	err := d.run(ctx, hook, ConcatLists, values, func(_ Impl, v any) (bool, error) {
		switch x := v.(type) {
		case []T:
			out = append(out, x...)
		case T:
			out = append(out, x)
		default:
			return false, typeError[[]T](v)
		}
		return false, nil
	})
	return out, err
}

// Merge shallow-merges the map results of a merge-dicts hook. Keys from
// later plugins override earlier ones.
func Merge[V any](ctx context.Context, d *Dispatcher, hook string, values Values) (map[string]V, error) {
	out := map[string]V{}
	err := d.run(ctx, hook, MergeDicts, values, func(_ Impl, v any) (bool, error) {
		m, ok := v.(map[string]V)
		if !ok {
			return false, typeError[map[string]V](v)
		}
		for k, val := range m {
			out[k] = val
		}
		return false, nil
	})
	return out, err
}

// Chain composes an identity-chain hook. Every implementation returns a
// wrapper func(T) T; wrappers apply in registration order, each receiving the
// value produced by the previous stage, so the last registered plugin ends up
// outermost.
func Chain[T any](ctx context.Context, d *Dispatcher, hook string, values Values, initial T) (T, error) {
	cur := initial
	err := d.run(ctx, hook, IdentityChain, values, func(_ Impl, v any) (bool, error) {
		wrap, ok := v.(func(T) T)
		if !ok {
			return true, typeError[func(T) T](v)
		}
		cur = wrap(cur)
		return false, nil
	})
	if err != nil {
		return initial, err
	}
	return cur, nil
}

// Collected is one plugin's result from a collect-all hook.
type Collected[T any] struct {
	Plugin string
	Value  T
}

// Collect gathers every present result of a collect-all hook unchanged.
func Collect[T any](ctx context.Context, d *Dispatcher, hook string, values Values) ([]Collected[T], error) {
	var out []Collected[T]
	err := d.run(ctx, hook, CollectAll, values, func(im Impl, v any) (bool, error) {
		t, ok := v.(T)
		if !ok {
			return false, typeError[T](v)
		}
		out = append(out, Collected[T]{Plugin: im.Plugin, Value: t})
		return false, nil
	})
	return out, err
}
