package hooks

import (
	"context"
	"reflect"
)

type resultKind int

const (
	resultNone resultKind = iota
	resultImmediate
	resultDeferred
)

// Result is what an implementation hands back to the dispatcher: nothing, an
// immediate value, or a deferred computation the dispatcher awaits before
// aggregating.
type Result struct {
	kind     resultKind
	value    any
	deferred func(ctx context.Context) (any, error)
}

// None is the absent result. First-non-none dispatch moves on to the next
// implementation; list and map policies skip it.
func None() Result { return Result{} }

// Value wraps an immediate value. A nil value, including a nil map, slice,
// pointer or func held in an interface, is treated as None.
func Value(v any) Result {
	if isNil(v) {
		return Result{}
	}
	return Result{kind: resultImmediate, value: v}
}

// Defer wraps a computation that the dispatcher runs with the dispatch
// context. Returning a nil value from fn counts as None.
func Defer(fn func(ctx context.Context) (any, error)) Result {
	if fn == nil {
		return Result{}
	}
	return Result{kind: resultDeferred, deferred: fn}
}

// IsDeferred reports whether the result still needs awaiting.
func (r Result) IsDeferred() bool { return r.kind == resultDeferred }

// Await resolves the result. ok is false when the result is absent.
func (r Result) Await(ctx context.Context) (v any, ok bool, err error) {
	switch r.kind {
	case resultImmediate:
		return r.value, true, nil
	case resultDeferred:
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		v, err := r.deferred(ctx)
		if err != nil {
			return nil, false, err
		}
		if isNil(v) {
			return nil, false, nil
		}
		return v, true, nil
	default:
		return nil, false, nil
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
