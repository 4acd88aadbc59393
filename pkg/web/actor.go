package web

import (
	"context"
	"fmt"
)

// Actor is the identity attached to a request. It is an opaque mapping; the
// host and plugins interpret keys such as "id" by convention. A nil Actor is
// the anonymous actor.
type Actor map[string]any

// ID returns the actor's "id" as a string, or "" for anonymous actors.
func (a Actor) ID() string {
	if a == nil {
		return ""
	}
	switch v := a["id"].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// actorCtxKey is an unexported type used as the context key for Actor.
type actorCtxKey struct{}

// WithActor returns a new context carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, actor)
}

// ActorFromContext returns the actor stored in ctx, or nil.
func ActorFromContext(ctx context.Context) Actor {
	a, _ := ctx.Value(actorCtxKey{}).(Actor)
	return a
}
