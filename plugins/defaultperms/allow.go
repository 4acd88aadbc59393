package defaultperms

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gosette/gosette/pkg/web"
)

// ActorMatchesAllow reports whether actor satisfies an allow block.
//
// true and false match everyone and no one. A nil block places no
// restriction. A map matches when any of its keys shares a value with the
// same key on the actor; "*" matches any actor that has the key, and
// {"unauthenticated": true} matches the anonymous actor.
func ActorMatchesAllow(actor web.Actor, allow any) bool {
	switch a := allow.(type) {
	case nil:
		return true
	case bool:
		return a
	case map[string]any:
		return matchBlock(actor, a)
	default:
		return false
	}
}

func matchBlock(actor web.Actor, block map[string]any) bool {
	if actor == nil {
		unauth, _ := block["unauthenticated"].(bool)
		return unauth
	}
	for key, want := range block {
		have, ok := actor[key]
		if !ok || have == nil {
			continue
		}
		if want == "*" {
			return true
		}
		if toSet(want).ContainsAny(toSet(have).ToSlice()...) {
			return true
		}
	}
	return false
}

func toSet(v any) mapset.Set[string] {
	s := mapset.NewThreadUnsafeSet[string]()
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			s.Add(fmt.Sprint(item))
		}
	case []string:
		s.Append(x...)
	default:
		s.Add(fmt.Sprint(x))
	}
	return s
}
