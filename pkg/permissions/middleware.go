package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gosette/gosette/pkg/web"
)

// ResourceFunc extracts the resource a request targets.
type ResourceFunc func(r *http.Request) Resource

// DenyFunc writes the response for a refused request.
type DenyFunc func(w http.ResponseWriter, r *http.Request, message string)

// WriteForbidden is the default DenyFunc.
func WriteForbidden(w http.ResponseWriter, _ *http.Request, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "forbidden",
		"message": message,
	})
}

// RequirePermission returns middleware that enforces action on the resource
// chosen by resourceFn. The actor comes from the request context. A nil
// resourceFn checks the global resource; a nil deny uses WriteForbidden.
func RequirePermission(checker Checker, action string, resourceFn ResourceFunc, deny DenyFunc) func(http.Handler) http.Handler {
	if deny == nil {
		deny = WriteForbidden
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := Global()
			if resourceFn != nil {
				res = resourceFn(r)
			}
			actor := web.ActorFromContext(r.Context())

			d, err := checker.Resolve(r.Context(), actor, action, res)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "internal_error",
					"message": "permission check failed",
				})
				return
			}
			if !d.Allowed() {
				deny(w, r, fmt.Sprintf("permission denied: %s on %s", action, res))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AllowAll grants every check. It is used when permissions are disabled and
// in tests.
type AllowAll struct{}

func (AllowAll) Resolve(_ context.Context, _ web.Actor, _ string, _ Resource) (Decision, error) {
	return Decision{Outcome: Allow, Source: "allow-all"}, nil
}

func (a AllowAll) ResolveMany(ctx context.Context, actor web.Actor, action string, resources []Resource) ([]Decision, error) {
	out := make([]Decision, len(resources))
	for i := range resources {
		out[i], _ = a.Resolve(ctx, actor, action, resources[i])
	}
	return out, nil
}
