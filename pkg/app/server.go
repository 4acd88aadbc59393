package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/web"
)

// ServeHTTP serves a request with the current router. The router is rebuilt
// the first time it is needed after the plugin set changes.
func (ds *Datasette) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ds.currentHandler().ServeHTTP(w, r)
}

func (ds *Datasette) currentHandler() http.Handler {
	gen := ds.registry.Generation()
	ds.handlerMu.Lock()
	defer ds.handlerMu.Unlock()
	if ds.handler == nil || ds.handlerGen != gen {
		ds.handler = ds.buildHandler(context.Background())
		ds.handlerGen = gen
		ds.cache.InvalidateAll()
	}
	return ds.handler
}

// Rebuild discards the current router. Call it after a configuration
// change that affects routing, such as CORS or base_url.
func (ds *Datasette) Rebuild() {
	ds.handlerMu.Lock()
	ds.handler = nil
	ds.handlerMu.Unlock()
}

func (ds *Datasette) buildHandler(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(web.MaxBodySize))
	if c := ds.Config().CORS; c.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   c.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRFToken"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: false,
			MaxAge:           c.MaxAge,
		}))
	}
	r.Use(ds.actorMiddleware)
	r.Use(ds.csrfMiddleware)

	for _, route := range ds.pluginRoutes(ctx) {
		ds.mountPluginRoute(r, route)
	}
	ds.mountRoutes(r)

	var h http.Handler = r
	if base := strings.TrimSuffix(ds.Settings().BaseURL, "/"); base != "" {
		outer := chi.NewRouter()
		outer.Mount(base, r)
		h = outer
	}

	wrapped, err := hooks.Chain[http.Handler](ctx, ds.dispatcher, hooks.ASGIWrapper,
		hooks.Values{hooks.ParamDatasette: ds}, h)
	if err != nil {
		ds.logger.Error("asgi_wrapper failed", "error", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ds.failWith(w, r, err)
		})
	}
	return wrapped
}

func (ds *Datasette) mountPluginRoute(r chi.Router, route pluginRoute) {
	defer func() {
		if p := recover(); p != nil {
			ds.logger.Error("invalid plugin route", "pattern", route.Pattern, "error", fmt.Sprint(p))
		}
	}()
	if route.Handler == nil || !strings.HasPrefix(route.Pattern, "/") {
		ds.logger.Warn("ignoring plugin route", "pattern", route.Pattern)
		return
	}
	for _, m := range route.methods() {
		r.Method(m, route.Pattern, ds.serveFor(route.plugin, route.Handler))
	}
}

// actorMiddleware resolves the actor once per request. A failing plugin
// fails the request.
func (ds *Datasette) actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := ds.ActorFromRequest(r.Context(), web.NewRequest(r))
		if err != nil {
			ds.failWith(w, r, err)
			return
		}
		if actor != nil {
			r = r.WithContext(web.WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// AbsoluteURL returns the absolute URL for path on the host the request was
// made to, honouring base_url and force_https_urls.
func (ds *Datasette) AbsoluteURL(req *web.Request, path string) string {
	scheme := req.Scheme()
	if ds.Settings().ForceHTTPSURLs {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, req.Host(), ds.URLPath(path))
}

// URLPath prefixes path with base_url.
func (ds *Datasette) URLPath(path string) string {
	base := strings.TrimSuffix(ds.Settings().BaseURL, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
