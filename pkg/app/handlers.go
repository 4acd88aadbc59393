package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gosette/gosette/pkg/database"
	"github.com/gosette/gosette/pkg/errs"
	"github.com/gosette/gosette/pkg/events"
	"github.com/gosette/gosette/pkg/permissions"
	"github.com/gosette/gosette/pkg/web"
)

// ActorCookie is the cookie that carries the signed actor.
const ActorCookie = "ds_actor"

func (ds *Datasette) mountRoutes(r chi.Router) {
	r.Get("/-/healthz", ds.serve(healthHandler))
	r.Get("/-/readyz", ds.serve(readyHandler))
	r.Get("/-/actor.json", ds.serve(actorHandler))
	r.Get("/-/csrftoken.json", ds.serve(csrfTokenHandler))
	r.Get("/-/logout", ds.serve(logoutHandler))

	r.Group(func(r chi.Router) {
		r.Use(permissions.RequirePermission(ds.checker, permissions.ViewInstance, nil, ds.deny))
		r.With(ds.cache.IntrospectionMiddleware()).Get("/-/plugins.json", ds.serve(pluginsHandler))
		r.With(ds.cache.IntrospectionMiddleware()).Get("/-/actions.json", ds.serve(actionsHandler))
		r.Get("/-/settings.json", ds.serve(settingsHandler))
		r.Get("/-/config.json", ds.serve(configHandler))
		r.Get("/-/databases.json", ds.serve(databasesHandler))
		r.Get("/-/menu.json", ds.serve(menuHandler))
		r.Get("/", ds.serve(databasesHandler))
	})
	r.With(permissions.RequirePermission(ds.checker, permissions.PermissionsDebug, nil, ds.deny)).
		Get("/-/permissions.json", ds.serve(permissionsHandler))

	r.Get("/{database}", ds.serve(databaseHandler))
	r.Get("/{database}/{name}", ds.serve(tableOrQueryHandler))
	r.Post("/{database}/{name}", ds.serve(tableOrQueryHandler))
}

func healthHandler(_ context.Context, ds *Datasette, _ *web.Request) (*web.Response, error) {
	return web.JSON(map[string]string{
		"status": "alive",
		"uptime": time.Since(ds.startedAt).Round(time.Second).String(),
	}, http.StatusOK)
}

func readyHandler(ctx context.Context, ds *Datasette, _ *web.Request) (*web.Response, error) {
	ready := true
	checks := map[string]map[string]string{}

	startup := map[string]string{"status": "complete"}
	if !ds.Ready() {
		startup["status"] = "pending"
		ready = false
	}
	checks["startup"] = startup

	internal := map[string]string{"status": "up"}
	if sqlDB, err := ds.internal.Gorm().DB(); err != nil {
		internal["status"], internal["error"] = "down", err.Error()
		ready = false
	} else if err := sqlDB.PingContext(ctx); err != nil {
		internal["status"], internal["error"] = "down", err.Error()
		ready = false
	}
	checks["internal_database"] = internal

	status, label := http.StatusOK, "ready"
	if !ready {
		status, label = http.StatusServiceUnavailable, "not_ready"
	}
	return web.JSON(map[string]any{"status": label, "checks": checks}, status)
}

func actorHandler(_ context.Context, _ *Datasette, req *web.Request) (*web.Response, error) {
	return web.JSON(map[string]any{"actor": req.Actor()}, http.StatusOK)
}

func logoutHandler(_ context.Context, ds *Datasette, req *web.Request) (*web.Response, error) {
	if actor := req.Actor(); actor != nil {
		ds.TrackEvent(events.Logout, actor, nil)
	}
	return web.Redirect(ds.URLPath("/"), false).
		WithCookie(web.Cookie{Name: ActorCookie, MaxAge: -1}), nil
}

func pluginsHandler(_ context.Context, ds *Datasette, _ *web.Request) (*web.Response, error) {
	return web.JSON(ds.registry.Plugins(), http.StatusOK)
}

func actionsHandler(_ context.Context, ds *Datasette, _ *web.Request) (*web.Response, error) {
	return web.JSON(ds.actions.All(), http.StatusOK)
}

func settingsHandler(_ context.Context, ds *Datasette, _ *web.Request) (*web.Response, error) {
	return web.JSON(ds.Settings().Map(), http.StatusOK)
}

func configHandler(_ context.Context, ds *Datasette, _ *web.Request) (*web.Response, error) {
	redacted, err := ds.Config().Redacted()
	if err != nil {
		return nil, err
	}
	return web.JSON(redacted, http.StatusOK)
}

type databaseInfo struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	IsMutable bool   `json:"is_mutable"`
	IsMemory  bool   `json:"is_memory"`
	Path      string `json:"path,omitempty"`
}

func databasesHandler(ctx context.Context, ds *Datasette, req *web.Request) (*web.Response, error) {
	dbs := ds.Databases()
	resources := make([]permissions.Resource, len(dbs))
	for i, db := range dbs {
		resources[i] = permissions.Database(db.Name())
	}
	allowed, err := ds.AllowedMany(ctx, req.Actor(), permissions.ViewDatabase, resources)
	if err != nil {
		return nil, err
	}
	out := []databaseInfo{}
	cfg := ds.Config()
	for i, db := range dbs {
		if !allowed[i] {
			continue
		}
		info := databaseInfo{
			Name:      db.Name(),
			Kind:      string(db.Kind()),
			IsMutable: db.IsMutable(),
			IsMemory:  db.IsMemory(),
		}
		if dc, ok := cfg.Databases[db.Name()]; ok && db.Kind() == database.KindSQLite {
			info.Path = dc.DSN
		}
		out = append(out, info)
	}
	return web.JSON(map[string]any{"databases": out}, http.StatusOK)
}

func menuHandler(ctx context.Context, ds *Datasette, req *web.Request) (*web.Response, error) {
	actor := req.Actor()
	links, err := ds.MenuLinks(ctx, actor, req)
	if err != nil {
		ds.logger.Warn("menu_links failed", "error", err)
	}
	if ok, _ := ds.Allowed(ctx, actor, permissions.DebugMenu, permissions.Global()); ok {
		links = append(links,
			Link{Href: ds.URLPath("/-/permissions.json"), Label: "Debug permissions"},
			Link{Href: ds.URLPath("/-/config.json"), Label: "Configuration"},
		)
	}
	if links == nil {
		links = []Link{}
	}
	return web.JSON(map[string]any{"links": links}, http.StatusOK)
}

// permissionsHandler explains one decision. The actor defaults to the
// caller; ?actor= takes a JSON object to check another one.
func permissionsHandler(ctx context.Context, ds *Datasette, req *web.Request) (*web.Response, error) {
	action := req.Get("action", "")
	if action == "" {
		return nil, errs.Invalid("action", "is required")
	}
	if _, ok := ds.actions.Get(action); !ok {
		return nil, errs.NotFound("action %s", action)
	}
	actor := req.Actor()
	if raw := req.Get("actor", ""); raw != "" {
		var a web.Actor
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, errs.Invalid("actor", "must be a JSON object: %v", err)
		}
		actor = a
	}
	res := permissions.Resource{Parent: req.Get("parent", ""), Child: req.Get("child", "")}
	if res.Parent == "" && res.Child != "" {
		return nil, errs.Invalid("child", "requires parent")
	}
	d, err := ds.Check(ctx, actor, action, res)
	if err != nil {
		return nil, err
	}
	return web.JSON(map[string]any{
		"action":   action,
		"resource": res.String(),
		"actor":    actor,
		"allowed":  d.Allowed(),
		"decision": d,
	}, http.StatusOK)
}
