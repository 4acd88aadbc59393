package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/web"
)

// Handler serves a request on behalf of a plugin.
type Handler func(ctx context.Context, ds *Datasette, req *web.Request) (*web.Response, error)

// Route is returned by register_routes. Pattern uses chi syntax; Methods
// defaults to GET.
type Route struct {
	Pattern string
	Methods []string
	Handler Handler
}

// RenderContext is what an output renderer receives.
type RenderContext struct {
	Database  string
	Table     string
	QueryName string
	SQL       string
	Columns   []string
	Rows      []map[string]any
	Truncated bool
	Request   *web.Request
}

// OutputRenderer is returned by register_output_renderer. It serves
// /{db}/{table}.{Extension}.
type OutputRenderer struct {
	Extension string
	Render    func(ctx context.Context, ds *Datasette, rc RenderContext) (*web.Response, error)
	// CanRender, when set, limits the renderer to some results.
	CanRender func(rc RenderContext) bool
}

// pluginRoute is a Route with the plugin that registered it.
type pluginRoute struct {
	Route
	plugin string
}

func (ds *Datasette) pluginRoutes(ctx context.Context) []pluginRoute {
	results, err := hooks.Collect[any](ctx, ds.dispatcher, hooks.RegisterRoutes, hooks.Values{hooks.ParamDatasette: ds})
	if err != nil {
		ds.logger.Warn("register_routes failed", "error", err)
	}
	var out []pluginRoute
	for _, c := range results {
		switch v := c.Value.(type) {
		case Route:
			out = append(out, pluginRoute{v, c.Plugin})
		case []Route:
			for _, r := range v {
				out = append(out, pluginRoute{r, c.Plugin})
			}
		default:
			ds.logger.Warn("ignoring register_routes result", "plugin", c.Plugin, "type", fmt.Sprintf("%T", v))
		}
	}
	return out
}

// OutputRenderers returns the registered renderers by extension. A later
// plugin cannot replace an extension an earlier one claimed.
func (ds *Datasette) OutputRenderers(ctx context.Context) map[string]OutputRenderer {
	results, err := hooks.Collect[any](ctx, ds.dispatcher, hooks.RegisterOutputRenderer, hooks.Values{hooks.ParamDatasette: ds})
	if err != nil {
		ds.logger.Warn("register_output_renderer failed", "error", err)
	}
	out := map[string]OutputRenderer{}
	add := func(plugin string, r OutputRenderer) {
		if r.Extension == "" || r.Render == nil {
			ds.logger.Warn("ignoring incomplete output renderer", "plugin", plugin)
			return
		}
		if _, taken := out[r.Extension]; taken || r.Extension == "json" {
			ds.logger.Warn("output renderer extension already registered", "plugin", plugin, "extension", r.Extension)
			return
		}
		out[r.Extension] = r
	}
	for _, c := range results {
		switch v := c.Value.(type) {
		case OutputRenderer:
			add(c.Plugin, v)
		case []OutputRenderer:
			for _, r := range v {
				add(c.Plugin, r)
			}
		default:
			ds.logger.Warn("ignoring register_output_renderer result", "plugin", c.Plugin, "type", fmt.Sprintf("%T", v))
		}
	}
	return out
}

func (r Route) methods() []string {
	if len(r.Methods) == 0 {
		return []string{http.MethodGet}
	}
	return r.Methods
}
