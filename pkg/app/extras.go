package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/web"
)

// Link is an entry contributed by menu_links and the *_actions hooks.
type Link struct {
	Href        string `json:"href"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// PageContext describes the page a set of extras is computed for.
type PageContext struct {
	Template string
	Database string
	Table    string
	Columns  []string
	ViewName string
	Request  *web.Request
}

func (p PageContext) values(ds *Datasette) hooks.Values {
	return hooks.Values{
		hooks.ParamTemplate:  p.Template,
		hooks.ParamDatabase:  p.Database,
		hooks.ParamTable:     p.Table,
		hooks.ParamColumns:   p.Columns,
		hooks.ParamViewName:  p.ViewName,
		hooks.ParamRequest:   p.Request,
		hooks.ParamDatasette: ds,
	}
}

// PageExtras is what plugins add to a page.
type PageExtras struct {
	TemplateVars map[string]any `json:"template_vars"`
	CSSURLs      []any          `json:"css_urls"`
	JSURLs       []any          `json:"js_urls"`
	BodyScripts  []any          `json:"body_scripts"`
}

// PageExtras gathers extra_template_vars, extra_css_urls, extra_js_urls and
// extra_body_script for a page. Failing plugins are skipped; their errors are
// joined into the returned error alongside the partial extras.
func (ds *Datasette) PageExtras(ctx context.Context, page PageContext) (PageExtras, error) {
	vals := page.values(ds)
	var out PageExtras
	var err1, err2, err3, err4 error
	out.TemplateVars, err1 = hooks.Merge[any](ctx, ds.dispatcher, hooks.ExtraTemplateVars, vals)
	out.CSSURLs, err2 = hooks.Concat[any](ctx, ds.dispatcher, hooks.ExtraCSSURLs, vals)
	out.JSURLs, err3 = hooks.Concat[any](ctx, ds.dispatcher, hooks.ExtraJSURLs, vals)
	out.BodyScripts, err4 = hooks.Concat[any](ctx, ds.dispatcher, hooks.ExtraBodyScript, vals)
	out.CSSURLs = flatten(out.CSSURLs)
	out.JSURLs = flatten(out.JSURLs)
	out.BodyScripts = flatten(out.BodyScripts)
	return out, errors.Join(err1, err2, err3, err4)
}

// pageExtras is PageExtras for a JSON page. It is nil when no plugin
// implements any of the extra_* hooks.
func (ds *Datasette) pageExtras(ctx context.Context, page PageContext) *PageExtras {
	implemented := false
	for _, h := range []string{hooks.ExtraTemplateVars, hooks.ExtraCSSURLs, hooks.ExtraJSURLs, hooks.ExtraBodyScript} {
		implemented = implemented || ds.registry.Implements(h)
	}
	if !implemented {
		return nil
	}
	extras, err := ds.PageExtras(ctx, page)
	if err != nil {
		ds.logger.Warn("page extras failed", "template", page.Template, "error", err)
	}
	return &extras
}

// flatten expands []string entries, which Concat[any] keeps as single items.
func flatten(items []any) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		if ss, ok := it.([]string); ok {
			for _, s := range ss {
				out = append(out, s)
			}
			continue
		}
		out = append(out, it)
	}
	return out
}

// RenderCell asks render_cell for a custom rendering of one value. found is
// false when no plugin had an opinion.
func (ds *Datasette) RenderCell(ctx context.Context, req *web.Request, db, table, column string, row map[string]any, value any) (any, bool, error) {
	return hooks.First[any](ctx, ds.dispatcher, hooks.RenderCell, hooks.Values{
		hooks.ParamRow:       row,
		hooks.ParamValue:     value,
		hooks.ParamColumn:    column,
		hooks.ParamTable:     table,
		hooks.ParamDatabase:  db,
		hooks.ParamDatasette: ds,
		hooks.ParamRequest:   req,
	})
}

// ActorFromRequest runs actor_from_request. Plugins may return a web.Actor
// or a map[string]any.
func (ds *Datasette) ActorFromRequest(ctx context.Context, req *web.Request) (web.Actor, error) {
	v, found, err := hooks.First[any](ctx, ds.dispatcher, hooks.ActorFromRequest, hooks.Values{
		hooks.ParamDatasette: ds,
		hooks.ParamRequest:   req,
	})
	if err != nil || !found {
		return nil, err
	}
	return toActor(v)
}

// ActorsFromIDs resolves actor IDs to actors. IDs no plugin knows become
// {"id": id}.
func (ds *Datasette) ActorsFromIDs(ctx context.Context, ids []string) (map[string]web.Actor, error) {
	found, ok, err := hooks.First[map[string]web.Actor](ctx, ds.dispatcher, hooks.ActorsFromIDs, hooks.Values{
		hooks.ParamDatasette: ds,
		hooks.ParamActorIDs:  ids,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]web.Actor, len(ids))
	for _, id := range ids {
		if ok {
			if a, hit := found[id]; hit {
				out[id] = a
				continue
			}
		}
		out[id] = web.Actor{"id": id}
	}
	return out, nil
}

// MenuLinks collects menu_links for the actor.
func (ds *Datasette) MenuLinks(ctx context.Context, actor web.Actor, req *web.Request) ([]Link, error) {
	return hooks.Concat[Link](ctx, ds.dispatcher, hooks.MenuLinks, hooks.Values{
		hooks.ParamDatasette: ds,
		hooks.ParamActor:     actor,
		hooks.ParamRequest:   req,
	})
}

// TableActions collects table_actions, or view_actions when isView is set.
func (ds *Datasette) TableActions(ctx context.Context, actor web.Actor, req *web.Request, db, table string, isView bool) ([]Link, error) {
	hook := hooks.TableActions
	if isView {
		hook = hooks.ViewActions
	}
	return hooks.Concat[Link](ctx, ds.dispatcher, hook, hooks.Values{
		hooks.ParamDatasette: ds,
		hooks.ParamActor:     actor,
		hooks.ParamDatabase:  db,
		hooks.ParamTable:     table,
		hooks.ParamRequest:   req,
	})
}

// RowActions collects row_actions.
func (ds *Datasette) RowActions(ctx context.Context, actor web.Actor, req *web.Request, db, table string, row map[string]any, pks []string) ([]Link, error) {
	return hooks.Concat[Link](ctx, ds.dispatcher, hooks.RowActions, hooks.Values{
		hooks.ParamDatasette: ds,
		hooks.ParamActor:     actor,
		hooks.ParamDatabase:  db,
		hooks.ParamTable:     table,
		hooks.ParamRow:       row,
		hooks.ParamPKs:       pks,
		hooks.ParamRequest:   req,
	})
}

// DatabaseActions collects database_actions.
func (ds *Datasette) DatabaseActions(ctx context.Context, actor web.Actor, req *web.Request, db string) ([]Link, error) {
	return hooks.Concat[Link](ctx, ds.dispatcher, hooks.DatabaseActions, hooks.Values{
		hooks.ParamDatasette: ds,
		hooks.ParamActor:     actor,
		hooks.ParamDatabase:  db,
		hooks.ParamRequest:   req,
	})
}

// QueryActions collects query_actions for a canned or ad-hoc query.
func (ds *Datasette) QueryActions(ctx context.Context, actor web.Actor, req *web.Request, db, queryName, sql string, params map[string]any) ([]Link, error) {
	return hooks.Concat[Link](ctx, ds.dispatcher, hooks.QueryActions, hooks.Values{
		hooks.ParamDatasette: ds,
		hooks.ParamActor:     actor,
		hooks.ParamDatabase:  db,
		hooks.ParamQueryName: queryName,
		hooks.ParamRequest:   req,
		hooks.ParamSQL:       sql,
		hooks.ParamParams:    params,
	})
}

func toActor(v any) (web.Actor, error) {
	switch a := v.(type) {
	case web.Actor:
		return a, nil
	case map[string]any:
		return web.Actor(a), nil
	default:
		return nil, fmt.Errorf("actor_from_request returned %T, want a map", v)
	}
}
