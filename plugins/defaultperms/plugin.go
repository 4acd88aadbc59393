// Package defaultperms is the bundled permission plugin. It grants the root
// actor everything and turns the allow blocks in the configuration into
// permission rules.
package defaultperms

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gosette/gosette/pkg/app"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/permissions"
	"github.com/gosette/gosette/pkg/web"
)

// Name is the plugin name.
const Name = "default_permissions"

// RootID is the id of the root actor.
const RootID = "root"

func init() {
	hooks.Register(Plugin())
}

// Plugin builds the plugin.
func Plugin() *hooks.Plugin {
	return hooks.NewPlugin(Name, "1.0.0").
		Describe("Root actor and allow blocks from the configuration").
		On(hooks.PermissionAllowed, rootAllowed, hooks.ParamDatasette, hooks.ParamActor).
		On(hooks.PermissionResourcesSQL, allowBlockRules, hooks.ParamDatasette, hooks.ParamActor, hooks.ParamAction)
}

func rootAllowed(_ context.Context, args hooks.Args) (hooks.Result, error) {
	ds := hooks.Arg[*app.Datasette](args, hooks.ParamDatasette)
	actor := hooks.Arg[web.Actor](args, hooks.ParamActor)
	if ds != nil && ds.RootEnabled() && actor.ID() == RootID {
		return hooks.Value(true), nil
	}
	return hooks.None(), nil
}

// rule is one row of the generated fragment. Empty parent or child means
// NULL.
type rule struct {
	parent, child string
	allow         bool
	reason        string
}

func allowBlockRules(ctx context.Context, args hooks.Args) (hooks.Result, error) {
	ds := hooks.Arg[*app.Datasette](args, hooks.ParamDatasette)
	if ds == nil {
		return hooks.None(), nil
	}
	actor := hooks.Arg[web.Actor](args, hooks.ParamActor)
	action := args.String(hooks.ParamAction)

	rules := rulesFor(ctx, ds, actor, action)
	if len(rules) == 0 {
		return hooks.None(), nil
	}
	return hooks.Value(fragment(rules)), nil
}

func rulesFor(ctx context.Context, ds *app.Datasette, actor web.Actor, action string) []rule {
	cfg := ds.Config()
	var out []rule
	add := func(parent, child string, block any, where string) {
		if block == nil {
			return
		}
		ok := ActorMatchesAllow(actor, block)
		reason := fmt.Sprintf("allow block on %s", where)
		if !ok {
			reason = fmt.Sprintf("actor not in allow block on %s", where)
		}
		out = append(out, rule{parent: parent, child: child, allow: ok, reason: reason})
	}

	if block, ok := cfg.Permissions.Allow[action]; ok {
		add("", "", block, "permissions."+action)
	}
	dbNames := cfg.DatabaseNames()

	switch action {
	case permissions.ViewInstance:
		add("", "", cfg.Allow, "instance")
	case permissions.ExecuteSQL:
		add("", "", cfg.AllowSQL, "instance")
		for _, db := range dbNames {
			add(db, "", cfg.Databases[db].AllowSQL, "database "+db)
		}
	case permissions.ViewDatabase:
		for _, db := range dbNames {
			add(db, "", cfg.Databases[db].Allow, "database "+db)
		}
	case permissions.ViewTable:
		for _, db := range dbNames {
			for _, t := range sortedKeys(cfg.Databases[db].Tables) {
				add(db, t, cfg.Databases[db].Tables[t].Allow, "table "+db+"/"+t)
			}
		}
	case permissions.ViewQuery:
		for _, db := range dbNames {
			queries, err := ds.CannedQueries(ctx, db, actor)
			if err != nil {
				ds.Logger().Warn("canned_queries failed", "plugin", Name, "database", db, "error", err)
			}
			for _, name := range sortedKeys(queries) {
				add(db, name, queries[name].Allow, "query "+db+"/"+name)
			}
		}
	}
	return out
}

// fragment renders rules as a UNION of constant rows with bound values.
func fragment(rules []rule) permissions.SQLFragment {
	params := map[string]any{}
	selects := make([]string, 0, len(rules))
	bind := func(name, v string) string {
		if v == "" {
			return "NULL"
		}
		params[name] = v
		return "@" + name
	}
	for i, r := range rules {
		allow := 0
		if r.allow {
			allow = 1
		}
		selects = append(selects, fmt.Sprintf(
			"SELECT %s AS parent, %s AS child, %d AS allow, %s AS reason",
			bind(fmt.Sprintf("p%d", i), r.parent),
			bind(fmt.Sprintf("c%d", i), r.child),
			allow,
			bind(fmt.Sprintf("r%d", i), r.reason),
		))
	}
	return permissions.SQLFragment{SQL: strings.Join(selects, " UNION ALL "), Params: params}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
