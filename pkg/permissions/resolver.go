package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gosette/gosette/pkg/database"
	"github.com/gosette/gosette/pkg/errs"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/web"
)

// SourceDefault marks decisions that fell back to the action's default.
const SourceDefault = "default"

// Resolver is the uncached Checker.
//
// For each resource the permission_allowed hook is asked first; a plugin
// returning a bool decides. Resources left open are matched against the
// rules produced by every permission_resources_sql fragment: a child rule
// beats a parent rule, which beats a global rule, and within one level a
// deny beats an allow. Resources no rule matches get the action's default.
type Resolver struct {
	dispatcher *hooks.Dispatcher
	internal   *database.Database
	actions    *Actions
	host       any
	logger     *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithHost sets the value handed to hooks as the datasette parameter.
func WithHost(host any) ResolverOption {
	return func(r *Resolver) { r.host = host }
}

// WithLogger sets the resolver's logger.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// NewResolver creates a Resolver. internal is where SQL fragments run.
func NewResolver(dispatcher *hooks.Dispatcher, internal *database.Database, actions *Actions, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		dispatcher: dispatcher,
		internal:   internal,
		actions:    actions,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Actions returns the registered actions.
func (r *Resolver) Actions() *Actions { return r.actions }

// Resolve decides a single check. It is ResolveMany over one resource.
func (r *Resolver) Resolve(ctx context.Context, actor web.Actor, action string, resource Resource) (Decision, error) {
	ds, err := r.ResolveMany(ctx, actor, action, []Resource{resource})
	if len(ds) == 0 {
		return Decision{Outcome: Deny, Reason: "resolution failed", Source: SourceDefault}, err
	}
	return ds[0], err
}

// ResolveMany decides every resource. SQL fragments run once for the whole
// batch. On error every undecided resource is denied and the error is
// returned alongside the decisions.
func (r *Resolver) ResolveMany(ctx context.Context, actor web.Actor, action string, resources []Resource) ([]Decision, error) {
	out := make([]Decision, len(resources))
	decided := make([]bool, len(resources))
	open := 0

	for i, res := range resources {
		c, found, err := hooks.FirstFrom[bool](ctx, r.dispatcher, hooks.PermissionAllowed, hooks.Values{
			hooks.ParamDatasette: r.host,
			hooks.ParamActor:     actor,
			hooks.ParamAction:    action,
			hooks.ParamResource:  res,
		})
		if err != nil {
			return failClosed(out, decided, "permission_allowed failed"), err
		}
		if found {
			decided[i] = true
			out[i] = Decision{Outcome: Deny, Reason: "permission_allowed returned false", Source: c.Plugin}
			if c.Value {
				out[i] = Decision{Outcome: Allow, Reason: "permission_allowed returned true", Source: c.Plugin}
			}
			continue
		}
		open++
	}
	if open == 0 {
		return out, nil
	}

	rules, err := r.rules(ctx, actor, action)
	if err != nil {
		return failClosed(out, decided, "permission SQL failed"), err
	}

	act, known := r.actions.Get(action)
	for i, res := range resources {
		if decided[i] {
			continue
		}
		if d, ok := match(rules, res); ok {
			out[i] = d
			continue
		}
		switch {
		case !known:
			out[i] = Decision{Outcome: Undecided, Reason: "unknown action", Source: SourceDefault}
		case act.DefaultAllow:
			out[i] = Decision{Outcome: Allow, Reason: "default allow", Source: SourceDefault}
		default:
			out[i] = Decision{Outcome: Deny, Reason: "default deny", Source: SourceDefault}
		}
	}
	return out, nil
}

func failClosed(out []Decision, decided []bool, reason string) []Decision {
	for i := range out {
		if !decided[i] {
			out[i] = Decision{Outcome: Deny, Reason: reason, Source: SourceDefault}
		}
	}
	return out
}

// rule is one row returned by a SQL fragment.
type rule struct {
	parent *string
	child  *string
	allow  bool
	reason string
	source string
}

// Fragments collects the SQL fragments plugins contribute for action.
func (r *Resolver) Fragments(ctx context.Context, actor web.Actor, action string) ([]SQLFragment, error) {
	collected, err := hooks.Collect[any](ctx, r.dispatcher, hooks.PermissionResourcesSQL, hooks.Values{
		hooks.ParamDatasette: r.host,
		hooks.ParamActor:     actor,
		hooks.ParamAction:    action,
	})
	if err != nil {
		return nil, err
	}
	var out []SQLFragment
	for _, c := range collected {
		var frags []SQLFragment
		switch v := c.Value.(type) {
		case SQLFragment:
			frags = []SQLFragment{v}
		case *SQLFragment:
			frags = []SQLFragment{*v}
		case []SQLFragment:
			frags = v
		case string:
			frags = []SQLFragment{{SQL: v}}
		default:
			return nil, &errs.PluginExecutionError{
				Plugin: c.Plugin,
				Hook:   hooks.PermissionResourcesSQL,
				Err:    errs.Invalid("result", "got %T, want SQLFragment", c.Value),
			}
		}
		for _, f := range frags {
			f.Source = c.Plugin
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *Resolver) rules(ctx context.Context, actor web.Actor, action string) ([]rule, error) {
	frags, err := r.Fragments(ctx, actor, action)
	if err != nil {
		return nil, err
	}
	if len(frags) == 0 {
		return nil, nil
	}
	if r.internal == nil {
		return nil, fmt.Errorf("permission SQL needs the internal database")
	}

	actorJSON := "null"
	if actor != nil {
		b, err := json.Marshal(actor)
		if err != nil {
			return nil, errs.Invalid("actor", "actor is not JSON serializable: %v", err)
		}
		actorJSON = string(b)
	}
	var actorID any
	if id := actor.ID(); id != "" {
		actorID = id
	}

	var out []rule
	for _, f := range frags {
		params := map[string]any{}
		for k, v := range f.Params {
			params[k] = v
		}
		params["actor_id"] = actorID
		params["actor"] = actorJSON
		params["action"] = action

		var args []any
		if strings.Contains(f.SQL, "@") {
			args = append(args, params)
		}
		res, err := r.internal.ExecuteReadOnly(ctx, f.SQL, args...)
		if err != nil {
			r.logger.Error("permission SQL failed", "plugin", f.Source, "action", action, "error", err)
			return nil, &errs.ValidationError{
				Field: hooks.PermissionResourcesSQL,
				Err:   fmt.Errorf("plugin %s: %w", f.Source, err),
			}
		}
		rows, err := toRules(res, f.Source)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func toRules(res *database.Results, source string) ([]rule, error) {
	cols := map[string]bool{}
	for _, c := range res.Columns {
		cols[c] = true
	}
	for _, want := range []string{"parent", "child", "allow"} {
		if !cols[want] {
			return nil, &errs.ValidationError{
				Field: hooks.PermissionResourcesSQL,
				Err:   fmt.Errorf("plugin %s: result has no %q column", source, want),
			}
		}
	}
	out := make([]rule, 0, len(res.Rows))
	for _, row := range res.Rows {
		allow, err := asBool(row.Get("allow"))
		if err != nil {
			return nil, &errs.ValidationError{
				Field: hooks.PermissionResourcesSQL,
				Err:   fmt.Errorf("plugin %s: %w", source, err),
			}
		}
		reason, _ := asString(row.Get("reason"))
		rl := rule{allow: allow, reason: reason, source: source}
		if p, ok := asString(row.Get("parent")); ok {
			rl.parent = &p
		}
		if c, ok := asString(row.Get("child")); ok {
			rl.child = &c
		}
		out = append(out, rl)
	}
	return out, nil
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	default:
		return fmt.Sprint(x), true
	}
}

func asBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		return strconv.ParseBool(x)
	case []byte:
		return strconv.ParseBool(string(x))
	default:
		return false, fmt.Errorf("allow column holds %T, want a boolean", v)
	}
}

// match picks the decision for res from the most specific matching level.
func match(rules []rule, res Resource) (Decision, bool) {
	var child, parent, global []rule
	for _, rl := range rules {
		switch {
		case rl.parent == nil && rl.child == nil:
			global = append(global, rl)
		case rl.parent != nil && rl.child == nil:
			if res.Parent != "" && *rl.parent == res.Parent {
				parent = append(parent, rl)
			}
		case rl.parent != nil && rl.child != nil:
			if res.Child != "" && *rl.parent == res.Parent && *rl.child == res.Child {
				child = append(child, rl)
			}
		}
	}
	for _, level := range [][]rule{child, parent, global} {
		if len(level) == 0 {
			continue
		}
		return decide(level), true
	}
	return Decision{}, false
}

// decide applies deny-wins within one specificity level.
func decide(level []rule) Decision {
	for _, rl := range level {
		if !rl.allow {
			return Decision{Outcome: Deny, Reason: rl.reason, Source: rl.source}
		}
	}
	return Decision{Outcome: Allow, Reason: level[0].reason, Source: level[0].source}
}
