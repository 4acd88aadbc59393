// Package eventlog is the bundled event log. It stores every tracked event
// in the internal database, prunes old ones in the background and serves
// them at /-/events.json to actors allowed permissions-debug.
package eventlog

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gosette/gosette/pkg/app"
	"github.com/gosette/gosette/pkg/database"
	"github.com/gosette/gosette/pkg/errs"
	"github.com/gosette/gosette/pkg/events"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/permissions"
	"github.com/gosette/gosette/pkg/web"
)

// Name is the plugin name, also the key of its configuration block.
const Name = "eventlog"

// DefaultRetentionDays applies when retention_days is not configured.
const DefaultRetentionDays = 30

func init() {
	hooks.Register(Plugin())
}

// Options is the plugin configuration:
//
//	plugins:
//	  eventlog:
//	    retention_days: 30
//	    interval: 24h
//	    ignore: [login]
type Options struct {
	RetentionDays int
	Interval      time.Duration
	Ignore        mapset.Set[string]
}

// ParseOptions reads the plugin configuration block. A nil block gives the
// defaults; retention_days 0 keeps events forever.
func ParseOptions(cfg map[string]any) (Options, error) {
	opts := Options{
		RetentionDays: DefaultRetentionDays,
		Interval:      24 * time.Hour,
		Ignore:        mapset.NewSet[string](),
	}
	if v, ok := cfg["retention_days"]; ok {
		n, err := toInt(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("retention_days must be a non-negative integer, got %v", v)
		}
		opts.RetentionDays = n
	}
	if v, ok := cfg["interval"].(string); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return opts, fmt.Errorf("invalid interval %q", v)
		}
		opts.Interval = d
	}
	if list, ok := cfg["ignore"].([]any); ok {
		for _, item := range list {
			opts.Ignore.Add(fmt.Sprint(item))
		}
	}
	return opts, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("not an integer")
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

type eventLog struct {
	mu     sync.Mutex
	stores map[*database.Database]*Store
}

// Plugin builds the plugin.
func Plugin() *hooks.Plugin {
	l := &eventLog{stores: map[*database.Database]*Store{}}
	return hooks.NewPlugin(Name, "1.0.0").
		Describe("Persists tracked events in the internal database").
		On(hooks.Startup, l.startup, hooks.ParamDatasette).
		On(hooks.TrackEvent, l.trackEvent, hooks.ParamDatasette, hooks.ParamEvent).
		On(hooks.RegisterRoutes, l.routes, hooks.ParamDatasette)
}

// storeFor returns the migrated store of ds's internal database.
func (l *eventLog) storeFor(ctx context.Context, ds *app.Datasette) (*Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	db := ds.Internal()
	if s, ok := l.stores[db]; ok {
		return s, nil
	}
	s := NewStore(db)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	l.stores[db] = s
	return s, nil
}

func (l *eventLog) options(ctx context.Context, ds *app.Datasette) (Options, error) {
	cfg, err := ds.PluginConfig(ctx, Name, "", "")
	if err != nil {
		return Options{}, err
	}
	return ParseOptions(cfg)
}

func (l *eventLog) startup(ctx context.Context, args hooks.Args) (hooks.Result, error) {
	ds := hooks.Arg[*app.Datasette](args, hooks.ParamDatasette)
	if ds == nil {
		return hooks.None(), nil
	}
	store, err := l.storeFor(ctx, ds)
	if err != nil {
		return hooks.None(), err
	}
	opts, err := l.options(ctx, ds)
	if err != nil {
		return hooks.None(), fmt.Errorf("%s configuration: %w", Name, err)
	}
	worker := NewRetentionWorker(store, opts.RetentionDays, opts.Interval, ds.Logger().With("plugin", Name))
	ds.Go(worker.Run)
	return hooks.None(), nil
}

func (l *eventLog) trackEvent(ctx context.Context, args hooks.Args) (hooks.Result, error) {
	ds := hooks.Arg[*app.Datasette](args, hooks.ParamDatasette)
	e := hooks.Arg[events.Event](args, hooks.ParamEvent)
	if ds == nil || e.Name == "" {
		return hooks.None(), nil
	}
	opts, err := l.options(ctx, ds)
	if err != nil {
		return hooks.None(), err
	}
	if opts.Ignore.Contains(e.Name) {
		return hooks.None(), nil
	}
	store, err := l.storeFor(ctx, ds)
	if err != nil {
		return hooks.None(), err
	}
	return hooks.None(), store.Append(ctx, e)
}

func (l *eventLog) routes(context.Context, hooks.Args) (hooks.Result, error) {
	return hooks.Value([]app.Route{
		{Pattern: "/-/events.json", Handler: l.listHandler},
		{Pattern: "/-/events/{id}.json", Handler: l.getHandler},
	}), nil
}

func (l *eventLog) authorize(ctx context.Context, ds *app.Datasette, req *web.Request) (*Store, error) {
	if err := ds.EnsurePermission(ctx, req.Actor(), permissions.PermissionsDebug, permissions.Global()); err != nil {
		return nil, err
	}
	return l.storeFor(ctx, ds)
}

// listHandler serves GET /-/events.json?name=&actor=&_size=&_next=
func (l *eventLog) listHandler(ctx context.Context, ds *app.Datasette, req *web.Request) (*web.Response, error) {
	store, err := l.authorize(ctx, ds, req)
	if err != nil {
		return nil, err
	}
	f := Filter{
		Name:      req.Get("name", ""),
		ActorID:   req.Get("actor", ""),
		PageToken: req.Get("_next", ""),
	}
	if raw := req.Get("_size", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, errs.Invalid("_size", "must be a positive integer")
		}
		f.PageSize = n
	}
	if f.PageToken != "" {
		if _, err := time.Parse(time.RFC3339Nano, f.PageToken); err != nil {
			return nil, errs.Invalid("_next", "invalid page token")
		}
	}

	records, next, total, err := store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]events.Event, len(records))
	ids := mapset.NewThreadUnsafeSet[string]()
	for i, rec := range records {
		out[i] = rec.Event()
		if rec.ActorID != "" {
			ids.Add(rec.ActorID)
		}
	}
	actorIDs := ids.ToSlice()
	sort.Strings(actorIDs)
	actors, err := ds.ActorsFromIDs(ctx, actorIDs)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"events":   out,
		"actors":   actors,
		"next":     nil,
		"next_url": nil,
		"total":    total,
	}
	if next != "" {
		args := req.Args()
		args.Set("_next", next)
		body["next"] = next
		body["next_url"] = ds.AbsoluteURL(req, "/-/events.json?"+args.Encode())
	}
	return web.JSON(body, http.StatusOK)
}

func (l *eventLog) getHandler(ctx context.Context, ds *app.Datasette, req *web.Request) (*web.Response, error) {
	store, err := l.authorize(ctx, ds, req)
	if err != nil {
		return nil, err
	}
	id := req.URLVar("id")
	rec, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errs.NotFound("event %q not found", id)
	}
	return web.JSON(rec.Event(), http.StatusOK)
}
