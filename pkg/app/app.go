// Package app wires the hook dispatcher, databases, permission resolver and
// event tracker into a running instance and serves it over HTTP.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gosette/gosette/pkg/cache"
	"github.com/gosette/gosette/pkg/config"
	"github.com/gosette/gosette/pkg/database"
	"github.com/gosette/gosette/pkg/events"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/permissions"
)

// Datasette is one running instance. Hook implementations receive it as the
// datasette parameter.
type Datasette struct {
	cfg           atomic.Pointer[config.Config]
	configVersion atomic.Value

	registry   *hooks.Registry
	dispatcher *hooks.Dispatcher
	logger     *slog.Logger

	internal *database.Database
	catalog  *database.Catalog

	mu        sync.RWMutex
	databases map[string]*database.Database
	attaching mapset.Set[string]
	order     []string

	actions    *permissions.Actions
	resolver   *permissions.Resolver
	checker    permissions.Checker
	cached     *permissions.CachedResolver
	tracker    *events.Tracker
	eventTypes []events.Type
	cache      *cache.Manager
	secrets    config.SecretResolver

	secret      string
	root        bool
	debug       bool
	internalDSN string

	startedAt time.Time
	ready     atomic.Bool
	startup   sync.Once

	handlerMu  sync.Mutex
	handler    http.Handler
	handlerGen uint64

	lifetime context.Context
	stop     context.CancelFunc
	workers  sync.WaitGroup
}

// Option configures a Datasette.
type Option func(*Datasette)

// WithRegistry uses registry instead of hooks.Default.
func WithRegistry(registry *hooks.Registry) Option {
	return func(ds *Datasette) { ds.registry = registry }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ds *Datasette) { ds.logger = logger }
}

// WithSecret sets the secret used to sign cookies and tokens.
func WithSecret(secret string) Option {
	return func(ds *Datasette) { ds.secret = secret }
}

// WithRoot enables the root actor.
func WithRoot(enabled bool) Option {
	return func(ds *Datasette) { ds.root = enabled }
}

// WithDebug includes error details in error responses.
func WithDebug(enabled bool) Option {
	return func(ds *Datasette) { ds.debug = enabled }
}

// WithInternal stores the internal database at dsn instead of in memory.
func WithInternal(dsn string) Option {
	return func(ds *Datasette) { ds.internalDSN = dsn }
}

// WithSecretResolver sets how $env and $file references in plugin
// configuration are resolved.
func WithSecretResolver(r config.SecretResolver) Option {
	return func(ds *Datasette) { ds.secrets = r }
}

// WithConfigVersion records the version of cfg.
func WithConfigVersion(version string) Option {
	return func(ds *Datasette) { ds.configVersion.Store(version) }
}

// New builds an instance: it opens the internal database and every
// configured database, collects actions and event types from plugins and
// starts the event tracker. Call InvokeStartup before serving.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Datasette, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	ds := &Datasette{
		registry:    hooks.Default,
		logger:      slog.Default(),
		databases:   map[string]*database.Database{},
		attaching:   mapset.NewThreadUnsafeSet[string](),
		secrets:     config.LocalResolver{},
		internalDSN: ":memory:",
		startedAt:   time.Now(),
	}
	ds.lifetime, ds.stop = context.WithCancel(context.Background())
	ds.configVersion.Store("")
	ds.cfg.Store(cfg)
	for _, opt := range opts {
		opt(ds)
	}
	if ds.secret == "" {
		s, err := randomSecret()
		if err != nil {
			return nil, err
		}
		ds.secret = s
	}
	ds.dispatcher = hooks.NewDispatcher(ds.registry, ds.logger)
	ds.cache = cache.NewManager(cfg.Cache, func() string {
		return fmt.Sprintf("%d/%s", ds.registry.Generation(), ds.ConfigVersion())
	})

	internal, err := database.Open(database.Options{
		Name:   database.InternalName,
		DSN:    ds.internalDSN,
		Logger: ds.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open internal database: %w", err)
	}
	ds.internal = internal
	ds.catalog, err = database.NewCatalog(ctx, internal)
	if err != nil {
		_ = internal.Close()
		return nil, err
	}

	ds.actions = permissions.NewActions(permissions.BuiltinActions()...)
	if err := ds.collectActions(ctx); err != nil {
		ds.logger.Warn("register_actions failed", "error", err)
	}
	ds.actions.SetDefaults(ds.actionDefaults(cfg))
	ds.resolver = permissions.NewResolver(ds.dispatcher, internal, ds.actions,
		permissions.WithHost(ds), permissions.WithLogger(ds.logger))
	ds.checker = ds.resolver
	if cfg.Cache.Enabled {
		ttl := cfg.Cache.PermissionTTL
		if ttl <= 0 {
			ttl = permissions.DefaultCacheTTL
		}
		ds.cached = permissions.NewCachedResolver(ds.resolver, cfg.Cache.MaxSize, ttl, ds.registry.Generation)
		ds.checker = ds.cached
	}

	ds.eventTypes = ds.collectEventTypes(ctx)
	ds.tracker = events.NewTracker(ds.deliverEvent, cfg.Events, ds.logger.With("component", "events"))

	for _, name := range cfg.DatabaseNames() {
		if _, err := ds.AddDatabase(ctx, name, cfg.Databases[name]); err != nil {
			_ = ds.Close(ctx)
			return nil, err
		}
	}
	return ds, nil
}

// InvokeStartup runs the startup hook once.
func (ds *Datasette) InvokeStartup(ctx context.Context) error {
	var err error
	ds.startup.Do(func() {
		err = ds.dispatcher.Fire(ctx, hooks.Startup, hooks.Values{hooks.ParamDatasette: ds})
		ds.ready.Store(true)
	})
	return err
}

// Go runs fn in the background for the life of the instance. ctx is
// cancelled by Close, which waits for fn to return.
func (ds *Datasette) Go(fn func(ctx context.Context)) {
	ds.workers.Add(1)
	go func() {
		defer ds.workers.Done()
		fn(ds.lifetime)
	}()
}

// Close stops the event tracker and background workers, then closes every
// database.
func (ds *Datasette) Close(ctx context.Context) error {
	var errList []error
	if ds.tracker != nil {
		if err := ds.tracker.Close(ctx); err != nil {
			errList = append(errList, err)
		}
	}
	ds.stop()
	ds.workers.Wait()
	ds.mu.Lock()
	for _, name := range ds.order {
		if err := ds.databases[name].Close(); err != nil {
			errList = append(errList, fmt.Errorf("close %s: %w", name, err))
		}
	}
	ds.databases = map[string]*database.Database{}
	ds.order = nil
	ds.mu.Unlock()
	if err := ds.internal.Close(); err != nil {
		errList = append(errList, err)
	}
	return errors.Join(errList...)
}

// Config returns the configuration in effect.
func (ds *Datasette) Config() *config.Config { return ds.cfg.Load() }

// ConfigVersion returns the version of the configuration in effect.
func (ds *Datasette) ConfigVersion() string { return ds.configVersion.Load().(string) }

// Settings returns the current settings.
func (ds *Datasette) Settings() config.Settings { return ds.Config().Settings }

// ReloadConfig swaps in a new configuration. Settings, allow blocks, canned
// queries, plugin configuration and action defaults take effect at once;
// database definitions are only read at start-up.
func (ds *Datasette) ReloadConfig(cfg *config.Config, version string) {
	ds.cfg.Store(cfg)
	ds.configVersion.Store(version)
	ds.actions.SetDefaults(ds.actionDefaults(cfg))
	ds.invalidatePermissions()
	ds.cache.InvalidateAll()
	ds.logger.Info("configuration applied", "version", version)
}

// Registry returns the plugin registry.
func (ds *Datasette) Registry() *hooks.Registry { return ds.registry }

// Dispatcher returns the hook dispatcher.
func (ds *Datasette) Dispatcher() *hooks.Dispatcher { return ds.dispatcher }

// Logger returns the instance logger.
func (ds *Datasette) Logger() *slog.Logger { return ds.logger }

// Internal returns the internal database.
func (ds *Datasette) Internal() *database.Database { return ds.internal }

// Catalog returns the schema catalog kept in the internal database.
func (ds *Datasette) Catalog() *database.Catalog { return ds.catalog }

// Actions returns the registered permission actions.
func (ds *Datasette) Actions() *permissions.Actions { return ds.actions }

// Secret returns the signing secret.
func (ds *Datasette) Secret() string { return ds.secret }

// RootEnabled reports whether the root actor is enabled.
func (ds *Datasette) RootEnabled() bool { return ds.root }

// Debug reports whether error details are exposed.
func (ds *Datasette) Debug() bool { return ds.debug }

// Ready reports whether startup has completed.
func (ds *Datasette) Ready() bool { return ds.ready.Load() }

// Tracker returns the event tracker.
func (ds *Datasette) Tracker() *events.Tracker { return ds.tracker }

// PluginConfig returns a plugin's configuration block for the given scope
// with secret references resolved. database and table may be empty.
func (ds *Datasette) PluginConfig(ctx context.Context, plugin, database, table string) (map[string]any, error) {
	raw := ds.Config().PluginConfig(plugin, database, table)
	if raw == nil {
		return nil, nil
	}
	return config.ResolveSecretRefs(ctx, raw, ds.secrets)
}

// Checker returns the permission checker used for every request.
func (ds *Datasette) Checker() permissions.Checker { return ds.checker }

func (ds *Datasette) invalidatePermissions() {
	if ds.cached != nil {
		ds.cached.InvalidateAll()
	}
}

func (ds *Datasette) actionDefaults(cfg *config.Config) map[string]bool {
	out := map[string]bool{}
	if !cfg.Settings.DefaultAllowSQL {
		out[permissions.ExecuteSQL] = false
	}
	for k, v := range cfg.Permissions.Defaults {
		out[k] = v
	}
	return out
}

func (ds *Datasette) collectActions(ctx context.Context) error {
	results, err := hooks.Collect[any](ctx, ds.dispatcher, hooks.RegisterActions, hooks.Values{hooks.ParamDatasette: ds})
	for _, c := range results {
		var acts []permissions.Action
		switch v := c.Value.(type) {
		case permissions.Action:
			acts = []permissions.Action{v}
		case []permissions.Action:
			acts = v
		default:
			ds.logger.Warn("ignoring register_actions result", "plugin", c.Plugin, "type", fmt.Sprintf("%T", v))
			continue
		}
		for _, a := range acts {
			if regErr := ds.actions.Register(a); regErr != nil {
				ds.logger.Warn("action not registered", "plugin", c.Plugin, "action", a.Name, "error", regErr)
			}
		}
	}
	return err
}
