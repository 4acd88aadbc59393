package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosette/gosette/pkg/config"
	"github.com/gosette/gosette/pkg/events"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/permissions"
	"github.com/gosette/gosette/pkg/web"
)

func returning(v any) hooks.Func {
	return func(context.Context, hooks.Args) (hooks.Result, error) { return hooks.Value(v), nil }
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Databases = map[string]config.DatabaseConfig{
		"fixtures": {
			DSN: ":memory:",
			Queries: map[string]config.QueryConfig{
				"dog_by_name": {SQL: "SELECT id, name FROM dogs WHERE name = :name", Title: "Dog by name"},
				"add_dog": {
					SQL:               "INSERT INTO dogs (name, age) VALUES (:name, :age)",
					Write:             true,
					OnSuccessRedirect: "/fixtures/dogs",
				},
			},
		},
	}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, plugins ...*hooks.Plugin) (*Datasette, *hooks.Registry) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	reg := hooks.NewRegistry()
	for _, p := range plugins {
		require.NoError(t, reg.Register(p))
	}
	ctx := context.Background()
	ds, err := New(ctx, cfg, WithRegistry(reg), WithSecret("test-secret"))
	require.NoError(t, err)
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ds.Close(cctx)
	})

	if _, ok := cfg.Databases["fixtures"]; ok {
		db, err := ds.Database("fixtures")
		require.NoError(t, err)
		_, err = db.ExecuteWrite(ctx, `CREATE TABLE dogs (id INTEGER PRIMARY KEY, name TEXT NOT NULL, age INTEGER)`)
		require.NoError(t, err)
		_, err = db.ExecuteWrite(ctx, `INSERT INTO dogs (name, age) VALUES ('Cleo', 5), ('Pancakes', 4), ('Rex', 2)`)
		require.NoError(t, err)
	}
	require.NoError(t, ds.InvokeStartup(ctx))
	return ds, reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewAttachesConfiguredDatabases(t *testing.T) {
	ds, _ := newTestApp(t, nil)

	names := []string{}
	for _, db := range ds.Databases() {
		names = append(names, db.Name())
	}
	assert.Equal(t, []string{"fixtures"}, names)

	_, err := ds.Database("missing")
	require.Error(t, err)

	tables, err := ds.Catalog().Tables(context.Background(), "fixtures")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "dogs", tables[0].Name)
}

func TestStartupRunsOnce(t *testing.T) {
	var calls int
	p := hooks.NewPlugin("counter", "1.0").On(hooks.Startup, func(context.Context, hooks.Args) (hooks.Result, error) {
		calls++
		return hooks.None(), nil
	})
	ds, _ := newTestApp(t, nil, p)
	require.NoError(t, ds.InvokeStartup(context.Background()))
	assert.Equal(t, 1, calls)
	assert.True(t, ds.Ready())
}

func TestPrepareConnectionSeesNewDatabase(t *testing.T) {
	var seen []string
	p := hooks.NewPlugin("prep", "1.0").On(hooks.PrepareConnection, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
		seen = append(seen, args.String(hooks.ParamDatabase))
		return hooks.None(), nil
	}, hooks.ParamDatabase, hooks.ParamConn)
	newTestApp(t, nil, p)
	assert.Equal(t, []string{"fixtures"}, seen)
}

func TestAddDatabaseRejectsReservedAndDuplicateNames(t *testing.T) {
	ds, _ := newTestApp(t, nil)
	ctx := context.Background()

	_, err := ds.AddDatabase(ctx, "_internal", config.DatabaseConfig{DSN: ":memory:"})
	require.Error(t, err)
	_, err = ds.AddDatabase(ctx, "fixtures", config.DatabaseConfig{DSN: ":memory:"})
	require.Error(t, err)

	_, err = ds.AddDatabase(ctx, "extra", config.DatabaseConfig{DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, ds.RemoveDatabase(ctx, "extra"))
	_, err = ds.Database("extra")
	require.Error(t, err)
}

func TestConcurrentAddDatabaseAttachesOnce(t *testing.T) {
	ds, _ := newTestApp(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ds.AddDatabase(ctx, "racy", config.DatabaseConfig{DSN: ":memory:"}); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())

	count := 0
	for _, db := range ds.Databases() {
		if db.Name() == "racy" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDatabaseConfigForFile(t *testing.T) {
	name, dc := DatabaseConfigForFile("/data/fixtures.db", true)
	assert.Equal(t, "fixtures", name)
	assert.True(t, dc.Immutable)

	name, _ = DatabaseConfigForFile(":memory:", false)
	assert.Equal(t, "_memory", name)

	name, _ = DatabaseConfigForFile("postgres://u:p@localhost/app?sslmode=disable", false)
	assert.Equal(t, "app", name)
}

func TestPluginConfigResolvesSecrets(t *testing.T) {
	t.Setenv("GOSETTE_TEST_KEY", "s3cret")
	cfg := testConfig()
	cfg.Plugins = map[string]map[string]any{
		"auth": {"key": map[string]any{"$env": "GOSETTE_TEST_KEY"}, "mode": "strict"},
	}
	ds, _ := newTestApp(t, cfg)

	got, err := ds.PluginConfig(context.Background(), "auth", "", "")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got["key"])
	assert.Equal(t, "strict", got["mode"])

	none, err := ds.PluginConfig(context.Background(), "other", "", "")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRegisterActionsAndDefaults(t *testing.T) {
	p := hooks.NewPlugin("acts", "1.0").On(hooks.RegisterActions, returning([]permissions.Action{
		{Name: "publish", Description: "Publish a table", TakesParent: true, TakesChild: true},
	}))
	cfg := testConfig()
	cfg.Settings.DefaultAllowSQL = false
	ds, _ := newTestApp(t, cfg, p)
	ctx := context.Background()

	_, ok := ds.Actions().Get("publish")
	assert.True(t, ok)

	allowed, err := ds.Allowed(ctx, nil, "publish", permissions.Table("fixtures", "dogs"))
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = ds.Allowed(ctx, nil, permissions.ExecuteSQL, permissions.Database("fixtures"))
	require.NoError(t, err)
	assert.False(t, allowed)

	err = ds.EnsurePermission(ctx, nil, permissions.ExecuteSQL, permissions.Database("fixtures"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute-sql")
}

func TestReloadConfigAppliesDefaults(t *testing.T) {
	ds, _ := newTestApp(t, nil)
	ctx := context.Background()

	allowed, err := ds.Allowed(ctx, nil, permissions.ExecuteSQL, permissions.Database("fixtures"))
	require.NoError(t, err)
	assert.True(t, allowed)

	next := testConfig()
	next.Permissions.Defaults = map[string]bool{permissions.ExecuteSQL: false}
	ds.ReloadConfig(next, "v2")

	assert.Equal(t, "v2", ds.ConfigVersion())
	allowed, err = ds.Allowed(ctx, nil, permissions.ExecuteSQL, permissions.Database("fixtures"))
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestTrackEventReachesPlugins(t *testing.T) {
	var mu sync.Mutex
	var got []events.Event
	p := hooks.NewPlugin("recorder", "1.0").
		On(hooks.RegisterEvents, returning(events.Type{Name: "dog-adopted", Description: "A dog found a home"})).
		On(hooks.TrackEvent, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, hooks.Arg[events.Event](args, hooks.ParamEvent))
			return hooks.None(), nil
		}, hooks.ParamEvent)
	ds, _ := newTestApp(t, nil, p)

	names := []string{}
	for _, et := range ds.EventTypes() {
		names = append(names, et.Name)
	}
	assert.Contains(t, names, "dog-adopted")
	assert.Contains(t, names, events.Login)

	ds.TrackEvent("dog-adopted", web.Actor{"id": "ada"}, map[string]any{"dog": "Cleo"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "dog-adopted", got[0].Name)
	assert.Equal(t, "ada", got[0].Actor.ID())
	assert.Equal(t, "Cleo", got[0].Get("dog"))
}

func TestTrackEventGivesEachPluginItsOwnCopy(t *testing.T) {
	vandal := hooks.NewPlugin("a-vandal", "1.0").On(hooks.TrackEvent, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
		e := hooks.Arg[events.Event](args, hooks.ParamEvent)
		e.Actor["id"] = "mallory"
		e.Properties["dog"] = "Rex"
		e.Properties["tags"].([]any)[0] = "stolen"
		return hooks.None(), nil
	}, hooks.ParamEvent)
	seen := make(chan events.Event, 1)
	witness := hooks.NewPlugin("b-witness", "1.0").On(hooks.TrackEvent, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
		seen <- hooks.Arg[events.Event](args, hooks.ParamEvent)
		return hooks.None(), nil
	}, hooks.ParamEvent)
	ds, _ := newTestApp(t, nil, vandal, witness)

	props := map[string]any{"dog": "Cleo", "tags": []any{"good"}}
	ds.TrackEvent(events.Login, web.Actor{"id": "ada"}, props)

	select {
	case e := <-seen:
		assert.Equal(t, "ada", e.Actor.ID())
		assert.Equal(t, "Cleo", e.Get("dog"))
		assert.Equal(t, []any{"good"}, e.Get("tags"))
	case <-time.After(2 * time.Second):
		t.Fatal("track_event not delivered")
	}
	assert.Equal(t, []any{"good"}, props["tags"])
}

func TestPageExtrasFlattensAndMerges(t *testing.T) {
	a := hooks.NewPlugin("a", "1.0").
		On(hooks.ExtraCSSURLs, returning([]string{"/a.css", "/b.css"})).
		On(hooks.ExtraTemplateVars, returning(map[string]any{"color": "red", "size": 1}))
	b := hooks.NewPlugin("b", "1.0").
		On(hooks.ExtraCSSURLs, returning(map[string]any{"url": "/c.css", "sri": "sha384-x"})).
		On(hooks.ExtraTemplateVars, returning(map[string]any{"color": "blue"})).
		On(hooks.ExtraBodyScript, returning("console.log(1)"))
	ds, _ := newTestApp(t, nil, a, b)

	extras, err := ds.PageExtras(context.Background(), PageContext{Template: "table.html", Database: "fixtures", Table: "dogs"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"color": "blue", "size": 1}, extras.TemplateVars)
	require.Len(t, extras.CSSURLs, 3)
	assert.Equal(t, "/a.css", extras.CSSURLs[0])
	assert.Equal(t, []any{"console.log(1)"}, extras.BodyScripts)
	assert.Empty(t, extras.JSURLs)
}

func TestActorsFromIDsFallsBack(t *testing.T) {
	p := hooks.NewPlugin("people", "1.0").On(hooks.ActorsFromIDs, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
		return hooks.Value(map[string]web.Actor{"1": {"id": "1", "name": "Ada"}}), nil
	}, hooks.ParamActorIDs)
	ds, _ := newTestApp(t, nil, p)

	got, err := ds.ActorsFromIDs(context.Background(), []string{"1", "2"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", got["1"]["name"])
	assert.Equal(t, web.Actor{"id": "2"}, got["2"])
}

func TestNamedParams(t *testing.T) {
	sql := "SELECT * FROM t WHERE a = :a AND b = :b AND c::text = 'x:y' AND a2 = :a"
	assert.Equal(t, []string{"a", "b"}, NamedParams(sql))
	assert.Equal(t, "SELECT * FROM t WHERE a = @a AND b = @b AND c::text = 'x:y' AND a2 = @a", bindNamed(sql))
	assert.Equal(t, "SELECT ':skip' FROM t WHERE x = @x", bindNamed("SELECT ':skip' FROM t WHERE x = :x"))
	assert.Empty(t, NamedParams("SELECT 1"))
}

func TestCannedQueriesMergePluginQueries(t *testing.T) {
	p := hooks.NewPlugin("queries", "1.0").On(hooks.CannedQueries, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
		if args.String(hooks.ParamDatabase) != "fixtures" {
			return hooks.None(), nil
		}
		return hooks.Value(map[string]any{
			"oldest":      "SELECT name FROM dogs ORDER BY age DESC LIMIT 1",
			"dog_by_name": map[string]any{"sql": "SELECT name FROM dogs WHERE name = :name", "title": "Overridden"},
		}), nil
	}, hooks.ParamDatabase)
	ds, _ := newTestApp(t, nil, p)

	qs, err := ds.CannedQueries(context.Background(), "fixtures", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"add_dog", "dog_by_name", "oldest"}, sortedQueryNames(qs))
	assert.Equal(t, "Overridden", qs["dog_by_name"].Title)
	assert.True(t, qs["add_dog"].Write)
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return strings.TrimSpace(string(b))
}
