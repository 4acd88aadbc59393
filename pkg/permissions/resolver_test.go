package permissions

import (
	"context"
	"errors"
	"testing"

	"github.com/gosette/gosette/pkg/database"
	"github.com/gosette/gosette/pkg/errs"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	registry *hooks.Registry
	internal *database.Database
	actions  *Actions
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	internal, err := database.Open(database.Options{Name: database.InternalName, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = internal.Close() })

	reg := hooks.NewRegistry()
	actions := NewActions(BuiltinActions()...)
	return &fixture{
		registry: reg,
		internal: internal,
		actions:  actions,
		resolver: NewResolver(hooks.NewDispatcher(reg, nil), internal, actions),
	}
}

func (f *fixture) fragment(t *testing.T, plugin, sql string) {
	t.Helper()
	p := hooks.NewPlugin(plugin, "0.1.0").On(hooks.PermissionResourcesSQL,
		func(context.Context, hooks.Args) (hooks.Result, error) {
			return hooks.Value(SQLFragment{SQL: sql}), nil
		})
	require.NoError(t, f.registry.Register(p))
}

func TestDefaultsWithNoPlugins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.resolver.Resolve(ctx, nil, ViewTable, Table("fixtures", "dogs"))
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Outcome)
	assert.Equal(t, SourceDefault, d.Source)

	f.actions.SetDefaults(map[string]bool{ExecuteSQL: false})
	d, err = f.resolver.Resolve(ctx, nil, ExecuteSQL, Database("fixtures"))
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Outcome)

	d, err = f.resolver.Resolve(ctx, nil, InsertRow, Table("fixtures", "dogs"))
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Outcome)
}

func TestUnknownActionIsUndecided(t *testing.T) {
	f := newFixture(t)
	d, err := f.resolver.Resolve(context.Background(), nil, "launch-rockets", Global())
	require.NoError(t, err)
	assert.Equal(t, Undecided, d.Outcome)
	assert.False(t, d.Allowed())
}

func TestLegacyHookTakesPrecedence(t *testing.T) {
	f := newFixture(t)
	f.fragment(t, "allow-everything", "SELECT NULL AS parent, NULL AS child, 1 AS allow, 'all' AS reason")

	calls := 0
	legacy := hooks.NewPlugin("no-bob", "0.1.0").On(hooks.PermissionAllowed,
		func(_ context.Context, args hooks.Args) (hooks.Result, error) {
			calls++
			actor := hooks.Arg[web.Actor](args, hooks.ParamActor)
			if actor.ID() == "bob" {
				return hooks.Value(false), nil
			}
			return hooks.None(), nil
		}, hooks.ParamActor, hooks.ParamAction)
	require.NoError(t, f.registry.Register(legacy))

	ctx := context.Background()
	d, err := f.resolver.Resolve(ctx, web.Actor{"id": "bob"}, ViewTable, Table("fixtures", "dogs"))
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Outcome)
	assert.Equal(t, "no-bob", d.Source)

	d, err = f.resolver.Resolve(ctx, web.Actor{"id": "alice"}, ViewTable, Table("fixtures", "dogs"))
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Outcome)
	assert.Equal(t, "allow-everything", d.Source)
	assert.Equal(t, "all", d.Reason)
	assert.Equal(t, 2, calls)
}

func TestSpecificityAndDenyWins(t *testing.T) {
	f := newFixture(t)
	f.fragment(t, "rules", `
		SELECT NULL AS parent, NULL AS child, 0 AS allow, 'global deny' AS reason
		UNION ALL SELECT 'fixtures', NULL, 1, 'database allow'
		UNION ALL SELECT 'fixtures', 'secrets', 0, 'table deny'
		UNION ALL SELECT 'fixtures', 'mixed', 1, 'table allow'`)
	f.fragment(t, "more-rules", "SELECT 'fixtures' AS parent, 'mixed' AS child, 0 AS allow, 'other deny' AS reason")

	ctx := context.Background()
	cases := []struct {
		res    Resource
		want   Outcome
		reason string
	}{
		{Table("fixtures", "secrets"), Deny, "table deny"},
		{Table("fixtures", "dogs"), Allow, "database allow"},
		{Table("fixtures", "mixed"), Deny, "other deny"},
		{Database("fixtures"), Allow, "database allow"},
		{Table("other", "dogs"), Deny, "global deny"},
		{Global(), Deny, "global deny"},
	}
	for _, tc := range cases {
		d, err := f.resolver.Resolve(ctx, nil, ViewTable, tc.res)
		require.NoError(t, err)
		assert.Equal(t, tc.want, d.Outcome, tc.res.String())
		assert.Equal(t, tc.reason, d.Reason, tc.res.String())
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	f := newFixture(t)
	f.fragment(t, "rules", "SELECT 'fixtures' AS parent, NULL AS child, 0 AS allow, 'nope' AS reason")
	ctx := context.Background()

	first, err := f.resolver.Resolve(ctx, web.Actor{"id": "a"}, ViewDatabase, Database("fixtures"))
	require.NoError(t, err)
	second, err := f.resolver.Resolve(ctx, web.Actor{"id": "a"}, ViewDatabase, Database("fixtures"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveManyMatchesResolve(t *testing.T) {
	f := newFixture(t)
	f.fragment(t, "rules", `
		SELECT 'fixtures' AS parent, NULL AS child, 0 AS allow, 'db deny' AS reason
		UNION ALL SELECT 'fixtures', 'public', 1, 'public table'`)
	legacy := hooks.NewPlugin("legacy", "0.1.0").On(hooks.PermissionAllowed,
		func(_ context.Context, args hooks.Args) (hooks.Result, error) {
			res := hooks.Arg[Resource](args, hooks.ParamResource)
			if res.Child == "forced" {
				return hooks.Value(true), nil
			}
			return hooks.None(), nil
		}, hooks.ParamResource)
	require.NoError(t, f.registry.Register(legacy))

	resources := []Resource{
		Table("fixtures", "public"),
		Table("fixtures", "private"),
		Table("fixtures", "forced"),
		Table("elsewhere", "x"),
		Database("fixtures"),
		Global(),
	}
	ctx := context.Background()
	actor := web.Actor{"id": "alice"}

	many, err := f.resolver.ResolveMany(ctx, actor, ViewTable, resources)
	require.NoError(t, err)
	require.Len(t, many, len(resources))
	for i, res := range resources {
		one, err := f.resolver.Resolve(ctx, actor, ViewTable, res)
		require.NoError(t, err)
		assert.Equal(t, one, many[i], res.String())
	}
}

func TestFragmentParameters(t *testing.T) {
	f := newFixture(t)
	f.fragment(t, "alice-only", `
		SELECT NULL AS parent, NULL AS child,
		       CASE WHEN @actor_id = 'alice' AND @action = 'view-instance' THEN 1 ELSE 0 END AS allow,
		       'alice only' AS reason`)

	ctx := context.Background()
	d, err := f.resolver.Resolve(ctx, web.Actor{"id": "alice"}, ViewInstance, Global())
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Outcome)

	d, err = f.resolver.Resolve(ctx, nil, ViewInstance, Global())
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Outcome)
}

func TestFragmentCanReadCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	catalog, err := database.NewCatalog(ctx, f.internal)
	require.NoError(t, err)
	db, err := database.Open(database.Options{Name: "fixtures", DSN: ":memory:"})
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecuteWrite(ctx, "CREATE TABLE secret_plans (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = db.ExecuteWrite(ctx, "CREATE TABLE dogs (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, catalog.Refresh(ctx, db, ""))

	f.fragment(t, "hide-secrets", `
		SELECT database_name AS parent, table_name AS child, 0 AS allow, 'secret' AS reason
		FROM catalog_tables WHERE table_name LIKE 'secret%'`)

	ds, err := f.resolver.ResolveMany(ctx, nil, ViewTable, []Resource{
		Table("fixtures", "secret_plans"),
		Table("fixtures", "dogs"),
	})
	require.NoError(t, err)
	assert.Equal(t, Deny, ds[0].Outcome)
	assert.Equal(t, Allow, ds[1].Outcome)
}

func TestMalformedSQLFailsClosed(t *testing.T) {
	for name, sql := range map[string]string{
		"syntax":      "SELEC parent FROM nowhere",
		"write":       "DELETE FROM catalog_tables",
		"two":         "SELECT 1; SELECT 2",
		"missing col": "SELECT 'fixtures' AS parent, 1 AS allow",
		"bad allow":   "SELECT NULL AS parent, NULL AS child, 'maybe' AS allow",
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.fragment(t, "broken", sql)

			d, err := f.resolver.Resolve(context.Background(), nil, ViewTable, Table("fixtures", "dogs"))
			require.Error(t, err)
			var ve *errs.ValidationError
			assert.ErrorAs(t, err, &ve)
			assert.Equal(t, Deny, d.Outcome)
		})
	}
}

func TestFailingFragmentPluginFailsClosed(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	p := hooks.NewPlugin("flaky", "0.1.0").On(hooks.PermissionResourcesSQL,
		func(context.Context, hooks.Args) (hooks.Result, error) { return hooks.None(), boom })
	require.NoError(t, f.registry.Register(p))

	ds, err := f.resolver.ResolveMany(context.Background(), nil, ViewTable, []Resource{Table("a", "b"), Database("a")})
	require.ErrorIs(t, err, boom)
	for _, d := range ds {
		assert.Equal(t, Deny, d.Outcome)
	}
}

func TestFragmentShapes(t *testing.T) {
	f := newFixture(t)
	p := hooks.NewPlugin("many", "0.1.0").On(hooks.PermissionResourcesSQL,
		func(context.Context, hooks.Args) (hooks.Result, error) {
			return hooks.Defer(func(context.Context) (any, error) {
				return []SQLFragment{
					{SQL: "SELECT 'a' AS parent, NULL AS child, 1 AS allow, 'a' AS reason"},
					{SQL: "SELECT 'b' AS parent, NULL AS child, 0 AS allow, @why AS reason", Params: map[string]any{"why": "b"}},
				}, nil
			}), nil
		})
	require.NoError(t, f.registry.Register(p))

	frags, err := f.resolver.Fragments(context.Background(), nil, ViewDatabase)
	require.NoError(t, err)
	require.Len(t, frags, 2)
	assert.Equal(t, "many", frags[1].Source)

	ds, err := f.resolver.ResolveMany(context.Background(), nil, ViewDatabase, []Resource{Database("a"), Database("b")})
	require.NoError(t, err)
	assert.Equal(t, Allow, ds[0].Outcome)
	assert.Equal(t, Deny, ds[1].Outcome)
	assert.Equal(t, "b", ds[1].Reason)
}

func TestActionsRegistry(t *testing.T) {
	a := NewActions(BuiltinActions()...)
	require.NoError(t, a.Register(Action{Name: "publish", Description: "Publish things"}))
	assert.Error(t, a.Register(Action{Name: "publish"}))
	assert.Error(t, a.Register(Action{}))

	act, ok := a.Get(ExecuteSQL)
	require.True(t, ok)
	assert.True(t, act.DefaultAllow)

	a.SetDefaults(map[string]bool{ExecuteSQL: false, "publish": true})
	act, _ = a.Get(ExecuteSQL)
	assert.False(t, act.DefaultAllow)
	act, _ = a.Get("publish")
	assert.True(t, act.DefaultAllow)

	all := a.All()
	assert.Len(t, all, len(BuiltinActions())+1)
	assert.Equal(t, AlterTable, all[0].Name)
}
