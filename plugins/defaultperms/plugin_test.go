package defaultperms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/gosette/gosette/pkg/app"
	"github.com/gosette/gosette/pkg/config"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/permissions"
	"github.com/gosette/gosette/pkg/web"
)

const testYAML = `
permissions:
  allow:
    permissions-debug:
      id: [ada]
databases:
  fixtures:
    dsn: ":memory:"
    allow_sql:
      roles: [analyst]
    tables:
      salaries:
        allow:
          id: ada
    queries:
      payroll:
        sql: select 1
        allow: false
  private:
    dsn: ":memory:"
    allow:
      unauthenticated: false
      id: "*"
`

func newApp(t *testing.T, root bool) *app.Datasette {
	t.Helper()
	cfg, err := config.Parse([]byte(testYAML))
	require.NoError(t, err)

	reg := hooks.NewRegistry()
	require.NoError(t, reg.Register(Plugin()))
	ds, err := app.New(context.Background(), cfg, app.WithRegistry(reg), app.WithRoot(root))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close(context.Background()) })
	return ds
}

func TestActorMatchesAllow(t *testing.T) {
	var block map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(`{id: [ada, bob], roles: staff}`), &block))

	cases := []struct {
		name  string
		actor web.Actor
		allow any
		want  bool
	}{
		{"nil block", nil, nil, true},
		{"true", nil, true, true},
		{"false", web.Actor{"id": "ada"}, false, false},
		{"id in list", web.Actor{"id": "bob"}, block, true},
		{"role overlap", web.Actor{"id": "eve", "roles": []any{"dev", "staff"}}, block, true},
		{"no overlap", web.Actor{"id": "eve", "roles": []any{"dev"}}, block, false},
		{"anonymous", nil, block, false},
		{"anonymous allowed", nil, map[string]any{"unauthenticated": true}, true},
		{"wildcard", web.Actor{"id": "anyone"}, map[string]any{"id": "*"}, true},
		{"wildcard needs key", web.Actor{"name": "x"}, map[string]any{"id": "*"}, false},
		{"empty block", web.Actor{"id": "ada"}, map[string]any{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ActorMatchesAllow(tc.actor, tc.allow))
		})
	}
}

func TestRootActor(t *testing.T) {
	ctx := context.Background()
	root := web.Actor{"id": RootID}

	ds := newApp(t, true)
	ok, err := ds.Allowed(ctx, root, permissions.PermissionsDebug, permissions.Global())
	require.NoError(t, err)
	assert.True(t, ok)

	ds = newApp(t, false)
	ok, err = ds.Allowed(ctx, root, permissions.PermissionsDebug, permissions.Global())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowBlocks(t *testing.T) {
	ds := newApp(t, false)
	ctx := context.Background()
	ada := web.Actor{"id": "ada"}
	analyst := web.Actor{"id": "bob", "roles": []any{"analyst"}}

	check := func(actor web.Actor, action string, res permissions.Resource) bool {
		t.Helper()
		ok, err := ds.Allowed(ctx, actor, action, res)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, check(ada, permissions.PermissionsDebug, permissions.Global()))
	assert.False(t, check(analyst, permissions.PermissionsDebug, permissions.Global()))

	assert.True(t, check(analyst, permissions.ExecuteSQL, permissions.Database("fixtures")))
	assert.False(t, check(ada, permissions.ExecuteSQL, permissions.Database("fixtures")))
	assert.True(t, check(ada, permissions.ExecuteSQL, permissions.Database("private")))

	assert.True(t, check(ada, permissions.ViewTable, permissions.Table("fixtures", "salaries")))
	assert.False(t, check(analyst, permissions.ViewTable, permissions.Table("fixtures", "salaries")))
	assert.True(t, check(analyst, permissions.ViewTable, permissions.Table("fixtures", "dogs")))

	assert.False(t, check(ada, permissions.ViewQuery, permissions.Table("fixtures", "payroll")))

	assert.True(t, check(ada, permissions.ViewDatabase, permissions.Database("private")))
	assert.False(t, check(nil, permissions.ViewDatabase, permissions.Database("private")))
	assert.True(t, check(nil, permissions.ViewDatabase, permissions.Database("fixtures")))
}

func TestDecisionNamesTheBlock(t *testing.T) {
	ds := newApp(t, false)
	d, err := ds.Check(context.Background(), web.Actor{"id": "eve"}, permissions.ViewTable, permissions.Table("fixtures", "salaries"))
	require.NoError(t, err)
	assert.Equal(t, permissions.Deny, d.Outcome)
	assert.Equal(t, Name, d.Source)
	assert.Contains(t, d.Reason, "fixtures/salaries")
}

func TestFragmentBindsValues(t *testing.T) {
	f := fragment([]rule{
		{allow: true, reason: "global"},
		{parent: "db", child: "t", allow: false, reason: "child"},
	})
	assert.Equal(t,
		"SELECT NULL AS parent, NULL AS child, 1 AS allow, @r0 AS reason UNION ALL "+
			"SELECT @p1 AS parent, @c1 AS child, 0 AS allow, @r1 AS reason",
		f.SQL)
	assert.Equal(t, map[string]any{"r0": "global", "p1": "db", "c1": "t", "r1": "child"}, f.Params)
}
