package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosette/gosette/pkg/database"
	"github.com/gosette/gosette/pkg/errs"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/permissions"
	"github.com/gosette/gosette/pkg/web"
)

func actorPlugin(actor web.Actor) *hooks.Plugin {
	return hooks.NewPlugin("fixed-actor", "1.0").On(hooks.ActorFromRequest, returning(actor))
}

func allowPlugin(action string) *hooks.Plugin {
	return hooks.NewPlugin("allow-"+action, "1.0").On(hooks.PermissionAllowed, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
		if args.String(hooks.ParamAction) == action {
			return hooks.Value(true), nil
		}
		return hooks.None(), nil
	}, hooks.ParamAction)
}

func denyPlugin(action string) *hooks.Plugin {
	return hooks.NewPlugin("deny-"+action, "1.0").On(hooks.PermissionAllowed, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
		if args.String(hooks.ParamAction) == action {
			return hooks.Value(false), nil
		}
		return hooks.None(), nil
	}, hooks.ParamAction)
}

func TestHealthAndReadiness(t *testing.T) {
	ds, _ := newTestApp(t, nil)

	rec := get(t, ds, "/-/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", decode(t, rec)["status"])

	rec = get(t, ds, "/-/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode(t, rec)["status"])
}

func TestPluginsJSONIsCachedUntilPluginsChange(t *testing.T) {
	ds, reg := newTestApp(t, nil, hooks.NewPlugin("first", "1.0").Describe("the first one"))

	rec := get(t, ds, "/-/plugins.json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"first"`)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	rec = get(t, ds, "/-/plugins.json")
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))

	require.NoError(t, reg.Register(hooks.NewPlugin("second", "2.0")))
	rec = get(t, ds, "/-/plugins.json")
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Contains(t, rec.Body.String(), `"second"`)
}

func TestViewInstanceGuardsIntrospection(t *testing.T) {
	ds, _ := newTestApp(t, nil, denyPlugin(permissions.ViewInstance))

	for _, path := range []string{"/-/plugins.json", "/-/settings.json", "/-/databases.json", "/fixtures", "/fixtures/dogs"} {
		rec := get(t, ds, path)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
	assert.Equal(t, http.StatusOK, get(t, ds, "/-/healthz").Code)
}

func TestActorJSON(t *testing.T) {
	ds, _ := newTestApp(t, nil, actorPlugin(web.Actor{"id": "ada", "roles": []any{"staff"}}))

	body := decode(t, get(t, ds, "/-/actor.json"))
	actor := body["actor"].(map[string]any)
	assert.Equal(t, "ada", actor["id"])
}

// exceptionCounter counts handle_exception calls and keeps the last error.
type exceptionCounter struct {
	calls atomic.Int32
	last  atomic.Value
}

func (c *exceptionCounter) plugin() *hooks.Plugin {
	return hooks.NewPlugin("exceptions", "1.0").On(hooks.HandleException, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
		c.calls.Add(1)
		if v, ok := args.Get(hooks.ParamException); ok {
			c.last.Store(v)
		}
		return hooks.None(), nil
	}, hooks.ParamException)
}

func failing(msg string) hooks.Func {
	return func(context.Context, hooks.Args) (hooks.Result, error) {
		return hooks.None(), errors.New(msg)
	}
}

func postForm(ds http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	ds.ServeHTTP(rec, req)
	return rec
}

func TestFailingRequestHooksFailTheRequest(t *testing.T) {
	t.Run("actor_from_request", func(t *testing.T) {
		var seen exceptionCounter
		p := hooks.NewPlugin("broken-auth", "1.0").On(hooks.ActorFromRequest, failing("token service down"))
		ds, _ := newTestApp(t, nil, p, seen.plugin())

		rec := get(t, ds, "/-/actor.json")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, false, decode(t, rec)["ok"])
		assert.NotContains(t, rec.Body.String(), "token service down")
		assert.GreaterOrEqual(t, seen.calls.Load(), int32(1))
	})

	t.Run("asgi_wrapper", func(t *testing.T) {
		var seen exceptionCounter
		p := hooks.NewPlugin("broken-wrapper", "1.0").On(hooks.ASGIWrapper, failing("cannot wrap"))
		ds, _ := newTestApp(t, nil, p, seen.plugin())

		rec := get(t, ds, "/-/healthz")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.EqualValues(t, 500, decode(t, rec)["status"])
		assert.GreaterOrEqual(t, seen.calls.Load(), int32(1))
	})

	t.Run("forbidden", func(t *testing.T) {
		var seen exceptionCounter
		p := hooks.NewPlugin("broken-forbidden", "1.0").On(hooks.Forbidden, failing("template missing"))
		ds, _ := newTestApp(t, nil, p, seen.plugin(), denyPlugin(permissions.ViewTable))

		rec := get(t, ds, "/fixtures/dogs.json")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.GreaterOrEqual(t, seen.calls.Load(), int32(1))
	})

	t.Run("skip_csrf", func(t *testing.T) {
		var seen exceptionCounter
		p := hooks.NewPlugin("broken-csrf", "1.0").On(hooks.SkipCSRF, failing("lookup failed"))
		ds, _ := newTestApp(t, nil, p, seen.plugin())

		rec := postForm(ds, "/fixtures/add_dog", url.Values{"name": {"Bingo"}})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.GreaterOrEqual(t, seen.calls.Load(), int32(1))
	})
}

func TestPanickingPluginRouteReachesHandleException(t *testing.T) {
	var seen exceptionCounter
	p := hooks.NewPlugin("explosive", "1.0").On(hooks.RegisterRoutes, returning(Route{
		Pattern: "/-/boom",
		Handler: func(context.Context, *Datasette, *web.Request) (*web.Response, error) {
			panic("kaboom")
		},
	}))
	ds, _ := newTestApp(t, nil, p, seen.plugin())

	rec := get(t, ds, "/-/boom")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.NotContains(t, rec.Body.String(), "kaboom")

	require.EqualValues(t, 1, seen.calls.Load())
	var pe *errs.PluginExecutionError
	require.ErrorAs(t, seen.last.Load().(error), &pe)
	assert.Equal(t, "explosive", pe.Plugin)
	assert.Contains(t, pe.Error(), "kaboom")

	assert.Equal(t, http.StatusOK, get(t, ds, "/-/healthz").Code)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	ds, _ := newTestApp(t, nil)
	big := strings.Repeat("x", web.MaxBodySize)

	rec := postForm(ds, "/fixtures/add_dog", url.Values{"name": {big}})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Request too large", decode(t, rec)["title"])

	req := httptest.NewRequest(http.MethodPost, "/fixtures/add_dog", strings.NewReader(`{"name": "`+big+`"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	ds.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	db, err := ds.Database("fixtures")
	require.NoError(t, err)
	res, err := db.Execute(context.Background(), "SELECT COUNT(*) FROM dogs")
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Single())
}

func TestMalformedJSONBodyIsBadRequest(t *testing.T) {
	ds, _ := newTestApp(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/fixtures/add_dog", strings.NewReader(`{"name":`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ds.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigJSONIsRedacted(t *testing.T) {
	cfg := testConfig()
	cfg.Plugins = map[string]map[string]any{"auth": {"api_key": "abc123", "mode": "strict"}}
	ds, _ := newTestApp(t, cfg)

	rec := get(t, ds, "/-/config.json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "abc123")
	assert.Contains(t, rec.Body.String(), "strict")
}

func TestDatabasesJSONHidesForbiddenDatabases(t *testing.T) {
	p := hooks.NewPlugin("hide", "1.0").On(hooks.PermissionAllowed, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
		res := hooks.Arg[permissions.Resource](args, hooks.ParamResource)
		if args.String(hooks.ParamAction) == permissions.ViewDatabase && res.Parent == "secret" {
			return hooks.Value(false), nil
		}
		return hooks.None(), nil
	}, hooks.ParamAction, hooks.ParamResource)
	cfg := testConfig()
	secret := cfg.Databases["fixtures"]
	secret.Queries = nil
	cfg.Databases["secret"] = secret
	ds, _ := newTestApp(t, cfg, p)

	body := decode(t, get(t, ds, "/-/databases.json"))
	dbs := body["databases"].([]any)
	require.Len(t, dbs, 1)
	assert.Equal(t, "fixtures", dbs[0].(map[string]any)["name"])

	assert.Equal(t, http.StatusForbidden, get(t, ds, "/secret").Code)
}

func TestDatabaseJSONListsTablesAndQueries(t *testing.T) {
	ds, _ := newTestApp(t, nil)

	rec := get(t, ds, "/fixtures.json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	tables := body["tables"].([]any)
	require.Len(t, tables, 1)
	assert.Equal(t, "dogs", tables[0].(map[string]any)["name"])
	assert.EqualValues(t, 3, tables[0].(map[string]any)["count"])
	assert.Len(t, body["queries"], 2)

	assert.Equal(t, http.StatusNotFound, get(t, ds, "/nope.json").Code)
}

func TestAdHocSQL(t *testing.T) {
	ds, _ := newTestApp(t, nil)

	rec := get(t, ds, "/fixtures.json?sql="+url.QueryEscape("SELECT name FROM dogs WHERE age > :age ORDER BY name")+"&age=3")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, []any{"name"}, body["columns"])
	rows := body["rows"].([]any)
	require.Len(t, rows, 2)
	assert.Equal(t, "Cleo", rows[0].(map[string]any)["name"])

	rec = get(t, ds, "/fixtures.json?sql="+url.QueryEscape("DELETE FROM dogs"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.EqualValues(t, 400, body["status"])
}

func TestAdHocSQLCanBeDenied(t *testing.T) {
	cfg := testConfig()
	cfg.Settings.DefaultAllowSQL = false
	ds, _ := newTestApp(t, cfg)

	rec := get(t, ds, "/fixtures.json?sql="+url.QueryEscape("SELECT 1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Forbidden", body["title"])
	assert.Contains(t, body["error"], "execute-sql")
}

func TestForbiddenHookRendersResponse(t *testing.T) {
	p := hooks.NewPlugin("login-redirect", "1.0").On(hooks.Forbidden, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
		return hooks.Value(web.Redirect("/login?reason="+url.QueryEscape(args.String(hooks.ParamMessage)), false)), nil
	}, hooks.ParamMessage)
	ds, _ := newTestApp(t, nil, p, denyPlugin(permissions.ViewTable))

	rec := get(t, ds, "/fixtures/dogs.json")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/login?reason="))
}

func TestTableJSONPagesAndRendersCells(t *testing.T) {
	p := hooks.NewPlugin("shout", "1.0").On(hooks.RenderCell, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
		if args.String(hooks.ParamColumn) != "name" {
			return hooks.None(), nil
		}
		v, _ := args.Get(hooks.ParamValue)
		return hooks.Value(strings.ToUpper(v.(string))), nil
	}, hooks.ParamColumn, hooks.ParamValue)
	ds, _ := newTestApp(t, nil, p)

	rec := get(t, ds, "/fixtures/dogs.json?_size=2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Len(t, body["rows"], 2)
	assert.Equal(t, "2", body["next"])
	assert.EqualValues(t, 3, body["count"])
	assert.Equal(t, []any{"id"}, body["primary_keys"])
	rendered := body["rendered"].([]any)
	assert.Equal(t, "CLEO", rendered[0].(map[string]any)["name"])

	body = decode(t, get(t, ds, "/fixtures/dogs.json?_size=2&_next=2"))
	assert.Len(t, body["rows"], 1)
	assert.Nil(t, body["next"])

	assert.Equal(t, http.StatusBadRequest, get(t, ds, "/fixtures/dogs.json?_size=abc").Code)
	assert.Equal(t, http.StatusNotFound, get(t, ds, "/fixtures/cats.json").Code)
}

func TestTableJSONPagingTerminates(t *testing.T) {
	ds, _ := newTestApp(t, nil)

	for _, size := range []string{"0", "-1"} {
		rec := get(t, ds, "/fixtures/dogs.json?_size="+size)
		assert.Equal(t, http.StatusBadRequest, rec.Code, size)
		assert.Contains(t, decode(t, rec)["error"], "_size")
	}

	body := decode(t, get(t, ds, "/fixtures/dogs.json?_size=max"))
	assert.Len(t, body["rows"], 3)
	assert.Nil(t, body["next"])

	body = decode(t, get(t, ds, "/fixtures/dogs.json?_next=10"))
	assert.Empty(t, body["rows"])
	assert.Nil(t, body["next"])

	next, pages := "", 0
	for {
		path := "/fixtures/dogs.json?_size=1"
		if next != "" {
			path += "&_next=" + next
		}
		body := decode(t, get(t, ds, path))
		pages++
		require.LessOrEqual(t, pages, 3)
		n, ok := body["next"].(string)
		if !ok {
			break
		}
		require.NotEqual(t, next, n)
		next = n
	}
	assert.Equal(t, 3, pages)
}

func TestTableJSONCarriesRowActionsAndExtras(t *testing.T) {
	p := hooks.NewPlugin("row-links", "1.0").
		On(hooks.RowActions, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
			row := hooks.Arg[map[string]any](args, hooks.ParamRow)
			pks := hooks.Arg[[]string](args, hooks.ParamPKs)
			return hooks.Value([]Link{{Href: fmt.Sprintf("/-/edit/%v", row[pks[0]]), Label: "Edit"}}), nil
		}, hooks.ParamRow, hooks.ParamPKs).
		On(hooks.ExtraCSSURLs, returning([]string{"/static/dogs.css"}))
	ds, _ := newTestApp(t, nil, p)

	rec := get(t, ds, "/fixtures/dogs.json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	rowActions := body["row_actions"].([]any)
	require.Len(t, rowActions, 3)
	first := rowActions[0].([]any)
	require.Len(t, first, 1)
	assert.Equal(t, "/-/edit/1", first[0].(map[string]any)["href"])
	extras := body["extras"].(map[string]any)
	assert.Equal(t, []any{"/static/dogs.css"}, extras["css_urls"])

	body = decode(t, get(t, ds, "/fixtures.json"))
	assert.Equal(t, []any{"/static/dogs.css"}, body["extras"].(map[string]any)["css_urls"])

	plain, _ := newTestApp(t, nil)
	body = decode(t, get(t, plain, "/fixtures/dogs.json"))
	assert.NotContains(t, body, "row_actions")
	assert.NotContains(t, body, "extras")
}

func TestCannedReadQuery(t *testing.T) {
	ds, _ := newTestApp(t, nil)

	rec := get(t, ds, "/fixtures/dog_by_name.json?name=Rex")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "Dog by name", body["title"])
	rows := body["rows"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "Rex", rows[0].(map[string]any)["name"])
}

func TestCannedWriteQueryJSON(t *testing.T) {
	ds, _ := newTestApp(t, nil)

	rec := get(t, ds, "/fixtures/add_dog")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["write"])

	req := httptest.NewRequest(http.MethodPost, "/fixtures/add_dog", strings.NewReader(`{"name": "Bingo", "age": 1}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	ds.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.EqualValues(t, 1, body["rows_affected"])
	assert.Equal(t, "Query executed, 1 row affected", body["message"])

	db, err := ds.Database("fixtures")
	require.NoError(t, err)
	res, err := db.Execute(context.Background(), "SELECT COUNT(*) FROM dogs")
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.Single())
}

func TestCannedWriteFormNeedsCSRFToken(t *testing.T) {
	ds, _ := newTestApp(t, nil)

	form := url.Values{"name": {"Bingo"}, "age": {"1"}}
	req := httptest.NewRequest(http.MethodPost, "/fixtures/add_dog", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	ds.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	tokenRec := get(t, ds, "/-/csrftoken.json")
	token := decode(t, tokenRec)["token"].(string)
	require.NotEmpty(t, token)

	form.Set("csrftoken", token)
	req = httptest.NewRequest(http.MethodPost, "/fixtures/add_dog", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: CSRFCookie, Value: token})
	rec = httptest.NewRecorder()
	ds.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, "/fixtures/dogs", rec.Header().Get("Location"))
}

func TestSkipCSRFHook(t *testing.T) {
	p := hooks.NewPlugin("no-csrf", "1.0").On(hooks.SkipCSRF, returning(true))
	ds, _ := newTestApp(t, nil, p)

	form := url.Values{"name": {"Bingo"}, "age": {"1"}}
	req := httptest.NewRequest(http.MethodPost, "/fixtures/add_dog", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	ds.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestPluginRoutesAndErrors(t *testing.T) {
	var observed atomic.Value
	p := hooks.NewPlugin("routes", "1.0").
		On(hooks.RegisterRoutes, returning([]Route{
			{Pattern: "/-/hello/{name}", Handler: func(_ context.Context, _ *Datasette, req *web.Request) (*web.Response, error) {
				return web.Text("hello "+req.URLVar("name"), http.StatusOK), nil
			}},
			{Pattern: "/-/broken", Handler: func(context.Context, *Datasette, *web.Request) (*web.Response, error) {
				return nil, errors.New("database password is hunter2")
			}},
		})).
		On(hooks.HandleException, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
			v, _ := args.Get(hooks.ParamException)
			observed.Store(v.(error).Error())
			return hooks.None(), nil
		}, hooks.ParamException)
	ds, _ := newTestApp(t, nil, p)

	rec := get(t, ds, "/-/hello/world")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", readAll(t, rec.Body))

	rec = get(t, ds, "/-/broken")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.Equal(t, "database password is hunter2", observed.Load())
}

func TestDebugExposesErrorDetail(t *testing.T) {
	p := hooks.NewPlugin("routes", "1.0").On(hooks.RegisterRoutes, returning(Route{
		Pattern: "/-/broken",
		Handler: func(context.Context, *Datasette, *web.Request) (*web.Response, error) {
			return nil, errors.New("detail here")
		},
	}))
	ds, _ := newTestApp(t, nil, p)
	ds.debug = true

	rec := get(t, ds, "/-/broken")
	assert.Contains(t, rec.Body.String(), "detail here")
}

func TestClientErrorsHideDriverDetail(t *testing.T) {
	ds, _ := newTestApp(t, nil)
	req := web.NewRequest(httptest.NewRequest(http.MethodGet, "/fixtures.json", nil))
	qe := &database.QueryError{
		SQL: "SELECT secret FROM vault",
		Err: errors.New("unable to open database file /var/lib/gosette/vault.db\n\tat sqlite3_open_v2"),
	}

	rec := httptest.NewRecorder()
	ds.errorResponse(context.Background(), req, qe).Write(rec)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "unable to open database file vault.db", body["error"])
	assert.NotContains(t, rec.Body.String(), "/var/lib")
	assert.NotContains(t, rec.Body.String(), "SELECT secret")

	ds.debug = true
	rec = httptest.NewRecorder()
	ds.errorResponse(context.Background(), req, qe).Write(rec)
	assert.Contains(t, decode(t, rec)["error"], "/var/lib/gosette/vault.db")
	ds.debug = false

	rec = get(t, ds, "/fixtures.json?sql="+url.QueryEscape("SELECT nope FROM dogs"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "nope")
	assert.NotContains(t, rec.Body.String(), "SELECT nope")
}

func TestASGIWrapperWrapsEveryResponse(t *testing.T) {
	p := hooks.NewPlugin("wrapper", "1.0").On(hooks.ASGIWrapper, returning(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Wrapped", "yes")
			next.ServeHTTP(w, r)
		})
	}))
	ds, _ := newTestApp(t, nil, p)

	assert.Equal(t, "yes", get(t, ds, "/-/healthz").Header().Get("X-Wrapped"))
	assert.Equal(t, "yes", get(t, ds, "/missing/thing").Header().Get("X-Wrapped"))
}

func TestOutputRenderer(t *testing.T) {
	p := hooks.NewPlugin("csvish", "1.0").On(hooks.RegisterOutputRenderer, returning(OutputRenderer{
		Extension: "names",
		Render: func(_ context.Context, _ *Datasette, rc RenderContext) (*web.Response, error) {
			var names []string
			for _, row := range rc.Rows {
				names = append(names, row["name"].(string))
			}
			return web.Text(strings.Join(names, ","), http.StatusOK), nil
		},
		CanRender: func(rc RenderContext) bool {
			for _, c := range rc.Columns {
				if c == "name" {
					return true
				}
			}
			return false
		},
	}))
	ds, _ := newTestApp(t, nil, p)

	rec := get(t, ds, "/fixtures/dogs.names")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Cleo,Pancakes,Rex", readAll(t, rec.Body))
}

func TestPermissionsJSONNeedsDebugPermission(t *testing.T) {
	ds, _ := newTestApp(t, nil)
	assert.Equal(t, http.StatusForbidden, get(t, ds, "/-/permissions.json?action=view-table").Code)

	ds, _ = newTestApp(t, nil, allowPlugin(permissions.PermissionsDebug))
	rec := get(t, ds, "/-/permissions.json?action=view-table&parent=fixtures&child=dogs")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "allow", body["decision"].(map[string]any)["outcome"])

	assert.Equal(t, http.StatusBadRequest, get(t, ds, "/-/permissions.json").Code)
	assert.Equal(t, http.StatusNotFound, get(t, ds, "/-/permissions.json?action=fly").Code)
}

func TestMenuLinks(t *testing.T) {
	p := hooks.NewPlugin("menu", "1.0").On(hooks.MenuLinks, func(_ context.Context, args hooks.Args) (hooks.Result, error) {
		if hooks.Arg[web.Actor](args, hooks.ParamActor) == nil {
			return hooks.None(), nil
		}
		return hooks.Value([]Link{{Href: "/-/dashboard", Label: "Dashboard"}}), nil
	}, hooks.ParamActor)
	ds, _ := newTestApp(t, nil, p, actorPlugin(web.Actor{"id": "ada"}))

	body := decode(t, get(t, ds, "/-/menu.json"))
	links := body["links"].([]any)
	require.Len(t, links, 1)
	assert.Equal(t, "Dashboard", links[0].(map[string]any)["label"])
}

func TestLogoutClearsCookie(t *testing.T) {
	ds, _ := newTestApp(t, nil, actorPlugin(web.Actor{"id": "ada"}))

	rec := get(t, ds, "/-/logout")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), ActorCookie+"=")
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "Max-Age=0")
}

func TestBaseURLPrefixesRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.Settings.BaseURL = "/data/"
	ds, _ := newTestApp(t, cfg)

	assert.Equal(t, http.StatusOK, get(t, ds, "/data/-/healthz").Code)
	assert.Equal(t, http.StatusNotFound, get(t, ds, "/-/healthz").Code)

	req := web.NewRequest(httptest.NewRequest(http.MethodGet, "http://example.com/data/", nil))
	assert.Equal(t, "http://example.com/data/fixtures/dogs", ds.AbsoluteURL(req, "/fixtures/dogs"))
}
