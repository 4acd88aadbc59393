package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gosette/gosette/pkg/database"
	"github.com/gosette/gosette/pkg/errs"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/permissions"
	"github.com/gosette/gosette/pkg/web"
)

var methodNotAllowed = web.MustJSON(errorBody{
	Error:  "method not allowed",
	Status: http.StatusMethodNotAllowed,
	Title:  "Method not allowed",
}, http.StatusMethodNotAllowed)

// splitExt splits "name.ext" when ext is one of known.
func splitExt(raw string, known func(ext string) bool) (name, ext string) {
	i := strings.LastIndexByte(raw, '.')
	if i <= 0 || !known(raw[i+1:]) {
		return raw, "json"
	}
	return raw[:i], raw[i+1:]
}

type tableInfo struct {
	Name   string `json:"name"`
	Count  *int64 `json:"count,omitempty"`
	Hidden bool   `json:"hidden"`
}

type queryInfo struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Write       bool   `json:"write"`
}

func databaseHandler(ctx context.Context, ds *Datasette, req *web.Request) (*web.Response, error) {
	name, _ := splitExt(req.URLVar("database"), func(ext string) bool { return ext == "json" })
	db, err := ds.Database(name)
	if err != nil {
		return nil, err
	}
	actor := req.Actor()
	if err := ds.EnsureVisible(ctx, actor, name, ""); err != nil {
		return nil, err
	}
	if sql := req.Get("sql", ""); sql != "" {
		return ds.adHocQuery(ctx, req, db, sql)
	}

	tables, err := db.TableNames(ctx)
	if err != nil {
		return nil, err
	}
	views, err := db.ViewNames(ctx)
	if err != nil {
		return nil, err
	}
	hidden := mapset.NewThreadUnsafeSet[string]()
	if names, err := db.HiddenTableNames(ctx); err == nil {
		hidden.Append(names...)
	}
	for t, tc := range ds.Config().Databases[name].Tables {
		if tc.Hidden {
			hidden.Add(t)
		}
	}
	counts, err := db.TableCounts(ctx)
	if err != nil {
		ds.logger.Warn("table counts failed", "database", name, "error", err)
	}

	visibleTables, err := ds.visibleChildren(ctx, actor, permissions.ViewTable, name, tables)
	if err != nil {
		return nil, err
	}
	visibleViews, err := ds.visibleChildren(ctx, actor, permissions.ViewTable, name, views)
	if err != nil {
		return nil, err
	}
	tableList := make([]tableInfo, 0, len(visibleTables))
	for _, t := range visibleTables {
		info := tableInfo{Name: t, Hidden: hidden.Contains(t)}
		if n, ok := counts[t]; ok {
			info.Count = &n
		}
		tableList = append(tableList, info)
	}

	queries, err := ds.CannedQueries(ctx, name, actor)
	if err != nil {
		ds.logger.Warn("canned_queries failed", "database", name, "error", err)
	}
	queryNames, err := ds.visibleChildren(ctx, actor, permissions.ViewQuery, name, sortedQueryNames(queries))
	if err != nil {
		return nil, err
	}
	queryList := make([]queryInfo, 0, len(queryNames))
	for _, qn := range queryNames {
		q := queries[qn]
		queryList = append(queryList, queryInfo{Name: qn, Title: q.Title, Description: q.Description, Write: q.Write})
	}

	actions, err := ds.DatabaseActions(ctx, actor, req, name)
	if err != nil {
		ds.logger.Warn("database_actions failed", "database", name, "error", err)
	}
	body := map[string]any{
		"ok":         true,
		"database":   name,
		"is_mutable": db.IsMutable(),
		"tables":     tableList,
		"views":      visibleViews,
		"queries":    queryList,
		"actions":    nonNilLinks(actions),
	}
	if extras := ds.pageExtras(ctx, PageContext{Template: "database.html", Database: name, Request: req}); extras != nil {
		body["extras"] = extras
	}
	return web.JSON(body, http.StatusOK)
}

// visibleChildren filters names within db down to those actor may perform
// action on, preserving order.
func (ds *Datasette) visibleChildren(ctx context.Context, actor web.Actor, action, db string, names []string) ([]string, error) {
	resources := make([]permissions.Resource, len(names))
	for i, n := range names {
		resources[i] = permissions.Table(db, n)
	}
	allowed, err := ds.AllowedMany(ctx, actor, action, resources)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for i, n := range names {
		if allowed[i] {
			out = append(out, n)
		}
	}
	return out, nil
}

func (ds *Datasette) adHocQuery(ctx context.Context, req *web.Request, db *database.Database, sql string) (*web.Response, error) {
	actor := req.Actor()
	if err := ds.EnsurePermission(ctx, actor, permissions.ExecuteSQL, permissions.Database(db.Name())); err != nil {
		return nil, err
	}
	params, err := queryParams(req, NamedParams(sql), false)
	if err != nil {
		return nil, err
	}
	res, err := db.Query(ctx, bindNamed(sql), paramArgs(params)...)
	if err != nil {
		return nil, err
	}
	actions, err := ds.QueryActions(ctx, actor, req, db.Name(), "", sql, params)
	if err != nil {
		ds.logger.Warn("query_actions failed", "database", db.Name(), "error", err)
	}
	return web.JSON(map[string]any{
		"ok":        true,
		"database":  db.Name(),
		"sql":       sql,
		"params":    params,
		"columns":   res.Columns,
		"rows":      res.Dicts(),
		"truncated": res.Truncated,
		"actions":   nonNilLinks(actions),
	}, http.StatusOK)
}

func paramArgs(params map[string]any) []any {
	if len(params) == 0 {
		return nil
	}
	return []any{params}
}

func tableOrQueryHandler(ctx context.Context, ds *Datasette, req *web.Request) (*web.Response, error) {
	dbName := req.URLVar("database")
	db, err := ds.Database(dbName)
	if err != nil {
		return nil, err
	}
	renderers := ds.OutputRenderers(ctx)
	name, ext := splitExt(req.URLVar("name"), func(ext string) bool {
		_, ok := renderers[ext]
		return ok || ext == "json"
	})
	actor := req.Actor()

	q, isQuery, err := ds.CannedQuery(ctx, dbName, name, actor)
	if err != nil {
		ds.logger.Warn("canned_queries failed", "database", dbName, "error", err)
	}
	if isQuery {
		return ds.cannedQuery(ctx, req, db, q, renderers[ext])
	}
	if req.Method() != http.MethodGet {
		return methodNotAllowed, nil
	}
	return ds.tableRows(ctx, req, db, name, renderers[ext])
}

func (ds *Datasette) pageSize(req *web.Request) (int, error) {
	s := ds.Settings()
	raw := req.Get("_size", "")
	switch raw {
	case "":
		return s.DefaultPageSize, nil
	case "max":
		if s.MaxReturnedRows > 0 {
			return s.MaxReturnedRows, nil
		}
		return s.DefaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errs.Invalid("_size", "must be a positive integer or max")
	}
	if s.MaxReturnedRows > 0 && n > s.MaxReturnedRows {
		return 0, errs.Invalid("_size", "must be at most %d", s.MaxReturnedRows)
	}
	return n, nil
}

func (ds *Datasette) tableRows(ctx context.Context, req *web.Request, db *database.Database, table string, renderer OutputRenderer) (*web.Response, error) {
	actor := req.Actor()
	if err := ds.EnsureVisible(ctx, actor, db.Name(), table); err != nil {
		return nil, err
	}
	views, err := db.ViewNames(ctx)
	if err != nil {
		return nil, err
	}
	isView := false
	for _, v := range views {
		if v == table {
			isView = true
		}
	}
	if !isView && !db.TableExists(ctx, table) {
		return nil, errs.NotFound("table %s", table)
	}
	size, err := ds.pageSize(req)
	if err != nil {
		return nil, err
	}
	offset := 0
	if next := req.Get("_next", ""); next != "" {
		if offset, err = strconv.Atoi(next); err != nil || offset < 0 {
			return nil, errs.Invalid("_next", "must be a non-negative integer")
		}
	}

	res, err := db.Execute(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d OFFSET %d", db.Quote(table), size+1, offset))
	if err != nil {
		return nil, err
	}
	rows := res.Dicts()
	var next any
	if len(rows) > 0 && (len(rows) > size || res.Truncated) {
		if len(rows) > size {
			rows = rows[:size]
		}
		next = strconv.Itoa(offset + len(rows))
	}

	if renderer.Render != nil {
		rc := RenderContext{Database: db.Name(), Table: table, Columns: res.Columns, Rows: rows, Truncated: next != nil, Request: req}
		if renderer.CanRender != nil && !renderer.CanRender(rc) {
			return nil, errs.NotFound("%s output for %s", renderer.Extension, table)
		}
		return renderer.Render(ctx, ds, rc)
	}

	rendered, err := ds.renderRows(ctx, req, db.Name(), table, res.Columns, rows)
	if err != nil {
		return nil, err
	}
	pks, err := db.PrimaryKeys(ctx, table)
	if err != nil {
		ds.logger.Warn("primary keys lookup failed", "table", table, "error", err)
	}
	count, err := db.TableCount(ctx, table)
	if err != nil {
		return nil, err
	}
	actions, err := ds.TableActions(ctx, actor, req, db.Name(), table, isView)
	if err != nil {
		ds.logger.Warn("table_actions failed", "table", table, "error", err)
	}
	rowActions := ds.rowActions(ctx, actor, req, db.Name(), table, rows, pks)
	template := "table.html"
	if isView {
		template = "view.html"
	}
	extras := ds.pageExtras(ctx, PageContext{Template: template, Database: db.Name(), Table: table, Columns: res.Columns, Request: req})

	body := map[string]any{
		"ok":           true,
		"database":     db.Name(),
		"table":        table,
		"is_view":      isView,
		"columns":      res.Columns,
		"primary_keys": pks,
		"rows":         rows,
		"count":        count,
		"next":         next,
		"actions":      nonNilLinks(actions),
	}
	if rendered != nil {
		body["rendered"] = rendered
	}
	if rowActions != nil {
		body["row_actions"] = rowActions
	}
	if extras != nil {
		body["extras"] = extras
	}
	return web.JSON(body, http.StatusOK)
}

// rowActions runs row_actions for every row. It is nil when no plugin
// implements the hook.
func (ds *Datasette) rowActions(ctx context.Context, actor web.Actor, req *web.Request, db, table string, rows []map[string]any, pks []string) [][]Link {
	if !ds.registry.Implements(hooks.RowActions) {
		return nil
	}
	out := make([][]Link, len(rows))
	for i, row := range rows {
		links, err := ds.RowActions(ctx, actor, req, db, table, row, pks)
		if err != nil {
			ds.logger.Warn("row_actions failed", "table", table, "error", err)
		}
		out[i] = nonNilLinks(links)
	}
	return out
}

// renderRows runs render_cell over every cell. The result has one map per
// row holding only the cells a plugin rendered; it is nil when no plugin
// rendered anything.
func (ds *Datasette) renderRows(ctx context.Context, req *web.Request, db, table string, columns []string, rows []map[string]any) ([]map[string]any, error) {
	if !ds.registry.Implements(hooks.RenderCell) {
		return nil, nil
	}
	out := make([]map[string]any, len(rows))
	anyRendered := false
	for i, row := range rows {
		out[i] = map[string]any{}
		for _, col := range columns {
			v, found, err := ds.RenderCell(ctx, req, db, table, col, row, row[col])
			if err != nil {
				return nil, err
			}
			if found {
				out[i][col] = v
				anyRendered = true
			}
		}
	}
	if !anyRendered {
		return nil, nil
	}
	return out, nil
}

func (ds *Datasette) cannedQuery(ctx context.Context, req *web.Request, db *database.Database, q CannedQuery, renderer OutputRenderer) (*web.Response, error) {
	actor := req.Actor()
	if err := ds.ensureAll(ctx, actor,
		permissionCheck{permissions.ViewInstance, permissions.Global()},
		permissionCheck{permissions.ViewDatabase, permissions.Database(db.Name())},
		permissionCheck{permissions.ViewQuery, permissions.Table(db.Name(), q.Name)},
	); err != nil {
		return nil, err
	}
	names := q.Params
	if len(names) == 0 {
		names = NamedParams(q.SQL)
	}
	if q.Write {
		return ds.cannedWrite(ctx, req, db, q, names)
	}
	if req.Method() != http.MethodGet {
		return methodNotAllowed, nil
	}

	params, err := queryParams(req, names, false)
	if err != nil {
		return nil, err
	}
	res, err := db.Query(ctx, bindNamed(q.SQL), paramArgs(params)...)
	if err != nil {
		return nil, err
	}
	rows := res.Dicts()
	if renderer.Render != nil {
		rc := RenderContext{Database: db.Name(), QueryName: q.Name, SQL: q.SQL, Columns: res.Columns, Rows: rows, Truncated: res.Truncated, Request: req}
		if renderer.CanRender != nil && !renderer.CanRender(rc) {
			return nil, errs.NotFound("%s output for %s", renderer.Extension, q.Name)
		}
		return renderer.Render(ctx, ds, rc)
	}
	actions, err := ds.QueryActions(ctx, actor, req, db.Name(), q.Name, q.SQL, params)
	if err != nil {
		ds.logger.Warn("query_actions failed", "query", q.Name, "error", err)
	}
	return web.JSON(map[string]any{
		"ok":         true,
		"database":   db.Name(),
		"query_name": q.Name,
		"title":      q.Title,
		"sql":        q.SQL,
		"params":     params,
		"columns":    res.Columns,
		"rows":       rows,
		"truncated":  res.Truncated,
		"actions":    nonNilLinks(actions),
	}, http.StatusOK)
}

// cannedWrite describes a write query on GET and executes it on POST. Form
// posts follow the configured redirects; JSON posts always get JSON back.
func (ds *Datasette) cannedWrite(ctx context.Context, req *web.Request, db *database.Database, q CannedQuery, names []string) (*web.Response, error) {
	if req.Method() == http.MethodGet {
		return web.JSON(map[string]any{
			"ok":         true,
			"database":   db.Name(),
			"query_name": q.Name,
			"title":      q.Title,
			"sql":        q.SQL,
			"params":     names,
			"write":      true,
		}, http.StatusOK)
	}
	if req.Method() != http.MethodPost {
		return methodNotAllowed, nil
	}
	isJSON := strings.HasPrefix(req.Header("Content-Type"), "application/json")
	params, err := queryParams(req, names, true)
	if err != nil {
		return nil, err
	}

	wr, err := db.ExecuteWrite(ctx, bindNamed(q.SQL), paramArgs(params)...)
	if err != nil {
		if errors.Is(err, database.ErrImmutable) {
			return nil, err
		}
		return writeOutcome(isJSON, false, messageOr(q.OnErrorMessage, ds.publicMessage(err)), q.OnErrorRedirect, nil)
	}
	msg := fmt.Sprintf("Query executed, %d row%s affected", wr.RowsAffected, plural(wr.RowsAffected))
	return writeOutcome(isJSON, true, messageOr(q.OnSuccessMessage, msg), q.OnSuccessRedirect, &wr)
}

func writeOutcome(isJSON, ok bool, message, redirect string, wr *database.WriteResult) (*web.Response, error) {
	if !isJSON && redirect != "" {
		return web.Redirect(redirect, false), nil
	}
	body := map[string]any{"ok": ok, "message": message}
	if redirect != "" {
		body["redirect"] = redirect
	}
	status := http.StatusOK
	if wr != nil {
		body["rows_affected"] = wr.RowsAffected
		if wr.LastInsertID != 0 {
			body["last_insert_id"] = wr.LastInsertID
		}
	}
	if !ok {
		status = http.StatusBadRequest
	}
	return web.JSON(body, status)
}

func messageOr(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

func plural(n int64) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func nonNilLinks(links []Link) []Link {
	if links == nil {
		return []Link{}
	}
	return links
}
