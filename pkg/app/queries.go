package app

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gosette/gosette/pkg/config"
	"github.com/gosette/gosette/pkg/errs"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/web"
)

// CannedQuery is a named query served at /{db}/{name}.
type CannedQuery struct {
	Name string `json:"name"`
	config.QueryConfig
}

// CannedQueries returns the configured queries for a database merged with
// those from the canned_queries hook. Plugin entries override configured
// ones of the same name. Values may be a SQL string, a config.QueryConfig
// or a map with the same keys.
func (ds *Datasette) CannedQueries(ctx context.Context, db string, actor web.Actor) (map[string]CannedQuery, error) {
	out := map[string]CannedQuery{}
	for name, q := range ds.Config().Databases[db].Queries {
		out[name] = CannedQuery{Name: name, QueryConfig: q}
	}
	merged, err := hooks.Merge[any](ctx, ds.dispatcher, hooks.CannedQueries, hooks.Values{
		hooks.ParamDatasette: ds,
		hooks.ParamDatabase:  db,
		hooks.ParamActor:     actor,
	})
	for name, v := range merged {
		q, ok := toQueryConfig(v)
		if !ok {
			ds.logger.Warn("ignoring canned query", "database", db, "query", name, "type", fmt.Sprintf("%T", v))
			continue
		}
		out[name] = CannedQuery{Name: name, QueryConfig: q}
	}
	return out, err
}

// CannedQuery returns one canned query.
func (ds *Datasette) CannedQuery(ctx context.Context, db, name string, actor web.Actor) (CannedQuery, bool, error) {
	all, err := ds.CannedQueries(ctx, db, actor)
	q, ok := all[name]
	return q, ok, err
}

func toQueryConfig(v any) (config.QueryConfig, bool) {
	switch x := v.(type) {
	case string:
		return config.QueryConfig{SQL: x}, true
	case config.QueryConfig:
		return x, true
	case CannedQuery:
		return x.QueryConfig, true
	case map[string]any:
		q := config.QueryConfig{}
		q.SQL, _ = x["sql"].(string)
		q.Title, _ = x["title"].(string)
		q.Description, _ = x["description"].(string)
		q.Write, _ = x["write"].(bool)
		q.Allow = x["allow"]
		q.OnSuccessMessage, _ = x["on_success_message"].(string)
		q.OnSuccessRedirect, _ = x["on_success_redirect"].(string)
		q.OnErrorMessage, _ = x["on_error_message"].(string)
		q.OnErrorRedirect, _ = x["on_error_redirect"].(string)
		switch p := x["params"].(type) {
		case []string:
			q.Params = p
		case []any:
			for _, s := range p {
				if str, ok := s.(string); ok {
					q.Params = append(q.Params, str)
				}
			}
		}
		return q, q.SQL != ""
	default:
		return config.QueryConfig{}, false
	}
}

// namedParam matches :name placeholders, skipping "::" casts.
var namedParam = regexp.MustCompile(`(^|[^:\w]):([A-Za-z_][A-Za-z0-9_]*)`)

// NamedParams lists the :name placeholders in sql, in order of first use.
func NamedParams(sql string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range namedParam.FindAllStringSubmatch(stripQuoted(sql), -1) {
		if !seen[m[2]] {
			seen[m[2]] = true
			out = append(out, m[2])
		}
	}
	return out
}

// bindNamed rewrites :name placeholders to the @name form the database
// layer binds from a map.
func bindNamed(sql string) string {
	var b strings.Builder
	quote := byte(0)
	start := 0
	flush := func(end int) {
		b.WriteString(namedParam.ReplaceAllString(sql[start:end], "$1@$2"))
		start = end
	}
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
				b.WriteString(sql[start : i+1])
				start = i + 1
			}
		case c == '\'' || c == '"':
			flush(i)
			quote = c
		}
	}
	if quote != 0 {
		b.WriteString(sql[start:])
		return b.String()
	}
	flush(len(sql))
	return b.String()
}

func stripQuoted(sql string) string {
	var b strings.Builder
	quote := byte(0)
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			b.WriteByte(' ')
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// queryParams collects values for the named parameters of sql from the
// request: the query string for reads, the form or JSON body for writes.
func queryParams(req *web.Request, names []string, fromBody bool) (map[string]any, error) {
	out := make(map[string]any, len(names))
	if !fromBody {
		for _, n := range names {
			out[n] = req.Get(n, "")
		}
		return out, nil
	}
	if strings.HasPrefix(req.Header("Content-Type"), "application/json") {
		var body map[string]any
		if err := req.JSON(&body); err != nil {
			if errors.Is(err, web.ErrBodyTooLarge) {
				return nil, err
			}
			return nil, errs.Invalid("body", "invalid JSON body")
		}
		for _, n := range names {
			out[n] = body[n]
		}
		return out, nil
	}
	form, err := req.PostVars()
	if err != nil {
		if errors.Is(err, web.ErrBodyTooLarge) {
			return nil, err
		}
		return nil, errs.Invalid("body", "invalid form body")
	}
	for _, n := range names {
		out[n] = form.Get(n)
	}
	return out, nil
}

func sortedQueryNames(qs map[string]CannedQuery) []string {
	out := make([]string, 0, len(qs))
	for n := range qs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
