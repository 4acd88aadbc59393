// Package hooks provides the plugin hook registry and dispatcher.
//
// Plugins register implementations of named hooks. Each hook declares the
// parameter names it can supply and the policy used to combine the results of
// every implementation. Implementations ask for a subset of those parameters;
// the dispatcher looks them up by name in the values it was given and never
// binds arguments by reflection.
package hooks

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Param names a value a hook can hand to its implementations.
type Param string

// The parameter vocabulary.
const (
	ParamDatasette Param = "datasette"
	ParamRequest   Param = "request"
	ParamDatabase  Param = "database"
	ParamTable     Param = "table"
	ParamColumns   Param = "columns"
	ParamViewName  Param = "view_name"
	ParamActor     Param = "actor"
	ParamScope     Param = "scope"
	ParamSend      Param = "send"
	ParamReceive   Param = "receive"
	ParamConn      Param = "conn"
	ParamEnv       Param = "env"
	ParamException Param = "exception"
	ParamMessage   Param = "message"
	ParamEvent     Param = "event"
	ParamQueryName Param = "query_name"
	ParamSQL       Param = "sql"
	ParamParams    Param = "params"
	ParamRows      Param = "rows"
	ParamError     Param = "error"
	ParamTruncated Param = "truncated"
	ParamTemplate  Param = "template"
	ParamValue     Param = "value"
	ParamColumn    Param = "column"
	ParamRow       Param = "row"
	ParamAction    Param = "action"
	ParamResource  Param = "resource"
	ParamActorIDs  Param = "actor_ids"
	ParamPKs       Param = "pks"
)

// Vocabulary is every parameter name a hook may declare.
var Vocabulary = mapset.NewThreadUnsafeSet(
	ParamDatasette, ParamRequest, ParamDatabase, ParamTable, ParamColumns,
	ParamViewName, ParamActor, ParamScope, ParamSend, ParamReceive, ParamConn,
	ParamEnv, ParamException, ParamMessage, ParamEvent, ParamQueryName,
	ParamSQL, ParamParams, ParamRows, ParamError, ParamTruncated,
	ParamTemplate, ParamValue, ParamColumn, ParamRow, ParamAction,
	ParamResource, ParamActorIDs, ParamPKs,
)

// Policy is the rule used to combine the results of one dispatch.
type Policy int

const (
	// FirstNonNone stops at the first implementation returning a value.
	FirstNonNone Policy = iota
	// ConcatLists flattens every list result in registration order.
	ConcatLists
	// MergeDicts shallow-merges map results, later plugins winning.
	MergeDicts
	// IdentityChain feeds each stage the value wrapped by the previous one.
	IdentityChain
	// CollectAll gathers every present result unchanged.
	CollectAll
)

func (p Policy) String() string {
	switch p {
	case FirstNonNone:
		return "first-non-none"
	case ConcatLists:
		return "concatenate-lists"
	case MergeDicts:
		return "merge-dicts"
	case IdentityChain:
		return "identity-chain"
	case CollectAll:
		return "collect-all"
	default:
		return "unknown"
	}
}

// Spec describes a hook.
type Spec struct {
	Name   string
	Params mapset.Set[Param]
	Policy Policy
	// FireAndForget marks side-effect hooks whose dispatch must not fail
	// or block the caller.
	FireAndForget bool
}

// Hook names.
const (
	PrepareConnection      = "prepare_connection"
	Startup                = "startup"
	ExtraTemplateVars      = "extra_template_vars"
	ExtraCSSURLs           = "extra_css_urls"
	ExtraJSURLs            = "extra_js_urls"
	ExtraBodyScript        = "extra_body_script"
	RenderCell             = "render_cell"
	RegisterOutputRenderer = "register_output_renderer"
	RegisterRoutes         = "register_routes"
	RegisterCommands       = "register_commands"
	ActorFromRequest       = "actor_from_request"
	ActorsFromIDs          = "actors_from_ids"
	PermissionAllowed      = "permission_allowed"
	PermissionResourcesSQL = "permission_resources_sql"
	RegisterActions        = "register_actions"
	CannedQueries          = "canned_queries"
	ASGIWrapper            = "asgi_wrapper"
	Forbidden              = "forbidden"
	HandleException        = "handle_exception"
	MenuLinks              = "menu_links"
	TableActions           = "table_actions"
	ViewActions            = "view_actions"
	RowActions             = "row_actions"
	DatabaseActions        = "database_actions"
	QueryActions           = "query_actions"
	SkipCSRF               = "skip_csrf"
	TrackEvent             = "track_event"
	RegisterEvents         = "register_events"
)

var pageParams = []Param{ParamTemplate, ParamDatabase, ParamTable, ParamColumns, ParamViewName, ParamRequest, ParamDatasette}

var specs = map[string]Spec{}

func define(name string, policy Policy, params ...Param) {
	specs[name] = Spec{Name: name, Policy: policy, Params: mapset.NewThreadUnsafeSet(params...)}
}

func init() {
	define(PrepareConnection, CollectAll, ParamConn, ParamDatabase, ParamDatasette)
	define(Startup, CollectAll, ParamDatasette)
	define(ExtraTemplateVars, MergeDicts, pageParams...)
	define(ExtraCSSURLs, ConcatLists, pageParams...)
	define(ExtraJSURLs, ConcatLists, pageParams...)
	define(ExtraBodyScript, ConcatLists, pageParams...)
	define(RenderCell, FirstNonNone, ParamRow, ParamValue, ParamColumn, ParamTable, ParamDatabase, ParamDatasette, ParamRequest)
	define(RegisterOutputRenderer, CollectAll, ParamDatasette)
	define(RegisterRoutes, CollectAll, ParamDatasette)
	define(RegisterCommands, CollectAll)
	define(ActorFromRequest, FirstNonNone, ParamDatasette, ParamRequest)
	define(ActorsFromIDs, FirstNonNone, ParamDatasette, ParamActorIDs)
	define(PermissionAllowed, FirstNonNone, ParamDatasette, ParamActor, ParamAction, ParamResource)
	define(PermissionResourcesSQL, CollectAll, ParamDatasette, ParamActor, ParamAction)
	define(RegisterActions, CollectAll, ParamDatasette)
	define(CannedQueries, MergeDicts, ParamDatasette, ParamDatabase, ParamActor)
	define(ASGIWrapper, IdentityChain, ParamDatasette)
	define(Forbidden, FirstNonNone, ParamDatasette, ParamRequest, ParamMessage)
	define(HandleException, CollectAll, ParamDatasette, ParamRequest, ParamException)
	define(MenuLinks, ConcatLists, ParamDatasette, ParamActor, ParamRequest)
	define(TableActions, ConcatLists, ParamDatasette, ParamActor, ParamDatabase, ParamTable, ParamRequest)
	define(ViewActions, ConcatLists, ParamDatasette, ParamActor, ParamDatabase, ParamTable, ParamRequest)
	define(RowActions, ConcatLists, ParamDatasette, ParamActor, ParamDatabase, ParamTable, ParamRow, ParamPKs, ParamRequest)
	define(DatabaseActions, ConcatLists, ParamDatasette, ParamActor, ParamDatabase, ParamRequest)
	define(QueryActions, ConcatLists, ParamDatasette, ParamActor, ParamDatabase, ParamQueryName, ParamRequest, ParamSQL, ParamParams)
	define(SkipCSRF, FirstNonNone, ParamDatasette, ParamScope)
	define(TrackEvent, CollectAll, ParamDatasette, ParamEvent)
	define(RegisterEvents, CollectAll, ParamDatasette)

	te := specs[TrackEvent]
	te.FireAndForget = true
	specs[TrackEvent] = te

	for _, s := range specs {
		if !s.Params.IsSubset(Vocabulary) {
			panic("hooks: " + s.Name + " declares parameters outside the vocabulary")
		}
	}
}

// Lookup returns the spec for a hook name.
func Lookup(name string) (Spec, bool) {
	s, ok := specs[name]
	return s, ok
}

// Names returns all known hook names, sorted.
func Names() []string {
	out := make([]string, 0, len(specs))
	for name := range specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
