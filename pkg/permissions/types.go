// Package permissions resolves whether an actor may perform an action on a
// resource. Decisions combine plugin hooks that answer directly with plugin
// SQL that returns rules for many resources at once.
package permissions

import (
	"context"
	"encoding/json"

	"github.com/gosette/gosette/pkg/web"
)

// Outcome is the result of a permission check.
type Outcome int

const (
	Undecided Outcome = iota
	Allow
	Deny
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "undecided"
	}
}

func (o Outcome) MarshalJSON() ([]byte, error) { return json.Marshal(o.String()) }

// Resource is the target of a check: global, a parent such as a database,
// or a child such as a table inside that database.
type Resource struct {
	Parent string `json:"parent,omitempty"`
	Child  string `json:"child,omitempty"`
}

// Global is the instance-wide resource.
func Global() Resource { return Resource{} }

// Database is a parent-only resource.
func Database(name string) Resource { return Resource{Parent: name} }

// Table is a child resource inside database.
func Table(database, table string) Resource { return Resource{Parent: database, Child: table} }

// IsGlobal reports whether r names no parent.
func (r Resource) IsGlobal() bool { return r.Parent == "" }

func (r Resource) String() string {
	switch {
	case r.Parent == "":
		return "global"
	case r.Child == "":
		return r.Parent
	default:
		return r.Parent + "/" + r.Child
	}
}

// Decision is the resolved outcome plus why it was reached.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	// Source is the plugin that decided, or "default".
	Source string `json:"source"`
}

// Allowed reports whether the decision grants access. Undecided is a deny.
func (d Decision) Allowed() bool { return d.Outcome == Allow }

// SQLFragment is a plugin-supplied query that returns permission rules.
// Each row must have the columns parent, child, allow and reason; a NULL
// parent makes a global rule and a NULL child a parent-level rule. The
// query runs read-only against the internal database with the named
// parameters @actor_id and @action plus everything in Params.
type SQLFragment struct {
	SQL    string
	Params map[string]any
	// Source is filled in with the contributing plugin's name.
	Source string
}

// Checker resolves permission decisions.
type Checker interface {
	Resolve(ctx context.Context, actor web.Actor, action string, resource Resource) (Decision, error)
	ResolveMany(ctx context.Context, actor web.Actor, action string, resources []Resource) ([]Decision, error)
}
