package permissions

import (
	"fmt"
	"sort"
	"sync"
)

// Action is something an actor can be permitted to do.
type Action struct {
	Name        string `json:"name"`
	Abbr        string `json:"abbr,omitempty"`
	Description string `json:"description"`
	TakesParent bool   `json:"takes_parent"`
	TakesChild  bool   `json:"takes_child"`
	// DefaultAllow is the outcome when no plugin has an opinion.
	DefaultAllow bool `json:"default_allow"`
}

// Built-in action names.
const (
	ViewInstance     = "view-instance"
	ViewDatabase     = "view-database"
	ViewTable        = "view-table"
	ViewQuery        = "view-query"
	ExecuteSQL       = "execute-sql"
	InsertRow        = "insert-row"
	DeleteRow        = "delete-row"
	UpdateRow        = "update-row"
	CreateTable      = "create-table"
	DropTable        = "drop-table"
	AlterTable       = "alter-table"
	PermissionsDebug = "permissions-debug"
	DebugMenu        = "debug-menu"
)

// BuiltinActions returns the actions the host always knows about.
func BuiltinActions() []Action {
	return []Action{
		{Name: ViewInstance, Abbr: "vi", Description: "View the instance", DefaultAllow: true},
		{Name: ViewDatabase, Abbr: "vd", Description: "View a database", TakesParent: true, DefaultAllow: true},
		{Name: ViewTable, Abbr: "vt", Description: "View a table", TakesParent: true, TakesChild: true, DefaultAllow: true},
		{Name: ViewQuery, Abbr: "vq", Description: "View a canned query", TakesParent: true, TakesChild: true, DefaultAllow: true},
		{Name: ExecuteSQL, Abbr: "es", Description: "Execute arbitrary read-only SQL", TakesParent: true, DefaultAllow: true},
		{Name: InsertRow, Abbr: "ir", Description: "Insert rows into a table", TakesParent: true, TakesChild: true},
		{Name: DeleteRow, Abbr: "dr", Description: "Delete rows from a table", TakesParent: true, TakesChild: true},
		{Name: UpdateRow, Abbr: "ur", Description: "Update rows in a table", TakesParent: true, TakesChild: true},
		{Name: CreateTable, Abbr: "ct", Description: "Create tables", TakesParent: true},
		{Name: DropTable, Abbr: "dt", Description: "Drop tables", TakesParent: true, TakesChild: true},
		{Name: AlterTable, Abbr: "at", Description: "Alter tables", TakesParent: true, TakesChild: true},
		{Name: PermissionsDebug, Abbr: "pd", Description: "Access the permissions debug tools"},
		{Name: DebugMenu, Abbr: "dm", Description: "View the debug menu items"},
	}
}

// Actions is the set of registered actions.
type Actions struct {
	mu       sync.RWMutex
	byName   map[string]Action
	defaults map[string]bool
}

// NewActions creates a set seeded with actions.
func NewActions(actions ...Action) *Actions {
	a := &Actions{byName: map[string]Action{}, defaults: map[string]bool{}}
	for _, act := range actions {
		a.byName[act.Name] = act
	}
	return a
}

// Register adds an action. Names must be unique.
func (a *Actions) Register(act Action) error {
	if act.Name == "" {
		return fmt.Errorf("action name is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byName[act.Name]; ok {
		return fmt.Errorf("action %q already registered", act.Name)
	}
	a.byName[act.Name] = act
	return nil
}

// SetDefaults overrides the default outcome of actions by name. It replaces
// any earlier overrides.
func (a *Actions) SetDefaults(defaults map[string]bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.defaults = make(map[string]bool, len(defaults))
	for k, v := range defaults {
		a.defaults[k] = v
	}
}

// Get returns the named action with configured defaults applied.
func (a *Actions) Get(name string) (Action, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	act, ok := a.byName[name]
	if !ok {
		return Action{}, false
	}
	if v, set := a.defaults[name]; set {
		act.DefaultAllow = v
	}
	return act, true
}

// All returns every action sorted by name.
func (a *Actions) All() []Action {
	a.mu.RLock()
	names := make([]string, 0, len(a.byName))
	for n := range a.byName {
		names = append(names, n)
	}
	a.mu.RUnlock()
	sort.Strings(names)

	out := make([]Action, 0, len(names))
	for _, n := range names {
		act, _ := a.Get(n)
		out = append(out, act)
	}
	return out
}
