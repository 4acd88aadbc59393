// Package events carries tracked events from the code that raises them to
// the track_event hook without making the raiser wait.
package events

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/gosette/gosette/pkg/web"
)

// Built-in event names.
const (
	Login       = "login"
	Logout      = "logout"
	CreateTable = "create-table"
	AlterTable  = "alter-table"
	DropTable   = "drop-table"
	InsertRows  = "insert-rows"
	UpsertRows  = "upsert-rows"
	UpdateRow   = "update-row"
	DeleteRow   = "delete-row"
)

// Type describes an event name plugins may raise.
type Type struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// BuiltinTypes lists the event types the host raises itself.
func BuiltinTypes() []Type {
	return []Type{
		{Login, "An actor logged in"},
		{Logout, "An actor logged out"},
		{CreateTable, "A table was created"},
		{AlterTable, "A table was altered"},
		{DropTable, "A table was dropped"},
		{InsertRows, "Rows were inserted into a table"},
		{UpsertRows, "Rows were upserted into a table"},
		{UpdateRow, "A row was updated"},
		{DeleteRow, "A row was deleted"},
	}
}

// Event is an immutable record of something that happened.
type Event struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Actor      web.Actor      `json:"actor"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
}

// New creates an event with a fresh ID. properties is copied.
func New(name string, actor web.Actor, properties map[string]any) Event {
	props := map[string]any{}
	maps.Copy(props, properties)
	return Event{
		ID:         uuid.NewString(),
		Name:       name,
		Actor:      maps.Clone(actor),
		Properties: props,
		CreatedAt:  time.Now().UTC(),
	}
}

// Clone returns a copy of e whose actor and properties share no maps or
// slices with e.
func (e Event) Clone() Event {
	out := e
	if e.Actor != nil {
		out.Actor = deepCopy(map[string]any(e.Actor)).(map[string]any)
	}
	if e.Properties != nil {
		out.Properties = deepCopy(e.Properties).(map[string]any)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, item := range t {
			m[k] = deepCopy(item)
		}
		return m
	case web.Actor:
		return web.Actor(deepCopy(map[string]any(t)).(map[string]any))
	case []any:
		s := make([]any, len(t))
		for i, item := range t {
			s[i] = deepCopy(item)
		}
		return s
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}

// Get returns a property value.
func (e Event) Get(key string) any { return e.Properties[key] }
