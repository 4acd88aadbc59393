package app

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gosette/gosette/pkg/events"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/web"
)

// TrackEvent queues an event for the track_event hook. It never blocks and
// never fails the caller.
func (ds *Datasette) TrackEvent(name string, actor web.Actor, properties map[string]any) {
	ds.tracker.Track(events.New(name, actor, properties))
}

// EventTypes lists built-in and plugin-registered event types.
func (ds *Datasette) EventTypes() []events.Type {
	return append([]events.Type(nil), ds.eventTypes...)
}

func (ds *Datasette) deliverEvent(ctx context.Context, e events.Event) error {
	return ds.dispatcher.Fire(ctx, hooks.TrackEvent, hooks.Values{
		hooks.ParamDatasette: ds,
		hooks.ParamEvent:     hooks.PerCall(func() any { return e.Clone() }),
	})
}

func (ds *Datasette) collectEventTypes(ctx context.Context) []events.Type {
	out := events.BuiltinTypes()
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, t := range out {
		seen.Add(t.Name)
	}
	results, err := hooks.Collect[any](ctx, ds.dispatcher, hooks.RegisterEvents, hooks.Values{hooks.ParamDatasette: ds})
	if err != nil {
		ds.logger.Warn("register_events failed", "error", err)
	}
	for _, c := range results {
		var types []events.Type
		switch v := c.Value.(type) {
		case events.Type:
			types = []events.Type{v}
		case []events.Type:
			types = v
		case string:
			types = []events.Type{{Name: v}}
		case []string:
			for _, name := range v {
				types = append(types, events.Type{Name: name})
			}
		default:
			ds.logger.Warn("ignoring register_events result", "plugin", c.Plugin, "type", fmt.Sprintf("%T", v))
			continue
		}
		for _, t := range types {
			if t.Name == "" || !seen.Add(t.Name) {
				ds.logger.Warn("duplicate or empty event type", "plugin", c.Plugin, "event", t.Name)
				continue
			}
			out = append(out, t)
		}
	}
	return out
}
