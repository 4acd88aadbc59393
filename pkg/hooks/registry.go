package hooks

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gosette/gosette/pkg/errs"
)

// snapshot is an immutable view of the registry. Dispatch loads one snapshot
// and works from it for its whole duration.
type snapshot struct {
	generation uint64
	plugins    []*Plugin
	byHook     map[string][]Impl
}

// Registry holds registered plugins in registration order.
// Mutations build a new snapshot under a lock and publish it atomically, so
// dispatches already in flight keep the implementation set they started with.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// PluginInfo describes a registered plugin.
type PluginInfo struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Hooks       []string `json:"hooks"`
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{byHook: map[string][]Impl{}})
	return r
}

func (r *Registry) load() *snapshot {
	return r.snap.Load()
}

// Register adds a plugin after validating its implementations. Plugin names
// are unique.
func (r *Registry) Register(p *Plugin) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	for _, existing := range cur.plugins {
		if existing.Name == p.Name {
			return errs.Invalid("plugin", "%q is already registered", p.Name)
		}
	}

	plugins := make([]*Plugin, 0, len(cur.plugins)+1)
	plugins = append(plugins, cur.plugins...)
	plugins = append(plugins, p)
	r.snap.Store(build(cur.generation+1, plugins))
	return nil
}

// Unregister removes a plugin and every implementation it contributed.
// It reports whether the plugin was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	plugins := make([]*Plugin, 0, len(cur.plugins))
	found := false
	for _, p := range cur.plugins {
		if p.Name == name {
			found = true
			continue
		}
		plugins = append(plugins, p)
	}
	if !found {
		return false
	}
	r.snap.Store(build(cur.generation+1, plugins))
	return true
}

func build(generation uint64, plugins []*Plugin) *snapshot {
	byHook := make(map[string][]Impl)
	for _, p := range plugins {
		for _, im := range p.impls {
			byHook[im.Hook] = append(byHook[im.Hook], im)
		}
	}
	return &snapshot{generation: generation, plugins: plugins, byHook: byHook}
}

// Get returns a registered plugin by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	for _, p := range r.load().plugins {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Plugins describes every registered plugin in registration order.
func (r *Registry) Plugins() []PluginInfo {
	cur := r.load()
	out := make([]PluginInfo, 0, len(cur.plugins))
	for _, p := range cur.plugins {
		out = append(out, PluginInfo{
			Name:        p.Name,
			Version:     p.Version,
			Description: p.Description,
			Hooks:       p.Hooks(),
		})
	}
	return out
}

// Names returns the registered plugin names in registration order.
func (r *Registry) Names() []string {
	cur := r.load()
	out := make([]string, 0, len(cur.plugins))
	for _, p := range cur.plugins {
		out = append(out, p.Name)
	}
	return out
}

// Implements reports whether any registered plugin implements hook.
func (r *Registry) Implements(hook string) bool {
	return len(r.load().byHook[hook]) > 0
}

// Generation increases on every successful Register or Unregister.
func (r *Registry) Generation() uint64 {
	return r.load().generation
}

// Clone returns a new registry holding the same plugins.
func (r *Registry) Clone() *Registry {
	cur := r.load()
	c := &Registry{}
	c.snap.Store(build(0, append([]*Plugin(nil), cur.plugins...)))
	return c
}

// Default is the process-wide registry that plugins join from init().
var Default = NewRegistry()

// Register adds p to the Default registry and panics on failure, so that a
// broken plugin stops the binary at start-up.
func Register(p *Plugin) {
	if err := Default.Register(p); err != nil {
		panic(fmt.Sprintf("hooks: registering plugin %q: %v", p.Name, err))
	}
}
