package hooks

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gosette/gosette/pkg/errs"
)

// Func is a hook implementation. args holds exactly the parameters the
// implementation declared, minus any the dispatch site could not supply.
type Func func(ctx context.Context, args Args) (Result, error)

// Impl is one plugin's implementation of one hook.
type Impl struct {
	Plugin string
	Hook   string
	Params []Param
	Fn     Func
}

// Plugin is a named, ordered set of hook implementations.
type Plugin struct {
	Name        string
	Version     string
	Description string
	impls       []Impl
}

// NewPlugin creates an empty plugin.
func NewPlugin(name, version string) *Plugin {
	return &Plugin{Name: name, Version: version}
}

// Describe sets the plugin description and returns the plugin.
func (p *Plugin) Describe(description string) *Plugin {
	p.Description = description
	return p
}

// On adds an implementation of hook asking for params. Implementations of
// the same hook within a plugin run in the order they were added.
func (p *Plugin) On(hook string, fn Func, params ...Param) *Plugin {
	p.impls = append(p.impls, Impl{
		Plugin: p.Name,
		Hook:   hook,
		Params: append([]Param(nil), params...),
		Fn:     fn,
	})
	return p
}

// Hooks returns the names of the hooks the plugin implements, in order,
// without duplicates.
func (p *Plugin) Hooks() []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []string
	for _, im := range p.impls {
		if seen.Add(im.Hook) {
			out = append(out, im.Hook)
		}
	}
	return out
}

// Validate checks every implementation against its hook spec.
func (p *Plugin) Validate() error {
	if p.Name == "" {
		return errs.Invalid("plugin", "name is required")
	}
	for _, im := range p.impls {
		spec, ok := Lookup(im.Hook)
		if !ok {
			return errs.Invalid("hook", "plugin %q implements unknown hook %q", p.Name, im.Hook)
		}
		if im.Fn == nil {
			return errs.Invalid("hook", "plugin %q registers nil implementation for %s", p.Name, im.Hook)
		}
		requested := mapset.NewThreadUnsafeSet(im.Params...)
		if !requested.IsSubset(spec.Params) {
			extra := requested.Difference(spec.Params).ToSlice()
			return &errs.ValidationError{
				Field: "params",
				Err:   fmt.Errorf("plugin %q hook %s asks for %v which the hook does not provide", p.Name, im.Hook, extra),
			}
		}
	}
	return nil
}
