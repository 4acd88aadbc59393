package cache

import "net/http"

// Manager owns the response cache of the introspection endpoints
// (/-/plugins.json, /-/actions.json).
type Manager struct {
	introspection *LRU[Response]
	key           KeyFunc
}

// NewManager returns nil when caching is disabled; every method on a nil
// Manager is a no-op. state, when set, is folded into each key, which makes
// a plugin or configuration change miss without an explicit flush.
func NewManager(cfg Config, state func() string) *Manager {
	if !cfg.Enabled {
		return nil
	}
	return &Manager{
		introspection: NewLRU[Response](cfg.MaxSize, cfg.IntrospectionTTL),
		key:           URIKey(state),
	}
}

// InvalidateAll drops every stored response.
func (m *Manager) InvalidateAll() {
	if m == nil {
		return
	}
	m.introspection.InvalidateAll()
}

// IntrospectionMiddleware caches introspection responses.
func (m *Manager) IntrospectionMiddleware() func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return Middleware(m.introspection, m.key)
}
