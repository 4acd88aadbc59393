package hooks

// Values is the context a dispatch site makes available to implementations.
type Values map[Param]any

// Args is the subset of Values an implementation asked for.
type Args struct {
	values map[Param]any
}

// NewArgs builds Args directly. Useful in plugin tests.
func NewArgs(values Values) Args {
	return Args{values: values}
}

// PerCall is a Values entry evaluated once for every implementation, so
// each one receives its own copy of the value.
type PerCall func() any

func bindArgs(params []Param, available Values) Args {
	bound := make(map[Param]any, len(params))
	for _, p := range params {
		v, ok := available[p]
		if !ok {
			continue
		}
		if fresh, ok := v.(PerCall); ok {
			v = fresh()
		}
		bound[p] = v
	}
	return Args{values: bound}
}

// Get returns the value of p and whether it was supplied.
func (a Args) Get(p Param) (any, bool) {
	v, ok := a.values[p]
	return v, ok
}

// Has reports whether p was supplied.
func (a Args) Has(p Param) bool {
	_, ok := a.values[p]
	return ok
}

// String returns p as a string, or "" when missing or not a string.
func (a Args) String(p Param) string {
	s, _ := a.values[p].(string)
	return s
}

// Arg returns the value of p converted to T, or the zero value of T when p is
// missing or holds another type.
func Arg[T any](a Args, p Param) T {
	v, _ := a.values[p].(T)
	return v
}
