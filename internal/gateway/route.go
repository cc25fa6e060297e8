package gateway

import (
	"context"
	"sort"
)

// HandlerFunc is the business end of a route. It runs only after the
// full authorization pipeline has passed.
type HandlerFunc func(ctx context.Context, p Params) (any, error)

// Route declares everything the pipeline needs to know about one
// endpoint before its handler runs.
type Route struct {
	Method   string
	Path     string
	Scopes   []string
	Required []string
	SelfOnly bool
	Handle   HandlerFunc
}

// Registry is the typed route table. It is populated at startup and
// read-only afterwards.
type Registry struct {
	byPath map[string]map[string]Route
}

func NewRegistry() *Registry {
	return &Registry{byPath: make(map[string]map[string]Route)}
}

func (r *Registry) Add(rt Route) {
	methods, ok := r.byPath[rt.Path]
	if !ok {
		methods = make(map[string]Route)
		r.byPath[rt.Path] = methods
	}
	methods[rt.Method] = rt
}

// Match resolves a request. When the path is known but the method is
// not, allowed carries the methods for the Allow header.
func (r *Registry) Match(method, path string) (rt Route, found bool, allowed []string) {
	methods, ok := r.byPath[path]
	if !ok {
		return Route{}, false, nil
	}
	rt, ok = methods[method]
	if ok {
		return rt, true, nil
	}
	for m := range methods {
		allowed = append(allowed, m)
	}
	sort.Strings(allowed)
	return Route{}, false, allowed
}

// Routes lists every registered route, for startup logging.
func (r *Registry) Routes() []Route {
	var out []Route
	for _, methods := range r.byPath {
		for _, rt := range methods {
			out = append(out, rt)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out
}
