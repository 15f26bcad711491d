package liveview

import (
	"fmt"
	"net/url"
	"strings"
)

// Route binds a URL pattern to a named view. Patterns are slash-separated
// with ":name" segments capturing path parameters and a trailing "*rest"
// capturing the remainder.
type Route struct {
	Pattern  string
	ViewName string
	Factory  ViewFactory

	segments []string
}

// Router resolves URLs to registered views. A session created for a routed
// view is route-addressable: it receives parameter syncs on navigation, and
// live redirects to other routes of the same view stay within the session.
type Router struct {
	routes []*Route
	byView map[string][]*Route
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{byView: make(map[string][]*Route)}
}

// Handle registers a pattern for a view.
func (r *Router) Handle(pattern, viewName string, factory ViewFactory) error {
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("liveview: route pattern %q must start with /", pattern)
	}
	if factory == nil {
		return fmt.Errorf("liveview: route %q needs a view factory", pattern)
	}
	rt := &Route{
		Pattern:  pattern,
		ViewName: viewName,
		Factory:  factory,
		segments: splitPath(pattern),
	}
	r.routes = append(r.routes, rt)
	r.byView[viewName] = append(r.byView[viewName], rt)
	return nil
}

// Factory returns the view factory registered for a view name.
func (r *Router) Factory(viewName string) (ViewFactory, bool) {
	if r == nil {
		return nil, false
	}
	routes := r.byView[viewName]
	if len(routes) == 0 {
		return nil, false
	}
	return routes[0].Factory, true
}

// Routable reports whether the named view has any registered route.
func (r *Router) Routable(viewName string) bool {
	return r != nil && len(r.byView[viewName]) > 0
}

// Match finds the route serving a URL, in registration order. Query
// parameters are merged into the captured path parameters; path parameters
// win on collision.
func (r *Router) Match(rawURL string) (*Route, Params, bool) {
	if r == nil {
		return nil, nil, false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, false
	}
	segments := splitPath(u.Path)
	for _, rt := range r.routes {
		params, ok := matchSegments(rt.segments, segments)
		if !ok {
			continue
		}
		for key, vals := range u.Query() {
			if _, taken := params[key]; !taken && len(vals) > 0 {
				params[key] = vals[0]
			}
		}
		return rt, params, true
	}
	return nil, nil, false
}

// Resolve decides whether a URL is reachable from a session owned by the
// named view. Internal resolution returns the parameters for a parameter
// sync; external means the session cannot navigate there live.
func (r *Router) Resolve(viewName, rawURL string) (Params, bool) {
	rt, params, ok := r.Match(rawURL)
	if !ok || rt.ViewName != viewName {
		return nil, false
	}
	return params, true
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func matchSegments(pattern, path []string) (Params, bool) {
	params := make(Params)
	for i, seg := range pattern {
		if strings.HasPrefix(seg, "*") {
			params[seg[1:]] = strings.Join(path[i:], "/")
			return params, true
		}
		if i >= len(path) {
			return nil, false
		}
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = path[i]
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	if len(path) != len(pattern) {
		return nil, false
	}
	return params, true
}
