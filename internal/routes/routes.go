// Package routes mounts module route descriptors onto a scoped router and
// wraps protected routes with the auth gate.
package routes

import (
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync/atomic"

	"github.com/gorilla/mux"
)

// Route describes one module endpoint. Protected defaults to true when nil;
// only an explicit false leaves the route open.
type Route struct {
	Method     string
	Path       string
	Handler    http.Handler
	Protected  *bool
	BodyParser mux.MiddlewareFunc
}

// Open marks a route as unprotected.
func Open() *bool {
	b := false
	return &b
}

// Guarded marks a route as protected explicitly.
func Guarded() *bool {
	b := true
	return &b
}

func (r Route) protected() bool { return r.Protected == nil || *r.Protected }

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// MethodError reports a route declared with an unsupported method.
type MethodError struct {
	Method string
	Path   string
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("attempting to create a route using an illegal method %q (%s)", e.Method, e.Path)
}

// ModulePath is the mount point of a module beneath the host root.
func ModulePath(root, module string) string {
	return Join(root, "m", module)
}

// Join cleans and joins URL path segments, always returning a rooted path
// without a trailing slash.
func Join(parts ...string) string {
	return path.Join(append([]string{"/"}, parts...)...)
}

// Mounted is a module router attached beneath a prefix. Disabling it makes
// every route under the prefix answer 404.
type Mounted struct {
	Router  *mux.Router
	Prefix  string
	enabled atomic.Bool
}

func (m *Mounted) Enabled() bool { return m != nil && m.enabled.Load() }

// Disable detaches the module's routes.
func (m *Mounted) Disable() {
	if m != nil {
		m.enabled.Store(false)
	}
}

// Mount validates every route first and then attaches them under prefix.
// A single bad method means nothing is mounted.
func Mount(parent *mux.Router, prefix string, rs []Route, gate mux.MiddlewareFunc) (*Mounted, error) {
	for _, r := range rs {
		if !allowedMethods[strings.ToUpper(strings.TrimSpace(r.Method))] {
			return nil, &MethodError{Method: r.Method, Path: r.Path}
		}
		if r.Handler == nil {
			return nil, fmt.Errorf("route %s %s: nil handler", r.Method, r.Path)
		}
	}

	m := &Mounted{Prefix: Join(prefix)}
	m.enabled.Store(true)
	m.Router = parent.PathPrefix(m.Prefix).
		MatcherFunc(func(*http.Request, *mux.RouteMatch) bool { return m.enabled.Load() }).
		Subrouter()

	for _, r := range rs {
		h := r.Handler
		if r.BodyParser != nil {
			h = r.BodyParser(h)
		}
		if r.protected() && gate != nil {
			h = gate(h)
		}
		p := r.Path
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		m.Router.Handle(p, h).Methods(strings.ToUpper(strings.TrimSpace(r.Method)))
	}
	return m, nil
}

// Endpoint is one path with the methods it answers.
type Endpoint struct {
	Path    string   `json:"path"`
	Methods []string `json:"methods"`
}

// List walks r and merges routes by path template, in registration order.
func List(r *mux.Router) []Endpoint {
	if r == nil {
		return []Endpoint{}
	}
	out := []Endpoint{}
	index := map[string]int{}
	_ = r.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		tpl, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, err := route.GetMethods()
		if err != nil || len(methods) == 0 {
			return nil
		}
		if i, ok := index[tpl]; ok {
			out[i].Methods = appendUnique(out[i].Methods, methods...)
			return nil
		}
		index[tpl] = len(out)
		out = append(out, Endpoint{Path: tpl, Methods: appendUnique(nil, methods...)})
		return nil
	})
	return out
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		dup := false
		for _, d := range dst {
			if d == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}
