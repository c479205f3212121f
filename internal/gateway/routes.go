// Package gateway dispatches /api requests to the owning service by
// longest path prefix and relays the response as JSON.
package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrNoRoute = errors.New("gateway: no route")

// Route maps a path prefix to an upstream origin. With StripPrefix the
// matched prefix is removed before forwarding; Rewrite replaces it.
type Route struct {
	Name        string `yaml:"name"`
	Prefix      string `yaml:"prefix"`
	Upstream    string `yaml:"upstream"`
	StripPrefix bool   `yaml:"strip_prefix"`
	Rewrite     string `yaml:"rewrite"`

	origin *url.URL
}

type routeFile struct {
	Routes []Route `yaml:"routes"`
}

// Table holds routes ordered most specific first.
type Table struct {
	routes []Route
}

// LoadRoutes reads a YAML route file.
func LoadRoutes(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}
	return ParseRoutes(data)
}

func ParseRoutes(data []byte) (*Table, error) {
	var f routeFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	return NewTable(f.Routes)
}

// NewTable validates routes and sorts them by prefix length, longest first.
// Declaration order never decides a match.
func NewTable(routes []Route) (*Table, error) {
	seen := map[string]bool{}
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		r.Prefix = normalizePrefix(r.Prefix)
		if r.Prefix == "" {
			return nil, fmt.Errorf("route %q: prefix must start with /", r.Name)
		}
		if seen[r.Prefix] {
			return nil, fmt.Errorf("route %q: duplicate prefix %s", r.Name, r.Prefix)
		}
		seen[r.Prefix] = true
		u, err := url.Parse(strings.TrimSpace(r.Upstream))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("route %q: upstream must be an http(s) origin", r.Name)
		}
		r.origin = u
		if r.Rewrite != "" && !strings.HasPrefix(r.Rewrite, "/") {
			return nil, fmt.Errorf("route %q: rewrite must start with /", r.Name)
		}
		if r.Name == "" {
			r.Name = r.Prefix
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].Prefix) != len(out[j].Prefix) {
			return len(out[i].Prefix) > len(out[j].Prefix)
		}
		return out[i].Prefix < out[j].Prefix
	})
	return &Table{routes: out}, nil
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		return ""
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// Routes returns the table in match order.
func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// Match returns the most specific route for path and the path to request
// upstream. A prefix only matches on a segment boundary. Pass the escaped
// request path so encoded separators survive into the target.
func (t *Table) Match(path string) (Route, string, error) {
	for _, r := range t.routes {
		if !hasSegmentPrefix(path, r.Prefix) {
			continue
		}
		return r, r.target(path), nil
	}
	return Route{}, "", ErrNoRoute
}

func hasSegmentPrefix(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func (r Route) target(path string) string {
	rest := path
	switch {
	case r.Rewrite != "":
		rest = strings.TrimSuffix(r.Rewrite, "/") + strings.TrimPrefix(path, r.Prefix)
	case r.StripPrefix && r.Prefix != "/":
		rest = strings.TrimPrefix(path, r.Prefix)
	}
	if rest == "" {
		rest = "/"
	}
	return rest
}

// URL joins the upstream origin with the target path and raw query. target
// is in escaped form and is forwarded byte for byte, so %2F stays encoded.
func (r Route) URL(target, rawQuery string) string {
	u := *r.origin
	escaped := strings.TrimSuffix(u.EscapedPath(), "/") + target
	if path, err := url.PathUnescape(escaped); err == nil {
		u.Path, u.RawPath = path, escaped
	} else {
		u.Path, u.RawPath = escaped, ""
	}
	u.RawQuery = rawQuery
	return u.String()
}
