// Package route holds the immutable route table: path patterns bound to an
// upstream and the filters that run in front of it.
package route

import (
	"errors"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/wheelsondemand/gateway/internal/breaker"
	"github.com/wheelsondemand/gateway/internal/retry"
)

// ErrRouteNotFound is returned by Match when no pattern covers the path.
var ErrRouteNotFound = errors.New("route not found")

// RateLimit holds token-bucket parameters for a route.
type RateLimit struct {
	ReplenishRate   float64
	BurstCapacity   int64
	RequestedTokens int64
}

// Route is one entry of the table. Routes are not modified after the table
// is built; the breaker carries its own lock.
type Route struct {
	ID           string
	Pattern      string
	Prefix       string
	UpstreamName string
	Upstream     *url.URL
	Timeout      time.Duration

	// RewritePath enables the rewrite filter. With no explicit expression
	// the prefix is stripped.
	RewritePath bool
	rewriteRe   *regexp.Regexp
	replacement string

	// ResponseTimeHeader is stamped on upstream responses when non-empty.
	ResponseTimeHeader string

	// RateLimit is nil when the route is not rate limited.
	RateLimit *RateLimit

	// Breaker is nil when the route has no circuit breaker.
	Breaker      *breaker.Breaker
	FallbackPath string

	// Retry is nil when the route does not retry.
	Retry *retry.Executor
}

// SetRewrite installs an explicit rewrite expression. replacement uses
// regexp.Expand syntax, e.g. "/${segment}".
func (r *Route) SetRewrite(re *regexp.Regexp, replacement string) {
	r.RewritePath = true
	r.rewriteRe = re
	r.replacement = replacement
}

// covers reports whether path falls under the route prefix on a segment
// boundary: prefix /a/b covers /a/b and /a/b/c but not /a/bc.
func (r *Route) covers(path string) bool {
	if r.Prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	return len(path) == len(r.Prefix) || path[len(r.Prefix)] == '/'
}

// Rewrite returns the path to send upstream. Applying it to the same input
// always yields the same output.
func (r *Route) Rewrite(path string) string {
	if !r.RewritePath {
		return path
	}
	if r.rewriteRe != nil {
		out := r.rewriteRe.ReplaceAllString(path, r.replacement)
		if out == "" || out[0] != '/' {
			out = "/" + out
		}
		return out
	}
	rest := strings.TrimPrefix(path, r.Prefix)
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}

// Target joins the rewritten path and query onto the upstream base URI.
func (r *Route) Target(path, rawQuery string) *url.URL {
	u := *r.Upstream
	u.Path = joinPath(r.Upstream.Path, path)
	u.RawPath = ""
	switch {
	case r.Upstream.RawQuery == "":
		u.RawQuery = rawQuery
	case rawQuery == "":
		u.RawQuery = r.Upstream.RawQuery
	default:
		u.RawQuery = r.Upstream.RawQuery + "&" + rawQuery
	}
	return &u
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}

// Table matches request paths to routes, longest prefix first.
type Table struct {
	routes []*Route
	byID   map[string]*Route
}

// NewTable sorts routes by prefix length, longest first. Ties keep their
// configured order.
func NewTable(routes []*Route) *Table {
	sorted := make([]*Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	byID := make(map[string]*Route, len(routes))
	for _, r := range routes {
		byID[r.ID] = r
	}
	return &Table{routes: sorted, byID: byID}
}

// Match returns the route for path or ErrRouteNotFound. The same path always
// returns the same *Route.
func (t *Table) Match(path string) (*Route, error) {
	for _, r := range t.routes {
		if r.covers(path) {
			return r, nil
		}
	}
	return nil, ErrRouteNotFound
}

// Get returns a route by ID.
func (t *Table) Get(id string) (*Route, bool) {
	r, ok := t.byID[id]
	return r, ok
}

// Routes returns the routes in match order.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int { return len(t.routes) }
