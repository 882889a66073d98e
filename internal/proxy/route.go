package proxy

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Downstream is a backing HTTP service.
type Downstream struct {
	Name    string
	BaseURL *url.URL
	Timeout time.Duration
}

// NewDownstream parses rawURL and applies the default timeout when timeout
// is not positive.
func NewDownstream(name, rawURL string, timeout time.Duration) (Downstream, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Downstream{}, fmt.Errorf("downstream %s: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Downstream{}, fmt.Errorf("downstream %s: url %q must be absolute", name, rawURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Downstream{Name: name, BaseURL: u, Timeout: timeout}, nil
}

// Route maps an inbound path prefix onto a downstream, replacing the prefix
// with Rewrite (or keeping it when Rewrite is empty).
type Route struct {
	Prefix     string `mapstructure:"prefix" json:"prefix"`
	Downstream string `mapstructure:"downstream" json:"downstream"`
	Rewrite    string `mapstructure:"rewrite" json:"rewrite"`
}

// Matches reports whether path is the prefix itself or lies below it.
func (r Route) Matches(path string) bool {
	p := strings.TrimRight(r.Prefix, "/")
	return path == p || strings.HasPrefix(path, p+"/")
}

// Target returns the downstream path for an inbound path.
func (r Route) Target(path string) string {
	if !r.Matches(path) {
		return path
	}
	p := strings.TrimRight(r.Prefix, "/")
	rest := strings.TrimPrefix(path, p)
	if r.Rewrite == "" {
		return p + rest
	}
	return strings.TrimRight(r.Rewrite, "/") + rest
}

// DefaultRoutes are the gateway's public routes onto the check-in services.
func DefaultRoutes() []Route {
	return []Route{
		{Prefix: "/api/checkin", Downstream: "checkin-chat", Rewrite: "/api/daily_checkin"},
		{Prefix: "/api/chat", Downstream: "checkin-chat", Rewrite: "/api/daily_checkin/chat"},
		{Prefix: "/api/voice", Downstream: "checkin-voice"},
	}
}

// Match returns the route with the longest prefix matching path.
func Match(routes []Route, path string) (Route, bool) {
	var best Route
	found := false
	for _, r := range routes {
		if r.Matches(path) && (!found || len(r.Prefix) > len(best.Prefix)) {
			best, found = r, true
		}
	}
	return best, found
}

func joinPath(base, p string) string {
	switch {
	case base == "" || base == "/":
		if p == "" {
			return "/"
		}
		return p
	case p == "" || p == "/":
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(p, "/")
}
