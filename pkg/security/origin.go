package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// originPattern is one allow-list entry. A port of "*" matches any port.
type originPattern struct {
	scheme string
	host   string
	port   string
}

// parseOriginPattern reads scheme://host[:port], where port may be "*".
// Default ports are made explicit so http://localhost and
// http://localhost:80 compare equal.
func parseOriginPattern(s string) (originPattern, error) {
	s = strings.TrimSpace(s)
	wildcard := strings.HasSuffix(s, ":*")
	if wildcard {
		s = strings.TrimSuffix(s, ":*")
	}

	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return originPattern{}, fmt.Errorf("invalid origin %q", s)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.User != nil {
		return originPattern{}, fmt.Errorf("origin %q must be scheme://host[:port]", s)
	}

	p := originPattern{
		scheme: strings.ToLower(u.Scheme),
		host:   strings.ToLower(u.Hostname()),
		port:   u.Port(),
	}
	switch {
	case wildcard:
		if p.port != "" {
			return originPattern{}, fmt.Errorf("invalid origin %q", s)
		}
		p.port = "*"
	case p.port == "" && p.scheme == "http":
		p.port = "80"
	case p.port == "" && p.scheme == "https":
		p.port = "443"
	}
	return p, nil
}

func (p originPattern) match(o originPattern) bool {
	if p.scheme != o.scheme || p.host != o.host {
		return false
	}
	return p.port == "*" || p.port == o.port
}

// parseOrigin reads an Origin header value. The opaque "null" origin never
// parses.
func parseOrigin(origin string) (originPattern, bool) {
	if origin == "" || origin == "null" {
		return originPattern{}, false
	}
	o, err := parseOriginPattern(origin)
	if err != nil || o.port == "*" {
		return originPattern{}, false
	}
	return o, true
}

// hostOnly strips an optional port from addr.
func hostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
