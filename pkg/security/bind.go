package security

import (
	"net"
	"strings"
)

// ValidateBindPolicy refuses listen addresses that are reachable from other
// hosts unless allowNonLocal is set. An empty host binds every interface and
// counts as non-local.
func ValidateBindPolicy(addr string, allowNonLocal bool) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return reject(ReasonBindPolicy, "invalid listen address %q: %v", addr, err)
	}
	if allowNonLocal || isLoopback(host) {
		return nil
	}
	return reject(ReasonBindPolicy, "refusing to listen on non-local address %q", addr)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
