// Package geo resolves coarse visitor locations from IP addresses or
// coordinates.
package geo

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// IsPrivate reports whether ip is loopback, link-local or in a private
// range. Unparseable input counts as private so it is never sent upstream.
func IsPrivate(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return true
	}
	addr = addr.Unmap()
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

var clientIPHeaders = []string{"CF-Connecting-IP", "True-Client-IP", "X-Real-IP"}

// ClientIP returns the caller's address, preferring the headers set by
// common reverse proxies and CDNs over the socket peer.
func ClientIP(r *http.Request) string {
	for _, h := range clientIPHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return stripPort(v)
		}
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if v := strings.TrimSpace(part); v != "" {
				return stripPort(v)
			}
		}
	}

	if r.RemoteAddr == "" {
		return "127.0.0.1"
	}
	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	// Bare IPv6 addresses contain colons but no port.
	return strings.Trim(addr, "[]")
}
