package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// IsOriginAllowed validates r.Header["Origin"] against an allow-list.
//
// Allowed entries support:
//   - Full Origin values with scheme, e.g. "https://example.com:5173"
//   - Hostnames, e.g. "example.com" (any port)
//   - host:port pairs, e.g. "example.com:5173"
//   - Wildcard hostnames, e.g. "*.example.com" (subdomains only)
//   - Exact non-standard Origin values, e.g. "null"
//
// Hostname comparisons are case-insensitive. If the request has no Origin
// header, allowNoOrigin controls acceptance.
func IsOriginAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return allowNoOrigin
	}
	var host, hostname string
	if parsed, err := url.Parse(origin); err == nil {
		host = strings.ToLower(parsed.Host)
		hostname = strings.ToLower(parsed.Hostname())
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// Entries with a scheme are full Origin value matches.
		if strings.Contains(entry, "://") {
			if origin == entry {
				return true
			}
			continue
		}
		lower := strings.ToLower(entry)
		// "*.example.com" matches subdomains, never the base hostname.
		if base, ok := strings.CutPrefix(lower, "*."); ok {
			if hostname != "" && base != "" && strings.HasSuffix(hostname, "."+base) {
				return true
			}
			continue
		}
		// host:port entries compare against the parsed Host, which keeps
		// the bare "example.com" form hostname-only.
		if host != "" {
			if _, _, err := net.SplitHostPort(lower); err == nil {
				if host == lower {
					return true
				}
				continue
			}
		}
		if hostname != "" && hostname == lower {
			return true
		}
		// Exact match for non-standard Origin values (e.g. "null").
		if origin == entry {
			return true
		}
	}
	return false
}

// NewOriginChecker returns a websocket upgrader CheckOrigin function.
func NewOriginChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return IsOriginAllowed(r, allowed, allowNoOrigin)
	}
}
