package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}

// KeyByIP keys on the client IP from RemoteAddr. Key format: "ip:<address>".
func KeyByIP(r *http.Request) string {
	return "ip:" + remoteIP(r)
}

// KeyByRealIP keys on the client IP from X-Forwarded-For or X-Real-IP, falling
// back to RemoteAddr.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
// Without a proxy, clients can spoof X-Forwarded-For to bypass rate limits.
func KeyByRealIP(r *http.Request) string {
	if ip := realIP(r); ip != "" {
		return "ip:" + ip
	}
	return KeyByIP(r)
}

// KeyByIPAndPrincipal keys on the client IP plus the principal returned by
// principal, so authenticated users behind one NAT get separate budgets.
// Anonymous requests are keyed on the IP alone.
func KeyByIPAndPrincipal(principal func(*http.Request) string) KeyFunc {
	return func(r *http.Request) string {
		key := KeyByIP(r)
		if id := principal(r); id != "" {
			key += ":principal:" + id
		}
		return key
	}
}

// KeyByEndpoint keys on method and path. Key format: "endpoint:<method>:<path>".
func KeyByEndpoint(r *http.Request) string {
	var sb strings.Builder
	sb.Grow(9 + len(r.Method) + 1 + len(r.URL.Path))
	sb.WriteString("endpoint:")
	sb.WriteString(r.Method)
	sb.WriteByte(':')
	sb.WriteString(r.URL.Path)
	return sb.String()
}

// KeyByHeader keys on a header value. Requests without the header are not
// limited. Key format: "header:<name>:<value>".
func KeyByHeader(header string) KeyFunc {
	return func(r *http.Request) string {
		val := r.Header.Get(header)
		if val == "" {
			return ""
		}
		return "header:" + header + ":" + val
	}
}

// Compose joins several key functions with ":" into one multi-dimensional
// key. If any dimension is empty, rate limiting is skipped for that request.
//
//	cfg.KeyGenerator = ratelimit.Compose(ratelimit.KeyByIP, ratelimit.KeyByEndpoint)
func Compose(fns ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		var sb strings.Builder
		for i, fn := range fns {
			part := fn(r)
			if part == "" {
				return ""
			}
			if i > 0 {
				sb.WriteByte(':')
			}
			sb.WriteString(part)
		}
		return sb.String()
	}
}
