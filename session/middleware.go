package session

import (
	"context"
	"net/http"
	"strings"

	"github.com/nhalm/guardkit/wrapper"
)

type contextKey string

const sessionKey contextKey = "session"

// DefaultCookieName is read when no bearer token is present.
const DefaultCookieName = "session_token"

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	CookieName string
	Optional   bool
	IPFunc     func(*http.Request) string
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*MiddlewareConfig)

// WithCookieName sets the cookie the token is read from.
func WithCookieName(name string) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.CookieName = name
	}
}

// WithIPFunc sets how the client IP is extracted, for deployments behind a
// proxy.
func WithIPFunc(fn func(*http.Request) string) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.IPFunc = fn
	}
}

// Optional lets requests without a token through unauthenticated. Requests
// carrying an invalid token are still rejected.
func Optional() MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.Optional = true
	}
}

// Middleware validates the session token from the Authorization bearer header
// or the session cookie and stores the *Session in the request context.
// Returns 401 if the token is missing or invalid.
func Middleware(reg *Registry, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	config := MiddlewareConfig{
		CookieName: DefaultCookieName,
		IPFunc:     RemoteIP,
	}
	for _, opt := range opts {
		opt(&config)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r, config.CookieName)
			if token == "" {
				if config.Optional {
					next.ServeHTTP(w, r)
					return
				}
				reject(w, r, wrapper.ErrUnauthorized.With("Missing session token"), "")
				return
			}

			v := reg.ValidateSession(r.Context(), token, FromRequest(r, config.IPFunc))
			if !v.Valid {
				reject(w, r, wrapper.ErrSessionInvalid, v.Reason)
				return
			}

			ctx := context.WithValue(r.Context(), sessionKey, v.Session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, e *wrapper.Error, reason Reason) {
	if reason != "" {
		e = e.WithReason(string(reason))
	}
	if wrapper.HasState(r.Context()) {
		wrapper.SetError(r, e)
		return
	}
	http.Error(w, e.Message, e.Status)
}

func tokenFromRequest(r *http.Request, cookieName string) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(auth, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
		}
	}
	if cookieName == "" {
		return ""
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}

// FromContext returns the session stored by Middleware.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	return s, ok
}
