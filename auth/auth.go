// Package auth guards the admin API with static API keys.
//
// Session authentication for application routes lives in the session
// package; this middleware is for operators.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/nhalm/canonlog"

	"github.com/nhalm/guardkit/wrapper"
)

type contextKey struct{}

// DefaultHeader carries the API key unless WithHeader says otherwise.
const DefaultHeader = "X-API-Key"

// APIKeyValidator reports whether key is accepted.
type APIKeyValidator func(key string) bool

// StaticKeys accepts any of keys. Comparison is constant time per key.
// Empty keys are ignored, so StaticKeys() and StaticKeys("") reject
// everything.
func StaticKeys(keys ...string) APIKeyValidator {
	digests := make([][sha256.Size]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			digests = append(digests, sha256.Sum256([]byte(k)))
		}
	}
	return func(key string) bool {
		sum := sha256.Sum256([]byte(key))
		match := 0
		for i := range digests {
			match |= subtle.ConstantTimeCompare(sum[:], digests[i][:])
		}
		return match == 1
	}
}

type config struct {
	header string
}

// Option configures APIKey.
type Option func(*config)

// WithHeader reads the key from header.
func WithHeader(header string) Option {
	return func(c *config) {
		c.header = header
	}
}

// APIKey rejects requests without an accepted key with 401. The accepted
// key's short fingerprint is stored in the context and added to the
// canonical log line as admin_key.
func APIKey(validator APIKeyValidator, opts ...Option) func(http.Handler) http.Handler {
	cfg := config{header: DefaultHeader}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(cfg.header)
			if key == "" {
				reject(w, r, "Missing API key")
				return
			}
			if !validator(key) {
				reject(w, r, "Invalid API key")
				return
			}

			id := Fingerprint(key)
			ctx := r.Context()
			if _, ok := canonlog.TryGetLogger(ctx); ok {
				canonlog.InfoAdd(ctx, "admin_key", id)
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, contextKey{}, id)))
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, msg string) {
	if wrapper.HasState(r.Context()) {
		wrapper.SetError(r, wrapper.ErrUnauthorized.With(msg))
		return
	}
	http.Error(w, msg, http.StatusUnauthorized)
}

// Fingerprint is the first 12 hex digits of the key's SHA-256.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}

// KeyFromContext returns the fingerprint of the key that authenticated the
// request.
func KeyFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok
}
