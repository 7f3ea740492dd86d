// Package slo tags routes with a latency objective for the wrapper's
// canonical log line.
//
//	r.Use(wrapper.New(wrapper.WithCanonlog(), wrapper.WithSLOs()))
//	r.With(slo.Track(slo.Critical)).Get("/healthz", health)
//	r.With(slo.Track(slo.HighFast)).Delete("/lockouts/{identifier}", unlock)
//
// The wrapper logs slo_class and slo_status (PASS or FAIL) once the request
// completes.
package slo

import (
	"context"
	"net/http"
	"time"
)

// Tier is an SLO class.
type Tier string

const (
	// Critical covers probes the orchestrator depends on (50ms).
	Critical Tier = "critical"

	// HighFast covers interactive admin calls (100ms).
	HighFast Tier = "high_fast"

	// HighSlow covers calls that scan keys, such as sweeps (1s).
	HighSlow Tier = "high_slow"

	// Low covers background work (5s).
	Low Tier = "low"

	custom Tier = "custom"
)

var targets = map[Tier]time.Duration{
	Critical: 50 * time.Millisecond,
	HighFast: 100 * time.Millisecond,
	HighSlow: time.Second,
	Low:      5 * time.Second,
}

// Target returns the latency objective of a predefined tier.
func Target(tier Tier) (time.Duration, bool) {
	d, ok := targets[tier]
	return d, ok
}

type contextKey struct{}

type slot struct {
	tier   Tier
	target time.Duration
	set    bool
}

// NewContext reserves an empty slot that a later Track fills in, so
// middleware running outside the router can read the tier chosen by an inner
// route.
func NewContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, &slot{})
}

func mark(tier Tier, target time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s, ok := r.Context().Value(contextKey{}).(*slot); ok {
				s.tier, s.target, s.set = tier, target, true
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), contextKey{}, &slot{tier: tier, target: target, set: true})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Track tags a route with a predefined tier.
func Track(tier Tier) func(http.Handler) http.Handler {
	return mark(tier, targets[tier])
}

// TrackWithTarget tags a route with a custom target, logged as "custom".
func TrackWithTarget(target time.Duration) func(http.Handler) http.Handler {
	return mark(custom, target)
}

// GetTier returns the tier and target recorded for the request.
func GetTier(ctx context.Context) (Tier, time.Duration, bool) {
	s, ok := ctx.Value(contextKey{}).(*slot)
	if !ok || !s.set {
		return "", 0, false
	}
	return s.tier, s.target, true
}
