// Package ratelimit provides sliding-window rate limiting middleware for Chi
// and standard http.Handler, backed by the shared cache.
//
// Every request adds a timestamped member to the sorted set
// rate_limit:<name:><key>. Members older than the window are removed before
// counting, so the count always covers exactly the last Window. A request is
// rejected once the count exceeds MaxRequests; rejected requests are counted
// too, so a client has to back off for a full window to recover.
//
// Simple example:
//
//	r.Use(ratelimit.CreateRateLimit(mgr.Client("ratelimit"), ratelimit.Config{
//		Window:      time.Minute,
//		MaxRequests: 100,
//	}))
//
// All middleware sets the rate limit headers (RateLimit-Limit,
// RateLimit-Remaining, RateLimit-Reset) and returns 429 (Too Many Requests)
// with Retry-After when the limit is exceeded.
//
// Rate limiting is skipped when the key function returns an empty string.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nhalm/guardkit/cache"
	"github.com/nhalm/guardkit/internal/logging"
	"github.com/nhalm/guardkit/wrapper"
)

const keyPrefix = "rate_limit:"

// DefaultMessage is returned with 429 responses when Config.Message is empty.
const DefaultMessage = "Too many requests, please try again later."

// HeaderMode controls when rate limit headers are included in responses.
type HeaderMode int

const (
	// HeadersAlways includes rate limit headers on all responses (default).
	// Headers: RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset
	// On 429: Also includes Retry-After
	HeadersAlways HeaderMode = iota

	// HeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	HeadersOnLimitExceeded

	// HeadersNever never includes rate limit headers in any response.
	HeadersNever
)

// KeyFunc extracts a rate limiting key from an HTTP request.
// Returning an empty string skips rate limiting for that request.
type KeyFunc func(*http.Request) string

// Config configures a Limiter. Zero values take the defaults noted.
type Config struct {
	// Window is the sliding window length (default: 1m).
	Window time.Duration

	// MaxRequests allowed within Window (default: 100).
	MaxRequests int64

	// KeyGenerator derives the client key (default: KeyByIP).
	KeyGenerator KeyFunc

	// Message is the 429 error message (default: DefaultMessage).
	Message string

	// SkipSuccessfulRequests uncounts requests answered with a status below 400.
	SkipSuccessfulRequests bool

	// SkipFailedRequests uncounts requests answered with a status of 400 or more.
	SkipFailedRequests bool

	// Name is prepended to every key so limiters can be layered without
	// sharing counters.
	Name string

	HeaderMode HeaderMode

	// Now is the clock (default: time.Now).
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = 100
	}
	if c.KeyGenerator == nil {
		c.KeyGenerator = KeyByIP
	}
	if c.Message == "" {
		c.Message = DefaultMessage
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed   bool
	Count     int64
	Limit     int64
	Remaining int64

	// RetryAfter is how long until the oldest counted request leaves the
	// window. Zero when allowed.
	RetryAfter time.Duration

	// ResetAt is when the oldest counted request leaves the window.
	ResetAt time.Time

	member string
}

// KeyInfo describes the current window of a key.
type KeyInfo struct {
	Count   int64
	Oldest  time.Time
	ResetAt time.Time
}

// Limiter implements sliding-window rate limiting.
type Limiter struct {
	cache cache.Cache
	cfg   Config

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Limiter backed by c, normally a *cache.Failover.
func New(c cache.Cache, cfg Config) *Limiter {
	return &Limiter{cache: c, cfg: cfg.withDefaults()}
}

// CreateRateLimit returns rate limiting middleware for cfg.
func CreateRateLimit(c cache.Cache, cfg Config) func(http.Handler) http.Handler {
	return New(c, cfg).Handler
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

func (l *Limiter) fullKey(key string) string {
	if l.cfg.Name != "" {
		return keyPrefix + l.cfg.Name + ":" + key
	}
	return keyPrefix + key
}

func (l *Limiter) pattern() string {
	if l.cfg.Name != "" {
		return keyPrefix + l.cfg.Name + ":*"
	}
	return keyPrefix + "*"
}

func ms(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// ceilSecond rounds d up to whole seconds, the granularity of EXPIRE.
func ceilSecond(d time.Duration) time.Duration {
	if r := d % time.Second; r != 0 {
		return d + time.Second - r
	}
	return d
}

// Allow counts a request for key and reports whether it is within the limit.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	now := l.cfg.Now()
	k := l.fullKey(key)
	member := fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.NewString())

	b := cache.NewBatch().
		ZRemRangeByScore(k, "-inf", cache.ScoreExclusive(ms(now.Add(-l.cfg.Window)))).
		ZAdd(k, cache.Z{Score: ms(now), Member: member}).
		ZCard(k).
		Expire(k, ceilSecond(l.cfg.Window)).
		ZRange(k, 0, 0)

	results, err := l.cache.Exec(ctx, b)
	if err != nil {
		logging.Error(ctx, "ratelimit_check_failed", err, map[string]any{"key": k})
		return Decision{Allowed: true, Limit: l.cfg.MaxRequests, Remaining: l.cfg.MaxRequests}
	}

	count := results[2].Int()
	oldest := now
	if zs := results[4].Zs(); len(zs) > 0 {
		oldest = time.UnixMilli(int64(zs[0].Score))
	}
	resetAt := oldest.Add(l.cfg.Window)

	d := Decision{
		Allowed:   count <= l.cfg.MaxRequests,
		Count:     count,
		Limit:     l.cfg.MaxRequests,
		Remaining: max(0, l.cfg.MaxRequests-count),
		ResetAt:   resetAt,
		member:    member,
	}
	if !d.Allowed {
		d.RetryAfter = max(0, resetAt.Sub(now))
	}

	result := "allowed"
	if !d.Allowed {
		result = "limited"
	}
	decisions.WithLabelValues(l.cfg.Name, result).Inc()
	return d
}

// uncount removes the request recorded by d.
func (l *Limiter) uncount(ctx context.Context, key string, d Decision) {
	if d.member == "" {
		return
	}
	_, _ = l.cache.ZRem(ctx, l.fullKey(key), d.member)
}

// Handler returns the rate limiting middleware.
// Sets the following headers based on header mode:
//   - RateLimit-Limit: The rate limit ceiling for the window
//   - RateLimit-Remaining: Requests remaining in the window
//   - RateLimit-Reset: Unix timestamp when the oldest counted request expires
//   - Retry-After: (only when limited) Seconds until a request is accepted again
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.cfg.KeyGenerator(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		useWrapper := wrapper.HasState(ctx)
		setHeader := func(name, value string) {
			if useWrapper {
				wrapper.SetHeader(r, name, value)
			} else {
				w.Header().Set(name, value)
			}
		}

		d := l.Allow(ctx, key)

		shouldSetHeaders := l.cfg.HeaderMode == HeadersAlways || (l.cfg.HeaderMode == HeadersOnLimitExceeded && !d.Allowed)
		if shouldSetHeaders {
			setHeader("RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			setHeader("RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			setHeader("RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		}

		if !d.Allowed {
			if shouldSetHeaders {
				setHeader("Retry-After", strconv.FormatInt(int64(math.Ceil(d.RetryAfter.Seconds())), 10))
			}
			logging.Event(ctx, "rate_limited", map[string]any{
				"limiter": l.cfg.Name,
				"key":     key,
				"count":   d.Count,
			})
			if useWrapper {
				wrapper.SetError(r, wrapper.ErrRateLimited.With(l.cfg.Message))
			} else {
				http.Error(w, l.cfg.Message, http.StatusTooManyRequests)
			}
			return
		}

		if !l.cfg.SkipSuccessfulRequests && !l.cfg.SkipFailedRequests {
			next.ServeHTTP(w, r)
			return
		}

		var status int
		if useWrapper {
			next.ServeHTTP(w, r)
			status = wrapper.Status(ctx)
		} else {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status = ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
		}

		if (l.cfg.SkipSuccessfulRequests && status < http.StatusBadRequest) ||
			(l.cfg.SkipFailedRequests && status >= http.StatusBadRequest) {
			l.uncount(ctx, key, d)
		}
	})
}

// ResetKey clears the window of key. It reports whether the key existed.
func (l *Limiter) ResetKey(ctx context.Context, key string) bool {
	n, err := l.cache.Del(ctx, l.fullKey(key))
	if err != nil {
		return false
	}
	logging.Event(ctx, "ratelimit_reset", map[string]any{"limiter": l.cfg.Name, "key": key})
	return n > 0
}

// GetKeyInfo returns the current window of key without counting a request.
func (l *Limiter) GetKeyInfo(ctx context.Context, key string) KeyInfo {
	now := l.cfg.Now()
	k := l.fullKey(key)
	results, err := l.cache.Exec(ctx, cache.NewBatch().
		ZRemRangeByScore(k, "-inf", cache.ScoreExclusive(ms(now.Add(-l.cfg.Window)))).
		ZCard(k).
		ZRange(k, 0, 0))
	if err != nil {
		return KeyInfo{}
	}

	info := KeyInfo{Count: results[1].Int()}
	if zs := results[2].Zs(); len(zs) > 0 {
		info.Oldest = time.UnixMilli(int64(zs[0].Score))
		info.ResetAt = info.Oldest.Add(l.cfg.Window)
	}
	return info
}

// Sweep prunes expired members from every key of this limiter and returns
// how many members were removed. Keys left empty disappear.
func (l *Limiter) Sweep(ctx context.Context) int64 {
	keys, err := l.cache.Keys(ctx, l.pattern())
	if err != nil || len(keys) == 0 {
		return 0
	}

	bound := cache.ScoreExclusive(ms(l.cfg.Now().Add(-l.cfg.Window)))
	b := cache.NewBatch()
	for _, k := range keys {
		b.ZRemRangeByScore(k, "-inf", bound)
	}
	results, err := l.cache.Exec(ctx, b)
	if err != nil {
		return 0
	}

	var removed int64
	for _, res := range results {
		removed += res.Int()
	}
	if removed > 0 {
		logging.Event(ctx, "ratelimit_sweep", map[string]any{
			"limiter": l.cfg.Name,
			"keys":    len(keys),
			"removed": removed,
		})
	}
	return removed
}

// StartSweeper runs Sweep every interval until Close. Calling it again has no
// effect.
func (l *Limiter) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil || l.stopped {
		return
	}
	l.stop = make(chan struct{})

	l.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep(context.Background())
			case <-stop:
				return
			}
		}
	}(l.stop)
}

// Close stops the sweeper.
func (l *Limiter) Close() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	if l.stop != nil {
		close(l.stop)
	}
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}
