// Package cache provides the key-value command surface shared by the session,
// login-security and rate-limiting components.
//
// Three implementations satisfy Cache:
//   - Live talks to Redis through a go-redis client.
//   - Memory emulates the same commands in process, with lazy key expiry.
//   - Failover tries the live connection first and falls back to its own
//     Memory on any error, so callers never branch on cache availability.
//
// Consumers normally obtain a *Failover from conn.Manager.Client.
package cache

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyMissing is returned by TTL when the key does not exist.
	KeyMissing time.Duration = -2
	// NoExpiry is returned by TTL when the key exists without an expiry.
	NoExpiry time.Duration = -1
)

var (
	// ErrWrongType is returned when a command is applied to a key holding another type.
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

	// ErrInvalidTTL is returned for non-positive SETEX durations.
	ErrInvalidTTL = errors.New("invalid expire time")
)

// Z is a sorted-set member with its score.
type Z struct {
	Score  float64
	Member string
}

// Cache is the fixed command surface used by every consumer.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the string value of key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetEx stores value under key with the given time to live.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	Exists(ctx context.Context, key string) (bool, error)

	// Expire sets a time to live on an existing key. Returns false if the key is missing.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining time to live, KeyMissing or NoExpiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// ZAdd adds or updates members and returns the number of new members.
	ZAdd(ctx context.Context, key string, members ...Z) (int64, error)

	// ZRange returns members ordered by ascending score, start and stop inclusive.
	// Negative indices count from the end.
	ZRange(ctx context.Context, key string, start, stop int64) ([]Z, error)

	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	// ZRemRangeByScore removes members whose score lies within [min, max].
	// Bounds use Redis syntax: "-inf", "+inf" and a "(" prefix for exclusive bounds.
	ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error)

	ZCard(ctx context.Context, key string) (int64, error)

	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Keys returns keys matching a Redis glob pattern: *, ?, [...] classes
	// and \ escapes.
	Keys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error

	// Exec runs a batch and returns one Result per queued operation, in order.
	Exec(ctx context.Context, b *Batch) ([]Result, error)
}

// Score formats an inclusive score bound.
func Score(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "+inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ScoreExclusive formats an exclusive score bound.
func ScoreExclusive(v float64) string {
	return "(" + Score(v)
}

// parseScoreBound parses a Redis score bound.
func parseScoreBound(s string) (float64, bool, error) {
	exclusive := false
	if strings.HasPrefix(s, "(") {
		exclusive = true
		s = s[1:]
	}
	switch strings.ToLower(s) {
	case "-inf":
		return math.Inf(-1), exclusive, nil
	case "+inf", "inf":
		return math.Inf(1), exclusive, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, errors.New("min or max is not a float")
	}
	return v, exclusive, nil
}

// IsConnectivityError reports whether err indicates the connection itself is
// unusable, as opposed to a reply error from the server.
func IsConnectivityError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, redis.ErrPoolTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return strings.HasPrefix(err.Error(), "LOADING") || strings.HasPrefix(err.Error(), "MASTERDOWN")
	}
	return true
}
