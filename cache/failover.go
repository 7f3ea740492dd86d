package cache

import (
	"context"
	"time"

	"github.com/nhalm/guardkit/internal/logging"
)

// Source supplies the live cache to a Failover and receives failure reports.
// conn.Manager implements it.
type Source interface {
	// Live returns the cache bound to the current connection, or false when no
	// live call should be attempted.
	Live() (Cache, bool)

	// ReportFailure tells the connection owner that a live call failed with a
	// connectivity error.
	ReportFailure(err error)
}

// Failover routes every call to the live cache first and falls back to a
// private Memory when the live call fails or no connection is available.
//
// Routing is decided per call: a failure on one call never pins later calls
// to memory. Failover methods never return an error; when even the memory
// path fails (for example on a type mismatch) the zero value is returned and
// the failure is logged.
type Failover struct {
	name   string
	source Source
	memory *Memory
}

// NewFailover creates a Failover. A nil source gives a permanently degraded
// cache; a nil memory allocates a fresh one.
func NewFailover(name string, source Source, memory *Memory) *Failover {
	if memory == nil {
		memory = NewMemory()
	}
	return &Failover{name: name, source: source, memory: memory}
}

// Name returns the consumer name used in logs and metrics.
func (f *Failover) Name() string {
	return f.name
}

// Memory returns the fallback emulation.
func (f *Failover) Memory() *Memory {
	return f.memory
}

// Close stops the fallback's background sweep.
func (f *Failover) Close() error {
	return f.memory.Close()
}

// IsReady probes the live connection. A failed probe is reported to the
// source so recovery starts, and false is returned instead of an error.
func (f *Failover) IsReady(ctx context.Context) bool {
	live, ok := f.live()
	if !ok {
		return false
	}
	if err := live.Ping(ctx); err != nil {
		f.liveFailed(ctx, "ping", err)
		return false
	}
	return true
}

func (f *Failover) live() (Cache, bool) {
	if f.source == nil {
		return nil, false
	}
	return f.source.Live()
}

func (f *Failover) liveFailed(ctx context.Context, op string, err error) {
	fallbackTotal.WithLabelValues(f.name, op).Inc()
	connectivity := IsConnectivityError(err)
	logging.Error(ctx, "cache_fallback", err, map[string]any{
		"client":       f.name,
		"op":           op,
		"connectivity": connectivity,
		"at":           time.Now().UTC().Format(time.RFC3339Nano),
	})
	if connectivity && f.source != nil {
		f.source.ReportFailure(err)
	}
}

// route runs fn against the live cache, then against memory on failure.
func route[T any](ctx context.Context, f *Failover, op string, fn func(Cache) (T, error)) T {
	if live, ok := f.live(); ok {
		v, err := fn(live)
		if err == nil {
			return v
		}
		f.liveFailed(ctx, op, err)
	}

	v, err := fn(f.memory)
	if err != nil {
		logging.Error(ctx, "cache_memory_failed", err, map[string]any{
			"client": f.name,
			"op":     op,
		})
		var zero T
		return zero
	}
	return v
}

type found struct {
	val string
	ok  bool
}

func (f *Failover) Get(ctx context.Context, key string) (string, bool, error) {
	r := route(ctx, f, "get", func(c Cache) (found, error) {
		v, ok, err := c.Get(ctx, key)
		return found{v, ok}, err
	})
	return r.val, r.ok, nil
}

func (f *Failover) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	route(ctx, f, "setex", func(c Cache) (struct{}, error) {
		return struct{}{}, c.SetEx(ctx, key, value, ttl)
	})
	return nil
}

func (f *Failover) Del(ctx context.Context, keys ...string) (int64, error) {
	return route(ctx, f, "del", func(c Cache) (int64, error) {
		return c.Del(ctx, keys...)
	}), nil
}

func (f *Failover) Exists(ctx context.Context, key string) (bool, error) {
	return route(ctx, f, "exists", func(c Cache) (bool, error) {
		return c.Exists(ctx, key)
	}), nil
}

func (f *Failover) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return route(ctx, f, "expire", func(c Cache) (bool, error) {
		return c.Expire(ctx, key, ttl)
	}), nil
}

func (f *Failover) TTL(ctx context.Context, key string) (time.Duration, error) {
	return route(ctx, f, "ttl", func(c Cache) (time.Duration, error) {
		return c.TTL(ctx, key)
	}), nil
}

func (f *Failover) ZAdd(ctx context.Context, key string, members ...Z) (int64, error) {
	return route(ctx, f, "zadd", func(c Cache) (int64, error) {
		return c.ZAdd(ctx, key, members...)
	}), nil
}

func (f *Failover) ZRange(ctx context.Context, key string, start, stop int64) ([]Z, error) {
	zs := route(ctx, f, "zrange", func(c Cache) ([]Z, error) {
		return c.ZRange(ctx, key, start, stop)
	})
	if zs == nil {
		zs = []Z{}
	}
	return zs, nil
}

func (f *Failover) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	return route(ctx, f, "zrem", func(c Cache) (int64, error) {
		return c.ZRem(ctx, key, members...)
	}), nil
}

func (f *Failover) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	return route(ctx, f, "zremrangebyscore", func(c Cache) (int64, error) {
		return c.ZRemRangeByScore(ctx, key, min, max)
	}), nil
}

func (f *Failover) ZCard(ctx context.Context, key string) (int64, error) {
	return route(ctx, f, "zcard", func(c Cache) (int64, error) {
		return c.ZCard(ctx, key)
	}), nil
}

func (f *Failover) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return route(ctx, f, "hincrby", func(c Cache) (int64, error) {
		return c.HIncrBy(ctx, key, field, incr)
	}), nil
}

func (f *Failover) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	h := route(ctx, f, "hgetall", func(c Cache) (map[string]string, error) {
		return c.HGetAll(ctx, key)
	})
	if h == nil {
		h = map[string]string{}
	}
	return h, nil
}

func (f *Failover) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys := route(ctx, f, "keys", func(c Cache) ([]string, error) {
		return c.Keys(ctx, pattern)
	})
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// Ping reports whether either path answers. It never fails because the memory
// path is always available; use IsReady to probe the live connection.
func (f *Failover) Ping(ctx context.Context) error {
	route(ctx, f, "ping", func(c Cache) (struct{}, error) {
		return struct{}{}, c.Ping(ctx)
	})
	return nil
}

// Exec runs the batch live, or entirely in memory if the live pipeline fails.
// The result slice always has one entry per queued operation.
func (f *Failover) Exec(ctx context.Context, b *Batch) ([]Result, error) {
	results := route(ctx, f, "pipeline", func(c Cache) ([]Result, error) {
		return c.Exec(ctx, b)
	})
	if results == nil {
		results = make([]Result, b.Len())
	}
	return results, nil
}

var _ Cache = (*Failover)(nil)
