package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Live is a Redis-backed implementation of Cache.
// Every command is bounded by the configured timeout.
type Live struct {
	client  *redis.Client
	timeout time.Duration
}

// NewLive wraps a go-redis client. A non-positive timeout leaves command
// deadlines to the caller's context and the client's own read/write timeouts.
func NewLive(client *redis.Client, timeout time.Duration) *Live {
	return &Live{client: client, timeout: timeout}
}

func (l *Live) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

func (l *Live) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	val, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	return val, true, nil
}

func (l *Live) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	ctx, cancel := l.bound(ctx)
	defer cancel()

	if err := l.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis setex failed: %w", err)
	}
	return nil
}

func (l *Live) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := l.bound(ctx)
	defer cancel()

	n, err := l.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del failed: %w", err)
	}
	return n, nil
}

func (l *Live) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	n, err := l.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

func (l *Live) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	ok, err := l.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis expire failed: %w", err)
	}
	return ok, nil
}

func (l *Live) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil {
		return KeyMissing, fmt.Errorf("redis ttl failed: %w", err)
	}
	return ttl, nil
}

func (l *Live) ZAdd(ctx context.Context, key string, members ...Z) (int64, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	n, err := l.client.ZAdd(ctx, key, toRedisZ(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zadd failed: %w", err)
	}
	return n, nil
}

func (l *Live) ZRange(ctx context.Context, key string, start, stop int64) ([]Z, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	zs, err := l.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange failed: %w", err)
	}
	return fromRedisZ(zs), nil
}

func (l *Live) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	ctx, cancel := l.bound(ctx)
	defer cancel()

	n, err := l.client.ZRem(ctx, key, stringsToAny(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrem failed: %w", err)
	}
	return n, nil
}

func (l *Live) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	n, err := l.client.ZRemRangeByScore(ctx, key, min, max).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zremrangebyscore failed: %w", err)
	}
	return n, nil
}

func (l *Live) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	n, err := l.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard failed: %w", err)
	}
	return n, nil
}

func (l *Live) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	n, err := l.client.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hincrby failed: %w", err)
	}
	return n, nil
}

func (l *Live) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	h, err := l.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	return h, nil
}

func (l *Live) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	keys, err := l.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys failed: %w", err)
	}
	return keys, nil
}

func (l *Live) Ping(ctx context.Context) error {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Exec sends the batch as one pipeline. A transport failure fails the whole
// batch; reply errors for individual commands are reported in their Result.
func (l *Live) Exec(ctx context.Context, b *Batch) ([]Result, error) {
	if b.Len() == 0 {
		return []Result{}, nil
	}
	for _, o := range b.ops {
		if o.kind == opSetEx && o.ttl <= 0 {
			return nil, ErrInvalidTTL
		}
	}

	ctx, cancel := l.bound(ctx)
	defer cancel()

	pipe := l.client.Pipeline()
	cmds := make([]redis.Cmder, len(b.ops))
	for i, o := range b.ops {
		cmds[i] = queue(ctx, pipe, o)
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) && IsConnectivityError(err) {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	results := make([]Result, len(cmds))
	for i, cmd := range cmds {
		results[i] = collect(cmd)
	}
	return results, nil
}

func queue(ctx context.Context, pipe redis.Pipeliner, o op) redis.Cmder {
	switch o.kind {
	case opGet:
		return pipe.Get(ctx, o.key)
	case opSetEx:
		return pipe.Set(ctx, o.key, o.value, o.ttl)
	case opDel:
		return pipe.Del(ctx, o.keys...)
	case opExists:
		return pipe.Exists(ctx, o.key)
	case opExpire:
		return pipe.PExpire(ctx, o.key, o.ttl)
	case opTTL:
		return pipe.TTL(ctx, o.key)
	case opZAdd:
		return pipe.ZAdd(ctx, o.key, toRedisZ(o.zs)...)
	case opZRange:
		return pipe.ZRangeWithScores(ctx, o.key, o.start, o.stop)
	case opZRem:
		return pipe.ZRem(ctx, o.key, stringsToAny(o.names)...)
	case opZRemRangeByScore:
		return pipe.ZRemRangeByScore(ctx, o.key, o.min, o.max)
	case opZCard:
		return pipe.ZCard(ctx, o.key)
	case opHIncrBy:
		return pipe.HIncrBy(ctx, o.key, o.field, o.incr)
	case opHGetAll:
		return pipe.HGetAll(ctx, o.key)
	}
	panic("cache: unknown batch operation " + o.kind.String())
}

func collect(cmd redis.Cmder) Result {
	switch c := cmd.(type) {
	case *redis.StringCmd:
		v, err := c.Result()
		if errors.Is(err, redis.Nil) {
			return Result{}
		}
		if err != nil {
			return Result{Err: err}
		}
		return Result{Val: v}
	case *redis.StatusCmd:
		return Result{Err: c.Err()}
	case *redis.IntCmd:
		v, err := c.Result()
		return Result{Val: v, Err: err}
	case *redis.BoolCmd:
		v, err := c.Result()
		return Result{Val: v, Err: err}
	case *redis.DurationCmd:
		v, err := c.Result()
		return Result{Val: v, Err: err}
	case *redis.ZSliceCmd:
		v, err := c.Result()
		return Result{Val: fromRedisZ(v), Err: err}
	case *redis.MapStringStringCmd:
		v, err := c.Result()
		return Result{Val: v, Err: err}
	}
	return Result{Err: fmt.Errorf("unexpected command type %T", cmd)}
}

func toRedisZ(members []Z) []redis.Z {
	out := make([]redis.Z, len(members))
	for i, z := range members {
		out[i] = redis.Z{Score: z.Score, Member: z.Member}
	}
	return out
}

func fromRedisZ(zs []redis.Z) []Z {
	out := make([]Z, len(zs))
	for i, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			member = fmt.Sprint(z.Member)
		}
		out[i] = Z{Score: z.Score, Member: member}
	}
	return out
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

var _ Cache = (*Live)(nil)
