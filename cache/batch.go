package cache

import (
	"fmt"
	"time"
)

type opKind uint8

const (
	opGet opKind = iota + 1
	opSetEx
	opDel
	opExists
	opExpire
	opTTL
	opZAdd
	opZRange
	opZRem
	opZRemRangeByScore
	opZCard
	opHIncrBy
	opHGetAll
)

func (k opKind) String() string {
	switch k {
	case opGet:
		return "get"
	case opSetEx:
		return "setex"
	case opDel:
		return "del"
	case opExists:
		return "exists"
	case opExpire:
		return "expire"
	case opTTL:
		return "ttl"
	case opZAdd:
		return "zadd"
	case opZRange:
		return "zrange"
	case opZRem:
		return "zrem"
	case opZRemRangeByScore:
		return "zremrangebyscore"
	case opZCard:
		return "zcard"
	case opHIncrBy:
		return "hincrby"
	case opHGetAll:
		return "hgetall"
	}
	return fmt.Sprintf("op(%d)", k)
}

type op struct {
	kind     opKind
	key      string
	keys     []string
	value    string
	ttl      time.Duration
	zs       []Z
	names    []string
	min, max string
	start    int64
	stop     int64
	field    string
	incr     int64
}

// Batch queues operations for a single round trip. On the live path it maps to
// a Redis pipeline; in memory the operations run sequentially. Either way Exec
// returns one Result per queued operation.
//
// A Batch is not safe for concurrent use while it is being built.
type Batch struct {
	ops []op
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

func (b *Batch) add(o op) *Batch {
	b.ops = append(b.ops, o)
	return b
}

func (b *Batch) Get(key string) *Batch {
	return b.add(op{kind: opGet, key: key})
}

func (b *Batch) SetEx(key, value string, ttl time.Duration) *Batch {
	return b.add(op{kind: opSetEx, key: key, value: value, ttl: ttl})
}

func (b *Batch) Del(keys ...string) *Batch {
	return b.add(op{kind: opDel, keys: keys})
}

func (b *Batch) Exists(key string) *Batch {
	return b.add(op{kind: opExists, key: key})
}

func (b *Batch) Expire(key string, ttl time.Duration) *Batch {
	return b.add(op{kind: opExpire, key: key, ttl: ttl})
}

func (b *Batch) TTL(key string) *Batch {
	return b.add(op{kind: opTTL, key: key})
}

func (b *Batch) ZAdd(key string, members ...Z) *Batch {
	return b.add(op{kind: opZAdd, key: key, zs: members})
}

func (b *Batch) ZRange(key string, start, stop int64) *Batch {
	return b.add(op{kind: opZRange, key: key, start: start, stop: stop})
}

func (b *Batch) ZRem(key string, members ...string) *Batch {
	return b.add(op{kind: opZRem, key: key, names: members})
}

func (b *Batch) ZRemRangeByScore(key, min, max string) *Batch {
	return b.add(op{kind: opZRemRangeByScore, key: key, min: min, max: max})
}

func (b *Batch) ZCard(key string) *Batch {
	return b.add(op{kind: opZCard, key: key})
}

func (b *Batch) HIncrBy(key, field string, incr int64) *Batch {
	return b.add(op{kind: opHIncrBy, key: key, field: field, incr: incr})
}

func (b *Batch) HGetAll(key string) *Batch {
	return b.add(op{kind: opHGetAll, key: key})
}

// Result is the outcome of one batched operation.
//
// Val holds int64 for counting commands (del, zadd, zrem, zremrangebyscore,
// zcard, hincrby), bool for exists and expire, time.Duration for ttl, []Z for
// zrange, map[string]string for hgetall, string for a found get, and nil for
// setex or a missing get.
type Result struct {
	Val any
	Err error
}

// Int returns the integer value or 0.
func (r Result) Int() int64 {
	v, _ := r.Val.(int64)
	return v
}

// Bool returns the boolean value or false.
func (r Result) Bool() bool {
	v, _ := r.Val.(bool)
	return v
}

// Str returns the string value and whether it was present.
func (r Result) Str() (string, bool) {
	v, ok := r.Val.(string)
	return v, ok
}

// Zs returns the sorted-set members or nil.
func (r Result) Zs() []Z {
	v, _ := r.Val.([]Z)
	return v
}

// Duration returns the TTL value, or KeyMissing when absent.
func (r Result) Duration() time.Duration {
	v, ok := r.Val.(time.Duration)
	if !ok {
		return KeyMissing
	}
	return v
}
