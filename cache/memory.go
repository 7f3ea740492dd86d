package cache

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

type entryKind uint8

const (
	kindString entryKind = iota + 1
	kindZSet
	kindHash
)

type memoryEntry struct {
	kind       entryKind
	str        string
	zset       map[string]float64
	hash       map[string]int64
	expiration time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && !now.Before(e.expiration)
}

// Memory is an in-process emulation of the Cache command surface.
//
// Expired keys are treated as absent on read and removed lazily. A background
// goroutine also sweeps expired keys so abandoned keys do not accumulate.
//
// WARNING: state is local to this instance. Each Failover owns its own Memory,
// so data written while degraded is not visible to other consumers or other
// processes, and is not replayed to Redis after recovery.
//
// Important: call Close when done to stop the sweep goroutine.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	now      func() time.Time
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithClock sets the time source used for expiry. Intended for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithSweepInterval sets how often expired keys are swept (default: 1 minute).
// A non-positive interval disables the background goroutine.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.interval = d
	}
}

// NewMemory creates an empty in-memory cache.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:  make(map[string]*memoryEntry),
		now:      time.Now,
		interval: time.Minute,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval > 0 {
		go m.cleanup()
	}
	return m
}

// Close stops the background sweep. The cache remains usable.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}

// Len returns the number of keys currently held, including expired keys not
// yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep removes every expired key and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// lookup returns the live entry for key, deleting it if expired.
// Caller must hold m.mu.
func (m *Memory) lookup(key string, now time.Time) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.expired(now) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(key, m.now())
}

func (m *Memory) get(key string, now time.Time) (string, bool, error) {
	e := m.lookup(key, now)
	if e == nil {
		return "", false, nil
	}
	if e.kind != kindString {
		return "", false, ErrWrongType
	}
	return e.str, true, nil
}

func (m *Memory) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setEx(key, value, ttl, m.now())
}

func (m *Memory) setEx(key, value string, ttl time.Duration, now time.Time) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	m.entries[key] = &memoryEntry{
		kind:       kindString,
		str:        value,
		expiration: now.Add(ttl),
	}
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.del(keys, m.now()), nil
}

func (m *Memory) del(keys []string, now time.Time) int64 {
	var n int64
	for _, key := range keys {
		if m.lookup(key, now) != nil {
			delete(m.entries, key)
			n++
		}
	}
	return n
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(key, m.now()) != nil, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expire(key, ttl, m.now()), nil
}

func (m *Memory) expire(key string, ttl time.Duration, now time.Time) bool {
	e := m.lookup(key, now)
	if e == nil {
		return false
	}
	if ttl <= 0 {
		delete(m.entries, key)
		return true
	}
	e.expiration = now.Add(ttl)
	return true
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttl(key, m.now()), nil
}

func (m *Memory) ttl(key string, now time.Time) time.Duration {
	e := m.lookup(key, now)
	if e == nil {
		return KeyMissing
	}
	if e.expiration.IsZero() {
		return NoExpiry
	}
	// Redis reports whole seconds, rounded.
	return e.expiration.Sub(now).Round(time.Second)
}

// zsetFor returns the sorted set at key, creating it when create is true.
// Caller must hold m.mu.
func (m *Memory) zsetFor(key string, now time.Time, create bool) (*memoryEntry, error) {
	e := m.lookup(key, now)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &memoryEntry{kind: kindZSet, zset: make(map[string]float64)}
		m.entries[key] = e
		return e, nil
	}
	if e.kind != kindZSet {
		return nil, ErrWrongType
	}
	return e, nil
}

func (m *Memory) ZAdd(_ context.Context, key string, members ...Z) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zAdd(key, members, m.now())
}

func (m *Memory) zAdd(key string, members []Z, now time.Time) (int64, error) {
	e, err := m.zsetFor(key, now, true)
	if err != nil {
		return 0, err
	}
	var added int64
	for _, z := range members {
		if _, ok := e.zset[z.Member]; !ok {
			added++
		}
		e.zset[z.Member] = z.Score
	}
	return added, nil
}

func (m *Memory) ZRange(_ context.Context, key string, start, stop int64) ([]Z, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zRange(key, start, stop, m.now())
}

func (m *Memory) zRange(key string, start, stop int64, now time.Time) ([]Z, error) {
	e, err := m.zsetFor(key, now, false)
	if err != nil || e == nil {
		return nil, err
	}
	sorted := sortedMembers(e.zset)

	n := int64(len(sorted))
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []Z{}, nil
	}
	return sorted[start : stop+1], nil
}

// sortedMembers orders members by score, then lexicographically, as Redis does.
func sortedMembers(set map[string]float64) []Z {
	out := make([]Z, 0, len(set))
	for member, score := range set {
		out = append(out, Z{Score: score, Member: member})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zRem(key, members, m.now())
}

func (m *Memory) zRem(key string, members []string, now time.Time) (int64, error) {
	e, err := m.zsetFor(key, now, false)
	if err != nil || e == nil {
		return 0, err
	}
	var removed int64
	for _, member := range members {
		if _, ok := e.zset[member]; ok {
			delete(e.zset, member)
			removed++
		}
	}
	if len(e.zset) == 0 {
		delete(m.entries, key)
	}
	return removed, nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key, min, max string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zRemRangeByScore(key, min, max, m.now())
}

func (m *Memory) zRemRangeByScore(key, minBound, maxBound string, now time.Time) (int64, error) {
	lo, loEx, err := parseScoreBound(minBound)
	if err != nil {
		return 0, err
	}
	hi, hiEx, err := parseScoreBound(maxBound)
	if err != nil {
		return 0, err
	}
	e, err := m.zsetFor(key, now, false)
	if err != nil || e == nil {
		return 0, err
	}

	var removed int64
	for member, score := range e.zset {
		if inRange(score, lo, loEx, hi, hiEx) {
			delete(e.zset, member)
			removed++
		}
	}
	if len(e.zset) == 0 {
		delete(m.entries, key)
	}
	return removed, nil
}

func inRange(v, lo float64, loEx bool, hi float64, hiEx bool) bool {
	if loEx {
		if v <= lo {
			return false
		}
	} else if v < lo {
		return false
	}
	if hiEx {
		return v < hi
	}
	return v <= hi
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zCard(key, m.now())
}

func (m *Memory) zCard(key string, now time.Time) (int64, error) {
	e, err := m.zsetFor(key, now, false)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.zset)), nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, incr int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hIncrBy(key, field, incr, m.now())
}

func (m *Memory) hIncrBy(key, field string, incr int64, now time.Time) (int64, error) {
	e := m.lookup(key, now)
	if e == nil {
		e = &memoryEntry{kind: kindHash, hash: make(map[string]int64)}
		m.entries[key] = e
	}
	if e.kind != kindHash {
		return 0, ErrWrongType
	}
	e.hash[field] += incr
	return e.hash[field], nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hGetAll(key, m.now())
}

func (m *Memory) hGetAll(key string, now time.Time) (map[string]string, error) {
	out := make(map[string]string)
	e := m.lookup(key, now)
	if e == nil {
		return out, nil
	}
	if e.kind != kindHash {
		return nil, ErrWrongType
	}
	for field, v := range e.hash {
		out[field] = strconv.FormatInt(v, 10)
	}
	return out, nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	keys := make([]string, 0)
	for key := range m.entries {
		if m.lookup(key, now) == nil {
			continue
		}
		if re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// globToRegexp translates a Redis glob into an anchored regexp. It supports
// *, ?, [...] classes with ranges and ^ negation, and \ escapes. An unclosed
// [ matches itself.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	rs := []rune(pattern)
	var sb strings.Builder
	sb.Grow(len(pattern) + 8)
	sb.WriteString("(?s)^")
	for i := 0; i < len(rs); i++ {
		switch r := rs[i]; r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteByte('.')
		case '\\':
			if i+1 < len(rs) {
				i++
			}
			sb.WriteString(regexp.QuoteMeta(string(rs[i])))
		case '[':
			end := classEnd(rs, i+1)
			if end < 0 {
				sb.WriteString(`\[`)
				continue
			}
			writeClass(&sb, rs[i+1:end])
			i = end
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteByte('$')
	return regexp.Compile(sb.String())
}

// classEnd returns the index of the ] closing a class that starts at from,
// or -1.
func classEnd(rs []rune, from int) int {
	i := from
	if i < len(rs) && rs[i] == '^' {
		i++
	}
	for ; i < len(rs); i++ {
		switch rs[i] {
		case '\\':
			i++
		case ']':
			return i
		}
	}
	return -1
}

func writeClass(sb *strings.Builder, body []rune) {
	negate := len(body) > 0 && body[0] == '^'
	if negate {
		body = body[1:]
	}
	if len(body) == 0 {
		// Redis: [] matches nothing, [^] matches any one character.
		if negate {
			sb.WriteByte('.')
		} else {
			sb.WriteString(`[^\x00-\x{10FFFF}]`)
		}
		return
	}

	sb.WriteByte('[')
	if negate {
		sb.WriteByte('^')
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '\\' && i+1 < len(body) {
			i++
			writeClassRune(sb, body[i])
			continue
		}
		if i+2 < len(body) && body[i+1] == '-' {
			lo, hi := c, body[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			writeClassRune(sb, lo)
			sb.WriteByte('-')
			writeClassRune(sb, hi)
			i += 2
			continue
		}
		writeClassRune(sb, c)
	}
	sb.WriteByte(']')
}

func writeClassRune(sb *strings.Builder, r rune) {
	if r < utf8.RuneSelf && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
		sb.WriteByte('\\')
	}
	sb.WriteRune(r)
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

// Exec runs the batch sequentially under a single lock, so no other caller can
// interleave with it.
func (m *Memory) Exec(_ context.Context, b *Batch) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	results := make([]Result, len(b.ops))
	for i, o := range b.ops {
		results[i] = m.apply(o, now)
	}
	return results, nil
}

func (m *Memory) apply(o op, now time.Time) Result {
	switch o.kind {
	case opGet:
		v, ok, err := m.get(o.key, now)
		if err != nil || !ok {
			return Result{Err: err}
		}
		return Result{Val: v}
	case opSetEx:
		return Result{Err: m.setEx(o.key, o.value, o.ttl, now)}
	case opDel:
		return Result{Val: m.del(o.keys, now)}
	case opExists:
		return Result{Val: m.lookup(o.key, now) != nil}
	case opExpire:
		return Result{Val: m.expire(o.key, o.ttl, now)}
	case opTTL:
		return Result{Val: m.ttl(o.key, now)}
	case opZAdd:
		n, err := m.zAdd(o.key, o.zs, now)
		return Result{Val: n, Err: err}
	case opZRange:
		zs, err := m.zRange(o.key, o.start, o.stop, now)
		if zs == nil && err == nil {
			zs = []Z{}
		}
		return Result{Val: zs, Err: err}
	case opZRem:
		n, err := m.zRem(o.key, o.names, now)
		return Result{Val: n, Err: err}
	case opZRemRangeByScore:
		n, err := m.zRemRangeByScore(o.key, o.min, o.max, now)
		return Result{Val: n, Err: err}
	case opZCard:
		n, err := m.zCard(o.key, now)
		return Result{Val: n, Err: err}
	case opHIncrBy:
		n, err := m.hIncrBy(o.key, o.field, o.incr, now)
		return Result{Val: n, Err: err}
	case opHGetAll:
		h, err := m.hGetAll(o.key, now)
		return Result{Val: h, Err: err}
	}
	return Result{Err: errUnknownOp(o.kind)}
}

type errUnknownOp opKind

func (e errUnknownOp) Error() string {
	return "unknown batch operation " + opKind(e).String()
}

var _ Cache = (*Memory)(nil)
