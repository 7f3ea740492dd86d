// Package loginguard tracks failed logins per identifier and per IP in sliding
// windows and decides lockouts, IP blocks, progressive delays and captcha
// challenges.
//
// Attempts are members of the sorted sets login_attempts:<id> and
// ip_attempts:<ip>, scored by their Unix millisecond timestamp. Every count
// first removes members older than the window, so an attempt exactly one
// window old still counts and one a millisecond older does not.
//
// Locks are JSON records under user_lockout:<id> and ip_block:<ip> whose TTL
// is the lock duration. Presence means locked; there is no unlocked record.
package loginguard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhalm/guardkit/cache"
	"github.com/nhalm/guardkit/internal/logging"
)

const (
	attemptsPrefix   = "login_attempts:"
	ipAttemptsPrefix = "ip_attempts:"
	lockoutPrefix    = "user_lockout:"
	blockPrefix      = "ip_block:"
)

// Lock reasons.
const (
	LockReasonAttempts   = "too_many_failed_attempts"
	LockReasonIPAttempts = "too_many_failed_attempts_from_ip"
	LockReasonManual     = "manual"
)

// Decision reasons returned by Check.
const (
	ReasonLocked    = "locked"
	ReasonIPBlocked = "ip_blocked"
)

// Config configures a Guard. Zero values take the defaults noted.
type Config struct {
	// MaxAttempts per identifier within AttemptWindow before lockout (default: 5).
	MaxAttempts int64

	// AttemptWindow (default: 15m).
	AttemptWindow time.Duration

	// LockoutDuration (default: 30m).
	LockoutDuration time.Duration

	// IPMaxAttempts per IP within IPAttemptWindow before blocking (default: 20).
	IPMaxAttempts int64

	// IPAttemptWindow (default: 15m).
	IPAttemptWindow time.Duration

	// IPBlockDuration (default: 1h).
	IPBlockDuration time.Duration

	// BaseDelay and MaxDelay bound the progressive delay (defaults: 1s, 30s).
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// CaptchaThreshold is the attempt count from which a captcha is required (default: 3).
	CaptchaThreshold int64

	// SuspiciousIPVolume is the IP attempt count that raises the risk score (default: 10).
	SuspiciousIPVolume int64

	// Now is the clock (default: time.Now).
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = 15 * time.Minute
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = 30 * time.Minute
	}
	if c.IPMaxAttempts <= 0 {
		c.IPMaxAttempts = 20
	}
	if c.IPAttemptWindow <= 0 {
		c.IPAttemptWindow = 15 * time.Minute
	}
	if c.IPBlockDuration <= 0 {
		c.IPBlockDuration = time.Hour
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.CaptchaThreshold <= 0 {
		c.CaptchaThreshold = 3
	}
	if c.SuspiciousIPVolume <= 0 {
		c.SuspiciousIPVolume = 10
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Lock is the stored lockout or block record.
type Lock struct {
	Reason    string    `json:"reason"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LockStatus reports whether an identifier or IP is locked and for how long.
type LockStatus struct {
	Locked    bool
	Reason    string
	LockedAt  time.Time
	ExpiresAt time.Time
	Remaining time.Duration
}

// AttemptContext carries request details recorded with a failed attempt.
type AttemptContext struct {
	UserAgent string
}

// Outcome summarises the state after RecordFailedAttempt.
type Outcome struct {
	Attempts        int64
	IPAttempts      int64
	Lockout         LockStatus
	IPBlock         LockStatus
	Delay           time.Duration
	CaptchaRequired bool
	Risk            Risk
}

// Decision is the pre-authentication verdict returned by Check.
type Decision struct {
	Allowed         bool
	Reason          string
	Remaining       time.Duration
	Delay           time.Duration
	CaptchaRequired bool
}

// Guard applies login security policy over a cache.Cache.
type Guard struct {
	cache cache.Cache
	cfg   Config
}

// New creates a Guard backed by c, normally a *cache.Failover.
func New(c cache.Cache, cfg Config) *Guard {
	return &Guard{cache: c, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

func ms(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// pruneBound is the exclusive upper bound of scores removed for window.
func pruneBound(now time.Time, window time.Duration) string {
	return cache.ScoreExclusive(ms(now.Add(-window)))
}

// RecordFailedAttempt records a failed login for identifier from ip and
// applies lockout and block policy. Either identifier or ip may be empty.
// Existing locks are reported as they are and never extended.
func (g *Guard) RecordFailedAttempt(ctx context.Context, identifier, ip string, ac AttemptContext, reason string) Outcome {
	now := g.cfg.Now()
	member := fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.NewString())
	entry := cache.Z{Score: ms(now), Member: member}

	b := cache.NewBatch()
	userCard, ipCard := -1, -1
	if identifier != "" {
		key := attemptsPrefix + identifier
		b.ZAdd(key, entry).
			Expire(key, g.cfg.AttemptWindow).
			ZRemRangeByScore(key, "-inf", pruneBound(now, g.cfg.AttemptWindow)).
			ZCard(key)
		userCard = b.Len() - 1
	}
	if ip != "" {
		key := ipAttemptsPrefix + ip
		b.ZAdd(key, entry).
			Expire(key, g.cfg.IPAttemptWindow).
			ZRemRangeByScore(key, "-inf", pruneBound(now, g.cfg.IPAttemptWindow)).
			ZCard(key)
		ipCard = b.Len() - 1
	}
	if b.Len() == 0 {
		return Outcome{Risk: g.AssessRisk(0, ac.UserAgent)}
	}

	results, err := g.cache.Exec(ctx, b)
	if err != nil {
		logging.Error(ctx, "login_attempt_record_failed", err, map[string]any{"identifier": identifier, "ip": ip})
		return Outcome{}
	}
	failedAttempts.Inc()

	var out Outcome
	if userCard >= 0 {
		out.Attempts = results[userCard].Int()
	}
	if ipCard >= 0 {
		out.IPAttempts = results[ipCard].Int()
	}

	if identifier != "" {
		if out.Attempts >= g.cfg.MaxAttempts {
			out.Lockout = g.lock(ctx, lockoutPrefix+identifier, "user", LockReasonAttempts, now, g.cfg.LockoutDuration)
		} else {
			out.Lockout = g.status(ctx, lockoutPrefix+identifier, now)
		}
	}
	if ip != "" {
		if out.IPAttempts >= g.cfg.IPMaxAttempts {
			out.IPBlock = g.lock(ctx, blockPrefix+ip, "ip", LockReasonIPAttempts, now, g.cfg.IPBlockDuration)
		} else {
			out.IPBlock = g.status(ctx, blockPrefix+ip, now)
		}
	}

	out.Delay = g.delay(out.Attempts)
	out.CaptchaRequired = identifier != "" && out.Attempts >= g.cfg.CaptchaThreshold
	out.Risk = g.AssessRisk(out.IPAttempts, ac.UserAgent)

	logging.Event(ctx, "login_failed", map[string]any{
		"identifier":  identifier,
		"ip":          ip,
		"reason":      reason,
		"attempts":    out.Attempts,
		"ip_attempts": out.IPAttempts,
		"locked":      out.Lockout.Locked,
		"ip_blocked":  out.IPBlock.Locked,
		"risk_score":  out.Risk.Score,
		"risk_level":  out.Risk.Level,
	})
	return out
}

// lock writes a lock record unless one is already active, in which case the
// active one is returned unchanged.
func (g *Guard) lock(ctx context.Context, key, kind, reason string, now time.Time, d time.Duration) LockStatus {
	if st := g.status(ctx, key, now); st.Locked {
		return st
	}

	l := Lock{Reason: reason, LockedAt: now, ExpiresAt: now.Add(d)}
	data, err := json.Marshal(l)
	if err != nil {
		logging.Error(ctx, "login_lock_encode_failed", err, nil)
		return LockStatus{}
	}
	if err := g.cache.SetEx(ctx, key, string(data), d); err != nil {
		logging.Error(ctx, "login_lock_store_failed", err, map[string]any{"key": key})
	}

	locksIssued.WithLabelValues(kind).Inc()
	logging.Event(ctx, "login_locked", map[string]any{
		"key":        key,
		"reason":     reason,
		"expires_at": l.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return LockStatus{Locked: true, Reason: l.Reason, LockedAt: l.LockedAt, ExpiresAt: l.ExpiresAt, Remaining: d}
}

func (g *Guard) status(ctx context.Context, key string, now time.Time) LockStatus {
	raw, ok, err := g.cache.Get(ctx, key)
	if err != nil || !ok {
		return LockStatus{}
	}
	var l Lock
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		logging.Error(ctx, "login_lock_corrupt", err, map[string]any{"key": key})
		_, _ = g.cache.Del(ctx, key)
		return LockStatus{}
	}
	remaining := l.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return LockStatus{}
	}
	return LockStatus{Locked: true, Reason: l.Reason, LockedAt: l.LockedAt, ExpiresAt: l.ExpiresAt, Remaining: remaining}
}

// IsUserLockedOut reports the lockout status of identifier.
func (g *Guard) IsUserLockedOut(ctx context.Context, identifier string) LockStatus {
	return g.status(ctx, lockoutPrefix+identifier, g.cfg.Now())
}

// IsIPBlocked reports the block status of ip.
func (g *Guard) IsIPBlocked(ctx context.Context, ip string) LockStatus {
	return g.status(ctx, blockPrefix+ip, g.cfg.Now())
}

// Check is run before verifying credentials. It rejects blocked IPs and
// locked identifiers, and otherwise reports the delay and captcha policy for
// the attempt.
func (g *Guard) Check(ctx context.Context, identifier, ip string) Decision {
	if ip != "" {
		if st := g.IsIPBlocked(ctx, ip); st.Locked {
			return Decision{Reason: ReasonIPBlocked, Remaining: st.Remaining}
		}
	}
	if identifier != "" {
		if st := g.IsUserLockedOut(ctx, identifier); st.Locked {
			return Decision{Reason: ReasonLocked, Remaining: st.Remaining}
		}
	}
	n := g.AttemptCount(ctx, identifier)
	return Decision{
		Allowed:         true,
		Delay:           g.delay(n),
		CaptchaRequired: n >= g.cfg.CaptchaThreshold,
	}
}

// AttemptCount returns the number of failed attempts for identifier within
// the window, pruning older ones.
func (g *Guard) AttemptCount(ctx context.Context, identifier string) int64 {
	if identifier == "" {
		return 0
	}
	return g.count(ctx, attemptsPrefix+identifier, g.cfg.AttemptWindow)
}

// IPAttemptCount returns the number of failed attempts from ip within the IP
// window, pruning older ones.
func (g *Guard) IPAttemptCount(ctx context.Context, ip string) int64 {
	if ip == "" {
		return 0
	}
	return g.count(ctx, ipAttemptsPrefix+ip, g.cfg.IPAttemptWindow)
}

func (g *Guard) count(ctx context.Context, key string, window time.Duration) int64 {
	b := cache.NewBatch().
		ZRemRangeByScore(key, "-inf", pruneBound(g.cfg.Now(), window)).
		ZCard(key)
	results, err := g.cache.Exec(ctx, b)
	if err != nil {
		return 0
	}
	return results[1].Int()
}

// CalculateProgressiveDelay returns how long the caller should wait before
// answering the next attempt for identifier: BaseDelay doubled per attempt
// after the first, capped at MaxDelay, and zero without attempts.
func (g *Guard) CalculateProgressiveDelay(ctx context.Context, identifier string) time.Duration {
	return g.delay(g.AttemptCount(ctx, identifier))
}

func (g *Guard) delay(attempts int64) time.Duration {
	if attempts <= 0 {
		return 0
	}
	shift := attempts - 1
	if shift >= 63 || g.cfg.BaseDelay > g.cfg.MaxDelay>>shift {
		return g.cfg.MaxDelay
	}
	return g.cfg.BaseDelay << shift
}

// IsCaptchaRequired reports whether identifier has reached the captcha threshold.
func (g *Guard) IsCaptchaRequired(ctx context.Context, identifier string) bool {
	return g.AttemptCount(ctx, identifier) >= g.cfg.CaptchaThreshold
}

// ClearFailedAttempts is called after a successful login. It deletes the
// attempts and lockout of identifier. The IP history is only pruned so abuse
// across accounts from the same address stays visible.
func (g *Guard) ClearFailedAttempts(ctx context.Context, identifier, ip string) {
	b := cache.NewBatch()
	if identifier != "" {
		b.Del(attemptsPrefix+identifier, lockoutPrefix+identifier)
	}
	if ip != "" {
		b.ZRemRangeByScore(ipAttemptsPrefix+ip, "-inf", pruneBound(g.cfg.Now(), g.cfg.IPAttemptWindow))
	}
	if b.Len() == 0 {
		return
	}
	if _, err := g.cache.Exec(ctx, b); err != nil {
		logging.Error(ctx, "login_clear_failed", err, map[string]any{"identifier": identifier})
		return
	}
	logging.Event(ctx, "login_attempts_cleared", map[string]any{"identifier": identifier, "ip": ip})
}

// Unlock removes the lockout and attempt history of identifier. It reports
// whether a lockout existed.
func (g *Guard) Unlock(ctx context.Context, identifier string) bool {
	results, err := g.cache.Exec(ctx, cache.NewBatch().
		Del(lockoutPrefix+identifier).
		Del(attemptsPrefix+identifier))
	if err != nil {
		return false
	}
	existed := results[0].Int() > 0
	logging.Event(ctx, "login_unlocked", map[string]any{"identifier": identifier, "existed": existed})
	return existed
}

// Unblock removes the block and attempt history of ip. It reports whether a
// block existed.
func (g *Guard) Unblock(ctx context.Context, ip string) bool {
	results, err := g.cache.Exec(ctx, cache.NewBatch().
		Del(blockPrefix+ip).
		Del(ipAttemptsPrefix+ip))
	if err != nil {
		return false
	}
	existed := results[0].Int() > 0
	logging.Event(ctx, "ip_unblocked", map[string]any{"ip": ip, "existed": existed})
	return existed
}

// LockUser locks identifier for d regardless of its attempt count, or for
// LockoutDuration when d is not positive. An active lock is left unchanged.
func (g *Guard) LockUser(ctx context.Context, identifier string, d time.Duration) LockStatus {
	if d <= 0 {
		d = g.cfg.LockoutDuration
	}
	return g.lock(ctx, lockoutPrefix+identifier, "user", LockReasonManual, g.cfg.Now(), d)
}
