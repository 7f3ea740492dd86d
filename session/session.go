// Package session issues and validates opaque session tokens stored in the
// shared cache, plus single-use remember-me tokens that can mint a new
// session without a password.
//
// Records live under session:<token> with a TTL equal to the remaining
// lifetime, and every session token is indexed in user_sessions:<principal>
// (scored by expiry) so all sessions of a principal can be listed or revoked.
//
// Validation outcomes are values, never errors: callers branch on
// Validation.Reason.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nhalm/guardkit/cache"
	"github.com/nhalm/guardkit/internal/logging"
)

const (
	sessionPrefix  = "session:"
	indexPrefix    = "user_sessions:"
	rememberPrefix = "remember_me:"

	tokenBytes = 32
)

// Reason explains why a token was rejected.
type Reason string

const (
	ReasonInvalidToken     Reason = "invalid_token"
	ReasonNotFound         Reason = "not_found"
	ReasonExpired          Reason = "expired"
	ReasonSecurityMismatch Reason = "security_mismatch"
)

// Details accompanying ReasonSecurityMismatch.
const (
	DetailIPChanged          = "ip_changed"
	DetailUserAgentChanged   = "user_agent_changed"
	DetailFingerprintChanged = "fingerprint_changed"
)

// ErrInvalidPrincipal is returned when a session is requested for an empty
// principal id.
var ErrInvalidPrincipal = errors.New("principal id is required")

// Session is the stored session record.
type Session struct {
	Token         string        `json:"token"`
	PrincipalID   string        `json:"principal_id"`
	Fingerprint   string        `json:"fingerprint"`
	IP            string        `json:"ip"`
	UserAgent     string        `json:"user_agent"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActivity  time.Time     `json:"last_activity"`
	ExpiresAt     time.Time     `json:"expires_at"`
	Lifetime      time.Duration `json:"lifetime"`
	Persistent    bool          `json:"persistent"`
	LoginType     string        `json:"login_type,omitempty"`
	SecurityLevel string        `json:"security_level,omitempty"`
}

// Config configures a Registry. Zero values take the defaults noted.
type Config struct {
	// Lifetime of a regular session (default: 24h).
	Lifetime time.Duration

	// PersistentLifetime of a "keep me signed in" session (default: 7 days).
	PersistentLifetime time.Duration

	// RememberLifetime of a remember-me token (default: 30 days).
	RememberLifetime time.Duration

	// IPPolicy decides which address changes are tolerated (default: SameSubnet(2)).
	IPPolicy IPPolicy

	// Now is the clock (default: time.Now).
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Lifetime <= 0 {
		c.Lifetime = 24 * time.Hour
	}
	if c.PersistentLifetime <= 0 {
		c.PersistentLifetime = 7 * 24 * time.Hour
	}
	if c.RememberLifetime <= 0 {
		c.RememberLifetime = 30 * 24 * time.Hour
	}
	if c.IPPolicy == nil {
		c.IPPolicy = SameSubnet(2)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Registry creates, validates and destroys sessions.
type Registry struct {
	cache cache.Cache
	cfg   Config
}

// New creates a Registry backed by c, normally a *cache.Failover.
func New(c cache.Cache, cfg Config) *Registry {
	return &Registry{cache: c, cfg: cfg.withDefaults()}
}

// CreateOptions tunes a new session.
type CreateOptions struct {
	Persistent bool

	// TTL overrides the lifetime chosen from Persistent.
	TTL time.Duration

	LoginType     string
	SecurityLevel string
}

// Created is returned by CreateSession.
type Created struct {
	Token     string
	ExpiresAt time.Time
}

// Validation is the outcome of ValidateSession and RefreshSession.
type Validation struct {
	Valid   bool
	Reason  Reason
	Detail  string
	Session *Session
}

func invalid(reason Reason, detail string) Validation {
	return Validation{Reason: reason, Detail: detail}
}

// CreateSession starts a session for principalID bound to the device in rc.
func (r *Registry) CreateSession(ctx context.Context, principalID string, rc RequestContext, opts CreateOptions) (Created, error) {
	if principalID == "" {
		return Created{}, ErrInvalidPrincipal
	}
	token, err := newToken()
	if err != nil {
		return Created{}, err
	}

	lifetime := r.cfg.Lifetime
	if opts.Persistent {
		lifetime = r.cfg.PersistentLifetime
	}
	if opts.TTL > 0 {
		lifetime = opts.TTL
	}

	now := r.cfg.Now()
	s := &Session{
		Token:         token,
		PrincipalID:   principalID,
		Fingerprint:   Fingerprint(rc),
		IP:            rc.IP,
		UserAgent:     rc.UserAgent,
		CreatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(lifetime),
		Lifetime:      lifetime,
		Persistent:    opts.Persistent,
		LoginType:     opts.LoginType,
		SecurityLevel: opts.SecurityLevel,
	}

	if err := r.write(ctx, s, now); err != nil {
		return Created{}, err
	}

	logging.Event(ctx, "session_created", map[string]any{
		"principal":  principalID,
		"persistent": opts.Persistent,
		"login_type": opts.LoginType,
		"expires_at": s.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return Created{Token: token, ExpiresAt: s.ExpiresAt}, nil
}

// write stores s with a TTL equal to its remaining lifetime and updates the
// principal index, pruning index entries that have already expired.
func (r *Registry) write(ctx context.Context, s *Session, now time.Time) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	ttl := s.ExpiresAt.Sub(now)
	index := indexPrefix + s.PrincipalID
	b := cache.NewBatch().
		SetEx(sessionPrefix+s.Token, string(data), ttl).
		ZRemRangeByScore(index, "-inf", cache.ScoreExclusive(float64(now.UnixMilli()))).
		ZAdd(index, cache.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.Token}).
		Expire(index, max(ttl, r.cfg.PersistentLifetime))

	results, err := r.cache.Exec(ctx, b)
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if results[0].Err != nil {
		return fmt.Errorf("store session: %w", results[0].Err)
	}
	return nil
}

// load fetches a session record. A corrupt record is deleted and treated as
// missing.
func (r *Registry) load(ctx context.Context, token string) (*Session, bool) {
	raw, ok, err := r.cache.Get(ctx, sessionPrefix+token)
	if err != nil {
		logging.Error(ctx, "session_load_failed", err, nil)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		logging.Error(ctx, "session_corrupt", err, nil)
		_, _ = r.cache.Del(ctx, sessionPrefix+token)
		return nil, false
	}
	return &s, true
}

// ValidateSession checks token against the stored record and the device in
// rc. A valid session has its activity and expiry slid forward by its
// lifetime. Expired sessions and sessions failing a security check are
// destroyed.
func (r *Registry) ValidateSession(ctx context.Context, token string, rc RequestContext) Validation {
	v, s, now := r.check(ctx, token, rc)
	if !v.Valid {
		return v
	}

	s.LastActivity = now
	s.ExpiresAt = now.Add(s.Lifetime)
	if err := r.write(ctx, s, now); err != nil {
		logging.Error(ctx, "session_touch_failed", err, map[string]any{"principal": s.PrincipalID})
	}
	return v
}

// check validates without extending the session.
func (r *Registry) check(ctx context.Context, token string, rc RequestContext) (Validation, *Session, time.Time) {
	if !validToken(token) {
		return invalid(ReasonInvalidToken, ""), nil, time.Time{}
	}

	s, ok := r.load(ctx, token)
	if !ok {
		return invalid(ReasonNotFound, ""), nil, time.Time{}
	}

	now := r.cfg.Now()
	if !now.Before(s.ExpiresAt) {
		r.destroy(ctx, s.Token, s.PrincipalID, string(ReasonExpired))
		return invalid(ReasonExpired, ""), nil, now
	}

	if detail := r.mismatch(s, rc); detail != "" {
		r.destroy(ctx, s.Token, s.PrincipalID, string(ReasonSecurityMismatch)+":"+detail)
		logging.Event(ctx, "session_security_mismatch", map[string]any{
			"principal": s.PrincipalID,
			"detail":    detail,
			"ip":        rc.IP,
		})
		return invalid(ReasonSecurityMismatch, detail), nil, now
	}

	return Validation{Valid: true, Session: s}, s, now
}

func (r *Registry) mismatch(s *Session, rc RequestContext) string {
	switch {
	case s.IP != "" && rc.IP != "" && !r.cfg.IPPolicy.Allow(s.IP, rc.IP):
		return DetailIPChanged
	case s.UserAgent != rc.UserAgent:
		return DetailUserAgentChanged
	case s.Fingerprint != Fingerprint(rc):
		return DetailFingerprintChanged
	}
	return ""
}

// RefreshOptions tunes RefreshSession.
type RefreshOptions struct {
	// TTL replaces the session lifetime when positive.
	TTL time.Duration
}

// RefreshSession validates the session and extends its expiry by its
// lifetime, or by opts.TTL which then becomes the new lifetime.
func (r *Registry) RefreshSession(ctx context.Context, token string, rc RequestContext, opts RefreshOptions) Validation {
	v, s, now := r.check(ctx, token, rc)
	if !v.Valid {
		return v
	}

	if opts.TTL > 0 {
		s.Lifetime = opts.TTL
	}
	s.LastActivity = now
	s.ExpiresAt = now.Add(s.Lifetime)
	if err := r.write(ctx, s, now); err != nil {
		logging.Error(ctx, "session_refresh_failed", err, map[string]any{"principal": s.PrincipalID})
	}

	logging.Event(ctx, "session_refreshed", map[string]any{
		"principal":  s.PrincipalID,
		"expires_at": s.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return v
}

// DestroySession removes the session and its index entry. It reports whether
// a record existed; destroying an unknown token is not an error.
func (r *Registry) DestroySession(ctx context.Context, token, reason string) bool {
	if !validToken(token) {
		return false
	}
	principal := ""
	if s, ok := r.load(ctx, token); ok {
		principal = s.PrincipalID
	}
	return r.destroy(ctx, token, principal, reason)
}

func (r *Registry) destroy(ctx context.Context, token, principal, reason string) bool {
	b := cache.NewBatch().Del(sessionPrefix + token)
	if principal != "" {
		b.ZRem(indexPrefix+principal, token)
	}
	results, err := r.cache.Exec(ctx, b)
	if err != nil {
		logging.Error(ctx, "session_destroy_failed", err, map[string]any{"principal": principal})
		return false
	}

	removed := results[0].Int() > 0
	logging.Event(ctx, "session_destroyed", map[string]any{
		"principal": principal,
		"reason":    reason,
		"existed":   removed,
	})
	return removed
}

// DestroyAllSessions destroys every session of principalID except
// exceptToken, which may be empty. It returns how many sessions were removed.
func (r *Registry) DestroyAllSessions(ctx context.Context, principalID, exceptToken string) int {
	index := indexPrefix + principalID
	entries, err := r.cache.ZRange(ctx, index, 0, -1)
	if err != nil {
		logging.Error(ctx, "session_index_failed", err, map[string]any{"principal": principalID})
		return 0
	}

	var tokens []string
	for _, z := range entries {
		if z.Member != exceptToken {
			tokens = append(tokens, z.Member)
		}
	}
	if len(tokens) == 0 {
		return 0
	}

	b := cache.NewBatch()
	for _, t := range tokens {
		b.Del(sessionPrefix + t)
	}
	b.ZRem(index, tokens...)

	results, err := r.cache.Exec(ctx, b)
	if err != nil {
		logging.Error(ctx, "session_destroy_all_failed", err, map[string]any{"principal": principalID})
		return 0
	}

	destroyed := 0
	for _, res := range results[:len(tokens)] {
		if res.Int() > 0 {
			destroyed++
		}
	}
	logging.Event(ctx, "sessions_destroyed", map[string]any{
		"principal": principalID,
		"count":     destroyed,
		"kept":      exceptToken != "",
	})
	return destroyed
}

// ActiveSessions lists the live sessions of principalID ordered by expiry.
// Index entries whose record is gone are removed.
func (r *Registry) ActiveSessions(ctx context.Context, principalID string) []Session {
	index := indexPrefix + principalID
	entries, err := r.cache.ZRange(ctx, index, 0, -1)
	if err != nil || len(entries) == 0 {
		return []Session{}
	}

	b := cache.NewBatch()
	for _, z := range entries {
		b.Get(sessionPrefix + z.Member)
	}
	results, err := r.cache.Exec(ctx, b)
	if err != nil {
		return []Session{}
	}

	now := r.cfg.Now()
	sessions := make([]Session, 0, len(entries))
	var dead []string
	for i, res := range results {
		raw, ok := res.Str()
		var s Session
		if !ok || json.Unmarshal([]byte(raw), &s) != nil || !now.Before(s.ExpiresAt) {
			dead = append(dead, entries[i].Member)
			continue
		}
		sessions = append(sessions, s)
	}
	if len(dead) > 0 {
		_, _ = r.cache.ZRem(ctx, index, dead...)
	}
	return sessions
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// validToken reports whether token has the shape produced by newToken.
func validToken(token string) bool {
	if len(token) != tokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}
