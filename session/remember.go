package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nhalm/guardkit/internal/logging"
)

// RememberToken is a long-lived credential bound to one principal and one
// device fingerprint.
type RememberToken struct {
	Token       string    `json:"token"`
	PrincipalID string    `json:"principal_id"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RememberValidation is the outcome of ValidateRememberMeToken.
type RememberValidation struct {
	Valid  bool
	Reason Reason
	Detail string
	Token  *RememberToken
}

// RedeemOptions tunes RefreshFromRememberMeToken.
type RedeemOptions struct {
	// Rotate issues a replacement remember-me token.
	Rotate bool

	// Session configures the minted session. LoginType defaults to
	// "remember_me".
	Session CreateOptions
}

// Redemption is the outcome of RefreshFromRememberMeToken.
type Redemption struct {
	Valid   bool
	Reason  Reason
	Detail  string
	Session Created

	// RememberToken is the replacement token when Rotate was requested.
	RememberToken *RememberToken
}

// CreateRememberToken issues a remember-me token for principalID bound to the
// device in rc.
func (r *Registry) CreateRememberToken(ctx context.Context, principalID string, rc RequestContext) (RememberToken, error) {
	if principalID == "" {
		return RememberToken{}, ErrInvalidPrincipal
	}
	token, err := newToken()
	if err != nil {
		return RememberToken{}, err
	}

	now := r.cfg.Now()
	rt := RememberToken{
		Token:       token,
		PrincipalID: principalID,
		Fingerprint: Fingerprint(rc),
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.cfg.RememberLifetime),
	}

	data, err := json.Marshal(rt)
	if err != nil {
		return RememberToken{}, fmt.Errorf("encode remember token: %w", err)
	}
	if err := r.cache.SetEx(ctx, rememberPrefix+token, string(data), r.cfg.RememberLifetime); err != nil {
		return RememberToken{}, fmt.Errorf("store remember token: %w", err)
	}

	logging.Event(ctx, "remember_token_created", map[string]any{
		"principal":  principalID,
		"expires_at": rt.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return rt, nil
}

// ValidateRememberMeToken checks token without consuming it. A fingerprint
// mismatch deletes the token.
func (r *Registry) ValidateRememberMeToken(ctx context.Context, token string, rc RequestContext) RememberValidation {
	if !validToken(token) {
		return RememberValidation{Reason: ReasonInvalidToken}
	}

	key := rememberPrefix + token
	raw, ok, err := r.cache.Get(ctx, key)
	if err != nil || !ok {
		return RememberValidation{Reason: ReasonNotFound}
	}

	var rt RememberToken
	if err := json.Unmarshal([]byte(raw), &rt); err != nil {
		_, _ = r.cache.Del(ctx, key)
		return RememberValidation{Reason: ReasonNotFound}
	}

	if !r.cfg.Now().Before(rt.ExpiresAt) {
		_, _ = r.cache.Del(ctx, key)
		return RememberValidation{Reason: ReasonExpired}
	}

	if rt.Fingerprint != Fingerprint(rc) {
		_, _ = r.cache.Del(ctx, key)
		logging.Event(ctx, "remember_token_mismatch", map[string]any{
			"principal": rt.PrincipalID,
			"ip":        rc.IP,
		})
		return RememberValidation{Reason: ReasonSecurityMismatch, Detail: DetailFingerprintChanged}
	}

	return RememberValidation{Valid: true, Token: &rt}
}

// RefreshFromRememberMeToken redeems token for a new session. Tokens are
// single use: the token is claimed by deleting it, so a concurrent or
// replayed redemption finds nothing and fails with ReasonNotFound.
func (r *Registry) RefreshFromRememberMeToken(ctx context.Context, token string, rc RequestContext, opts RedeemOptions) (Redemption, error) {
	v := r.ValidateRememberMeToken(ctx, token, rc)
	if !v.Valid {
		return Redemption{Reason: v.Reason, Detail: v.Detail}, nil
	}

	claimed, err := r.cache.Del(ctx, rememberPrefix+token)
	if err != nil {
		return Redemption{}, fmt.Errorf("claim remember token: %w", err)
	}
	if claimed == 0 {
		return Redemption{Reason: ReasonNotFound}, nil
	}

	sessOpts := opts.Session
	if sessOpts.LoginType == "" {
		sessOpts.LoginType = "remember_me"
	}
	created, err := r.CreateSession(ctx, v.Token.PrincipalID, rc, sessOpts)
	if err != nil {
		return Redemption{}, err
	}

	out := Redemption{Valid: true, Session: created}
	if opts.Rotate {
		next, err := r.CreateRememberToken(ctx, v.Token.PrincipalID, rc)
		if err != nil {
			return Redemption{}, err
		}
		out.RememberToken = &next
	}

	logging.Event(ctx, "remember_token_redeemed", map[string]any{
		"principal": v.Token.PrincipalID,
		"rotated":   opts.Rotate,
	})
	return out, nil
}
