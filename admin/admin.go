// Package admin exposes operator endpoints over the login guard, session
// registry and rate limiters: inspect and lift lockouts and IP blocks, list
// and revoke sessions, inspect and reset rate-limit keys, and report the
// cache connection state.
//
//	r.Mount("/admin", admin.New(admin.Deps{...}).Routes(auth.StaticKeys(key)))
//	r.With(slo.Track(slo.Critical)).Get("/healthz", a.Health)
package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/guardkit/auth"
	"github.com/nhalm/guardkit/bind"
	"github.com/nhalm/guardkit/conn"
	"github.com/nhalm/guardkit/internal/logging"
	"github.com/nhalm/guardkit/loginguard"
	"github.com/nhalm/guardkit/ratelimit"
	"github.com/nhalm/guardkit/session"
	"github.com/nhalm/guardkit/slo"
	"github.com/nhalm/guardkit/validate"
	"github.com/nhalm/guardkit/wrapper"
)

// maxBody bounds admin request bodies.
const maxBody = 4 << 10

// Deps are the components the API operates on. Limiters is keyed by the
// limiter's Config.Name.
type Deps struct {
	Conn     *conn.Manager
	Guard    *loginguard.Guard
	Sessions *session.Registry
	Limiters map[string]*ratelimit.Limiter
}

// API serves the admin endpoints.
type API struct {
	deps Deps
}

// New returns an API over deps.
func New(deps Deps) *API {
	if deps.Limiters == nil {
		deps.Limiters = map[string]*ratelimit.Limiter{}
	}
	return &API{deps: deps}
}

// Routes returns the admin router. Every route requires an API key accepted
// by keys. The caller installs wrapper.New above it.
func (a *API) Routes(keys auth.APIKeyValidator) chi.Router {
	r := chi.NewRouter()
	r.Use(auth.APIKey(keys))
	r.Use(validate.MaxBodySize(maxBody))
	r.Use(bind.New(bind.WithStrictJSON()))

	r.Group(func(r chi.Router) {
		r.Use(slo.Track(slo.HighFast))

		r.Get("/lockouts/{identifier}", a.getLockout)
		r.Put("/lockouts/{identifier}", a.putLockout)
		r.Delete("/lockouts/{identifier}", a.deleteLockout)

		r.Get("/ip-blocks/{ip}", a.getIPBlock)
		r.Delete("/ip-blocks/{ip}", a.deleteIPBlock)

		r.Get("/principals/{principal}/sessions", a.listSessions)
		r.Delete("/principals/{principal}/sessions", a.deleteSessions)
		r.Delete("/sessions/{token}", a.deleteSession)

		r.Get("/limiters/{name}/keys", a.getLimitKey)
		r.Delete("/limiters/{name}/keys", a.deleteLimitKey)
	})
	r.With(slo.Track(slo.HighSlow)).Post("/limiters/{name}/sweep", a.sweep)
	return r
}

type lockView struct {
	Locked           bool       `json:"locked"`
	Reason           string     `json:"reason,omitempty"`
	LockedAt         *time.Time `json:"locked_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingSeconds int64      `json:"remaining_seconds"`
}

func viewLock(s loginguard.LockStatus) lockView {
	v := lockView{Locked: s.Locked}
	if !s.Locked {
		return v
	}
	v.Reason = s.Reason
	v.LockedAt = &s.LockedAt
	v.ExpiresAt = &s.ExpiresAt
	v.RemainingSeconds = int64((s.Remaining + time.Second - 1) / time.Second)
	return v
}

type lockoutResponse struct {
	Identifier      string   `json:"identifier"`
	Lock            lockView `json:"lock"`
	Attempts        int64    `json:"attempts"`
	CaptchaRequired bool     `json:"captcha_required"`
	DelayMS         int64    `json:"delay_ms"`
}

func (a *API) getLockout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "identifier")
	g := a.deps.Guard
	wrapper.SetResponse(r, http.StatusOK, lockoutResponse{
		Identifier:      id,
		Lock:            viewLock(g.IsUserLockedOut(ctx, id)),
		Attempts:        g.AttemptCount(ctx, id),
		CaptchaRequired: g.IsCaptchaRequired(ctx, id),
		DelayMS:         g.CalculateProgressiveDelay(ctx, id).Milliseconds(),
	})
}

type lockRequest struct {
	Duration string `json:"duration" validate:"required"`
}

func (a *API) putLockout(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !bind.JSON(r, &req) {
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 {
		wrapper.SetError(r, wrapper.NewValidationError([]wrapper.FieldError{{
			Param: "duration", Code: "duration", Message: "must be a positive duration such as 30m",
		}}))
		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "identifier")
	status := a.deps.Guard.LockUser(ctx, id, d)
	logging.Event(ctx, "admin_lock", map[string]any{"identifier": id, "duration": d.String()})
	wrapper.SetResponse(r, http.StatusOK, lockoutResponse{Identifier: id, Lock: viewLock(status)})
}

type unlockQuery struct {
	IP string `query:"ip" validate:"omitempty,ip"`
}

// deleteLockout lifts the lock and the attempt history. With ?ip= it also
// prunes that address's history as a successful login would, and succeeds
// even when no lock was active.
func (a *API) deleteLockout(w http.ResponseWriter, r *http.Request) {
	var q unlockQuery
	if !bind.Query(r, &q) {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "identifier")
	existed := a.deps.Guard.Unlock(ctx, id)
	if q.IP != "" {
		a.deps.Guard.ClearFailedAttempts(ctx, id, q.IP)
	} else if !existed {
		wrapper.SetError(r, wrapper.ErrNotFound.With("No active lockout"))
		return
	}
	logging.Event(ctx, "admin_unlock", map[string]any{"identifier": id, "cleared": q.IP != ""})
	wrapper.SetResponse(r, http.StatusNoContent, nil)
}

type ipBlockResponse struct {
	IP       string   `json:"ip"`
	Block    lockView `json:"block"`
	Attempts int64    `json:"attempts"`
}

func (a *API) getIPBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := chi.URLParam(r, "ip")
	wrapper.SetResponse(r, http.StatusOK, ipBlockResponse{
		IP:       ip,
		Block:    viewLock(a.deps.Guard.IsIPBlocked(ctx, ip)),
		Attempts: a.deps.Guard.IPAttemptCount(ctx, ip),
	})
}

func (a *API) deleteIPBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := chi.URLParam(r, "ip")
	if !a.deps.Guard.Unblock(ctx, ip) {
		wrapper.SetError(r, wrapper.ErrNotFound.With("No active IP block"))
		return
	}
	logging.Event(ctx, "admin_unblock", map[string]any{"ip": ip})
	wrapper.SetResponse(r, http.StatusNoContent, nil)
}
