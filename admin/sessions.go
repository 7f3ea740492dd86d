package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/guardkit/bind"
	"github.com/nhalm/guardkit/internal/logging"
	"github.com/nhalm/guardkit/wrapper"
)

// tokenPrefixLen is how much of a session token listings reveal.
const tokenPrefixLen = 8

type sessionView struct {
	TokenPrefix  string    `json:"token_prefix"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
	Persistent   bool      `json:"persistent"`
	LoginType    string    `json:"login_type,omitempty"`
}

type sessionsResponse struct {
	Principal string        `json:"principal"`
	Sessions  []sessionView `json:"sessions"`
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")
	sessions := a.deps.Sessions.ActiveSessions(r.Context(), principal)

	out := sessionsResponse{Principal: principal, Sessions: make([]sessionView, 0, len(sessions))}
	for _, s := range sessions {
		prefix := s.Token
		if len(prefix) > tokenPrefixLen {
			prefix = prefix[:tokenPrefixLen]
		}
		out.Sessions = append(out.Sessions, sessionView{
			TokenPrefix:  prefix,
			IP:           s.IP,
			UserAgent:    s.UserAgent,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
			ExpiresAt:    s.ExpiresAt,
			Persistent:   s.Persistent,
			LoginType:    s.LoginType,
		})
	}
	wrapper.SetResponse(r, http.StatusOK, out)
}

type revokeQuery struct {
	Except string `query:"except"`
}

type revokeResponse struct {
	Destroyed int `json:"destroyed"`
}

// deleteSessions revokes every session of the principal, keeping ?except=
// when given.
func (a *API) deleteSessions(w http.ResponseWriter, r *http.Request) {
	var q revokeQuery
	if !bind.Query(r, &q) {
		return
	}
	ctx := r.Context()
	principal := chi.URLParam(r, "principal")
	n := a.deps.Sessions.DestroyAllSessions(ctx, principal, q.Except)
	logging.Event(ctx, "admin_revoke_all", map[string]any{"principal": principal, "count": n})
	wrapper.SetResponse(r, http.StatusOK, revokeResponse{Destroyed: n})
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !a.deps.Sessions.DestroySession(r.Context(), chi.URLParam(r, "token"), "admin") {
		wrapper.SetError(r, wrapper.ErrNotFound.With("Session not found"))
		return
	}
	wrapper.SetResponse(r, http.StatusNoContent, nil)
}
