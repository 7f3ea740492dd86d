package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/guardkit/bind"
	"github.com/nhalm/guardkit/internal/logging"
	"github.com/nhalm/guardkit/ratelimit"
	"github.com/nhalm/guardkit/wrapper"
)

type keyQuery struct {
	Key string `query:"key" validate:"required,max=512"`
}

type keyInfoResponse struct {
	Limiter   string     `json:"limiter"`
	Key       string     `json:"key"`
	Count     int64      `json:"count"`
	Limit     int64      `json:"limit"`
	Remaining int64      `json:"remaining"`
	Oldest    *time.Time `json:"oldest,omitempty"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

func (a *API) limiter(r *http.Request) (*ratelimit.Limiter, string, bool) {
	name := chi.URLParam(r, "name")
	l, ok := a.deps.Limiters[name]
	if !ok {
		wrapper.SetError(r, wrapper.ErrNotFound.With("Unknown limiter"))
	}
	return l, name, ok
}

func (a *API) getLimitKey(w http.ResponseWriter, r *http.Request) {
	var q keyQuery
	if !bind.Query(r, &q) {
		return
	}
	l, name, ok := a.limiter(r)
	if !ok {
		return
	}

	info := l.GetKeyInfo(r.Context(), q.Key)
	limit := l.Config().MaxRequests
	resp := keyInfoResponse{
		Limiter:   name,
		Key:       q.Key,
		Count:     info.Count,
		Limit:     limit,
		Remaining: max(limit-info.Count, 0),
	}
	if !info.Oldest.IsZero() {
		resp.Oldest = &info.Oldest
		resp.ResetAt = &info.ResetAt
	}
	wrapper.SetResponse(r, http.StatusOK, resp)
}

func (a *API) deleteLimitKey(w http.ResponseWriter, r *http.Request) {
	var q keyQuery
	if !bind.Query(r, &q) {
		return
	}
	l, _, ok := a.limiter(r)
	if !ok {
		return
	}
	if !l.ResetKey(r.Context(), q.Key) {
		wrapper.SetError(r, wrapper.ErrNotFound.With("Key has no window"))
		return
	}
	wrapper.SetResponse(r, http.StatusNoContent, nil)
}

type sweepResponse struct {
	Removed int64 `json:"removed"`
}

func (a *API) sweep(w http.ResponseWriter, r *http.Request) {
	l, name, ok := a.limiter(r)
	if !ok {
		return
	}
	ctx := r.Context()
	n := l.Sweep(ctx)
	logging.Event(ctx, "admin_sweep", map[string]any{"limiter": name, "removed": n})
	wrapper.SetResponse(r, http.StatusOK, sweepResponse{Removed: n})
}
