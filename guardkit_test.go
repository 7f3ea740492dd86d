package guardkit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"

	"github.com/nhalm/guardkit"
	"github.com/nhalm/guardkit/conn"
	"github.com/nhalm/guardkit/loginguard"
	"github.com/nhalm/guardkit/ratelimit"
	"github.com/nhalm/guardkit/session"
	"github.com/nhalm/guardkit/startup"
	"github.com/nhalm/guardkit/wrapper"
)

func kitConfig(t *testing.T, mr *miniredis.Miniredis) guardkit.Config {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return guardkit.Config{
		Conn: conn.Config{
			Host:           mr.Host(),
			Port:           port,
			ConnectTimeout: time.Second,
			RetryBaseDelay: time.Hour,
			HealthInterval: -1,
		},
		RateLimits:      []ratelimit.Config{{Name: "login", Window: time.Minute, MaxRequests: 3}},
		StartupAttempts: 1,
		StartupDelay:    time.Millisecond,
	}
}

// loginRouter is a minimal application: password login guarded by the login
// limiter and the lockout policy, and one session-protected route.
func loginRouter(kit *guardkit.Kit) http.Handler {
	r := chi.NewRouter()
	r.Use(wrapper.New())
	r.With(kit.Limiter("login").Handler).Post("/login", func(_ http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		user := r.FormValue("user")
		ip := session.RemoteIP(r)

		if d := kit.Guard.Check(ctx, user, ip); !d.Allowed {
			if d.Reason == loginguard.ReasonIPBlocked {
				wrapper.SetError(r, wrapper.ErrIPBlocked)
			} else {
				wrapper.SetError(r, wrapper.ErrAccountLocked)
			}
			return
		}
		if r.FormValue("password") != "hunter2" {
			kit.Guard.RecordFailedAttempt(ctx, user, ip, loginguard.AttemptContext{UserAgent: r.UserAgent()}, "bad_password")
			wrapper.SetError(r, wrapper.ErrUnauthorized)
			return
		}
		kit.Guard.ClearFailedAttempts(ctx, user, ip)
		created, err := kit.Sessions.CreateSession(ctx, user, session.FromRequest(r, nil), session.CreateOptions{LoginType: "password"})
		if err != nil {
			wrapper.SetError(r, wrapper.ErrInternal)
			return
		}
		wrapper.SetResponse(r, http.StatusOK, map[string]string{"token": created.Token})
	})
	r.With(session.Middleware(kit.Sessions)).Get("/me", func(_ http.ResponseWriter, r *http.Request) {
		s, _ := session.FromContext(r.Context())
		wrapper.SetResponse(r, http.StatusOK, map[string]string{"principal": s.PrincipalID})
	})
	return r
}

func login(t *testing.T, h http.Handler, password string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"user": {"alice"}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func me(t *testing.T, h http.Handler, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/me", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func token(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return body["token"]
}

func TestKit_LoginFlow(t *testing.T) {
	mr := miniredis.RunT(t)
	kit := guardkit.New(kitConfig(t, mr))
	t.Cleanup(func() { kit.Close() })

	report, err := kit.Start(context.Background())
	if err != nil || !report.OK {
		t.Fatalf("Start() = %+v, %v", report, err)
	}
	h := loginRouter(kit)

	if rec := login(t, h, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d, want 401", rec.Code)
	}
	if !mr.Exists("login_attempts:alice") {
		t.Error("failed attempt was not written to the live cache")
	}

	rec := login(t, h, "hunter2")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200", rec.Code)
	}
	tok := token(t, rec)
	if !mr.Exists("session:" + tok) {
		t.Error("session was not written to the live cache")
	}
	if mr.Exists("login_attempts:alice") {
		t.Error("attempts survived a successful login")
	}

	if rec := me(t, h, tok); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"alice"`) {
		t.Errorf("/me = %d %s", rec.Code, rec.Body.String())
	}

	if rec := login(t, h, "hunter2"); rec.Code != http.StatusOK {
		t.Fatalf("third login status = %d, want 200", rec.Code)
	}
	rec = login(t, h, "hunter2")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth login status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
}

func TestKit_DegradedStart(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := kitConfig(t, mr)
	cfg.AllowDegraded = true
	mr.Close()

	kit := guardkit.New(cfg)
	t.Cleanup(func() { kit.Close() })

	report, err := kit.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if report.OK || !report.Degraded {
		t.Errorf("report = %+v, want degraded", report)
	}

	h := loginRouter(kit)
	rec := login(t, h, "hunter2")
	if rec.Code != http.StatusOK {
		t.Fatalf("login on memory status = %d", rec.Code)
	}
	if rec := me(t, h, token(t, rec)); rec.Code != http.StatusOK {
		t.Errorf("/me on memory status = %d", rec.Code)
	}
}

func TestKit_StartErrors(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := kitConfig(t, mr)
	cfg.Conn.Port = 0
	kit := guardkit.New(cfg)
	t.Cleanup(func() { kit.Close() })
	if _, err := kit.Start(context.Background()); !errors.Is(err, startup.ErrInvalidConfig) {
		t.Errorf("Start() error = %v, want ErrInvalidConfig", err)
	}
	if s := kit.Conn.Stats(); s.Connects != 0 || s.State != conn.Disconnected {
		t.Errorf("Stats() = %+v, want no connection attempt with an invalid config", s)
	}

	cfg = kitConfig(t, mr)
	mr.Close()
	kit = guardkit.New(cfg)
	t.Cleanup(func() { kit.Close() })
	if _, err := kit.Start(context.Background()); !errors.Is(err, startup.ErrUnavailable) {
		t.Errorf("Start() error = %v, want ErrUnavailable", err)
	}
}

func TestKit_Limiters(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := kitConfig(t, mr)
	cfg.RateLimits = []ratelimit.Config{
		{},
		{Name: "api", MaxRequests: 5},
		{Name: "api", MaxRequests: 7},
	}
	kit := guardkit.New(cfg)

	if kit.Limiter("default") == nil {
		t.Error("unnamed limit should be registered as default")
	}
	if got := kit.Limiter("api").Config().MaxRequests; got != 7 {
		t.Errorf("api MaxRequests = %d, want the later config's 7", got)
	}
	if kit.Limiter("missing") != nil {
		t.Error("Limiter() invented a limiter")
	}
	if kit.Admin() == nil {
		t.Error("Admin() = nil")
	}
	if err := kit.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := kit.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
