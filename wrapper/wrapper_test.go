package wrapper

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nhalm/canonlog"

	"github.com/nhalm/guardkit/slo"
)

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *Error {
	t.Helper()
	var body map[string]*Error
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["error"] == nil {
		t.Fatal("expected error in response")
	}
	return body["error"]
}

func TestHandler_Responses(t *testing.T) {
	tests := []struct {
		name       string
		handler    func(r *http.Request)
		wantStatus int
		wantJSON   bool
	}{
		{
			name: "body",
			handler: func(r *http.Request) {
				SetResponse(r, http.StatusCreated, map[string]string{"token": "abc"})
			},
			wantStatus: http.StatusCreated,
			wantJSON:   true,
		},
		{
			name:       "error",
			handler:    func(r *http.Request) { SetError(r, ErrSessionInvalid) },
			wantStatus: http.StatusUnauthorized,
			wantJSON:   true,
		},
		{
			name: "error wins over body",
			handler: func(r *http.Request) {
				SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
				SetError(r, ErrAccountLocked)
			},
			wantStatus: http.StatusLocked,
			wantJSON:   true,
		},
		{
			name:       "status only",
			handler:    func(r *http.Request) { SetResponse(r, http.StatusNoContent, nil) },
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "nothing set",
			handler:    func(*http.Request) {},
			wantStatus: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				tt.handler(r)
			}))
			rec := serve(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			ct := rec.Header().Get("Content-Type")
			if tt.wantJSON && ct != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", ct)
			}
		})
	}
}

func TestHandler_ErrorBody(t *testing.T) {
	h := New()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetError(r, ErrSessionInvalid.WithReason("expired"))
	}))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	e := decodeError(t, rec)
	if e.Code != "session_invalid" || e.Reason != "expired" {
		t.Errorf("error = %+v, want session_invalid/expired", e)
	}
}

func TestHandler_PanicRecovery(t *testing.T) {
	for _, opts := range [][]Option{nil, {WithCanonlog()}} {
		h := New(opts...)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
		}
		if e := decodeError(t, rec); e.Type != "internal_error" {
			t.Errorf("expected type internal_error, got %s", e.Type)
		}
	}
}

func TestHandler_Headers(t *testing.T) {
	h := New()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetHeader(r, "RateLimit-Remaining", "99")
		SetHeader(r, "Retry-After", "5")
		SetError(r, ErrRateLimited)
	}))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if got := rec.Header().Get("RateLimit-Remaining"); got != "99" {
		t.Errorf("RateLimit-Remaining = %q, want 99", got)
	}
	if got := rec.Header().Get("Retry-After"); got != "5" {
		t.Errorf("Retry-After = %q, want 5", got)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rec.Code)
	}
}

func TestHandler_JSONEncodingFailure(t *testing.T) {
	h := New()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, map[string]any{"ch": make(chan int)})
	}))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if body := rec.Body.String(); body != "Internal server error" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestHasState(t *testing.T) {
	var inside bool
	h := New()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		inside = HasState(r.Context())
	}))
	serve(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if !inside {
		t.Error("expected HasState to return true inside New")
	}
	if HasState(httptest.NewRequest(http.MethodGet, "/", http.NoBody).Context()) {
		t.Error("expected HasState to return false without New")
	}
}

func TestStatus(t *testing.T) {
	var before, afterResponse, afterError int
	h := New()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		before = Status(r.Context())
		SetResponse(r, http.StatusAccepted, nil)
		afterResponse = Status(r.Context())
		SetError(r, ErrForbidden)
		afterError = Status(r.Context())
	}))
	serve(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if before != http.StatusOK || afterResponse != http.StatusAccepted || afterError != http.StatusForbidden {
		t.Errorf("Status() = %d, %d, %d; want 200, 202, 403", before, afterResponse, afterError)
	}
	if got := Status(httptest.NewRequest(http.MethodGet, "/", http.NoBody).Context()); got != 0 {
		t.Errorf("Status() without state = %d, want 0", got)
	}
}

func TestHandler_ConcurrentSetters(t *testing.T) {
	const goroutines = 100

	h := New()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var wg sync.WaitGroup
		wg.Add(goroutines)
		for i := 0; i < goroutines; i++ {
			go func(idx int) {
				defer wg.Done()
				switch idx % 3 {
				case 0:
					SetError(r, ErrIPBlocked)
				case 1:
					SetHeader(r, "X-Attempt", "1")
				default:
					SetResponse(r, http.StatusOK, map[string]int{"n": idx})
				}
			}(i)
		}
		wg.Wait()
	}))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}
}

func TestError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"copy with message", ErrAccountLocked.With("locked until 12:00"), ErrAccountLocked, true},
		{"copy with reason", ErrSessionInvalid.WithReason("not_found"), ErrSessionInvalid, true},
		{"different code", ErrSessionInvalid, ErrUnauthorized, false},
		{"plain error", errors.New("x"), ErrInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}

	var nilErr *Error
	if !nilErr.Is(nil) {
		t.Error("nil.Is(nil) should be true")
	}
	if nilErr.With("x") != nil || nilErr.WithReason("x") != nil {
		t.Error("copying a nil error should return nil")
	}
}

func TestSentinelStatuses(t *testing.T) {
	tests := []struct {
		err    *Error
		status int
	}{
		{ErrBadRequest, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrSessionInvalid, http.StatusUnauthorized},
		{ErrForbidden, http.StatusForbidden},
		{ErrIPBlocked, http.StatusForbidden},
		{ErrAccountLocked, http.StatusLocked},
		{ErrCaptchaRequired, http.StatusPreconditionRequired},
		{ErrValidation, http.StatusBadRequest},
		{ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{ErrNotFound, http.StatusNotFound},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrInternal, http.StatusInternalServerError},
		{ErrServiceUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		if tt.err.Status != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.err.Code, tt.err.Status, tt.status)
		}
	}
}

func TestWithCanonlog_Logger(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want bool
	}{
		{"enabled", []Option{WithCanonlog()}, true},
		{"disabled", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var found bool
			h := New(tt.opts...)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				_, found = canonlog.TryGetLogger(r.Context())
			}))
			serve(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
			if found != tt.want {
				t.Errorf("logger found = %v, want %v", found, tt.want)
			}
		})
	}
}

func TestWithCanonlog_RoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(New(WithCanonlog(), WithCanonlogFields(func(r *http.Request) map[string]any {
		return map[string]any{"client": r.Header.Get("X-Client")}
	})))
	r.Get("/sessions/{token}", func(_ http.ResponseWriter, r *http.Request) {
		SetError(r, ErrNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions/abc", http.NoBody)
	req.Header.Set("X-Client", "web")
	rec := serve(r, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestWithRequestID(t *testing.T) {
	var seen string
	h := New(WithRequestID(""), WithCanonlog())(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen, _ = RequestID(r.Context())
	}))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("generated request id %q is not a UUID: %v", seen, err)
	}
	if got := rec.Header().Get(DefaultRequestIDHeader); got != seen {
		t.Errorf("response header = %q, want %q", got, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set(DefaultRequestIDHeader, "client-supplied")
	rec = serve(h, req)
	if seen != "client-supplied" || rec.Header().Get(DefaultRequestIDHeader) != "client-supplied" {
		t.Errorf("request id = %q, header = %q; want client-supplied", seen, rec.Header().Get(DefaultRequestIDHeader))
	}

	if _, ok := RequestID(httptest.NewRequest(http.MethodGet, "/", http.NoBody).Context()); ok {
		t.Error("RequestID() without middleware should report false")
	}
}

func TestNewValidationError(t *testing.T) {
	fields := []FieldError{
		{Param: "duration", Code: "min", Message: "must be at least 1s"},
		{Param: "reason", Code: "required", Message: "required"},
	}
	h := New()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetError(r, NewValidationError(fields))
	}))

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/", http.NoBody))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	got := decodeError(t, rec)
	if got.Type != "validation_error" || len(got.Errors) != 2 || got.Errors[0].Param != "duration" {
		t.Errorf("body = %+v", got)
	}
	if !errors.Is(got, ErrValidation) {
		t.Error("decoded error should match ErrValidation")
	}
	if len(ErrValidation.Errors) != 0 {
		t.Error("NewValidationError mutated the sentinel")
	}
}

func TestWithSLOs(t *testing.T) {
	var tier slo.Tier
	r := chi.NewRouter()
	r.Use(New(WithCanonlog(), WithSLOs()))
	r.With(slo.Track(slo.HighFast)).Get("/fast", func(_ http.ResponseWriter, r *http.Request) {
		tier, _, _ = slo.GetTier(r.Context())
		SetResponse(r, http.StatusOK, nil)
	})
	r.Get("/untracked", func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusNoContent, nil)
	})

	if rec := serve(r, httptest.NewRequest(http.MethodGet, "/fast", http.NoBody)); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if tier != slo.HighFast {
		t.Errorf("tier = %q, want high_fast", tier)
	}
	if rec := serve(r, httptest.NewRequest(http.MethodGet, "/untracked", http.NoBody)); rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}
