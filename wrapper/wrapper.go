// Package wrapper carries response state through the request context so the
// session, login-security and rate-limit middleware can report errors and
// headers without writing to the ResponseWriter themselves.
//
// The outermost middleware, New, owns the response: it writes the JSON error
// or body recorded during the request, recovers panics, and optionally emits
// one canonical log line per request.
//
//	r := chi.NewRouter()
//	r.Use(wrapper.New(wrapper.WithCanonlog(), wrapper.WithRequestID("")))
//	r.Use(session.Middleware(registry))
//
// Components fall back to plain net/http responses when HasState is false.
package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nhalm/canonlog"

	"github.com/nhalm/guardkit/slo"
)

type contextKey string

const (
	stateKey     contextKey = "wrapper_state"
	requestIDKey contextKey = "request_id"
)

// DefaultRequestIDHeader is used by WithRequestID when no header is given.
const DefaultRequestIDHeader = "X-Request-ID"

// State holds the response state for a request.
type State struct {
	mu      sync.Mutex
	err     *Error
	status  int
	body    any
	headers http.Header
}

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// SetError records an error response. No-op without wrapper state.
func SetError(r *http.Request, err *Error) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.err = err
}

// SetResponse records a success response. No-op without wrapper state.
func SetResponse(r *http.Request, status int, body any) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.status = status
	state.body = body
}

// SetHeader records a response header. No-op without wrapper state.
func SetHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Set(key, value)
}

// Status returns the status the wrapper will write for the request so far:
// the recorded error's status, else the recorded status, else 200.
// It returns 0 without wrapper state.
func Status(ctx context.Context) int {
	state := getState(ctx)
	if state == nil {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	switch {
	case state.err != nil:
		return state.err.Status
	case state.status != 0:
		return state.status
	}
	return http.StatusOK
}

// HasState reports whether wrapper middleware is active for ctx.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

// RequestID returns the request id assigned by WithRequestID.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}

// Option configures the wrapper middleware.
type Option func(*config)

type config struct {
	canonlog        bool
	canonlogFields  func(*http.Request) map[string]any
	requestIDHeader string
	slos            bool
}

// WithCanonlog emits one canonical log line per request with method, path,
// route, status and duration_ms. Errors set via SetError are logged, and
// background events raised while serving the request join the same line.
func WithCanonlog() Option {
	return func(c *config) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds custom fields to each log line. fn runs before the
// handler.
func WithCanonlogFields(fn func(*http.Request) map[string]any) Option {
	return func(c *config) {
		c.canonlogFields = fn
	}
}

// WithSLOs logs slo_class and slo_status (PASS or FAIL) for routes tagged
// with slo.Track or slo.TrackWithTarget. Requires WithCanonlog.
func WithSLOs() Option {
	return func(c *config) {
		c.slos = true
	}
}

// WithRequestID propagates the request id from header, generating a UUID when
// the client sent none. The id is echoed in the response and logged.
// An empty header means DefaultRequestIDHeader.
func WithRequestID(header string) Option {
	if header == "" {
		header = DefaultRequestIDHeader
	}
	return func(c *config) {
		c.requestIDHeader = header
	}
}

// New returns middleware that manages response state and writes responses.
func New(opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)

			var requestID string
			if cfg.requestIDHeader != "" {
				requestID = r.Header.Get(cfg.requestIDHeader)
				if requestID == "" {
					requestID = uuid.NewString()
				}
				ctx = context.WithValue(ctx, requestIDKey, requestID)
				state.headers = http.Header{}
				state.headers.Set(cfg.requestIDHeader, requestID)
			}

			var start time.Time
			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				start = time.Now()

				fields := map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				}
				if requestID != "" {
					fields["request_id"] = requestID
				}
				canonlog.InfoAddMany(ctx, fields)

				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}

			if cfg.slos {
				ctx = slo.NewContext(ctx)
			}

			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					state.mu.Lock()
					state.err = ErrInternal
					state.mu.Unlock()

					if cfg.canonlog {
						canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
					}
				}

				if cfg.canonlog {
					flushLog(ctx, r, state, start, cfg.slos)
				}

				writeResponse(w, state)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func flushLog(ctx context.Context, r *http.Request, state *State, start time.Time, slos bool) {
	state.mu.Lock()
	status := state.status
	if state.err != nil {
		status = state.err.Status
		canonlog.ErrorAdd(ctx, state.err)
	}
	state.mu.Unlock()

	route := r.URL.Path
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			route = pattern
		}
	}

	elapsed := time.Since(start)
	canonlog.InfoAddMany(ctx, map[string]any{
		"route":       route,
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
	})
	if slos {
		if tier, target, ok := slo.GetTier(ctx); ok {
			result := "PASS"
			if elapsed > target {
				result = "FAIL"
			}
			canonlog.InfoAdd(ctx, "slo_class", string(tier))
			canonlog.InfoAdd(ctx, "slo_status", result)
		}
	}
	canonlog.Flush(ctx)
}

func writeResponse(w http.ResponseWriter, state *State) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for key, values := range state.headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	switch {
	case state.err != nil:
		writeJSON(w, state.err.Status, errorResponse{Error: state.err})
	case state.body != nil:
		writeJSON(w, state.status, state.body)
	case state.status != 0:
		w.WriteHeader(state.status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
