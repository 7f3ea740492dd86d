// Package startup gates process readiness on the cache connection.
//
// A Validator checks the static connection configuration and then runs a
// connect, PING, SETEX, GET, DEL smoke test a bounded number of times. The
// host process decides from the result whether to serve in degraded mode or
// halt.
package startup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhalm/guardkit/conn"
	"github.com/nhalm/guardkit/internal/logging"
)

var (
	// ErrInvalidConfig wraps static configuration errors. It is always fatal.
	ErrInvalidConfig = errors.New("invalid cache configuration")

	// ErrUnavailable is returned when every attempt failed and degraded mode
	// is not allowed.
	ErrUnavailable = errors.New("cache unavailable")
)

const (
	defaultAttempts = 3
	defaultDelay    = 2 * time.Second

	probeTTL    = 10 * time.Second
	probePrefix = "startup_check:"
)

// Validator runs the startup checks against Manager.
type Validator struct {
	Manager *conn.Manager

	// Attempts is the number of smoke tests tried (default: 3).
	Attempts int

	// Delay is the fixed pause between attempts (default: 2s).
	Delay time.Duration

	// AllowDegraded lets Run succeed when the cache stays unreachable, so the
	// process can serve from the memory fallback.
	AllowDegraded bool
}

// Report describes a Run.
type Report struct {
	OK        bool
	Attempts  int
	Degraded  bool
	LastError error
	Duration  time.Duration
}

// Run validates the configuration and then tries the smoke test up to
// Attempts times. It returns an error wrapping ErrInvalidConfig for bad
// configuration, and one wrapping ErrUnavailable when all attempts failed and
// AllowDegraded is false.
func (v *Validator) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	if v.Manager == nil {
		return Report{}, fmt.Errorf("%w: no connection manager", ErrInvalidConfig)
	}
	if err := v.Manager.Config().Validate(); err != nil {
		logging.Error(ctx, "startup_config_invalid", err, nil)
		return Report{LastError: err}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	attempts := v.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	delay := v.Delay
	if delay <= 0 {
		delay = defaultDelay
	}

	var report Report
	for i := 1; i <= attempts; i++ {
		report.Attempts = i
		err := v.attempt(ctx)
		if err == nil {
			report.OK = true
			report.LastError = nil
			report.Duration = time.Since(start)
			logging.Event(ctx, "startup_cache_ok", map[string]any{
				"attempts":    i,
				"duration_ms": report.Duration.Milliseconds(),
			})
			return report, nil
		}
		report.LastError = err
		logging.Error(ctx, "startup_cache_attempt_failed", err, map[string]any{
			"attempt": i,
			"of":      attempts,
		})

		if i == attempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			report.Duration = time.Since(start)
			return report, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		}
	}

	report.Duration = time.Since(start)
	if v.AllowDegraded {
		report.Degraded = true
		logging.Error(ctx, "startup_cache_degraded", report.LastError, map[string]any{
			"attempts": report.Attempts,
		})
		return report, nil
	}
	return report, fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, report.Attempts, report.LastError)
}

// Validate runs the checks and reports whether the live cache passed.
func (v *Validator) Validate(ctx context.Context) bool {
	report, _ := v.Run(ctx)
	return report.OK
}

func (v *Validator) attempt(ctx context.Context) error {
	m := v.Manager
	err := m.Initialize(ctx)
	if errors.Is(err, conn.ErrFailed) {
		err = m.ForceReconnect(ctx)
	}
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	live, ok := m.Live()
	if !ok {
		return fmt.Errorf("connect: no live connection in state %s", m.State())
	}

	cctx, cancel := context.WithTimeout(ctx, m.Config().CommandTimeout*4)
	defer cancel()

	if err := live.Ping(cctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	key := probePrefix + uuid.NewString()
	want := uuid.NewString()
	if err := live.SetEx(cctx, key, want, probeTTL); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	got, found, err := live.Get(cctx, key)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if !found || got != want {
		return fmt.Errorf("get: read back %q, want %q", got, want)
	}
	if _, err := live.Del(cctx, key); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}
