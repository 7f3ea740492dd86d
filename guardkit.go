// Package guardkit wires the session registry, login guard and rate limiters
// onto one shared cache connection.
//
// Every component gets its own cache.Failover from the connection manager, so
// all of them serve from process memory while the connection is down and
// return to the live cache once it is Ready again.
//
//	kit := guardkit.New(guardkit.Config{
//		Conn:       conn.Config{Host: "cache.internal", Port: 6379},
//		RateLimits: []ratelimit.Config{{Name: "api", MaxRequests: 100}},
//	})
//	defer kit.Close()
//	if _, err := kit.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	r.Use(wrapper.New(wrapper.WithCanonlog()), kit.Limiter("api").Handler)
//	r.With(session.Middleware(kit.Sessions)).Get("/me", me)
package guardkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhalm/guardkit/admin"
	"github.com/nhalm/guardkit/conn"
	"github.com/nhalm/guardkit/loginguard"
	"github.com/nhalm/guardkit/ratelimit"
	"github.com/nhalm/guardkit/session"
	"github.com/nhalm/guardkit/startup"
)

// Config configures a Kit.
type Config struct {
	Conn       conn.Config
	Session    session.Config
	Login      loginguard.Config
	RateLimits []ratelimit.Config

	// StartupAttempts and StartupDelay tune the startup smoke test
	// (defaults: 3 and 2s).
	StartupAttempts int
	StartupDelay    time.Duration

	// AllowDegraded lets Start succeed on memory when the cache stays
	// unreachable.
	AllowDegraded bool

	// SweepInterval prunes expired rate-limit members in the background.
	// Zero disables the sweeper.
	SweepInterval time.Duration
}

// Kit holds the wired components.
type Kit struct {
	Conn     *conn.Manager
	Sessions *session.Registry
	Guard    *loginguard.Guard
	Limiters map[string]*ratelimit.Limiter

	cfg Config
}

// New builds the components. With a valid connection config, handing out the
// first client starts connecting in the background; Start waits for that
// attempt and validates it. An invalid config is only reported by Start.
// Rate limits without a name are called "default"; a later config with a
// name already in use replaces the earlier one.
func New(cfg Config, opts ...conn.Option) *Kit {
	m := conn.New(cfg.Conn, opts...)
	k := &Kit{
		Conn:     m,
		Sessions: session.New(m.Client("session"), cfg.Session),
		Guard:    loginguard.New(m.Client("loginguard"), cfg.Login),
		Limiters: make(map[string]*ratelimit.Limiter, len(cfg.RateLimits)),
		cfg:      cfg,
	}
	for _, rc := range cfg.RateLimits {
		if rc.Name == "" {
			rc.Name = "default"
		}
		if old, ok := k.Limiters[rc.Name]; ok {
			_ = old.Close()
		}
		k.Limiters[rc.Name] = ratelimit.New(m.Client("ratelimit:"+rc.Name), rc)
	}
	return k
}

// Start runs the startup validation and, on success, starts the rate-limit
// sweepers. The error wraps startup.ErrInvalidConfig or
// startup.ErrUnavailable.
func (k *Kit) Start(ctx context.Context) (startup.Report, error) {
	v := &startup.Validator{
		Manager:       k.Conn,
		Attempts:      k.cfg.StartupAttempts,
		Delay:         k.cfg.StartupDelay,
		AllowDegraded: k.cfg.AllowDegraded,
	}
	report, err := v.Run(ctx)
	if err != nil {
		return report, err
	}
	if k.cfg.SweepInterval > 0 {
		for _, l := range k.Limiters {
			l.StartSweeper(k.cfg.SweepInterval)
		}
	}
	return report, nil
}

// Limiter returns the named limiter, or nil.
func (k *Kit) Limiter(name string) *ratelimit.Limiter {
	return k.Limiters[name]
}

// Admin returns the operator API over the kit's components.
func (k *Kit) Admin() *admin.API {
	return admin.New(admin.Deps{
		Conn:     k.Conn,
		Guard:    k.Guard,
		Sessions: k.Sessions,
		Limiters: k.Limiters,
	})
}

// Close stops the sweepers and the connection manager.
func (k *Kit) Close() error {
	var errs []error
	for name, l := range k.Limiters {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close limiter %s: %w", name, err))
		}
	}
	if err := k.Conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errors.Join(errs...)
}
