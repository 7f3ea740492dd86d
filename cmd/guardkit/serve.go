package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nhalm/guardkit"
	"github.com/nhalm/guardkit/auth"
	"github.com/nhalm/guardkit/internal/logging"
	"github.com/nhalm/guardkit/slo"
	"github.com/nhalm/guardkit/wrapper"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve /healthz, /metrics and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFromCommand(cmd)
			if err != nil {
				return err
			}
			kc, err := cfg.kitConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			kit := guardkit.New(kc)
			defer kit.Close()

			report, err := kit.Start(ctx)
			if err != nil {
				return err
			}
			logging.Event(ctx, "guardkit_started", map[string]any{
				"listen":   cfg.Listen,
				"degraded": report.Degraded,
				"attempts": report.Attempts,
			})

			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Listen, err)
			}
			return serve(ctx, ln, newRouter(kit, cfg.AdminKeys), cfg.ShutdownTimeout)
		},
	}
}

// newRouter mounts the operational endpoints. The admin API is only mounted
// when at least one key is configured.
func newRouter(kit *guardkit.Kit, adminKeys []string) http.Handler {
	r := chi.NewRouter()
	r.Use(wrapper.New(wrapper.WithCanonlog(), wrapper.WithSLOs(), wrapper.WithRequestID("")))

	api := kit.Admin()
	r.With(slo.Track(slo.Critical)).Get("/healthz", api.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if len(adminKeys) > 0 {
		r.Mount("/admin", api.Routes(auth.StaticKeys(adminKeys...)))
	}
	return r
}

// serve runs the HTTP server on ln until ctx is cancelled, then shuts it down
// within timeout.
func serve(ctx context.Context, ln net.Listener, h http.Handler, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logging.Event(ctx, "guardkit_stopped", nil)
		return nil
	})
	return g.Wait()
}
