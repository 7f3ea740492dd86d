// Command guardkit runs the session, login-security and rate-limit layer as
// a standalone service exposing health, metrics and the admin API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "guardkit:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "guardkit",
		Short:         "Session, login-security and rate-limit service over a shared cache connection",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Serve with the cache on localhost and one admin key
  GUARDKIT_ADMIN_KEYS=s3cret guardkit serve

  # Keep serving from memory while the cache is down
  guardkit serve --cache-host cache.internal --allow-degraded

  # Verify the cache connection and exit
  guardkit check --config /etc/guardkit.yaml`,
	}
	registerFlags(root.PersistentFlags())

	root.AddCommand(newServeCommand(), newCheckCommand())
	return root
}

func configFromCommand(cmd *cobra.Command) (config, error) {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return config{}, err
	}
	return loadConfig(v)
}
