package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhalm/guardkit/conn"
	"github.com/nhalm/guardkit/startup"
)

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the cache configuration and run the startup smoke test",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFromCommand(cmd)
			if err != nil {
				return err
			}

			m := conn.New(cfg.Cache)
			defer m.Close()

			v := &startup.Validator{
				Manager:  m,
				Attempts: cfg.StartupAttempts,
				Delay:    cfg.StartupDelay,
			}
			report, err := v.Run(cmd.Context())
			out := cmd.OutOrStdout()
			if err != nil {
				fmt.Fprintf(out, "FAIL %s after %d attempt(s)\n", m.Config().Addr(), report.Attempts)
				return err
			}
			fmt.Fprintf(out, "OK %s in %s (%d attempt(s))\n", m.Config().Addr(), report.Duration.Round(time.Millisecond), report.Attempts)
			return nil
		},
	}
}
