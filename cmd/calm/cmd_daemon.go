package main

import (
	"github.com/spf13/cobra"

	"github.com/release-area/calm/internal/daemon"
	"github.com/release-area/calm/internal/orchestrator"
	"github.com/release-area/calm/internal/validate"
)

func init() {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run calm as a long-lived daemon, rescanning on SIGUSR1/SIGUSR2 and a 4-hour alarm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, buf, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			opts := daemon.Options{
				Config: cfg,
				RunOptions: orchestrator.Options{
					DryRun:         flags.dryRun,
					Strict:         flags.strict,
					Stale:          true,
					ValidateConfig: validate.Config{Arches: cfg.Arches},
				},
				Release:      flags.release,
				SetupVersion: flags.setupVersion,
				Mailer:       newMailer(cfg),
				LeadsAddrs:   leadsAddresses(cfg),
			}
			return daemon.Run(ctx, buf, opts)
		},
	}
	rootCmd.AddCommand(cmd)
}
