package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/release-area/calm/internal/calmlog"
	"github.com/release-area/calm/internal/maintainers"
	"github.com/release-area/calm/internal/orchestrator"
	"github.com/release-area/calm/internal/validate"
)

func init() {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run one admit/vault/index cycle and exit, the way calm.py's non-daemon process() does",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, buf, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			opts := orchestrator.Options{
				DryRun:         flags.dryRun,
				Strict:         flags.strict,
				Stale:          true,
				ValidateConfig: validate.Config{Arches: cfg.Arches},
			}
			cycle, err := orchestrator.Run(ctx, cfg, opts)
			if err != nil {
				return err
			}
			calmlog.LogCollected(ctx, cycle.Errors)
			ok := cycle.Errors.OK()
			logCycleErrors(ctx, ok)
			if !ok {
				return fmt.Errorf("cycle completed with errors, not writing setup.ini")
			}
			if err := orchestrator.WriteIndexes(ctx, cfg, cycle, flags.release, flags.setupVersion); err != nil {
				return fmt.Errorf("writing indexes: %w", err)
			}

			leads := leadsAddresses(cfg)
			if len(leads) == 0 {
				return nil
			}
			mlist, err := maintainers.Read(ctx, cfg.Paths.Homedir, cfg.Paths.Pkglist, cfg.Orphanmaint)
			if err != nil {
				return fmt.Errorf("reading maintainer list for mail summary: %w", err)
			}
			calmlog.SendSummary(ctx, newMailer(cfg), buf, "calm: cygwin package report", leads, mlist, map[string]bool{}, cfg.Mail.From)
			return nil
		},
	}
	rootCmd.AddCommand(cmd)
}
