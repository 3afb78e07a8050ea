package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/release-area/calm/internal/calmlog"
	"github.com/release-area/calm/internal/orchestrator"
	"github.com/release-area/calm/internal/validate"
)

func init() {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan and validate the release area, without touching uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, _, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			opts := orchestrator.Options{
				Strict:         flags.strict,
				ValidateConfig: validate.Config{Arches: cfg.Arches},
			}
			cycle, err := orchestrator.Scan(ctx, cfg, opts)
			if err != nil {
				return err
			}
			calmlog.LogCollected(ctx, cycle.Errors)
			ok := cycle.Errors.OK()
			logCycleErrors(ctx, ok)
			for _, arch := range cfg.Arches {
				fmt.Printf("%s: %d package(s)\n", arch, len(cycle.Packages[arch]))
			}
			if !ok {
				return fmt.Errorf("relarea has validation errors")
			}
			return nil
		},
	}
	rootCmd.AddCommand(cmd)
}
