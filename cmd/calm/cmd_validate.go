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
		Use:   "validate",
		Short: "Validate the release area and exit non-zero on any error",
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
			for _, e := range cycle.Errors.Errors {
				fmt.Println(e.Err)
			}
			if !cycle.Errors.OK() {
				return fmt.Errorf("%d validation error(s)", len(cycle.Errors.Errors))
			}
			return nil
		},
	}
	rootCmd.AddCommand(cmd)
}
