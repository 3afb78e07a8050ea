// Command calm maintains a Cygwin-style package release area: it ingests
// maintainer uploads, validates the result, vaults stale packages, and
// regenerates setup.ini/repo.json — either as a one-shot batch or as a
// signal-driven daemon. Grounded on calm.py's main()/argparse surface,
// restructured as a cobra subcommand tree the way datawire/ocibuild's
// layertool and kptdev/kpt lay out their own command trees.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/release-area/calm/internal/calmlog"
	"github.com/release-area/calm/internal/config"
	"github.com/release-area/calm/internal/mailer"
)

// globalFlags mirrors the options argparse attaches to every calm
// invocation in the original, minus the ones that are now per-subcommand
// (--daemon moved to its own subcommand entirely).
type globalFlags struct {
	configPath   string
	dryRun       bool
	strict       bool
	verbose      bool
	release      string
	setupVersion string
	email        string
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:   "calm",
	Short: "Maintain a Cygwin-style package release area",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "/etc/calm.toml", "path to the calm TOML configuration file")
	pf.BoolVarP(&flags.dryRun, "dry-run", "n", false, "don't move, vault, or write anything")
	pf.BoolVar(&flags.strict, "strict", false, "require strict SPVR hints (homepage mandatory)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log INFO-level messages to stdout, not just WARNING and above")
	pf.StringVar(&flags.release, "release", "cygwin", "value for the setup.ini release: key")
	pf.StringVar(&flags.setupVersion, "setup-version", "", "value for the setup.ini setup-version: compatibility key")
	pf.StringVar(&flags.email, "email", "", "comma-separated addresses to mail cycle reports to, in addition to each maintainer")
}

// loadConfig resolves --config into a config.Config, wiring a logging
// context over ctx the way calm.py's logging_setup does, and returns both
// plus the in-memory record buffer calmlog.SendSummary later reads.
func loadConfig(ctx context.Context) (context.Context, config.Config, *calmlog.Buffer, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return ctx, cfg, nil, err
	}
	ctx, buf, err := calmlog.Setup(ctx, cfg.Paths.Logdir, flags.verbose)
	if err != nil {
		return ctx, cfg, nil, fmt.Errorf("setting up logging: %w", err)
	}
	return ctx, cfg, buf, nil
}

func leadsAddresses(cfg config.Config) []string {
	if flags.email != "" {
		return splitComma(flags.email)
	}
	return cfg.Mail.Emails
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func newMailer(cfg config.Config) mailer.Sender {
	return mailer.Mailer{Host: cfg.Mail.Host, Port: cfg.Mail.Port}
}

func main() {
	ctx := context.Background()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "calm: error: %v\n", err)
		os.Exit(1)
	}
}

// logCycleErrors logs a single "cycle completed with errors" line through
// ctx's logger when ok is false; the individual errors are logged by
// calmlog.LogCollected.
func logCycleErrors(ctx context.Context, ok bool) {
	if !ok {
		dlog.Errorf(ctx, "cycle completed with errors")
	}
}
