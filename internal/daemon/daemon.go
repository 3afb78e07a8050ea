// Package daemon implements the signal-driven run loop of spec.md §5/§9,
// grounded on calm.py's do_daemon: SIGUSR1/SIGUSR2 mark state dirty and
// trigger a fresh cycle, SIGTERM stops the loop, and a periodic alarm
// re-scans the release area every four hours even absent any signal, per
// spec.md §9's decision that the daemon's rescan is fully authoritative.
// Since internal/orchestrator.Run always performs the combined
// relarea-scan-and-upload-admission pass in one call, SIGUSR1 ("read
// uploads") and SIGUSR2 ("read relarea") both schedule the same full Run
// rather than calm.py's separate read_relarea/read_uploads flags.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/release-area/calm/internal/calmlog"
	"github.com/release-area/calm/internal/config"
	"github.com/release-area/calm/internal/mailer"
	"github.com/release-area/calm/internal/maintainers"
	"github.com/release-area/calm/internal/orchestrator"
)

const (
	rescanInterval = 4 * time.Hour
	rescanOffset   = 10 * time.Minute
)

// Options bundles everything one daemon invocation needs beyond the
// per-cycle orchestrator.Options.
type Options struct {
	Config       config.Config
	RunOptions   orchestrator.Options
	Release      string
	SetupVersion string
	Mailer       mailer.Sender
	LeadsAddrs   []string
}

// Run blocks until ctx is cancelled or SIGTERM is received, executing one
// orchestrator cycle per wake (startup, SIGUSR1, SIGUSR2, or the rescan
// alarm), mailing each cycle's buffered log records to leads and
// maintainers the way mail_logs/mail_cb do. An unhandled panic from a
// cycle is caught, mailed to leads as calm.py's outer try/except does,
// and returned as an error rather than crashing the process.
func Run(ctx context.Context, buf *calmlog.Buffer, opts Options) (err error) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "exception %v", r)
			if opts.Mailer != nil {
				_ = opts.Mailer.Send(ctx, mailer.Message{
					From:    opts.Config.Mail.From,
					To:      opts.LeadsAddrs,
					Subject: "calm stopping due to unhandled exception",
					Body:    fmt.Sprintf("%v", r),
				})
			}
			dlog.Errorf(ctx, "calm daemon stopped due to unhandled exception")
			err = fmt.Errorf("daemon: unhandled exception: %v", r)
		}
	}()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	dlog.Infof(ctx, "calm daemon started, pid %d", os.Getpid())

	subject := "calm: cygwin package report"
	if opts.RunOptions.DryRun {
		subject = "calm [dry-run]: cygwin package report"
	}

	dirty := true
	running := true
	for running {
		if dirty {
			dirty = false
			runCycle(ctx, buf, opts, subject)
		}

		delay := nextRescanDelay(time.Now())
		dlog.Infof(ctx, "sleeping for %s", delay)
		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			running = false
		case sig := <-sigCh:
			timer.Stop()
			applySignal(ctx, sig, &dirty, &running)
		case <-timer.C:
			dlog.Debugf(ctx, "rescan alarm")
			dirty = true
		}

	drain:
		for {
			select {
			case sig := <-sigCh:
				applySignal(ctx, sig, &dirty, &running)
			default:
				break drain
			}
		}
	}

	dlog.Infof(ctx, "calm daemon stopped")
	return nil
}

func applySignal(ctx context.Context, sig os.Signal, dirty, running *bool) {
	switch sig {
	case syscall.SIGUSR1:
		dlog.Debugf(ctx, "SIGUSR1")
		*dirty = true
	case syscall.SIGUSR2:
		dlog.Debugf(ctx, "SIGUSR2")
		*dirty = true
	case syscall.SIGTERM:
		dlog.Debugf(ctx, "SIGTERM")
		*running = false
	}
}

func runCycle(ctx context.Context, buf *calmlog.Buffer, opts Options, subject string) {
	buf.Reset()

	cycle, err := orchestrator.Run(ctx, opts.Config, opts.RunOptions)
	if err != nil {
		dlog.Errorf(ctx, "cycle failed: %s", err)
	} else {
		calmlog.LogCollected(ctx, cycle.Errors)
		if cycle.Errors.OK() {
			if err := orchestrator.WriteIndexes(ctx, opts.Config, cycle, opts.Release, opts.SetupVersion); err != nil {
				dlog.Errorf(ctx, "writing indexes: %s", err)
			}
		} else {
			dlog.Errorf(ctx, "errors in cycle, not writing setup.ini")
		}
	}

	if opts.Mailer == nil || len(opts.LeadsAddrs) == 0 {
		return
	}
	mlist, err := maintainers.Read(ctx, opts.Config.Paths.Homedir, opts.Config.Paths.Pkglist, opts.Config.Orphanmaint)
	if err != nil {
		dlog.Errorf(ctx, "reading maintainer list for mail summary: %s", err)
		return
	}
	calmlog.SendSummary(ctx, opts.Mailer, buf, subject, opts.LeadsAddrs, mlist, map[string]bool{}, opts.Config.Mail.From)
}

// nextRescanDelay wakes at a 10 minute offset past every 4 hour boundary,
// matching calm.py's "interval - ((time.time() - offset) % interval)".
func nextRescanDelay(now time.Time) time.Duration {
	intervalSec := int64(rescanInterval / time.Second)
	offsetSec := int64(rescanOffset / time.Second)

	mod := (now.Unix() - offsetSec) % intervalSec
	if mod < 0 {
		mod += intervalSec
	}
	return time.Duration(intervalSec-mod) * time.Second
}
