package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/release-area/calm/internal/calmlog"
	"github.com/release-area/calm/internal/config"
	"github.com/release-area/calm/internal/orchestrator"
	"github.com/release-area/calm/internal/validate"
)

func TestNextRescanDelayWakesAtFourHourBoundary(t *testing.T) {
	epoch := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	delay := nextRescanDelay(epoch)
	assert.Equal(t, 4*time.Hour, delay, "exactly on a wake boundary, the next one is a full interval away")

	justBefore := epoch.Add(-time.Minute)
	assert.Equal(t, time.Minute, nextRescanDelay(justBefore))
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(dlog.NewTestContext(t, false))

	cfg := config.Defaults()
	cfg.Arches = []string{"x86_64"}
	cfg.Paths.Relarea = t.TempDir()
	cfg.Paths.Homedir = t.TempDir()
	cfg.Paths.Htdocs = t.TempDir()
	cfg.Paths.Vault = t.TempDir()
	cfg.Paths.Pkglist = filepath.Join(t.TempDir(), "cygwin-pkg-maint")

	opts := Options{
		Config:       cfg,
		RunOptions:   orchestrator.Options{ValidateConfig: validate.Config{Exemptions: validate.Exemptions{}}},
		SetupVersion: "2",
	}

	buf := calmlog.NewBuffer()
	done := make(chan error, 1)
	go func() { done <- Run(ctx, buf, opts) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
