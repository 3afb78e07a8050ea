package orchestrator

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/release-area/calm/internal/config"
	"github.com/release-area/calm/internal/hint"
	"github.com/release-area/calm/internal/pkgset"
	"github.com/release-area/calm/internal/validate"
	"github.com/release-area/calm/internal/version"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// dummyTar writes a real gzip-wrapped tar holding one 2000-byte member,
// stored without compression: upload's full-read archive check accepts it,
// and at well over 1024 bytes classifyEmpty treats it as non-empty by size
// alone.
func dummyTar(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	gw, err := gzip.NewWriterLevel(f, gzip.NoCompression)
	require.NoError(t, err)
	tw := tar.NewWriter(gw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "README", Mode: 0644, Size: 2000}))
	_, err = tw.Write(make([]byte, 2000))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Defaults()
	cfg.Arches = []string{"x86_64"}
	cfg.Paths.Relarea = t.TempDir()
	cfg.Paths.Homedir = t.TempDir()
	cfg.Paths.Htdocs = t.TempDir()
	cfg.Paths.Vault = t.TempDir()
	cfg.Paths.Pkglist = filepath.Join(t.TempDir(), "cygwin-pkg-maint")
	return cfg
}

func TestRunAdmitsMaintainerUpload(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig(t)

	writeFile(t, cfg.Paths.Pkglist, "foo alice\n")
	writeFile(t, filepath.Join(cfg.Paths.Homedir, "alice", "!email"), "alice@example.com\n")

	// the maintainer uploads both the binary and its matching source
	// package in the same cycle, so validate's step10/11 source-linkage
	// checks are satisfied without any prior relarea state. Each !ready is
	// written last, so no uploaded file is newer than it.
	dummyTar(t, filepath.Join(cfg.Paths.Homedir, "alice", "x86_64", "release", "foo", "foo-1.0-1.tar.gz"))
	writeFile(t, filepath.Join(cfg.Paths.Homedir, "alice", "x86_64", "release", "foo", "foo-1.0-1.hint"), "category: libs\nsdesc: \"a foo\"\n")
	writeFile(t, filepath.Join(cfg.Paths.Homedir, "alice", "x86_64", "!ready"), "")

	dummyTar(t, filepath.Join(cfg.Paths.Homedir, "alice", "src", "release", "foo", "foo-1.0-1-src.tar.gz"))
	writeFile(t, filepath.Join(cfg.Paths.Homedir, "alice", "src", "release", "foo", "foo-1.0-1-src.hint"), "category: libs\nsdesc: \"a foo\"\n")
	writeFile(t, filepath.Join(cfg.Paths.Homedir, "alice", "src", "!ready"), "")

	opts := Options{ValidateConfig: validate.Config{Exemptions: validate.Exemptions{}}}
	cycle, err := Run(ctx, cfg, opts)
	require.NoError(t, err)
	require.Contains(t, cycle.Packages, "x86_64")

	foo, ok := cycle.Packages["x86_64"]["foo"]
	require.True(t, ok, "uploaded package foo should be admitted into the x86_64 view")
	assert.Contains(t, foo.Versions, "1.0-1")

	relareaTar := filepath.Join(cfg.Paths.Relarea, "x86_64", "release", "foo", "foo-1.0-1.tar.gz")
	assert.FileExists(t, relareaTar, "admitted upload should be moved into the release area")
}

func TestRunRejectsUploadForUnlistedPackage(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig(t)

	writeFile(t, cfg.Paths.Pkglist, "bar alice\n")
	writeFile(t, filepath.Join(cfg.Paths.Homedir, "alice", "!email"), "alice@example.com\n")

	dummyTar(t, filepath.Join(cfg.Paths.Homedir, "alice", "x86_64", "release", "foo", "foo-1.0-1.tar.gz"))
	writeFile(t, filepath.Join(cfg.Paths.Homedir, "alice", "x86_64", "release", "foo", "foo-1.0-1.hint"), "category: libs\nsdesc: \"a foo\"\n")
	writeFile(t, filepath.Join(cfg.Paths.Homedir, "alice", "x86_64", "!ready"), "")

	opts := Options{ValidateConfig: validate.Config{Exemptions: validate.Exemptions{}}}
	cycle, err := Run(ctx, cfg, opts)
	require.NoError(t, err)

	_, ok := cycle.Packages["x86_64"]["foo"]
	assert.False(t, ok, "a package not owned by the maintainer must not be admitted")

	relareaTar := filepath.Join(cfg.Paths.Relarea, "x86_64", "release", "foo", "foo-1.0-1.tar.gz")
	assert.NoFileExists(t, relareaTar)
}

func TestWriteIndexesWritesSetupIniPerArch(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig(t)

	foo := pkgset.NewPackage("foo", "foo", pkgset.Binary)
	foo.Versions["1.0-1"] = &pkgset.Version{
		V:     version.Parse("1.0-1"),
		Hints: hint.Hints{"category": "libs", "sdesc": `"a foo"`},
		Tar:   &pkgset.Tar{RelPath: "foo", Filename: "foo-1.0-1.tar.gz", Size: 2000},
	}

	cycle := &Cycle{Packages: map[string]map[string]*pkgset.Package{
		"x86_64": {"foo": foo},
	}}

	require.NoError(t, WriteIndexes(ctx, cfg, cycle, "cygwin", "2"))
	assert.FileExists(t, filepath.Join(cfg.Paths.Htdocs, "x86_64", "setup.ini"))
	assert.FileExists(t, filepath.Join(cfg.Paths.Htdocs, "repo.json"))
}
