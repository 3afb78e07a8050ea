package upload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/release-area/calm/internal/pkgset"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestScanRejectsPackageNotInList(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	scandir := t.TempDir()
	relarea := t.TempDir()

	writeFile(t, filepath.Join(scandir, "alice", "x86_64", "release", "foo", "foo-1.0-1.hint"), `category: libs
sdesc: "a foo"
`)
	writeFile(t, filepath.Join(scandir, "alice", "x86_64", "!ready"), "")

	m := &Maintainer{Name: "alice", Packages: map[string]bool{"foo": true}}
	res := Scan(ctx, scandir, m, map[string]bool{}, "x86_64", Options{RelArea: relarea})
	assert.Empty(t, res.Packages)
}

func TestScanPromotesReadyFiles(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	scandir := t.TempDir()
	relarea := t.TempDir()

	dir := filepath.Join(scandir, "alice", "x86_64", "release", "foo")
	writeFile(t, filepath.Join(dir, "foo-1.0-1.hint"), `category: libs
sdesc: "a foo"
`)
	writeFile(t, filepath.Join(scandir, "alice", "x86_64", "!ready"), "")

	m := &Maintainer{Name: "alice", Packages: map[string]bool{"foo": true}}
	res := Scan(ctx, scandir, m, map[string]bool{"foo": true}, "x86_64", Options{RelArea: relarea})
	require.Contains(t, res.Packages, "foo")
	assert.False(t, res.ToRelarea.Empty())
}

func TestScanHonorsTrustedMaintainer(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	scandir := t.TempDir()
	relarea := t.TempDir()

	dir := filepath.Join(scandir, "bob", "x86_64", "release", "foo")
	writeFile(t, filepath.Join(dir, "foo-1.0-1.hint"), `category: libs
sdesc: "a foo"
`)
	writeFile(t, filepath.Join(scandir, "bob", "x86_64", "!ready"), "")

	m := &Maintainer{Name: "bob", Packages: map[string]bool{}}
	opts := Options{RelArea: relarea, TrustedMaint: map[string]bool{"bob": true}}
	res := Scan(ctx, scandir, m, map[string]bool{"foo": true}, "x86_64", opts)
	require.Contains(t, res.Packages, "foo")
}

func TestRemoveToleratesMissingFile(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	Remove(ctx, []string{"/does/not/exist/at/all"}, false)
}

func TestAuthCheckRejectsUnauthorizedExistingPath(t *testing.T) {
	existing := pkgset.NewPackage("foo", "some/other/path", pkgset.Binary)
	archPackages := map[string]map[string]*pkgset.Package{
		"x86_64": {"foo": existing},
	}
	m := &Maintainer{Name: "alice", Packages: map[string]bool{"foo/newpath": true}}
	res := &Result{Packages: map[string]*pkgset.Package{"foo": pkgset.NewPackage("foo", "foo/newpath", pkgset.Binary)}}

	AuthCheck(m, map[string]bool{}, res, archPackages)
	assert.True(t, res.Error)
}

func TestAuthCheckAllowsTrustedMaintainer(t *testing.T) {
	existing := pkgset.NewPackage("foo", "some/other/path", pkgset.Binary)
	archPackages := map[string]map[string]*pkgset.Package{
		"x86_64": {"foo": existing},
	}
	m := &Maintainer{Name: "alice", Packages: map[string]bool{}}
	res := &Result{Packages: map[string]*pkgset.Package{"foo": pkgset.NewPackage("foo", "foo/newpath", pkgset.Binary)}}

	AuthCheck(m, map[string]bool{"alice": true}, res, archPackages)
	assert.False(t, res.Error)
}
