package retention

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"

	"github.com/release-area/calm/internal/hint"
	"github.com/release-area/calm/internal/pkgset"
	"github.com/release-area/calm/internal/version"
)

func allFiles(m interface {
	Dirs() []string
	Files(string) []string
}) []string {
	var out []string
	for _, d := range m.Dirs() {
		out = append(out, m.Files(d)...)
	}
	return out
}

func binWithVersions(name string, vrs ...string) *pkgset.Package {
	p := pkgset.NewPackage(name, name, pkgset.Binary)
	for i, vr := range vrs {
		p.Versions[vr] = &pkgset.Version{
			V:     version.Parse(vr),
			Hints: hint.Hints{"category": "libs"},
			Tar:   &pkgset.Tar{RelPath: name, Filename: name + "-" + vr + ".tar.xz", ModTime: int64(1000 + i)},
		}
	}
	p.BestVersion = vrs[len(vrs)-1]
	return p
}

func TestKeepCountRetainsNewestN(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	p := binWithVersions("foo", "1.0-1", "2.0-1", "3.0-1", "4.0-1")
	p.Override["keep-count"] = "2"
	packages := map[string]*pkgset.Package{"foo": p}

	stale := Run(ctx, packages, Config{})
	assert.False(t, stale.Empty())
	files := allFiles(stale)
	assert.Contains(t, files, "foo-1.0-1.tar.xz")
	assert.Contains(t, files, "foo-2.0-1.tar.xz")
	assert.NotContains(t, files, "foo-4.0-1.tar.xz")
}

func TestKeepOverrideForcesFresh(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	p := binWithVersions("foo", "1.0-1", "2.0-1")
	p.Override["keep-count"] = "1"
	p.Override["keep"] = "1.0-1"
	packages := map[string]*pkgset.Package{"foo": p}

	stale := Run(ctx, packages, Config{})
	files := allFiles(stale)
	assert.NotContains(t, files, "foo-1.0-1.tar.xz")
}

func TestDebuginfoIsConditionalThenStaleWithoutSource(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	p := binWithVersions("foo-debuginfo", "1.0-1")
	p.Override["keep-count"] = "3"
	packages := map[string]*pkgset.Package{"foo-debuginfo": p}

	stale := Run(ctx, packages, Config{})
	assert.Contains(t, allFiles(stale), "foo-debuginfo-1.0-1.tar.xz")
}

func TestSourceFreshnessFollowsBinary(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	bin := binWithVersions("foo", "1.0-1")
	bin.Override["keep-count"] = "1"
	src := pkgset.NewPackage("foo-src", "foo", pkgset.Source)
	src.Versions["1.0-1"] = &pkgset.Version{
		V:     version.Parse("1.0-1"),
		Hints: hint.Hints{"category": "libs"},
		Tar:   &pkgset.Tar{RelPath: "foo", Filename: "foo-1.0-1-src.tar.xz"},
	}
	bin.IsUsedBy = map[string]bool{} // unused by design here
	src.IsUsedBy = map[string]bool{"foo": true}

	packages := map[string]*pkgset.Package{"foo": bin, "foo-src": src}
	stale := Run(ctx, packages, Config{})
	assert.NotContains(t, allFiles(stale), "foo-1.0-1-src.tar.xz")
}

func TestVaultRequestMarksConditional(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	p := binWithVersions("foo", "1.0-1")
	p.Override["keep-count"] = "3"
	packages := map[string]*pkgset.Package{"foo": p}

	cfg := Config{VaultRequests: map[string]map[string]bool{"foo": {"1.0-1": true}}}
	stale := Run(ctx, packages, cfg)
	assert.Contains(t, allFiles(stale), "foo-1.0-1.tar.xz")
}
