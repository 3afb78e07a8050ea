package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/release-area/calm/internal/hint"
	"github.com/release-area/calm/internal/pkgset"
	"github.com/release-area/calm/internal/version"
)

func newBinary(name, vr string, hints hint.Hints, tar *pkgset.Tar) *pkgset.Package {
	p := pkgset.NewPackage(name, name, pkgset.Binary)
	p.Versions[vr] = &pkgset.Version{V: version.Parse(vr), Hints: hints, Tar: tar}
	return p
}

func newSource(name, vr string, hints hint.Hints, tar *pkgset.Tar) *pkgset.Package {
	p := pkgset.NewPackage(pkgset.SourceName(name), name, pkgset.Source)
	p.Versions[vr] = &pkgset.Version{V: version.Parse(vr), Hints: hints, Tar: tar}
	return p
}

func nonEmptyTar() *pkgset.Tar {
	return &pkgset.Tar{Size: 2000, ModTime: 100}
}

func baseConfig() Config {
	return Config{Exemptions: Exemptions{}}
}

func TestStep2MissingDependsTargetIsError(t *testing.T) {
	packages := map[string]*pkgset.Package{
		"foo": newBinary("foo", "1.0-1", hint.Hints{"depends": "bar", "category": "libs"}, nonEmptyTar()),
	}
	res := Run(baseConfig(), packages)
	require.False(t, res.OK)
	assert.Contains(t, res.Errors[0], "missing")
}

func TestStep2ResolvesAgainstProvides(t *testing.T) {
	packages := map[string]*pkgset.Package{
		"foo": newBinary("foo", "1.0-1", hint.Hints{"depends": "bar", "category": "libs"}, nonEmptyTar()),
		"baz": newBinary("baz", "1.0-1", hint.Hints{"provides": "bar", "category": "libs"}, nonEmptyTar()),
	}
	res := Run(baseConfig(), packages)
	for _, e := range res.Errors {
		assert.NotContains(t, e, "missing depends target bar")
	}
}

func TestStep2ResolvesVersionConstrainedAtom(t *testing.T) {
	packages := map[string]*pkgset.Package{
		"foo": newBinary("foo", "1.0-1", hint.Hints{"depends": "bar (>= 1.0), baz", "category": "libs"}, nonEmptyTar()),
		"bar": newBinary("bar", "1.0-1", hint.Hints{"category": "libs"}, nonEmptyTar()),
		"baz": newBinary("baz", "1.0-1", hint.Hints{"category": "libs"}, nonEmptyTar()),
	}
	res := Run(baseConfig(), packages)
	for _, e := range res.Errors {
		assert.NotContains(t, e, "missing")
	}
}

func TestStep2SelfDependsIsErrorUnlessExempted(t *testing.T) {
	packages := map[string]*pkgset.Package{
		"foo": newBinary("foo", "1.0-1", hint.Hints{"depends": "foo", "category": "libs"}, nonEmptyTar()),
	}
	res := Run(baseConfig(), packages)
	require.False(t, res.OK)

	cfg := baseConfig()
	cfg.Exemptions.SelfDependsAllowed = map[string]bool{"foo": true}
	res2 := Run(cfg, packages)
	for _, e := range res2.Errors {
		assert.NotContains(t, e, "depends on itself")
	}
}

func TestStep7BestVersionPrefersNonTest(t *testing.T) {
	p := pkgset.NewPackage("foo", "foo", pkgset.Binary)
	p.Versions["1.0-1"] = &pkgset.Version{V: version.Parse("1.0-1"), Hints: hint.Hints{"category": "libs"}, Tar: nonEmptyTar()}
	p.Versions["2.0-1"] = &pkgset.Version{V: version.Parse("2.0-1"), Hints: hint.Hints{"category": "libs", "test": "x"}, Test: true, Tar: nonEmptyTar()}
	packages := map[string]*pkgset.Package{"foo": p}
	Run(baseConfig(), packages)
	assert.Equal(t, "1.0-1", p.BestVersion)
}

func TestStep10RequiresMatchingSourceVersion(t *testing.T) {
	bin := newBinary("foo", "1.0-1", hint.Hints{"category": "libs"}, nonEmptyTar())
	packages := map[string]*pkgset.Package{
		"foo": bin,
	}
	res := Run(baseConfig(), packages)
	require.False(t, res.OK)
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "no source package") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestStep10SatisfiedWithMatchingSource(t *testing.T) {
	bin := newBinary("foo", "1.0-1", hint.Hints{"category": "libs"}, nonEmptyTar())
	src := newSource("foo", "1.0-1", hint.Hints{"category": "libs"}, nonEmptyTar())
	packages := map[string]*pkgset.Package{
		"foo":     bin,
		"foo-src": src,
	}
	res := Run(baseConfig(), packages)
	for _, e := range res.Errors {
		assert.NotContains(t, e, "no source package")
	}
	assert.True(t, src.Versions["1.0-1"].Tar.IsUsed)
}

func TestStep11UnreferencedSourceIsError(t *testing.T) {
	src := newSource("foo", "1.0-1", hint.Hints{"category": "libs"}, nonEmptyTar())
	packages := map[string]*pkgset.Package{
		"foo-src": src,
	}
	res := Run(baseConfig(), packages)
	require.False(t, res.OK)
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "not referenced") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestStep13RebuildsInverseEdges(t *testing.T) {
	foo := newBinary("foo", "1.0-1", hint.Hints{"depends": "bar", "category": "libs"}, nonEmptyTar())
	bar := newBinary("bar", "1.0-1", hint.Hints{"category": "libs"}, nonEmptyTar())
	packages := map[string]*pkgset.Package{"foo": foo, "bar": bar}
	Run(baseConfig(), packages)
	assert.True(t, bar.RDepends["foo"])
}

func TestStep14BaseImportanceTransitive(t *testing.T) {
	base := newBinary("base-files", "1.0-1", hint.Hints{"category": "base", "depends": "coreutils"}, nonEmptyTar())
	core := newBinary("coreutils", "1.0-1", hint.Hints{"category": "utils"}, nonEmptyTar())
	packages := map[string]*pkgset.Package{"base-files": base, "coreutils": core}
	Run(baseConfig(), packages)
	assert.Equal(t, pkgset.Base, base.Importance)
	assert.Equal(t, pkgset.BaseDep, core.Importance)
}
